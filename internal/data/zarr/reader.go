// Package zarr reads one-dimensional Zarr v3 arrays as Arrow columns.
package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/klauspost/compress/zstd"
)

// Reader provides access to the arrays of a Zarr v3 group. Every array
// directory directly under the group root is a column.
type Reader struct {
	basePath string
	decoder  *zstd.Decoder

	mu    sync.RWMutex
	metas map[string]*ArrayMeta
}

// ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration"`
	} `json:"codecs"`
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

// Len returns the number of elements of a 1-D array.
func (m *ArrayMeta) Len() int {
	if len(m.Shape) == 0 {
		return 0
	}
	return m.Shape[0]
}

func (m *ArrayMeta) compressed() bool {
	for _, c := range m.Codecs {
		if c.Name == "zstd" {
			return true
		}
	}
	return false
}

func (m *ArrayMeta) bigEndian() bool {
	for _, c := range m.Codecs {
		if c.Name == "bytes" {
			if e, ok := c.Configuration["endian"].(string); ok && e == "big" {
				return true
			}
		}
	}
	return false
}

// NewReader creates a new Zarr reader.
func NewReader(basePath string) (*Reader, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open zarr store: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("zarr store %s is not a directory", basePath)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Reader{
		basePath: basePath,
		decoder:  decoder,
		metas:    make(map[string]*ArrayMeta),
	}, nil
}

// Arrays lists the 1-D arrays of the group, sorted by name.
func (r *Reader) Arrays() ([]string, error) {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := r.ArrayMeta(e.Name())
		if err != nil || meta.NodeType != "array" || len(meta.Shape) != 1 {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ArrayMeta loads and memoizes the metadata of array name.
func (r *Reader) ArrayMeta(name string) (*ArrayMeta, error) {
	r.mu.RLock()
	meta, ok := r.metas[name]
	r.mu.RUnlock()
	if ok {
		return meta, nil
	}

	data, err := os.ReadFile(filepath.Join(r.basePath, name, "zarr.json"))
	if err != nil {
		return nil, err
	}
	meta = &ArrayMeta{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s/zarr.json: %w", name, err)
	}

	r.mu.Lock()
	r.metas[name] = meta
	r.mu.Unlock()
	return meta, nil
}

// readChunk reads and decompresses one chunk; a missing chunk file reads as
// nil with os.ErrNotExist.
func (r *Reader) readChunk(arrayPath string, meta *ArrayMeta, index int) ([]byte, error) {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	key := strconv.Itoa(index)
	if meta.ChunkKeyEncoding.Name != "v2" {
		key = "c" + sep + key
	}

	raw, err := os.ReadFile(filepath.Join(arrayPath, filepath.FromSlash(key)))
	if err != nil {
		return nil, err
	}
	if !meta.compressed() {
		return raw, nil
	}
	out, err := r.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return out, nil
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "float32", "int32", "uint32":
		return 4, nil
	case "float64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

func fillValue(meta *ArrayMeta) float64 {
	switch v := meta.FillValue.(type) {
	case float64:
		return v
	case string:
		if v == "NaN" {
			return math.NaN()
		}
	}
	return 0
}

// ReadColumn reads array name in full as an Arrow array of its own type.
// Missing chunks hold the fill value.
func (r *Reader) ReadColumn(name string, mem memory.Allocator) (arrow.Array, error) {
	meta, err := r.ArrayMeta(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load array %q: %w", name, err)
	}
	if len(meta.Shape) != 1 || len(meta.ChunkGrid.Configuration.ChunkShape) != 1 {
		return nil, fmt.Errorf("array %q: only 1-D arrays are supported, shape %v", name, meta.Shape)
	}
	size, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, fmt.Errorf("array %q: %w", name, err)
	}
	chunkLen := meta.ChunkGrid.Configuration.ChunkShape[0]
	if chunkLen <= 0 {
		return nil, fmt.Errorf("array %q: invalid chunk shape %d", name, chunkLen)
	}

	n := meta.Len()
	values := make([]float64, 0, n)
	order := binary.ByteOrder(binary.LittleEndian)
	if meta.bigEndian() {
		order = binary.BigEndian
	}
	arrayPath := filepath.Join(r.basePath, name)
	for c := 0; c*chunkLen < n; c++ {
		want := min(chunkLen, n-c*chunkLen)
		data, err := r.readChunk(arrayPath, meta, c)
		if os.IsNotExist(err) {
			for i := 0; i < want; i++ {
				values = append(values, fillValue(meta))
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("array %q chunk %d: %w", name, c, err)
		}
		// Edge chunks may be stored at full chunk length.
		if len(data) < want*size {
			return nil, fmt.Errorf("array %q chunk %d: %d bytes, want %d", name, c, len(data), want*size)
		}
		for i := 0; i < want; i++ {
			values = append(values, decode(meta.DataType, order, data[i*size:(i+1)*size]))
		}
	}
	return build(meta.DataType, values, mem), nil
}

func decode(dataType string, order binary.ByteOrder, b []byte) float64 {
	switch dataType {
	case "float32":
		return float64(math.Float32frombits(order.Uint32(b)))
	case "int32":
		return float64(int32(order.Uint32(b)))
	case "uint32":
		return float64(order.Uint32(b))
	}
	return math.Float64frombits(order.Uint64(b))
}

func build(dataType string, values []float64, mem memory.Allocator) arrow.Array {
	switch dataType {
	case "float32":
		b := array.NewFloat32Builder(mem)
		defer b.Release()
		for _, v := range values {
			b.Append(float32(v))
		}
		return b.NewArray()
	case "int32":
		b := array.NewInt32Builder(mem)
		defer b.Release()
		for _, v := range values {
			b.Append(int32(v))
		}
		return b.NewArray()
	case "uint32":
		b := array.NewUint32Builder(mem)
		defer b.Release()
		for _, v := range values {
			b.Append(uint32(v))
		}
		return b.NewArray()
	}
	b := array.NewFloat64Builder(mem)
	defer b.Release()
	b.AppendValues(values, nil)
	return b.NewArray()
}

// Record reads columns into one record. An empty list reads every array.
// All columns must have the same length.
func (r *Reader) Record(columns []string) (arrow.Record, error) {
	if len(columns) == 0 {
		names, err := r.Arrays()
		if err != nil {
			return nil, err
		}
		columns = names
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("zarr store %s has no 1-D arrays", r.basePath)
	}

	mem := memory.DefaultAllocator
	fields := make([]arrow.Field, len(columns))
	cols := make([]arrow.Array, len(columns))
	release := func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}
	for i, name := range columns {
		col, err := r.ReadColumn(name, mem)
		if err != nil {
			release()
			return nil, err
		}
		if i > 0 && col.Len() != cols[0].Len() {
			err := fmt.Errorf("array %q has %d rows, %q has %d", name, col.Len(), columns[0], cols[0].Len())
			col.Release()
			release()
			return nil, err
		}
		cols[i] = col
		fields[i] = arrow.Field{Name: name, Type: col.DataType()}
	}
	rec := array.NewRecord(arrow.NewSchema(fields, nil), cols, int64(cols[0].Len()))
	release()
	return rec, nil
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

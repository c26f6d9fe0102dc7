package dataset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/ipc"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"

	"github.com/quadscatter/server/internal/cache"
)

// Schema metadata keys understood in tile payloads.
const (
	MetaChildren = "children"
	MetaExtent   = "extent"
)

// Payload is one decoded tile.
type Payload struct {
	Record   arrow.Record
	Children []Key
	Extent   *Rect
	// Bytes is the size of the encoded payload, zero when not fetched as bytes.
	Bytes int
}

// Fetcher retrieves tile payloads.
type Fetcher interface {
	Fetch(ctx context.Context, key Key) (*Payload, error)
}

// TileCache stores raw payload bytes between fetches.
type TileCache interface {
	GetTile(key string) ([]byte, bool)
	SetTile(key string, data []byte) error
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) { return zstd.NewReader(nil) })
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) { return zstd.NewWriter(nil) })
)

// DecodePayload parses an Arrow IPC stream, zstd-compressed or not. Multiple
// record batches are concatenated into one record. Child keys and extent are
// read from the schema metadata.
func DecodePayload(data []byte) (*Payload, error) {
	size := len(data)
	if bytes.HasPrefix(data, zstdMagic) {
		dec, err := zstdDecoder()
		if err != nil {
			return nil, errors.Wrap(err, "failed to create zstd decoder")
		}
		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decompress tile")
		}
	}

	mem := memory.DefaultAllocator
	r, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(mem))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open arrow stream")
	}
	defer r.Release()

	var batches []arrow.Record
	for r.Next() {
		rec := r.Record()
		rec.Retain()
		batches = append(batches, rec)
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "failed to read arrow stream")
	}

	schema := r.Schema()
	rec, err := concatRecords(mem, schema, batches)
	if err != nil {
		return nil, err
	}

	p := &Payload{Record: rec, Bytes: size}
	md := schema.Metadata()
	if i := md.FindKey(MetaChildren); i >= 0 {
		var names []string
		if err := json.Unmarshal([]byte(md.Values()[i]), &names); err != nil {
			return nil, errors.Wrap(err, "invalid children metadata")
		}
		for _, n := range names {
			k, err := ParseKey(n)
			if err != nil {
				return nil, err
			}
			p.Children = append(p.Children, k)
		}
	}
	if i := md.FindKey(MetaExtent); i >= 0 {
		var ext Rect
		if err := json.Unmarshal([]byte(md.Values()[i]), &ext); err != nil {
			return nil, errors.Wrap(err, "invalid extent metadata")
		}
		p.Extent = &ext
	}
	return p, nil
}

func concatRecords(mem memory.Allocator, schema *arrow.Schema, batches []arrow.Record) (arrow.Record, error) {
	switch len(batches) {
	case 0:
		cols := make([]arrow.Array, schema.NumFields())
		for i, f := range schema.Fields() {
			cols[i] = array.MakeArrayOfNull(mem, f.Type, 0)
		}
		return array.NewRecord(schema, cols, 0), nil
	case 1:
		return batches[0], nil
	}
	var rows int64
	cols := make([]arrow.Array, schema.NumFields())
	for i := range cols {
		parts := make([]arrow.Array, len(batches))
		for j, b := range batches {
			parts[j] = b.Column(i)
		}
		col, err := array.Concatenate(parts, mem)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to concatenate column %q", schema.Field(i).Name)
		}
		cols[i] = col
	}
	for _, b := range batches {
		rows += b.NumRows()
		b.Release()
	}
	return array.NewRecord(schema, cols, rows), nil
}

// EncodePayload writes rec as an Arrow IPC stream carrying children and
// extent in the schema metadata.
func EncodePayload(rec arrow.Record, children []Key, extent *Rect, compress bool) ([]byte, error) {
	md := rec.Schema().Metadata()
	keys, values := slicesClone(md.Keys()), slicesClone(md.Values())
	if children != nil {
		names := make([]string, len(children))
		for i, k := range children {
			names[i] = k.String()
		}
		b, _ := json.Marshal(names)
		keys, values = setMeta(keys, values, MetaChildren, string(b))
	}
	if extent != nil {
		b, err := json.Marshal(extent)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode extent")
		}
		keys, values = setMeta(keys, values, MetaExtent, string(b))
	}
	newMD := arrow.NewMetadata(keys, values)
	schema := arrow.NewSchema(rec.Schema().Fields(), &newMD)
	out := array.NewRecord(schema, rec.Columns(), rec.NumRows())
	defer out.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := w.Write(out); err != nil {
		return nil, errors.Wrap(err, "failed to write record batch")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close arrow stream")
	}
	if !compress {
		return buf.Bytes(), nil
	}
	enc, err := zstdEncoder()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create zstd encoder")
	}
	return enc.EncodeAll(buf.Bytes(), nil), nil
}

func slicesClone(s []string) []string { return append([]string(nil), s...) }

func setMeta(keys, values []string, k, v string) ([]string, []string) {
	for i := range keys {
		if keys[i] == k {
			values[i] = v
			return keys, values
		}
	}
	return append(keys, k), append(values, v)
}

// HTTPFetcher downloads tiles from {BaseURL}/{z}/{x}/{y}{Ext}.
type HTTPFetcher struct {
	BaseURL string
	Ext     string
	Client  *http.Client
	Cache   TileCache
	// CacheKey namespaces cache entries, usually the dataset name.
	CacheKey string
}

// NewHTTPFetcher returns a fetcher with a bounded-timeout client.
func NewHTTPFetcher(baseURL, ext string, tc TileCache, cacheKey string) *HTTPFetcher {
	if ext == "" {
		ext = ".arrow"
	}
	return &HTTPFetcher{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Ext:      ext,
		Client:   &http.Client{Timeout: 60 * time.Second},
		Cache:    tc,
		CacheKey: cacheKey,
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, key Key) (*Payload, error) {
	ck := tileCacheKey(f.CacheKey, key)
	if f.Cache != nil {
		if data, ok := f.Cache.GetTile(ck); ok {
			return DecodePayload(data)
		}
	}
	url := fmt.Sprintf("%s/%d/%d/%d%s", f.BaseURL, key.Z, key.X, key.Y, f.Ext)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("fetch %s: unexpected status %s", url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", url)
	}
	return decodeAndCache(f.Cache, ck, data)
}

// DirFetcher reads tiles from {Dir}/{z}/{x}/{y}{Ext}.
type DirFetcher struct {
	Dir      string
	Ext      string
	Cache    TileCache
	CacheKey string
}

// Path returns the file backing key.
func (f *DirFetcher) Path(key Key) string {
	ext := f.Ext
	if ext == "" {
		ext = ".arrow"
	}
	return filepath.Join(f.Dir, fmt.Sprint(key.Z), fmt.Sprint(key.X), fmt.Sprintf("%d%s", key.Y, ext))
}

// Fetch implements Fetcher.
func (f *DirFetcher) Fetch(ctx context.Context, key Key) (*Payload, error) {
	ck := tileCacheKey(f.CacheKey, key)
	if f.Cache != nil {
		if data, ok := f.Cache.GetTile(ck); ok {
			return DecodePayload(data)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path(key))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tile %s", key)
	}
	return decodeAndCache(f.Cache, ck, data)
}

func decodeAndCache(tc TileCache, ck string, data []byte) (*Payload, error) {
	p, err := DecodePayload(data)
	if err != nil {
		return nil, err
	}
	if tc != nil {
		// Oversized payloads are simply not cached.
		_ = tc.SetTile(ck, data)
	}
	return p, nil
}

func tileCacheKey(ns string, key Key) string {
	return cache.TileKey(ns, key.Z, key.X, key.Y)
}

// QuadtileConfig describes a quadtile dataset served over HTTP or from disk.
type QuadtileConfig struct {
	URL   string
	Dir   string
	Ext   string
	Cache TileCache
	Options
}

// NewQuadtileDataset opens a quadtile tree. Exactly one of URL and Dir must
// be set.
func NewQuadtileDataset(name string, cfg QuadtileConfig) (*Dataset, error) {
	opts := cfg.Options
	switch {
	case cfg.URL != "" && cfg.Dir == "":
		opts.Fetcher = NewHTTPFetcher(cfg.URL, cfg.Ext, cfg.Cache, name)
	case cfg.Dir != "" && cfg.URL == "":
		opts.Fetcher = &DirFetcher{Dir: cfg.Dir, Ext: cfg.Ext, Cache: cfg.Cache, CacheKey: name}
	default:
		return nil, errors.Newf("dataset %q needs exactly one of url and dir", name)
	}
	opts.Spatial = true
	ds, err := New(name, opts)
	if err != nil {
		return nil, err
	}
	ds.log.WithField("source", cfg.URL+cfg.Dir).Info("quadtile dataset opened")
	return ds, nil
}

//go:build soma

package soma

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/memory"
)

// Reader provides minimal SOMA reads via TileDB arrays.
type Reader struct {
	experimentURI string
	ctx           *tiledb.Context

	geneOnce sync.Once
	geneMap  map[string]int64 // gene_id -> gene soma_joinid
	geneErr  error

	obsIdxMu    sync.Mutex
	obsIdxCache map[string]map[string][]int64 // column -> value -> []cell_joinid
}

func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{
		experimentURI: uri,
		ctx:           ctx,
	}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

// Close frees the TileDB context.
func (r *Reader) Close() {
	if r.ctx != nil {
		r.ctx.Free()
	}
}

// openRead opens the array at uri below the experiment for reading. The
// returned func closes and frees it.
func (r *Reader) openRead(rel string) (*tiledb.Array, func(), error) {
	uri := r.experimentURI + "/" + rel
	arr, err := tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s array: %w", rel, err)
	}
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		arr.Free()
		return nil, nil, fmt.Errorf("failed to open %s array for read: %w", rel, err)
	}
	return arr, func() {
		arr.Close()
		arr.Free()
	}, nil
}

// ObsCount returns the number of cells, taken as the largest obs
// soma_joinid plus one.
func (r *Reader) ObsCount() (int, error) {
	arr, done, err := r.openRead("obs")
	if err != nil {
		return 0, err
	}
	defer done()
	_, maxID, empty, err := joinIDBounds(arr)
	if err != nil || empty {
		return 0, err
	}
	return int(maxID) + 1, nil
}

// ObsColumns returns the list of attribute names in the obs DataFrame.
func (r *Reader) ObsColumns() ([]string, error) {
	arr, done, err := r.openRead("obs")
	if err != nil {
		return nil, err
	}
	defer done()

	schema, err := arr.Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to get obs schema: %w", err)
	}
	defer schema.Free()

	nattrs, err := schema.AttributeNum()
	if err != nil {
		return nil, fmt.Errorf("failed to get attribute count: %w", err)
	}

	var columns []string
	for i := uint(0); i < nattrs; i++ {
		attr, err := schema.AttributeFromIndex(i)
		if err != nil {
			continue
		}
		name, err := attr.Name()
		attr.Free()
		if err != nil || name == "soma_joinid" {
			continue
		}
		columns = append(columns, name)
	}
	return columns, nil
}

// Record reads the named obs columns, or every obs column when columns is
// empty, into one record indexed by soma_joinid.
func (r *Reader) Record(columns []string, mem memory.Allocator) (arrow.Record, error) {
	if len(columns) == 0 {
		all, err := r.ObsColumns()
		if err != nil {
			return nil, err
		}
		columns = all
	}
	n, err := r.ObsCount()
	if err != nil {
		return nil, err
	}

	cols := make([]Column, 0, len(columns))
	for _, name := range columns {
		var c Column
		if gene, ok := strings.CutPrefix(name, ExpressionPrefix); ok {
			c, err = r.expressionColumn(gene, n)
		} else {
			c, err = r.obsColumn(name, n)
		}
		if err != nil {
			return nil, err
		}
		c.Name = name
		cols = append(cols, c)
	}
	return BuildRecord(n, cols, mem)
}

func (r *Reader) obsColumn(name string, n int) (Column, error) {
	arr, done, err := r.openRead("obs")
	if err != nil {
		return Column{}, err
	}
	schema, err := arr.Schema()
	if err != nil {
		done()
		return Column{}, fmt.Errorf("failed to get obs schema: %w", err)
	}
	attr, err := schema.AttributeFromName(name)
	schema.Free()
	if err != nil {
		done()
		return Column{}, fmt.Errorf("column not found in obs: %s", name)
	}
	dtype, err := attr.Type()
	attr.Free()
	done()
	if err != nil {
		return Column{}, fmt.Errorf("failed to get type of obs column %s: %w", name, err)
	}

	switch dtype {
	case tiledb.TILEDB_STRING_ASCII, tiledb.TILEDB_STRING_UTF8:
		groups, err := r.ObsGroupIndex(name)
		if err != nil {
			return Column{}, err
		}
		return Column{Groups: groups}, nil
	case tiledb.TILEDB_FLOAT32:
		return numericColumn[float32](r, name, n)
	case tiledb.TILEDB_FLOAT64:
		return numericColumn[float64](r, name, n)
	case tiledb.TILEDB_INT32:
		return numericColumn[int32](r, name, n)
	case tiledb.TILEDB_INT64:
		return numericColumn[int64](r, name, n)
	}
	return Column{}, fmt.Errorf("obs column %s has unsupported type %v", name, dtype)
}

// numericColumn streams a fixed-size obs attribute into a dense slice.
func numericColumn[T float32 | float64 | int32 | int64](r *Reader, column string, n int) (Column, error) {
	arr, done, err := r.openRead("obs")
	if err != nil {
		return Column{}, err
	}
	defer done()

	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	minID, maxID, empty, err := joinIDBounds(arr)
	if err != nil || empty {
		return Column{Floats: out}, err
	}
	q, err := rangeQuery(r.ctx, arr, "soma_joinid", minID, maxID, tiledb.TILEDB_ROW_MAJOR)
	if err != nil {
		return Column{}, err
	}
	defer q.Free()

	const chunkRows = 8192
	joinIDs := make([]int64, chunkRows)
	values := make([]T, chunkRows)
	nullable, _ := attributeNullable(arr, column)
	var validity []uint8
	if nullable {
		validity = make([]uint8, chunkRows)
	}
	for {
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return Column{}, fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if _, err := q.SetDataBuffer(column, values); err != nil {
			return Column{}, fmt.Errorf("failed to set buffer %s: %w", column, err)
		}
		if nullable {
			if _, err := q.SetValidityBuffer(column, validity); err != nil {
				return Column{}, fmt.Errorf("failed to set validity buffer %s: %w", column, err)
			}
		}
		status, elems, err := submit(q)
		if err != nil {
			return Column{}, fmt.Errorf("obs query for %s: %w", column, err)
		}
		got := min(int(elems[column][1]), len(values), int(elems["soma_joinid"][1]))
		for i := 0; i < got; i++ {
			if nullable && validity[i] == 0 {
				continue
			}
			if id := joinIDs[i]; id >= 0 && id < int64(n) {
				out[id] = float64(values[i])
			}
		}
		if status == tiledb.TILEDB_COMPLETED {
			return Column{Floats: out}, nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return Column{}, fmt.Errorf("unexpected TileDB query status for obs: %v", status)
		}
	}
}

// expressionColumn reads one gene's expression for every cell. Cells
// absent from the sparse matrix are zero.
func (r *Reader) expressionColumn(gene string, n int) (Column, error) {
	geneJoinID, err := r.GeneJoinID(gene)
	if err != nil {
		return Column{}, err
	}
	out := make([]float64, n)
	if n == 0 {
		return Column{Floats: out}, nil
	}

	arr, done, err := r.openRead("ms/RNA/X/data")
	if err != nil {
		return Column{}, err
	}
	defer done()

	sub, err := arr.NewSubarray()
	if err != nil {
		return Column{}, fmt.Errorf("failed to create X subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_dim_0", tiledb.MakeRange[int64](0, int64(n-1))); err != nil {
		return Column{}, fmt.Errorf("failed to add cell range: %w", err)
	}
	if err := sub.AddRangeByName("soma_dim_1", tiledb.MakeRange[int64](geneJoinID, geneJoinID)); err != nil {
		return Column{}, fmt.Errorf("failed to add gene range: %w", err)
	}
	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return Column{}, fmt.Errorf("failed to create X query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return Column{}, fmt.Errorf("failed to set X subarray: %w", err)
	}
	_ = q.SetLayout(tiledb.TILEDB_UNORDERED)

	const bufSize = 1 << 16
	outCell := make([]int64, bufSize)
	outVal := make([]float32, bufSize)
	nullable, err := attributeNullable(arr, "soma_data")
	if err != nil {
		return Column{}, fmt.Errorf("failed to inspect soma_data nullable: %w", err)
	}
	var validity []uint8
	if nullable {
		validity = make([]uint8, bufSize)
	}
	for {
		if _, err := q.SetDataBuffer("soma_dim_0", outCell); err != nil {
			return Column{}, fmt.Errorf("failed to set buffer soma_dim_0: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_data", outVal); err != nil {
			return Column{}, fmt.Errorf("failed to set buffer soma_data: %w", err)
		}
		if nullable {
			if _, err := q.SetValidityBuffer("soma_data", validity); err != nil {
				return Column{}, fmt.Errorf("failed to set validity buffer soma_data: %w", err)
			}
		}
		status, elems, err := submit(q)
		if err != nil {
			return Column{}, fmt.Errorf("X query: %w", err)
		}
		got := min(int(elems["soma_data"][1]), len(outVal))
		for i := 0; i < got; i++ {
			if nullable && validity[i] == 0 {
				continue
			}
			if c := outCell[i]; c >= 0 && c < int64(n) {
				out[c] = float64(outVal[i])
			}
		}
		if status == tiledb.TILEDB_COMPLETED {
			return Column{Floats: out}, nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return Column{}, fmt.Errorf("unexpected X query status: %v", status)
		}
	}
}

func (r *Reader) GeneJoinID(gene string) (int64, error) {
	r.geneOnce.Do(func() {
		m := make(map[string]int64, 32768)
		r.geneErr = r.scanStrings("ms/RNA/var", "gene_id", func(id int64, g string) { m[g] = id })
		r.geneMap = m
	})
	if r.geneErr != nil {
		return 0, r.geneErr
	}
	id, ok := r.geneMap[gene]
	if !ok {
		return 0, fmt.Errorf("gene not found in SOMA var: %s", gene)
	}
	return id, nil
}

// ObsGroupIndex returns a map of column value -> cell joinids for a string column.
// Results are cached per column.
func (r *Reader) ObsGroupIndex(column string) (map[string][]int64, error) {
	r.obsIdxMu.Lock()
	defer r.obsIdxMu.Unlock()

	if r.obsIdxCache == nil {
		r.obsIdxCache = make(map[string]map[string][]int64)
	}
	if cached, ok := r.obsIdxCache[column]; ok {
		return cached, nil
	}

	idx := make(map[string][]int64)
	err := r.scanStrings("obs", column, func(id int64, v string) { idx[v] = append(idx[v], id) })
	if err != nil {
		return nil, err
	}
	r.obsIdxCache[column] = idx
	return idx, nil
}

// scanStrings streams a var-length string attribute of a dataframe keyed by
// soma_joinid, calling fn for every non-null, non-empty value.
func (r *Reader) scanStrings(rel, column string, fn func(joinID int64, v string)) error {
	arr, done, err := r.openRead(rel)
	if err != nil {
		return err
	}
	defer done()

	minID, maxID, empty, err := joinIDBounds(arr)
	if err != nil || empty {
		return err
	}
	q, err := rangeQuery(r.ctx, arr, "soma_joinid", minID, maxID, tiledb.TILEDB_ROW_MAJOR)
	if err != nil {
		return err
	}
	defer q.Free()

	const chunkRows = 8192
	joinIDs := make([]int64, chunkRows)
	offsets := make([]uint64, chunkRows)
	nullable, err := attributeNullable(arr, column)
	if err != nil {
		return fmt.Errorf("column not found in %s: %s", rel, column)
	}
	var validity []uint8
	if nullable {
		validity = make([]uint8, chunkRows)
	}
	dataBytes := make([]byte, 2*1024*1024)

	for {
		// Buffer sizes are in/out parameters, so reset them before each submit.
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if _, err := q.SetOffsetsBuffer(column, offsets); err != nil {
			return fmt.Errorf("failed to set offsets buffer %s: %w", column, err)
		}
		if _, err := q.SetDataBuffer(column, dataBytes); err != nil {
			return fmt.Errorf("failed to set data buffer %s: %w", column, err)
		}
		if nullable {
			if _, err := q.SetValidityBuffer(column, validity); err != nil {
				return fmt.Errorf("failed to set validity buffer %s: %w", column, err)
			}
		}
		status, elems, err := submit(q)
		if err != nil {
			return fmt.Errorf("%s query: %w", rel, err)
		}

		usedJoin := min(int(elems["soma_joinid"][1]), len(joinIDs))
		usedOffsets := min(int(elems[column][0]), len(offsets))
		usedBytes := min(int(elems[column][1]), len(dataBytes))

		if status == tiledb.TILEDB_INCOMPLETE && usedOffsets == 0 && usedBytes == 0 && usedJoin == 0 {
			if len(dataBytes) < 64*1024*1024 {
				dataBytes = make([]byte, len(dataBytes)*2)
				continue
			}
			return fmt.Errorf("%s query buffers too small for column %s", rel, column)
		}

		data := dataBytes[:usedBytes]
		for i := 0; i < min(usedJoin, usedOffsets); i++ {
			if nullable && validity[i] == 0 {
				continue
			}
			start := int(offsets[i])
			end := len(data)
			if i+1 < usedOffsets {
				end = int(offsets[i+1])
			}
			if start < 0 || end < start || end > len(data) {
				continue
			}
			if v := string(data[start:end]); v != "" {
				fn(joinIDs[i], v)
			}
		}

		if status == tiledb.TILEDB_COMPLETED {
			return nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return fmt.Errorf("unexpected TileDB query status for %s: %v", rel, status)
		}
	}
}

func rangeQuery(ctx *tiledb.Context, arr *tiledb.Array, dim string, lo, hi int64, layout tiledb.Layout) (*tiledb.Query, error) {
	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName(dim, tiledb.MakeRange[int64](lo, hi)); err != nil {
		return nil, fmt.Errorf("failed to set %s range: %w", dim, err)
	}
	q, err := tiledb.NewQuery(ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	if err := q.SetSubarray(sub); err != nil {
		q.Free()
		return nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(layout); err != nil {
		q.Free()
		return nil, fmt.Errorf("failed to set query layout: %w", err)
	}
	return q, nil
}

func submit(q *tiledb.Query) (tiledb.QueryStatus, map[string][3]uint64, error) {
	if err := q.Submit(); err != nil {
		return 0, nil, fmt.Errorf("submit failed: %w", err)
	}
	status, err := q.Status()
	if err != nil {
		return 0, nil, fmt.Errorf("status failed: %w", err)
	}
	elems, err := q.ResultBufferElements()
	if err != nil {
		return 0, nil, fmt.Errorf("ResultBufferElements failed: %w", err)
	}
	return status, elems, nil
}

func joinIDBounds(arr *tiledb.Array) (int64, int64, bool, error) {
	ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_joinid")
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to get non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		return 0, 0, true, nil
	}
	lo, hi, err := boundsMinMaxInt64(ned.Bounds)
	return lo, hi, false, err
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()
	return attr.Nullable()
}

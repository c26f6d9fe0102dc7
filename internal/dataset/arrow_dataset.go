package dataset

import (
	"context"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/cockroachdb/errors"
)

// DefaultBatchSize is the row count of each tile of a flat dataset.
const DefaultBatchSize = 4096

// ArrowOptions configures NewArrowDataset.
type ArrowOptions struct {
	Options
	BatchSize int
}

// NewArrowDataset arranges an in-memory table as a tile tree. The table is
// cut into batches of BatchSize rows; batch i has children 4i+1 through
// 4i+4, so earlier rows sit closer to the root. Batch i at depth d and
// offset o within that depth gets the key d/o/0.
func NewArrowDataset(name string, records []arrow.Record, opts ArrowOptions) (*Dataset, error) {
	if len(records) == 0 {
		return nil, errors.Newf("dataset %q has no records", name)
	}
	size := opts.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	schema := records[0].Schema()
	var batches []arrow.Record
	for _, rec := range records {
		if !rec.Schema().Equal(schema) {
			return nil, errors.Newf("dataset %q: record schemas differ", name)
		}
		batches = append(batches, PartitionRecord(rec, size)...)
	}
	if len(batches) == 0 {
		// Keep an empty root so the schema stays visible.
		batches = []arrow.Record{records[0]}
	}

	f := &memFetcher{keys: make(map[Key]int, len(batches))}
	o := opts.Options
	o.Fetcher = f
	o.Spatial = false
	ds, err := New(name, o)
	if err != nil {
		return nil, err
	}
	for i, b := range batches {
		// Numbered here so ix follows heap order regardless of download order.
		rec, err := ds.withIx(b)
		if err != nil {
			return nil, err
		}
		f.records = append(f.records, rec)
		f.keys[heapKey(i)] = i
	}
	ds.log.WithField("batches", len(batches)).Info("arrow dataset opened")
	return ds, nil
}

// PartitionRecord slices rec into consecutive batches of at most size rows.
// Slices share memory with rec.
func PartitionRecord(rec arrow.Record, size int) []arrow.Record {
	n := rec.NumRows()
	var out []arrow.Record
	for start := int64(0); start < n; start += int64(size) {
		end := min(start+int64(size), n)
		out = append(out, rec.NewSlice(start, end))
	}
	return out
}

func heapKey(i int) Key {
	depth, first, width := 0, 0, 1
	for i >= first+width {
		first += width
		width *= 4
		depth++
	}
	return Key{Z: depth, X: i - first}
}

type memFetcher struct {
	records []arrow.Record
	keys    map[Key]int
}

func (f *memFetcher) Fetch(ctx context.Context, key Key) (*Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i, ok := f.keys[key]
	if !ok {
		return nil, errors.Newf("no batch at %s", key)
	}
	p := &Payload{Record: f.records[i], Children: []Key{}}
	for c := 4*i + 1; c <= 4*i+4 && c < len(f.records); c++ {
		p.Children = append(p.Children, heapKey(c))
	}
	return p, nil
}

package dataset

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlatDataset(t *testing.T, rows, batch int) *Dataset {
	t.Helper()
	ds, err := NewArrowDataset("test", []arrow.Record{SyntheticRecord(rows, 1)}, ArrowOptions{BatchSize: batch})
	require.NoError(t, err)
	t.Cleanup(ds.Close)
	return ds
}

func TestArrowDatasetTree(t *testing.T) {
	ctx := context.Background()
	ds := newFlatDataset(t, 1000, 100)

	require.NoError(t, ds.DownloadAll(ctx))
	assert.Len(t, ds.Tiles(), 10)
	assert.Equal(t, int64(999), ds.HighestKnownIx())

	var rootChildren []Key
	for _, c := range ds.Root().Children() {
		rootChildren = append(rootChildren, c.Key())
	}
	assert.Equal(t, []Key{{Z: 1, X: 0}, {Z: 1, X: 1}, {Z: 1, X: 2}, {Z: 1, X: 3}}, rootChildren)

	// Batch 1 has children 5..8, which start depth 2.
	first := ds.Tile(Key{Z: 1, X: 0})
	require.NotNil(t, first)
	require.Len(t, first.Children(), 4)
	assert.Equal(t, Key{Z: 2, X: 0}, first.Children()[0].Key())
	assert.Equal(t, first, first.Children()[0].Parent())

	t.Run("ixFollowsHeapOrder", func(t *testing.T) {
		assert.Equal(t, int64(0), ds.Root().MinIx())
		assert.Equal(t, int64(99), ds.Root().MaxIx())
		assert.Equal(t, int64(100), first.MinIx())
	})

	t.Run("findRow", func(t *testing.T) {
		row, ok := ds.FindRow(512)
		require.True(t, ok)
		assert.Equal(t, int64(512), row.Ix())
		v, ok := row.Float("ints")
		require.True(t, ok)
		assert.Equal(t, 512.0, v)

		_, ok = ds.FindRow(5000)
		assert.False(t, ok)
	})

	t.Run("points", func(t *testing.T) {
		n := 0
		for range ds.Points(nil) {
			n++
		}
		assert.Equal(t, 1000, n)
	})
}

func TestDownloadToDepth(t *testing.T) {
	ds := newFlatDataset(t, 2100, 100)
	require.NoError(t, ds.DownloadToDepth(context.Background(), 1))
	assert.Len(t, ds.Tiles(), 5)
	for _, tile := range ds.Tiles() {
		assert.LessOrEqual(t, tile.Depth(), 1)
	}
}

func TestTransformationComputedOnce(t *testing.T) {
	ctx := context.Background()
	ds := newFlatDataset(t, 4096, 4096)

	var calls atomic.Int32
	require.NoError(t, ds.RegisterTransformation("slow", func(ctx context.Context, tile *Tile) (arrow.Array, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return MapFloat(ctx, tile, "ints", func(v float64) float64 { return v * 10 })
	}, "ints"))

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = ds.Root().ApplyTransformation(ctx, "slow")
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())

	col, err := ds.Root().Column(ctx, "slow")
	require.NoError(t, err)
	v, _ := FloatAt(col, 7)
	assert.Equal(t, 70.0, v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPrerequisitesRunFirst(t *testing.T) {
	ctx := context.Background()
	ds := newFlatDataset(t, 256, 256)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}
	require.NoError(t, ds.RegisterTransformation("doubled", func(ctx context.Context, tile *Tile) (arrow.Array, error) {
		record("doubled")
		assert.True(t, tile.HasColumn("halved"))
		return MapFloat(ctx, tile, "halved", func(v float64) float64 { return v * 4 })
	}, "halved"))
	require.NoError(t, ds.RegisterTransformation("halved", func(ctx context.Context, tile *Tile) (arrow.Array, error) {
		record("halved")
		return MapFloat(ctx, tile, "ints", func(v float64) float64 { return v / 2 })
	}, "ints"))

	col, err := ds.Root().Column(ctx, "doubled")
	require.NoError(t, err)
	assert.Equal(t, []string{"halved", "doubled"}, order)
	v, _ := FloatAt(col, 10)
	assert.Equal(t, 20.0, v)
}

func TestTransformationErrors(t *testing.T) {
	ctx := context.Background()
	ds := newFlatDataset(t, 128, 128)

	boom := errors.New("boom")
	require.NoError(t, ds.RegisterTransformation("broken", func(context.Context, *Tile) (arrow.Array, error) {
		return nil, boom
	}))
	require.NoError(t, ds.RegisterTransformation("short", func(context.Context, *Tile) (arrow.Array, error) {
		return Float64Array([]float64{1, 2}), nil
	}))
	require.NoError(t, ds.RegisterTransformation("a", func(ctx context.Context, tile *Tile) (arrow.Array, error) {
		return MapFloat(ctx, tile, "ints", func(v float64) float64 { return v })
	}, "b"))
	require.NoError(t, ds.RegisterTransformation("b", func(ctx context.Context, tile *Tile) (arrow.Array, error) {
		return MapFloat(ctx, tile, "ints", func(v float64) float64 { return v })
	}, "a"))

	t.Run("compute", func(t *testing.T) {
		_, err := ds.Root().Column(ctx, "broken")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTransformationCompute))
		assert.True(t, errors.Is(err, boom))

		// The tile stays usable.
		_, err = ds.Root().Column(ctx, "ints")
		assert.NoError(t, err)
	})
	t.Run("length", func(t *testing.T) {
		_, err := ds.Root().Column(ctx, "short")
		assert.True(t, errors.Is(err, ErrTransformationCompute))
	})
	t.Run("cycle", func(t *testing.T) {
		err := ds.Root().ApplyTransformation(ctx, "a")
		assert.True(t, errors.Is(err, ErrTransformationCycle))
	})
	t.Run("duplicate", func(t *testing.T) {
		err := ds.RegisterTransformation("broken", func(context.Context, *Tile) (arrow.Array, error) { return nil, nil })
		assert.True(t, errors.Is(err, ErrDuplicateTransformation))
	})
	t.Run("missing", func(t *testing.T) {
		_, err := ds.Root().Column(ctx, "nope")
		assert.True(t, errors.Is(err, ErrColumnNotFound))
		assert.False(t, ds.HasColumn("nope"))
	})
}

func TestReplaceTransformation(t *testing.T) {
	ctx := context.Background()
	ds := newFlatDataset(t, 64, 64)

	require.NoError(t, ds.RegisterTransformation("scaled", func(ctx context.Context, tile *Tile) (arrow.Array, error) {
		return MapFloat(ctx, tile, "ints", func(v float64) float64 { return v * 2 })
	}))
	require.NoError(t, ds.RegisterTransformation("shifted", func(ctx context.Context, tile *Tile) (arrow.Array, error) {
		return MapFloat(ctx, tile, "scaled", func(v float64) float64 { return v + 1 })
	}, "scaled"))

	col, err := ds.Root().Column(ctx, "shifted")
	require.NoError(t, err)
	v, _ := FloatAt(col, 3)
	assert.Equal(t, 7.0, v)

	require.NoError(t, ds.ReplaceTransformation("scaled", func(ctx context.Context, tile *Tile) (arrow.Array, error) {
		return MapFloat(ctx, tile, "ints", func(v float64) float64 { return v * 3 })
	}))
	assert.False(t, ds.Root().HasColumn("scaled"))
	assert.False(t, ds.Root().HasColumn("shifted"))

	col, err = ds.Root().Column(ctx, "shifted")
	require.NoError(t, err)
	v, _ = FloatAt(col, 3)
	assert.Equal(t, 10.0, v)
}

func TestSchemaAndColumnInfo(t *testing.T) {
	ctx := context.Background()
	ds := newFlatDataset(t, 500, 500)
	require.NoError(t, ds.RegisterTransformation("neg", func(ctx context.Context, tile *Tile) (arrow.Array, error) {
		return MapFloat(ctx, tile, "ints", func(v float64) float64 { return -v })
	}, "ints"))

	schema, err := ds.Schema(ctx)
	require.NoError(t, err)
	var names []string
	for _, c := range schema {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"x", "y", "ints", "value", "cat", "flag", IxColumn, "neg"}, names)
	neg, ok := schema.Field("neg")
	require.True(t, ok)
	assert.True(t, neg.Derived)

	info, err := ds.ColumnInfo(ctx, "ints")
	require.NoError(t, err)
	assert.Equal(t, ColumnInt, info.Type)
	assert.Equal(t, [2]float64{0, 499}, info.Extent)

	info, err = ds.ColumnInfo(ctx, "neg")
	require.NoError(t, err)
	assert.Equal(t, [2]float64{-499, 0}, info.Extent)
	assert.True(t, info.Derived)

	info, err = ds.ColumnInfo(ctx, "cat")
	require.NoError(t, err)
	assert.Equal(t, ColumnDictionary, info.Type)
	assert.ElementsMatch(t, SyntheticCategories, info.Dictionary)
}

func TestTilePointsSorted(t *testing.T) {
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "x", Type: arrow.PrimitiveTypes.Float64},
		{Name: "y", Type: arrow.PrimitiveTypes.Float64},
		{Name: IxColumn, Type: arrow.PrimitiveTypes.Int64},
	}, nil)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Field(0).(*array.Float64Builder).AppendValues([]float64{0.1, 0.5, 0.9, 0.2}, nil)
	b.Field(1).(*array.Float64Builder).AppendValues([]float64{0.1, 0.5, 0.9, 0.8}, nil)
	b.Field(2).(*array.Int64Builder).AppendValues([]int64{30, 10, 20, 0}, nil)
	rec := b.NewRecord()

	ds, err := NewArrowDataset("sorted", []arrow.Record{rec}, ArrowOptions{})
	require.NoError(t, err)
	t.Cleanup(ds.Close)
	require.NoError(t, ds.Root().Download(context.Background()))

	var ixs []int64
	for row := range ds.Root().Points(nil, true) {
		ixs = append(ixs, row.Ix())
	}
	assert.Equal(t, []int64{0, 10, 20, 30}, ixs)

	box := Rect{X: [2]float64{0, 0.6}, Y: [2]float64{0, 0.6}}
	ixs = ixs[:0]
	for row := range ds.Root().Points(&box, false) {
		ixs = append(ixs, row.Ix())
	}
	assert.Equal(t, []int64{30, 10}, ixs)
}

// writeQuadtree writes a root with four leaf children covering the unit
// square, each holding points only in its own quadrant.
func writeQuadtree(t *testing.T, dir string, missing ...Key) {
	t.Helper()
	f := &DirFetcher{Dir: dir}
	unit := Rect{X: [2]float64{0, 1}, Y: [2]float64{0, 1}}
	write := func(k Key, rec arrow.Record, children []Key, extent *Rect) {
		for _, m := range missing {
			if m == k {
				return
			}
		}
		data, err := EncodePayload(rec, children, extent, k.Z%2 == 1)
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(filepath.Dir(f.Path(k)), 0o755))
		require.NoError(t, os.WriteFile(f.Path(k), data, 0o644))
	}
	points := func(r Rect, n int) arrow.Record {
		b := array.NewRecordBuilder(memory.NewGoAllocator(), arrow.NewSchema([]arrow.Field{
			{Name: "x", Type: arrow.PrimitiveTypes.Float64},
			{Name: "y", Type: arrow.PrimitiveTypes.Float64},
		}, nil))
		defer b.Release()
		for i := 0; i < n; i++ {
			fx := (float64(i) + 0.5) / float64(n)
			b.Field(0).(*array.Float64Builder).Append(r.X[0] + fx*(r.X[1]-r.X[0]))
			b.Field(1).(*array.Float64Builder).Append(r.Y[0] + fx*(r.Y[1]-r.Y[0]))
		}
		return b.NewRecord()
	}
	children := RootKey.QuadChildren()
	write(RootKey, points(unit, 8), children, &unit)
	for _, k := range children {
		ext := k.Extent(unit)
		write(k, points(ext, 16), []Key{}, nil)
	}
}

func TestQuadtileDataset(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeQuadtree(t, dir)

	ds, err := NewQuadtileDataset("quad", QuadtileConfig{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(ds.Close)

	ext, err := ds.Extent(ctx)
	require.NoError(t, err)
	assert.Equal(t, Rect{X: [2]float64{0, 1}, Y: [2]float64{0, 1}}, ext)

	require.NoError(t, ds.DownloadAll(ctx))
	assert.Len(t, ds.Tiles(), 5)
	assert.Equal(t, int64(8+4*16-1), ds.HighestKnownIx())

	// Zstd-compressed children decode like plain ones.
	child := ds.Tile(Key{Z: 1, X: 1, Y: 0})
	require.NotNil(t, child)
	assert.Equal(t, 16, child.NumRows())
	assert.InDelta(t, 0.5, child.Extent().X[0], 0.05)

	box := Rect{X: [2]float64{0, 0.5}, Y: [2]float64{0, 0.5}}
	n := 0
	for range ds.Points(&box) {
		n++
	}
	// Four root points plus the whole lower-left child.
	assert.Equal(t, 4+16, n)
}

func TestDownloadFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	missing := Key{Z: 1, X: 0, Y: 1}
	writeQuadtree(t, dir, missing)

	ds, err := NewQuadtileDataset("broken", QuadtileConfig{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(ds.Close)

	require.NoError(t, ds.DownloadAll(ctx))
	assert.Len(t, ds.Tiles(), 4)

	tile := ds.Tile(missing)
	require.NotNil(t, tile)
	assert.Equal(t, StateError, tile.State())
	assert.True(t, errors.Is(tile.Err(), ErrTileDownload))
	// Not retried.
	assert.True(t, errors.Is(tile.Download(ctx), ErrTileDownload))
}

func TestDownloadMostNeededTiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeQuadtree(t, dir)

	ds, err := NewQuadtileDataset("viewport", QuadtileConfig{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(ds.Close)

	bbox := Rect{X: [2]float64{0.1, 0.2}, Y: [2]float64{0.6, 0.7}}
	queued := ds.DownloadMostNeededTiles(ctx, bbox, 1000, 1)
	require.Len(t, queued, 1)
	assert.Equal(t, RootKey, queued[0].Key())
	require.NoError(t, ds.Root().Download(ctx))

	t.Run("saturatedIndex", func(t *testing.T) {
		assert.Empty(t, ds.DownloadMostNeededTiles(ctx, bbox, 3, 4))
	})

	queued = ds.DownloadMostNeededTiles(ctx, bbox, 1000, 1)
	require.Len(t, queued, 1)
	assert.Equal(t, Key{Z: 1, X: 0, Y: 1}, queued[0].Key())
	require.NoError(t, queued[0].Download(ctx))

	// Remaining quadrants are equally close to the loaded one except the
	// diagonal; ties fall back to distance from the viewport.
	ranked := ds.DownloadMostNeededTiles(ctx, bbox, 1000, 3)
	require.Len(t, ranked, 3)
	assert.Equal(t, []Key{{Z: 1, X: 0, Y: 0}, {Z: 1, X: 1, Y: 1}, {Z: 1, X: 1, Y: 0}},
		[]Key{ranked[0].Key(), ranked[1].Key(), ranked[2].Key()})
	for _, tile := range ranked {
		require.NoError(t, tile.Download(ctx))
	}
	assert.Len(t, ds.Tiles(), 5)
}

func TestDownloadMostNeededTilesPrefersLoadedNeighbourhood(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeQuadtree(t, dir)

	ds, err := NewQuadtileDataset("neighbours", QuadtileConfig{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(ds.Close)
	require.NoError(t, ds.Root().Download(ctx))
	loaded := ds.Tile(Key{Z: 1, X: 0, Y: 1})
	require.NotNil(t, loaded)
	require.NoError(t, loaded.Download(ctx))

	// The viewport lies off the data, nearest to 1/1/0, but 1/1/0 is the
	// quadrant farthest from the loaded tile.
	bbox := Rect{X: [2]float64{1.5, 1.6}, Y: [2]float64{-0.3, -0.2}}
	ranked := ds.DownloadMostNeededTiles(ctx, bbox, 1000, 3)
	require.Len(t, ranked, 3)
	assert.Equal(t, []Key{{Z: 1, X: 1, Y: 1}, {Z: 1, X: 0, Y: 0}, {Z: 1, X: 1, Y: 0}},
		[]Key{ranked[0].Key(), ranked[1].Key(), ranked[2].Key()})
}

func TestPayloadRoundTrip(t *testing.T) {
	rec := SyntheticRecord(50, 3)
	ext := Rect{X: [2]float64{-1, 1}, Y: [2]float64{-2, 2}}
	for _, compress := range []bool{false, true} {
		data, err := EncodePayload(rec, []Key{{Z: 1}, {Z: 1, X: 1}}, &ext, compress)
		require.NoError(t, err)
		p, err := DecodePayload(data)
		require.NoError(t, err)
		assert.Equal(t, int64(50), p.Record.NumRows())
		assert.Equal(t, []Key{{Z: 1}, {Z: 1, X: 1}}, p.Children)
		assert.Equal(t, &ext, p.Extent)
		assert.Equal(t, len(data), p.Bytes)
	}

	_, err := DecodePayload([]byte("not arrow"))
	assert.Error(t, err)
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey(" 2/3/1 ")
	require.NoError(t, err)
	assert.Equal(t, Key{Z: 2, X: 3, Y: 1}, k)
	assert.Equal(t, "2/3/1", k.String())

	for _, s := range []string{"", "1/2", "1/2/3/4", "a/b/c", "1/-1/0"} {
		_, err := ParseKey(s)
		require.Error(t, err, s)
		assert.Contains(t, err.Error(), "invalid tile key")
		assert.NotNil(t, errors.GetReportableStackTrace(err), "missing stack for %q", s)
	}
}

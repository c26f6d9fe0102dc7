package selection

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/apache/arrow/go/v15/arrow"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quadscatter/server/internal/dataset"
)

func newDataset(t *testing.T, rows, batch int) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.NewArrowDataset("sel", []arrow.Record{dataset.SyntheticRecord(rows, 11)},
		dataset.ArrowOptions{BatchSize: batch})
	require.NoError(t, err)
	t.Cleanup(ds.Close)
	return ds
}

// modulo selects rows whose ints value is a multiple of k.
func modulo(k int64) TileFunc {
	return func(ctx context.Context, t *dataset.Tile) (*roaring.Bitmap, error) {
		col, err := t.Column(ctx, "ints")
		if err != nil {
			return nil, err
		}
		bm := roaring.New()
		for i := 0; i < col.Len(); i++ {
			v, _ := dataset.FloatAt(col, i)
			if int64(v)%k == 0 {
				bm.Add(uint32(i))
			}
		}
		return bm, nil
	}
}

func mustNew(t *testing.T, ds *dataset.Dataset, name string, p Predicate) *Selection {
	t.Helper()
	s, err := New(ds, name, p, Options{})
	require.NoError(t, err)
	return s
}

func TestSingleTileScenario(t *testing.T) {
	ctx := context.Background()
	ds := newDataset(t, 4096, 4096)
	require.NoError(t, ds.Root().Download(ctx))

	even := mustNew(t, ds, "even", modulo(2))
	require.NoError(t, even.ApplyToAllLoadedTiles(ctx))
	assert.Equal(t, uint64(2048), even.SelectionSize())

	thirds := mustNew(t, ds, "thirds", modulo(3))
	require.NoError(t, thirds.ApplyToAllLoadedTiles(ctx))

	both, err := even.Combine(thirds, And, "both")
	require.NoError(t, err)
	c := both.Counts()
	assert.Equal(t, uint64(683), c.SelectionSize)
	assert.Equal(t, uint64(4096), c.EvaluationSetSize)
	assert.Equal(t, uint64(4096), c.TotalSetSize)
	assert.True(t, c.Complete)
}

func TestCompositionProperties(t *testing.T) {
	ctx := context.Background()
	ds := newDataset(t, 4096, 500)

	a := mustNew(t, ds, "a", modulo(2))
	expr, err := NewExpression("ints", "x => x % 5 < 2")
	require.NoError(t, err)
	b := mustNew(t, ds, "b", expr)
	require.NoError(t, a.ApplyToAllTiles(ctx))
	require.NoError(t, b.ApplyToAllLoadedTiles(ctx))
	require.Greater(t, ds.NumTiles(), 1)
	assert.Equal(t, uint64(4096), a.TotalSetSize())

	and, err := a.Combine(b, And, "and")
	require.NoError(t, err)
	or, err := a.Combine(b, Or, "or")
	require.NoError(t, err)
	xor, err := a.Combine(b, Xor, "xor")
	require.NoError(t, err)
	andNot, err := a.Combine(b, AndNot, "andnot")
	require.NoError(t, err)

	assert.LessOrEqual(t, and.SelectionSize(), min(a.SelectionSize(), b.SelectionSize()))
	assert.Equal(t, a.SelectionSize()+b.SelectionSize()-and.SelectionSize(), or.SelectionSize())
	assert.Equal(t, a.SelectionSize()-and.SelectionSize(), andNot.SelectionSize())
	assert.Equal(t, or.SelectionSize()-and.SelectionSize(), xor.SelectionSize())

	for _, tile := range ds.Tiles() {
		x, ok := xor.Mask(tile)
		require.True(t, ok)
		n, ok := and.Mask(tile)
		require.True(t, ok)
		assert.True(t, roaring.And(x, n).IsEmpty(), "tile %s", tile.Key())
	}

	all, err := All("all", a, b, or)
	require.NoError(t, err)
	assert.Equal(t, and.SelectionSize(), all.SelectionSize())
	anyOf, err := Any("any", and, xor)
	require.NoError(t, err)
	assert.Equal(t, or.SelectionSize(), anyOf.SelectionSize())
	assert.Equal(t, "AND", all.Summary().Op)
	assert.Equal(t, []string{"and", "xor"}, anyOf.Summary().Operands)
}

func TestCompositeFollowsOperands(t *testing.T) {
	ctx := context.Background()
	ds := newDataset(t, 4096, 500)
	require.NoError(t, ds.Root().Download(ctx))

	var k atomic.Int64
	k.Store(2)
	a := mustNew(t, ds, "a", TileFunc(func(ctx context.Context, t *dataset.Tile) (*roaring.Bitmap, error) {
		return modulo(k.Load())(ctx, t)
	}))
	b := mustNew(t, ds, "b", BooleanColumn{Field: "flag"})
	require.NoError(t, a.ApplyToAllLoadedTiles(ctx))
	require.NoError(t, b.ApplyToAllLoadedTiles(ctx))

	c, err := All("c", a, b)
	require.NoError(t, err)
	rootRows := uint64(ds.Root().NumRows())
	assert.Equal(t, rootRows, c.EvaluationSetSize())
	assert.True(t, c.Complete())

	require.NoError(t, ds.DownloadAll(ctx))
	assert.False(t, c.Complete())
	assert.Equal(t, rootRows, c.EvaluationSetSize())

	require.NoError(t, a.ApplyToAllLoadedTiles(ctx))
	assert.False(t, c.Complete())
	require.NoError(t, b.ApplyToAllLoadedTiles(ctx))
	assert.True(t, c.Complete())
	// Multiples of 6 among 0..4095.
	assert.Equal(t, uint64(683), c.SelectionSize())

	k.Store(4)
	a.Invalidate()
	assert.False(t, c.Complete())
	require.NoError(t, a.ApplyToAllLoadedTiles(ctx))
	// Multiples of 12 among 0..4095.
	assert.Equal(t, uint64(342), c.SelectionSize())
}

func TestBooleanAndIDs(t *testing.T) {
	ctx := context.Background()
	ds := newDataset(t, 4096, 500)

	flag := mustNew(t, ds, "flag", BooleanColumn{Field: "flag"})
	require.NoError(t, flag.ApplyToAllTiles(ctx))
	assert.Equal(t, uint64(1366), flag.SelectionSize())

	ids, err := FromSpec(ds, Spec{Name: "ids", IDField: "ints", IDs: []string{"3", "10", "4000", "99999"}}, Options{})
	require.NoError(t, err)
	require.NoError(t, ids.ApplyToAllLoadedTiles(ctx))
	assert.Equal(t, uint64(3), ids.SelectionSize())

	var got []float64
	for row := range ids.Rows() {
		v, ok := row.Float("ints")
		require.True(t, ok)
		got = append(got, v)
	}
	assert.ElementsMatch(t, []float64{3, 10, 4000}, got)

	cats, err := FromSpec(ds, Spec{Name: "cats", IDField: "cat", IDs: []string{"alpha"}}, Options{})
	require.NoError(t, err)
	require.NoError(t, cats.ApplyToAllLoadedTiles(ctx))
	for row := range cats.Rows() {
		label, _ := row.String("cat")
		require.Equal(t, "alpha", label)
	}
	assert.Positive(t, cats.SelectionSize())
}

func TestGetAndCursor(t *testing.T) {
	ctx := context.Background()
	ds := newDataset(t, 4096, 500)
	sel, err := FromSpec(ds, Spec{Name: "few", IDField: "ints", IDs: []string{"7", "1500", "3001"}}, Options{})
	require.NoError(t, err)
	require.NoError(t, sel.ApplyToAllTiles(ctx))

	var order []float64
	for row := range sel.Rows() {
		v, _ := row.Float("ints")
		order = append(order, v)
	}
	require.Len(t, order, 3)

	for i, want := range order {
		row, err := sel.Get(ctx, i)
		require.NoError(t, err)
		v, _ := row.Float("ints")
		assert.Equal(t, want, v)
	}
	_, err = sel.Get(ctx, 3)
	assert.True(t, errors.Is(err, ErrOutOfRange))
	_, err = sel.Get(ctx, -1)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	row, err := sel.Current(ctx)
	require.NoError(t, err)
	v, _ := row.Float("ints")
	assert.Equal(t, order[0], v)

	_, err = sel.Next(ctx)
	require.NoError(t, err)
	row, err = sel.Next(ctx)
	require.NoError(t, err)
	v, _ = row.Float("ints")
	assert.Equal(t, order[2], v)
	_, err = sel.Next(ctx)
	assert.True(t, errors.Is(err, ErrOutOfRange))
	assert.Equal(t, 2, sel.Cursor())

	row, err = sel.Prev(ctx)
	require.NoError(t, err)
	v, _ = row.Float("ints")
	assert.Equal(t, order[1], v)

	sel.Reset()
	assert.Equal(t, 0, sel.Cursor())
	_, err = sel.Prev(ctx)
	assert.True(t, errors.Is(err, ErrOutOfRange))
}

func TestMasksReplay(t *testing.T) {
	ctx := context.Background()
	ds := newDataset(t, 4096, 500)
	src := mustNew(t, ds, "src", modulo(7))
	require.NoError(t, src.ApplyToAllTiles(ctx))

	replay := mustNew(t, ds, "replay", src.Masks())
	require.NoError(t, replay.ApplyToAllLoadedTiles(ctx))
	assert.Equal(t, src.SelectionSize(), replay.SelectionSize())

	xor, err := src.Combine(replay, Xor, "diff")
	require.NoError(t, err)
	assert.Zero(t, xor.SelectionSize())
}

func TestTileFailures(t *testing.T) {
	ctx := context.Background()
	ds := newDataset(t, 4096, 500)
	require.NoError(t, ds.DownloadAll(ctx))

	flaky := mustNew(t, ds, "flaky", TileFunc(func(ctx context.Context, t *dataset.Tile) (*roaring.Bitmap, error) {
		if t.Key() == dataset.RootKey {
			return nil, errors.New("boom")
		}
		return modulo(2)(ctx, t)
	}))
	require.NoError(t, flaky.ApplyToAllLoadedTiles(ctx))
	c := flaky.Counts()
	assert.False(t, c.Complete)
	assert.Equal(t, c.TotalSetSize-uint64(ds.Root().NumRows()), c.EvaluationSetSize)
	assert.LessOrEqual(t, c.SelectionSize, c.EvaluationSetSize)

	missing := mustNew(t, ds, "missing", BooleanColumn{Field: "nope"})
	err := missing.ApplyToAllLoadedTiles(ctx)
	assert.True(t, errors.Is(err, dataset.ErrColumnNotFound))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	late := mustNew(t, ds, "late", modulo(2))
	err = late.ApplyToAllLoadedTiles(cancelled)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, late.Complete())
}

func TestInvalidSelections(t *testing.T) {
	ds := newDataset(t, 100, 100)
	other := newDataset(t, 100, 100)

	_, err := New(ds, "nil", nil, Options{})
	assert.True(t, errors.Is(err, ErrInvalidSelection))

	_, err = FromSpec(ds, Spec{Name: "empty"}, Options{})
	assert.True(t, errors.Is(err, ErrInvalidSelection))

	_, err = FromSpec(ds, Spec{Name: "bad", Field: "ints", Lambda: "x =>"}, Options{})
	assert.True(t, errors.Is(err, ErrInvalidSelection))

	a := mustNew(t, ds, "a", BooleanColumn{Field: "flag"})
	b := mustNew(t, other, "b", BooleanColumn{Field: "flag"})
	_, err = a.Combine(b, And, "cross")
	assert.True(t, errors.Is(err, ErrInvalidSelection))
	_, err = Any("none")
	assert.True(t, errors.Is(err, ErrInvalidSelection))

	for in, want := range map[string]Op{"and": And, "OR": Or, "and not": AndNot, "xor": Xor} {
		op, err := ParseOp(in)
		require.NoError(t, err)
		assert.Equal(t, want, op)
	}
	_, err = ParseOp("nand")
	assert.True(t, errors.Is(err, ErrInvalidSelection))
}

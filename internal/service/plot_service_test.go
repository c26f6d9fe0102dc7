package service

import (
	"bytes"
	"context"
	"image/png"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quadscatter/server/internal/aesthetic"
	"github.com/quadscatter/server/internal/config"
	"github.com/quadscatter/server/internal/dataset"
	"github.com/quadscatter/server/internal/render"
	"github.com/quadscatter/server/internal/selection"
	"github.com/quadscatter/server/internal/texture"
)

func newService(t *testing.T, rows, batch int) *PlotService {
	t.Helper()
	ds, err := OpenDataset("pts", config.DatasetConfig{Kind: config.KindSynthetic, Rows: rows, BatchSize: batch, Seed: 7},
		nil, dataset.Options{})
	require.NoError(t, err)
	svc, err := NewPlotService(PlotServiceConfig{
		Dataset:  ds,
		Renderer: render.NewRenderer(render.Config{Size: 64}),
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	require.NoError(t, svc.Init(context.Background()))
	return svc
}

func encoding(t *testing.T, s string) aesthetic.Encoding {
	t.Helper()
	enc, err := aesthetic.ParseEncoding([]byte(s))
	require.NoError(t, err)
	return enc
}

func TestInitBindsPositions(t *testing.T) {
	svc := newService(t, 1000, 250)
	assert.Equal(t, "pts", svc.ID())
	assert.True(t, svc.Dataset().Root().Ready())

	state := svc.EncodingState()
	assert.Equal(t, "x", state.Channels["x"].Current.Field)
	assert.Equal(t, "y", state.Channels["y"].Current.Field)
	assert.Empty(t, state.Channels["color"].Current.Field)
	assert.Equal(t, "null", state.Channels["color"].Encoding)
}

func TestUpdateEncoding(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, 1000, 250)

	state, err := svc.UpdateEncoding(ctx, encoding(t, `{"color": {"field": "cat", "range": "viridis"}}`))
	require.NoError(t, err)
	color := state.Channels["color"]
	assert.Equal(t, "cat", color.Current.Field)
	assert.True(t, color.UsesLookupTexture)
	assert.True(t, color.NeedsTransitions)
	assert.Contains(t, color.Encoding, `"field":"cat"`)

	tex, err := svc.Texture("color", false)
	require.NoError(t, err)
	assert.Len(t, tex, texture.Size*4)
	last, err := svc.Texture("color", true)
	require.NoError(t, err)
	assert.NotEqual(t, tex, last)

	t.Run("channelFailureKeepsState", func(t *testing.T) {
		state, err := svc.UpdateEncoding(ctx, encoding(t, `{"size": {"field": "missing"}, "filter": {"field": "value", "lambda": "v => v > 50"}}`))
		require.Error(t, err)
		require.NotNil(t, state)
		assert.Equal(t, "value", state.Channels["filter"].Current.Field)
		assert.Empty(t, state.Channels["size"].Current.Field)
	})

	t.Run("unknownChannel", func(t *testing.T) {
		state, err := svc.UpdateEncoding(ctx, aesthetic.Encoding{"shape": &aesthetic.ChannelSpec{Field: "cat"}})
		assert.True(t, errors.Is(err, aesthetic.ErrUnknownChannel))
		assert.Nil(t, state)
	})
}

func TestTextureStrip(t *testing.T) {
	svc := newService(t, 500, 250)
	for _, ch := range []string{"color", "size"} {
		data, err := svc.TextureStrip(ch, false)
		require.NoError(t, err)
		img, err := png.Decode(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, render.StripHeight, img.Bounds().Dy())
	}
	_, err := svc.Texture("shape", false)
	assert.True(t, errors.Is(err, aesthetic.ErrUnknownChannel))
}

func TestPreview(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, 1000, 250)
	require.NoError(t, svc.DownloadAll(ctx))

	data, err := svc.Preview(ctx, nil, "")
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	_, err = svc.Preview(ctx, nil, "absent")
	assert.True(t, errors.Is(err, ErrSelectionNotFound))

	_, err = svc.CreateSelection(ctx, selection.Spec{Name: "flagged", Field: "flag"})
	require.NoError(t, err)
	data, err = svc.Preview(ctx, nil, "flagged")
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestSelectionRegistry(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, 1200, 300)
	require.NoError(t, svc.DownloadAll(ctx))

	flagged, err := svc.CreateSelection(ctx, selection.Spec{Name: "flagged", Field: "flag"})
	require.NoError(t, err)
	assert.Equal(t, uint64(400), flagged.SelectionSize())

	_, err = svc.CreateSelection(ctx, selection.Spec{Name: "flagged", Field: "flag"})
	assert.True(t, errors.Is(err, ErrSelectionExists))

	low, err := svc.CreateSelection(ctx, selection.Spec{Name: "low", Field: "ints", Lambda: "i => i < 600"})
	require.NoError(t, err)
	assert.Equal(t, uint64(600), low.SelectionSize())

	both, err := svc.Combine(ctx, "both", selection.And, "flagged", "low")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), both.SelectionSize())

	either, err := svc.Union(ctx, "either", false, "flagged", "low")
	require.NoError(t, err)
	assert.Equal(t, uint64(800), either.SelectionSize())

	all, err := svc.Union(ctx, "all", true, "flagged", "low")
	require.NoError(t, err)
	assert.Equal(t, both.SelectionSize(), all.SelectionSize())

	_, err = svc.Combine(ctx, "bad", selection.Or, "flagged", "absent")
	assert.True(t, errors.Is(err, ErrSelectionNotFound))

	names := make([]string, 0)
	for _, s := range svc.Selections() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"flagged", "low", "both", "either", "all"}, names)
	assert.Equal(t, []string{"all", "both", "either", "flagged", "low"}, svc.SelectionNames())

	// Composites keep their operands after deregistration.
	require.NoError(t, svc.DeleteSelection("low"))
	assert.True(t, errors.Is(svc.DeleteSelection("low"), ErrSelectionNotFound))
	sel, err := svc.Selection("both")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), sel.SelectionSize())
}

func TestEvaluateSelectionDownloadsTree(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, 2000, 100)
	assert.Equal(t, 1, readyCount(svc.Dataset()))

	sel, err := svc.CreateSelection(ctx, selection.Spec{Name: "flagged", Field: "flag"})
	require.NoError(t, err)
	// Only the root is ready: rows 0..99.
	assert.Equal(t, uint64(34), sel.SelectionSize())

	sel, err = svc.EvaluateSelection(ctx, "flagged", true)
	require.NoError(t, err)
	assert.True(t, sel.Complete())
	assert.Equal(t, uint64(667), sel.SelectionSize())
	assert.Equal(t, 20, readyCount(svc.Dataset()))
}

func TestDownload(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, 2000, 100)
	ext, err := svc.Dataset().Extent(ctx)
	require.NoError(t, err)

	res := svc.Download(ctx, ext, 1<<40, 2)
	assert.Len(t, res.Queued, 2)
	assert.Equal(t, []string{"1/0/0", "1/1/0"}, res.Queued)

	_, ok := svc.TilePath(dataset.RootKey)
	assert.False(t, ok)
}

func TestAdoptRejectsForeignSelection(t *testing.T) {
	ctx := context.Background()
	a := newService(t, 500, 250)
	b := newService(t, 500, 250)
	sel, err := selection.FromSpec(b.Dataset(), selection.Spec{Name: "f", Field: "flag"}, selection.Options{})
	require.NoError(t, err)
	_, err = a.Adopt(ctx, sel)
	assert.True(t, errors.Is(err, selection.ErrInvalidSelection))

	own, err := selection.FromSpec(a.Dataset(), selection.Spec{Name: "f", Field: "flag"}, a.SelectionOptions())
	require.NoError(t, err)
	_, err = a.Adopt(ctx, own)
	require.NoError(t, err)
}

func TestLookupTable(t *testing.T) {
	ctx := context.Background()
	meta := newService(t, 300, 100)
	ds, err := OpenDataset("main", config.DatasetConfig{Kind: config.KindSynthetic, Rows: 500, BatchSize: 250},
		nil, dataset.Options{})
	require.NoError(t, err)
	svc, err := NewPlotService(PlotServiceConfig{
		Dataset: ds,
		Tables: func(id string) (*dataset.Dataset, bool) {
			if id == "meta" {
				return meta.Dataset(), true
			}
			return nil, false
		},
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	table, err := svc.LookupTable(ctx, "meta", "cat", "value")
	require.NoError(t, err)
	assert.Len(t, table, len(dataset.SyntheticCategories))

	byInt, err := svc.LookupTable(ctx, "meta", "ints", "value")
	require.NoError(t, err)
	assert.Len(t, byInt, 300)
	assert.Contains(t, byInt, "42")

	_, err = svc.LookupTable(ctx, "absent", "cat", "value")
	assert.True(t, errors.Is(err, dataset.ErrColumnNotFound))
	_, err = svc.LookupTable(ctx, "meta", "cat", "missing")
	assert.True(t, errors.Is(err, dataset.ErrColumnNotFound))
}

func TestOpenDatasetErrors(t *testing.T) {
	_, err := OpenDataset("z", config.DatasetConfig{Kind: config.KindZarr, ZarrPath: t.TempDir() + "/absent.zarr"}, nil, dataset.Options{})
	assert.Error(t, err)
	_, err = OpenDataset("q", config.DatasetConfig{Kind: "parquet"}, nil, dataset.Options{})
	assert.Error(t, err)
}

func readyCount(ds *dataset.Dataset) int {
	n := 0
	ds.VisitReady(func(*dataset.Tile) bool {
		n++
		return true
	})
	return n
}

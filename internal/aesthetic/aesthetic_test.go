package aesthetic

import (
	"context"
	"encoding/json"
	"image/color"
	"math"
	"testing"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quadscatter/server/internal/cache"
	"github.com/quadscatter/server/internal/dataset"
	"github.com/quadscatter/server/internal/scale"
	"github.com/quadscatter/server/internal/texture"
	"github.com/quadscatter/server/pkg/colormap"
)

func newSource(t *testing.T) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.NewArrowDataset("aes", []arrow.Record{dataset.SyntheticRecord(2000, 7)}, dataset.ArrowOptions{})
	require.NoError(t, err)
	t.Cleanup(ds.Close)
	return ds
}

func spec(t *testing.T, s string) *ChannelSpec {
	t.Helper()
	var cs ChannelSpec
	require.NoError(t, json.Unmarshal([]byte(s), &cs))
	return &cs
}

func TestDefaults(t *testing.T) {
	tests := []struct {
		kind     ChannelKind
		constant float64
		lookup   bool
	}{
		{X, 1, false},
		{Y0, 1, false},
		{Size, 1.5, true},
		{JitterRadius, 0, true},
		{JitterSpeed, 0, true},
		{Filter, 1, true},
		{Filter2, 1, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			a, err := New(tt.kind, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.constant, a.Constant())
			assert.Equal(t, tt.lookup, a.UsesLookupTexture())
			assert.Equal(t, texture.EncodeFloats([]float64{tt.constant}, texture.Size), a.Texture())
		})
	}

	a, err := New(Color, Options{})
	require.NoError(t, err)
	assert.Equal(t, "viridis", a.Range().Palette)
	assert.Equal(t, scale.Linear, a.Transform())
	assert.Equal(t, color.RGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff}, texture.ColorAt(a.Texture(), 100))

	_, err = New("opacity", Options{})
	assert.True(t, errors.Is(err, ErrUnknownChannel))
}

func TestUpdateNilRestoresDefault(t *testing.T) {
	ctx := context.Background()
	src := newSource(t)
	for _, kind := range []ChannelKind{Size, Color, X, Filter} {
		t.Run(string(kind), func(t *testing.T) {
			fresh, err := New(kind, Options{Source: src})
			require.NoError(t, err)
			a, err := New(kind, Options{Source: src})
			require.NoError(t, err)

			require.NoError(t, a.Update(ctx, spec(t, `{"field": "value", "transform": "linear", "domain": [0, 50]}`)))
			assert.NotEqual(t, fresh.Texture(), a.Texture())

			require.NoError(t, a.Update(ctx, nil))
			assert.Equal(t, fresh.Texture(), a.Texture())
			assert.Equal(t, fresh.Domain(), a.Domain())
			assert.Equal(t, fresh.Transform(), a.Transform())
			assert.Equal(t, fresh.Constant(), a.Constant())
			assert.Empty(t, a.Field())
		})
	}
}

func TestTextureMatchesScale(t *testing.T) {
	ctx := context.Background()
	a, err := New(Size, Options{Source: newSource(t)})
	require.NoError(t, err)
	require.NoError(t, a.Update(ctx, spec(t, `{"field": "value", "domain": [0, 100], "range": [-3, 200], "transform": "linear"}`)))

	f, err := scale.New(scale.Linear, [2]float64{0, 100}, [2]float64{-3, 200})
	require.NoError(t, err)
	samples := scale.Sample(f, [2]float64{0, 100}, texture.Size)
	tex := a.Texture()
	for i, want := range samples {
		require.InDelta(t, want, texture.DecodeAt(tex, i), 1.0/65536, "entry %d", i)
	}
	assert.Equal(t, texture.Size-1, a.Index(100))
	assert.Equal(t, 0, a.Index(-5))
}

func TestAutoDomain(t *testing.T) {
	ctx := context.Background()
	src := newSource(t)
	a, err := New(Size, Options{Source: src})
	require.NoError(t, err)

	require.NoError(t, a.Update(ctx, spec(t, `{"field": "ints"}`)))
	assert.Equal(t, [2]float64{0, 1999}, a.Domain())
	assert.Equal(t, scale.Sqrt, a.Transform())

	t.Run("dictionary", func(t *testing.T) {
		c, err := New(Color, Options{Source: src})
		require.NoError(t, err)
		require.NoError(t, c.Update(ctx, spec(t, `{"field": "cat", "range": "category20"}`)))
		assert.Equal(t, [2]float64{0, texture.Size - 1}, c.Domain())
		tex := c.Texture()
		for _, i := range []int{0, 1, 4, 25, 4095} {
			assert.Equal(t, colormap.Categorical.AtIndex(i), texture.ColorAt(tex, i))
		}
	})

	t.Run("positionalRange", func(t *testing.T) {
		x, err := New(X, Options{Source: src})
		require.NoError(t, err)
		require.NoError(t, x.Update(ctx, spec(t, `{"field": "value", "transform": "linear"}`)))
		ext, err := src.Extent(ctx)
		require.NoError(t, err)
		require.NotNil(t, x.Range().Interval)
		assert.Equal(t, ext.X, *x.Range().Interval)
	})
}

func TestUsesLookupTexture(t *testing.T) {
	ctx := context.Background()
	a, err := New(X, Options{Source: newSource(t)})
	require.NoError(t, err)

	require.NoError(t, a.Update(ctx, spec(t, `{"field": "x", "transform": "literal"}`)))
	assert.False(t, a.UsesLookupTexture())

	// Value equality, not identity: a freshly decoded domain counts.
	require.NoError(t, a.Update(ctx, spec(t, `{"field": "x", "transform": "literal", "domain": [-2047, 2047]}`)))
	assert.False(t, a.UsesLookupTexture())

	require.NoError(t, a.Update(ctx, spec(t, `{"field": "x", "transform": "literal", "domain": [-10, 10]}`)))
	assert.True(t, a.UsesLookupTexture())
}

func TestUpdateErrorsLeaveStateUnchanged(t *testing.T) {
	ctx := context.Background()
	a, err := New(Size, Options{Source: newSource(t)})
	require.NoError(t, err)
	require.NoError(t, a.Update(ctx, spec(t, `{"field": "value"}`)))
	before := a.Texture()

	tests := []struct {
		name string
		spec string
		want error
	}{
		{"missingColumn", `{"field": "nope"}`, dataset.ErrColumnNotFound},
		{"badLambda", `{"field": "value", "lambda": "x => x +"}`, ErrEncodingParse},
		{"badTransform", `{"field": "value", "transform": "cubic"}`, ErrEncodingParse},
		{"paletteOnNumeric", `{"field": "value", "range": "viridis"}`, ErrEncodingParse},
		{"logNonPositive", `{"field": "value", "transform": "log", "domain": [0, 10]}`, ErrEncodingParse},
		{"badConstant", `{"constant": "big"}`, ErrEncodingParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Update(ctx, spec(t, tt.spec))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, "value", a.Field())
			assert.Equal(t, before, a.Texture())
		})
	}
}

func TestDictionaryWithContinuousTransformWarns(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	a, err := New(Size, Options{Source: newSource(t), Logger: logrus.NewEntry(logger)})
	require.NoError(t, err)

	require.NoError(t, a.Update(context.Background(), spec(t, `{"field": "cat", "transform": "sqrt"}`)))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, [2]float64{0, texture.Size - 1}, a.Domain())
}

func TestLambdaTexture(t *testing.T) {
	ctx := context.Background()
	a, err := New(Filter, Options{Source: newSource(t)})
	require.NoError(t, err)
	require.NoError(t, a.Update(ctx, spec(t, `{"field": "value", "domain": [0, 100], "lambda": "v => v >= 50"}`)))

	tex := a.Texture()
	assert.Equal(t, 0.0, texture.DecodeAt(tex, a.Index(10)))
	assert.Equal(t, 1.0, texture.DecodeAt(tex, a.Index(75)))
	assert.True(t, a.UsesLookupTexture())
}

type tableSource map[string]map[string]float64

func (s tableSource) LookupTable(_ context.Context, table, key, value string) (map[string]float64, error) {
	t, ok := s[table+"."+value]
	if !ok {
		return nil, errors.Wrapf(dataset.ErrColumnNotFound, "%s.%s", table, value)
	}
	return t, nil
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	table := map[string]float64{}
	for i, c := range dataset.SyntheticCategories {
		table[c] = float64(i * 10)
	}
	a, err := New(Size, Options{Source: newSource(t), Lookups: tableSource{"meta.weight": table}})
	require.NoError(t, err)

	require.NoError(t, a.Update(ctx, spec(t, `{"field": "cat", "transform": "linear", "range": [0, 10],
		"lookup": {"table": "meta", "value": "weight"}}`)))
	assert.Equal(t, [2]float64{0, 40}, a.Domain())

	tex := a.Texture()
	dict := a.Summary().Dictionary
	require.NotEmpty(t, dict)
	for code, label := range dict {
		assert.InDelta(t, table[label]/4, texture.DecodeAt(tex, code), 1e-4, label)
	}
	// Codes beyond the dictionary fall back to the constant.
	assert.InDelta(t, 1.5, texture.DecodeAt(tex, 100), 1e-4)

	err = a.Update(ctx, spec(t, `{"field": "value", "lookup": {"table": "meta", "value": "weight"}}`))
	assert.True(t, errors.Is(err, ErrEncodingParse))
	err = a.Update(ctx, spec(t, `{"field": "cat", "lookup": {"table": "meta", "value": "height"}}`))
	assert.True(t, errors.Is(err, dataset.ErrColumnNotFound))
}

func TestTextureCache(t *testing.T) {
	ctx := context.Background()
	m, err := cache.NewManager(cache.Config{TileCacheSizeMB: 1, TextureCacheSize: 8})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	src := newSource(t)

	a, err := New(Size, Options{Source: src, Cache: m})
	require.NoError(t, err)
	b, err := New(Size, Options{Source: src, Cache: m})
	require.NoError(t, err)

	s := spec(t, `{"field": "value", "domain": [0, 10]}`)
	require.NoError(t, a.Update(ctx, s))
	require.NoError(t, b.Update(ctx, s))
	assert.Equal(t, a.Texture(), b.Texture())
	assert.Equal(t, 1, m.Stats()["texture_cache_len"])
}

func TestTextureCacheFollowsRegisteredLambda(t *testing.T) {
	ctx := context.Background()
	m, err := cache.NewManager(cache.Config{TileCacheSizeMB: 1, TextureCacheSize: 8})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	src := newSource(t)
	s := spec(t, `{"field": "value", "domain": [0, 10], "lambda": "@cache_gen"}`)

	RegisterLambda("cache_gen", func(float64) float64 { return 1 })
	before, err := New(Size, Options{Source: src, Cache: m})
	require.NoError(t, err)
	require.NoError(t, before.Update(ctx, s))
	assert.InDelta(t, 1.0, texture.DecodeAt(before.Texture(), 0), 1.0/65536)

	RegisterLambda("cache_gen", func(float64) float64 { return 2 })
	after, err := New(Size, Options{Source: src, Cache: m})
	require.NoError(t, err)
	require.NoError(t, after.Update(ctx, s))
	assert.InDelta(t, 2.0, texture.DecodeAt(after.Texture(), 0), 1.0/65536)

	uncached, err := New(Size, Options{Source: src})
	require.NoError(t, err)
	require.NoError(t, uncached.Update(ctx, s))
	assert.Equal(t, uncached.Texture(), after.Texture())
	assert.Equal(t, 2, m.Stats()["texture_cache_len"])
}

func TestStatefulAesthetic(t *testing.T) {
	ctx := context.Background()
	sa, err := NewStateful(Size, Options{Source: newSource(t)})
	require.NoError(t, err)

	a := spec(t, `{"field": "value", "domain": [0, 10]}`)
	b := spec(t, `{"field": "ints"}`)

	require.NoError(t, sa.Update(ctx, a, true))
	assert.True(t, sa.NeedsTransitions())
	assert.Equal(t, "value", sa.Current().Field())
	assert.Empty(t, sa.Last().Field())
	current := sa.Current()
	tex := current.Texture()

	t.Run("identicalDoesNotFlip", func(t *testing.T) {
		require.NoError(t, sa.Update(ctx, spec(t, `{"field": "value", "domain": [0, 10]}`), true))
		assert.Same(t, current, sa.Current())
		assert.Equal(t, tex, sa.Current().Texture())
		assert.False(t, sa.NeedsTransitions())
		// The pending transition completed: last caught up with current.
		assert.Equal(t, "value", sa.Last().Field())

		require.NoError(t, sa.Update(ctx, a, true))
		assert.Same(t, current, sa.Current())
		assert.Equal(t, tex, sa.Current().Texture())
	})

	t.Run("undefinedDoesNotFlip", func(t *testing.T) {
		require.NoError(t, sa.Update(ctx, nil, false))
		assert.Same(t, current, sa.Current())
	})

	t.Run("differentFlips", func(t *testing.T) {
		require.NoError(t, sa.Update(ctx, b, true))
		assert.Equal(t, "ints", sa.Current().Field())
		assert.Equal(t, "value", sa.Last().Field())
		assert.Same(t, current, sa.Last())
		assert.True(t, sa.NeedsTransitions())
	})

	t.Run("errorRestoresRoles", func(t *testing.T) {
		cur, last := sa.Current(), sa.Last()
		err := sa.Update(ctx, spec(t, `{"field": "missing"}`), true)
		require.Error(t, err)
		assert.Same(t, cur, sa.Current())
		assert.Same(t, last, sa.Last())
		assert.Equal(t, "ints", sa.Current().Field())
	})
}

func TestValueForAndOutput(t *testing.T) {
	ctx := context.Background()
	src := newSource(t)
	require.NoError(t, src.Root().Download(ctx))
	var row dataset.Row
	for r := range src.Root().Points(nil, true) {
		row = r
		break
	}

	a, err := New(Size, Options{Source: src})
	require.NoError(t, err)
	v, ok := a.ValueFor(row)
	require.True(t, ok)
	assert.Equal(t, 1.5, v)
	assert.InDelta(t, 1.5, a.Output(row), 1e-4)

	require.NoError(t, a.Update(ctx, spec(t, `{"field": "value", "domain": [0, 100], "range": [0, 100], "transform": "linear"}`)))
	raw, ok := a.ValueFor(row)
	require.True(t, ok)
	want, _ := row.Float("value")
	assert.Equal(t, want, raw)
	// Quantized to the nearest of 4096 samples.
	assert.InDelta(t, raw, a.Output(row), 100.0/4095)

	x, err := New(X, Options{Source: src})
	require.NoError(t, err)
	require.NoError(t, x.Update(ctx, spec(t, `{"field": "x", "transform": "literal"}`)))
	assert.Equal(t, row.X(), x.Output(row))
	assert.False(t, math.IsNaN(x.Output(row)))
}

package texture

import (
	"image/color"
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quadscatter/server/internal/scale"
)

func TestEncodeFloatLayout(t *testing.T) {
	tests := []struct {
		in   float64
		want [4]byte
	}{
		{0, [4]byte{0, 0, 0, 0}},
		{1, [4]byte{0, 0, 0, 1}},
		{1.5, [4]byte{0, 0, 128, 1}},
		{-2.25, [4]byte{255, 0, 64, 2}},
		{1.0 / 65536, [4]byte{0, 1, 0, 0}},
		{1000, [4]byte{0, 255, 255, 255}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EncodeFloat(tt.in), "value %g", tt.in)
	}
}

func TestEncodeDecodeRoundTripThroughScale(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		d0 := rng.Float64()*200 - 100
		d1 := d0 + rng.Float64()*100 + 1
		r0 := rng.Float64()*200 - 100
		r1 := rng.Float64()*200 - 100
		f, err := scale.New(scale.Linear, [2]float64{d0, d1}, [2]float64{r0, r1})
		require.NoError(t, err)

		x := d0 + rng.Float64()*(d1-d0)
		want := f(x)
		q := EncodeFloat(want)
		assert.InDelta(t, want, Decode(q[:]), 1.0/65536)
	}
}

func TestEncodeFloatsPadsAndIsDeterministic(t *testing.T) {
	a := EncodeFloats([]float64{1, 2, 3}, 8)
	b := EncodeFloats([]float64{1, 2, 3}, 8)
	require.Equal(t, a, b)
	require.Len(t, a, 32)
	assert.Equal(t, 3.0, DecodeAt(a, 7))
	assert.Equal(t, make([]byte, 16), EncodeFloats(nil, 4))
}

func TestEncodeColors(t *testing.T) {
	tex := EncodeColors([]color.RGBA{{1, 2, 3, 4}, {5, 6, 7, 8}}, 3)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 5, 6, 7, 8}, tex)
	assert.Equal(t, color.RGBA{5, 6, 7, 8}, ColorAt(tex, 2))
}

func TestSetAllocateAndWrite(t *testing.T) {
	s := NewSet(2, 1)

	p1, err := s.Allocate("size/0", NumericAtlas)
	require.NoError(t, err)
	again, err := s.Allocate("size/0", NumericAtlas)
	require.NoError(t, err)
	assert.Equal(t, p1, again)

	p2, err := s.Allocate("size/1", NumericAtlas)
	require.NoError(t, err)
	assert.Equal(t, Size*4, p2.Offset)
	assert.InDelta(t, 0.75, p2.V, 1e-6)

	_, err = s.Allocate("filter/0", NumericAtlas)
	assert.True(t, errors.Is(err, ErrAtlasFull))

	c, err := s.Allocate("color/0", ColorAtlas)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Offset)

	data := EncodeFloats([]float64{4.5}, Size)
	require.NoError(t, s.Write("size/1", data))
	got, ok := s.Slot("size/1")
	require.True(t, ok)
	assert.Equal(t, data, got)
	assert.Equal(t, data, s.Bytes(NumericAtlas)[p2.Offset:p2.Offset+Size*4])

	assert.Error(t, s.Write("missing", data))
}

package colormap

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeuratColormapEndpoints(t *testing.T) {
	t.Parallel()

	assert.Equal(t, color.RGBA{R: 211, G: 211, B: 211, A: 255}, Seurat.At(0))
	assert.Equal(t, color.RGBA{R: 255, G: 0, B: 0, A: 255}, Seurat.At(1))
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	c, ok := Default.Lookup(" Viridis ")
	require.True(t, ok)
	assert.Equal(t, Viridis.At(0.5), c.At(0.5))

	_, ok = Default.Lookup("nope")
	assert.False(t, ok)

	cat, ok := Default.Lookup("category20")
	require.True(t, ok)
	assert.True(t, IsCategorical(cat))
	assert.Equal(t, cat.AtIndex(0), cat.AtIndex(20))
}

func TestParseHex(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want color.RGBA
		err  bool
	}{
		{in: "#808080", want: color.RGBA{128, 128, 128, 255}},
		{in: "#fff", want: color.RGBA{255, 255, 255, 255}},
		{in: "ff000080", want: color.RGBA{255, 0, 0, 128}},
		{in: "#12", err: true},
		{in: "#zzzzzz", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseHex(tt.in)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, Hex(tt.want), Hex(got))
		})
	}
}

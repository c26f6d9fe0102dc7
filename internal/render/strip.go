package render

import (
	"image/color"
	"math"

	"github.com/fogleman/gg"

	"github.com/quadscatter/server/internal/texture"
)

// StripHeight is the height of texture strip images.
const StripHeight = 32

// ColorStrip draws a color lookup texture left to right, one column per
// sampled entry.
func (r *Renderer) ColorStrip(tex []byte) ([]byte, error) {
	width := r.config.Size
	dc := gg.NewContext(width, StripHeight)
	for px := 0; px < width; px++ {
		dc.SetColor(texture.ColorAt(tex, entryAt(px, width)))
		dc.DrawRectangle(float64(px), 0, 1, StripHeight)
		dc.Fill()
	}
	return r.encodeContext(dc)
}

// NumericStrip draws a numeric lookup texture as a grey ramp normalized to
// its own extremes, with the decoded curve overlaid.
func (r *Renderer) NumericStrip(tex []byte) ([]byte, error) {
	width := r.config.Size
	values := make([]float64, width)
	lo, hi := math.Inf(1), math.Inf(-1)
	for px := range values {
		v := texture.DecodeAt(tex, entryAt(px, width))
		values[px] = v
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}

	dc := gg.NewContext(width, StripHeight)
	for px, v := range values {
		g := uint8(math.Round((v - lo) / span * 255))
		dc.SetColor(color.RGBA{g, g, g, 255})
		dc.DrawRectangle(float64(px), 0, 1, StripHeight)
		dc.Fill()
	}
	dc.SetColor(color.RGBA{220, 40, 40, 255})
	dc.SetLineWidth(1)
	for px, v := range values {
		py := (StripHeight - 1) - (v-lo)/span*(StripHeight-1)
		if px == 0 {
			dc.MoveTo(0, py)
			continue
		}
		dc.LineTo(float64(px), py)
	}
	dc.Stroke()
	return r.encodeContext(dc)
}

func entryAt(px, width int) int {
	if width <= 1 {
		return 0
	}
	return px * (texture.Size - 1) / (width - 1)
}

// Package render draws CPU previews of a dataset using fogleman/gg.
package render

import (
	"bytes"
	"context"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/quadscatter/server/internal/aesthetic"
	"github.com/quadscatter/server/internal/dataset"
)

// Config contains renderer configuration.
type Config struct {
	Size       int
	Background color.Color
}

// Renderer draws previews and texture strips as PNG.
type Renderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewRenderer creates a new renderer.
func NewRenderer(cfg Config) *Renderer {
	if cfg.Size <= 0 {
		cfg.Size = 512
	}
	if cfg.Background == nil {
		cfg.Background = color.White
	}
	return &Renderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Size, cfg.Size)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// PreviewRequest selects what Preview draws.
type PreviewRequest struct {
	Dataset    *dataset.Dataset
	Aesthetics *aesthetic.Set
	// BBox limits the drawn points; nil draws the dataset extent.
	BBox *dataset.Rect
	// Keep, when set, drops rows for which it returns false.
	Keep func(dataset.Row) bool
}

// Preview draws every point of the ready tiles inside the bbox the way the
// GPU would: position, size, color and both filters go through the current
// aesthetic of each channel.
func (r *Renderer) Preview(ctx context.Context, req PreviewRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bbox := req.BBox
	if bbox == nil {
		ext, err := req.Dataset.Extent(ctx)
		if err != nil {
			return nil, err
		}
		bbox = &ext
	}

	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)
	dc.SetColor(r.config.Background)
	dc.Clear()

	x := req.Aesthetics.Channel(aesthetic.X).Current()
	y := req.Aesthetics.Channel(aesthetic.Y).Current()
	xView := viewInterval(x, bbox.X)
	yView := viewInterval(y, bbox.Y)
	xOut, yOut := x.OutputFunc(), y.OutputFunc()
	sizeOut := req.Aesthetics.Channel(aesthetic.Size).Current().OutputFunc()
	colorOut := req.Aesthetics.Channel(aesthetic.Color).Current().ColorOutputFunc()
	filters := []func(dataset.Row) float64{
		req.Aesthetics.Channel(aesthetic.Filter).Current().OutputFunc(),
		req.Aesthetics.Channel(aesthetic.Filter2).Current().OutputFunc(),
	}
	edge := float64(r.config.Size)

	n := 0
	for row := range req.Dataset.Points(bbox) {
		if n++; n%4096 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if req.Keep != nil && !req.Keep(row) {
			continue
		}
		if !passes(filters, row) {
			continue
		}
		px := project(xOut(row), xView, edge)
		// Image rows grow downward.
		py := edge - project(yOut(row), yView, edge)
		if math.IsNaN(px) || math.IsNaN(py) {
			continue
		}
		radius := sizeOut(row)
		if math.IsNaN(radius) || radius <= 0 {
			continue
		}
		dc.SetColor(colorOut(row))
		dc.DrawPoint(px, py, radius)
		dc.Fill()
	}
	return r.encodeContext(dc)
}

// viewInterval is the output interval a channel's values fall into: its
// numeric range when it maps through a texture, the data bounds otherwise.
func viewInterval(a *aesthetic.Aesthetic, data [2]float64) [2]float64 {
	if a.UsesLookupTexture() {
		if iv := a.Range().Interval; iv != nil {
			return [2]float64{math.Min(iv[0], iv[1]), math.Max(iv[0], iv[1])}
		}
	}
	return data
}

func project(v float64, view [2]float64, edge float64) float64 {
	w := view[1] - view[0]
	if w == 0 {
		return edge / 2
	}
	return (v - view[0]) / w * edge
}

// passes applies the filter channels: a zero output hides the point.
func passes(filters []func(dataset.Row) float64, row dataset.Row) bool {
	for _, f := range filters {
		if v := f(row); v == 0 || math.IsNaN(v) {
			return false
		}
	}
	return true
}

func (r *Renderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// The buffer is reused.
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

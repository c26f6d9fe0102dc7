// Package aesthetic maps dataset columns onto draw parameters through
// fixed-size lookup textures.
package aesthetic

import (
	"image/color"

	"github.com/quadscatter/server/internal/scale"
)

// ChannelKind names one visual encoding dimension.
type ChannelKind string

const (
	X            ChannelKind = "x"
	Y            ChannelKind = "y"
	X0           ChannelKind = "x0"
	Y0           ChannelKind = "y0"
	Color        ChannelKind = "color"
	Size         ChannelKind = "size"
	JitterRadius ChannelKind = "jitter_radius"
	JitterSpeed  ChannelKind = "jitter_speed"
	Filter       ChannelKind = "filter"
	Filter2      ChannelKind = "filter2"
)

// Channels lists every channel in dispatch order.
var Channels = []ChannelKind{X, Y, X0, Y0, Color, Size, JitterRadius, JitterSpeed, Filter, Filter2}

// Position macros expanded by Set.ApplyEncoding.
const (
	PositionMacro  = "position"
	Position0Macro = "position0"
)

// PassThroughDomain is the domain of a literal scale that the renderer
// applies without a lookup texture.
var PassThroughDomain = [2]float64{-2047, 2047}

// ParseChannel reports whether s names a channel.
func ParseChannel(s string) (ChannelKind, bool) {
	for _, k := range Channels {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// policy holds the per-channel defaults.
type policy struct {
	constant      float64
	constantColor color.RGBA
	interval      [2]float64
	palette       string
	transform     scale.Kind
	// positional channels take their default range from the dataset extent.
	positional bool
	// axis selects the extent axis of positional channels: 0 for x, 1 for y.
	axis int
}

var policies = map[ChannelKind]policy{
	X:            {constant: 1, transform: scale.Literal, positional: true, axis: 0},
	Y:            {constant: 1, transform: scale.Literal, positional: true, axis: 1},
	X0:           {constant: 1, transform: scale.Literal, positional: true, axis: 0},
	Y0:           {constant: 1, transform: scale.Literal, positional: true, axis: 1},
	Color:        {constantColor: color.RGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff}, palette: "viridis", transform: scale.Linear},
	Size:         {constant: 1.5, interval: [2]float64{0.5, 5}, transform: scale.Sqrt},
	JitterRadius: {constant: 0, interval: [2]float64{0, 0.05}, transform: scale.Sqrt},
	JitterSpeed:  {constant: 0, interval: [2]float64{0.05, 1}, transform: scale.Linear},
	Filter:       {constant: 1, interval: [2]float64{0, 1}, transform: scale.Linear},
	Filter2:      {constant: 1, interval: [2]float64{0, 1}, transform: scale.Linear},
}

// IsColor reports whether the channel produces colors rather than numbers.
func (k ChannelKind) IsColor() bool { return k == Color }

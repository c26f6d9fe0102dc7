// Package texture packs scale outputs into RGBA lookup textures.
//
// Numeric textures use a fixed four-byte layout that the fragment shader
// decodes on the other side, so the packing here must not change:
//
//	byte 0  sign (0 for positive, 255 for negative)
//	byte 1  low byte of the fraction, in 1/65536 units
//	byte 2  high byte of the fraction
//	byte 3  integer part, truncated and saturating at 255
package texture

import (
	"image/color"
	"math"
)

// Size is the number of entries in every lookup texture.
const Size = 4096

// MaxMagnitude is the largest absolute value representable by EncodeFloats.
const MaxMagnitude = 255 + 65535.0/65536.0

// EncodeFloats packs values into size RGBA quads. Short inputs repeat their
// last value; long inputs are truncated.
func EncodeFloats(values []float64, size int) []byte {
	out := make([]byte, size*4)
	if len(values) == 0 {
		return out
	}
	for i := 0; i < size; i++ {
		j := i
		if j >= len(values) {
			j = len(values) - 1
		}
		putFloat(out[i*4:i*4+4], values[j])
	}
	return out
}

// EncodeFloat returns the quad for a single value.
func EncodeFloat(v float64) [4]byte {
	var q [4]byte
	putFloat(q[:], v)
	return q
}

func putFloat(dst []byte, v float64) {
	if math.IsNaN(v) {
		dst[0], dst[1], dst[2], dst[3] = 0, 0, 0, 0
		return
	}
	var sign byte
	if v < 0 {
		sign = 255
		v = -v
	}
	if v > MaxMagnitude {
		v = MaxMagnitude
	}
	integer := math.Floor(v)
	frac := uint32((v - integer) * 65536)
	if frac > 0xffff {
		frac = 0xffff
	}
	dst[0] = sign
	dst[1] = byte(frac)
	dst[2] = byte(frac >> 8)
	dst[3] = byte(integer)
}

// Decode inverts the numeric packing of one quad.
func Decode(q []byte) float64 {
	v := float64(q[3]) + float64(q[2])/256 + float64(q[1])/65536
	if q[0] > 0 {
		return -v
	}
	return v
}

// DecodeAt decodes entry i of a numeric texture.
func DecodeAt(tex []byte, i int) float64 {
	return Decode(tex[i*4 : i*4+4])
}

// EncodeColors packs literal RGBA values. Padding follows EncodeFloats.
func EncodeColors(colors []color.RGBA, size int) []byte {
	out := make([]byte, size*4)
	if len(colors) == 0 {
		return out
	}
	for i := 0; i < size; i++ {
		j := i
		if j >= len(colors) {
			j = len(colors) - 1
		}
		c := colors[j]
		out[i*4] = c.R
		out[i*4+1] = c.G
		out[i*4+2] = c.B
		out[i*4+3] = c.A
	}
	return out
}

// ColorAt reads entry i of a color texture.
func ColorAt(tex []byte, i int) color.RGBA {
	return color.RGBA{R: tex[i*4], G: tex[i*4+1], B: tex[i*4+2], A: tex[i*4+3]}
}

// Fit pads or truncates raw RGBA bytes to size entries.
func Fit(raw []byte, size int) []byte {
	out := make([]byte, size*4)
	n := copy(out, raw)
	if n >= 4 && n < len(out) {
		last := out[(n/4-1)*4 : (n/4)*4]
		for i := (n / 4) * 4; i+4 <= len(out); i += 4 {
			copy(out[i:i+4], last)
		}
	}
	return out
}

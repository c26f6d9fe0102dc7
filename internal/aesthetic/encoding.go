package aesthetic

import (
	"bytes"
	"encoding/json"
	"image/color"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/quadscatter/server/pkg/colormap"
)

var (
	// ErrEncodingParse marks a malformed lambda, constant or range. The
	// channel keeps its prior encoding.
	ErrEncodingParse = errors.New("invalid encoding")

	// ErrUnknownChannel marks a top-level encoding key that names no channel.
	ErrUnknownChannel = errors.New("unknown channel")
)

// Encoding maps channel names to specs. A key present with a nil value is an
// explicit null (reset to defaults); an absent key leaves the channel as is.
type Encoding map[string]*ChannelSpec

// ChannelSpec is the encoding of one channel.
type ChannelSpec struct {
	Field     string      `json:"field,omitempty"`
	Domain    *[2]float64 `json:"domain,omitempty"`
	Range     *Range      `json:"range,omitempty"`
	Transform string      `json:"transform,omitempty"`
	Constant  *Constant   `json:"constant,omitempty"`
	Lambda    string      `json:"lambda,omitempty"`
	Lookup    *LookupSpec `json:"lookup,omitempty"`
}

// LookupSpec joins the dictionary labels of the field against the key
// column of another table, taking values from its value column.
type LookupSpec struct {
	Table string `json:"table"`
	Key   string `json:"key,omitempty"`
	Value string `json:"value"`
}

type channelSpecJSON ChannelSpec

// UnmarshalJSON accepts either a spec object or a bare constant.
func (s *ChannelSpec) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var raw channelSpecJSON
		if err := json.Unmarshal(data, &raw); err != nil {
			return errors.Mark(errors.Wrap(err, "channel spec"), ErrEncodingParse)
		}
		*s = ChannelSpec(raw)
		return nil
	}
	var c Constant
	if err := c.UnmarshalJSON(data); err != nil {
		return err
	}
	*s = ChannelSpec{Constant: &c}
	return nil
}

// Canonical returns the serialized form used to compare encodings. A nil
// spec serializes as "null".
func (s *ChannelSpec) Canonical() string {
	if s == nil {
		return "null"
	}
	b, err := json.Marshal((*channelSpecJSON)(s))
	if err != nil {
		return "invalid"
	}
	return string(b)
}

// Constant is a fallback value: a number, a string, or an RGBA color given as
// a numeric array.
type Constant struct {
	Number *float64
	Text   string
	Color  *color.RGBA
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Constant) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.Mark(errors.New("empty constant"), ErrEncodingParse)
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return errors.Mark(err, ErrEncodingParse)
		}
		*c = Constant{Text: s}
		return nil
	case '[':
		var vs []float64
		if err := json.Unmarshal(data, &vs); err != nil {
			return errors.Mark(errors.Wrap(err, "constant array"), ErrEncodingParse)
		}
		switch len(vs) {
		case 1:
			*c = Constant{Number: &vs[0]}
		case 3, 4:
			rgba := color.RGBA{A: 255}
			ch := []*uint8{&rgba.R, &rgba.G, &rgba.B, &rgba.A}
			for i, v := range vs {
				if v < 0 || v > 255 {
					return errors.Mark(errors.Newf("color component %g outside [0, 255]", v), ErrEncodingParse)
				}
				*ch[i] = uint8(v)
			}
			*c = Constant{Color: &rgba}
		default:
			return errors.Mark(errors.Newf("constant array of length %d", len(vs)), ErrEncodingParse)
		}
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return errors.Mark(err, ErrEncodingParse)
		}
		v := 0.0
		if b {
			v = 1
		}
		*c = Constant{Number: &v}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return errors.Mark(errors.Wrapf(err, "constant %s", data), ErrEncodingParse)
	}
	*c = Constant{Number: &v}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c Constant) MarshalJSON() ([]byte, error) {
	switch {
	case c.Number != nil:
		return json.Marshal(*c.Number)
	case c.Color != nil:
		return json.Marshal([]uint8{c.Color.R, c.Color.G, c.Color.B, c.Color.A})
	}
	return json.Marshal(c.Text)
}

// number resolves the constant for a numeric channel.
func (c *Constant) number() (float64, error) {
	if c.Number != nil {
		return *c.Number, nil
	}
	if c.Text != "" {
		if v, err := strconv.ParseFloat(c.Text, 64); err == nil {
			return v, nil
		}
	}
	return 0, errors.Mark(errors.Newf("constant %q is not a number", c.Text), ErrEncodingParse)
}

// color resolves the constant for the color channel.
func (c *Constant) color() (color.RGBA, error) {
	if c.Color != nil {
		return *c.Color, nil
	}
	if c.Text != "" {
		rgba, err := colormap.ParseHex(c.Text)
		if err != nil {
			return color.RGBA{}, errors.Mark(err, ErrEncodingParse)
		}
		return rgba, nil
	}
	return color.RGBA{}, errors.Mark(errors.New("color constant must be a hex string or an RGBA array"), ErrEncodingParse)
}

// Range is an output range: a numeric interval, a named palette, or a raw
// list of colors. Exactly one is set.
type Range struct {
	Interval *[2]float64
	Palette  string
	Colors   []color.RGBA
}

// UnmarshalJSON discriminates on the JSON shape: two numbers are an
// interval, a string a palette name, an array of strings a color list.
func (r *Range) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return errors.Mark(err, ErrEncodingParse)
		}
		*r = Range{Palette: name}
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return errors.Mark(errors.Wrap(err, "range must be a palette name or an array"), ErrEncodingParse)
	}
	if len(items) == 0 {
		return errors.Mark(errors.New("empty range"), ErrEncodingParse)
	}
	if t := bytes.TrimSpace(items[0]); len(t) > 0 && t[0] == '"' {
		colors := make([]color.RGBA, len(items))
		for i, it := range items {
			var s string
			if err := json.Unmarshal(it, &s); err != nil {
				return errors.Mark(errors.Wrap(err, "mixed range array"), ErrEncodingParse)
			}
			c, err := colormap.ParseHex(s)
			if err != nil {
				return errors.Mark(err, ErrEncodingParse)
			}
			colors[i] = c
		}
		*r = Range{Colors: colors}
		return nil
	}
	if len(items) != 2 {
		return errors.Mark(errors.Newf("numeric range needs 2 values, got %d", len(items)), ErrEncodingParse)
	}
	var iv [2]float64
	for i, it := range items {
		if err := json.Unmarshal(it, &iv[i]); err != nil {
			return errors.Mark(errors.Wrap(err, "numeric range"), ErrEncodingParse)
		}
	}
	*r = Range{Interval: &iv}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r Range) MarshalJSON() ([]byte, error) {
	switch {
	case r.Interval != nil:
		return json.Marshal(r.Interval)
	case r.Colors != nil:
		out := make([]string, len(r.Colors))
		for i, c := range r.Colors {
			out[i] = colormap.Hex(c)
		}
		return json.Marshal(out)
	}
	return json.Marshal(r.Palette)
}

// ParseEncoding decodes a JSON encoding object.
func ParseEncoding(data []byte) (Encoding, error) {
	var enc Encoding
	if err := json.Unmarshal(data, &enc); err != nil {
		if errors.Is(err, ErrEncodingParse) {
			return nil, err
		}
		return nil, errors.Mark(errors.Wrap(err, "encoding"), ErrEncodingParse)
	}
	return enc, nil
}

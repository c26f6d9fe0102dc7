package aesthetic

import (
	"context"
	"fmt"
	"image/color"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/quadscatter/server/internal/cache"
	"github.com/quadscatter/server/internal/dataset"
	"github.com/quadscatter/server/internal/metrics"
	"github.com/quadscatter/server/internal/scale"
	"github.com/quadscatter/server/internal/texture"
	"github.com/quadscatter/server/pkg/colormap"
)

// Source resolves the columns an aesthetic binds to.
type Source interface {
	ColumnInfo(ctx context.Context, name string) (dataset.ColumnInfo, error)
	Extent(ctx context.Context) (dataset.Rect, error)
}

// LookupSource resolves lookup tables: every label of key mapped to the
// matching number of value.
type LookupSource interface {
	LookupTable(ctx context.Context, table, key, value string) (map[string]float64, error)
}

// TextureCache memoizes encoded textures.
type TextureCache interface {
	GetTexture(key string) ([]byte, bool)
	SetTexture(key string, data []byte)
}

// Options carries the collaborators shared by every aesthetic of a plot.
type Options struct {
	Source   Source
	Lookups  LookupSource
	Cache    TextureCache
	Palettes *colormap.Registry
	// DefaultPalette replaces the built-in default of color channels.
	DefaultPalette string
	Metrics        *metrics.Collectors
	Logger         *logrus.Entry
}

// state is the resolved tuple a texture is generated from.
type state struct {
	field      string
	dictionary []string
	domain     [2]float64
	rng        Range
	palette    colormap.Colormap
	transform  scale.Kind
	constant   float64
	color      color.RGBA
	lambda     *Lambda
	lookup     []float64
}

// Aesthetic is one channel's encoding and its lookup texture.
type Aesthetic struct {
	kind   ChannelKind
	policy policy
	opts   Options
	log    *logrus.Entry

	mu        sync.Mutex
	st        state
	canonical string
	texture   []byte
	dirty     bool
}

// New returns an aesthetic in its channel's default state.
func New(kind ChannelKind, opts Options) (*Aesthetic, error) {
	p, ok := policies[kind]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownChannel, "%q", kind)
	}
	if opts.Palettes == nil {
		opts.Palettes = colormap.Default
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	a := &Aesthetic{
		kind:      kind,
		policy:    p,
		opts:      opts,
		log:       log.WithField("component", "aesthetics").WithField("channel", string(kind)),
		canonical: "null",
		dirty:     true,
	}
	a.st = a.defaults()
	return a, nil
}

func (a *Aesthetic) defaults() state {
	st := state{
		transform: a.policy.transform,
		constant:  a.policy.constant,
		color:     a.policy.constantColor,
		domain:    [2]float64{0, 1},
	}
	if a.kind.IsColor() {
		name := a.policy.palette
		if _, ok := a.opts.Palettes.Lookup(a.opts.DefaultPalette); ok {
			name = a.opts.DefaultPalette
		}
		st.rng = Range{Palette: name}
		st.palette, _ = a.opts.Palettes.Lookup(name)
		if st.palette == nil {
			st.palette = colormap.Viridis
		}
	} else {
		iv := a.policy.interval
		st.rng = Range{Interval: &iv}
	}
	if st.transform == scale.Literal {
		st.domain = PassThroughDomain
	}
	return st
}

// Update applies spec; nil restores the channel defaults. A spec equal to the
// last applied one is a no-op. On error nothing changes.
func (a *Aesthetic) Update(ctx context.Context, spec *ChannelSpec) error {
	canon := spec.Canonical()

	a.mu.Lock()
	defer a.mu.Unlock()
	if canon == a.canonical {
		return nil
	}
	st, err := a.resolve(ctx, spec)
	if err != nil {
		return err
	}
	a.st = st
	a.canonical = canon
	a.dirty = true
	return nil
}

func (a *Aesthetic) resolve(ctx context.Context, spec *ChannelSpec) (state, error) {
	st := a.defaults()
	if spec == nil {
		return st, nil
	}

	if spec.Constant != nil {
		if a.kind.IsColor() {
			c, err := spec.Constant.color()
			if err != nil {
				return st, err
			}
			st.color = c
		} else {
			v, err := spec.Constant.number()
			if err != nil {
				return st, err
			}
			st.constant = v
		}
	}

	if spec.Transform != "" {
		k, err := scale.ParseKind(spec.Transform)
		if err != nil {
			return st, errors.Mark(err, ErrEncodingParse)
		}
		st.transform = k
	}

	if spec.Range != nil {
		if err := a.resolveRange(&st, *spec.Range); err != nil {
			return st, err
		}
	}

	if spec.Lambda != "" {
		l, err := ParseLambda(spec.Lambda)
		if err != nil {
			return st, err
		}
		st.lambda = l
	}

	if spec.Field == "" {
		if spec.Domain != nil {
			st.domain = *spec.Domain
		}
		return st, a.validateScale(st)
	}

	if a.opts.Source == nil {
		return st, errors.Wrapf(dataset.ErrColumnNotFound, "%q: no data source", spec.Field)
	}
	info, err := a.opts.Source.ColumnInfo(ctx, spec.Field)
	if err != nil {
		return st, err
	}
	if !info.Numeric() {
		return st, errors.Mark(errors.Newf("column %q of type %s cannot be encoded", spec.Field, info.Type), ErrEncodingParse)
	}
	st.field = spec.Field
	st.dictionary = info.Dictionary
	categorical := info.Type == dataset.ColumnDictionary

	switch {
	case spec.Domain != nil:
		st.domain = *spec.Domain
	case categorical:
		st.domain = [2]float64{0, texture.Size - 1}
	case st.transform == scale.Literal:
		st.domain = PassThroughDomain
	default:
		st.domain = info.Extent
	}

	if categorical && (st.transform == scale.Sqrt || st.transform == scale.Log) {
		a.log.WithField("field", spec.Field).WithField("transform", st.transform.String()).
			Warn("dictionary column with a continuous transform, codes are scaled as numbers")
	}

	if a.policy.positional && spec.Range == nil && st.transform != scale.Literal {
		ext, err := a.opts.Source.Extent(ctx)
		if err != nil {
			return st, err
		}
		iv := ext.X
		if a.policy.axis == 1 {
			iv = ext.Y
		}
		st.rng = Range{Interval: &iv}
	}

	if spec.Lookup != nil {
		if err := a.resolveLookup(ctx, &st, *spec.Lookup, spec.Domain == nil); err != nil {
			return st, err
		}
	}
	return st, a.validateScale(st)
}

func (a *Aesthetic) resolveRange(st *state, r Range) error {
	if a.kind.IsColor() {
		switch {
		case r.Palette != "":
			p, ok := a.opts.Palettes.Lookup(r.Palette)
			if !ok {
				return errors.Mark(errors.Newf("unknown palette %q", r.Palette), ErrEncodingParse)
			}
			st.palette = p
		case r.Colors != nil:
			st.palette = nil
		default:
			return errors.Mark(errors.New("color range must be a palette name or a list of colors"), ErrEncodingParse)
		}
		st.rng = r
		return nil
	}
	if r.Interval == nil {
		return errors.Mark(errors.Newf("%s range must be two numbers", a.kind), ErrEncodingParse)
	}
	st.rng = r
	return nil
}

func (a *Aesthetic) resolveLookup(ctx context.Context, st *state, l LookupSpec, autoDomain bool) error {
	if st.dictionary == nil {
		return errors.Mark(errors.Newf("lookup needs a dictionary column, %q is not", st.field), ErrEncodingParse)
	}
	if l.Table == "" || l.Value == "" {
		return errors.Mark(errors.New("lookup needs a table and a value column"), ErrEncodingParse)
	}
	if a.opts.Lookups == nil {
		return errors.Wrapf(dataset.ErrColumnNotFound, "lookup table %q: no lookup source", l.Table)
	}
	key := l.Key
	if key == "" {
		key = st.field
	}
	table, err := a.opts.Lookups.LookupTable(ctx, l.Table, key, l.Value)
	if err != nil {
		return err
	}
	st.lookup = make([]float64, len(st.dictionary))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, label := range st.dictionary {
		v, ok := table[label]
		if !ok {
			v = math.NaN()
		} else {
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
		st.lookup[i] = v
	}
	if autoDomain && lo <= hi {
		st.domain = [2]float64{lo, hi}
	}
	return nil
}

func (a *Aesthetic) validateScale(st state) error {
	if st.lambda != nil {
		return nil
	}
	_, err := scale.New(st.transform, st.domain, a.scaleRange(st))
	if err != nil {
		return errors.Mark(err, ErrEncodingParse)
	}
	return nil
}

// scaleRange is the numeric output interval: the range for numeric
// channels, [0, 1] for palette lookups.
func (a *Aesthetic) scaleRange(st state) [2]float64 {
	if st.rng.Interval != nil && !a.kind.IsColor() {
		return *st.rng.Interval
	}
	return [2]float64{0, 1}
}

// Texture returns the lookup texture for the current state, regenerating it
// if the state changed since the last read.
func (a *Aesthetic) Texture() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dirty || a.texture == nil {
		a.texture = a.generate()
		a.dirty = false
	}
	return slices.Clone(a.texture)
}

func (a *Aesthetic) generate() []byte {
	key := cache.TextureKey(string(a.kind), a.fingerprint())
	if a.opts.Cache != nil {
		if tex, ok := a.opts.Cache.GetTexture(key); ok {
			a.opts.Metrics.TextureRegenerated(string(a.kind), true)
			return slices.Clone(tex)
		}
	}
	tex := a.render()
	a.opts.Metrics.TextureRegenerated(string(a.kind), false)
	if a.opts.Cache != nil {
		a.opts.Cache.SetTexture(key, slices.Clone(tex))
	}
	return tex
}

// fingerprint covers everything render reads.
func (a *Aesthetic) fingerprint() string {
	st := a.st
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%v|%s|%g|%v|%d", st.field, st.domain, st.transform, st.constant, st.color, len(st.dictionary))
	if st.rng.Interval != nil {
		fmt.Fprintf(&b, "|%v", *st.rng.Interval)
	}
	fmt.Fprintf(&b, "|%s|%v", st.rng.Palette, st.rng.Colors)
	if st.lambda != nil {
		b.WriteString("|" + st.lambda.Key())
	}
	if st.lookup != nil {
		fmt.Fprintf(&b, "|%v", st.lookup)
	}
	return b.String()
}

func (a *Aesthetic) render() []byte {
	st := a.st
	if a.kind.IsColor() && st.rng.Colors != nil && st.lambda == nil {
		return texture.EncodeColors(st.rng.Colors, texture.Size)
	}
	if st.field == "" && st.lambda == nil {
		if a.kind.IsColor() {
			return texture.EncodeColors([]color.RGBA{st.color}, texture.Size)
		}
		return texture.EncodeFloats([]float64{st.constant}, texture.Size)
	}

	inputs := a.inputs(st)
	f := a.mapping(st)

	if !a.kind.IsColor() {
		out := make([]float64, len(inputs))
		for i, x := range inputs {
			v := f(x)
			if math.IsNaN(v) {
				v = st.constant
			}
			out[i] = v
		}
		return texture.EncodeFloats(out, texture.Size)
	}

	colors := make([]color.RGBA, len(inputs))
	categorical := st.dictionary != nil && st.palette != nil && colormap.IsCategorical(st.palette) &&
		st.lambda == nil && st.lookup == nil
	for i, x := range inputs {
		switch {
		case categorical:
			colors[i] = st.palette.AtIndex(i)
		case st.palette != nil:
			t := f(x)
			if math.IsNaN(t) {
				colors[i] = st.color
				continue
			}
			colors[i] = st.palette.At(math.Max(0, math.Min(1, t)))
		default:
			colors[i] = st.color
		}
	}
	return texture.EncodeColors(colors, texture.Size)
}

// inputs are the values the texture entries stand for: dictionary codes,
// looked-up values per code, or evenly spaced domain samples.
func (a *Aesthetic) inputs(st state) []float64 {
	out := make([]float64, texture.Size)
	switch {
	case st.lookup != nil:
		for i := range out {
			if i < len(st.lookup) {
				out[i] = st.lookup[i]
			} else {
				out[i] = math.NaN()
			}
		}
	case st.dictionary != nil:
		for i := range out {
			out[i] = float64(i)
		}
	default:
		return scale.Sample(func(v float64) float64 { return v }, st.domain, texture.Size)
	}
	return out
}

func (a *Aesthetic) mapping(st state) scale.Func {
	if st.lambda != nil {
		return st.lambda.Eval
	}
	f, err := scale.New(st.transform, st.domain, a.scaleRange(st))
	if err != nil {
		// Unreachable: validated in resolve.
		return func(float64) float64 { return math.NaN() }
	}
	return f
}

// UsesLookupTexture reports whether the renderer must map values through
// the texture. Literal scales over the pass-through domain skip it.
func (a *Aesthetic) UsesLookupTexture() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !(a.st.transform == scale.Literal && a.st.domain == PassThroughDomain &&
		a.st.lambda == nil && a.st.lookup == nil)
}

// ValueFor returns the raw input of row for this channel: the bound column's
// value, or the constant when no field is bound.
func (a *Aesthetic) ValueFor(row dataset.Row) (float64, bool) {
	a.mu.Lock()
	field, constant := a.st.field, a.st.constant
	a.mu.Unlock()
	if field == "" {
		return constant, true
	}
	return row.Float(field)
}

// Index returns the texture entry that input v maps to.
func (a *Aesthetic) Index(v float64) int {
	a.mu.Lock()
	st := a.st
	a.mu.Unlock()
	return indexOf(st, v)
}

func indexOf(st state, v float64) int {
	if st.field == "" && st.lambda == nil {
		return 0
	}
	if st.dictionary != nil {
		return clampIndex(int(v))
	}
	d0, d1 := st.domain[0], st.domain[1]
	if d0 == d1 {
		return 0
	}
	return clampIndex(int(math.Round((v - d0) / (d1 - d0) * (texture.Size - 1))))
}

func clampIndex(i int) int {
	return max(0, min(texture.Size-1, i))
}

// Output maps row through the channel as the renderer would: via the
// texture, or directly for pass-through scales.
func (a *Aesthetic) Output(row dataset.Row) float64 {
	v, ok := a.ValueFor(row)
	if !ok {
		return a.Constant()
	}
	if !a.UsesLookupTexture() {
		return v
	}
	return texture.DecodeAt(a.Texture(), a.Index(v))
}

// ColorOutput maps row through the color texture.
func (a *Aesthetic) ColorOutput(row dataset.Row) color.RGBA {
	v, ok := a.ValueFor(row)
	if !ok {
		return a.ConstantColor()
	}
	return texture.ColorAt(a.Texture(), a.Index(v))
}

// OutputFunc snapshots the channel once and returns Output bound to that
// snapshot, for mapping many rows.
func (a *Aesthetic) OutputFunc() func(dataset.Row) float64 {
	tex := a.Texture()
	uses := a.UsesLookupTexture()
	a.mu.Lock()
	st := a.st
	a.mu.Unlock()
	return func(row dataset.Row) float64 {
		if st.field == "" {
			if !uses {
				return st.constant
			}
			return texture.DecodeAt(tex, indexOf(st, st.constant))
		}
		v, ok := row.Float(st.field)
		if !ok {
			return st.constant
		}
		if !uses {
			return v
		}
		return texture.DecodeAt(tex, indexOf(st, v))
	}
}

// ColorOutputFunc is OutputFunc for the color texture.
func (a *Aesthetic) ColorOutputFunc() func(dataset.Row) color.RGBA {
	tex := a.Texture()
	a.mu.Lock()
	st := a.st
	a.mu.Unlock()
	return func(row dataset.Row) color.RGBA {
		v := st.constant
		if st.field != "" {
			var ok bool
			if v, ok = row.Float(st.field); !ok {
				return st.color
			}
		}
		return texture.ColorAt(tex, indexOf(st, v))
	}
}

// Kind returns the channel.
func (a *Aesthetic) Kind() ChannelKind { return a.kind }

// Field returns the bound column, empty when constant.
func (a *Aesthetic) Field() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.st.field
}

// Domain returns the input interval.
func (a *Aesthetic) Domain() [2]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.st.domain
}

// Range returns the output range.
func (a *Aesthetic) Range() Range {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.st.rng
}

// Transform returns the scale kind.
func (a *Aesthetic) Transform() scale.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.st.transform
}

// Constant returns the numeric fallback.
func (a *Aesthetic) Constant() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.st.constant
}

// ConstantColor returns the color fallback of the color channel.
func (a *Aesthetic) ConstantColor() color.RGBA {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.st.color
}

// Encoding returns the canonical form of the last applied spec.
func (a *Aesthetic) Encoding() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.canonical
}

// Summary is a serializable description of an aesthetic.
type Summary struct {
	Channel           ChannelKind `json:"channel"`
	Field             string      `json:"field,omitempty"`
	Domain            [2]float64  `json:"domain"`
	Range             Range       `json:"range"`
	Transform         string      `json:"transform"`
	Constant          interface{} `json:"constant"`
	Lambda            string      `json:"lambda,omitempty"`
	Dictionary        []string    `json:"dictionary,omitempty"`
	UsesLookupTexture bool        `json:"uses_lookup_texture"`
}

// Summary describes the current state.
func (a *Aesthetic) Summary() Summary {
	uses := a.UsesLookupTexture()
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Summary{
		Channel:           a.kind,
		Field:             a.st.field,
		Domain:            a.st.domain,
		Range:             a.st.rng,
		Transform:         a.st.transform.String(),
		Constant:          a.st.constant,
		Dictionary:        a.st.dictionary,
		UsesLookupTexture: uses,
	}
	if a.kind.IsColor() {
		s.Constant = colormap.Hex(a.st.color)
	}
	if a.st.lambda != nil {
		s.Lambda = a.st.lambda.Source
	}
	return s
}

// sortedKeys is used for stable error messages.
func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

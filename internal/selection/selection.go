// Package selection materializes named row predicates as per-tile bitmaps
// and combines them with boolean algebra.
package selection

import (
	"context"
	"iter"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/quadscatter/server/internal/dataset"
	"github.com/quadscatter/server/internal/metrics"
)

var (
	// ErrInvalidSelection marks malformed selection definitions.
	ErrInvalidSelection = errors.New("invalid selection")
	// ErrOutOfRange is returned when a row position exceeds the selection.
	ErrOutOfRange = errors.New("selection index out of range")
)

// Op is a boolean operator over selections.
type Op int

const (
	And Op = iota
	Or
	AndNot
	Xor
)

func (o Op) String() string {
	switch o {
	case And:
		return "AND"
	case Or:
		return "OR"
	case AndNot:
		return "ANDNOT"
	case Xor:
		return "XOR"
	}
	return "unknown"
}

// ParseOp parses an operator name, case-insensitively.
func ParseOp(s string) (Op, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "AND":
		return And, nil
	case "OR":
		return Or, nil
	case "ANDNOT", "AND NOT", "AND_NOT":
		return AndNot, nil
	case "XOR":
		return Xor, nil
	}
	return 0, errors.Wrapf(ErrInvalidSelection, "unknown operator %q", s)
}

func (o Op) apply(a, b *roaring.Bitmap) *roaring.Bitmap {
	switch o {
	case Or:
		return roaring.Or(a, b)
	case AndNot:
		return roaring.AndNot(a, b)
	case Xor:
		return roaring.Xor(a, b)
	}
	return roaring.And(a, b)
}

// versions issues mask versions; a fresh mask never reuses a number.
var versions atomic.Uint64

// Options carries the collaborators of a selection.
type Options struct {
	Parallelism int
	Logger      *logrus.Entry
	Metrics     *metrics.Collectors
}

type mask struct {
	bits    *roaring.Bitmap
	version uint64
	// sources are the operand versions a composite mask was derived from.
	sources []uint64
}

// Selection is a named predicate materialized per tile. Leaf selections
// evaluate a Predicate; composite selections derive their masks from their
// operands on read and re-derive whenever an operand mask changes.
type Selection struct {
	name     string
	ds       *dataset.Dataset
	pred     Predicate
	op       Op
	operands []*Selection
	opts     Options
	log      *logrus.Entry

	mu     sync.Mutex
	masks  map[dataset.Key]*mask
	cursor int
}

// New creates a leaf selection over ds. Nothing is evaluated until one of the
// Apply methods runs.
func New(ds *dataset.Dataset, name string, pred Predicate, opts Options) (*Selection, error) {
	if ds == nil || pred == nil {
		return nil, errors.Wrapf(ErrInvalidSelection, "selection %q needs a dataset and a predicate", name)
	}
	return newSelection(ds, name, opts, func(s *Selection) { s.pred = pred }), nil
}

// FromSpec creates a leaf selection from its serializable form.
func FromSpec(ds *dataset.Dataset, spec Spec, opts Options) (*Selection, error) {
	pred, err := spec.Predicate()
	if err != nil {
		return nil, err
	}
	return New(ds, spec.Name, pred, opts)
}

func newSelection(ds *dataset.Dataset, name string, opts Options, init func(*Selection)) *Selection {
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.GOMAXPROCS(0)
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Selection{
		name:  name,
		ds:    ds,
		opts:  opts,
		log:   log.WithField("component", "selection").WithField("selection", name),
		masks: make(map[dataset.Key]*mask),
	}
	init(s)
	return s
}

// Combine returns the selection op(s, other), evaluated lazily.
func (s *Selection) Combine(other *Selection, op Op, name string) (*Selection, error) {
	return compose(name, op, s, other)
}

// Any returns the union of sels.
func Any(name string, sels ...*Selection) (*Selection, error) {
	return compose(name, Or, sels...)
}

// All returns the intersection of sels.
func All(name string, sels ...*Selection) (*Selection, error) {
	return compose(name, And, sels...)
}

func compose(name string, op Op, sels ...*Selection) (*Selection, error) {
	if len(sels) == 0 {
		return nil, errors.Wrapf(ErrInvalidSelection, "%s of no selections", op)
	}
	ds := sels[0].ds
	for _, o := range sels {
		if o == nil {
			return nil, errors.Wrapf(ErrInvalidSelection, "%s with a nil selection", op)
		}
		if o.ds != ds {
			return nil, errors.Wrapf(ErrInvalidSelection, "cannot combine %q and %q from different datasets", sels[0].name, o.name)
		}
	}
	return newSelection(ds, name, sels[0].opts, func(c *Selection) {
		c.op = op
		c.operands = append([]*Selection(nil), sels...)
	}), nil
}

// Name returns the selection's name.
func (s *Selection) Name() string { return s.name }

// Dataset returns the dataset the selection ranges over.
func (s *Selection) Dataset() *dataset.Dataset { return s.ds }

// Composite reports whether the selection is derived from other selections.
func (s *Selection) Composite() bool { return s.operands != nil }

// tileMask returns the mask of t. Leaf masks are evaluated only when
// evaluate is set; composite masks are derived whenever every operand has
// one, and reused while the operand versions are unchanged.
func (s *Selection) tileMask(ctx context.Context, t *dataset.Tile, evaluate bool) (*mask, bool, error) {
	key := t.Key()
	if s.operands == nil {
		s.mu.Lock()
		m, ok := s.masks[key]
		s.mu.Unlock()
		if ok || !evaluate {
			return m, ok, nil
		}
		bits, err := s.pred.Evaluate(ctx, t)
		if err != nil {
			return nil, false, errors.Wrapf(err, "selection %q on tile %s", s.name, key)
		}
		if bits == nil {
			bits = roaring.New()
		}
		bits.RemoveRange(uint64(t.NumRows()), uint64(1)<<32)
		m = &mask{bits: bits, version: versions.Add(1)}
		s.mu.Lock()
		s.masks[key] = m
		s.mu.Unlock()
		s.opts.Metrics.SelectionEvaluated(s.ds.Name())
		return m, true, nil
	}

	parts := make([]*mask, len(s.operands))
	for i, o := range s.operands {
		m, ok, err := o.tileMask(ctx, t, evaluate)
		if err != nil || !ok {
			return nil, false, err
		}
		parts[i] = m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.masks[key]; ok && sameSources(m.sources, parts) {
		return m, true, nil
	}
	bits := parts[0].bits.Clone()
	for _, p := range parts[1:] {
		bits = s.op.apply(bits, p.bits)
	}
	m := &mask{bits: bits, version: versions.Add(1), sources: make([]uint64, len(parts))}
	for i, p := range parts {
		m.sources[i] = p.version
	}
	s.masks[key] = m
	return m, true, nil
}

func sameSources(sources []uint64, parts []*mask) bool {
	if len(sources) != len(parts) {
		return false
	}
	for i, p := range parts {
		if sources[i] != p.version {
			return false
		}
	}
	return true
}

// ApplyToAllLoadedTiles evaluates the selection on every ready tile. A
// failure confined to one tile is logged and leaves that tile unevaluated;
// a missing column or a cancelled context aborts. Masks computed before an
// abort remain usable.
func (s *Selection) ApplyToAllLoadedTiles(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Parallelism)
	for _, t := range s.ds.Tiles() {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, _, err := s.tileMask(gctx, t, true)
			if err == nil {
				return nil
			}
			if errors.Is(err, dataset.ErrColumnNotFound) || errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.log.WithField("tile", t.Key().String()).WithError(err).Warn("tile left out of selection")
			return nil
		})
	}
	return g.Wait()
}

// ApplyToAllTiles downloads every tile of the dataset, then evaluates the
// selection on all of them.
func (s *Selection) ApplyToAllTiles(ctx context.Context) error {
	if err := s.ds.DownloadAll(ctx); err != nil {
		return err
	}
	return s.ApplyToAllLoadedTiles(ctx)
}

// Invalidate drops every evaluated mask. Composites built on s re-derive on
// their next read.
func (s *Selection) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masks = make(map[dataset.Key]*mask)
}

// Mask returns a copy of the evaluated mask of t.
func (s *Selection) Mask(t *dataset.Tile) (*roaring.Bitmap, bool) {
	m, ok, _ := s.tileMask(context.Background(), t, false)
	if !ok {
		return nil, false
	}
	return m.bits.Clone(), true
}

// Masks returns a copy of every evaluated mask keyed by tile.
func (s *Selection) Masks() Masks {
	out := make(Masks)
	for _, t := range s.ds.Tiles() {
		if bm, ok := s.Mask(t); ok {
			out[t.Key()] = bm
		}
	}
	return out
}

// Counts are the sizes of a selection at one point in time.
type Counts struct {
	SelectionSize     uint64 `json:"selection_size"`
	EvaluationSetSize uint64 `json:"evaluation_set_size"`
	TotalSetSize      uint64 `json:"total_set_size"`
	Complete          bool   `json:"complete"`
}

// Counts returns the selected rows, the rows of evaluated tiles and the rows
// of every ready tile.
func (s *Selection) Counts() Counts {
	c := Counts{Complete: true}
	for _, t := range s.ds.Tiles() {
		n := uint64(t.NumRows())
		c.TotalSetSize += n
		m, ok, _ := s.tileMask(context.Background(), t, false)
		if !ok {
			c.Complete = false
			continue
		}
		c.EvaluationSetSize += n
		c.SelectionSize += m.bits.GetCardinality()
	}
	return c
}

// SelectionSize returns the number of selected rows among evaluated tiles.
func (s *Selection) SelectionSize() uint64 { return s.Counts().SelectionSize }

// EvaluationSetSize returns the number of rows in evaluated tiles.
func (s *Selection) EvaluationSetSize() uint64 { return s.Counts().EvaluationSetSize }

// TotalSetSize returns the number of rows in ready tiles.
func (s *Selection) TotalSetSize() uint64 { return s.Counts().TotalSetSize }

// Complete reports whether every ready tile has been evaluated.
func (s *Selection) Complete() bool { return s.Counts().Complete }

// Get returns the i-th selected row, counting across tiles in load order.
func (s *Selection) Get(ctx context.Context, i int) (dataset.Row, error) {
	if i < 0 {
		return dataset.Row{}, errors.Wrapf(ErrOutOfRange, "%d", i)
	}
	rest := uint64(i)
	for _, t := range s.ds.Tiles() {
		if err := ctx.Err(); err != nil {
			return dataset.Row{}, err
		}
		m, ok, _ := s.tileMask(ctx, t, false)
		if !ok {
			continue
		}
		n := m.bits.GetCardinality()
		if rest >= n {
			rest -= n
			continue
		}
		pos, err := m.bits.Select(uint32(rest))
		if err != nil {
			return dataset.Row{}, errors.Wrapf(err, "select %d in tile %s", rest, t.Key())
		}
		return dataset.Row{Tile: t, Record: t.Record(), Index: int(pos)}, nil
	}
	return dataset.Row{}, errors.Wrapf(ErrOutOfRange, "%d", i)
}

// Cursor returns the position Current resolves.
func (s *Selection) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Current returns the row under the cursor.
func (s *Selection) Current(ctx context.Context) (dataset.Row, error) {
	return s.Get(ctx, s.Cursor())
}

// Next advances the cursor and returns the row under it. At the end the
// cursor stays put and ErrOutOfRange is returned.
func (s *Selection) Next(ctx context.Context) (dataset.Row, error) {
	return s.move(ctx, 1)
}

// Prev moves the cursor back one row.
func (s *Selection) Prev(ctx context.Context) (dataset.Row, error) {
	return s.move(ctx, -1)
}

func (s *Selection) move(ctx context.Context, delta int) (dataset.Row, error) {
	target := s.Cursor() + delta
	row, err := s.Get(ctx, target)
	if err != nil {
		return row, err
	}
	s.mu.Lock()
	s.cursor = target
	s.mu.Unlock()
	return row, nil
}

// Reset moves the cursor to the first row.
func (s *Selection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
}

// Rows yields every selected row of evaluated tiles in load order.
func (s *Selection) Rows() iter.Seq[dataset.Row] {
	return func(yield func(dataset.Row) bool) {
		for _, t := range s.ds.Tiles() {
			m, ok, _ := s.tileMask(context.Background(), t, false)
			if !ok {
				continue
			}
			rec := t.Record()
			it := m.bits.Iterator()
			for it.HasNext() {
				if !yield(dataset.Row{Tile: t, Record: rec, Index: int(it.Next())}) {
					return
				}
			}
		}
	}
}

// Summary is a serializable description of a selection.
type Summary struct {
	Name     string   `json:"name"`
	Op       string   `json:"op,omitempty"`
	Operands []string `json:"operands,omitempty"`
	Cursor   int      `json:"cursor"`
	Counts
}

// Summary describes the selection and its current counts.
func (s *Selection) Summary() Summary {
	sum := Summary{Name: s.name, Cursor: s.Cursor(), Counts: s.Counts()}
	if s.Composite() {
		sum.Op = s.op.String()
		for _, o := range s.operands {
			sum.Operands = append(sum.Operands, o.name)
		}
	}
	return sum
}

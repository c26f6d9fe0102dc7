package selection

import (
	"context"
	"math"
	"strconv"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/errors"

	"github.com/quadscatter/server/internal/aesthetic"
	"github.com/quadscatter/server/internal/dataset"
)

// Predicate evaluates one tile into the set of its selected row positions.
type Predicate interface {
	Evaluate(ctx context.Context, t *dataset.Tile) (*roaring.Bitmap, error)
}

// TileFunc is a predicate computed by arbitrary code. The returned bitmap
// must only hold positions below the tile's row count.
type TileFunc func(ctx context.Context, t *dataset.Tile) (*roaring.Bitmap, error)

// Evaluate implements Predicate.
func (f TileFunc) Evaluate(ctx context.Context, t *dataset.Tile) (*roaring.Bitmap, error) {
	return f(ctx, t)
}

// IDs selects rows whose Field value is one of Values. Numeric columns
// compare by their shortest decimal form. Field defaults to the row index.
type IDs struct {
	Field  string
	Values []string
}

// Evaluate implements Predicate.
func (p IDs) Evaluate(ctx context.Context, t *dataset.Tile) (*roaring.Bitmap, error) {
	field := p.Field
	if field == "" {
		field = dataset.IxColumn
	}
	col, err := t.Column(ctx, field)
	if err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(p.Values))
	for _, v := range p.Values {
		want[v] = struct{}{}
	}
	bm := roaring.New()
	for i := 0; i < col.Len(); i++ {
		key, ok := dataset.StringAt(col, i)
		if !ok {
			v, ok := dataset.FloatAt(col, i)
			if !ok {
				continue
			}
			key = strconv.FormatFloat(v, 'f', -1, 64)
		}
		if _, hit := want[key]; hit {
			bm.Add(uint32(i))
		}
	}
	return bm, nil
}

// BooleanColumn selects rows where Field is true or non-zero.
type BooleanColumn struct {
	Field string
}

// Evaluate implements Predicate.
func (p BooleanColumn) Evaluate(ctx context.Context, t *dataset.Tile) (*roaring.Bitmap, error) {
	col, err := t.Column(ctx, p.Field)
	if err != nil {
		return nil, err
	}
	bm := roaring.New()
	for i := 0; i < col.Len(); i++ {
		if dataset.BoolAt(col, i) {
			bm.Add(uint32(i))
		}
	}
	return bm, nil
}

// Expression selects rows where a lambda over Field returns non-zero.
type Expression struct {
	Field  string
	Lambda *aesthetic.Lambda
}

// NewExpression compiles src for use over field.
func NewExpression(field, src string) (Expression, error) {
	if field == "" {
		return Expression{}, errors.Wrap(ErrInvalidSelection, "expression needs a field")
	}
	l, err := aesthetic.ParseLambda(src)
	if err != nil {
		return Expression{}, errors.Mark(err, ErrInvalidSelection)
	}
	return Expression{Field: field, Lambda: l}, nil
}

// Evaluate implements Predicate.
func (p Expression) Evaluate(ctx context.Context, t *dataset.Tile) (*roaring.Bitmap, error) {
	col, err := t.Column(ctx, p.Field)
	if err != nil {
		return nil, err
	}
	bm := roaring.New()
	for i := 0; i < col.Len(); i++ {
		v, ok := dataset.FloatAt(col, i)
		if !ok {
			continue
		}
		if r := p.Lambda.Eval(v); r != 0 && !math.IsNaN(r) {
			bm.Add(uint32(i))
		}
	}
	return bm, nil
}

// Masks replays stored per-tile bitmaps. Tiles without an entry select
// nothing.
type Masks map[dataset.Key]*roaring.Bitmap

// Evaluate implements Predicate.
func (m Masks) Evaluate(_ context.Context, t *dataset.Tile) (*roaring.Bitmap, error) {
	bm, ok := m[t.Key()]
	if !ok {
		return roaring.New(), nil
	}
	return bm.Clone(), nil
}

// Spec is the serializable form of a leaf selection.
type Spec struct {
	Name    string   `json:"name"`
	IDs     []string `json:"ids,omitempty"`
	IDField string   `json:"id_field,omitempty"`
	Field   string   `json:"field,omitempty"`
	Lambda  string   `json:"lambda,omitempty"`
}

// Predicate builds the predicate spec describes: ids select by membership, a
// field with a lambda selects by expression, a bare field by truth value.
func (s Spec) Predicate() (Predicate, error) {
	switch {
	case s.IDs != nil:
		return IDs{Field: s.IDField, Values: s.IDs}, nil
	case s.Field != "" && s.Lambda != "":
		return NewExpression(s.Field, s.Lambda)
	case s.Field != "":
		return BooleanColumn{Field: s.Field}, nil
	}
	return nil, errors.Wrapf(ErrInvalidSelection, "selection %q needs ids or a field", s.Name)
}

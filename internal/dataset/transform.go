package dataset

import (
	"context"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/cockroachdb/errors"
)

// TransformFunc computes a derived column for one tile. The returned array
// must have one element per row of the tile. A function must not read its
// own column through t.Column.
type TransformFunc func(ctx context.Context, t *Tile) (arrow.Array, error)

// Transformation is a named derived column together with the columns that
// must exist on a tile before Fn runs.
type Transformation struct {
	Name          string
	Prerequisites []string
	Fn            TransformFunc
}

// RegisterTransformation adds a derived column. Names shared with an existing
// transformation are rejected; names shadowing a native column are allowed
// but never computed on tiles that carry the column.
func (ds *Dataset) RegisterTransformation(name string, fn TransformFunc, prerequisites ...string) error {
	if name == "" || fn == nil {
		return errors.New("transformation needs a name and a function")
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if _, ok := ds.transformations[name]; ok {
		return errors.Wrapf(ErrDuplicateTransformation, "%q", name)
	}
	ds.transformations[name] = &Transformation{Name: name, Fn: fn, Prerequisites: prerequisites}
	ds.schema = nil
	return nil
}

// ReplaceTransformation swaps the function behind name, registering it when
// absent. Columns already derived from it, and from transformations that
// depend on it, are dropped from every tile and recomputed on next use.
func (ds *Dataset) ReplaceTransformation(name string, fn TransformFunc, prerequisites ...string) error {
	if name == "" || fn == nil {
		return errors.New("transformation needs a name and a function")
	}
	ds.mu.Lock()
	ds.transformations[name] = &Transformation{Name: name, Fn: fn, Prerequisites: prerequisites}
	ds.schema = nil
	stale := ds.dependentsLocked(name)
	tiles := make([]*Tile, 0, len(ds.tiles))
	for _, t := range ds.tiles {
		tiles = append(tiles, t)
	}
	ds.mu.Unlock()

	for _, t := range tiles {
		t.dropDerived(stale)
	}
	ds.log.WithField("transformation", name).Debug("transformation replaced")
	return nil
}

// HasTransformation reports whether name is a registered derived column.
func (ds *Dataset) HasTransformation(name string) bool {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	_, ok := ds.transformations[name]
	return ok
}

// dependentsLocked returns name plus every transformation that reaches it
// through prerequisites.
func (ds *Dataset) dependentsLocked(name string) map[string]bool {
	out := map[string]bool{name: true}
	for changed := true; changed; {
		changed = false
		for n, tr := range ds.transformations {
			if out[n] {
				continue
			}
			for _, p := range tr.Prerequisites {
				if out[p] {
					out[n] = true
					changed = true
					break
				}
			}
		}
	}
	return out
}

// transformationOrder lists the transformations needed for name with every
// prerequisite ahead of its dependents. Prerequisites that are not
// transformations are taken to be native columns.
func (ds *Dataset) transformationOrder(name string) ([]*Transformation, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	const (
		visiting = 1
		done     = 2
	)
	marks := make(map[string]int)
	var order []*Transformation
	var visit func(n string, path []string) error
	visit = func(n string, path []string) error {
		tr, ok := ds.transformations[n]
		if !ok {
			return nil
		}
		switch marks[n] {
		case done:
			return nil
		case visiting:
			return errors.Wrapf(ErrTransformationCycle, "%v -> %s", path, n)
		}
		marks[n] = visiting
		for _, p := range tr.Prerequisites {
			if err := visit(p, append(path, n)); err != nil {
				return err
			}
		}
		marks[n] = done
		order = append(order, tr)
		return nil
	}
	if _, ok := ds.transformations[name]; !ok {
		return nil, errors.Wrapf(ErrColumnNotFound, "%q", name)
	}
	if err := visit(name, nil); err != nil {
		return nil, err
	}
	return order, nil
}

// Float64Array builds a float64 column, a convenience for transformations.
func Float64Array(values []float64) arrow.Array {
	b := array.NewFloat64Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(values, nil)
	return b.NewArray()
}

// MapFloat derives a float column by applying f to every value of src.
// Nulls map to NaN before f sees them.
func MapFloat(ctx context.Context, t *Tile, src string, f func(float64) float64) (arrow.Array, error) {
	col, err := t.Column(ctx, src)
	if err != nil {
		return nil, err
	}
	out := make([]float64, col.Len())
	for i := range out {
		v, _ := FloatAt(col, i)
		out[i] = f(v)
	}
	return Float64Array(out), nil
}

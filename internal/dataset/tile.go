package dataset

import (
	"context"
	"iter"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"
)

// State is the download state of a tile.
type State int

const (
	StateUnloaded State = iota
	StateDownloading
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateDownloading:
		return "downloading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	}
	return "unknown"
}

// IxColumn is the column holding each row's dataset-wide index.
const IxColumn = "ix"

// Tile is one node of a dataset's tile tree. Tiles are created by their
// dataset and never freed while it lives.
type Tile struct {
	ds        *Dataset
	key       Key
	parent    Key
	hasParent bool
	id        int

	// Lock order: Tile.mu before Dataset.mu.
	mu        sync.RWMutex
	state     State
	err       error
	rec       arrow.Record
	extent    Rect
	childKeys []Key
	minIx     int64
	maxIx     int64
	derived   map[string]bool
	done      chan struct{}

	computing singleflight.Group
}

func newTile(ds *Dataset, key Key, parent *Key, id int) *Tile {
	t := &Tile{
		ds:      ds,
		key:     key,
		id:      id,
		derived: make(map[string]bool),
		done:    make(chan struct{}),
		minIx:   -1,
		maxIx:   -1,
	}
	if parent != nil {
		t.parent = *parent
		t.hasParent = true
	}
	return t
}

// Key returns the tile's address.
func (t *Tile) Key() Key { return t.key }

// NumericID returns an id unique within the dataset.
func (t *Tile) NumericID() int { return t.id }

// Dataset returns the owning dataset.
func (t *Tile) Dataset() *Dataset { return t.ds }

// State returns the current download state.
func (t *Tile) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Ready reports whether the tile's record is available.
func (t *Tile) Ready() bool { return t.State() == StateReady }

// Err returns the download error of a tile in StateError.
func (t *Tile) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Parent returns the parent tile, or nil for the root.
func (t *Tile) Parent() *Tile {
	if !t.hasParent {
		return nil
	}
	return t.ds.Tile(t.parent)
}

// Children returns the child tiles. They exist only once the tile is ready.
func (t *Tile) Children() []*Tile {
	t.mu.RLock()
	keys := slices.Clone(t.childKeys)
	t.mu.RUnlock()

	out := make([]*Tile, 0, len(keys))
	for _, k := range keys {
		if c := t.ds.Tile(k); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Depth returns the tree depth; the root is 0.
func (t *Tile) Depth() int { return t.key.Z }

// Extent returns the data-space bounds of the tile. Before the tile is ready
// this is an estimate derived from its position in the tree.
func (t *Tile) Extent() Rect {
	t.mu.RLock()
	if t.state == StateReady && !t.extent.IsEmpty() {
		r := t.extent
		t.mu.RUnlock()
		return r
	}
	t.mu.RUnlock()
	return t.ds.estimateExtent(t)
}

// MinIx and MaxIx bound the row indices stored in the tile; both are -1
// before the tile is ready.
func (t *Tile) MinIx() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.minIx
}

func (t *Tile) MaxIx() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxIx
}

// NumRows returns the row count, zero before the tile is ready.
func (t *Tile) NumRows() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rec == nil {
		return 0
	}
	return int(t.rec.NumRows())
}

// Record returns a snapshot of the tile's record. Columns derived later are
// not visible through it.
func (t *Tile) Record() arrow.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rec
}

// Download fetches the tile if nobody has yet and waits until it is ready
// or failed. The fetch itself runs to completion even if ctx ends first.
func (t *Tile) Download(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateUnloaded {
		t.state = StateDownloading
		go t.fetch(context.WithoutCancel(ctx))
	}
	done := t.done
	t.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return t.Err()
}

func (t *Tile) fetch(ctx context.Context) {
	ds := t.ds
	finished := ds.metrics.DownloadStarted(ds.name)
	defer finished()

	log := ds.log.WithField("tile", t.key.String())
	payload, err := ds.fetcher.Fetch(ctx, t.key)
	var rec arrow.Record
	if err == nil {
		rec, err = ds.withIx(payload.Record)
	}

	t.mu.Lock()
	if err != nil {
		t.state = StateError
		t.err = errors.Mark(errors.Wrapf(err, "tile %s of %s", t.key, ds.name), ErrTileDownload)
	} else {
		t.rec = rec
		t.childKeys = payload.Children
		if payload.Extent != nil {
			t.extent = *payload.Extent
		} else {
			t.extent = pointExtent(rec)
		}
		t.minIx, t.maxIx = ixBounds(rec)
		t.state = StateReady
		// Children must exist before any waiter wakes up.
		ds.tileReady(t, t.childKeys, t.maxIx, t.extent)
	}
	close(t.done)
	t.mu.Unlock()

	ds.metrics.TileDownloaded(ds.name, err)
	if err != nil {
		log.WithError(err).Warn("tile download failed")
		return
	}
	log.WithField("rows", rec.NumRows()).WithField("size", humanize.Bytes(uint64(payload.Bytes))).Debug("tile ready")
}

// HasColumn reports whether the tile's record already carries name.
func (t *Tile) HasColumn(name string) bool {
	return t.column(name) != nil
}

func (t *Tile) column(name string) arrow.Array {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rec == nil {
		return nil
	}
	idx := t.rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil
	}
	return t.rec.Column(idx[0])
}

// Column returns a native column or computes a registered transformation.
// The tile is downloaded first if needed.
func (t *Tile) Column(ctx context.Context, name string) (arrow.Array, error) {
	if err := t.Download(ctx); err != nil {
		return nil, err
	}
	if col := t.column(name); col != nil {
		return col, nil
	}
	if !t.ds.HasTransformation(name) {
		return nil, errors.Wrapf(ErrColumnNotFound, "%q in tile %s", name, t.key)
	}
	if err := t.ApplyTransformation(ctx, name); err != nil {
		return nil, err
	}
	if col := t.column(name); col != nil {
		return col, nil
	}
	return nil, errors.Wrapf(ErrColumnNotFound, "%q in tile %s", name, t.key)
}

// ApplyTransformation materializes name and its prerequisites on the tile.
// Each transformation runs at most once per tile; concurrent callers share
// one computation and its error.
func (t *Tile) ApplyTransformation(ctx context.Context, name string) error {
	order, err := t.ds.transformationOrder(name)
	if err != nil {
		return err
	}
	if err := t.Download(ctx); err != nil {
		return err
	}
	for _, tr := range order {
		if err := t.applyOne(ctx, tr); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tile) applyOne(ctx context.Context, tr *Transformation) error {
	if t.HasColumn(tr.Name) {
		return nil
	}
	// The shared computation outlives any single caller's context.
	computeCtx := context.WithoutCancel(ctx)
	ch := t.computing.DoChan(tr.Name, func() (interface{}, error) {
		if t.HasColumn(tr.Name) {
			return nil, nil
		}
		arr, err := tr.Fn(computeCtx, t)
		if err == nil && arr == nil {
			err = errors.New("transformation returned no column")
		}
		if err == nil {
			err = t.appendColumn(tr.Name, arr)
		}
		t.ds.metrics.TransformationComputed(t.ds.name, tr.Name, err)
		if err != nil {
			t.ds.log.WithField("tile", t.key.String()).WithField("transformation", tr.Name).
				WithError(err).Warn("transformation failed")
			return nil, errors.Mark(errors.Wrapf(err, "computing %q on tile %s", tr.Name, t.key), ErrTransformationCompute)
		}
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tile) appendColumn(name string, arr arrow.Array) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rec == nil {
		return ErrTileNotReady
	}
	if int64(arr.Len()) != t.rec.NumRows() {
		return errors.Newf("column %q has %d values for %d rows", name, arr.Len(), t.rec.NumRows())
	}
	schema := t.rec.Schema()
	fields := append(slices.Clone(schema.Fields()), arrow.Field{Name: name, Type: arr.DataType(), Nullable: true})
	md := schema.Metadata()
	cols := append(slices.Clone(t.rec.Columns()), arr)
	t.rec = array.NewRecord(arrow.NewSchema(fields, &md), cols, t.rec.NumRows())
	t.derived[name] = true
	return nil
}

func (t *Tile) dropDerived(names map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rec == nil {
		return
	}
	schema := t.rec.Schema()
	var (
		fields  []arrow.Field
		cols    []arrow.Array
		dropped bool
	)
	for i, f := range schema.Fields() {
		if names[f.Name] && t.derived[f.Name] {
			delete(t.derived, f.Name)
			dropped = true
			continue
		}
		fields = append(fields, f)
		cols = append(cols, t.rec.Column(i))
	}
	if !dropped {
		return
	}
	md := schema.Metadata()
	t.rec = array.NewRecord(arrow.NewSchema(fields, &md), cols, t.rec.NumRows())
}

// Points yields the tile's rows, optionally restricted to bbox and ordered
// by ix. The sequence reads a snapshot and may be ranged over repeatedly.
func (t *Tile) Points(bbox *Rect, sorted bool) iter.Seq[Row] {
	return func(yield func(Row) bool) {
		rec := t.Record()
		if rec == nil {
			return
		}
		xs, ys := lookup(rec, "x"), lookup(rec, "y")
		n := int(rec.NumRows())
		order := rowOrder(rec, n, sorted)
		for k := 0; k < n; k++ {
			i := k
			if order != nil {
				i = order[k]
			}
			if bbox != nil {
				if xs == nil || ys == nil {
					return
				}
				x, _ := FloatAt(xs, i)
				y, _ := FloatAt(ys, i)
				if !bbox.Contains(x, y) {
					continue
				}
			}
			if !yield(Row{Tile: t, Record: rec, Index: i}) {
				return
			}
		}
	}
}

func rowOrder(rec arrow.Record, n int, sorted bool) []int {
	if !sorted {
		return nil
	}
	ix := lookup(rec, IxColumn)
	if ix == nil {
		return nil
	}
	ixAt := func(i int) float64 {
		v, _ := FloatAt(ix, i)
		return v
	}
	inOrder := true
	for i := 1; i < n; i++ {
		if ixAt(i) < ixAt(i-1) {
			inOrder = false
			break
		}
	}
	if inOrder {
		return nil
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return ixAt(order[a]) < ixAt(order[b]) })
	return order
}

func lookup(rec arrow.Record, name string) arrow.Array {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil
	}
	return rec.Column(idx[0])
}

func pointExtent(rec arrow.Record) Rect {
	r := EmptyRect()
	xs, ys := lookup(rec, "x"), lookup(rec, "y")
	if xs == nil || ys == nil {
		return r
	}
	for i := 0; i < int(rec.NumRows()); i++ {
		x, okx := FloatAt(xs, i)
		y, oky := FloatAt(ys, i)
		if okx && oky && !math.IsNaN(x) && !math.IsNaN(y) {
			r.Extend(x, y)
		}
	}
	return r
}

func ixBounds(rec arrow.Record) (int64, int64) {
	ix := lookup(rec, IxColumn)
	if ix == nil || ix.Len() == 0 {
		return -1, -1
	}
	ext, ok := numericExtent(ix)
	if !ok {
		return -1, -1
	}
	return int64(ext[0]), int64(ext[1])
}

// Row is one record of a tile snapshot.
type Row struct {
	Tile   *Tile
	Record arrow.Record
	Index  int
}

// Float returns the named column's value as a float.
func (r Row) Float(name string) (float64, bool) {
	col := lookup(r.Record, name)
	if col == nil {
		return math.NaN(), false
	}
	return FloatAt(col, r.Index)
}

// String returns the named column's value as a label.
func (r Row) String(name string) (string, bool) {
	col := lookup(r.Record, name)
	if col == nil {
		return "", false
	}
	return StringAt(col, r.Index)
}

// Ix returns the row's dataset-wide index, or -1.
func (r Row) Ix() int64 {
	v, ok := r.Float(IxColumn)
	if !ok {
		return -1
	}
	return int64(v)
}

// X and Y return the position columns.
func (r Row) X() float64 {
	v, _ := r.Float("x")
	return v
}

func (r Row) Y() float64 {
	v, _ := r.Float("y")
	return v
}

// Map returns every column of the row keyed by name; numeric columns as
// float64, labels as string.
func (r Row) Map() map[string]interface{} {
	out := make(map[string]interface{}, r.Record.NumCols())
	for i, f := range r.Record.Schema().Fields() {
		col := r.Record.Column(i)
		if s, ok := StringAt(col, r.Index); ok {
			out[f.Name] = s
			continue
		}
		if v, ok := FloatAt(col, r.Index); ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
			out[f.Name] = v
			continue
		}
		out[f.Name] = nil
	}
	return out
}

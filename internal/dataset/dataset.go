// Package dataset implements lazily loaded trees of columnar tiles with
// derived columns computed per tile on demand.
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
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/quadscatter/server/internal/metrics"
)

// Options configures a Dataset.
type Options struct {
	Fetcher Fetcher
	// Spatial marks trees whose children subdivide the parent's extent as a
	// quadtree. Unloaded tiles of other trees inherit the parent's extent.
	Spatial bool
	// Extent is the root extent when known ahead of the first download.
	Extent   *Rect
	Download DownloaderConfig
	Logger   *logrus.Entry
	Metrics  *metrics.Collectors
}

// Dataset owns a tile tree and the transformations defined over it.
type Dataset struct {
	name        string
	fetcher     Fetcher
	spatial     bool
	parallelism int
	log         *logrus.Entry
	metrics     *metrics.Collectors
	downloader  *Downloader
	root        *Tile

	mu              sync.RWMutex
	tiles           map[Key]*Tile
	loadOrder       []*Tile
	nextID          int
	ixSeed          int64
	highestKnownIx  int64
	rootExtent      *Rect
	transformations map[string]*Transformation
	schema          Schema
}

// New creates a dataset whose tiles come from opts.Fetcher. Only the root
// tile exists until downloads reveal the rest of the tree.
func New(name string, opts Options) (*Dataset, error) {
	if opts.Fetcher == nil {
		return nil, errors.Newf("dataset %q has no fetcher", name)
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "dataset").WithField("dataset", name)

	ds := &Dataset{
		name:            name,
		fetcher:         opts.Fetcher,
		spatial:         opts.Spatial,
		parallelism:     opts.Download.MaxConcurrent,
		log:             log,
		metrics:         opts.Metrics,
		tiles:           make(map[Key]*Tile),
		highestKnownIx:  -1,
		transformations: make(map[string]*Transformation),
	}
	if ds.parallelism <= 0 {
		ds.parallelism = 4
	}
	if opts.Extent != nil {
		e := *opts.Extent
		ds.rootExtent = &e
	}
	ds.root = newTile(ds, RootKey, nil, 0)
	ds.tiles[RootKey] = ds.root
	ds.nextID = 1
	ds.downloader = NewDownloader(opts.Download, log)
	ds.downloader.Start()
	return ds, nil
}

// Name returns the dataset name.
func (ds *Dataset) Name() string { return ds.name }

// Root returns the root tile.
func (ds *Dataset) Root() *Tile { return ds.root }

// Tile returns the tile at key, or nil when the tree has not revealed it.
func (ds *Dataset) Tile(key Key) *Tile {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.tiles[key]
}

// Tiles returns the ready tiles in the order they became ready.
func (ds *Dataset) Tiles() []*Tile {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return slices.Clone(ds.loadOrder)
}

// NumTiles returns the number of known tiles, loaded or not.
func (ds *Dataset) NumTiles() int {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return len(ds.tiles)
}

// HighestKnownIx returns the largest row index seen in any ready tile, or
// -1. It never decreases.
func (ds *Dataset) HighestKnownIx() int64 {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.highestKnownIx
}

// Close stops background downloads.
func (ds *Dataset) Close() {
	ds.downloader.Stop()
}

// Schema lists native columns of the root tile followed by registered
// transformations. It waits for the root download.
func (ds *Dataset) Schema(ctx context.Context) (Schema, error) {
	if err := ds.root.Download(ctx); err != nil {
		return nil, err
	}
	ds.mu.RLock()
	if ds.schema != nil {
		s := slices.Clone(ds.schema)
		ds.mu.RUnlock()
		return s, nil
	}
	ds.mu.RUnlock()

	rec := ds.root.Record()
	var out Schema
	for i, f := range rec.Schema().Fields() {
		if ds.root.isDerived(f.Name) {
			continue
		}
		info := ColumnInfo{Name: f.Name, Type: columnTypeOf(f.Type)}
		if info.Type == ColumnDictionary {
			info.Dictionary = DictionaryValues(rec.Column(i))
		}
		out = append(out, info)
	}

	ds.mu.Lock()
	names := make([]string, 0, len(ds.transformations))
	for n := range ds.transformations {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if _, native := out.Field(n); native {
			continue
		}
		info := ColumnInfo{Name: n, Type: ColumnFloat, Derived: true}
		out = append(out, info)
	}
	ds.schema = out
	ds.mu.Unlock()
	return slices.Clone(out), nil
}

// HasColumn reports whether name is a native column of the root or a
// registered transformation. Native columns are unknown until the root is
// ready.
func (ds *Dataset) HasColumn(name string) bool {
	if ds.HasTransformation(name) {
		return true
	}
	return ds.root.HasColumn(name)
}

// ColumnInfo describes a column, computing a transformation on the root if
// needed. The extent covers every ready tile that carries the column.
func (ds *Dataset) ColumnInfo(ctx context.Context, name string) (ColumnInfo, error) {
	col, err := ds.root.Column(ctx, name)
	if err != nil {
		return ColumnInfo{}, err
	}
	info := ColumnInfo{
		Name:    name,
		Type:    columnTypeOf(col.DataType()),
		Derived: ds.root.isDerived(name),
	}
	if info.Type == ColumnDictionary {
		info.Dictionary = DictionaryValues(col)
	}
	if !info.Numeric() {
		return info, nil
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, t := range ds.Tiles() {
		c := t.column(name)
		if c == nil {
			continue
		}
		if ext, ok := numericExtent(c); ok {
			lo = math.Min(lo, ext[0])
			hi = math.Max(hi, ext[1])
		}
	}
	if lo <= hi {
		info.Extent = [2]float64{lo, hi}
	}
	return info, nil
}

// Extent returns the bounds of the whole dataset, waiting for the root.
func (ds *Dataset) Extent(ctx context.Context) (Rect, error) {
	ds.mu.RLock()
	if ds.rootExtent != nil {
		r := *ds.rootExtent
		ds.mu.RUnlock()
		return r, nil
	}
	ds.mu.RUnlock()
	if err := ds.root.Download(ctx); err != nil {
		return Rect{}, err
	}
	return ds.root.Extent(), nil
}

// VisitReady walks ready tiles breadth-first from the root. Returning false
// from fn skips the tile's subtree.
func (ds *Dataset) VisitReady(fn func(*Tile) bool) {
	queue := []*Tile{ds.root}
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		if !t.Ready() {
			continue
		}
		if !fn(t) {
			continue
		}
		queue = append(queue, t.Children()...)
	}
}

// DownloadToDepth downloads every tile down to depth, level by level.
// Failed tiles are skipped together with their subtrees.
func (ds *Dataset) DownloadToDepth(ctx context.Context, depth int) error {
	level := []*Tile{ds.root}
	for d := 0; d <= depth && len(level) > 0; d++ {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(ds.parallelism)
		for _, t := range level {
			g.Go(func() error {
				if err := t.Download(gctx); err != nil && !errors.Is(err, ErrTileDownload) {
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		var next []*Tile
		for _, t := range level {
			if t.Ready() {
				next = append(next, t.Children()...)
			}
		}
		level = next
	}
	return nil
}

// DownloadAll downloads the whole tree.
func (ds *Dataset) DownloadAll(ctx context.Context) error {
	return ds.DownloadToDepth(ctx, math.MaxInt32)
}

// Points yields rows of ready tiles, breadth-first, inside bbox when given.
func (ds *Dataset) Points(bbox *Rect) iter.Seq[Row] {
	return func(yield func(Row) bool) {
		var tiles []*Tile
		ds.VisitReady(func(t *Tile) bool {
			if bbox != nil && !t.Extent().Intersects(*bbox) {
				return false
			}
			tiles = append(tiles, t)
			return true
		})
		for _, t := range tiles {
			for row := range t.Points(bbox, false) {
				if !yield(row) {
					return
				}
			}
		}
	}
}

// FindRow returns the row with the given ix among ready tiles.
func (ds *Dataset) FindRow(ix int64) (Row, bool) {
	for _, t := range ds.Tiles() {
		if ix < t.MinIx() || ix > t.MaxIx() {
			continue
		}
		rec := t.Record()
		col := lookup(rec, IxColumn)
		if col == nil {
			continue
		}
		for i := 0; i < col.Len(); i++ {
			if v, ok := FloatAt(col, i); ok && int64(v) == ix {
				return Row{Tile: t, Record: rec, Index: i}, true
			}
		}
	}
	return Row{}, false
}

// withIx appends an ix column numbered from the dataset seed when rec has
// none.
func (ds *Dataset) withIx(rec arrow.Record) (arrow.Record, error) {
	if rec == nil {
		return nil, errors.New("payload carries no record")
	}
	if lookup(rec, IxColumn) != nil {
		return rec, nil
	}
	n := rec.NumRows()
	ds.mu.Lock()
	start := ds.ixSeed
	ds.ixSeed += n
	ds.mu.Unlock()

	b := array.NewInt64Builder(memory.DefaultAllocator)
	defer b.Release()
	b.Reserve(int(n))
	for i := int64(0); i < n; i++ {
		b.UnsafeAppend(start + i)
	}
	schema := rec.Schema()
	fields := append(slices.Clone(schema.Fields()), arrow.Field{Name: IxColumn, Type: arrow.PrimitiveTypes.Int64})
	md := schema.Metadata()
	cols := append(slices.Clone(rec.Columns()), b.NewArray())
	return array.NewRecord(arrow.NewSchema(fields, &md), cols, n), nil
}

// tileReady registers a tile that just became ready. The caller holds t.mu.
func (ds *Dataset) tileReady(t *Tile, children []Key, maxIx int64, extent Rect) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.loadOrder = append(ds.loadOrder, t)
	if maxIx > ds.highestKnownIx {
		ds.highestKnownIx = maxIx
	}
	if t.key == RootKey && ds.rootExtent == nil && !extent.IsEmpty() {
		ds.rootExtent = &extent
	}
	for _, k := range children {
		if _, ok := ds.tiles[k]; ok {
			continue
		}
		ds.tiles[k] = newTile(ds, k, &t.key, ds.nextID)
		ds.nextID++
	}
}

func (ds *Dataset) estimateExtent(t *Tile) Rect {
	ds.mu.RLock()
	root := ds.rootExtent
	spatial := ds.spatial
	ds.mu.RUnlock()
	if spatial && root != nil {
		return t.key.Extent(*root)
	}
	if p := t.Parent(); p != nil {
		return p.Extent()
	}
	if root != nil {
		return *root
	}
	return EmptyRect()
}

func (t *Tile) isDerived(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.derived[name]
}

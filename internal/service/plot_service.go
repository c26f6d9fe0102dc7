// Package service ties a dataset to its aesthetic set and selections.
package service

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/quadscatter/server/internal/aesthetic"
	"github.com/quadscatter/server/internal/dataset"
	"github.com/quadscatter/server/internal/metrics"
	"github.com/quadscatter/server/internal/render"
	"github.com/quadscatter/server/internal/selection"
	"github.com/quadscatter/server/internal/texture"
	"github.com/quadscatter/server/pkg/colormap"
)

var (
	// ErrSelectionNotFound marks a request for a selection name that is not
	// registered.
	ErrSelectionNotFound = errors.New("selection not found")

	// ErrSelectionExists marks a create under a name already in use.
	ErrSelectionExists = errors.New("selection already exists")
)

// Resolver finds another served dataset by id, for lookup tables.
type Resolver func(id string) (*dataset.Dataset, bool)

// PlotServiceConfig contains plot service configuration.
type PlotServiceConfig struct {
	ID       string
	Dataset  *dataset.Dataset
	Textures aesthetic.TextureCache
	Palettes *colormap.Registry
	// DefaultPalette colors color channels before any encoding names one.
	DefaultPalette string
	Renderer       *render.Renderer
	Tables         Resolver
	// TileDir is set for datasets read from a quadtile directory; tiles
	// are then served as files.
	TileDir     string
	TileExt     string
	Parallelism int
	Metrics     *metrics.Collectors
	Logger      *logrus.Entry
}

// PlotService owns one dataset's plot state: the aesthetic set and the
// named selections over its tiles.
type PlotService struct {
	id       string
	ds       *dataset.Dataset
	aes      *aesthetic.Set
	renderer *render.Renderer
	tables   Resolver
	tileDir  string
	tileExt  string
	selOpts  selection.Options
	log      *logrus.Entry

	// update admits one plot update at a time.
	update sync.Mutex

	mu         sync.RWMutex
	selections map[string]*selection.Selection
	order      []string
}

// NewPlotService creates the service with every channel at its default.
func NewPlotService(cfg PlotServiceConfig) (*PlotService, error) {
	if cfg.Dataset == nil {
		return nil, errors.New("plot service needs a dataset")
	}
	id := cfg.ID
	if id == "" {
		id = cfg.Dataset.Name()
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("dataset", id)
	renderer := cfg.Renderer
	if renderer == nil {
		renderer = render.NewRenderer(render.Config{})
	}

	s := &PlotService{
		id:         id,
		ds:         cfg.Dataset,
		renderer:   renderer,
		tables:     cfg.Tables,
		tileDir:    cfg.TileDir,
		tileExt:    cfg.TileExt,
		log:        log,
		selections: make(map[string]*selection.Selection),
		selOpts: selection.Options{
			Parallelism: cfg.Parallelism,
			Logger:      log,
			Metrics:     cfg.Metrics,
		},
	}
	set, err := aesthetic.NewSet(aesthetic.Options{
		Source:         cfg.Dataset,
		Lookups:        s,
		Cache:          cfg.Textures,
		Palettes:       cfg.Palettes,
		DefaultPalette: cfg.DefaultPalette,
		Metrics:        cfg.Metrics,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}
	s.aes = set
	return s, nil
}

// ID returns the dataset id the service is registered under.
func (s *PlotService) ID() string { return s.id }

// Dataset returns the underlying dataset.
func (s *PlotService) Dataset() *dataset.Dataset { return s.ds }

// Aesthetics returns the aesthetic set.
func (s *PlotService) Aesthetics() *aesthetic.Set { return s.aes }

// Init downloads the root tile and binds x and y to the columns of the same
// name when the dataset has them.
func (s *PlotService) Init(ctx context.Context) error {
	if err := s.ds.Root().Download(ctx); err != nil {
		return err
	}
	enc := aesthetic.Encoding{}
	for _, k := range []aesthetic.ChannelKind{aesthetic.X, aesthetic.Y} {
		if s.ds.HasColumn(string(k)) {
			enc[string(k)] = &aesthetic.ChannelSpec{Field: string(k)}
		}
	}
	if len(enc) == 0 {
		return nil
	}
	_, err := s.UpdateEncoding(ctx, enc)
	return err
}

// Schema returns the dataset's columns with their extents over ready tiles.
func (s *PlotService) Schema(ctx context.Context) (dataset.Schema, error) {
	return s.ds.Schema(ctx)
}

// EncodingState describes the plot after an update.
type EncodingState struct {
	Channels              map[string]ChannelState     `json:"channels"`
	Positions             map[string]texture.Position `json:"positions"`
	PositionInterpolation bool                        `json:"position_interpolation"`
}

// ChannelState is the current and last aesthetic of one channel.
type ChannelState struct {
	Current           aesthetic.Summary `json:"current"`
	Last              aesthetic.Summary `json:"last"`
	Encoding          string            `json:"encoding,omitempty"`
	NeedsTransitions  bool              `json:"needs_transitions"`
	UsesLookupTexture bool              `json:"uses_lookup_texture"`
}

// UpdateEncoding applies enc to the aesthetic set and rewrites the texture
// atlas. Updates are serialized. A non-nil state is returned whenever the
// set changed, even when some channels failed.
func (s *PlotService) UpdateEncoding(ctx context.Context, enc aesthetic.Encoding) (*EncodingState, error) {
	s.update.Lock()
	defer s.update.Unlock()

	err := s.aes.ApplyEncoding(ctx, enc)
	if err != nil && errors.Is(err, aesthetic.ErrUnknownChannel) {
		return nil, err
	}
	if err != nil {
		s.log.WithError(err).Warn("encoding applied with channel errors")
	}
	state := s.EncodingState()
	return &state, err
}

// EncodingState reports the current state of every channel.
func (s *PlotService) EncodingState() EncodingState {
	out := EncodingState{
		Channels:              make(map[string]ChannelState, len(aesthetic.Channels)),
		Positions:             s.aes.Positions(),
		PositionInterpolation: s.aes.PositionInterpolation(),
	}
	for _, k := range aesthetic.Channels {
		ch := s.aes.Channel(k)
		out.Channels[string(k)] = ChannelState{
			Current:           ch.Current().Summary(),
			Last:              ch.Last().Summary(),
			Encoding:          ch.Encoding(),
			NeedsTransitions:  ch.NeedsTransitions(),
			UsesLookupTexture: ch.Current().UsesLookupTexture(),
		}
	}
	return out
}

// Texture returns the encoded texture of channel, from the last aesthetic
// when last is set.
func (s *PlotService) Texture(channel string, last bool) ([]byte, error) {
	a, err := s.channelAesthetic(channel, last)
	if err != nil {
		return nil, err
	}
	return a.Texture(), nil
}

// TextureStrip renders the texture of channel as a PNG strip.
func (s *PlotService) TextureStrip(channel string, last bool) ([]byte, error) {
	a, err := s.channelAesthetic(channel, last)
	if err != nil {
		return nil, err
	}
	if a.Kind().IsColor() {
		return s.renderer.ColorStrip(a.Texture())
	}
	return s.renderer.NumericStrip(a.Texture())
}

func (s *PlotService) channelAesthetic(channel string, last bool) (*aesthetic.Aesthetic, error) {
	kind, ok := aesthetic.ParseChannel(channel)
	if !ok {
		return nil, errors.Wrapf(aesthetic.ErrUnknownChannel, "%q", channel)
	}
	ch := s.aes.Channel(kind)
	if last {
		return ch.Last(), nil
	}
	return ch.Current(), nil
}

// Preview renders the ready points inside bbox. When selectionName is set,
// only rows of that selection are drawn.
func (s *PlotService) Preview(ctx context.Context, bbox *dataset.Rect, selectionName string) ([]byte, error) {
	req := render.PreviewRequest{Dataset: s.ds, Aesthetics: s.aes, BBox: bbox}
	if selectionName != "" {
		sel, err := s.Selection(selectionName)
		if err != nil {
			return nil, err
		}
		if err := sel.ApplyToAllLoadedTiles(ctx); err != nil {
			return nil, err
		}
		masks := sel.Masks()
		req.Keep = func(row dataset.Row) bool {
			bm, ok := masks[row.Tile.Key()]
			return ok && bm.Contains(uint32(row.Index))
		}
	}
	return s.renderer.Preview(ctx, req)
}

// DownloadResult reports the tiles queued by Download.
type DownloadResult struct {
	Queued  []string `json:"queued"`
	Pending int      `json:"pending"`
	Loaded  int      `json:"loaded"`
}

// Download queues the tiles most needed to fill bbox up to maxIx.
func (s *PlotService) Download(ctx context.Context, bbox dataset.Rect, maxIx int64, queueLength int) DownloadResult {
	tiles := s.ds.DownloadMostNeededTiles(ctx, bbox, maxIx, queueLength)
	res := DownloadResult{
		Queued:  make([]string, len(tiles)),
		Pending: s.ds.PendingDownloads(),
		Loaded:  s.ds.NumTiles(),
	}
	for i, t := range tiles {
		res.Queued[i] = t.Key().String()
	}
	return res
}

// DownloadAll downloads the whole tree, then brings every selection up to
// date with the new tiles.
func (s *PlotService) DownloadAll(ctx context.Context) error {
	if err := s.ds.DownloadAll(ctx); err != nil {
		return err
	}
	return s.RefreshSelections(ctx)
}

// TilePath returns the file backing key for directory-backed datasets.
func (s *PlotService) TilePath(key dataset.Key) (string, bool) {
	if s.tileDir == "" {
		return "", false
	}
	f := &dataset.DirFetcher{Dir: s.tileDir, Ext: s.tileExt}
	return f.Path(key), true
}

// CreateSelection registers a leaf selection and evaluates it on the
// loaded tiles.
func (s *PlotService) CreateSelection(ctx context.Context, spec selection.Spec) (*selection.Selection, error) {
	sel, err := selection.FromSpec(s.ds, spec, s.selOpts)
	if err != nil {
		return nil, err
	}
	return s.register(ctx, sel)
}

// Combine registers name as op over two registered selections.
func (s *PlotService) Combine(ctx context.Context, name string, op selection.Op, a, b string) (*selection.Selection, error) {
	left, err := s.Selection(a)
	if err != nil {
		return nil, err
	}
	right, err := s.Selection(b)
	if err != nil {
		return nil, err
	}
	sel, err := left.Combine(right, op, name)
	if err != nil {
		return nil, err
	}
	return s.register(ctx, sel)
}

// Union registers name as the OR of names, or their AND when all is set.
func (s *PlotService) Union(ctx context.Context, name string, all bool, names ...string) (*selection.Selection, error) {
	sels := make([]*selection.Selection, 0, len(names))
	for _, n := range names {
		sel, err := s.Selection(n)
		if err != nil {
			return nil, err
		}
		sels = append(sels, sel)
	}
	combine := selection.Any
	if all {
		combine = selection.All
	}
	sel, err := combine(name, sels...)
	if err != nil {
		return nil, err
	}
	return s.register(ctx, sel)
}

// Adopt registers a selection built elsewhere, such as a restored snapshot.
func (s *PlotService) Adopt(ctx context.Context, sel *selection.Selection) (*selection.Selection, error) {
	if sel.Dataset() != s.ds {
		return nil, errors.Wrapf(selection.ErrInvalidSelection, "selection %q belongs to another dataset", sel.Name())
	}
	return s.register(ctx, sel)
}

func (s *PlotService) register(ctx context.Context, sel *selection.Selection) (*selection.Selection, error) {
	if sel.Name() == "" {
		return nil, errors.Wrap(selection.ErrInvalidSelection, "selection needs a name")
	}
	s.mu.Lock()
	if _, ok := s.selections[sel.Name()]; ok {
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrSelectionExists, "%q", sel.Name())
	}
	s.selections[sel.Name()] = sel
	s.order = append(s.order, sel.Name())
	s.mu.Unlock()

	if err := sel.ApplyToAllLoadedTiles(ctx); err != nil {
		s.log.WithError(err).WithField("selection", sel.Name()).Warn("selection evaluation incomplete")
	}
	return sel, nil
}

// SelectionOptions returns the options selections of this service are
// built with.
func (s *PlotService) SelectionOptions() selection.Options { return s.selOpts }

// Selection returns the selection registered under name.
func (s *PlotService) Selection(name string) (*selection.Selection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sel, ok := s.selections[name]
	if !ok {
		return nil, errors.Wrapf(ErrSelectionNotFound, "%q", name)
	}
	return sel, nil
}

// Selections describes every registered selection in creation order.
func (s *PlotService) Selections() []selection.Summary {
	s.mu.RLock()
	sels := make([]*selection.Selection, 0, len(s.order))
	for _, name := range s.order {
		sels = append(sels, s.selections[name])
	}
	s.mu.RUnlock()

	out := make([]selection.Summary, len(sels))
	for i, sel := range sels {
		out[i] = sel.Summary()
	}
	return out
}

// DeleteSelection unregisters name. Composites built from it keep their
// own reference and stay usable.
func (s *PlotService) DeleteSelection(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.selections[name]; !ok {
		return errors.Wrapf(ErrSelectionNotFound, "%q", name)
	}
	delete(s.selections, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// EvaluateSelection brings name up to date with every tile, downloading
// the rest of the tree first when all is set.
func (s *PlotService) EvaluateSelection(ctx context.Context, name string, all bool) (*selection.Selection, error) {
	sel, err := s.Selection(name)
	if err != nil {
		return nil, err
	}
	if all {
		err = sel.ApplyToAllTiles(ctx)
	} else {
		err = sel.ApplyToAllLoadedTiles(ctx)
	}
	return sel, err
}

// RefreshSelections evaluates every selection on tiles loaded since its
// last evaluation.
func (s *PlotService) RefreshSelections(ctx context.Context) error {
	s.mu.RLock()
	sels := make([]*selection.Selection, 0, len(s.selections))
	for _, sel := range s.selections {
		sels = append(sels, sel)
	}
	s.mu.RUnlock()
	for _, sel := range sels {
		if err := sel.ApplyToAllLoadedTiles(ctx); err != nil {
			return err
		}
	}
	return nil
}

// LookupTable reads the dataset registered as table and maps each label of
// its key column to the value column. Only ready tiles contribute.
func (s *PlotService) LookupTable(ctx context.Context, table, key, value string) (map[string]float64, error) {
	if s.tables == nil {
		return nil, errors.Wrapf(dataset.ErrColumnNotFound, "lookup table %q", table)
	}
	ds, ok := s.tables(table)
	if !ok {
		return nil, errors.Wrapf(dataset.ErrColumnNotFound, "lookup table %q", table)
	}
	if err := ds.DownloadAll(ctx); err != nil {
		return nil, err
	}
	for _, col := range []string{key, value} {
		if _, err := ds.ColumnInfo(ctx, col); err != nil {
			return nil, errors.Wrapf(err, "lookup table %q", table)
		}
	}
	out := make(map[string]float64)
	for row := range ds.Points(nil) {
		label, ok := row.String(key)
		if !ok {
			if v, okf := row.Float(key); okf {
				label, ok = formatKey(v), true
			}
		}
		v, okv := row.Float(value)
		if ok && okv {
			out[label] = v
		}
	}
	return out, nil
}

// SelectionNames returns the registered names, sorted.
func (s *PlotService) SelectionNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.selections))
	for n := range s.selections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close releases the dataset.
func (s *PlotService) Close() {
	s.ds.Close()
}

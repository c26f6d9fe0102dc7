// Package metrics holds the Prometheus collectors shared by the tile and
// aesthetic pipeline. A nil *Collectors is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "quadscatter"

// Collectors groups every metric the server exports.
type Collectors struct {
	TileDownloads        *prometheus.CounterVec
	DownloadsInFlight    *prometheus.GaugeVec
	Transformations      *prometheus.CounterVec
	TextureRegenerations *prometheus.CounterVec
	SelectionEvaluations *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		TileDownloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tile_downloads_total",
			Help:      "Tile downloads by dataset and outcome.",
		}, []string{"dataset", "outcome"}),
		DownloadsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tile_downloads_in_flight",
			Help:      "Tile downloads currently running.",
		}, []string{"dataset"}),
		Transformations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transformations_total",
			Help:      "Derived column computations by dataset, transformation and outcome.",
		}, []string{"dataset", "name", "outcome"}),
		TextureRegenerations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "texture_regenerations_total",
			Help:      "Lookup textures rebuilt, by channel and source (computed or cache).",
		}, []string{"channel", "source"}),
		SelectionEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selection_tile_evaluations_total",
			Help:      "Per-tile selection bitmask evaluations.",
		}, []string{"dataset"}),
	}
	for _, col := range []prometheus.Collector{
		c.TileDownloads, c.DownloadsInFlight, c.Transformations,
		c.TextureRegenerations, c.SelectionEvaluations,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// TileDownloaded counts a finished download.
func (c *Collectors) TileDownloaded(dataset string, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.TileDownloads.WithLabelValues(dataset, outcome).Inc()
}

// DownloadStarted bumps the in-flight gauge; the returned func undoes it.
func (c *Collectors) DownloadStarted(dataset string) func() {
	if c == nil {
		return func() {}
	}
	g := c.DownloadsInFlight.WithLabelValues(dataset)
	g.Inc()
	return g.Dec
}

// TransformationComputed counts one derived-column computation.
func (c *Collectors) TransformationComputed(dataset, name string, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.Transformations.WithLabelValues(dataset, name, outcome).Inc()
}

// TextureRegenerated counts a lookup texture rebuild.
func (c *Collectors) TextureRegenerated(channel string, cached bool) {
	if c == nil {
		return
	}
	source := "computed"
	if cached {
		source = "cache"
	}
	c.TextureRegenerations.WithLabelValues(channel, source).Inc()
}

// SelectionEvaluated counts one per-tile selection evaluation.
func (c *Collectors) SelectionEvaluated(dataset string) {
	if c == nil {
		return
	}
	c.SelectionEvaluations.WithLabelValues(dataset).Inc()
}

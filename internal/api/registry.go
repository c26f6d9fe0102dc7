package api

import (
	"github.com/quadscatter/server/internal/dataset"
	"github.com/quadscatter/server/internal/service"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Tiles       int    `json:"tiles"`
	HighIx      int64  `json:"highest_known_ix"`
	ServesTiles bool   `json:"serves_tiles"`
}

// DatasetRegistry holds plot services for all configured datasets.
type DatasetRegistry struct {
	services       map[string]*service.PlotService
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		services:       make(map[string]*service.PlotService),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds a plot service for a dataset.
func (r *DatasetRegistry) Register(datasetID string, svc *service.PlotService) {
	r.services[datasetID] = svc
}

// Get returns the plot service for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.PlotService {
	return r.services[datasetID]
}

// Default returns the default dataset's plot service.
func (r *DatasetRegistry) Default() *service.PlotService {
	return r.services[r.defaultDataset]
}

// Dataset resolves a registered dataset for lookup tables.
func (r *DatasetRegistry) Dataset(id string) (*dataset.Dataset, bool) {
	svc := r.services[id]
	if svc == nil {
		return nil, false
	}
	return svc.Dataset(), true
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "quadscatter"
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		svc := r.services[id]
		if svc == nil {
			continue
		}
		_, direct := svc.TilePath(dataset.RootKey)
		infos = append(infos, DatasetInfo{
			ID:          id,
			Name:        id,
			Tiles:       svc.Dataset().NumTiles(),
			HighIx:      svc.Dataset().HighestKnownIx(),
			ServesTiles: direct,
		})
	}
	return infos
}

// Close releases every registered dataset.
func (r *DatasetRegistry) Close() {
	for _, svc := range r.services {
		svc.Close()
	}
}

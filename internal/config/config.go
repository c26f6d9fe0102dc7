// Package config handles configuration loading for the quadscatter server.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Data       DataConfig       `yaml:"data"`
	Cache      CacheConfig      `yaml:"cache"`
	Download   DownloadConfig   `yaml:"download"`
	Render     RenderConfig     `yaml:"render"`
	Selections SelectionsConfig `yaml:"selections"`
	Jobs       JobsConfig       `yaml:"jobs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Title       string   `yaml:"title"`
	CORSOrigins []string `yaml:"cors_origins"`
	LogLevel    string   `yaml:"log_level"`
	LogFormat   string   `yaml:"log_format"`
}

// Dataset kinds.
const (
	KindQuadtile  = "quadtile"
	KindZarr      = "zarr"
	KindSoma      = "soma"
	KindSynthetic = "synthetic"
)

// DatasetConfig describes where one dataset's rows come from.
type DatasetConfig struct {
	Kind string `yaml:"kind"`
	// Quadtile datasets are fetched from URL or read from Dir.
	URL string `yaml:"url"`
	Dir string `yaml:"dir"`
	Ext string `yaml:"ext"`
	// Flat datasets are partitioned into BatchSize-row tiles.
	ZarrPath  string   `yaml:"zarr_path"`
	SomaPath  string   `yaml:"soma_path"`
	Columns   []string `yaml:"columns"`
	BatchSize int      `yaml:"batch_size"`
	// Rows of a synthetic demo dataset.
	Rows int    `yaml:"rows"`
	Seed uint64 `yaml:"seed"`
}

// Source names where the dataset is read from.
func (d DatasetConfig) Source() string {
	switch d.Kind {
	case KindQuadtile:
		if d.Dir != "" {
			return d.Dir
		}
		return d.URL
	case KindZarr:
		return d.ZarrPath
	case KindSoma:
		return d.SomaPath
	}
	return fmt.Sprintf("%d rows, seed %d", d.Rows, d.Seed)
}

// DataConfig lists the served datasets in declaration order.
type DataConfig struct {
	DefaultDataset string
	Datasets       map[string]DatasetConfig
	order          []string
}

// DatasetIDs returns dataset ids in the order they were declared.
func (d DataConfig) DatasetIDs() []string {
	out := make([]string, 0, len(d.Datasets))
	seen := make(map[string]bool, len(d.Datasets))
	for _, id := range d.order {
		if _, ok := d.Datasets[id]; ok && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	for id := range d.Datasets {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// UnmarshalYAML accepts either
//
//	data:
//	  default: pbmc
//	  datasets:
//	    pbmc: {kind: quadtile, url: ...}
//
// or a single unnamed dataset given inline, which is registered as "default".
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected a mapping, got %s", node.Tag)
	}
	var datasets *yaml.Node
	for i := 0; i+1 < len(node.Content); i += 2 {
		switch node.Content[i].Value {
		case "default":
			d.DefaultDataset = node.Content[i+1].Value
		case "datasets":
			datasets = node.Content[i+1]
		}
	}

	d.Datasets = make(map[string]DatasetConfig)
	d.order = nil
	if datasets == nil {
		var single DatasetConfig
		if err := node.Decode(&single); err != nil {
			return fmt.Errorf("data: %w", err)
		}
		d.Datasets["default"] = single
		d.order = []string{"default"}
		return nil
	}
	if datasets.Kind != yaml.MappingNode {
		return fmt.Errorf("data.datasets: expected a mapping, got %s", datasets.Tag)
	}
	for i := 0; i+1 < len(datasets.Content); i += 2 {
		id := datasets.Content[i].Value
		var ds DatasetConfig
		if err := datasets.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.datasets.%s: %w", id, err)
		}
		if _, dup := d.Datasets[id]; dup {
			return fmt.Errorf("data.datasets: duplicate dataset %q", id)
		}
		d.Datasets[id] = ds
		d.order = append(d.order, id)
	}
	return nil
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	TileSizeMB       int `yaml:"tile_size_mb"`
	TileTTLMinutes   int `yaml:"tile_ttl_minutes"`
	TextureCacheSize int `yaml:"texture_cache_size"`
}

// DownloadConfig sizes the background tile downloader of each dataset.
type DownloadConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	QueueSize     int `yaml:"queue_size"`
}

// RenderConfig contains preview rendering settings.
type RenderConfig struct {
	PreviewSize     int    `yaml:"preview_size"`
	DefaultColormap string `yaml:"default_colormap"`
}

// SelectionsConfig contains selection snapshot persistence settings.
type SelectionsConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// JobsConfig contains background job settings.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration: one synthetic demo
// dataset.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			Title:       "quadscatter",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			LogLevel:    "info",
			LogFormat:   "text",
		},
		Data: DataConfig{
			DefaultDataset: "default",
			Datasets: map[string]DatasetConfig{
				"default": {Kind: KindSynthetic, Rows: 100000, BatchSize: 4096},
			},
			order: []string{"default"},
		},
		Cache: CacheConfig{
			TileSizeMB:       512,
			TileTTLMinutes:   10,
			TextureCacheSize: 256,
		},
		Download: DownloadConfig{
			MaxConcurrent: 4,
			QueueSize:     256,
		},
		Render: RenderConfig{
			PreviewSize:     512,
			DefaultColormap: "viridis",
		},
		Selections: SelectionsConfig{
			SQLitePath:    "./data/selections.sqlite",
			RetentionDays: 30,
		},
		Jobs: JobsConfig{
			MaxConcurrent: 1,
			SQLitePath:    "./data/jobs.sqlite",
			RetentionDays: 7,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = defaults.Server.LogLevel
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = defaults.Server.LogFormat
	}

	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	for id, ds := range cfg.Data.Datasets {
		if ds.Kind == "" {
			ds.Kind = inferKind(ds)
		}
		if ds.BatchSize == 0 {
			ds.BatchSize = 4096
		}
		if ds.Kind == KindSynthetic && ds.Rows == 0 {
			ds.Rows = 100000
		}
		cfg.Data.Datasets[id] = ds
	}
	if cfg.Data.DefaultDataset == "" {
		if ids := cfg.Data.DatasetIDs(); len(ids) > 0 {
			cfg.Data.DefaultDataset = ids[0]
		}
	}

	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Cache.TextureCacheSize == 0 {
		cfg.Cache.TextureCacheSize = defaults.Cache.TextureCacheSize
	}
	if cfg.Download.MaxConcurrent == 0 {
		cfg.Download.MaxConcurrent = defaults.Download.MaxConcurrent
	}
	if cfg.Download.QueueSize == 0 {
		cfg.Download.QueueSize = defaults.Download.QueueSize
	}
	if cfg.Render.PreviewSize == 0 {
		cfg.Render.PreviewSize = defaults.Render.PreviewSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Selections.SQLitePath == "" {
		cfg.Selections.SQLitePath = defaults.Selections.SQLitePath
	}
	if cfg.Selections.RetentionDays == 0 {
		cfg.Selections.RetentionDays = defaults.Selections.RetentionDays
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
}

func inferKind(ds DatasetConfig) string {
	switch {
	case ds.URL != "" || ds.Dir != "":
		return KindQuadtile
	case ds.ZarrPath != "":
		return KindZarr
	case ds.SomaPath != "":
		return KindSoma
	}
	return KindSynthetic
}

// Validate checks that every dataset names a usable source.
func (c *Config) Validate() error {
	if _, ok := c.Data.Datasets[c.Data.DefaultDataset]; !ok {
		return fmt.Errorf("data.default: unknown dataset %q", c.Data.DefaultDataset)
	}
	for _, id := range c.Data.DatasetIDs() {
		ds := c.Data.Datasets[id]
		switch ds.Kind {
		case KindQuadtile:
			if ds.URL == "" && ds.Dir == "" {
				return fmt.Errorf("dataset %q: quadtile needs url or dir", id)
			}
		case KindZarr:
			if ds.ZarrPath == "" {
				return fmt.Errorf("dataset %q: zarr needs zarr_path", id)
			}
		case KindSoma:
			if ds.SomaPath == "" {
				return fmt.Errorf("dataset %q: soma needs soma_path", id)
			}
		case KindSynthetic:
		default:
			return fmt.Errorf("dataset %q: unknown kind %q", id, ds.Kind)
		}
	}
	if _, err := logrus.ParseLevel(c.Server.LogLevel); err != nil {
		return fmt.Errorf("server.log_level: %w", err)
	}
	switch strings.ToLower(c.Server.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("server.log_format: unknown format %q", c.Server.LogFormat)
	}
	return nil
}

// ConfigureLogger applies the configured level and format to l.
func (s ServerConfig) ConfigureLogger(l *logrus.Logger) error {
	level, err := logrus.ParseLevel(s.LogLevel)
	if err != nil {
		return err
	}
	l.SetLevel(level)
	if strings.EqualFold(s.LogFormat, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

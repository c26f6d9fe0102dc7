package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_InlineDataset(t *testing.T) {
	content := `
server:
  port: 9000
data:
  zarr_path: "/data/legacy/points.zarr"
  columns: [x, y, score]
cache:
  tile_size_mb: 256
`
	cfg := loadFromString(t, content)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "default", cfg.Data.DefaultDataset)
	ds, ok := cfg.Data.Datasets["default"]
	require.True(t, ok)
	assert.Equal(t, KindZarr, ds.Kind)
	assert.Equal(t, "/data/legacy/points.zarr", ds.ZarrPath)
	assert.Equal(t, []string{"x", "y", "score"}, ds.Columns)
	assert.Equal(t, 4096, ds.BatchSize)
	assert.Equal(t, 256, cfg.Cache.TileSizeMB)
}

func TestLoad_MultiDatasetFormat(t *testing.T) {
	content := `
server:
  port: 8080
data:
  datasets:
    pbmc:
      url: "https://tiles.example.org/pbmc"
    liver:
      dir: "/data/liver/tiles"
      ext: "feather"
    demo:
      kind: synthetic
      rows: 5000
`
	cfg := loadFromString(t, content)

	require.Len(t, cfg.Data.Datasets, 3)
	// First dataset in YAML order is the default.
	assert.Equal(t, "pbmc", cfg.Data.DefaultDataset)
	assert.Equal(t, []string{"pbmc", "liver", "demo"}, cfg.Data.DatasetIDs())

	assert.Equal(t, KindQuadtile, cfg.Data.Datasets["pbmc"].Kind)
	assert.Equal(t, "feather", cfg.Data.Datasets["liver"].Ext)
	assert.Equal(t, 5000, cfg.Data.Datasets["demo"].Rows)
}

func TestLoad_ExplicitDefault(t *testing.T) {
	content := `
data:
  default: b
  datasets:
    a: {kind: synthetic}
    b: {kind: synthetic, rows: 10}
`
	cfg := loadFromString(t, content)
	assert.Equal(t, "b", cfg.Data.DefaultDataset)
	assert.Equal(t, 100000, cfg.Data.Datasets["a"].Rows)
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
data:
  datasets:
    test:
      zarr_path: "/test/points.zarr"
`
	cfg := loadFromString(t, content)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, 512, cfg.Cache.TileSizeMB)
	assert.Equal(t, 256, cfg.Cache.TextureCacheSize)
	assert.Equal(t, 4, cfg.Download.MaxConcurrent)
	assert.Equal(t, 512, cfg.Render.PreviewSize)
	assert.Equal(t, 30, cfg.Selections.RetentionDays)
	assert.Equal(t, 1, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, "./data/jobs.sqlite", cfg.Jobs.SQLitePath)
	assert.Equal(t, 7, cfg.Jobs.RetentionDays)
}

func TestLoad_NoDataSection(t *testing.T) {
	cfg := loadFromString(t, "server:\n  port: 8080\n")
	assert.Equal(t, "default", cfg.Data.DefaultDataset)
	require.Len(t, cfg.Data.Datasets, 1)
	assert.Equal(t, KindSynthetic, cfg.Data.Datasets["default"].Kind)
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknownKind":    "data:\n  datasets:\n    a: {kind: parquet}\n",
		"quadtileNoURL":  "data:\n  datasets:\n    a: {kind: quadtile}\n",
		"unknownDefault": "data:\n  default: z\n  datasets:\n    a: {kind: synthetic}\n",
		"badLevel":       "server:\n  log_level: loud\n",
		"badFormat":      "server:\n  log_format: xml\n",
		"duplicate":      "data:\n  datasets:\n    a: {kind: synthetic}\n    a: {kind: synthetic}\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestConfigureLogger(t *testing.T) {
	l := logrus.New()
	require.NoError(t, ServerConfig{LogLevel: "debug", LogFormat: "json"}.ConfigureLogger(l))
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	return cfg
}

func TestDatasetConfigSource(t *testing.T) {
	assert.Equal(t, "/tiles", DatasetConfig{Kind: KindQuadtile, URL: "http://x", Dir: "/tiles"}.Source())
	assert.Equal(t, "http://x", DatasetConfig{Kind: KindQuadtile, URL: "http://x"}.Source())
	assert.Equal(t, "a.zarr", DatasetConfig{Kind: KindZarr, ZarrPath: "a.zarr"}.Source())
	assert.Equal(t, "100 rows, seed 3", DatasetConfig{Kind: KindSynthetic, Rows: 100, Seed: 3}.Source())
}

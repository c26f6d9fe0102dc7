package service

import (
	"strconv"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/quadscatter/server/internal/config"
	"github.com/quadscatter/server/internal/data/soma"
	"github.com/quadscatter/server/internal/data/zarr"
	"github.com/quadscatter/server/internal/dataset"
)

// OpenDataset builds the dataset described by cfg. Flat sources (zarr,
// soma, synthetic) are read in full and cut into BatchSize-row tiles.
func OpenDataset(id string, cfg config.DatasetConfig, cache dataset.TileCache, opts dataset.Options) (*dataset.Dataset, error) {
	log := opts.Logger
	switch cfg.Kind {
	case config.KindQuadtile:
		return dataset.NewQuadtileDataset(id, dataset.QuadtileConfig{
			URL:     cfg.URL,
			Dir:     cfg.Dir,
			Ext:     cfg.Ext,
			Cache:   cache,
			Options: opts,
		})

	case config.KindZarr:
		r, err := zarr.NewReader(cfg.ZarrPath)
		if err != nil {
			return nil, errors.Wrapf(err, "dataset %q", id)
		}
		defer r.Close()
		rec, err := r.Record(cfg.Columns)
		if err != nil {
			return nil, errors.Wrapf(err, "dataset %q", id)
		}
		return flat(id, rec, cfg, opts)

	case config.KindSoma:
		r, err := soma.NewReader(cfg.SomaPath)
		if err != nil {
			return nil, errors.Wrapf(err, "dataset %q", id)
		}
		defer r.Close()
		if !r.Supported() {
			return nil, errors.Wrapf(soma.ErrUnsupported, "dataset %q", id)
		}
		rec, err := r.Record(cfg.Columns, memory.DefaultAllocator)
		if err != nil {
			return nil, errors.Wrapf(err, "dataset %q", id)
		}
		if log != nil {
			log.WithField("experiment", r.ExperimentURI()).Info("soma experiment opened")
		}
		return flat(id, rec, cfg, opts)

	case config.KindSynthetic:
		return flat(id, dataset.SyntheticRecord(cfg.Rows, cfg.Seed), cfg, opts)
	}
	return nil, errors.Newf("dataset %q: unknown kind %q", id, cfg.Kind)
}

func flat(id string, rec arrow.Record, cfg config.DatasetConfig, opts dataset.Options) (*dataset.Dataset, error) {
	defer rec.Release()
	ds, err := dataset.NewArrowDataset(id, []arrow.Record{rec}, dataset.ArrowOptions{
		Options:   opts,
		BatchSize: cfg.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	if opts.Logger != nil {
		batch := int64(cfg.BatchSize)
		if batch <= 0 {
			batch = dataset.DefaultBatchSize
		}
		opts.Logger.WithFields(logrus.Fields{
			"dataset": id,
			"rows":    humanize.Comma(rec.NumRows()),
			"tiles":   humanize.Comma((rec.NumRows() + batch - 1) / batch),
		}).Info("flat dataset opened")
	}
	return ds, nil
}

func formatKey(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

package dataset

import "github.com/cockroachdb/errors"

var (
	// ErrColumnNotFound marks lookups of a column that is neither stored in the
	// tiles nor registered as a transformation.
	ErrColumnNotFound = errors.New("column not found")

	// ErrDuplicateTransformation marks a registration under a taken name.
	ErrDuplicateTransformation = errors.New("transformation already registered")

	// ErrTileDownload marks a failed fetch or decode. The tile stays in
	// StateError and is not retried.
	ErrTileDownload = errors.New("tile download failed")

	// ErrTransformationCompute marks a failure inside a transformation
	// function. Every caller waiting on the same (tile, name) sees it.
	ErrTransformationCompute = errors.New("transformation failed")

	// ErrTransformationCycle marks prerequisites that depend on each other.
	ErrTransformationCycle = errors.New("transformation prerequisites form a cycle")

	// ErrTileNotReady is returned by operations that need a downloaded tile.
	ErrTileNotReady = errors.New("tile not ready")
)

package soma

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveExperimentURI(t *testing.T) {
	uri, err := ResolveExperimentURI("/data/pbmc/soma")
	require.NoError(t, err)
	assert.Equal(t, "/data/pbmc/soma/experiment.soma", uri)

	uri, err = ResolveExperimentURI(" /data/pbmc/soma/experiment.soma/ ")
	require.NoError(t, err)
	assert.Equal(t, "/data/pbmc/soma/experiment.soma", uri)

	t.Setenv("SOMA_ROOT", "/mnt")
	uri, err = ResolveExperimentURI("$SOMA_ROOT/exp.soma")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/exp.soma", uri)

	_, err = ResolveExperimentURI("  ")
	assert.Error(t, err)
}

func TestNewReader_MissingExperiment(t *testing.T) {
	_, err := NewReader(t.TempDir())
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "experiment.soma"), 0755))
	r, err := NewReader(dir)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, filepath.Join(dir, "experiment.soma"), r.ExperimentURI())
}

func TestBuildRecord(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer mem.AssertSize(t, 0)

	rec, err := BuildRecord(4, []Column{
		{Name: "umap_1", Floats: []float64{0.5, -1, math.NaN(), 3}},
		{Name: "cell_type", Groups: map[string][]int64{"T": {0, 3}, "B": {1}}},
	}, mem)
	require.NoError(t, err)
	defer rec.Release()

	require.Equal(t, int64(4), rec.NumRows())
	assert.Equal(t, arrow.PrimitiveTypes.Float32, rec.Column(0).DataType())
	f := rec.Column(0).(*array.Float32)
	assert.Equal(t, float32(-1), f.Value(1))
	assert.True(t, math.IsNaN(float64(f.Value(2))))

	dict := rec.Column(1).(*array.Dictionary)
	labels := dict.Dictionary().(*array.String)
	require.Equal(t, 2, labels.Len())
	// Labels are sorted, so B gets code 0.
	assert.Equal(t, "B", labels.Value(0))
	assert.Equal(t, "T", labels.Value(1))
	assert.Equal(t, 1, dict.GetValueIndex(0))
	assert.Equal(t, 0, dict.GetValueIndex(1))
	assert.True(t, dict.IsNull(2))
	assert.Equal(t, 1, dict.GetValueIndex(3))
}

func TestBuildRecord_Errors(t *testing.T) {
	mem := memory.DefaultAllocator
	_, err := BuildRecord(3, nil, mem)
	assert.Error(t, err)

	_, err = BuildRecord(3, []Column{{Name: "short", Floats: []float64{1}}}, mem)
	assert.Error(t, err)

	_, err = BuildRecord(3, []Column{{Name: "cat", Groups: map[string][]int64{"a": {7}}}}, mem)
	assert.Error(t, err)
}

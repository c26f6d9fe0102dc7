// Package soma reads the obs table of a TileDB-SOMA experiment as a point
// table.
//
// Only what a scatterplot needs is supported:
//   - numeric obs attributes become float columns
//   - string obs attributes become dictionary columns
//   - "X:<gene>" columns read one gene's expression from ms/RNA/X/data
package soma

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
)

var (
	// ErrUnsupported indicates this binary was built without SOMA/TileDB support.
	ErrUnsupported = errors.New("soma support is not enabled in this build (build server with: go build -tags soma)")
)

// ExpressionPrefix marks a column read from the expression matrix.
const ExpressionPrefix = "X:"

// ResolveExperimentURI accepts either:
//   - /path/to/.../soma/experiment.soma
//   - /path/to/.../soma  (parent directory)
//
// and returns the experiment.soma path.
func ResolveExperimentURI(somaPath string) (string, error) {
	p := strings.TrimSpace(somaPath)
	if p == "" {
		return "", errors.New("empty soma_path")
	}
	p = os.ExpandEnv(p)
	p = filepath.Clean(p)

	if strings.HasSuffix(p, ".soma") {
		return p, nil
	}
	return filepath.Join(p, "experiment.soma"), nil
}

// Column holds one obs attribute over soma_joinids [0, n). Exactly one of
// Floats and Groups is set.
type Column struct {
	Name string
	// Floats is indexed by soma_joinid; NaN marks a missing value.
	Floats []float64
	// Groups maps each category to the joinids holding it.
	Groups map[string][]int64
}

// BuildRecord assembles columns into one record of n rows. Float columns
// become float32, categorical ones int16 dictionaries with sorted labels.
// Rows absent from every group are null.
func BuildRecord(n int, cols []Column, mem memory.Allocator) (arrow.Record, error) {
	if len(cols) == 0 {
		return nil, errors.New("no obs columns selected")
	}
	fields := make([]arrow.Field, 0, len(cols))
	arrs := make([]arrow.Array, 0, len(cols))
	defer func() {
		for _, a := range arrs {
			a.Release()
		}
	}()

	for _, c := range cols {
		switch {
		case c.Groups != nil:
			arr, err := buildDictionary(n, c.Groups, mem)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", c.Name, err)
			}
			fields = append(fields, arrow.Field{Name: c.Name, Type: arr.DataType(), Nullable: true})
			arrs = append(arrs, arr)
		default:
			if len(c.Floats) != n {
				return nil, fmt.Errorf("column %s has %d values, want %d", c.Name, len(c.Floats), n)
			}
			b := array.NewFloat32Builder(mem)
			b.Reserve(n)
			for _, v := range c.Floats {
				b.Append(float32(v))
			}
			fields = append(fields, arrow.Field{Name: c.Name, Type: arrow.PrimitiveTypes.Float32})
			arrs = append(arrs, b.NewArray())
			b.Release()
		}
	}
	return array.NewRecord(arrow.NewSchema(fields, nil), arrs, int64(n)), nil
}

func buildDictionary(n int, groups map[string][]int64, mem memory.Allocator) (arrow.Array, error) {
	labels := make([]string, 0, len(groups))
	for v := range groups {
		labels = append(labels, v)
	}
	sort.Strings(labels)
	if len(labels) > math.MaxInt16 {
		return nil, fmt.Errorf("%d categories exceed the dictionary limit", len(labels))
	}

	code := make([]int, n)
	for i := range code {
		code[i] = -1
	}
	for c, v := range labels {
		for _, id := range groups[v] {
			if id < 0 || id >= int64(n) {
				return nil, fmt.Errorf("soma_joinid %d out of range [0, %d)", id, n)
			}
			code[id] = c
		}
	}

	dt := &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int16, ValueType: arrow.BinaryTypes.String}
	b := array.NewDictionaryBuilder(mem, dt).(*array.BinaryDictionaryBuilder)
	defer b.Release()
	// Seed the memo table so codes follow label order.
	dict := stringArray(mem, labels...)
	defer dict.Release()
	if err := b.InsertStringDictValues(dict); err != nil {
		return nil, err
	}
	for _, c := range code {
		if c < 0 {
			b.AppendNull()
			continue
		}
		if err := b.AppendString(labels[c]); err != nil {
			return nil, err
		}
	}
	return b.NewArray(), nil
}

func stringArray(mem memory.Allocator, values ...string) *array.String {
	b := array.NewStringBuilder(mem)
	defer b.Release()
	b.AppendValues(values, nil)
	return b.NewStringArray()
}

package dataset

import (
	"math"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
)

// ColumnType is the logical kind of a column as far as aesthetics care.
type ColumnType string

const (
	ColumnFloat      ColumnType = "float"
	ColumnInt        ColumnType = "int"
	ColumnBool       ColumnType = "bool"
	ColumnDictionary ColumnType = "dictionary"
	ColumnString     ColumnType = "string"
	ColumnOther      ColumnType = "other"
)

// ColumnInfo describes one column of a dataset.
type ColumnInfo struct {
	Name    string     `json:"name"`
	Type    ColumnType `json:"type"`
	Derived bool       `json:"derived,omitempty"`
	// Extent is the min/max over ready tiles; zero for non-numeric columns.
	Extent [2]float64 `json:"extent"`
	// Dictionary holds the category labels of dictionary columns in code order.
	Dictionary []string `json:"dictionary,omitempty"`
}

// Numeric reports whether values of the column can be read as floats.
func (c ColumnInfo) Numeric() bool {
	switch c.Type {
	case ColumnFloat, ColumnInt, ColumnBool, ColumnDictionary:
		return true
	}
	return false
}

// Schema is the resolved column list of a dataset.
type Schema []ColumnInfo

// Field returns the column named name.
func (s Schema) Field(name string) (ColumnInfo, bool) {
	for _, c := range s {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnInfo{}, false
}

func columnTypeOf(dt arrow.DataType) ColumnType {
	switch dt.ID() {
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return ColumnFloat
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return ColumnInt
	case arrow.BOOL:
		return ColumnBool
	case arrow.DICTIONARY:
		return ColumnDictionary
	case arrow.STRING, arrow.LARGE_STRING:
		return ColumnString
	}
	return ColumnOther
}

// FloatAt reads element i of arr as a float. Dictionary columns yield their
// code, booleans 0 or 1. Nulls and unsupported types report false.
func FloatAt(arr arrow.Array, i int) (float64, bool) {
	if arr.IsNull(i) {
		return math.NaN(), false
	}
	switch a := arr.(type) {
	case *array.Float64:
		return a.Value(i), true
	case *array.Float32:
		return float64(a.Value(i)), true
	case *array.Int8:
		return float64(a.Value(i)), true
	case *array.Int16:
		return float64(a.Value(i)), true
	case *array.Int32:
		return float64(a.Value(i)), true
	case *array.Int64:
		return float64(a.Value(i)), true
	case *array.Uint8:
		return float64(a.Value(i)), true
	case *array.Uint16:
		return float64(a.Value(i)), true
	case *array.Uint32:
		return float64(a.Value(i)), true
	case *array.Uint64:
		return float64(a.Value(i)), true
	case *array.Boolean:
		if a.Value(i) {
			return 1, true
		}
		return 0, true
	case *array.Dictionary:
		return float64(a.GetValueIndex(i)), true
	}
	return math.NaN(), false
}

// StringAt reads element i of arr as a label. Dictionary columns resolve
// their code through the dictionary.
func StringAt(arr arrow.Array, i int) (string, bool) {
	if arr.IsNull(i) {
		return "", false
	}
	switch a := arr.(type) {
	case *array.String:
		return a.Value(i), true
	case *array.LargeString:
		return a.Value(i), true
	case *array.Dictionary:
		return StringAt(a.Dictionary(), a.GetValueIndex(i))
	}
	return "", false
}

// BoolAt reads element i of arr as a truth value; numbers are true when
// non-zero.
func BoolAt(arr arrow.Array, i int) bool {
	if b, ok := arr.(*array.Boolean); ok {
		return !b.IsNull(i) && b.Value(i)
	}
	v, ok := FloatAt(arr, i)
	return ok && v != 0
}

// DictionaryValues returns the labels of a dictionary column.
func DictionaryValues(arr arrow.Array) []string {
	d, ok := arr.(*array.Dictionary)
	if !ok {
		return nil
	}
	dict := d.Dictionary()
	out := make([]string, dict.Len())
	for i := range out {
		out[i], _ = StringAt(dict, i)
	}
	return out
}

func numericExtent(arr arrow.Array) ([2]float64, bool) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < arr.Len(); i++ {
		v, ok := FloatAt(arr, i)
		if !ok || math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo > hi {
		return [2]float64{}, false
	}
	return [2]float64{lo, hi}, true
}

package dataset

import (
	"math"
	"math/rand/v2"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
)

// SyntheticCategories are the labels of the "cat" column of SyntheticRecord.
var SyntheticCategories = []string{"alpha", "beta", "gamma", "delta", "epsilon"}

// SyntheticRecord builds a deterministic demo table of n rows with columns
// x, y (clustered around one center per category), ints (the row number),
// value (uniform in [0, 100)), cat (dictionary) and flag (every third row).
func SyntheticRecord(n int, seed uint64) arrow.Record {
	mem := memory.DefaultAllocator
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "x", Type: arrow.PrimitiveTypes.Float32},
		{Name: "y", Type: arrow.PrimitiveTypes.Float32},
		{Name: "ints", Type: arrow.PrimitiveTypes.Int32},
		{Name: "value", Type: arrow.PrimitiveTypes.Float64},
		{Name: "cat", Type: &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int16, ValueType: arrow.BinaryTypes.String}},
		{Name: "flag", Type: arrow.FixedWidthTypes.Boolean},
	}, nil)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	xs := b.Field(0).(*array.Float32Builder)
	ys := b.Field(1).(*array.Float32Builder)
	ints := b.Field(2).(*array.Int32Builder)
	values := b.Field(3).(*array.Float64Builder)
	cats := b.Field(4).(*array.BinaryDictionaryBuilder)
	flags := b.Field(5).(*array.BooleanBuilder)

	k := len(SyntheticCategories)
	for i := 0; i < n; i++ {
		c := rng.IntN(k)
		angle := 2 * math.Pi * float64(c) / float64(k)
		xs.Append(float32(math.Cos(angle)*5 + rng.NormFloat64()))
		ys.Append(float32(math.Sin(angle)*5 + rng.NormFloat64()))
		ints.Append(int32(i))
		values.Append(rng.Float64() * 100)
		// Append only fails on type mismatch.
		_ = cats.AppendString(SyntheticCategories[c])
		flags.Append(i%3 == 0)
	}
	return b.NewRecord()
}

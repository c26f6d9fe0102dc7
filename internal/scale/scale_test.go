package scale

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		kind   Kind
		domain [2]float64
		rng    [2]float64
		in     float64
		want   float64
	}{
		{"linear midpoint", Linear, [2]float64{0, 10}, [2]float64{0, 100}, 5, 50},
		{"linear inverted range", Linear, [2]float64{0, 10}, [2]float64{1, 0}, 10, 0},
		{"sqrt quarter", Sqrt, [2]float64{0, 16}, [2]float64{0, 1}, 4, 0.5},
		{"log decade", Log, [2]float64{1, 100}, [2]float64{0, 2}, 10, 1},
		{"literal ignores range", Literal, [2]float64{0, 1}, [2]float64{5, 6}, 42, 42},
		{"degenerate domain", Linear, [2]float64{3, 3}, [2]float64{0, 4}, 99, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.kind, tt.domain, tt.rng)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, f(tt.in), 1e-9)
		})
	}
}

func TestLogRequiresPositiveDomain(t *testing.T) {
	_, err := New(Log, [2]float64{0, 10}, [2]float64{0, 1})
	require.Error(t, err)

	f, err := New(Log, [2]float64{1, 10}, [2]float64{0, 1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, f(-5), "non-positive inputs clamp to the lower bound")
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"linear": Linear, "SQRT": Sqrt, "log": Log, "literal": Literal, "identity": Literal,
	} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseKind("cubic")
	assert.Error(t, err)
}

func TestSample(t *testing.T) {
	f, err := New(Linear, [2]float64{0, 1}, [2]float64{0, 10})
	require.NoError(t, err)
	s := Sample(f, [2]float64{0, 1}, 11)
	require.Len(t, s, 11)
	for i, v := range s {
		assert.InDelta(t, float64(i), v, 1e-9)
	}
	assert.False(t, math.IsNaN(Sample(f, [2]float64{0, 1}, 1)[0]))
}

// Package scale maps a numeric domain onto a numeric range.
package scale

import (
	"math"
	"strings"

	"github.com/cockroachdb/errors"
)

// Kind selects the interpolation space of a scale.
type Kind int

const (
	Linear Kind = iota
	Sqrt
	Log
	// Literal passes values through unchanged; the range is ignored.
	Literal
)

func (k Kind) String() string {
	switch k {
	case Linear:
		return "linear"
	case Sqrt:
		return "sqrt"
	case Log:
		return "log"
	case Literal:
		return "literal"
	default:
		return "unknown"
	}
}

// ParseKind accepts linear, sqrt, log, literal and identity.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linear":
		return Linear, nil
	case "sqrt":
		return Sqrt, nil
	case "log":
		return Log, nil
	case "literal", "identity":
		return Literal, nil
	}
	return 0, errors.Newf("unknown transform %q", s)
}

// Func is a pure value -> output mapping.
type Func func(v float64) float64

// New builds the scale for (kind, domain, range). Log scales need a strictly
// positive domain.
func New(kind Kind, domain, rng [2]float64) (Func, error) {
	if kind == Literal {
		return func(v float64) float64 { return v }, nil
	}

	var fwd func(float64) float64
	switch kind {
	case Linear:
		fwd = func(v float64) float64 { return v }
	case Sqrt:
		fwd = func(v float64) float64 {
			if v < 0 {
				return -math.Sqrt(-v)
			}
			return math.Sqrt(v)
		}
	case Log:
		if domain[0] <= 0 || domain[1] <= 0 {
			return nil, errors.Newf("log scale requires a positive domain, got [%g, %g]", domain[0], domain[1])
		}
		lo := math.Min(domain[0], domain[1])
		fwd = func(v float64) float64 {
			if v <= 0 {
				v = lo
			}
			return math.Log(v)
		}
	default:
		return nil, errors.Newf("unknown scale kind %d", kind)
	}

	d0, d1 := fwd(domain[0]), fwd(domain[1])
	r0, r1 := rng[0], rng[1]
	if d0 == d1 {
		mid := (r0 + r1) / 2
		return func(float64) float64 { return mid }, nil
	}
	span := d1 - d0
	return func(v float64) float64 {
		t := (fwd(v) - d0) / span
		return r0 + t*(r1-r0)
	}, nil
}

// Sample evaluates f at n evenly spaced points across domain, endpoints
// included.
func Sample(f Func, domain [2]float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = f(domain[0])
		return out
	}
	step := (domain[1] - domain[0]) / float64(n-1)
	for i := range out {
		out[i] = f(domain[0] + step*float64(i))
	}
	return out
}

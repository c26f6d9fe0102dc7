package dataset

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Key identifies a tile in the XYZ scheme. Flat datasets reuse it with
// Y == 0 and X as the offset within a depth level.
type Key struct {
	Z int `json:"z"`
	X int `json:"x"`
	Y int `json:"y"`
}

// RootKey is the key of every dataset's root tile.
var RootKey = Key{}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Z, k.X, k.Y)
}

// Valid reports whether k addresses a cell of a quadtree.
func (k Key) Valid() bool {
	return k.Z >= 0 && k.Z < 32 && k.X >= 0 && k.Y >= 0 && k.X < 1<<k.Z && k.Y < 1<<k.Z
}

// QuadChildren returns the four quadtree children of k.
func (k Key) QuadChildren() []Key {
	return []Key{
		{Z: k.Z + 1, X: 2 * k.X, Y: 2 * k.Y},
		{Z: k.Z + 1, X: 2*k.X + 1, Y: 2 * k.Y},
		{Z: k.Z + 1, X: 2 * k.X, Y: 2*k.Y + 1},
		{Z: k.Z + 1, X: 2*k.X + 1, Y: 2*k.Y + 1},
	}
}

// Extent returns the part of root covered by k under quadtree subdivision.
func (k Key) Extent(root Rect) Rect {
	n := float64(int(1) << k.Z)
	w := (root.X[1] - root.X[0]) / n
	h := (root.Y[1] - root.Y[0]) / n
	x0 := root.X[0] + float64(k.X)*w
	y0 := root.Y[0] + float64(k.Y)*h
	return Rect{X: [2]float64{x0, x0 + w}, Y: [2]float64{y0, y0 + h}}
}

// ParseKey parses "z/x/y".
func ParseKey(s string) (Key, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 3 {
		return Key{}, errors.Newf("invalid tile key %q", s)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Key{}, errors.Newf("invalid tile key %q", s)
		}
		v[i] = n
	}
	return Key{Z: v[0], X: v[1], Y: v[2]}, nil
}

// Rect is an axis-aligned rectangle in data coordinates.
type Rect struct {
	X [2]float64 `json:"x"`
	Y [2]float64 `json:"y"`
}

// EmptyRect returns a rectangle that any Extend call replaces.
func EmptyRect() Rect {
	return Rect{
		X: [2]float64{math.Inf(1), math.Inf(-1)},
		Y: [2]float64{math.Inf(1), math.Inf(-1)},
	}
}

// IsEmpty reports whether r encloses no area and no point.
func (r Rect) IsEmpty() bool {
	return r.X[0] > r.X[1] || r.Y[0] > r.Y[1]
}

// Extend grows r to include (x, y).
func (r *Rect) Extend(x, y float64) {
	r.X[0] = math.Min(r.X[0], x)
	r.X[1] = math.Max(r.X[1], x)
	r.Y[0] = math.Min(r.Y[0], y)
	r.Y[1] = math.Max(r.Y[1], y)
}

// Contains reports whether (x, y) lies inside r, edges included.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.X[0] && x <= r.X[1] && y >= r.Y[0] && y <= r.Y[1]
}

// Intersection returns the overlap of r and o; it may be empty.
func (r Rect) Intersection(o Rect) Rect {
	return Rect{
		X: [2]float64{math.Max(r.X[0], o.X[0]), math.Min(r.X[1], o.X[1])},
		Y: [2]float64{math.Max(r.Y[0], o.Y[0]), math.Min(r.Y[1], o.Y[1])},
	}
}

// Intersects reports whether r and o share at least one point.
func (r Rect) Intersects(o Rect) bool {
	return !r.Intersection(o).IsEmpty()
}

// Area returns the area of r, zero when empty.
func (r Rect) Area() float64 {
	if r.IsEmpty() {
		return 0
	}
	return (r.X[1] - r.X[0]) * (r.Y[1] - r.Y[0])
}

// Center returns the midpoint of r.
func (r Rect) Center() (float64, float64) {
	return (r.X[0] + r.X[1]) / 2, (r.Y[0] + r.Y[1]) / 2
}

// Distance returns the Euclidean distance from r to o, zero when they touch.
func (r Rect) Distance(o Rect) float64 {
	dx := math.Max(0, math.Max(o.X[0]-r.X[1], r.X[0]-o.X[1]))
	dy := math.Max(0, math.Max(o.Y[0]-r.Y[1], r.Y[0]-o.Y[1]))
	return math.Hypot(dx, dy)
}

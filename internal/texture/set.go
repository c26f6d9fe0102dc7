package texture

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrAtlasFull is returned when every row of an atlas is allocated.
var ErrAtlasFull = errors.New("texture atlas is full")

// Atlas identifies one of the two shared GPU textures.
type Atlas int

const (
	NumericAtlas Atlas = iota
	ColorAtlas
)

func (a Atlas) String() string {
	if a == ColorAtlas {
		return "color"
	}
	return "numeric"
}

// Position locates a slot inside an atlas.
type Position struct {
	Atlas  Atlas   `json:"atlas"`
	Row    int     `json:"row"`
	Offset int     `json:"offset"`
	V      float32 `json:"v"` // row center in texture coordinates
}

// Set is a fixed-capacity pair of atlases of Size-wide rows. Every aesthetic
// writes its lookup texture into its own row so a renderer binds one resource
// per atlas instead of one per aesthetic.
type Set struct {
	mu       sync.Mutex
	numeric  []byte
	colors   []byte
	capacity [2]int
	next     [2]int
	slots    map[string]Position
}

// NewSet allocates a set with the given row capacities.
func NewSet(numericRows, colorRows int) *Set {
	return &Set{
		numeric:  make([]byte, numericRows*Size*4),
		colors:   make([]byte, colorRows*Size*4),
		capacity: [2]int{numericRows, colorRows},
		slots:    make(map[string]Position),
	}
}

// Allocate reserves a row for id, returning the existing slot if id already
// has one.
func (s *Set) Allocate(id string, atlas Atlas) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.slots[id]; ok {
		return p, nil
	}
	row := s.next[atlas]
	if row >= s.capacity[atlas] {
		return Position{}, errors.Wrapf(ErrAtlasFull, "%s atlas (%d rows), slot %q", atlas, s.capacity[atlas], id)
	}
	s.next[atlas]++
	p := Position{
		Atlas:  atlas,
		Row:    row,
		Offset: row * Size * 4,
		V:      (float32(row) + 0.5) / float32(s.capacity[atlas]),
	}
	s.slots[id] = p
	return p, nil
}

// Write overwrites the whole slot of id with data (fitted to Size entries).
func (s *Set) Write(id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.slots[id]
	if !ok {
		return errors.Newf("texture slot %q is not allocated", id)
	}
	buf := s.numeric
	if p.Atlas == ColorAtlas {
		buf = s.colors
	}
	row := buf[p.Offset : p.Offset+Size*4]
	if len(data) == len(row) {
		copy(row, data)
	} else {
		copy(row, Fit(data, Size))
	}
	return nil
}

// Position returns the slot for id.
func (s *Set) Position(id string) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.slots[id]
	return p, ok
}

// Slot returns a copy of the bytes currently stored for id.
func (s *Set) Slot(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.slots[id]
	if !ok {
		return nil, false
	}
	buf := s.numeric
	if p.Atlas == ColorAtlas {
		buf = s.colors
	}
	out := make([]byte, Size*4)
	copy(out, buf[p.Offset:p.Offset+Size*4])
	return out, true
}

// Bytes returns a copy of an entire atlas.
func (s *Set) Bytes(atlas Atlas) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.numeric
	if atlas == ColorAtlas {
		src = s.colors
	}
	out := make([]byte, len(src))
	copy(out, src)
	return out
}

// Rows returns the row capacity of an atlas.
func (s *Set) Rows(atlas Atlas) int {
	return s.capacity[atlas]
}

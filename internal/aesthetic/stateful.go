package aesthetic

import (
	"context"
	"sync"
)

// StatefulAesthetic pairs the current encoding of a channel with the one
// before it so the renderer can interpolate between them.
type StatefulAesthetic struct {
	mu               sync.Mutex
	states           [2]*Aesthetic // current, last
	spec             *ChannelSpec
	canonical        string
	needsTransitions bool
}

// NewStateful creates both aesthetics of a channel in their default state.
func NewStateful(kind ChannelKind, opts Options) (*StatefulAesthetic, error) {
	cur, err := New(kind, opts)
	if err != nil {
		return nil, err
	}
	last, err := New(kind, opts)
	if err != nil {
		return nil, err
	}
	return &StatefulAesthetic{states: [2]*Aesthetic{cur, last}, canonical: "null"}, nil
}

// Update applies spec. An undefined spec, or one equal to the current
// encoding, flips nothing; if a transition was pending, last catches up with
// current. Otherwise the previous current becomes last and spec is applied
// to the new current. On error the roles are restored.
func (s *StatefulAesthetic) Update(ctx context.Context, spec *ChannelSpec, defined bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	canon := spec.Canonical()
	if !defined || canon == s.canonical {
		if s.needsTransitions {
			if err := s.states[1].Update(ctx, s.spec); err != nil {
				return err
			}
		}
		s.needsTransitions = false
		return nil
	}

	s.states[0], s.states[1] = s.states[1], s.states[0]
	if err := s.states[0].Update(ctx, spec); err != nil {
		s.states[0], s.states[1] = s.states[1], s.states[0]
		return err
	}
	s.spec = spec
	s.canonical = canon
	s.needsTransitions = true
	return nil
}

// Current returns the aesthetic drawn at the end of a transition.
func (s *StatefulAesthetic) Current() *Aesthetic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[0]
}

// Last returns the aesthetic drawn at the start of a transition.
func (s *StatefulAesthetic) Last() *Aesthetic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[1]
}

// NeedsTransitions reports whether current and last may differ.
func (s *StatefulAesthetic) NeedsTransitions() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsTransitions
}

// Encoding returns the canonical current encoding.
func (s *StatefulAesthetic) Encoding() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canonical
}

package aesthetic

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/quadscatter/server/internal/dataset"
	"github.com/quadscatter/server/internal/texture"
)

// Texture slot roles.
const (
	RoleCurrent = "current"
	RoleLast    = "last"
)

// SlotID names the atlas slot of a channel role.
func SlotID(kind ChannelKind, role string) string {
	return string(kind) + "/" + role
}

// ChannelError is the failure of one channel during ApplyEncoding.
type ChannelError struct {
	Channel ChannelKind
	Err     error
}

func (e ChannelError) Error() string { return fmt.Sprintf("%s: %v", e.Channel, e.Err) }

func (e ChannelError) Unwrap() error { return e.Err }

// ChannelErrors collects the channel failures of one ApplyEncoding call.
type ChannelErrors []ChannelError

func (es ChannelErrors) Error() string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.Error()
	}
	return "encoding: " + strings.Join(parts, "; ")
}

// Unwrap exposes every channel error to errors.Is and errors.As.
func (es ChannelErrors) Unwrap() []error {
	out := make([]error, len(es))
	for i, e := range es {
		out[i] = e
	}
	return out
}

// Has reports whether any channel failed with target.
func (es ChannelErrors) Has(target error) bool {
	for _, e := range es {
		if errors.Is(e.Err, target) {
			return true
		}
	}
	return false
}

// Set holds the stateful aesthetic of every channel and the texture atlas
// they write into.
type Set struct {
	mu                    sync.Mutex
	channels              map[ChannelKind]*StatefulAesthetic
	textures              *texture.Set
	positionInterpolation bool
	applied               bool
	log                   *logrus.Entry
}

// NewSet creates every channel in its default state and allocates a current
// and a last slot per channel.
func NewSet(opts Options) (*Set, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	numeric := 0
	for _, k := range Channels {
		if !k.IsColor() {
			numeric++
		}
	}
	s := &Set{
		channels: make(map[ChannelKind]*StatefulAesthetic, len(Channels)),
		textures: texture.NewSet(2*numeric, 2),
		log:      log.WithField("component", "aesthetics"),
	}
	for _, k := range Channels {
		sa, err := NewStateful(k, opts)
		if err != nil {
			return nil, err
		}
		s.channels[k] = sa
		atlas := texture.NumericAtlas
		if k.IsColor() {
			atlas = texture.ColorAtlas
		}
		for _, role := range []string{RoleCurrent, RoleLast} {
			if _, err := s.textures.Allocate(SlotID(k, role), atlas); err != nil {
				return nil, err
			}
		}
	}
	s.writeTextures()
	return s, nil
}

// Channel returns the stateful aesthetic of kind.
func (s *Set) Channel(kind ChannelKind) *StatefulAesthetic {
	return s.channels[kind]
}

// Textures returns the shared atlas.
func (s *Set) Textures() *texture.Set { return s.textures }

// Positions returns the atlas slot of every channel role.
func (s *Set) Positions() map[string]texture.Position {
	out := make(map[string]texture.Position, 2*len(Channels))
	for _, k := range Channels {
		for _, role := range []string{RoleCurrent, RoleLast} {
			if p, ok := s.textures.Position(SlotID(k, role)); ok {
				out[SlotID(k, role)] = p
			}
		}
	}
	return out
}

// PositionInterpolation reports whether x0/y0 carry a starting position to
// interpolate from.
func (s *Set) PositionInterpolation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionInterpolation
}

// ApplyEncoding updates every channel from enc. Unknown keys are rejected
// before anything changes. Channel failures do not stop the other channels:
// a missing column resets its channel to the default, any other failure
// keeps the channel's prior encoding. Failures are returned as ChannelErrors.
func (s *Set) ApplyEncoding(ctx context.Context, enc Encoding) error {
	unknown := map[string]bool{}
	for key := range enc {
		if _, ok := ParseChannel(key); !ok && key != PositionMacro && key != Position0Macro {
			unknown[key] = true
		}
	}
	if len(unknown) > 0 {
		return errors.Wrapf(ErrUnknownChannel, "%s", strings.Join(sortedKeys(unknown), ", "))
	}

	specs, err := expandPositions(enc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, hasX0 := specs[X0]
	_, hasX := specs[X]
	switch {
	case hasX0:
		s.positionInterpolation = true
	case hasX && s.applied:
		s.positionInterpolation = false
	}
	s.applied = true

	var errs ChannelErrors
	for _, k := range Channels {
		spec, defined := specs[k]
		err := s.channels[k].Update(ctx, spec, defined)
		if err == nil {
			continue
		}
		log := s.log.WithField("channel", string(k)).WithError(err)
		if errors.Is(err, dataset.ErrColumnNotFound) {
			log.Warn("column not found, channel falls back to its default")
			if rerr := s.channels[k].Update(ctx, nil, true); rerr != nil {
				log.WithField("reset_error", rerr.Error()).Error("failed to reset channel")
			}
		} else {
			log.Warn("channel keeps its previous encoding")
		}
		errs = append(errs, ChannelError{Channel: k, Err: err})
	}
	s.writeTextures()
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (s *Set) writeTextures() {
	for _, k := range Channels {
		sa := s.channels[k]
		for role, a := range map[string]*Aesthetic{RoleCurrent: sa.Current(), RoleLast: sa.Last()} {
			if err := s.textures.Write(SlotID(k, role), a.Texture()); err != nil {
				s.log.WithError(err).Error("failed to write texture slot")
			}
		}
	}
}

// expandPositions turns the position macros into x/y and x0/y0 specs.
// Explicit channel keys win over macros.
func expandPositions(enc Encoding) (map[ChannelKind]*ChannelSpec, error) {
	out := make(map[ChannelKind]*ChannelSpec, len(enc))
	for key, spec := range enc {
		if k, ok := ParseChannel(key); ok {
			out[k] = spec
		}
	}
	for macro, pair := range map[string][2]ChannelKind{
		PositionMacro:  {X, Y},
		Position0Macro: {X0, Y0},
	} {
		spec, ok := enc[macro]
		if !ok {
			continue
		}
		var xs, ys *ChannelSpec
		if spec != nil {
			name := spec.Field
			if name == "" && spec.Constant != nil {
				name = spec.Constant.Text
			}
			if name == "" {
				return nil, errors.Mark(errors.Newf("%s needs a field name or \"literal\"", macro), ErrEncodingParse)
			}
			xf, yf := name+"_x", name+"_y"
			if name == "literal" {
				xf, yf = "x", "y"
			}
			xs = &ChannelSpec{Field: xf, Transform: "literal"}
			ys = &ChannelSpec{Field: yf, Transform: "literal"}
		}
		if _, explicit := out[pair[0]]; !explicit {
			out[pair[0]] = xs
		}
		if _, explicit := out[pair[1]]; !explicit {
			out[pair[1]] = ys
		}
	}
	return out, nil
}

package particles

import (
	"errors"
	"fmt"
	"github.com/notargets/sfcdomain/sfc"
	"slices"
)

var (
	// ErrUnknownField is returned for names that were never registered
	ErrUnknownField = errors.New("unknown particle field")
	// ErrConservedField is returned when releasing a conserved field
	ErrConservedField = errors.New("conserved fields cannot be released")
	// ErrNoReleasedField is returned by Acquire when no released buffer is left
	ErrNoReleasedField = errors.New("no released field available")
)

// Coordinate fields every store must declare as conserved for Sync
const (
	FieldX = "x"
	FieldY = "y"
	FieldZ = "z"
	FieldH = "h"
)

// Store holds the particle fields of one rank as parallel float64 arrays.
// Conserved fields carry state from step to step. Dependent fields are
// scratch that a step recomputes; they can be released and their buffers
// acquired again under another name.
type Store struct {
	Keys []sfc.Key

	fields    map[string]*[]float64
	conserved []string
	dependent []string // active dependent fields, in registration order
	released  [][]float64
	size      int
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{fields: make(map[string]*[]float64)}
}

func (s *Store) register(name string) {
	if _, ok := s.fields[name]; !ok {
		v := make([]float64, s.size)
		s.fields[name] = &v
	}
}

// SetConserved registers conserved fields
func (s *Store) SetConserved(names ...string) {
	for _, name := range names {
		if !slices.Contains(s.conserved, name) {
			s.conserved = append(s.conserved, name)
		}
		s.register(name)
	}
}

// SetDependent registers active dependent fields
func (s *Store) SetDependent(names ...string) {
	for _, name := range names {
		if slices.Contains(s.conserved, name) {
			panic(fmt.Sprintf("field %s is already conserved", name))
		}
		if !slices.Contains(s.dependent, name) {
			s.dependent = append(s.dependent, name)
		}
		s.register(name)
	}
}

// Resize changes the length of every active field, keeping the values that fit
func (s *Store) Resize(n int) {
	s.size = n
	resize := func(p *[]float64) {
		v := *p
		if cap(v) >= n {
			*p = v[:n]
			return
		}
		nv := make([]float64, n)
		copy(nv, v)
		*p = nv
	}
	for _, name := range s.conserved {
		resize(s.fields[name])
	}
	for _, name := range s.dependent {
		resize(s.fields[name])
	}
	if cap(s.Keys) >= n {
		s.Keys = s.Keys[:n]
	} else {
		keys := make([]sfc.Key, n)
		copy(keys, s.Keys)
		s.Keys = keys
	}
}

// Size returns the number of particles
func (s *Store) Size() int { return s.size }

// Field returns the array of a field, empty for released fields
func (s *Store) Field(name string) []float64 {
	return *s.Ptr(name)
}

// Ptr returns the slice header of a field so it can be replaced in place
func (s *Store) Ptr(name string) *[]float64 {
	p, ok := s.fields[name]
	if !ok {
		panic(fmt.Sprintf("%v: %s", ErrUnknownField, name))
	}
	return p
}

// Release deactivates dependent fields and keeps their buffers for Acquire
func (s *Store) Release(names ...string) error {
	for _, name := range names {
		if slices.Contains(s.conserved, name) {
			return fmt.Errorf("%w: %s", ErrConservedField, name)
		}
		i := slices.Index(s.dependent, name)
		if i < 0 {
			return fmt.Errorf("%w: %s is not an active dependent field", ErrUnknownField, name)
		}
		p := s.fields[name]
		s.released = append(s.released, *p)
		*p = nil
		s.dependent = slices.Delete(s.dependent, i, i+1)
	}
	return nil
}

// Acquire activates dependent fields using previously released buffers
func (s *Store) Acquire(names ...string) error {
	for _, name := range names {
		if slices.Contains(s.conserved, name) || slices.Contains(s.dependent, name) {
			return fmt.Errorf("field %s is already active", name)
		}
		if len(s.released) == 0 {
			return fmt.Errorf("%w: cannot acquire %s", ErrNoReleasedField, name)
		}
		buf := s.released[len(s.released)-1]
		s.released = s.released[:len(s.released)-1]
		if cap(buf) >= s.size {
			buf = buf[:s.size]
		} else {
			buf = make([]float64, s.size)
		}
		s.register(name)
		*s.fields[name] = buf
		s.dependent = append(s.dependent, name)
	}
	return nil
}

// Conserved returns the names of the conserved fields
func (s *Store) Conserved() []string { return slices.Clone(s.conserved) }

// Dependent returns the names of the active dependent fields
func (s *Store) Dependent() []string { return slices.Clone(s.dependent) }

// SyncArgs returns the arguments of a domain sync: the coordinate and
// smoothing length fields, then the remaining conserved fields and the
// active dependent fields
func (s *Store) SyncArgs() (x, y, z, h *[]float64, conserved, dependent []*[]float64, err error) {
	for _, name := range []string{FieldX, FieldY, FieldZ, FieldH} {
		if !slices.Contains(s.conserved, name) {
			return nil, nil, nil, nil, nil, nil, fmt.Errorf("%w: conserved field %s is required", ErrUnknownField, name)
		}
	}
	x, y, z, h = s.fields[FieldX], s.fields[FieldY], s.fields[FieldZ], s.fields[FieldH]
	for _, name := range s.conserved {
		switch name {
		case FieldX, FieldY, FieldZ, FieldH:
			continue
		}
		conserved = append(conserved, s.fields[name])
	}
	for _, name := range s.dependent {
		dependent = append(dependent, s.fields[name])
	}
	return
}

// SetSize records the particle count after the arrays were replaced
// externally, e.g. by a domain sync
func (s *Store) SetSize(n int) {
	s.size = n
}

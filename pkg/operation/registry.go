package operation

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Capability describes one loadable operation.
//
// New builds a fresh backend. It must not acquire resources: starting is a
// separate step owned by the Manager.
type Capability struct {
	Type        Type
	ID          string
	Compatible  bool
	Description string
	New         func() (Backend, error)
}

type capKey struct {
	typ Type
	id  string
}

// Registry maps (type, id) to capabilities.
type Registry struct {
	mu   sync.RWMutex
	caps map[capKey]Capability
}

// NewRegistry returns a registry holding caps. Duplicate (type, id) pairs
// are rejected.
func NewRegistry(caps ...Capability) (*Registry, error) {
	r := &Registry{caps: make(map[capKey]Capability, len(caps))}
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds c.
func (r *Registry) Register(c Capability) error {
	if !c.Type.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownOpType, int(c.Type))
	}
	if c.ID == "" {
		return errors.New("operation: capability id is empty")
	}
	if c.New == nil {
		return fmt.Errorf("operation: capability %s/%s has no constructor", c.Type, c.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := capKey{c.Type, c.ID}
	if _, ok := r.caps[k]; ok {
		return fmt.Errorf("operation: capability already registered for %s/%s", c.Type, c.ID)
	}
	r.caps[k] = c
	return nil
}

// Has reports whether (t, id) is registered.
func (r *Registry) Has(t Type, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[capKey{t, id}]
	return ok
}

// Lookup returns the capability for (t, id).
func (r *Registry) Lookup(t Type, id string) (Capability, error) {
	if !t.Valid() {
		return Capability{}, fmt.Errorf("%w: %d", ErrUnknownOpType, int(t))
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[capKey{t, id}]
	if !ok {
		return Capability{}, fmt.Errorf("%w: %s/%s", ErrUnknownOpID, t, id)
	}
	return c, nil
}

// Capabilities returns every capability ordered by type, then id.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	out := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Capability) int {
		if c := cmp.Compare(a.Type, b.Type); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Instantiate builds an unloaded operation for (t, id). It never starts it.
func (r *Registry) Instantiate(t Type, id string) (*Operation, error) {
	c, err := r.Lookup(t, id)
	if err != nil {
		return nil, err
	}
	return instantiate(c)
}

func instantiate(c Capability) (*Operation, error) {
	b, err := c.New()
	if err != nil {
		return nil, fmt.Errorf("operation: create %s/%s: %w", c.Type, c.ID, err)
	}
	op := New(c.Type, c.ID, b)
	op.compatible = c.Compatible
	return op, nil
}

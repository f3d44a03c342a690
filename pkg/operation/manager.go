package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/haivivi/charcore/pkg/stream"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Compatibility reports whether compatibility mode is enabled. It is
	// consulted on every Start. Nil means disabled.
	Compatibility func() bool

	Logger *slog.Logger
}

// Manager owns the operations currently loaded into each slot.
//
// Singleton slots (every type except Filter) hold at most one operation.
// The filter slot holds an ordered list with unique ids; Use applies them in
// registration order.
//
// Slots are changed only by Start, Reload and Unload, which the process
// calls from job handlers one at a time. The mutex exists so snapshots can
// be read from other goroutines.
type Manager struct {
	registry *Registry
	compat   func() bool
	logger   *slog.Logger

	mu      sync.RWMutex
	slots   map[Type]*Operation
	filters []*Operation
}

// NewManager returns a Manager resolving capabilities from registry.
func NewManager(registry *Registry, cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		compat:   cfg.Compatibility,
		logger:   logger,
		slots:    make(map[Type]*Operation),
	}
}

// Start instantiates, starts and installs the operation (t, id).
//
// The checks run in order: the capability must exist, it must pass the
// compatibility gate, and the slot must accept it (an empty singleton slot,
// or a filter id not already active). Any failure, including a failed
// backend start, leaves the slots unchanged.
func (m *Manager) Start(ctx context.Context, t Type, id string) error {
	c, err := m.registry.Lookup(t, id)
	if err != nil {
		return err
	}
	if m.compat != nil && m.compat() && !c.Compatible {
		return fmt.Errorf("%w: %s/%s", ErrCompatibilityMode, t, id)
	}
	if err := m.checkFree(t, id); err != nil {
		return err
	}

	op, err := instantiate(c)
	if err != nil {
		return err
	}
	op.logger = m.logger
	if err := op.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFreeLocked(t, id); err != nil {
		if cerr := op.Close(); cerr != nil {
			m.logger.Warn("operation: close after lost slot race failed", "type", t.String(), "id", id, "error", cerr)
		}
		return err
	}
	if !t.Singleton() {
		m.filters = append(m.filters, op)
	} else {
		m.slots[t] = op
	}
	m.logger.Info("operation: loaded", "type", t.String(), "id", id)
	return nil
}

func (m *Manager) checkFree(t Type, id string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkFreeLocked(t, id)
}

func (m *Manager) checkFreeLocked(t Type, id string) error {
	if !t.Singleton() {
		if m.filterIndexLocked(id) >= 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateFilter, id)
		}
		return nil
	}
	if cur := m.slots[t]; cur != nil {
		return fmt.Errorf("%w: %s holds %s", ErrSlotOccupied, t, cur.ID())
	}
	return nil
}

func (m *Manager) filterIndexLocked(id string) int {
	return slices.IndexFunc(m.filters, func(op *Operation) bool { return op.ID() == id })
}

// installed returns the operation loaded for (t, id).
func (m *Manager) installed(t Type, id string) (*Operation, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpType, int(t))
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !t.Singleton() {
		if i := m.filterIndexLocked(id); i >= 0 {
			return m.filters[i], nil
		}
		return nil, fmt.Errorf("%w: %s/%s", ErrOperationUnloaded, t, id)
	}
	op := m.slots[t]
	if op == nil || op.ID() != id {
		return nil, fmt.Errorf("%w: %s/%s", ErrOperationUnloaded, t, id)
	}
	return op, nil
}

// Reload restarts the installed operation (t, id). If the restart fails the
// operation is removed from its slot.
func (m *Manager) Reload(ctx context.Context, t Type, id string) error {
	op, err := m.installed(t, id)
	if err != nil {
		return err
	}
	if err := op.Reload(ctx); err != nil {
		m.remove(op)
		if op.Active() {
			op.Close()
		}
		return err
	}
	m.logger.Info("operation: reloaded", "type", t.String(), "id", id)
	return nil
}

// Unload removes the installed operation (t, id) and closes it.
func (m *Manager) Unload(t Type, id string) error {
	op, err := m.installed(t, id)
	if err != nil {
		return err
	}
	m.remove(op)
	if err := op.Close(); err != nil {
		return err
	}
	m.logger.Info("operation: unloaded", "type", t.String(), "id", id)
	return nil
}

// UnloadAll closes every installed operation.
func (m *Manager) UnloadAll() error {
	m.mu.Lock()
	ops := make([]*Operation, 0, len(m.slots)+len(m.filters))
	for _, t := range Types() {
		if op := m.slots[t]; op != nil {
			ops = append(ops, op)
		}
	}
	ops = append(ops, m.filters...)
	clear(m.slots)
	m.filters = nil
	m.mu.Unlock()

	var errs []error
	for _, op := range ops {
		if err := op.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) remove(op *Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !op.Type().Singleton() {
		m.filters = slices.DeleteFunc(m.filters, func(o *Operation) bool { return o == op })
		return
	}
	if m.slots[op.Type()] == op {
		delete(m.slots, op.Type())
	}
}

// Use runs in through the operation loaded for t.
//
// For singleton slots a non-empty id must name the loaded operation. For the
// filter slot an empty id chains every active filter in registration
// order; a non-empty id addresses one filter. An empty slot always fails
// with ErrOperationUnloaded.
func (m *Manager) Use(ctx context.Context, t Type, id string, in stream.Stream) (stream.Stream, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpType, int(t))
	}
	if id != "" {
		op, err := m.installed(t, id)
		if err != nil {
			return nil, err
		}
		return op.Call(ctx, in)
	}

	m.mu.RLock()
	var chain []*Operation
	if !t.Singleton() {
		chain = slices.Clone(m.filters)
	} else if op := m.slots[t]; op != nil {
		chain = []*Operation{op}
	}
	m.mu.RUnlock()

	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrOperationUnloaded, t)
	}
	out := in
	for _, op := range chain {
		next, err := op.Call(ctx, out)
		if err != nil {
			out.CloseWithError(err)
			return nil, err
		}
		out = next
	}
	return out, nil
}

// IsLoaded reports whether the slot for t holds at least one operation.
func (m *Manager) IsLoaded(t Type) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !t.Singleton() {
		return len(m.filters) > 0
	}
	return m.slots[t] != nil
}

// Snapshot lists the loaded operation ids per slot.
type Snapshot struct {
	STT     string   `json:"stt,omitempty" yaml:"stt,omitempty"`
	T2T     string   `json:"t2t,omitempty" yaml:"t2t,omitempty"`
	TTSG    string   `json:"ttsg,omitempty" yaml:"ttsg,omitempty"`
	TTSC    string   `json:"ttsc,omitempty" yaml:"ttsc,omitempty"`
	Chunker string   `json:"chunker,omitempty" yaml:"chunker,omitempty"`
	Emotion string   `json:"emotion,omitempty" yaml:"emotion,omitempty"`
	Filters []string `json:"filters" yaml:"filters"`
}

// Get returns the ids loaded for t.
func (s Snapshot) Get(t Type) []string {
	var id string
	switch t {
	case STT:
		id = s.STT
	case T2T:
		id = s.T2T
	case TTSG:
		id = s.TTSG
	case TTSC:
		id = s.TTSC
	case Chunker:
		id = s.Chunker
	case Emotion:
		id = s.Emotion
	case Filter:
		return s.Filters
	}
	if id == "" {
		return nil
	}
	return []string{id}
}

// Loaded returns a snapshot of every slot.
func (m *Manager) Loaded() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id := func(t Type) string {
		if op := m.slots[t]; op != nil {
			return op.ID()
		}
		return ""
	}
	s := Snapshot{
		STT:     id(STT),
		T2T:     id(T2T),
		TTSG:    id(TTSG),
		TTSC:    id(TTSC),
		Chunker: id(Chunker),
		Emotion: id(Emotion),
		Filters: make([]string, 0, len(m.filters)),
	}
	for _, op := range m.filters {
		s.Filters = append(s.Filters, op.ID())
	}
	return s
}

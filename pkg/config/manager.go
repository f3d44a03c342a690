package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haivivi/charcore/pkg/kv"
)

// Manager holds the active configuration and persists named copies of it.
type Manager struct {
	store  kv.Store
	logger *slog.Logger

	mu  sync.RWMutex
	cur Config
	id  string
}

// NewManager returns a Manager whose active configuration is initial.
// Named configurations are stored in store under "config:<id>".
func NewManager(store kv.Store, initial Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	initial.normalize()
	return &Manager{store: store, logger: logger, cur: initial.Clone()}
}

func configKey(id string) kv.Key {
	return kv.Key{"config", id}
}

// Current returns a copy of the active configuration.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur.Clone()
}

// CompatibilityMode reports the active compatibility flag.
func (m *Manager) CompatibilityMode() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur.CompatibilityMode
}

// ID returns the id of the configuration last loaded or saved.
func (m *Manager) ID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.id
}

// Set replaces the active configuration after validating it.
func (m *Manager) Set(c Config) error {
	doc, err := ToMap(c)
	if err != nil {
		return err
	}
	valid, err := Merge(Config{}, doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cur = valid
	m.mu.Unlock()
	return nil
}

// Update merges patch into the active configuration. The merged document is
// validated first; on any error nothing changes.
func (m *Manager) Update(patch map[string]any) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := Merge(m.cur, patch)
	if err != nil {
		return Config{}, err
	}
	m.cur = next
	m.logger.Info("config: updated", "fields", len(patch))
	return next.Clone(), nil
}

// Load makes the configuration stored under id active.
func (m *Manager) Load(ctx context.Context, id string) (Config, error) {
	data, err := m.store.Get(ctx, configKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownConfig, id)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: load %q: %w", id, err)
	}
	c, err := ParseYAML(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: load %q: %w", id, err)
	}

	m.mu.Lock()
	m.cur = c
	m.id = id
	m.mu.Unlock()
	m.logger.Info("config: loaded", "id", id)
	return c.Clone(), nil
}

// Save stores the active configuration under id.
func (m *Manager) Save(ctx context.Context, id string) error {
	if err := configKey(id).Validate(); err != nil {
		return fmt.Errorf("config: save: %w", err)
	}
	data, err := MarshalYAML(m.Current())
	if err != nil {
		return fmt.Errorf("config: save %q: %w", id, err)
	}
	if err := m.store.Set(ctx, configKey(id), data); err != nil {
		return fmt.Errorf("config: save %q: %w", id, err)
	}
	m.mu.Lock()
	m.id = id
	m.mu.Unlock()
	m.logger.Info("config: saved", "id", id)
	return nil
}

// List returns the ids of every stored configuration.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	var ids []string
	for e, err := range m.store.List(ctx, kv.Key{"config"}) {
		if err != nil {
			return nil, fmt.Errorf("config: list: %w", err)
		}
		if len(e.Key) == 2 {
			ids = append(ids, e.Key[1])
		}
	}
	return ids, nil
}

// Package core wires the character backend together.
//
// New constructs exactly one of each component and hands them to each other
// by pointer:
//
//	Hub ◀── Scheduler ──▶ Core.Dispatch ──▶ Manager, Prompter, Config, Pipeline
//
// Jobs are the only way state changes. Transports submit them with
// Scheduler.Create and read their progress from the Hub.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haivivi/charcore/pkg/broadcast"
	"github.com/haivivi/charcore/pkg/config"
	"github.com/haivivi/charcore/pkg/jobs"
	"github.com/haivivi/charcore/pkg/kv"
	"github.com/haivivi/charcore/pkg/operation"
	"github.com/haivivi/charcore/pkg/operation/backends"
	"github.com/haivivi/charcore/pkg/pipeline"
	"github.com/haivivi/charcore/pkg/prompter"
)

// Options configures New.
type Options struct {
	// Config is the initial configuration, validated before use. Nil means
	// config.Default().
	Config *config.Config

	// Store holds named configurations. Nil means an in-memory store.
	Store kv.Store

	// Capabilities are registered in addition to the built-in backends.
	Capabilities []operation.Capability

	// NoBuiltins skips registering the built-in backends.
	NoBuiltins bool

	// Now is the clock used for timestamps. Nil means time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Core owns every component of one process.
type Core struct {
	Hub        *broadcast.Hub
	Registry   *operation.Registry
	Operations *operation.Manager
	Prompter   *prompter.Prompter
	Config     *config.Manager
	Scheduler  *jobs.Scheduler

	pipeline *pipeline.Pipeline
	store    kv.Store
	now      func() time.Time
	logger   *slog.Logger
}

// New builds a Core. Nothing runs until Run is called.
func New(opts Options) (*Core, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	store := opts.Store
	if store == nil {
		store = kv.NewMemory()
	}

	c := &Core{
		Hub:    broadcast.NewHub(logger),
		Config: config.NewManager(store, config.Default(), logger),
		store:  store,
		now:    now,
		logger: logger,
	}
	if opts.Config != nil {
		if err := c.Config.Set(*opts.Config); err != nil {
			return nil, fmt.Errorf("core: %w", err)
		}
	}
	initial := c.Config.Current()

	reg, err := operation.NewRegistry()
	if err != nil {
		return nil, err
	}
	if !opts.NoBuiltins {
		settings := func() config.Backends { return c.Config.Current().Backends }
		if err := backends.Register(reg, settings, logger); err != nil {
			return nil, fmt.Errorf("core: register backends: %w", err)
		}
	}
	for _, extra := range opts.Capabilities {
		if err := reg.Register(extra); err != nil {
			return nil, fmt.Errorf("core: %w", err)
		}
	}
	c.Registry = reg
	c.Operations = operation.NewManager(reg, operation.ManagerConfig{
		Compatibility: c.Config.CompatibilityMode,
		Logger:        logger,
	})

	p := initial.Prompt
	c.Prompter = prompter.New(prompter.Config{
		Character:        p.Character,
		HistoryLength:    p.HistoryLength,
		NameTranslations: p.NameTranslations,
		Now:              now,
		Logger:           logger,
	})
	c.pipeline = pipeline.New(pipeline.Config{
		Operations: c.Operations,
		Prompter:   c.Prompter,
		Now:        now,
		Logger:     logger,
	})
	c.Scheduler = jobs.NewScheduler(jobs.Config{
		Dispatcher: c,
		Publisher:  c.Hub,
		Classify:   ErrorCode,
		Logger:     logger,
	})
	return c, nil
}

// Run runs the job loop until ctx is done.
func (c *Core) Run(ctx context.Context) error {
	return c.Scheduler.Run(ctx)
}

// Apply pushes the active configuration into the prompter and syncs the
// loaded operations with it: every operation is unloaded, remotes are
// probed, and each configured operation is started in slot order.
func (c *Core) Apply(ctx context.Context) error {
	cfg := c.Config.Current()
	c.configurePrompter(cfg)

	if err := c.Operations.UnloadAll(); err != nil {
		c.logger.Warn("core: unload failed", "error", err)
	}
	var errs []error
	for _, r := range cfg.Remotes {
		if err := c.register(ctx, r.URL); err != nil {
			errs = append(errs, err)
		}
	}
	for _, w := range wanted(cfg.Operations) {
		if err := c.Operations.Start(ctx, w.typ, w.id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Core) configurePrompter(cfg config.Config) {
	c.Prompter.Configure(cfg.Prompt.Character, cfg.Prompt.HistoryLength, cfg.Prompt.NameTranslations)
}

// register probes a remote operation server and adds its capability. A
// server already registered under the same (type, id) is kept.
func (c *Core) register(ctx context.Context, url string) error {
	meta, err := backends.Probe(ctx, url)
	if err != nil {
		return err
	}
	rc, err := backends.RemoteCapability(meta, url, c.logger)
	if err != nil {
		return fmt.Errorf("core: remote %s: %w", url, err)
	}
	if c.Registry.Has(rc.Type, rc.ID) {
		return nil
	}
	if err := c.Registry.Register(rc); err != nil {
		return fmt.Errorf("core: remote %s: %w", url, err)
	}
	c.logger.Info("core: remote registered", "url", url, "type", rc.Type.String(), "id", rc.ID)
	return nil
}

type slotID struct {
	typ operation.Type
	id  string
}

func wanted(ops config.Operations) []slotID {
	var out []slotID
	for _, s := range []slotID{
		{operation.STT, ops.STT},
		{operation.T2T, ops.T2T},
		{operation.TTSG, ops.TTSG},
		{operation.TTSC, ops.TTSC},
		{operation.Chunker, ops.Chunker},
		{operation.Emotion, ops.Emotion},
	} {
		if s.id != "" {
			out = append(out, s)
		}
	}
	for _, id := range ops.Filters {
		out = append(out, slotID{operation.Filter, id})
	}
	return out
}

// Close unloads every operation and closes the store.
func (c *Core) Close() error {
	return errors.Join(c.Operations.UnloadAll(), c.store.Close())
}

// Package prompter keeps the conversation state a reply is generated from
// and renders it into the system and user prompts of a T2T operation.
//
// State is mutated only by job handlers, which the scheduler runs one at a
// time. The mutex only protects snapshot reads from transport goroutines.
package prompter

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"text/template"
	"time"

	_ "embed"
)

var (
	// ErrUnknownContext means no custom context is registered under the id.
	ErrUnknownContext = errors.New("prompter: unknown context")

	// ErrInvalidContext means a custom context id or name is empty, or the
	// id is already registered.
	ErrInvalidContext = errors.New("prompter: invalid context")
)

var (
	//go:embed system.gotmpl
	systemTplContent string

	//go:embed user.gotmpl
	userTplContent string

	systemTpl = template.Must(template.New("system").Parse(systemTplContent))
	userTpl   = template.Must(template.New("user").Parse(userTplContent))
)

// DefaultHistoryLength caps history when Config.HistoryLength is zero.
const DefaultHistoryLength = 50

// Config configures a Prompter.
type Config struct {
	Character        string
	HistoryLength    int
	NameTranslations map[string]string

	// Now stamps requests when they are rendered. Nil means time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Context is a registered custom context.
type Context struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Prompter holds history, pending requests and custom contexts.
type Prompter struct {
	now    func() time.Time
	logger *slog.Logger

	mu           sync.RWMutex
	character    string
	length       int
	translations map[string]string
	history      []Entry
	requests     []string
	contexts     []Context
}

// New returns an empty Prompter.
func New(cfg Config) *Prompter {
	p := &Prompter{
		now:    cfg.Now,
		logger: cfg.Logger,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.Configure(cfg.Character, cfg.HistoryLength, cfg.NameTranslations)
	return p
}

// Configure replaces the character description, history cap and name
// translations. Shrinking the cap evicts the oldest entries at once.
func (p *Prompter) Configure(character string, length int, translations map[string]string) {
	if length <= 0 {
		length = DefaultHistoryLength
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.character = character
	p.length = length
	p.translations = maps.Clone(translations)
	p.trimLocked()
}

func (p *Prompter) trimLocked() {
	if n := len(p.history) - p.length; n > 0 {
		p.history = slices.Delete(p.history, 0, n)
	}
}

func (p *Prompter) appendLocked(e Entry) {
	p.history = append(p.history, e)
	p.trimLocked()
}

func (p *Prompter) translate(name string) string {
	if t, ok := p.translations[name]; ok {
		return t
	}
	return name
}

// Clear drops the history and every pending request. Custom contexts stay
// registered.
func (p *Prompter) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = nil
	p.requests = nil
	p.logger.Debug("prompter: cleared")
}

// AddChat appends a line said by user.
func (p *Prompter) AddChat(user, message string, at time.Time) error {
	if user == "" || message == "" {
		return fmt.Errorf("prompter: chat entry needs a user and a message")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appendLocked(&ChatEntry{User: user, Message: message, At: at})
	return nil
}

// RecordResponse appends the character's own reply.
func (p *Prompter) RecordResponse(message string, at time.Time) {
	if message == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appendLocked(&ChatEntry{User: SelfIdentifier, Message: message, At: at})
}

// AddRequest queues a request for the next render.
func (p *Prompter) AddRequest(message string) error {
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("prompter: empty request")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, message)
	return nil
}

// Register adds a custom context.
func (p *Prompter) Register(id, name, description string) error {
	if id == "" || name == "" {
		return fmt.Errorf("%w: id and name are required", ErrInvalidContext)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.contextIndexLocked(id) >= 0 {
		return fmt.Errorf("%w: %q already registered", ErrInvalidContext, id)
	}
	p.contexts = append(p.contexts, Context{ID: id, Name: name, Description: description})
	return nil
}

// Remove unregisters a custom context. Its history lines stay.
func (p *Prompter) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.contextIndexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownContext, id)
	}
	p.contexts = slices.Delete(p.contexts, i, i+1)
	return nil
}

// AddContext appends a line to the custom context id.
func (p *Prompter) AddContext(id, message string, at time.Time) error {
	if message == "" {
		return fmt.Errorf("prompter: empty context message")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.contextIndexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownContext, id)
	}
	p.appendLocked(&CustomEntry{Context: id, Name: p.contexts[i].Name, Message: message, At: at})
	return nil
}

func (p *Prompter) contextIndexLocked(id string) int {
	return slices.IndexFunc(p.contexts, func(c Context) bool { return c.ID == id })
}

// Contexts returns the registered custom contexts in registration order.
func (p *Prompter) Contexts() []Context {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.contexts)
}

// History returns the current history, oldest first.
func (p *Prompter) History() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.history)
}

// Pending returns the number of requests waiting for the next render.
func (p *Prompter) Pending() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.requests)
}

// Render returns the system and user prompts for the next reply.
//
// The pending requests appear in the user prompt's request section and are
// then moved into history as RequestEntry lines, so each request is shown
// as a request exactly once.
func (p *Prompter) Render() (system, user string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var sb strings.Builder
	if err := systemTpl.Execute(&sb, map[string]any{
		"Self":      SelfIdentifier,
		"Contexts":  p.contexts,
		"Character": p.character,
	}); err != nil {
		return "", "", fmt.Errorf("prompter: render system prompt: %w", err)
	}
	system = sb.String()

	lines := make([]string, len(p.history))
	for i, e := range p.history {
		lines[i] = Format(e, p.translate)
	}
	reqs := make([]string, len(p.requests))
	for i, r := range p.requests {
		reqs[i] = oneLine(r)
	}
	sb.Reset()
	if err := userTpl.Execute(&sb, map[string]any{
		"History":  lines,
		"Requests": reqs,
	}); err != nil {
		return "", "", fmt.Errorf("prompter: render user prompt: %w", err)
	}
	user = sb.String()

	now := p.now()
	for _, r := range p.requests {
		p.appendLocked(&RequestEntry{Message: r, At: now})
	}
	p.requests = nil
	return system, user, nil
}

// Package pipeline builds and runs the response graph of a reply.
//
// A graph is assembled per reply from whatever operations are loaded at
// that moment:
//
//	prompt ─▶ t2t ─▶ [prompt] ─▶ chunker? ─▶ [text_raw] ─┬─▶ emotion? ─▶ [emotion]
//	                                                     └─▶ filters? ─▶ [text_final] ─┬─▶ history
//	                                                                                   └─▶ ttsg? ─▶ ttsc? ─▶ [tts_final]
//
// Bracketed nodes are broadcast stages, published as chunks pass through
// them. Every fork is a stream.Multiplex, so a slow branch never stalls
// the others.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haivivi/charcore/pkg/broadcast"
	"github.com/haivivi/charcore/pkg/operation"
	"github.com/haivivi/charcore/pkg/stream"
)

// Job receives the intermediate events and cleanups of a reply.
type Job interface {
	Emit(stage string, c *stream.Chunk)
	OnCancel(fn func())
}

// Prompter renders prompts and records the reply.
type Prompter interface {
	Render() (system, user string, err error)
	RecordResponse(message string, at time.Time)
}

// Options are the per-reply switches.
type Options struct {
	OutputAudio bool

	// SkipTTSC skips tone conversion. Nil means skip when no TTSC is
	// loaded.
	SkipTTSC *bool
}

// Config configures a Pipeline.
type Config struct {
	Operations *operation.Manager
	Prompter   Prompter

	// Now stamps the recorded reply. Nil means time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Pipeline runs replies against a Manager.
type Pipeline struct {
	ops      *operation.Manager
	prompter Prompter
	now      func() time.Time
	logger   *slog.Logger
}

// New returns a Pipeline.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		ops:      cfg.Operations,
		prompter: cfg.Prompter,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// plan is the outcome of the pre-flight checks.
type plan struct {
	audio   bool
	ttsc    bool
	chunker bool
	filters bool
	emotion bool
}

func (p *Pipeline) preflight(opts Options) (plan, error) {
	if !p.ops.IsLoaded(operation.T2T) {
		return plan{}, fmt.Errorf("%w: %s", operation.ErrOperationUnloaded, operation.T2T)
	}
	pl := plan{
		audio:   opts.OutputAudio,
		chunker: p.ops.IsLoaded(operation.Chunker),
		filters: p.ops.IsLoaded(operation.Filter),
		emotion: p.ops.IsLoaded(operation.Emotion),
	}
	if !pl.audio {
		return pl, nil
	}
	if !p.ops.IsLoaded(operation.TTSG) {
		return plan{}, fmt.Errorf("%w: %s", operation.ErrOperationUnloaded, operation.TTSG)
	}
	hasTTSC := p.ops.IsLoaded(operation.TTSC)
	switch {
	case opts.SkipTTSC == nil:
		pl.ttsc = hasTTSC
	case !*opts.SkipTTSC:
		if !hasTTSC {
			return plan{}, fmt.Errorf("%w: %s", operation.ErrOperationUnloaded, operation.TTSC)
		}
		pl.ttsc = true
	}
	return pl, nil
}

// Respond produces one reply. It returns after every stage has finished,
// including when ctx is cancelled or a stage fails.
func (p *Pipeline) Respond(ctx context.Context, job Job, opts Options) error {
	pl, err := p.preflight(opts)
	if err != nil {
		return err
	}
	system, user, err := p.prompter.Render()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	g := &graph{ctx: ctx, cancel: cancel, job: job, logger: p.logger}

	p.build(g, pl, &stream.Prompt{System: system, User: user})
	if err := g.wait(); err != nil {
		return err
	}
	if text := strings.TrimSpace(g.reply); g.replied && text != "" {
		p.prompter.RecordResponse(text, p.now())
	}
	return nil
}

// build wires the graph and starts its terminal readers. A wiring failure
// is recorded on g.
//
// Broadcast stages on the main path are taps: a chunk is published at a
// stage before the next stage can read it, so one chunk's events always
// arrive in stage order.
func (p *Pipeline) build(g *graph, pl plan, prompt *stream.Prompt) {
	t2t, err := p.ops.Use(g.ctx, operation.T2T, "", stream.FromParts(prompt))
	if err != nil {
		g.fail(err)
		return
	}
	text := g.tap(t2t, broadcast.StagePrompt)

	if pl.chunker {
		if text, err = g.then(p.ops, operation.Chunker, text); err != nil {
			return
		}
	}
	text = g.tap(text, broadcast.StageTextRaw)

	filtered := text
	if pl.emotion {
		outs := g.multiplex(text, map[string]stream.Consumer{
			"emotion":  g.use(p.ops, operation.Emotion, g.broadcast(broadcast.StageEmotion)),
			"filtered": nil,
		})
		g.drain("emotion", outs["emotion"])
		filtered = outs["filtered"]
	}
	if pl.filters {
		if filtered, err = g.then(p.ops, operation.Filter, filtered); err != nil {
			return
		}
	}
	final := g.tap(filtered, broadcast.StageTextFinal)

	var reply strings.Builder
	consumers := map[string]stream.Consumer{
		"history": stream.Sink(func(c *stream.Chunk) error {
			t, _ := c.Text()
			reply.WriteString(t)
			return nil
		}),
	}
	if pl.audio {
		consumers["tts"] = nil
	}
	join, outs := g.multiplexJoin(final, consumers)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		// The queue ends cleanly even when an upstream stage fails, so the
		// join decides whether the reply is complete.
		if stream.Drain(outs["history"]) != nil || join.Wait() != nil {
			return
		}
		g.mu.Lock()
		g.reply, g.replied = reply.String(), true
		g.mu.Unlock()
	}()

	if pl.audio {
		speech, err := g.then(p.ops, operation.TTSG, outs["tts"])
		if err != nil {
			return
		}
		if pl.ttsc {
			if speech, err = g.then(p.ops, operation.TTSC, speech); err != nil {
				return
			}
		}
		g.drain("tts_final", g.tap(speech, broadcast.StageTTSFinal))
	}
}

// graph tracks the goroutines and joins of one reply.
type graph struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	job    Job
	logger *slog.Logger

	wg sync.WaitGroup

	mu      sync.Mutex
	err     error
	reply   string
	replied bool
}

// fail records the first error and tears the graph down.
func (g *graph) fail(err error) {
	g.mu.Lock()
	if g.err == nil {
		g.err = err
	}
	g.mu.Unlock()
	g.cancel(err)
}

func (g *graph) multiplex(in stream.Stream, consumers map[string]stream.Consumer) map[string]stream.Stream {
	_, outs := g.multiplexJoin(in, consumers)
	return outs
}

func (g *graph) multiplexJoin(in stream.Stream, consumers map[string]stream.Consumer) (*stream.Join, map[string]stream.Stream) {
	outs, j := stream.Multiplex(consumers, in)
	g.job.OnCancel(func() { j.Stop(context.Cause(g.ctx)) })
	stop := context.AfterFunc(g.ctx, func() { j.Stop(context.Cause(g.ctx)) })
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer stop()
		if err := j.Wait(); err != nil {
			g.fail(err)
		}
	}()
	return j, outs
}

// tap publishes every chunk of s at stage as it is read.
func (g *graph) tap(s stream.Stream, stage string) stream.Stream {
	return stream.Tap(s, func(c *stream.Chunk) { g.job.Emit(stage, c) })
}

// then feeds in to the loaded operation of type t. On failure in is
// aborted and the graph torn down.
func (g *graph) then(ops *operation.Manager, t operation.Type, in stream.Stream) (stream.Stream, error) {
	out, err := ops.Use(g.ctx, t, "", in)
	if err != nil {
		in.CloseWithError(err)
		g.fail(err)
		return nil, err
	}
	return out, nil
}

// broadcast returns a consumer publishing every chunk at stage.
func (g *graph) broadcast(stage string) stream.Consumer {
	return stream.Sink(func(c *stream.Chunk) error {
		g.job.Emit(stage, c)
		return nil
	})
}

// use returns a consumer running the loaded operation of type t and
// handing its output to next.
func (g *graph) use(ops *operation.Manager, t operation.Type, next stream.Consumer) stream.Consumer {
	return func(in stream.Stream) stream.Stream {
		out, err := ops.Use(g.ctx, t, "", in)
		if err != nil {
			in.CloseWithError(err)
			return stream.Error(err)
		}
		return next(out)
	}
}

// drain reads a terminal stream to the end on its own goroutine.
func (g *graph) drain(name string, s stream.Stream) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := stream.Drain(s); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			g.logger.Debug("pipeline: stage failed", "stage", name, "error", err)
			g.fail(err)
		}
	}()
}

// wait blocks until every goroutine has returned and reports the first
// failure. A cancelled reply reports the cancellation cause.
func (g *graph) wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err == nil && g.ctx.Err() != nil {
		return context.Cause(g.ctx)
	}
	return g.err
}

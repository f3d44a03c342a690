package operation

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/haivivi/charcore/pkg/stream"
)

// Backend is the type-specific implementation behind an Operation.
//
// Start acquires whatever the backend needs (clients, connections, models)
// and Close releases it. Generate reads validated chunks from in and emits
// results through out; it must return when ctx is done. Generate is never
// called on a backend that is not started.
type Backend interface {
	Start(ctx context.Context) error
	Close() error
	Generate(ctx context.Context, in *Input, out *Output) error
}

// Operation wraps a Backend with the Unloaded/Active lifecycle.
type Operation struct {
	typ        Type
	id         string
	compatible bool
	backend    Backend
	logger     *slog.Logger

	mu     sync.Mutex
	active bool
}

// New returns an unloaded operation around b.
func New(typ Type, id string, b Backend) *Operation {
	return &Operation{
		typ:        typ,
		id:         id,
		compatible: true,
		backend:    b,
		logger:     slog.Default(),
	}
}

func (o *Operation) Type() Type       { return o.typ }
func (o *Operation) ID() string       { return o.id }
func (o *Operation) Compatible() bool { return o.compatible }
func (o *Operation) String() string   { return o.typ.String() + "/" + o.id }

// Backend returns the wrapped backend.
func (o *Operation) Backend() Backend { return o.backend }

// Active reports whether the operation has been started and not closed.
func (o *Operation) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Start moves the operation from Unloaded to Active.
func (o *Operation) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active {
		return fmt.Errorf("%w: %s", ErrStartOnActive, o)
	}
	if err := o.backend.Start(ctx); err != nil {
		return fmt.Errorf("operation: start %s: %w", o, err)
	}
	o.active = true
	o.logger.Debug("operation: started", "op", o.String())
	return nil
}

// Close moves the operation from Active to Unloaded, releasing the
// backend's resources. The operation is Unloaded afterwards even when the
// backend reports an error.
func (o *Operation) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.active {
		return fmt.Errorf("%w: %s", ErrCloseOnInactive, o)
	}
	o.active = false
	if err := o.backend.Close(); err != nil {
		return fmt.Errorf("operation: close %s: %w", o, err)
	}
	o.logger.Debug("operation: closed", "op", o.String())
	return nil
}

// Reload is Close followed by Start.
func (o *Operation) Reload(ctx context.Context) error {
	if err := o.Close(); err != nil {
		return err
	}
	return o.Start(ctx)
}

// Call runs the backend over in and returns its output stream.
//
// Every input chunk is checked against the type's contract before the
// backend sees it. Every output chunk keeps the extras of the input chunk
// it was produced from. Cancelling ctx aborts both streams with the
// cancellation cause; a consumer aborting the output stops the backend and
// propagates the error to in.
func (o *Operation) Call(ctx context.Context, in stream.Stream) (stream.Stream, error) {
	if !o.Active() {
		return nil, fmt.Errorf("%w: %s", ErrUsedWhileInactive, o)
	}
	out := stream.NewPipe(16)
	input := &Input{typ: o.typ, src: in}
	output := &Output{typ: o.typ, in: input, pipe: out}
	go o.generate(ctx, input, output)
	return out, nil
}

func (o *Operation) generate(ctx context.Context, in *Input, out *Output) {
	stop := context.AfterFunc(ctx, func() {
		err := context.Cause(ctx)
		out.pipe.CloseWithError(err)
		in.src.CloseWithError(err)
	})
	defer stop()

	if err := o.backend.Generate(ctx, in, out); err != nil {
		o.logger.Debug("operation: generate failed", "op", o.String(), "error", err)
		err = fmt.Errorf("operation: %s: %w", o, err)
		out.pipe.CloseWithError(err)
		in.src.CloseWithError(err)
		return
	}
	out.pipe.Close()
	// Tell the upstream producer nothing more will be read.
	in.src.Close()
}

// Input is the validated view of an operation's input stream.
type Input struct {
	typ Type
	src stream.Stream
	cur *stream.Chunk
}

// Next returns the next input chunk, io.EOF at the end, or an error wrapping
// ErrContractViolation if the chunk does not carry the required part.
func (in *Input) Next() (*stream.Chunk, error) {
	c, err := in.src.Next()
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: nil chunk", ErrContractViolation)
	}
	if err := checkPart(in.typ.Accepts(), c.Part); err != nil {
		return nil, err
	}
	in.cur = c
	return c, nil
}

// Current returns the chunk most recently returned by Next.
func (in *Input) Current() *stream.Chunk {
	return in.cur
}

// All iterates the remaining input. A final non-nil error is yielded once,
// with a nil chunk; io.EOF ends the iteration silently.
func (in *Input) All() iter.Seq2[*stream.Chunk, error] {
	return func(yield func(*stream.Chunk, error) bool) {
		for {
			c, err := in.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Output is the sink an operation writes its results to.
type Output struct {
	typ  Type
	in   *Input
	pipe *stream.Pipe
}

// Emit publishes p merged with the extras of the current input chunk.
func (out *Output) Emit(p stream.Part) error {
	if err := checkPart(out.typ.Produces(), p); err != nil {
		return err
	}
	return out.pipe.Push(out.in.Current().With(p))
}

// EmitExtra publishes p with the given extras instead of the current input
// chunk's. Backends that read their input on another goroutine use it.
func (out *Output) EmitExtra(p stream.Part, extra map[string]any) error {
	if err := checkPart(out.typ.Produces(), p); err != nil {
		return err
	}
	return out.pipe.Push(&stream.Chunk{Part: p, Extra: extra})
}

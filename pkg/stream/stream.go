package stream

import (
	"errors"
	"io"
	"sync"

	"github.com/haivivi/charcore/pkg/buffer"
)

// Stream is a pull-based sequence of chunks. Next returns io.EOF at the end
// of a stream that completed normally.
//
// Close ends the stream gracefully. CloseWithError aborts it; producers
// writing into the stream observe the error, which is how cancellation
// travels backwards through a pipeline.
type Stream interface {
	Next() (*Chunk, error)
	Close() error
	CloseWithError(error) error
}

// Pipe is a Stream backed by an unbounded buffer. A producer goroutine
// pushes chunks with Push and ends the stream with Close or CloseWithError.
type Pipe struct {
	buf    *buffer.Buffer[*Chunk]
	mu     sync.Mutex
	closed bool
}

// NewPipe returns an empty pipe with capacity hint n.
func NewPipe(n int) *Pipe {
	return &Pipe{buf: buffer.N[*Chunk](n)}
}

// Push appends c. It fails once the pipe is closed.
func (p *Pipe) Push(c *Chunk) error {
	return p.buf.Add(c)
}

func (p *Pipe) Next() (*Chunk, error) {
	c, err := p.buf.Next()
	if errors.Is(err, buffer.ErrIteratorDone) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Close ends the write side; buffered chunks are still delivered.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.buf.CloseWrite()
	}
	return nil
}

// CloseWithError aborts the pipe. It takes effect even after Close, so a
// reader that gives up can still fail a producer that is mid-push.
func (p *Pipe) CloseWithError(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.buf.CloseWithError(err)
	return nil
}

// Len returns the number of buffered chunks.
func (p *Pipe) Len() int {
	return p.buf.Len()
}

// FromChunks returns a closed stream yielding cs in order.
func FromChunks(cs ...*Chunk) Stream {
	p := NewPipe(len(cs))
	for _, c := range cs {
		p.Push(c)
	}
	p.Close()
	return p
}

// FromParts is FromChunks over chunks without extras.
func FromParts(ps ...Part) Stream {
	p := NewPipe(len(ps))
	for _, part := range ps {
		p.Push(New(part))
	}
	p.Close()
	return p
}

// Error returns a stream whose first Next fails with err.
func Error(err error) Stream {
	p := NewPipe(0)
	p.CloseWithError(err)
	return p
}

// Tap returns a stream yielding the chunks of s. fn observes each chunk
// before the reader receives it, so whatever fn records for a chunk
// happens before anything downstream does with it.
func Tap(s Stream, fn func(*Chunk)) Stream {
	return &tap{Stream: s, fn: fn}
}

type tap struct {
	Stream
	fn func(*Chunk)
}

func (t *tap) Next() (*Chunk, error) {
	c, err := t.Stream.Next()
	if err != nil {
		return nil, err
	}
	t.fn(c)
	return c, nil
}

// Collect drains s and returns every chunk. A stream error is returned with
// the chunks read so far.
func Collect(s Stream) ([]*Chunk, error) {
	var out []*Chunk
	for {
		c, err := s.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
}

// CollectText drains s and concatenates its Text parts.
func CollectText(s Stream) (string, error) {
	var b []byte
	for {
		c, err := s.Next()
		if err == io.EOF {
			return string(b), nil
		}
		if err != nil {
			return string(b), err
		}
		if t, ok := c.Text(); ok {
			b = append(b, t...)
		}
	}
}

// Drain reads s to the end, discarding chunks.
func Drain(s Stream) error {
	for {
		_, err := s.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

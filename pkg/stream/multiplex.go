package stream

import (
	"io"
	"sync"
)

// Consumer transforms the reader of a multiplexed queue into a downstream
// stream. A nil Consumer hands out the queue reader itself.
type Consumer func(Stream) Stream

// Join tracks the producer goroutine started by Multiplex.
type Join struct {
	in     Stream
	queues []*Pipe
	done   chan struct{}
	err    error
}

// Wait blocks until the input is exhausted and every queue is closed for
// writing. It returns the input's error, if the input failed.
func (j *Join) Wait() error {
	<-j.done
	return j.err
}

// Stop aborts the fan-out: the input and every consumer queue are closed
// with err. It is safe to call at any time and more than once.
func (j *Join) Stop(err error) {
	if err == nil {
		err = io.ErrClosedPipe
	}
	j.in.CloseWithError(err)
	for _, q := range j.queues {
		q.CloseWithError(err)
	}
}

// Multiplex fans in out to every consumer.
//
// Each consumer reads from a private unbounded queue. A single goroutine
// reads in to exhaustion and pushes every chunk onto every queue in arrival
// order, so each consumer observes exactly the input sequence regardless of
// how fast the others read. When in ends, normally or not, the queues are
// closed for writing and consumers terminate after draining them. Consumers
// that close their queue early simply stop receiving.
func Multiplex(consumers map[string]Consumer, in Stream) (map[string]Stream, *Join) {
	j := &Join{
		in:     in,
		queues: make([]*Pipe, 0, len(consumers)),
		done:   make(chan struct{}),
	}
	outs := make(map[string]Stream, len(consumers))
	for name, consume := range consumers {
		q := NewPipe(16)
		j.queues = append(j.queues, q)
		if consume == nil {
			outs[name] = q
			continue
		}
		outs[name] = consume(q)
	}

	go func() {
		defer close(j.done)
		defer func() {
			for _, q := range j.queues {
				q.Close()
			}
		}()
		for {
			c, err := in.Next()
			if err != nil {
				if err != io.EOF {
					j.err = err
				}
				return
			}
			for _, q := range j.queues {
				q.Push(c)
			}
		}
	}()

	return outs, j
}

// Sink returns a consumer that applies fn to every chunk and yields nothing.
// The returned stream must still be drained; it ends when its input ends.
func Sink(fn func(*Chunk) error) Consumer {
	return func(in Stream) Stream {
		return &sinkStream{in: in, fn: fn}
	}
}

type sinkStream struct {
	in Stream
	fn func(*Chunk) error

	mu  sync.Mutex
	err error
}

func (s *sinkStream) Next() (*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for {
		c, err := s.in.Next()
		if err != nil {
			s.err = err
			return nil, err
		}
		if err := s.fn(c); err != nil {
			s.err = err
			s.in.CloseWithError(err)
			return nil, err
		}
	}
}

func (s *sinkStream) Close() error {
	return s.in.Close()
}

func (s *sinkStream) CloseWithError(err error) error {
	return s.in.CloseWithError(err)
}

package buffer

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrIteratorDone is returned by Next once the buffer is closed for writing
// and every element has been consumed.
var ErrIteratorDone = errors.New("buffer: iterator done")

// Buffer is an unbounded, thread-safe FIFO queue.
//
// Writers never block: Add appends to a growable slice. Readers block in
// Next until an element arrives or the buffer is closed.
//
// Two shutdown modes are supported. CloseWrite ends the stream gracefully:
// readers keep draining what is buffered and only then observe the end.
// CloseWithError aborts: buffered elements are discarded and every pending
// and future call returns the error.
type Buffer[T any] struct {
	mu         sync.Mutex
	cond       *sync.Cond
	closeWrite bool
	closeErr   error
	buf        []T
	head       int
}

// N creates a Buffer with an initial capacity hint of n elements.
func N[T any](n int) *Buffer[T] {
	b := &Buffer[T]{buf: make([]T, 0, n)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *Buffer[T]) writableLocked() error {
	if b.closeErr != nil {
		return fmt.Errorf("buffer: write to closed buffer: %w", b.closeErr)
	}
	if b.closeWrite {
		return fmt.Errorf("buffer: write to closed buffer: %w", io.ErrClosedPipe)
	}
	return nil
}

// Add appends a single element and wakes a waiting reader.
func (b *Buffer[T]) Add(t T) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writableLocked(); err != nil {
		return err
	}
	b.buf = append(b.buf, t)
	b.cond.Signal()
	return nil
}

// waitLocked blocks until an element is available. It returns
// ErrIteratorDone once the buffer is closed for writing and drained.
//
// Emptiness is checked before the write-closed flag, so elements buffered
// before CloseWrite are always delivered.
func (b *Buffer[T]) waitLocked() error {
	for {
		if b.closeErr != nil {
			return fmt.Errorf("buffer: read from closed buffer: %w", b.closeErr)
		}
		if len(b.buf)-b.head > 0 {
			return nil
		}
		if b.closeWrite {
			return ErrIteratorDone
		}
		b.cond.Wait()
	}
}

// Next removes and returns the oldest element. It blocks while the buffer is
// empty and open, and returns ErrIteratorDone after CloseWrite once drained.
func (b *Buffer[T]) Next() (t T, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err = b.waitLocked(); err != nil {
		return
	}
	t = b.buf[b.head]
	var zero T
	b.buf[b.head] = zero
	b.head++
	b.compactLocked()
	return t, nil
}

// compactLocked reclaims the consumed prefix once it dominates the slice.
func (b *Buffer[T]) compactLocked() {
	if b.head == len(b.buf) {
		b.buf = b.buf[:0]
		b.head = 0
		return
	}
	if b.head > 64 && b.head*2 > len(b.buf) {
		n := copy(b.buf, b.buf[b.head:])
		clear(b.buf[n:])
		b.buf = b.buf[:n]
		b.head = 0
	}
}

// CloseWrite ends the write side. Readers drain what is buffered and then
// see the end of the stream. Calling it more than once is a no-op.
func (b *Buffer[T]) CloseWrite() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closeWrite {
		return nil
	}
	b.closeWrite = true
	b.cond.Broadcast()
	return nil
}

// CloseWithError closes both ends. Buffered elements are dropped and every
// subsequent call returns err. A nil err means io.ErrClosedPipe. Only the
// first error is kept.
func (b *Buffer[T]) CloseWithError(err error) error {
	if err == nil {
		err = io.ErrClosedPipe
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closeErr != nil {
		return nil
	}
	b.closeErr = err
	b.closeWrite = true
	b.buf = nil
	b.head = 0
	b.cond.Broadcast()
	return nil
}

// Len returns the number of buffered, unread elements.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf) - b.head
}

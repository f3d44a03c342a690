// Package kv provides the key-value storage behind named configurations.
//
// Keys are hierarchical paths such as Key{"config", "default"} and are
// encoded with ':' between segments. Two implementations are provided:
// Badger for on-disk persistence and Memory for tests and ephemeral runs.
// Open selects one from a URL.
package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

const separator = ':'

// Key is a hierarchical path of segments. Segments must not contain ':'.
type Key []string

func (k Key) String() string {
	return strings.Join(k, string(separator))
}

func (k Key) encode() []byte {
	return []byte(k.String())
}

// prefix returns the encoded key followed by a separator so that a prefix
// "a:b" never matches "a:bc". An empty key matches everything.
func (k Key) prefix() []byte {
	if len(k) == 0 {
		return nil
	}
	return append(k.encode(), separator)
}

func decodeKey(b []byte) Key {
	return Key(strings.Split(string(b), string(separator)))
}

// Validate reports segments that would corrupt the encoding.
func (k Key) Validate() error {
	if len(k) == 0 {
		return errors.New("kv: empty key")
	}
	for _, seg := range k {
		if seg == "" || strings.IndexByte(seg, separator) >= 0 {
			return fmt.Errorf("kv: invalid key segment %q", seg)
		}
	}
	return nil
}

// Entry is a key-value pair returned by List.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is a key-value store with path-based keys.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error

	// List iterates entries under prefix in lexicographic key order.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	Close() error
}

// Open returns the store described by url: "memory://" or
// "badger:///path/to/dir".
func Open(url string, logger *slog.Logger) (Store, error) {
	switch {
	case url == "" || url == "memory://":
		return NewMemory(), nil
	case strings.HasPrefix(url, "badger://"):
		return NewBadger(BadgerOptions{
			Dir:    strings.TrimPrefix(url, "badger://"),
			Logger: logger,
		})
	default:
		return nil, fmt.Errorf("kv: unsupported store url %q", url)
	}
}

package kv

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mem, err := NewBadger(BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("NewBadger(in-memory) error: %v", err)
	}
	disk, err := NewBadger(BadgerOptions{Dir: filepath.Join(t.TempDir(), "db")})
	if err != nil {
		t.Fatalf("NewBadger(disk) error: %v", err)
	}
	t.Cleanup(func() {
		mem.Close()
		disk.Close()
	})
	return map[string]Store{
		"memory":        NewMemory(),
		"badger-memory": mem,
		"badger-disk":   disk,
	}
}

func TestGetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			key := Key{"config", "default"}

			if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
			}
			if err := s.Set(ctx, key, []byte("v1")); err != nil {
				t.Fatalf("Set error: %v", err)
			}
			got, err := s.Get(ctx, key)
			if err != nil {
				t.Fatalf("Get error: %v", err)
			}
			if string(got) != "v1" {
				t.Fatalf("Get = %q, want %q", got, "v1")
			}
			if err := s.Set(ctx, key, []byte("v2")); err != nil {
				t.Fatalf("Set overwrite error: %v", err)
			}
			if got, _ := s.Get(ctx, key); string(got) != "v2" {
				t.Fatalf("Get after overwrite = %q, want %q", got, "v2")
			}
			if err := s.Delete(ctx, key); err != nil {
				t.Fatalf("Delete error: %v", err)
			}
			if err := s.Delete(ctx, key); err != nil {
				t.Fatalf("Delete(missing) error: %v", err)
			}
			if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get after Delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestListPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []Key{
				{"config", "b"},
				{"config", "a"},
				{"configx", "c"},
				{"other", "d"},
			} {
				if err := s.Set(ctx, k, []byte(k.String())); err != nil {
					t.Fatalf("Set(%s) error: %v", k, err)
				}
			}

			var got []string
			for e, err := range s.List(ctx, Key{"config"}) {
				if err != nil {
					t.Fatalf("List error: %v", err)
				}
				if string(e.Value) != e.Key.String() {
					t.Fatalf("entry %s has value %q", e.Key, e.Value)
				}
				got = append(got, e.Key.String())
			}
			if want := []string{"config:a", "config:b"}; !slices.Equal(got, want) {
				t.Fatalf("List(config) = %v, want %v", got, want)
			}

			n := 0
			for range s.List(ctx, nil) {
				n++
			}
			if n != 4 {
				t.Fatalf("List(all) returned %d entries, want 4", n)
			}
		})
	}
}

func TestValueIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	v := []byte("abc")
	s.Set(ctx, Key{"k"}, v)
	v[0] = 'X'

	got, _ := s.Get(ctx, Key{"k"})
	if string(got) != "abc" {
		t.Fatalf("stored value mutated: %q", got)
	}
	got[0] = 'Y'
	if again, _ := s.Get(ctx, Key{"k"}); string(again) != "abc" {
		t.Fatalf("returned value aliases store: %q", again)
	}
}

func TestKeyValidate(t *testing.T) {
	for _, tt := range []struct {
		key     Key
		wantErr bool
	}{
		{Key{"config", "default"}, false},
		{Key{}, true},
		{Key{"a:b"}, true},
		{Key{"a", ""}, true},
	} {
		if err := tt.key.Validate(); (err != nil) != tt.wantErr {
			t.Fatalf("Validate(%v) = %v, wantErr %v", tt.key, err, tt.wantErr)
		}
	}
	if err := NewMemory().Set(context.Background(), Key{"bad:seg"}, nil); err == nil {
		t.Fatal("Set accepted a key segment containing the separator")
	}
}

func TestOpen(t *testing.T) {
	s, err := Open("memory://", nil)
	if err != nil {
		t.Fatalf("Open(memory) error: %v", err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("Open(memory) = %T, want *Memory", s)
	}

	dir := t.TempDir()
	s, err = Open("badger://"+dir, nil)
	if err != nil {
		t.Fatalf("Open(badger) error: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*Badger); !ok {
		t.Fatalf("Open(badger) = %T, want *Badger", s)
	}

	if _, err := Open("redis://localhost", nil); err == nil {
		t.Fatal("Open accepted an unsupported scheme")
	}
}

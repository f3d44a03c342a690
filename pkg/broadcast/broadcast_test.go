package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haivivi/charcore/pkg/stream"
)

func TestPublishWithoutSubscribers(t *testing.T) {
	h := NewHub(nil)
	h.Publish(Event{JobID: "j"})
	if h.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", h.Len())
	}
}

func TestPublishOrderAndMatch(t *testing.T) {
	ctx := context.Background()
	h := NewHub(nil)
	all := h.Subscribe(nil)
	defer all.Detach()
	one := h.Subscribe(ForJob("b"))
	defer one.Detach()

	for _, id := range []string{"a", "b", "a", "b"} {
		h.Publish(Event{JobID: id, Content: id})
	}

	for i, want := range []string{"a", "b", "a", "b"} {
		ev, err := all.Next(ctx)
		if err != nil {
			t.Fatalf("all.Next error: %v", err)
		}
		if ev.JobID != want {
			t.Fatalf("event %d = %q, want %q", i, ev.JobID, want)
		}
	}
	if n := one.Pending(); n != 2 {
		t.Fatalf("filtered subscription has %d events, want 2", n)
	}
}

func TestDetach(t *testing.T) {
	h := NewHub(nil)
	s := h.Subscribe(nil)
	if h.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", h.Len())
	}
	s.Detach()
	s.Detach()
	if h.Len() != 0 {
		t.Fatalf("Len() after Detach = %d, want 0", h.Len())
	}
	h.Publish(Event{JobID: "x"})
	if _, err := s.Next(context.Background()); !errors.Is(err, ErrDetached) {
		t.Fatalf("Next after Detach = %v, want ErrDetached", err)
	}
}

func TestNextHonoursContext(t *testing.T) {
	h := NewHub(nil)
	s := h.Subscribe(nil)
	defer s.Detach()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next = %v, want DeadlineExceeded", err)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(nil)
	slow := h.Subscribe(nil)
	defer slow.Detach()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			h.Publish(Event{JobID: "j"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on an unread subscription")
	}
	if slow.Pending() != 10000 {
		t.Fatalf("Pending() = %d, want 10000", slow.Pending())
	}
}

func TestChunkEventJSON(t *testing.T) {
	c := stream.New(&stream.Audio{Data: []byte{1, 2, 3}, SampleRate: 16000, SampleWidth: 2, Channels: 1})
	ev := ChunkEvent("j1", "response", StageTTSFinal, c)
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	for _, want := range []string{`"job_id":"j1"`, `"stage":"tts_final"`, `"audio_bytes":"AQID"`, `"sample_rate":16000`, `"finished":false`} {
		if !strings.Contains(s, want) {
			t.Fatalf("JSON %s lacks %s", s, want)
		}
	}
	if strings.Contains(s, "success") {
		t.Fatalf("intermediate event carries success: %s", s)
	}

	ev = ChunkEvent("j1", "response", StageEmotion, stream.New(stream.Label("joy")))
	if ev.Label != "joy" {
		t.Fatalf("Label = %q, want joy", ev.Label)
	}
}

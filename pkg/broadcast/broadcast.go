// Package broadcast fans job events out to any number of listeners.
//
// Publishing never blocks: every subscription owns an unbounded queue and
// the hub only appends to it. Listeners own their subscription and must
// Detach it when they are done.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/haivivi/charcore/pkg/buffer"
	"github.com/haivivi/charcore/pkg/stream"
)

// ErrDetached is returned by Next after Detach.
var ErrDetached = errors.New("broadcast: subscription detached")

// Stage names used by the response pipeline and the ad hoc job handlers.
const (
	StagePrompt        = "prompt"
	StageTextRaw       = "text_raw"
	StageTextFinal     = "text_final"
	StageEmotion       = "emotion"
	StageTTSFinal      = "tts_final"
	StageTranscription = "transcription"
	StageOperation     = "operation"
)

// Event is one message to listeners. Intermediate events carry a stage and
// a payload; the final event of a job has Finished set and carries Success.
type Event struct {
	JobID    string `json:"job_id"`
	JobType  string `json:"job_type"`
	Finished bool   `json:"finished"`
	Stage    string `json:"stage,omitempty"`

	Content     string `json:"content,omitempty"`
	Label       string `json:"label,omitempty"`
	AudioBytes  []byte `json:"audio_bytes,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	SampleWidth int    `json:"sample_width,omitempty"`
	Channels    int    `json:"channels,omitempty"`

	// Data holds a job result, for example the loaded-operation snapshot.
	Data any `json:"data,omitempty"`

	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ChunkEvent builds an intermediate event carrying c's payload.
func ChunkEvent(jobID, jobType, stage string, c *stream.Chunk) Event {
	ev := Event{JobID: jobID, JobType: jobType, Stage: stage}
	if c == nil {
		return ev
	}
	switch p := c.Part.(type) {
	case stream.Text:
		ev.Content = string(p)
	case stream.Label:
		ev.Label = string(p)
	case *stream.Audio:
		ev.AudioBytes = p.Data
		ev.SampleRate = p.SampleRate
		ev.SampleWidth = p.SampleWidth
		ev.Channels = p.Channels
	case *stream.Prompt:
		ev.Content = p.User
	}
	return ev
}

// ForJob matches events of one job.
func ForJob(id string) func(Event) bool {
	return func(ev Event) bool { return ev.JobID == id }
}

// Hub is the broadcast server.
type Hub struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewHub returns a hub without subscribers. A nil logger means
// slog.Default().
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a listener. A nil match receives every event.
func (h *Hub) Subscribe(match func(Event) bool) *Subscription {
	s := &Subscription{
		hub:   h,
		match: match,
		queue: buffer.N[Event](32),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.logger.Debug("broadcast: subscribed", "subscribers", n)
	return s
}

// Publish delivers ev to every matching subscriber. With no subscribers the
// event is dropped.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.match != nil && !s.match(ev) {
			continue
		}
		if err := s.queue.Add(ev); err != nil {
			h.logger.Debug("broadcast: event dropped", "job_id", ev.JobID, "error", err)
		}
	}
}

// Len returns the number of attached subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) detach(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()
	h.logger.Debug("broadcast: detached", "subscribers", n)
}

// Subscription is a listener's queue of events.
type Subscription struct {
	hub   *Hub
	match func(Event) bool
	queue *buffer.Buffer[Event]
	once  sync.Once
}

// Next blocks until an event arrives. Cancelling ctx ends the subscription
// with the cancellation cause; the caller still calls Detach.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	stop := context.AfterFunc(ctx, func() {
		s.queue.CloseWithError(context.Cause(ctx))
	})
	defer stop()
	ev, err := s.queue.Next()
	if errors.Is(err, buffer.ErrIteratorDone) {
		return Event{}, ErrDetached
	}
	if err != nil && ctx.Err() != nil {
		return Event{}, context.Cause(ctx)
	}
	return ev, err
}

// Pending returns the number of queued events.
func (s *Subscription) Pending() int {
	return s.queue.Len()
}

// Detach removes the subscription from its hub and closes its queue.
// Calling it more than once is a no-op.
func (s *Subscription) Detach() {
	s.once.Do(func() {
		s.hub.detach(s)
		s.queue.CloseWithError(ErrDetached)
	})
}

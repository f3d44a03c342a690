package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/haivivi/charcore/pkg/broadcast"
	"github.com/haivivi/charcore/pkg/config"
	"github.com/haivivi/charcore/pkg/jobs"
	"github.com/haivivi/charcore/pkg/operation"
	"github.com/haivivi/charcore/pkg/operation/backends"
	"github.com/haivivi/charcore/pkg/prompter"
	"github.com/haivivi/charcore/pkg/stream"
)

var (
	discard = slog.New(slog.DiscardHandler)
	at      = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fixed   = func() time.Time { return at }
)

type funcBackend func(ctx context.Context, in *operation.Input, out *operation.Output) error

func (funcBackend) Start(context.Context) error { return nil }
func (funcBackend) Close() error                { return nil }
func (f funcBackend) Generate(ctx context.Context, in *operation.Input, out *operation.Output) error {
	return f(ctx, in, out)
}

func newCore(t *testing.T, caps []operation.Capability, edit func(*config.Config)) *Core {
	t.Helper()
	cfg := config.Default()
	if edit != nil {
		edit(&cfg)
	}
	c, err := New(Options{Config: &cfg, Capabilities: caps, Now: fixed, Logger: discard})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Apply(ctx); err != nil {
		cancel()
		t.Fatalf("Apply error: %v", err)
	}
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		c.Close()
	})
	return c
}

// listener sorts hub events by job.
type listener struct {
	sub  *broadcast.Subscription
	seen map[string][]broadcast.Event
}

func listen(t *testing.T, c *Core) *listener {
	sub := c.Hub.Subscribe(nil)
	t.Cleanup(sub.Detach)
	return &listener{sub: sub, seen: make(map[string][]broadcast.Event)}
}

// until returns the events of job id up to its final event.
func (l *listener) until(t *testing.T, id string) []broadcast.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		evs := l.seen[id]
		if n := len(evs); n > 0 && evs[n-1].Finished {
			return evs
		}
		ev, err := l.sub.Next(ctx)
		if err != nil {
			t.Fatalf("waiting for job %s: %v", id, err)
		}
		l.seen[ev.JobID] = append(l.seen[ev.JobID], ev)
	}
}

func (l *listener) final(t *testing.T, id string) broadcast.Event {
	t.Helper()
	evs := l.until(t, id)
	return evs[len(evs)-1]
}

func submit(t *testing.T, c *Core, p jobs.Params) string {
	t.Helper()
	id, err := c.Scheduler.Create(p)
	if err != nil {
		t.Fatalf("Create(%T) error: %v", p, err)
	}
	return id
}

func succeeded(t *testing.T, ev broadcast.Event) {
	t.Helper()
	if ev.Success == nil || !*ev.Success {
		t.Fatalf("job %s (%s) failed: %s %s", ev.JobID, ev.JobType, ev.Error, ev.Reason)
	}
}

func stageText(evs []broadcast.Event, stage string) string {
	var sb strings.Builder
	for _, ev := range evs {
		if ev.Stage == stage {
			sb.WriteString(ev.Content)
		}
	}
	return sb.String()
}

func TestResponse_Echo(t *testing.T) {
	c := newCore(t, nil, func(cfg *config.Config) {
		cfg.Prompt.Character = "a cat"
		cfg.Operations.T2T = "echo"
	})
	l := listen(t, c)

	add := submit(t, c, &jobs.ConversationAddTextParams{User: "bob", Content: "hello"})
	resp := submit(t, c, &jobs.ResponseParams{})
	succeeded(t, l.final(t, add))
	evs := l.until(t, resp)

	twin := prompter.New(prompter.Config{Character: "a cat", HistoryLength: 50, Now: fixed})
	twin.AddChat("bob", "hello", at)
	_, want, err := twin.Render()
	if err != nil {
		t.Fatal(err)
	}
	if got := stageText(evs, broadcast.StageTextFinal); got != want {
		t.Fatalf("text_final = %q, want %q", got, want)
	}
	finals := 0
	for _, ev := range evs {
		if ev.Finished {
			finals++
		}
	}
	if finals != 1 {
		t.Fatalf("final events = %d, want 1", finals)
	}
	succeeded(t, evs[len(evs)-1])
	if h := c.Prompter.History(); len(h) != 2 {
		t.Fatalf("history = %v, want the message and the reply", h)
	}
}

func TestResponse_CancelQueued(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	blocking := funcBackend(func(ctx context.Context, in *operation.Input, out *operation.Output) error {
		if _, err := in.Next(); err != nil {
			return err
		}
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
		return out.Emit(stream.Text("done"))
	})
	c := newCore(t, []operation.Capability{{
		Type: operation.T2T, ID: "block", Compatible: true,
		New: func() (operation.Backend, error) { return blocking, nil },
	}}, func(cfg *config.Config) { cfg.Operations.T2T = "block" })
	l := listen(t, c)

	first := submit(t, c, &jobs.ResponseParams{})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first response never started")
	}
	second := submit(t, c, &jobs.ResponseParams{})
	if err := c.Scheduler.Cancel(second, "user"); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	close(release)

	evs := l.until(t, first)
	succeeded(t, evs[len(evs)-1])
	if got := stageText(evs, broadcast.StageTextFinal); got != "done" {
		t.Fatalf("first text_final = %q", got)
	}

	evs = l.until(t, second)
	if len(evs) != 1 {
		t.Fatalf("second job events = %v, want only the cancellation", evs)
	}
	if ev := evs[0]; ev.Error != jobs.CodeCancelled || ev.Reason != "user" {
		t.Fatalf("second final = %+v", ev)
	}
}

func TestOperationLoad_DuplicateFilter(t *testing.T) {
	c := newCore(t, nil, nil)
	l := listen(t, c)
	load := &jobs.OperationLoadParams{OperationParams: jobs.OperationParams{OpType: "filter", OpID: "clean"}}

	first := submit(t, c, load)
	second := submit(t, c, load)
	ev := l.final(t, first)
	succeeded(t, ev)
	if snap, ok := ev.Data.(operation.Snapshot); !ok || !slices.Equal(snap.Filters, []string{"clean"}) {
		t.Fatalf("load data = %#v", ev.Data)
	}
	if ev := l.final(t, second); ev.Error != "duplicate_filter" {
		t.Fatalf("second load = %q %q, want duplicate_filter", ev.Error, ev.Reason)
	}
	if got := c.Operations.Loaded().Filters; !slices.Equal(got, []string{"clean"}) {
		t.Fatalf("filters = %v", got)
	}
}

func TestOperationJobs(t *testing.T) {
	c := newCore(t, nil, nil)
	l := listen(t, c)
	op := func(typ, id string) jobs.OperationParams {
		return jobs.OperationParams{OpType: typ, OpID: id}
	}

	succeeded(t, l.final(t, submit(t, c, &jobs.OperationLoadParams{OperationParams: op("emotion", "lexicon")})))

	use := submit(t, c, &jobs.OperationUseParams{OpType: "emotion", OpID: "lexicon", Content: "I am so happy"})
	evs := l.until(t, use)
	succeeded(t, evs[len(evs)-1])
	if len(evs) != 2 || evs[0].Stage != broadcast.StageOperation || evs[0].Label != "joy" {
		t.Fatalf("operation_use events = %+v", evs)
	}

	succeeded(t, l.final(t, submit(t, c, &jobs.OperationReloadParams{OperationParams: op("emotion", "lexicon")})))
	succeeded(t, l.final(t, submit(t, c, &jobs.OperationUnloadParams{OperationParams: op("emotion", "lexicon")})))
	if c.Operations.IsLoaded(operation.Emotion) {
		t.Fatal("emotion still loaded after unload")
	}

	for _, tt := range []struct {
		params jobs.Params
		code   string
	}{
		{&jobs.OperationLoadParams{OperationParams: op("nope", "x")}, "unknown_op_type"},
		{&jobs.OperationLoadParams{OperationParams: op("t2t", "nope")}, "unknown_op_id"},
		{&jobs.OperationUnloadParams{OperationParams: op("t2t", "echo")}, "operation_unloaded"},
		{&jobs.OperationUseParams{OpType: "stt", Content: "words"}, "invalid_params"},
		{&jobs.OperationUseParams{OpType: "emotion", Content: "sad"}, "operation_unloaded"},
		{&jobs.ResponseParams{}, "operation_unloaded"},
	} {
		ev := l.final(t, submit(t, c, tt.params))
		if ev.Error != tt.code {
			t.Fatalf("%T: error = %q (%s), want %q", tt.params, ev.Error, ev.Reason, tt.code)
		}
	}
}

func TestContextJobs(t *testing.T) {
	c := newCore(t, nil, nil)
	l := listen(t, c)

	ev := l.final(t, submit(t, c, &jobs.CustomRegisterParams{ContextID: "weather", Name: "Weather"}))
	succeeded(t, ev)
	if ctxs, ok := ev.Data.([]prompter.Context); !ok || len(ctxs) != 1 || ctxs[0].ID != "weather" {
		t.Fatalf("register data = %#v", ev.Data)
	}
	succeeded(t, l.final(t, submit(t, c, &jobs.CustomAddParams{ContextID: "weather", Content: "sunny", Timestamp: 1714564800})))
	succeeded(t, l.final(t, submit(t, c, &jobs.ContextRequestAddParams{Content: "greet"})))

	h := c.Prompter.History()
	if len(h) != 1 || !h[0].Time().Equal(time.Unix(1714564800, 0)) {
		t.Fatalf("history = %v", h)
	}
	if c.Prompter.Pending() != 1 {
		t.Fatal("request not buffered")
	}

	if ev := l.final(t, submit(t, c, &jobs.CustomAddParams{ContextID: "news", Content: "x"})); ev.Error != "unknown_context" {
		t.Fatalf("add to unknown context = %q", ev.Error)
	}
	if ev := l.final(t, submit(t, c, &jobs.CustomRegisterParams{ContextID: "weather", Name: "Again"})); ev.Error != "invalid_context" {
		t.Fatalf("duplicate register = %q", ev.Error)
	}
	succeeded(t, l.final(t, submit(t, c, &jobs.CustomRemoveParams{ContextID: "weather"})))
	succeeded(t, l.final(t, submit(t, c, &jobs.ContextClearParams{})))
	if len(c.Prompter.History()) != 0 || c.Prompter.Pending() != 0 {
		t.Fatal("clear left state behind")
	}
}

func TestConversationAddAudio(t *testing.T) {
	stt := funcBackend(func(ctx context.Context, in *operation.Input, out *operation.Output) error {
		for c, err := range in.All() {
			if err != nil {
				return err
			}
			a := c.Part.(*stream.Audio)
			if err := out.Emit(stream.Text(fmt.Sprintf(" %d bytes ", len(a.Data)))); err != nil {
				return err
			}
		}
		return nil
	})
	c := newCore(t, []operation.Capability{{
		Type: operation.STT, ID: "count", Compatible: true,
		New: func() (operation.Backend, error) { return stt, nil },
	}}, func(cfg *config.Config) { cfg.Operations.STT = "count" })
	l := listen(t, c)

	id := submit(t, c, &jobs.ConversationAddAudioParams{
		User:       "bob",
		AudioInput: jobs.AudioInput{AudioBytes: make([]byte, 320), SampleRate: 16000, SampleWidth: 2, Channels: 1},
	})
	evs := l.until(t, id)
	succeeded(t, evs[len(evs)-1])
	if got := stageText(evs, broadcast.StageTranscription); got != " 320 bytes " {
		t.Fatalf("transcription = %q", got)
	}
	h := c.Prompter.History()
	if len(h) != 1 || h[0].Line(nil) != "bob: 320 bytes" {
		t.Fatalf("history = %v", h)
	}
}

// upperServer is a remote filter upper-casing text.
func upperServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metadata", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(backends.Metadata{Type: "filter", ID: "upper", Compatibility: true})
	})
	mux.HandleFunc("GET /operate", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f backends.Frame
			if err := msgpack.Unmarshal(data, &f); err != nil {
				return
			}
			if f.Type == backends.FrameChunk {
				f.Text = strings.ToUpper(f.Text)
			}
			out, _ := msgpack.Marshal(f)
			if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestConfigLoad_Remote(t *testing.T) {
	srv := upperServer(t)
	c := newCore(t, nil, nil)
	l := listen(t, c)

	stored := config.Default()
	stored.Operations.T2T = "echo"
	stored.Operations.Filters = []string{"upper", "clean"}
	stored.Remotes = []config.Remote{{URL: srv.URL}}
	if err := c.Config.Set(stored); err != nil {
		t.Fatal(err)
	}
	succeeded(t, l.final(t, submit(t, c, &jobs.ConfigSaveParams{ConfigID: "remote"})))
	if err := c.Config.Set(config.Default()); err != nil {
		t.Fatal(err)
	}

	succeeded(t, l.final(t, submit(t, c, &jobs.ConfigLoadParams{ConfigID: "remote"})))
	snap := c.Operations.Loaded()
	if snap.T2T != "echo" || !slices.Equal(snap.Filters, []string{"upper", "clean"}) {
		t.Fatalf("loaded = %+v", snap)
	}

	succeeded(t, l.final(t, submit(t, c, &jobs.ContextRequestAddParams{Content: "wave"})))
	evs := l.until(t, submit(t, c, &jobs.ResponseParams{}))
	succeeded(t, evs[len(evs)-1])
	final := stageText(evs, broadcast.StageTextFinal)
	if final == "" || final != strings.ToUpper(final) {
		t.Fatalf("text_final = %q, want upper-cased", final)
	}

	if ev := l.final(t, submit(t, c, &jobs.ConfigLoadParams{ConfigID: "missing"})); ev.Error != "unknown_config" {
		t.Fatalf("load missing = %q", ev.Error)
	}
}

func TestConfigUpdate(t *testing.T) {
	c := newCore(t, nil, nil)
	l := listen(t, c)

	ev := l.final(t, submit(t, c, &jobs.ConfigUpdateParams{Fields: map[string]any{
		"prompt": map[string]any{"character": "a dog"},
	}}))
	succeeded(t, ev)
	if got := c.Config.Current().Prompt.Character; got != "a dog" {
		t.Fatalf("character = %q", got)
	}
	system, _, err := c.Prompter.Render()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(system, "a dog") {
		t.Fatalf("system prompt ignores update: %q", system)
	}

	ev = l.final(t, submit(t, c, &jobs.ConfigUpdateParams{Fields: map[string]any{
		"prompt": map[string]any{"history_length": "many"},
	}}))
	if ev.Error != "invalid_config" {
		t.Fatalf("bad update = %q %q", ev.Error, ev.Reason)
	}
}

func TestErrorCode(t *testing.T) {
	for _, tt := range []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", operation.ErrDuplicateFilter), "duplicate_filter"},
		{fmt.Errorf("x: %w", jobs.ErrInvalidParams), "invalid_params"},
		{fmt.Errorf("x: %w", config.ErrUnknownConfig), "unknown_config"},
		{prompter.ErrUnknownContext, "unknown_context"},
		{errors.Join(fmt.Errorf("%w: user", jobs.ErrCancelled), operation.ErrUsedWhileInactive), jobs.CodeCancelled},
		{errors.New("boom"), CodeInternal},
	} {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Fatalf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}

	codes := Codes()
	seen := make(map[string]bool)
	for _, c := range codes {
		if seen[c] {
			t.Fatalf("duplicate code %q", c)
		}
		seen[c] = true
	}
}

func TestNew_DuplicateCapability(t *testing.T) {
	_, err := New(Options{
		Capabilities: []operation.Capability{{
			Type: operation.T2T, ID: "echo",
			New: func() (operation.Backend, error) { return &backends.Echo{}, nil },
		}},
		Logger: discard,
	})
	if err == nil {
		t.Fatal("New accepted a capability shadowing a built-in")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Prompt.HistoryLength = -1
	_, err := New(Options{Config: &cfg, Logger: discard})
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("New = %v, want ErrInvalidConfig", err)
	}
	if got := ErrorCode(err); got != "invalid_config" {
		t.Fatalf("ErrorCode = %q, want invalid_config", got)
	}
}

package operation

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haivivi/charcore/pkg/stream"
)

// fakeBackend maps every text chunk through fn.
type fakeBackend struct {
	fn       func(string) string
	startErr error
	starts   atomic.Int32
	closes   atomic.Int32
	block    chan struct{}
}

func (b *fakeBackend) Start(context.Context) error {
	if b.startErr != nil {
		return b.startErr
	}
	b.starts.Add(1)
	return nil
}

func (b *fakeBackend) Close() error {
	b.closes.Add(1)
	return nil
}

func (b *fakeBackend) Generate(ctx context.Context, in *Input, out *Output) error {
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
	for c, err := range in.All() {
		if err != nil {
			return err
		}
		s, _ := c.Text()
		if b.fn != nil {
			s = b.fn(s)
		}
		if err := out.Emit(stream.Text(s)); err != nil {
			return err
		}
	}
	return nil
}

func TestParseType(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Type
	}{
		{"stt", STT},
		{"t2t", T2T},
		{"ttsg", TTSG},
		{"ttsc", TTSC},
		{"chunker", Chunker},
		{"filter", Filter},
		{"emotion", Emotion},
	} {
		got, err := ParseType(tt.in)
		if err != nil {
			t.Fatalf("ParseType(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseType(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if got.String() != tt.in {
			t.Fatalf("String() = %q, want %q", got.String(), tt.in)
		}
	}

	if _, err := ParseType("tts"); !errors.Is(err, ErrUnknownOpType) {
		t.Fatalf("ParseType(tts) = %v, want ErrUnknownOpType", err)
	}

	var typ Type
	if err := typ.UnmarshalText([]byte("filter")); err != nil || typ != Filter {
		t.Fatalf("UnmarshalText = %v, %v", typ, err)
	}
	if _, err := Type(42).MarshalText(); !errors.Is(err, ErrUnknownOpType) {
		t.Fatalf("MarshalText(42) = %v, want ErrUnknownOpType", err)
	}
}

func TestOperation_Lifecycle(t *testing.T) {
	ctx := context.Background()
	b := &fakeBackend{}
	op := New(Filter, "upper", b)

	if _, err := op.Call(ctx, stream.FromParts(stream.Text("x"))); !errors.Is(err, ErrUsedWhileInactive) {
		t.Fatalf("Call before Start = %v, want ErrUsedWhileInactive", err)
	}
	if err := op.Close(); !errors.Is(err, ErrCloseOnInactive) {
		t.Fatalf("Close before Start = %v, want ErrCloseOnInactive", err)
	}
	if err := op.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := op.Start(ctx); !errors.Is(err, ErrStartOnActive) {
		t.Fatalf("second Start = %v, want ErrStartOnActive", err)
	}
	if err := op.Reload(ctx); err != nil {
		t.Fatalf("Reload error: %v", err)
	}
	if b.starts.Load() != 2 || b.closes.Load() != 1 {
		t.Fatalf("starts=%d closes=%d, want 2 and 1", b.starts.Load(), b.closes.Load())
	}
	if err := op.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if op.Active() {
		t.Fatal("operation still active after Close")
	}
}

func TestOperation_StartFailureStaysUnloaded(t *testing.T) {
	boom := errors.New("boom")
	op := New(T2T, "broken", &fakeBackend{startErr: boom})
	if err := op.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Start = %v, want %v", err, boom)
	}
	if op.Active() {
		t.Fatal("operation active after failed Start")
	}
}

func TestOperation_CallCarriesExtras(t *testing.T) {
	ctx := context.Background()
	op := New(Filter, "upper", &fakeBackend{fn: strings.ToUpper})
	if err := op.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	in := stream.FromChunks(
		stream.New(stream.Text("hello")).WithExtra("run_id", "r1"),
		stream.New(stream.Text("world")).WithExtra("run_id", "r2"),
	)
	out, err := op.Call(ctx, in)
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	got, err := stream.Collect(out)
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2", len(got))
	}
	for i, want := range []struct{ text, run string }{{"HELLO", "r1"}, {"WORLD", "r2"}} {
		if s, _ := got[i].Text(); s != want.text {
			t.Fatalf("chunk %d = %q, want %q", i, s, want.text)
		}
		if v, _ := got[i].Get("run_id"); v != want.run {
			t.Fatalf("chunk %d run_id = %v, want %q", i, v, want.run)
		}
	}
}

func TestOperation_ContractViolation(t *testing.T) {
	ctx := context.Background()
	for _, tt := range []struct {
		name string
		typ  Type
		part stream.Part
	}{
		{"empty text", Filter, stream.Text("")},
		{"wrong kind", Filter, &stream.Audio{Data: []byte{0, 0}, SampleRate: 16000, SampleWidth: 2, Channels: 1}},
		{"audio without format", TTSC, &stream.Audio{Data: []byte{0, 0}}},
		{"text into t2t", T2T, stream.Text("hi")},
	} {
		t.Run(tt.name, func(t *testing.T) {
			op := New(tt.typ, "x", &fakeBackend{})
			if err := op.Start(ctx); err != nil {
				t.Fatalf("Start error: %v", err)
			}
			out, err := op.Call(ctx, stream.FromParts(tt.part))
			if err != nil {
				t.Fatalf("Call error: %v", err)
			}
			if _, err := stream.Collect(out); !errors.Is(err, ErrContractViolation) {
				t.Fatalf("Collect = %v, want ErrContractViolation", err)
			}
		})
	}
}

func TestOperation_CancelAbortsStreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	op := New(Filter, "blocked", &fakeBackend{block: make(chan struct{})})
	if err := op.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	in := stream.NewPipe(0)
	out, err := op.Call(ctx, in)
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := out.Next()
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Next = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("output not aborted by cancellation")
	}
	if err := in.Push(stream.New(stream.Text("late"))); err == nil {
		t.Fatal("input still writable after cancellation")
	}
}

func TestOperation_ConsumerAbortPropagatesUpstream(t *testing.T) {
	ctx := context.Background()
	op := New(Filter, "upper", &fakeBackend{fn: strings.ToUpper})
	op.Start(ctx)

	in := stream.NewPipe(0)
	out, _ := op.Call(ctx, in)

	gone := errors.New("consumer gone")
	out.CloseWithError(gone)
	in.Push(stream.New(stream.Text("a")))

	deadline := time.After(time.Second)
	for {
		if err := in.Push(stream.New(stream.Text("b"))); err != nil {
			if !errors.Is(err, gone) {
				t.Fatalf("Push error = %v, want %v", err, gone)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("upstream never observed the consumer abort")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRegistry(t *testing.T) {
	newFake := func() (Backend, error) { return &fakeBackend{}, nil }

	_, err := NewRegistry(
		Capability{Type: T2T, ID: "echo", New: newFake},
		Capability{Type: T2T, ID: "echo", New: newFake},
	)
	if err == nil {
		t.Fatal("NewRegistry accepted a duplicate capability")
	}

	reg, err := NewRegistry(
		Capability{Type: T2T, ID: "echo", Compatible: true, New: newFake},
		Capability{Type: STT, ID: "whisper", New: newFake},
		Capability{Type: T2T, ID: "big", New: newFake},
	)
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}

	if _, err := reg.Lookup(Type(99), "echo"); !errors.Is(err, ErrUnknownOpType) {
		t.Fatalf("Lookup(bad type) = %v, want ErrUnknownOpType", err)
	}
	if _, err := reg.Lookup(T2T, "nope"); !errors.Is(err, ErrUnknownOpID) {
		t.Fatalf("Lookup(nope) = %v, want ErrUnknownOpID", err)
	}

	caps := reg.Capabilities()
	var order []string
	for _, c := range caps {
		order = append(order, c.Type.String()+"/"+c.ID)
	}
	if strings.Join(order, ",") != "stt/whisper,t2t/big,t2t/echo" {
		t.Fatalf("Capabilities order = %v", order)
	}

	op, err := reg.Instantiate(T2T, "echo")
	if err != nil {
		t.Fatalf("Instantiate error: %v", err)
	}
	if op.Active() {
		t.Fatal("Instantiate started the operation")
	}
	if !op.Compatible() {
		t.Fatal("Compatible flag not carried to the operation")
	}
}

package backends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/haivivi/charcore/pkg/operation"
	"github.com/haivivi/charcore/pkg/stream"
)

// Metadata is served by an out-of-process operation at GET <url>/metadata.
type Metadata struct {
	Type          string `json:"type" yaml:"type"`
	ID            string `json:"id" yaml:"id"`
	Compatibility bool   `json:"compatibility" yaml:"compatibility"`
	Run           RunCmd `json:"run" yaml:"run"`
}

// RunCmd holds the commands that start the server on each platform.
type RunCmd struct {
	Windows string `json:"windows" yaml:"windows"`
	Unix    string `json:"unix" yaml:"unix"`
}

// Frame kinds exchanged on the /operate connection.
const (
	FrameChunk = "chunk"
	FrameEnd   = "end"
	FrameError = "error"
)

// Frame is one msgpack message on the /operate connection. A call sends a
// chunk frame per input and an end frame; the server answers with chunk
// frames followed by end or error.
type Frame struct {
	Type   string         `msgpack:"type"`
	Kind   string         `msgpack:"kind,omitempty"`
	Text   string         `msgpack:"text,omitempty"`
	Prompt *stream.Prompt `msgpack:"prompt,omitempty"`
	Audio  *stream.Audio  `msgpack:"audio,omitempty"`
	Extra  map[string]any `msgpack:"extra,omitempty"`
	Error  string         `msgpack:"error,omitempty"`
}

// ChunkFrame encodes c as a chunk frame.
func ChunkFrame(c *stream.Chunk) Frame {
	f := Frame{Type: FrameChunk, Kind: c.Part.Kind().String(), Extra: c.Extra}
	switch p := c.Part.(type) {
	case stream.Text:
		f.Text = string(p)
	case stream.Label:
		f.Text = string(p)
	case *stream.Prompt:
		f.Prompt = p
	case *stream.Audio:
		f.Audio = p
	}
	return f
}

// Part decodes the payload of a chunk frame.
func (f Frame) Part() (stream.Part, error) {
	switch f.Kind {
	case "text":
		return stream.Text(f.Text), nil
	case "label":
		return stream.Label(f.Text), nil
	case "prompt":
		if f.Prompt == nil {
			return nil, errors.New("prompt frame without prompt")
		}
		return f.Prompt, nil
	case "audio":
		if f.Audio == nil {
			return nil, errors.New("audio frame without audio")
		}
		return f.Audio, nil
	}
	return nil, fmt.Errorf("unknown frame kind %q", f.Kind)
}

// Probe fetches the metadata of the operation server at base.
func Probe(ctx context.Context, base string) (Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/metadata", nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("backends: probe %s: %w", base, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("backends: probe %s: %w", base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Metadata{}, fmt.Errorf("backends: probe %s: status %s", base, resp.Status)
	}
	var m Metadata
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return Metadata{}, fmt.Errorf("backends: probe %s: %w", base, err)
	}
	if m.ID == "" {
		return Metadata{}, fmt.Errorf("backends: probe %s: metadata has no id", base)
	}
	return m, nil
}

// RemoteCapability returns the capability for a probed server.
func RemoteCapability(meta Metadata, base string, logger *slog.Logger) (operation.Capability, error) {
	typ, err := operation.ParseType(meta.Type)
	if err != nil {
		return operation.Capability{}, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return operation.Capability{
		Type:        typ,
		ID:          meta.ID,
		Compatible:  meta.Compatibility,
		Description: "remote " + base,
		New: func() (operation.Backend, error) {
			return &Remote{URL: base, logger: logger}, nil
		},
	}, nil
}

// Remote forwards calls to an out-of-process operation server over a
// WebSocket. Calls on one connection are serialized.
type Remote struct {
	URL    string
	logger *slog.Logger

	call sync.Mutex // held for a whole Generate

	mu   sync.Mutex
	conn *websocket.Conn
	open bool
}

func operateURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/operate")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (b *Remote) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := operateURL(b.URL)
	if err != nil {
		return nil, fmt.Errorf("backends: remote %s: %w", b.URL, err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("backends: remote %s: dial: %w", b.URL, err)
	}
	return conn, nil
}

func (b *Remote) Start(ctx context.Context) error {
	conn, err := b.dial(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.conn = conn
	b.open = true
	b.mu.Unlock()
	return nil
}

func (b *Remote) Close() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.open = false
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// acquire returns the live connection, redialing when a cancelled call
// dropped it.
func (b *Remote) acquire(ctx context.Context) (*websocket.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil, errNotStarted
	}
	if b.conn == nil {
		conn, err := b.dial(ctx)
		if err != nil {
			return nil, err
		}
		b.conn = conn
	}
	return b.conn, nil
}

func (b *Remote) drop(conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.mu.Unlock()
	conn.Close()
}

func (b *Remote) Generate(ctx context.Context, in *operation.Input, out *operation.Output) error {
	b.call.Lock()
	defer b.call.Unlock()

	conn, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	// A half-finished exchange leaves the connection unusable.
	broken := true
	defer func() {
		if broken {
			b.drop(conn)
		}
	}()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- b.send(conn, in)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return fmt.Errorf("backends: remote %s: read: %w", b.URL, err)
		}
		var f Frame
		if err := msgpack.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("backends: remote %s: decode: %w", b.URL, err)
		}
		switch f.Type {
		case FrameChunk:
			p, err := f.Part()
			if err != nil {
				return fmt.Errorf("backends: remote %s: %w", b.URL, err)
			}
			// The server echoes the extras of the input chunk.
			if err := out.EmitExtra(p, f.Extra); err != nil {
				return err
			}
		case FrameEnd:
			select {
			case err := <-writeErr:
				if err != nil {
					return err
				}
			case <-ctx.Done():
				return context.Cause(ctx)
			}
			broken = false
			return nil
		case FrameError:
			select {
			case err := <-writeErr:
				broken = false
				if err != nil {
					return err
				}
			default:
			}
			return fmt.Errorf("backends: remote %s: %s", b.URL, f.Error)
		default:
			return fmt.Errorf("backends: remote %s: unknown frame type %q", b.URL, f.Type)
		}
	}
}

func (b *Remote) send(conn *websocket.Conn, in *operation.Input) error {
	write := func(f Frame) error {
		data, err := msgpack.Marshal(f)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.BinaryMessage, data)
	}
	for c, err := range in.All() {
		if err != nil {
			write(Frame{Type: FrameError, Error: err.Error()})
			return err
		}
		if err := write(ChunkFrame(c)); err != nil {
			return fmt.Errorf("backends: remote %s: write: %w", b.URL, err)
		}
	}
	if err := write(Frame{Type: FrameEnd}); err != nil {
		return fmt.Errorf("backends: remote %s: write: %w", b.URL, err)
	}
	return nil
}

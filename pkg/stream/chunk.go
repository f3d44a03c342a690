package stream

import (
	"fmt"
	"maps"
)

var (
	_ Part = Text("")
	_ Part = (*Prompt)(nil)
	_ Part = (*Audio)(nil)
	_ Part = Label("")
)

// Kind names the shape of a Part.
type Kind int

const (
	KindText Kind = iota + 1
	KindPrompt
	KindAudio
	KindLabel
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindPrompt:
		return "prompt"
	case KindAudio:
		return "audio"
	case KindLabel:
		return "label"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Part is the typed payload of a Chunk. The set of implementations is closed.
type Part interface {
	Kind() Kind
	isPart()
}

// Text is generated or transcribed text, the "content" field.
type Text string

func (Text) Kind() Kind { return KindText }
func (Text) isPart()    {}

// Prompt is the rendered input of a text-to-text operation.
type Prompt struct {
	System string `json:"system_prompt" msgpack:"system_prompt"`
	User   string `json:"user_prompt" msgpack:"user_prompt"`
}

func (*Prompt) Kind() Kind { return KindPrompt }
func (*Prompt) isPart()    {}

// Audio is raw little-endian PCM.
type Audio struct {
	Data        []byte `json:"audio_bytes" msgpack:"audio_bytes"`
	SampleRate  int    `json:"sr" msgpack:"sr"`
	SampleWidth int    `json:"sw" msgpack:"sw"`
	Channels    int    `json:"ch" msgpack:"ch"`
}

func (*Audio) Kind() Kind { return KindAudio }
func (*Audio) isPart()    {}

// Label is a classifier result such as an emotion.
type Label string

func (Label) Kind() Kind { return KindLabel }
func (Label) isPart()    {}

// Chunk is one element of a pipeline stream.
//
// Chunks are immutable once produced. Extra carries upstream context that
// downstream stages keep but do not interpret, for example the job id.
type Chunk struct {
	Part  Part
	Extra map[string]any
}

// New returns a chunk with the given part and no extras.
func New(p Part) *Chunk {
	return &Chunk{Part: p}
}

// With returns a new chunk holding p and a copy of c's extras. A nil c
// yields a chunk without extras.
func (c *Chunk) With(p Part) *Chunk {
	out := &Chunk{Part: p}
	if c != nil && len(c.Extra) > 0 {
		out.Extra = maps.Clone(c.Extra)
	}
	return out
}

// WithExtra returns a copy of c with key set to v.
func (c *Chunk) WithExtra(key string, v any) *Chunk {
	out := &Chunk{Part: c.Part, Extra: make(map[string]any, len(c.Extra)+1)}
	maps.Copy(out.Extra, c.Extra)
	out.Extra[key] = v
	return out
}

// Get returns the extra field named key.
func (c *Chunk) Get(key string) (any, bool) {
	if c == nil || c.Extra == nil {
		return nil, false
	}
	v, ok := c.Extra[key]
	return v, ok
}

// Text returns the chunk's text content and whether the part is Text.
func (c *Chunk) Text() (string, bool) {
	if c == nil {
		return "", false
	}
	t, ok := c.Part.(Text)
	return string(t), ok
}

func (c *Chunk) String() string {
	if c == nil || c.Part == nil {
		return "<nil>"
	}
	switch p := c.Part.(type) {
	case Text:
		return fmt.Sprintf("text(%q)", string(p))
	case Label:
		return fmt.Sprintf("label(%q)", string(p))
	case *Prompt:
		return fmt.Sprintf("prompt(system=%d bytes, user=%d bytes)", len(p.System), len(p.User))
	case *Audio:
		return fmt.Sprintf("audio(%d bytes, %dHz, %dch)", len(p.Data), p.SampleRate, p.Channels)
	}
	return c.Part.Kind().String()
}

package operation

import (
	"fmt"

	"github.com/haivivi/charcore/pkg/stream"
)

// Type is the kind of pipeline stage an operation implements. Each type
// owns one slot in the Manager.
type Type int

const (
	STT Type = iota + 1
	T2T
	TTSG
	TTSC
	Chunker
	Filter
	Emotion
)

var typeNames = [...]string{
	STT:     "stt",
	T2T:     "t2t",
	TTSG:    "ttsg",
	TTSC:    "ttsc",
	Chunker: "chunker",
	Filter:  "filter",
	Emotion: "emotion",
}

// Types returns every operation type in slot order.
func Types() []Type {
	return []Type{STT, T2T, TTSG, TTSC, Chunker, Filter, Emotion}
}

// ParseType maps a type name such as "t2t" to its Type.
func ParseType(s string) (Type, error) {
	for _, t := range Types() {
		if typeNames[t] == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOpType, s)
}

func (t Type) String() string {
	if t.Valid() {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", int(t))
}

func (t Type) Valid() bool {
	return t >= STT && t <= Emotion
}

// Singleton reports whether the slot holds at most one operation. Only
// filters may be stacked.
func (t Type) Singleton() bool {
	return t != Filter
}

// Accepts returns the part kind every input chunk must carry.
func (t Type) Accepts() stream.Kind {
	switch t {
	case STT, TTSC:
		return stream.KindAudio
	case T2T:
		return stream.KindPrompt
	default:
		return stream.KindText
	}
}

// Produces returns the part kind of every output chunk.
func (t Type) Produces() stream.Kind {
	switch t {
	case TTSG, TTSC:
		return stream.KindAudio
	case Emotion:
		return stream.KindLabel
	default:
		return stream.KindText
	}
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpType, int(t))
	}
	return []byte(typeNames[t]), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// checkPart validates p against the contract of kind k.
func checkPart(k stream.Kind, p stream.Part) error {
	if p == nil {
		return fmt.Errorf("%w: missing %s part", ErrContractViolation, k)
	}
	if p.Kind() != k {
		return fmt.Errorf("%w: got %s, want %s", ErrContractViolation, p.Kind(), k)
	}
	switch v := p.(type) {
	case stream.Text:
		if len(v) == 0 {
			return fmt.Errorf("%w: empty content", ErrContractViolation)
		}
	case *stream.Audio:
		if v == nil || len(v.Data) == 0 {
			return fmt.Errorf("%w: empty audio", ErrContractViolation)
		}
		if v.SampleRate <= 0 || v.SampleWidth <= 0 || v.Channels <= 0 {
			return fmt.Errorf("%w: audio format %d/%d/%d", ErrContractViolation, v.SampleRate, v.SampleWidth, v.Channels)
		}
	case *stream.Prompt:
		if v == nil {
			return fmt.Errorf("%w: nil prompt", ErrContractViolation)
		}
	case stream.Label:
		if len(v) == 0 {
			return fmt.Errorf("%w: empty label", ErrContractViolation)
		}
	}
	return nil
}

package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Params are the typed arguments of a job. The set of implementations is
// the closed table below, one per Type.
type Params interface {
	JobType() Type
}

type validator interface {
	validate() error
}

// Timestamp is seconds since the Unix epoch. Zero means "now".
type Timestamp int64

// Time returns t as a time, or now when t is zero.
func (t Timestamp) Time(now time.Time) time.Time {
	if t == 0 {
		return now
	}
	return time.Unix(int64(t), 0)
}

// AudioInput is PCM audio submitted with a job.
type AudioInput struct {
	AudioBytes  []byte `json:"audio_bytes"`
	SampleRate  int    `json:"sample_rate"`
	SampleWidth int    `json:"sample_width"`
	Channels    int    `json:"channels"`
}

func (a *AudioInput) validate() error {
	switch {
	case len(a.AudioBytes) == 0:
		return fmt.Errorf("%w: audio_bytes is empty", ErrInvalidParams)
	case a.SampleRate <= 0:
		return fmt.Errorf("%w: sample_rate must be positive", ErrInvalidParams)
	case a.SampleWidth != 1 && a.SampleWidth != 2 && a.SampleWidth != 4:
		return fmt.Errorf("%w: sample_width must be 1, 2 or 4", ErrInvalidParams)
	case a.Channels != 1 && a.Channels != 2:
		return fmt.Errorf("%w: channels must be 1 or 2", ErrInvalidParams)
	}
	return nil
}

type ResponseParams struct {
	OutputAudio bool `json:"output_audio"`

	// SkipTTSC bypasses voice conversion. Nil means skip only when no TTSC
	// operation is loaded.
	SkipTTSC *bool `json:"skip_ttsc,omitempty"`
}

type ContextClearParams struct{}

type ContextRequestAddParams struct {
	Content string `json:"content"`
}

type ConversationAddTextParams struct {
	User      string    `json:"user"`
	Content   string    `json:"content"`
	Timestamp Timestamp `json:"timestamp,omitempty"`
}

type ConversationAddAudioParams struct {
	User string `json:"user"`
	AudioInput
	Timestamp Timestamp `json:"timestamp,omitempty"`
}

type CustomRegisterParams struct {
	ContextID   string `json:"context_id"`
	Name        string `json:"context_name"`
	Description string `json:"context_description,omitempty"`
}

type CustomRemoveParams struct {
	ContextID string `json:"context_id"`
}

type CustomAddParams struct {
	ContextID string    `json:"context_id"`
	Content   string    `json:"content"`
	Timestamp Timestamp `json:"timestamp,omitempty"`
}

// OperationParams addresses one operation. OpType is a wire name such as
// "t2t"; it is resolved by the handler so an unknown type reports
// unknown_op_type rather than invalid_params.
type OperationParams struct {
	OpType string `json:"op_type"`
	OpID   string `json:"op_id"`
}

type OperationLoadParams struct{ OperationParams }
type OperationReloadParams struct{ OperationParams }
type OperationUnloadParams struct{ OperationParams }

// OperationUseParams runs one operation ad hoc. Exactly one of Content and
// the audio fields is used, depending on the operation's input.
type OperationUseParams struct {
	OpType  string `json:"op_type"`
	OpID    string `json:"op_id,omitempty"`
	Content string `json:"content,omitempty"`
	AudioInput
}

type ConfigLoadParams struct {
	ConfigID string `json:"config_id"`
}

type ConfigUpdateParams struct {
	Fields map[string]any `json:"fields"`
}

type ConfigSaveParams struct {
	ConfigID string `json:"config_id"`
}

func (*ResponseParams) JobType() Type              { return Response }
func (*ContextClearParams) JobType() Type          { return ContextClear }
func (*ContextRequestAddParams) JobType() Type     { return ContextRequestAdd }
func (*ConversationAddTextParams) JobType() Type   { return ContextConversationAddText }
func (*ConversationAddAudioParams) JobType() Type  { return ContextConversationAddAudio }
func (*CustomRegisterParams) JobType() Type        { return ContextCustomRegister }
func (*CustomRemoveParams) JobType() Type          { return ContextCustomRemove }
func (*CustomAddParams) JobType() Type             { return ContextCustomAdd }
func (*OperationLoadParams) JobType() Type         { return OperationLoad }
func (*OperationReloadParams) JobType() Type       { return OperationReload }
func (*OperationUnloadParams) JobType() Type       { return OperationUnload }
func (*OperationUseParams) JobType() Type          { return OperationUse }
func (*ConfigLoadParams) JobType() Type            { return ConfigLoad }
func (*ConfigUpdateParams) JobType() Type          { return ConfigUpdate }
func (*ConfigSaveParams) JobType() Type            { return ConfigSave }

func required(name, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidParams, name)
	}
	return nil
}

func (p *ContextRequestAddParams) validate() error { return required("content", p.Content) }

func (p *ConversationAddTextParams) validate() error {
	if err := required("user", p.User); err != nil {
		return err
	}
	return required("content", p.Content)
}

func (p *ConversationAddAudioParams) validate() error {
	if err := required("user", p.User); err != nil {
		return err
	}
	return p.AudioInput.validate()
}

func (p *CustomRegisterParams) validate() error {
	if err := required("context_id", p.ContextID); err != nil {
		return err
	}
	return required("context_name", p.Name)
}

func (p *CustomRemoveParams) validate() error { return required("context_id", p.ContextID) }

func (p *CustomAddParams) validate() error {
	if err := required("context_id", p.ContextID); err != nil {
		return err
	}
	return required("content", p.Content)
}

func (p *OperationParams) validate() error {
	if err := required("op_type", p.OpType); err != nil {
		return err
	}
	return required("op_id", p.OpID)
}

func (p *OperationUseParams) validate() error {
	if err := required("op_type", p.OpType); err != nil {
		return err
	}
	if p.Content == "" && len(p.AudioBytes) == 0 {
		return fmt.Errorf("%w: content or audio_bytes is required", ErrInvalidParams)
	}
	if len(p.AudioBytes) > 0 {
		return p.AudioInput.validate()
	}
	return nil
}

func (p *ConfigLoadParams) validate() error { return required("config_id", p.ConfigID) }

func (p *ConfigUpdateParams) validate() error {
	if len(p.Fields) == 0 {
		return fmt.Errorf("%w: fields is empty", ErrInvalidParams)
	}
	return nil
}

func (p *ConfigSaveParams) validate() error { return required("config_id", p.ConfigID) }

// NewParams returns empty params for t.
func NewParams(t Type) (Params, error) {
	switch t {
	case Response:
		return &ResponseParams{}, nil
	case ContextClear:
		return &ContextClearParams{}, nil
	case ContextRequestAdd:
		return &ContextRequestAddParams{}, nil
	case ContextConversationAddText:
		return &ConversationAddTextParams{}, nil
	case ContextConversationAddAudio:
		return &ConversationAddAudioParams{}, nil
	case ContextCustomRegister:
		return &CustomRegisterParams{}, nil
	case ContextCustomRemove:
		return &CustomRemoveParams{}, nil
	case ContextCustomAdd:
		return &CustomAddParams{}, nil
	case OperationLoad:
		return &OperationLoadParams{}, nil
	case OperationReload:
		return &OperationReloadParams{}, nil
	case OperationUnload:
		return &OperationUnloadParams{}, nil
	case OperationUse:
		return &OperationUseParams{}, nil
	case ConfigLoad:
		return &ConfigLoadParams{}, nil
	case ConfigUpdate:
		return &ConfigUpdateParams{}, nil
	case ConfigSave:
		return &ConfigSaveParams{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownJobType, int(t))
}

// Decode builds typed params for the job named typ from a JSON object.
// Empty raw means no params. Unknown fields are rejected.
func Decode(typ string, raw []byte) (Params, error) {
	t, err := ParseType(typ)
	if err != nil {
		return nil, err
	}
	p, err := NewParams(t)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidParams, typ, err)
		}
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the required fields of p.
func Validate(p Params) error {
	if p == nil || !p.JobType().Valid() {
		return fmt.Errorf("%w: %T", ErrUnknownJobType, p)
	}
	if v, ok := p.(validator); ok {
		return v.validate()
	}
	return nil
}

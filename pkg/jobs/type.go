package jobs

import "fmt"

// Type enumerates the jobs the scheduler accepts.
type Type int

const (
	Response Type = iota + 1
	ContextClear
	ContextRequestAdd
	ContextConversationAddText
	ContextConversationAddAudio
	ContextCustomRegister
	ContextCustomRemove
	ContextCustomAdd
	OperationLoad
	OperationReload
	OperationUnload
	OperationUse
	ConfigLoad
	ConfigUpdate
	ConfigSave
)

var typeNames = [...]string{
	Response:                    "response",
	ContextClear:                "context_clear",
	ContextRequestAdd:           "context_request_add",
	ContextConversationAddText:  "context_conversation_add_text",
	ContextConversationAddAudio: "context_conversation_add_audio",
	ContextCustomRegister:       "context_custom_register",
	ContextCustomRemove:         "context_custom_remove",
	ContextCustomAdd:            "context_custom_add",
	OperationLoad:               "operation_load",
	OperationReload:             "operation_reload",
	OperationUnload:             "operation_unload",
	OperationUse:                "operation_use",
	ConfigLoad:                  "config_load",
	ConfigUpdate:                "config_update",
	ConfigSave:                  "config_save",
}

// Types returns every job type.
func Types() []Type {
	out := make([]Type, 0, len(typeNames)-1)
	for t := Response; t <= ConfigSave; t++ {
		out = append(out, t)
	}
	return out
}

// ParseType maps a wire name such as "response" to its Type.
func ParseType(s string) (Type, error) {
	for t := Response; t <= ConfigSave; t++ {
		if typeNames[t] == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownJobType, s)
}

func (t Type) Valid() bool {
	return t >= Response && t <= ConfigSave
}

func (t Type) String() string {
	if t.Valid() {
		return typeNames[t]
	}
	return fmt.Sprintf("job_type(%d)", int(t))
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownJobType, int(t))
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

// State is a job's position in its lifecycle.
type State int

const (
	Queued State = iota + 1
	Running
	Finished
	Cancelled
	Errored
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	case Errored:
		return "errored"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

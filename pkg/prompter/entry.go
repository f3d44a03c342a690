package prompter

import (
	"strings"
	"time"
)

// TimeLayout formats entry timestamps.
const TimeLayout = "2006-01-02 15:04:05"

// SelfIdentifier is the user name of the character's own replies.
const SelfIdentifier = "You"

// Entry is one line of the running conversation.
type Entry interface {
	// Time is when the line was produced.
	Time() time.Time

	// Line renders the entry without its timestamp. translate maps user
	// names before they are printed.
	Line(translate func(string) string) string

	isEntry()
}

// ChatEntry is something a user, or the character itself, said.
type ChatEntry struct {
	User    string    `json:"user"`
	Message string    `json:"message"`
	At      time.Time `json:"time"`
}

func (e *ChatEntry) Time() time.Time { return e.At }
func (*ChatEntry) isEntry()          {}

func (e *ChatEntry) Line(translate func(string) string) string {
	name := e.User
	if translate != nil && name != SelfIdentifier {
		name = translate(name)
	}
	return name + ": " + oneLine(e.Message)
}

// RequestEntry is an operator request that has been shown to the model.
type RequestEntry struct {
	Message string    `json:"message"`
	At      time.Time `json:"time"`
}

func (e *RequestEntry) Time() time.Time { return e.At }
func (*RequestEntry) isEntry()          {}

func (e *RequestEntry) Line(func(string) string) string {
	return "[REQUEST]: " + oneLine(e.Message)
}

// CustomEntry is a line of a registered custom context.
type CustomEntry struct {
	Context string    `json:"context"`
	Name    string    `json:"name"`
	Message string    `json:"message"`
	At      time.Time `json:"time"`
}

func (e *CustomEntry) Time() time.Time { return e.At }
func (*CustomEntry) isEntry()          {}

func (e *CustomEntry) Line(func(string) string) string {
	return "[CONTEXT#" + e.Name + "]: " + oneLine(e.Message)
}

// Format renders e with its timestamp.
func Format(e Entry, translate func(string) string) string {
	return "[" + e.Time().Format(TimeLayout) + "] " + e.Line(translate)
}

func oneLine(s string) string {
	return strings.NewReplacer("\r\n", "", "\n", "", "\r", "").Replace(s)
}

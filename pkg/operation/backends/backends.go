// Package backends provides the built-in operation backends and registers
// them as capabilities.
//
// Every backend reads its settings when it starts, so reloading an
// operation picks up configuration changes. Clients and connections are
// acquired in Start and released in Close; per-call resources such as HTTP
// bodies are released before Generate returns.
package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/haivivi/charcore/pkg/config"
	"github.com/haivivi/charcore/pkg/operation"
	"github.com/haivivi/charcore/pkg/stream"
)

// Settings returns the current backend settings.
type Settings func() config.Backends

// FilteredMessage replaces output rejected by a moderation filter.
const FilteredMessage = "Filtered."

var errNotStarted = errors.New("backends: not started")

// Capabilities returns every built-in capability.
func Capabilities(settings Settings, logger *slog.Logger) []operation.Capability {
	if logger == nil {
		logger = slog.Default()
	}
	if settings == nil {
		settings = func() config.Backends { return config.Default().Backends }
	}
	backend := func(f func() operation.Backend) func() (operation.Backend, error) {
		return func() (operation.Backend, error) { return f(), nil }
	}
	return []operation.Capability{
		{
			Type: operation.T2T, ID: "openai", Compatible: true,
			Description: "OpenAI chat completions",
			New:         backend(func() operation.Backend { return &OpenAIChat{openaiBase{settings: settings, logger: logger}} }),
		},
		{
			Type: operation.T2T, ID: "gemini", Compatible: true,
			Description: "Google Gemini generate content",
			New:         backend(func() operation.Backend { return &Gemini{settings: settings, logger: logger} }),
		},
		{
			Type: operation.T2T, ID: "echo", Compatible: true,
			Description: "replies with the user prompt",
			New:         backend(func() operation.Backend { return &Echo{} }),
		},
		{
			Type: operation.STT, ID: "openai", Compatible: true,
			Description: "OpenAI transcriptions",
			New:         backend(func() operation.Backend { return &OpenAITranscriber{openaiBase{settings: settings, logger: logger}} }),
		},
		{
			Type: operation.TTSG, ID: "openai", Compatible: true,
			Description: "OpenAI speech, 24 kHz PCM",
			New:         backend(func() operation.Backend { return &OpenAISpeech{openaiBase{settings: settings, logger: logger}} }),
		},
		{
			Type: operation.TTSG, ID: "polly", Compatible: true,
			Description: "Amazon Polly, 16 kHz PCM",
			New:         backend(func() operation.Backend { return &Polly{settings: settings, logger: logger} }),
		},
		{
			Type: operation.TTSC, ID: "pitch", Compatible: true,
			Description: "pitch shift by a configured number of semitones",
			New:         backend(func() operation.Backend { return &Pitch{settings: settings} }),
		},
		{
			Type: operation.Chunker, ID: "sentence", Compatible: true,
			Description: "splits text at sentence punctuation",
			New:         backend(func() operation.Backend { return &SentenceChunker{settings: settings} }),
		},
		{
			Type: operation.Filter, ID: "clean", Compatible: true,
			Description: "strips speaker tags from replies",
			New:         backend(func() operation.Backend { return &CleanFilter{} }),
		},
		{
			Type: operation.Filter, ID: "moderation", Compatible: false,
			Description: "OpenAI moderation, replaces flagged replies",
			New:         backend(func() operation.Backend { return &Moderation{openaiBase{settings: settings, logger: logger}} }),
		},
		{
			Type: operation.Emotion, ID: "lexicon", Compatible: true,
			Description: "keyword emotion classifier",
			New:         backend(func() operation.Backend { return &Lexicon{} }),
		},
		{
			Type: operation.Emotion, ID: "llm", Compatible: false,
			Description: "chat model emotion classifier",
			New:         backend(func() operation.Backend { return &LLMEmotion{openaiBase{settings: settings, logger: logger}} }),
		},
	}
}

// Register adds every built-in capability to reg.
func Register(reg *operation.Registry, settings Settings, logger *slog.Logger) error {
	for _, c := range Capabilities(settings, logger) {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// stateless implements Start and Close for backends without resources.
type stateless struct{}

func (stateless) Start(context.Context) error { return nil }
func (stateless) Close() error                { return nil }

// collectText reads every remaining input chunk and concatenates the text.
func collectText(in *operation.Input) (string, error) {
	var b []byte
	for {
		c, err := in.Next()
		if err == io.EOF {
			return string(b), nil
		}
		if err != nil {
			return string(b), err
		}
		t, _ := c.Text()
		b = append(b, t...)
	}
}

// emitAudio emits pcm in frames of at most size bytes.
func emitAudio(out *operation.Output, pcm []byte, sampleRate, size int) error {
	size -= size % 2
	for len(pcm) > 0 {
		n := min(size, len(pcm))
		if err := out.Emit(&stream.Audio{Data: pcm[:n], SampleRate: sampleRate, SampleWidth: 2, Channels: 1}); err != nil {
			return err
		}
		pcm = pcm[n:]
	}
	return nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("backends: %s: %w", op, err)
}

// Package config defines the typed runtime configuration and the Manager
// that validates, applies and persists it.
//
// Every document, whether read from a YAML file, loaded from the store or
// produced by merging a partial update, is validated against the JSON
// Schema derived from Config before it is committed. Unknown fields and
// type mismatches reject the whole document.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/google/jsonschema-go/jsonschema"
)

var (
	// ErrInvalidConfig means a document failed schema validation.
	ErrInvalidConfig = errors.New("config: invalid config")

	// ErrUnknownConfig means no configuration is stored under the id.
	ErrUnknownConfig = errors.New("config: unknown config")
)

// Config is the complete runtime configuration.
type Config struct {
	// CompatibilityMode restricts loadable operations to those marked
	// compatible.
	CompatibilityMode bool `json:"compatibility_mode"`

	Prompt     Prompt     `json:"prompt"`
	Operations Operations `json:"operations"`
	Backends   Backends   `json:"backends"`

	// Remotes lists out-of-process operation servers probed on load.
	Remotes []Remote `json:"remotes"`
}

// Prompt configures prompt rendering.
type Prompt struct {
	Character        string            `json:"character"`
	HistoryLength    int               `json:"history_length"`
	NameTranslations map[string]string `json:"name_translations"`
}

// Operations names the operation id to load into each slot. Empty means
// the slot stays empty.
type Operations struct {
	STT     string   `json:"stt"`
	T2T     string   `json:"t2t"`
	TTSG    string   `json:"ttsg"`
	TTSC    string   `json:"ttsc"`
	Chunker string   `json:"chunker"`
	Emotion string   `json:"emotion"`
	Filters []string `json:"filters"`
}

// Backends holds per-backend settings.
type Backends struct {
	OpenAI   OpenAI   `json:"openai"`
	Gemini   Gemini   `json:"gemini"`
	Polly    Polly    `json:"polly"`
	Pitch    Pitch    `json:"pitch"`
	Sentence Sentence `json:"sentence"`
}

type OpenAI struct {
	APIKey             string `json:"api_key"`
	BaseURL            string `json:"base_url"`
	ChatModel          string `json:"chat_model"`
	SpeechModel        string `json:"speech_model"`
	Voice              string `json:"voice"`
	TranscriptionModel string `json:"transcription_model"`
	ModerationModel    string `json:"moderation_model"`
	EmotionModel       string `json:"emotion_model"`
}

type Gemini struct {
	APIKey string `json:"api_key"`
	Model  string `json:"model"`
}

type Polly struct {
	Region     string `json:"region"`
	VoiceID    string `json:"voice_id"`
	Engine     string `json:"engine"`
	SampleRate int    `json:"sample_rate"`
}

type Pitch struct {
	Semitones float64 `json:"semitones"`
}

type Sentence struct {
	MinLength int `json:"min_length"`
}

// Remote is an out-of-process operation server.
type Remote struct {
	URL string `json:"url"`
}

// Default returns the configuration used when none is supplied.
func Default() Config {
	return Config{
		Prompt: Prompt{
			HistoryLength:    50,
			NameTranslations: map[string]string{},
		},
		Operations: Operations{Filters: []string{}},
		Backends: Backends{
			OpenAI: OpenAI{
				ChatModel:          "gpt-4o-mini",
				SpeechModel:        "gpt-4o-mini-tts",
				Voice:              "alloy",
				TranscriptionModel: "whisper-1",
				ModerationModel:    "omni-moderation-latest",
				EmotionModel:       "gpt-4o-mini",
			},
			Gemini:   Gemini{Model: "gemini-2.0-flash"},
			Polly:    Polly{Region: "us-east-1", VoiceID: "Joanna", Engine: "neural", SampleRate: 16000},
			Sentence: Sentence{MinLength: 10},
		},
		Remotes: []Remote{},
	}
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	c.Prompt.NameTranslations = maps.Clone(c.Prompt.NameTranslations)
	c.Operations.Filters = slices.Clone(c.Operations.Filters)
	c.Remotes = slices.Clone(c.Remotes)
	c.normalize()
	return c
}

// normalize replaces nil collections so documents always carry every field.
func (c *Config) normalize() {
	if c.Prompt.NameTranslations == nil {
		c.Prompt.NameTranslations = map[string]string{}
	}
	if c.Operations.Filters == nil {
		c.Operations.Filters = []string{}
	}
	if c.Remotes == nil {
		c.Remotes = []Remote{}
	}
}

var resolvedSchema = sync.OnceValues(func() (*jsonschema.Resolved, error) {
	s, err := jsonschema.For[Config](nil)
	if err != nil {
		return nil, fmt.Errorf("config: infer schema: %w", err)
	}
	return s.Resolve(nil)
})

// Schema returns the JSON Schema every configuration document must satisfy.
func Schema() (*jsonschema.Schema, error) {
	return jsonschema.For[Config](nil)
}

// ParseJSON validates a JSON document and decodes it.
func ParseJSON(data []byte) (Config, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	rs, err := resolvedSchema()
	if err != nil {
		return Config{}, err
	}
	if err := rs.Validate(doc); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var c Config
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Prompt.HistoryLength < 0 {
		return Config{}, fmt.Errorf("%w: prompt.history_length must not be negative", ErrInvalidConfig)
	}
	c.normalize()
	return c, nil
}

// ParseYAML validates a YAML document and decodes it. JSON is valid YAML.
func ParseYAML(data []byte) (Config, error) {
	js, err := yaml.YAMLToJSON(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return ParseJSON(js)
}

// LoadFile reads and validates a YAML configuration file. Fields absent from
// the file keep their Default values.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Default(), nil
	}
	js, err := yaml.YAMLToJSON(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	var patch map[string]any
	if err := json.Unmarshal(js, &patch); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	c, err := Merge(Default(), patch)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

// MarshalYAML encodes c as YAML.
func MarshalYAML(c Config) ([]byte, error) {
	c.normalize()
	js, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return yaml.JSONToYAML(js)
}

// ToMap returns c as a generic JSON document.
func ToMap(c Config) (map[string]any, error) {
	c.normalize()
	js, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(js, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Merge applies a partial document to base and validates the result.
// Nested objects are merged key by key; every other value replaces the
// existing one. base is not modified.
func Merge(base Config, patch map[string]any) (Config, error) {
	doc, err := ToMap(base)
	if err != nil {
		return Config{}, err
	}
	mergeInto(doc, patch)
	js, err := json.Marshal(doc)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return ParseJSON(js)
}

func mergeInto(dst, patch map[string]any) {
	for k, v := range patch {
		pm, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		dm, ok := dst[k].(map[string]any)
		if !ok {
			dst[k] = pm
			continue
		}
		mergeInto(dm, pm)
	}
}

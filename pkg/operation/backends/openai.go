package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonrepair"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/haivivi/charcore/pkg/audio"
	"github.com/haivivi/charcore/pkg/config"
	"github.com/haivivi/charcore/pkg/operation"
	"github.com/haivivi/charcore/pkg/stream"
)

// OpenAI speech is returned as 24 kHz mono s16le when the pcm format is
// requested.
const openaiSpeechRate = 24000

const audioFrameBytes = 4800

func newOpenAIClient(cfg config.OpenAI) *openai.Client {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return &client
}

// openaiBase holds the client shared by the OpenAI backends.
type openaiBase struct {
	settings Settings
	logger   *slog.Logger

	mu     sync.Mutex
	client *openai.Client
	cfg    config.OpenAI
}

func (b *openaiBase) Start(ctx context.Context) error {
	cfg := b.settings().OpenAI
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
	b.client = newOpenAIClient(cfg)
	return nil
}

func (b *openaiBase) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = nil
	return nil
}

func (b *openaiBase) acquire() (*openai.Client, config.OpenAI, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, config.OpenAI{}, errNotStarted
	}
	return b.client, b.cfg, nil
}

// OpenAIChat is a T2T backend streaming chat completions.
type OpenAIChat struct {
	openaiBase
}

func (b *OpenAIChat) Generate(ctx context.Context, in *operation.Input, out *operation.Output) error {
	client, cfg, err := b.acquire()
	if err != nil {
		return err
	}
	for c, err := range in.All() {
		if err != nil {
			return err
		}
		p := c.Part.(*stream.Prompt)
		params := openai.ChatCompletionNewParams{
			Model: cfg.ChatModel,
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(p.System),
				openai.UserMessage(p.User),
			},
		}
		if err := b.pull(ctx, client, params, out); err != nil {
			return wrap("openai chat", err)
		}
	}
	return nil
}

func (b *OpenAIChat) pull(ctx context.Context, client *openai.Client, params openai.ChatCompletionNewParams, out *operation.Output) error {
	s := client.Chat.Completions.NewStreaming(ctx, params)
	defer s.Close()
	for s.Next() {
		chunk := s.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		sel := chunk.Choices[0]
		if sel.Delta.Refusal != "" {
			return fmt.Errorf("refused: %s", sel.Delta.Refusal)
		}
		if sel.Delta.Content == "" {
			continue
		}
		if err := out.Emit(stream.Text(sel.Delta.Content)); err != nil {
			return err
		}
	}
	return s.Err()
}

// OpenAITranscriber is an STT backend. Consecutive audio chunks of the same
// format are transcribed together; a format change starts a new request.
type OpenAITranscriber struct {
	openaiBase
}

func (b *OpenAITranscriber) Generate(ctx context.Context, in *operation.Input, out *operation.Output) error {
	client, cfg, err := b.acquire()
	if err != nil {
		return err
	}
	var (
		pcm []byte
		cur stream.Audio
	)
	flush := func() error {
		if len(pcm) == 0 {
			return nil
		}
		wav := audio.WAV(pcm, cur.SampleRate, cur.Channels, cur.SampleWidth)
		pcm = pcm[:0]
		res, err := client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
			Model: openai.AudioModel(cfg.TranscriptionModel),
			File:  openai.File(bytes.NewReader(wav), "speech.wav", "audio/wav"),
		})
		if err != nil {
			return wrap("openai transcription", err)
		}
		if text := strings.TrimSpace(res.Text); text != "" {
			return out.Emit(stream.Text(text))
		}
		return nil
	}
	for c, err := range in.All() {
		if err != nil {
			return err
		}
		a := c.Part.(*stream.Audio)
		if len(pcm) > 0 && (a.SampleRate != cur.SampleRate || a.SampleWidth != cur.SampleWidth || a.Channels != cur.Channels) {
			if err := flush(); err != nil {
				return err
			}
		}
		cur = stream.Audio{SampleRate: a.SampleRate, SampleWidth: a.SampleWidth, Channels: a.Channels}
		pcm = append(pcm, a.Data...)
	}
	return flush()
}

// OpenAISpeech is a TTSG backend producing 24 kHz mono PCM.
type OpenAISpeech struct {
	openaiBase
}

func (b *OpenAISpeech) Generate(ctx context.Context, in *operation.Input, out *operation.Output) error {
	client, cfg, err := b.acquire()
	if err != nil {
		return err
	}
	for c, err := range in.All() {
		if err != nil {
			return err
		}
		text, _ := c.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		pcm, err := b.synthesize(ctx, client, cfg, text)
		if err != nil {
			return wrap("openai speech", err)
		}
		if err := emitAudio(out, pcm, openaiSpeechRate, audioFrameBytes); err != nil {
			return err
		}
	}
	return nil
}

func (b *OpenAISpeech) synthesize(ctx context.Context, client *openai.Client, cfg config.OpenAI, text string) ([]byte, error) {
	resp, err := client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(cfg.SpeechModel),
		Voice:          openai.AudioSpeechNewParamsVoice(cfg.Voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Moderation is a filter that checks the reply so far with the OpenAI
// moderation endpoint. The first flagged chunk is replaced with
// FilteredMessage and ends the output.
type Moderation struct {
	openaiBase
}

func (b *Moderation) Generate(ctx context.Context, in *operation.Input, out *operation.Output) error {
	client, cfg, err := b.acquire()
	if err != nil {
		return err
	}
	var full strings.Builder
	for c, err := range in.All() {
		if err != nil {
			return err
		}
		text, _ := c.Text()
		full.WriteString(text)
		resp, err := client.Moderations.New(ctx, openai.ModerationNewParams{
			Input: openai.ModerationNewParamsInputUnion{OfString: openai.String(full.String())},
			Model: openai.ModerationModel(cfg.ModerationModel),
		})
		if err != nil {
			return wrap("openai moderation", err)
		}
		if slices.ContainsFunc(resp.Results, func(r openai.Moderation) bool { return r.Flagged }) {
			b.logger.Info("backends: reply flagged by moderation")
			return out.Emit(stream.Text(FilteredMessage))
		}
		if err := out.Emit(stream.Text(text)); err != nil {
			return err
		}
	}
	return nil
}

const emotionSystemPrompt = `Classify the dominant emotion of the text the user sends.
Reply with a JSON object of the form {"label": "<emotion>"} where <emotion> is one of: `

// LLMEmotion is an emotion backend asking a chat model for a go_emotions
// label.
type LLMEmotion struct {
	openaiBase
}

func (b *LLMEmotion) Generate(ctx context.Context, in *operation.Input, out *operation.Output) error {
	client, cfg, err := b.acquire()
	if err != nil {
		return err
	}
	text, err := collectText(in)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: cfg.EmotionModel,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(emotionSystemPrompt + strings.Join(Emotions, ", ")),
			openai.UserMessage(text),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return wrap("openai emotion", err)
	}
	if len(resp.Choices) == 0 {
		return wrap("openai emotion", errors.New("no choices"))
	}
	label, err := parseEmotion(resp.Choices[0].Message.Content)
	if err != nil {
		b.logger.Warn("backends: unparsable emotion reply", "error", err)
		label = "neutral"
	}
	return out.Emit(stream.Label(label))
}

// parseEmotion extracts the label from a model reply, repairing malformed
// JSON. Unknown labels become "neutral".
func parseEmotion(reply string) (string, error) {
	var v struct {
		Label string `json:"label"`
	}
	err := json.Unmarshal([]byte(reply), &v)
	if _, ok := err.(*json.SyntaxError); ok {
		fixed, rerr := jsonrepair.JSONRepair(reply)
		if rerr != nil {
			return "", rerr
		}
		err = json.Unmarshal([]byte(fixed), &v)
	}
	if err != nil {
		return "", err
	}
	label := strings.ToLower(strings.TrimSpace(v.Label))
	if !slices.Contains(Emotions, label) {
		return "neutral", nil
	}
	return label, nil
}

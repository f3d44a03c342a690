package backends

import (
	"context"
	"log/slog"
	"sync"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/genai"

	"github.com/haivivi/charcore/pkg/operation"
	"github.com/haivivi/charcore/pkg/stream"
)

// Gemini is a T2T backend streaming Gemini content generation.
type Gemini struct {
	settings Settings
	logger   *slog.Logger

	mu     sync.Mutex
	client *genai.Client
	model  string
}

func (b *Gemini) Start(ctx context.Context) error {
	cfg := b.settings().Gemini
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return wrap("gemini", err)
	}
	b.mu.Lock()
	b.client = client
	b.model = cfg.Model
	b.mu.Unlock()
	return nil
}

func (b *Gemini) Close() error {
	b.mu.Lock()
	b.client = nil
	b.mu.Unlock()
	return nil
}

func (b *Gemini) Generate(ctx context.Context, in *operation.Input, out *operation.Output) error {
	b.mu.Lock()
	client, model := b.client, b.model
	b.mu.Unlock()
	if client == nil {
		return errNotStarted
	}
	for c, err := range in.All() {
		if err != nil {
			return err
		}
		p := c.Part.(*stream.Prompt)
		var cfg *genai.GenerateContentConfig
		if p.System != "" {
			cfg = &genai.GenerateContentConfig{
				SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: p.System}}},
			}
		}
		contents := []*genai.Content{{Role: genai.RoleUser, Parts: []*genai.Part{{Text: p.User}}}}
		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				if e, ok := err.(*apierror.APIError); ok {
					err = e.Unwrap()
				}
				return wrap("gemini", err)
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text == "" || part.Thought {
					continue
				}
				if err := out.Emit(stream.Text(part.Text)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

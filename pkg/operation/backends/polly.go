package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/haivivi/charcore/pkg/config"
	"github.com/haivivi/charcore/pkg/operation"
)

// SynthesizeClient is the subset of the Polly API used by Polly.
type SynthesizeClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Polly is a TTSG backend using Amazon Polly. Output is mono s16le PCM at
// the configured sample rate (8000 or 16000).
type Polly struct {
	settings Settings
	logger   *slog.Logger

	// Client overrides the client built from the AWS default config.
	Client SynthesizeClient

	mu     sync.Mutex
	client SynthesizeClient
	cfg    config.Polly
}

func (b *Polly) Start(ctx context.Context) error {
	cfg := b.settings().Polly
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.SampleRate != 8000 && cfg.SampleRate != 16000 {
		return fmt.Errorf("backends: polly: unsupported sample rate %d", cfg.SampleRate)
	}
	client := b.Client
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return fmt.Errorf("backends: polly: load aws config: %w", err)
		}
		client = polly.NewFromConfig(awsCfg)
	}
	b.mu.Lock()
	b.client = client
	b.cfg = cfg
	b.mu.Unlock()
	return nil
}

func (b *Polly) Close() error {
	b.mu.Lock()
	b.client = nil
	b.mu.Unlock()
	return nil
}

func (b *Polly) Generate(ctx context.Context, in *operation.Input, out *operation.Output) error {
	b.mu.Lock()
	client, cfg := b.client, b.cfg
	b.mu.Unlock()
	if client == nil {
		return errNotStarted
	}
	engine := pollytypes.EngineStandard
	if strings.EqualFold(cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	for c, err := range in.All() {
		if err != nil {
			return err
		}
		text, _ := c.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		res, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
			Engine:       engine,
			OutputFormat: pollytypes.OutputFormatPcm,
			SampleRate:   aws.String(strconv.Itoa(cfg.SampleRate)),
			Text:         aws.String(text),
			TextType:     pollytypes.TextTypeText,
			VoiceId:      pollytypes.VoiceId(cfg.VoiceID),
		})
		if err != nil {
			return pollyError(err)
		}
		if res == nil || res.AudioStream == nil {
			return wrap("polly", errors.New("empty audio stream"))
		}
		pcm, err := io.ReadAll(res.AudioStream)
		res.AudioStream.Close()
		if err != nil {
			return wrap("polly", err)
		}
		if err := emitAudio(out, pcm, cfg.SampleRate, audioFrameBytes); err != nil {
			return err
		}
	}
	return nil
}

func pollyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("backends: polly: %s: %w", apiErr.ErrorCode(), err)
	}
	return wrap("polly", err)
}

package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/haivivi/charcore/pkg/broadcast"
	"github.com/haivivi/charcore/pkg/jobs"
	"github.com/haivivi/charcore/pkg/operation"
	"github.com/haivivi/charcore/pkg/pipeline"
	"github.com/haivivi/charcore/pkg/stream"
)

// Dispatch runs one job. It is called by the scheduler, one job at a time.
func (c *Core) Dispatch(ctx context.Context, j *jobs.Job) (any, error) {
	switch p := j.Params.(type) {
	case *jobs.ResponseParams:
		return nil, c.pipeline.Respond(ctx, j, pipeline.Options{
			OutputAudio: p.OutputAudio,
			SkipTTSC:    p.SkipTTSC,
		})

	case *jobs.ContextClearParams:
		c.Prompter.Clear()
		return nil, nil
	case *jobs.ContextRequestAddParams:
		return nil, c.Prompter.AddRequest(p.Content)
	case *jobs.ConversationAddTextParams:
		return nil, c.Prompter.AddChat(p.User, p.Content, p.Timestamp.Time(c.now()))
	case *jobs.ConversationAddAudioParams:
		return nil, c.addAudio(ctx, j, p)
	case *jobs.CustomRegisterParams:
		if err := c.Prompter.Register(p.ContextID, p.Name, p.Description); err != nil {
			return nil, err
		}
		return c.Prompter.Contexts(), nil
	case *jobs.CustomRemoveParams:
		return nil, c.Prompter.Remove(p.ContextID)
	case *jobs.CustomAddParams:
		return nil, c.Prompter.AddContext(p.ContextID, p.Content, p.Timestamp.Time(c.now()))

	case *jobs.OperationLoadParams:
		return c.operate(p.OperationParams, func(t operation.Type, id string) error {
			return c.Operations.Start(ctx, t, id)
		})
	case *jobs.OperationReloadParams:
		return c.operate(p.OperationParams, func(t operation.Type, id string) error {
			return c.Operations.Reload(ctx, t, id)
		})
	case *jobs.OperationUnloadParams:
		return c.operate(p.OperationParams, c.Operations.Unload)
	case *jobs.OperationUseParams:
		return nil, c.use(ctx, j, p)

	case *jobs.ConfigLoadParams:
		if _, err := c.Config.Load(ctx, p.ConfigID); err != nil {
			return nil, err
		}
		if err := c.Apply(ctx); err != nil {
			return c.Operations.Loaded(), err
		}
		return c.Operations.Loaded(), nil
	case *jobs.ConfigUpdateParams:
		cfg, err := c.Config.Update(p.Fields)
		if err != nil {
			return nil, err
		}
		c.configurePrompter(cfg)
		return cfg, nil
	case *jobs.ConfigSaveParams:
		return nil, c.Config.Save(ctx, p.ConfigID)
	}
	return nil, fmt.Errorf("%w: %T", jobs.ErrUnknownJobType, j.Params)
}

func (c *Core) operate(p jobs.OperationParams, fn func(operation.Type, string) error) (any, error) {
	t, err := operation.ParseType(p.OpType)
	if err != nil {
		return nil, err
	}
	if err := fn(t, p.OpID); err != nil {
		return nil, err
	}
	return c.Operations.Loaded(), nil
}

// addAudio transcribes the audio with the loaded STT operation and adds the
// transcript to the conversation.
func (c *Core) addAudio(ctx context.Context, j *jobs.Job, p *jobs.ConversationAddAudioParams) error {
	at := p.Timestamp.Time(c.now())
	out, err := c.Operations.Use(ctx, operation.STT, "", stream.FromParts(audioPart(p.AudioInput)))
	if err != nil {
		return err
	}
	var sb strings.Builder
	for {
		chunk, err := out.Next()
		if err != nil {
			if isEOF(err) {
				break
			}
			return err
		}
		j.Emit(broadcast.StageTranscription, chunk)
		t, _ := chunk.Text()
		sb.WriteString(t)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		c.logger.Info("core: empty transcription", "job_id", j.ID, "user", p.User)
		return nil
	}
	return c.Prompter.AddChat(p.User, text, at)
}

// use runs one operation ad hoc and broadcasts its output.
func (c *Core) use(ctx context.Context, j *jobs.Job, p *jobs.OperationUseParams) error {
	t, err := operation.ParseType(p.OpType)
	if err != nil {
		return err
	}
	var in stream.Part
	switch t.Accepts() {
	case stream.KindAudio:
		if len(p.AudioBytes) == 0 {
			return fmt.Errorf("%w: %s needs audio input", jobs.ErrInvalidParams, t)
		}
		in = audioPart(p.AudioInput)
	case stream.KindPrompt:
		in = &stream.Prompt{User: p.Content}
	default:
		in = stream.Text(p.Content)
	}
	out, err := c.Operations.Use(ctx, t, p.OpID, stream.FromParts(in))
	if err != nil {
		return err
	}
	for {
		chunk, err := out.Next()
		if err != nil {
			if isEOF(err) {
				return nil
			}
			return err
		}
		j.Emit(broadcast.StageOperation, chunk)
	}
}

func audioPart(a jobs.AudioInput) *stream.Audio {
	return &stream.Audio{
		Data:        a.AudioBytes,
		SampleRate:  a.SampleRate,
		SampleWidth: a.SampleWidth,
		Channels:    a.Channels,
	}
}

package backends

import (
	"context"

	"github.com/haivivi/charcore/pkg/audio/resampler"
	"github.com/haivivi/charcore/pkg/operation"
	"github.com/haivivi/charcore/pkg/stream"
)

// Pitch is a TTSC backend that shifts the pitch of 16-bit PCM. One shifter
// spans the whole call, so frame boundaries do not cut the audio; it is
// flushed at the end of input or when the format changes.
type Pitch struct {
	stateless
	settings Settings
}

func (b *Pitch) Generate(ctx context.Context, in *operation.Input, out *operation.Output) error {
	semitones := b.settings().Pitch.Semitones

	var (
		shifter *resampler.Shifter
		format  stream.Audio
	)
	emit := func(pcm []byte) error {
		if len(pcm) == 0 {
			return nil
		}
		return out.Emit(&stream.Audio{
			Data:        pcm,
			SampleRate:  format.SampleRate,
			SampleWidth: format.SampleWidth,
			Channels:    format.Channels,
		})
	}
	flush := func() error {
		if shifter == nil {
			return nil
		}
		pcm, err := shifter.Flush()
		if err != nil {
			return wrap("pitch", err)
		}
		return emit(pcm)
	}

	for c, err := range in.All() {
		if err != nil {
			return err
		}
		a := c.Part.(*stream.Audio)
		if shifter == nil || a.SampleRate != format.SampleRate ||
			a.SampleWidth != format.SampleWidth || a.Channels != format.Channels {
			if err := flush(); err != nil {
				return err
			}
			f, err := resampler.FormatOf(a.SampleRate, a.SampleWidth, a.Channels)
			if err != nil {
				return wrap("pitch", err)
			}
			if shifter, err = resampler.NewShifter(f, semitones); err != nil {
				return wrap("pitch", err)
			}
			format = stream.Audio{SampleRate: a.SampleRate, SampleWidth: a.SampleWidth, Channels: a.Channels}
		}
		pcm, err := shifter.Shift(a.Data)
		if err != nil {
			return wrap("pitch", err)
		}
		if err := emit(pcm); err != nil {
			return err
		}
	}
	return flush()
}

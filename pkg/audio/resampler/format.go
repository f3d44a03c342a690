package resampler

import "fmt"

// Format describes 16-bit signed little-endian PCM.
type Format struct {
	// SampleRate is the sample rate in Hz (e.g., 16000, 24000).
	SampleRate int

	// Stereo indicates 2 interleaved channels if true, mono if false.
	Stereo bool
}

// FormatOf returns the Format for a sample rate, sample width in bytes and
// channel count. Only 16-bit mono or stereo audio is supported.
func FormatOf(sampleRate, sampleWidth, channels int) (Format, error) {
	if sampleWidth != 2 {
		return Format{}, fmt.Errorf("resampler: unsupported sample width %d", sampleWidth)
	}
	if channels != 1 && channels != 2 {
		return Format{}, fmt.Errorf("resampler: unsupported channel count %d", channels)
	}
	if sampleRate <= 0 {
		return Format{}, fmt.Errorf("resampler: invalid sample rate %d", sampleRate)
	}
	return Format{SampleRate: sampleRate, Stereo: channels == 2}, nil
}

// Channels returns the channel count.
func (f Format) Channels() int {
	if f.Stereo {
		return 2
	}
	return 1
}

func (f Format) sampleBytes() int {
	return 2 * f.Channels()
}

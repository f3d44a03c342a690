package resampler

import (
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resample converts a complete PCM buffer from src to dst. Sample rate
// conversion uses a high quality polyphase resampler; channel conversion
// averages (stereo to mono) or duplicates (mono to stereo) samples.
func Resample(pcm []byte, src, dst Format) ([]byte, error) {
	pcm = pcm[:len(pcm)/src.sampleBytes()*src.sampleBytes()]
	buf := make([]byte, len(pcm), len(pcm)*2)
	copy(buf, pcm)

	switch {
	case src.Stereo && !dst.Stereo:
		buf = buf[:stereoToMono(buf)]
	case !src.Stereo && dst.Stereo:
		buf = buf[:len(buf)*2]
		monoToStereo(buf)
	}

	if src.SampleRate == dst.SampleRate || len(buf) == 0 {
		return buf, nil
	}
	c, err := newConverter(float64(src.SampleRate), float64(dst.SampleRate), dst.Channels())
	if err != nil {
		return nil, err
	}
	return c.all(buf)
}

// PitchShift raises (positive) or lowers (negative) the pitch of a complete
// PCM buffer by the given number of semitones. See Shifter.
func PitchShift(pcm []byte, f Format, semitones float64) ([]byte, error) {
	s, err := NewShifter(f, semitones)
	if err != nil {
		return nil, err
	}
	out, err := s.Shift(pcm)
	if err != nil {
		return nil, err
	}
	tail, err := s.Flush()
	if err != nil {
		return nil, err
	}
	return append(out, tail...), nil
}

// Shifter shifts the pitch of PCM that arrives in pieces, such as the frames
// of one synthesized utterance. The audio is resampled and replayed at the
// original rate, so duration scales inversely with the pitch ratio.
//
// Filter state carries across Shift calls. Flush must be called once the
// input ends to collect the delayed tail.
type Shifter struct {
	conv *converter
}

// NewShifter returns a Shifter for audio in format f.
func NewShifter(f Format, semitones float64) (*Shifter, error) {
	if semitones == 0 {
		return &Shifter{}, nil
	}
	ratio := math.Pow(2, semitones/12)
	c, err := newConverter(float64(f.SampleRate), float64(f.SampleRate)/ratio, f.Channels())
	if err != nil {
		return nil, err
	}
	return &Shifter{conv: c}, nil
}

// Shift returns the shifted audio available so far. A trailing partial frame
// is kept for the next call.
func (s *Shifter) Shift(pcm []byte) ([]byte, error) {
	if s.conv == nil {
		return pcm, nil
	}
	return s.conv.process(pcm)
}

// Flush returns the audio still held by the resampler filters.
func (s *Shifter) Flush() ([]byte, error) {
	if s.conv == nil {
		return nil, nil
	}
	return s.conv.flush()
}

// converter resamples interleaved 16-bit PCM with one resampler per
// channel.
type converter struct {
	rs      []resampling.Resampler
	partial []byte
}

func newConverter(inRate, outRate float64, channels int) (*converter, error) {
	c := &converter{rs: make([]resampling.Resampler, channels)}
	for ch := range c.rs {
		r, err := resampling.New(&resampling.Config{
			InputRate:  inRate,
			OutputRate: outRate,
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("resampler: create: %w", err)
		}
		c.rs[ch] = r
	}
	return c, nil
}

func (c *converter) all(pcm []byte) ([]byte, error) {
	out, err := c.process(pcm)
	if err != nil {
		return nil, err
	}
	tail, err := c.flush()
	if err != nil {
		return nil, err
	}
	return append(out, tail...), nil
}

func (c *converter) process(pcm []byte) ([]byte, error) {
	channels := len(c.rs)
	frame := 2 * channels
	if len(c.partial) > 0 {
		pcm = append(c.partial, pcm...)
		c.partial = nil
	}
	n := len(pcm) / frame * frame
	if n < len(pcm) {
		c.partial = append([]byte(nil), pcm[n:]...)
	}
	frames := n / frame
	if frames == 0 {
		return nil, nil
	}

	outs := make([][]float64, channels)
	for ch, r := range c.rs {
		in := make([]float64, frames)
		for i := range in {
			j := (i*channels + ch) * 2
			in[i] = float64(int16(pcm[j])|int16(pcm[j+1])<<8) / 32768.0
		}
		out, err := r.Process(in)
		if err != nil {
			return nil, fmt.Errorf("resampler: process: %w", err)
		}
		outs[ch] = out
	}
	return interleave(outs), nil
}

func (c *converter) flush() ([]byte, error) {
	c.partial = nil
	outs := make([][]float64, len(c.rs))
	for ch, r := range c.rs {
		out, err := r.Flush()
		if err != nil {
			return nil, fmt.Errorf("resampler: flush: %w", err)
		}
		outs[ch] = out
	}
	return interleave(outs), nil
}

// interleave converts per-channel float samples to interleaved 16-bit PCM,
// truncated to the shortest channel.
func interleave(chans [][]float64) []byte {
	n := len(chans[0])
	for _, c := range chans[1:] {
		n = min(n, len(c))
	}
	out := make([]byte, n*len(chans)*2)
	for i := range n {
		for ch, c := range chans {
			var sample int16
			switch s := c[i]; {
			case s >= 1.0:
				sample = math.MaxInt16
			case s < -1.0:
				sample = math.MinInt16
			default:
				sample = int16(s * 32767.0)
			}
			j := (i*len(chans) + ch) * 2
			out[j] = byte(sample)
			out[j+1] = byte(sample >> 8)
		}
	}
	return out
}

// stereoToMono downmixes in place by averaging L and R. It returns the new
// length in bytes.
func stereoToMono(b []byte) int {
	numFrames := len(b) / 4
	for i := range numFrames {
		j := i * 4
		k := i * 2
		l := int16(b[j]) | int16(b[j+1])<<8
		r := int16(b[j+2]) | int16(b[j+3])<<8
		m := int16((int32(l) + int32(r)) / 2)
		b[k] = byte(m)
		b[k+1] = byte(m >> 8)
	}
	return numFrames * 2
}

// monoToStereo upmixes in place. b holds mono samples in its first half and
// is filled with interleaved stereo frames.
func monoToStereo(b []byte) {
	numSamples := len(b) / 4
	for i := numSamples - 1; i >= 0; i-- {
		s0, s1 := b[i*2], b[i*2+1]
		j := i * 4
		b[j], b[j+1] = s0, s1
		b[j+2], b[j+3] = s0, s1
	}
}

// Package resampler converts 16-bit PCM between sample rates and channel
// layouts, and shifts its pitch.
//
// Resample and PitchShift work on complete buffers. A Shifter carries filter
// state across the frames of one utterance and must be flushed at its end:
//
//	s, err := resampler.NewShifter(resampler.Format{SampleRate: 24000}, 2)
//	for _, frame := range frames {
//		out, err := s.Shift(frame)
//		...
//	}
//	tail, err := s.Flush()
package resampler

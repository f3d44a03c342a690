// Package audio holds small helpers for the PCM audio that flows through
// speech stages, and umbrellas the resampler sub-package.
//
// WAV frames raw PCM for backends that only accept files:
//
//	wav := audio.WAV(pcm, 16000, 1, 2)
package audio

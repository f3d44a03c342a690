package audio

import (
	"bytes"
	"encoding/binary"
)

// WAV wraps little-endian PCM in a canonical 44-byte RIFF/WAVE header.
// sampleWidth is in bytes.
func WAV(pcm []byte, sampleRate, channels, sampleWidth int) []byte {
	var b bytes.Buffer
	b.Grow(44 + len(pcm))

	blockAlign := channels * sampleWidth
	w := func(v any) { binary.Write(&b, binary.LittleEndian, v) }

	b.WriteString("RIFF")
	w(uint32(36 + len(pcm)))
	b.WriteString("WAVE")

	b.WriteString("fmt ")
	w(uint32(16))
	w(uint16(1)) // PCM
	w(uint16(channels))
	w(uint32(sampleRate))
	w(uint32(sampleRate * blockAlign))
	w(uint16(blockAlign))
	w(uint16(sampleWidth * 8))

	b.WriteString("data")
	w(uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}

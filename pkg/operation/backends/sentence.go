package backends

import (
	"context"
	"strings"

	"github.com/haivivi/charcore/pkg/operation"
	"github.com/haivivi/charcore/pkg/stream"
)

const sentencePunctuation = ".?,;!"

// DefaultMinSentence is the shortest chunk SentenceChunker emits before the
// end of input.
const DefaultMinSentence = 10

// SentenceChunker regroups streamed text into sentence-sized chunks, so
// downstream speech synthesis starts early without cutting words.
type SentenceChunker struct {
	stateless
	settings Settings
}

// splitSentence returns the first chunk of s that ends in a run of
// punctuation at or after position from, and the remainder.
func splitSentence(s string, from int) (head, rest string, ok bool) {
	if len(s) <= from {
		return "", s, false
	}
	i := strings.IndexAny(s[from:], sentencePunctuation)
	if i < 0 {
		return "", s, false
	}
	end := from + i
	for end < len(s) && strings.IndexByte(sentencePunctuation, s[end]) >= 0 {
		end++
	}
	return s[:end], s[end:], true
}

func (b *SentenceChunker) Generate(ctx context.Context, in *operation.Input, out *operation.Output) error {
	minLen := DefaultMinSentence
	if b.settings != nil {
		if n := b.settings().Sentence.MinLength; n > 0 {
			minLen = n
		}
	}
	var pending string
	for c, err := range in.All() {
		if err != nil {
			return err
		}
		t, _ := c.Text()
		pending += t
		for {
			head, rest, ok := splitSentence(pending, minLen)
			if !ok {
				break
			}
			pending = rest
			if strings.TrimSpace(head) == "" {
				continue
			}
			if err := out.Emit(stream.Text(head)); err != nil {
				return err
			}
		}
	}
	if strings.TrimSpace(pending) != "" {
		return out.Emit(stream.Text(pending))
	}
	return nil
}

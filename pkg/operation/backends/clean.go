package backends

import (
	"context"
	"regexp"

	"github.com/haivivi/charcore/pkg/operation"
	"github.com/haivivi/charcore/pkg/stream"
)

var (
	// speakerTag matches "[name]: " prefixes a model copies from the transcript.
	speakerTag = regexp.MustCompile(`\[[^\[\]]+\]:\s*`)

	// openTag matches a trailing fragment that may still grow into a
	// speaker tag once more text arrives.
	openTag = regexp.MustCompile(`\[[^\[\]]*(\]:?)?$`)
)

// CleanFilter removes speaker tags from reply text. Text from an unclosed
// "[" onward is held back until the tag completes or the input ends, so tags
// split across token deltas are still removed.
type CleanFilter struct {
	stateless
}

// Clean returns s without speaker tags.
func Clean(s string) string {
	return speakerTag.ReplaceAllString(s, "")
}

func (*CleanFilter) Generate(ctx context.Context, in *operation.Input, out *operation.Output) error {
	var pending string
	emit := func(s string) error {
		if s = Clean(s); s == "" {
			return nil
		}
		return out.Emit(stream.Text(s))
	}
	for c, err := range in.All() {
		if err != nil {
			return err
		}
		t, _ := c.Text()
		pending += t
		cut := len(pending)
		if loc := openTag.FindStringIndex(pending); loc != nil {
			cut = loc[0]
		}
		if err := emit(pending[:cut]); err != nil {
			return err
		}
		pending = pending[cut:]
	}
	return emit(pending)
}

package backends

import (
	"context"

	"github.com/haivivi/charcore/pkg/operation"
	"github.com/haivivi/charcore/pkg/stream"
)

// Echo is a T2T backend that replies with the user prompt. It needs no
// credentials, which makes it useful for wiring checks.
type Echo struct {
	stateless
}

func (*Echo) Generate(ctx context.Context, in *operation.Input, out *operation.Output) error {
	for c, err := range in.All() {
		if err != nil {
			return err
		}
		p := c.Part.(*stream.Prompt)
		if p.User == "" {
			continue
		}
		if err := out.Emit(stream.Text(p.User)); err != nil {
			return err
		}
	}
	return nil
}

// Package operation implements loadable pipeline stages.
//
// An Operation wraps a type-specific Backend with an explicit lifecycle
// (Start, Reload, Close) and a stream transform (Call). A Registry maps
// (Type, id) pairs to capabilities that construct backends without starting
// them, and a Manager holds the operations currently loaded into each slot.
//
// Typical use:
//
//	reg, _ := operation.NewRegistry(caps...)
//	m := operation.NewManager(reg, operation.ManagerConfig{})
//	if err := m.Start(ctx, operation.T2T, "openai"); err != nil {
//		return err
//	}
//	out, err := m.Use(ctx, operation.T2T, "", stream.FromParts(&stream.Prompt{...}))
package operation

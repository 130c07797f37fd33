// Package tool defines the dual-mode tool contract.
//
// Invariants:
// - Every tool has a blocking and a suspending entry point with the same result.
// - A tool's capability tag is fixed when it is built.
// - Parameters are validated against the tool schema before a body runs.
//
// Usage:
//
//	tl, err := tool.New(desc, tool.Impl{Sync: func(ctx context.Context, args map[string]any) (any, error) {
//		return args["text"], nil
//	}}, br)
//	out, err := tl.ExecuteAsync(ctx, map[string]any{"text": "hi"}).Await(ctx)
package tool

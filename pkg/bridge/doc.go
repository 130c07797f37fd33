// Package bridge connects blocking and suspending code.
//
// Invariants:
// - Blocking functions submitted by suspending callers run only on pool workers.
// - A blocking entry point never starts a scheduler inside an active one.
// - A caller timeout abandons the wait, not the worker.
//
// Usage:
//
//	br := bridge.New(bridge.Config{Workers: 4}, nil)
//	defer br.Close()
//	out, err := br.RunSync(ctx, func(ctx context.Context) (any, error) {
//		return compute(), nil
//	})
package bridge

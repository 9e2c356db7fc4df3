package taskgraph

import (
	"context"
	"fmt"

	"github.com/kestrelrun/taskgraph/internal/ctxlog"
)

// HookFunc is the signature every lifecycle hook shares: it receives the
// node's ID, the hook's fixed bindings resolved into a plain Args map, and
// the context in force for the triggering operation.
type HookFunc func(ctx context.Context, nodeID string, fixed Args) error

// hook pairs a HookFunc with the bindings fixed at registration time. fixed
// is resolved into a plain Args map immediately before each invocation, so
// a Thunk entry is evaluated lazily rather than handed to fn unresolved.
type hook struct {
	fn    HookFunc
	fixed FixedBindings
}

// runHooks runs each hook in order, recovering a panicking hook into a
// PanicError instead of letting it crash the calling goroutine, mirroring
// how callable panics are handled in node.go.
func runHooks(ctx context.Context, nodeID string, hooks []hook) error {
	for _, h := range hooks {
		if err := runHookSafely(ctx, nodeID, h); err != nil {
			return err
		}
	}
	return nil
}

func runHookSafely(ctx context.Context, nodeID string, h hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{NodeID: nodeID, Panic: r}
		}
	}()
	fixed, rerr := h.fixed.resolve()
	if rerr != nil {
		return fmt.Errorf("hook on node %q: resolving fixed bindings: %w", nodeID, rerr)
	}
	ctxlog.FromContext(ctx).Debug("running hook", "node", nodeID)
	if e := h.fn(ctx, nodeID, fixed); e != nil {
		return fmt.Errorf("hook on node %q: %w", nodeID, e)
	}
	return nil
}

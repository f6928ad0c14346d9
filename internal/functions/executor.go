package functions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Call is one model-initiated invocation request.
type Call struct {
	ID        string
	Name      string
	Arguments []byte // raw JSON
}

// AsyncFollowUp is delivered when an async handler completes, so the
// Connection can weave the result into a later conversation turn (§4.5).
type AsyncFollowUp struct {
	CallID string
	Result Result
}

// Executor is the process-wide, shared-by-reference function dispatcher
// (§3 Ownership). It is safe for concurrent use by multiple Connections.
type Executor struct {
	registry *Registry

	// DefaultTimeout bounds a sync Invoke when the Function Spec does not
	// specify one; follows §4.5's "default 30s" for HTTP handlers.
	DefaultTimeout time.Duration
}

// NewExecutor returns an Executor backed by registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry, DefaultTimeout: 30 * time.Second}
}

// Registry exposes the underlying Registry for entry-path registration.
func (e *Executor) Registry() *Registry { return e.registry }

// Invoke runs name synchronously and returns its Result. The caller
// (Connection) is expected to block the provider's tool-resolution slot
// until this returns (§4.5 sync mode). Cancellation propagates through ctx.
func (e *Executor) Invoke(ctx context.Context, fctx Context, call Call, timeout time.Duration) Result {
	h, ok := e.registry.Get(call.Name)
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("unknown function: %s", call.Name)}
	}

	if timeout <= 0 {
		timeout = e.DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		res, err := h(cctx, fctx, call.Arguments)
		if err != nil {
			done <- Result{Success: false, Error: err.Error()}
			return
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res
	case <-cctx.Done():
		slog.Warn("[Executor] Handler timed out", "call_id", call.ID, "name", call.Name)
		return Result{Success: false, Error: "timeout"}
	}
}

// InvokeAsync returns an immediate acknowledgement and runs the handler on
// a background goroutine, delivering its eventual outcome on onDone once
// complete (§4.5 async mode). Used for work expected to exceed ~1s.
func (e *Executor) InvokeAsync(ctx context.Context, fctx Context, call Call, onDone func(AsyncFollowUp)) Result {
	h, ok := e.registry.Get(call.Name)
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("unknown function: %s", call.Name)}
	}

	go func() {
		cctx, cancel := context.WithTimeout(ctx, e.DefaultTimeout)
		defer cancel()

		res, err := h(cctx, fctx, call.Arguments)
		if err != nil {
			res = Result{Success: false, Error: err.Error()}
		}
		onDone(AsyncFollowUp{CallID: call.ID, Result: res})
	}()

	return Result{Success: true, Data: map[string]any{"accepted": true}}
}

// Batch runs every call concurrently via errgroup, preserving input order
// in the result slice and tolerating partial failures per-entry rather than
// aborting the whole batch (§4.5 execute_batch). Grounded on the parallel
// prefetch pattern in oriys-nova's executor and generalized from
// tools.APITool.Batch's sequential, abort-on-first-error loop.
func (e *Executor) Batch(ctx context.Context, fctx Context, calls []Call) []Result {
	results := make([]Result, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = e.Invoke(gctx, fctx, call, 0)
			return nil // per-entry failures live in Result, never abort the batch
		})
	}
	_ = g.Wait()

	return results
}

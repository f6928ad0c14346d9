// Package functions implements the process-wide Function Executor &
// Registry (§4.5): a name->handler map, sync/async invocation, retrying
// HTTP-handler adapters, and concurrent batch execution.
//
// Grounded on the tool-registry shape of lookatitude-beluga-ai's
// pkg/agents/tools (Registry interface, map-backed implementation), with
// one deliberate divergence: that source errors on duplicate registration,
// while §5 and §8's idempotence property require registration to silently
// overwrite so that re-running a Connection's entry-path step 5 for the
// same agent is always safe.
package functions

import (
	"context"
	"encoding/json"
	"sync"
)

// Context is the per-call handler context passed to every invocation
// (§3 Ownership): connection id, session id, caller id, tenant id, the
// PBX-side port, and the agent's knowledge-base id (if any).
type Context struct {
	ConnectionID string
	SessionID    string
	CallerID     string
	TenantID     string
	AsteriskPort int
	KnowledgeBaseID string
}

// Result is a handler's outcome: either success with data, or a failure
// with a message surfaced to the model as an `error` string (§4.5).
type Result struct {
	Success bool
	Data    any
	Error   string
}

// Handler is a registered function implementation.
type Handler func(ctx context.Context, fctx Context, arguments json.RawMessage) (Result, error)

// Registry is a process-wide, read-mostly name->handler map. Registrations
// are idempotent: registering the same name twice leaves only the last
// handler observable (§8 round-trip/idempotence property), and registering
// never races with a concurrent Invoke for a different name (§5).
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or overwrites the handler for name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Unregister removes name from the registry, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
}

// Get returns the handler for name, if registered.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the currently-registered function names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	return names
}

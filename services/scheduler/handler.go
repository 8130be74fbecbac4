package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"dropship-controlplane/pkg/errutil"
)

// Handler is an executable capability bound to a job's handler_ref. Parameters
// are passed verbatim from the job definition. Implementations must honour ctx
// cancellation at I/O boundaries; the loop enforces the job timeout through it.
type Handler interface {
	Execute(ctx context.Context, params json.RawMessage) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, params json.RawMessage) error

func (f HandlerFunc) Execute(ctx context.Context, params json.RawMessage) error {
	return f(ctx, params)
}

// HandlerRegistry maps handler refs to capabilities. Capabilities register at
// startup; unknown refs are rejected at job creation, not at dispatch.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

func (r *HandlerRegistry) Register(ref string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[ref] = h
}

func (r *HandlerRegistry) Has(ref string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[ref]
	return ok
}

func (r *HandlerRegistry) Resolve(ref string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[ref]
	if !ok {
		return nil, errutil.NotFound("unknown handler: " + ref)
	}
	return h, nil
}

func (r *HandlerRegistry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]string, 0, len(r.handlers))
	for ref := range r.handlers {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

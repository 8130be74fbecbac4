package source

import (
	"context"
	"sort"
	"sync"
	"time"

	"dropship-controlplane/pkg/errutil"
)

// Candidate is one catalog entry as reported by a wholesale source.
type Candidate struct {
	ProductCode   string         `json:"product_code"`
	Name          string         `json:"name"`
	Price         float64        `json:"price"`
	StockQuantity int            `json:"stock_quantity"`
	Category      string         `json:"category"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Stream is a one-shot, finite sequence of candidates. Next returns io.EOF
// once the sequence is exhausted. Streams are not restartable: a failed pass
// must be retried with a fresh Fetch, never resumed.
type Stream interface {
	Next(ctx context.Context) (*Candidate, error)
}

// Adapter is the per-wholesaler fetch capability. Implementations own all
// transport detail (HTTP, GraphQL, auth) and must honour ctx cancellation at
// each I/O step; an adapter that ignores ctx degrades timeout enforcement to
// best effort.
type Adapter interface {
	ID() string
	Fetch(ctx context.Context, filter Filter) (Stream, error)
}

// Registry resolves adapters by source id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

func (r *Registry) Get(sourceID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[sourceID]
	if !ok {
		return nil, errutil.NotFound("unknown source: " + sourceID)
	}
	return a, nil
}

// Known returns registered source ids in stable order.
func (r *Registry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

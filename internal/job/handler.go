package job

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/phrazzld/commitcast/internal/domain"
)

// Handler executes jobs of one type.
//
// Execute receives the claimed job and its resolved input. The returned value
// is stored as the job's context.result and must marshal to a JSON object.
// Handlers must write domain state only after their work has succeeded, since
// a failed job may be executed again.
type Handler interface {
	Type() domain.JobType
	Execute(ctx context.Context, job *domain.Job, in domain.Input) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	JobType domain.JobType
	Fn      func(ctx context.Context, job *domain.Job, in domain.Input) (any, error)
}

// Type implements Handler.
func (h HandlerFunc) Type() domain.JobType { return h.JobType }

// Execute implements Handler.
func (h HandlerFunc) Execute(ctx context.Context, job *domain.Job, in domain.Input) (any, error) {
	return h.Fn(ctx, job, in)
}

// Registry maps job types to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.JobType]Handler
}

// NewRegistry creates a registry holding handlers.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[domain.JobType]Handler)}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// Register adds h. It panics if h's type is unknown or already registered,
// since either is a wiring mistake.
func (r *Registry) Register(h Handler) {
	t := h.Type()
	if !t.IsValid() {
		panic(fmt.Sprintf("job: register handler for unknown type %q", t))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[t]; dup {
		panic(fmt.Sprintf("job: handler for %q already registered", t))
	}
	r.handlers[t] = h
}

// Get returns the handler for t.
func (r *Registry) Get(t domain.JobType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered job types in a stable order.
func (r *Registry) Types() []domain.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]domain.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrHandlerNotFound = errors.New("no handler registered for job kind")
	ErrHandlerExists   = errors.New("handler already registered for job kind")
)

// Handler executes the work a job describes. It may be invoked more than
// once for the same logical job when retries fire, so implementations must
// be idempotent-safe.
type Handler interface {
	Handle(ctx context.Context, job *Job) (any, error)
}

type HandlerFunc func(context.Context, *Job) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, j *Job) (any, error) {
	return f(ctx, j)
}

// Registry routes jobs to handlers by the "kind" option. It implements
// Handler itself, so a queue can be wired with the whole registry as its
// work function. Jobs without a kind fall through to the default handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

func (r *Registry) Register(kind string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, kind)
	}

	r.handlers[kind] = handler
	return nil
}

func (r *Registry) MustRegister(kind string, handler Handler) {
	if err := r.Register(kind, handler); err != nil {
		panic(err)
	}
}

func (r *Registry) RegisterFunc(kind string, fn func(context.Context, *Job) (any, error)) error {
	return r.Register(kind, HandlerFunc(fn))
}

// SetDefault installs the handler used when a job carries no kind option
// or an unregistered kind should not be an error.
func (r *Registry) SetDefault(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = handler
}

func (r *Registry) Get(kind string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, exists := r.handlers[kind]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, kind)
	}

	return handler, nil
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}

func (r *Registry) Handle(ctx context.Context, job *Job) (any, error) {
	kind, _ := job.Options["kind"].(string)

	r.mu.RLock()
	handler, exists := r.handlers[kind]
	fallback := r.fallback
	r.mu.RUnlock()

	if !exists {
		if fallback != nil {
			return fallback.Handle(ctx, job)
		}
		return nil, fmt.Errorf("%w: %q", ErrHandlerNotFound, kind)
	}

	return handler.Handle(ctx, job)
}

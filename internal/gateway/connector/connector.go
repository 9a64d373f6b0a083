// Package connector executes approved actions against external systems.
package connector

import "context"

// Executor performs one external action and returns an opaque payload. The
// orchestrator owns the deadline; an executor must return promptly once the
// context is done.
type Executor interface {
	Execute(ctx context.Context, action string, params map[string]any) ([]byte, error)
}

// Registry routes actions to executors by namespace, the segment before the
// first colon. Actions without a registered namespace fall back to the
// default executor.
type Registry struct {
	byNamespace map[string]Executor
	fallback    Executor
}

func NewRegistry(fallback Executor) *Registry {
	return &Registry{
		byNamespace: make(map[string]Executor),
		fallback:    fallback,
	}
}

// Register binds an action namespace (e.g. "email") to an executor.
func (r *Registry) Register(namespace string, executor Executor) {
	r.byNamespace[namespace] = executor
}

func (r *Registry) Execute(ctx context.Context, action string, params map[string]any) ([]byte, error) {
	if executor, ok := r.byNamespace[namespace(action)]; ok {
		return executor.Execute(ctx, action, params)
	}
	return r.fallback.Execute(ctx, action, params)
}

func namespace(action string) string {
	for i := 0; i < len(action); i++ {
		if action[i] == ':' {
			return action[:i]
		}
	}
	return action
}

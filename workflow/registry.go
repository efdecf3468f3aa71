package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Connector executes the side effect behind a tool identifier.
// Connectors own their idempotency and per-attempt timeouts.
type Connector interface {
	Execute(ctx context.Context, step *Step, args map[string]any) (map[string]any, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, step *Step, args map[string]any) (map[string]any, error)

// Execute implements Connector.
func (f ConnectorFunc) Execute(ctx context.Context, step *Step, args map[string]any) (map[string]any, error) {
	return f(ctx, step, args)
}

// GenericConnector is the no-op fallback for unregistered tools. Its result
// carries only the step identity and a completion marker.
type GenericConnector struct{}

// Execute implements Connector.
func (GenericConnector) Execute(_ context.Context, step *Step, _ map[string]any) (map[string]any, error) {
	return map[string]any{
		"status":  "completed",
		"message": fmt.Sprintf("Executed: %s", step.Name),
		"step_id": step.ID,
	}, nil
}

// Registry maps tool identifiers to connectors.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	fallback   Connector
}

// NewRegistry creates an empty registry backed by GenericConnector.
func NewRegistry() *Registry {
	return &Registry{
		connectors: make(map[string]Connector),
		fallback:   GenericConnector{},
	}
}

// Register binds tool to c, replacing any previous binding.
func (r *Registry) Register(tool string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[tool] = c
}

// RegisterFunc is Register for a plain function.
func (r *Registry) RegisterFunc(tool string, fn func(ctx context.Context, step *Step, args map[string]any) (map[string]any, error)) {
	r.Register(tool, ConnectorFunc(fn))
}

// Resolve returns the connector bound to tool. Unknown tools resolve to the
// fallback and registered reports false.
func (r *Registry) Resolve(tool string) (c Connector, registered bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.connectors[tool]; ok {
		return c, true
	}
	return r.fallback, false
}

// Tools lists registered tool identifiers.
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pomandi/mainstage/fault"
)

// Registry resolves compiled graphs by name for callers that receive the
// graph to run as data, such as the graph execution activity.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]func(ctx context.Context, state json.RawMessage) (json.RawMessage, error)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[string]func(ctx context.Context, state json.RawMessage) (json.RawMessage, error)),
	}
}

// Register adds a compiled graph under its name. newState constructs the
// state value the input document is decoded into before the run.
func Register[S State](r *Registry, g *Graph[S], newState func() S) error {
	if g == nil {
		return errors.New("graph: cannot register a nil graph")
	}
	if newState == nil {
		return errors.New("graph: state constructor is required")
	}
	name := g.Name()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runners[name]; exists {
		return fmt.Errorf("graph %q already registered", name)
	}
	r.runners[name] = func(ctx context.Context, state json.RawMessage) (json.RawMessage, error) {
		s := newState()
		if len(state) > 0 {
			if err := json.Unmarshal(state, s); err != nil {
				return nil, fault.Wrap(fault.SchemaViolation, "graph.run", err)
			}
		}
		s, err := g.Run(ctx, s)
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(s)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, "graph.run", err)
		}
		return out, nil
	}
	return nil
}

// Run executes the named graph over a JSON-encoded state document and
// returns the final state document.
func (r *Registry) Run(ctx context.Context, name string, state json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	run, ok := r.runners[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.Errorf(fault.NotFound, "graph.run", "graph %q is not registered", name)
	}
	return run(ctx, state)
}

// Names lists the registered graph names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

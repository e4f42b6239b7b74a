// Package graph builds and executes typed directed graphs over a state
// value. Graphs are compiled once at startup, validated structurally, and
// run sequentially: one node at a time, no parallel branches. Nodes receive
// their dependencies through closures, never globals, and nondeterminism
// (LLM calls, memory searches) lives inside nodes, which is why runs belong
// inside workflow activities rather than workflow code.
package graph

import (
	"context"
	"fmt"

	"github.com/pomandi/mainstage/fault"
)

// End is the terminal pseudo-node. Edges and router labels may target it.
const End = "__end__"

// DefaultMaxSteps bounds node executions per run so a mis-specified cycle
// cannot spin forever.
const DefaultMaxSteps = 32

type (
	// NodeFunc is one unit of graph work. It mutates the state in place;
	// fields it does not touch pass through unchanged.
	NodeFunc[S State] func(ctx context.Context, s S) error

	// RouterFunc inspects the state after a node and returns the label of
	// the edge to follow.
	RouterFunc[S State] func(s S) string

	// Builder accumulates the graph definition. Errors surface at
	// Compile, so calls chain without per-call checking.
	Builder[S State] struct {
		name     string
		nodes    map[string]NodeFunc[S]
		order    []string
		edges    map[string]string
		routers  map[string]conditional[S]
		entry    string
		maxSteps int
		errs     []error
	}

	conditional[S State] struct {
		route  RouterFunc[S]
		labels map[string]string
	}

	// Graph is a compiled, immutable definition ready to run.
	Graph[S State] struct {
		name     string
		nodes    map[string]NodeFunc[S]
		edges    map[string]string
		routers  map[string]conditional[S]
		entry    string
		maxSteps int
	}
)

// New starts a graph definition.
func New[S State](name string) *Builder[S] {
	return &Builder[S]{
		name:     name,
		nodes:    make(map[string]NodeFunc[S]),
		edges:    make(map[string]string),
		routers:  make(map[string]conditional[S]),
		maxSteps: DefaultMaxSteps,
	}
}

// AddNode declares a named node.
func (b *Builder[S]) AddNode(name string, fn NodeFunc[S]) *Builder[S] {
	if name == "" || name == End {
		b.errs = append(b.errs, fmt.Errorf("invalid node name %q", name))
		return b
	}
	if fn == nil {
		b.errs = append(b.errs, fmt.Errorf("node %q: function is required", name))
		return b
	}
	if _, exists := b.nodes[name]; exists {
		b.errs = append(b.errs, fmt.Errorf("node %q declared twice", name))
		return b
	}
	b.nodes[name] = fn
	b.order = append(b.order, name)
	return b
}

// AddEdge declares an unconditional edge. To may be End.
func (b *Builder[S]) AddEdge(from, to string) *Builder[S] {
	if _, exists := b.edges[from]; exists {
		b.errs = append(b.errs, fmt.Errorf("node %q already has an outgoing edge", from))
		return b
	}
	if _, exists := b.routers[from]; exists {
		b.errs = append(b.errs, fmt.Errorf("node %q already has conditional edges", from))
		return b
	}
	b.edges[from] = to
	return b
}

// AddConditionalEdges declares that after from runs, route picks the next
// node by label. Every label a router can return must appear in labels.
func (b *Builder[S]) AddConditionalEdges(from string, route RouterFunc[S], labels map[string]string) *Builder[S] {
	if route == nil {
		b.errs = append(b.errs, fmt.Errorf("node %q: router function is required", from))
		return b
	}
	if len(labels) == 0 {
		b.errs = append(b.errs, fmt.Errorf("node %q: router needs at least one label", from))
		return b
	}
	if _, exists := b.edges[from]; exists {
		b.errs = append(b.errs, fmt.Errorf("node %q already has an outgoing edge", from))
		return b
	}
	if _, exists := b.routers[from]; exists {
		b.errs = append(b.errs, fmt.Errorf("node %q already has conditional edges", from))
		return b
	}
	copied := make(map[string]string, len(labels))
	for label, target := range labels {
		copied[label] = target
	}
	b.routers[from] = conditional[S]{route: route, labels: copied}
	return b
}

// SetEntryPoint names the single node every run starts from.
func (b *Builder[S]) SetEntryPoint(name string) *Builder[S] {
	if b.entry != "" {
		b.errs = append(b.errs, fmt.Errorf("entry point already set to %q", b.entry))
		return b
	}
	b.entry = name
	return b
}

// WithMaxSteps overrides the per-run node execution bound.
func (b *Builder[S]) WithMaxSteps(n int) *Builder[S] {
	if n <= 0 {
		b.errs = append(b.errs, fmt.Errorf("max steps must be positive, got %d", n))
		return b
	}
	b.maxSteps = n
	return b
}

// Compile validates the definition and freezes it. It checks that exactly
// one declared entry exists, every edge endpoint is declared, every router
// label targets a declared node or End, and every node is reachable from
// the entry.
func (b *Builder[S]) Compile() (*Graph[S], error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("graph %q: %w", b.name, b.errs[0])
	}
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("graph %q: no nodes declared", b.name)
	}
	if b.entry == "" {
		return nil, fmt.Errorf("graph %q: entry point is required", b.name)
	}
	if _, ok := b.nodes[b.entry]; !ok {
		return nil, fmt.Errorf("graph %q: entry point %q is not a declared node", b.name, b.entry)
	}
	for from, to := range b.edges {
		if _, ok := b.nodes[from]; !ok {
			return nil, fmt.Errorf("graph %q: edge from undeclared node %q", b.name, from)
		}
		if to != End {
			if _, ok := b.nodes[to]; !ok {
				return nil, fmt.Errorf("graph %q: edge %s -> %s targets undeclared node", b.name, from, to)
			}
		}
	}
	for from, cond := range b.routers {
		if _, ok := b.nodes[from]; !ok {
			return nil, fmt.Errorf("graph %q: conditional edges from undeclared node %q", b.name, from)
		}
		for label, target := range cond.labels {
			if target != End {
				if _, ok := b.nodes[target]; !ok {
					return nil, fmt.Errorf("graph %q: router label %q targets undeclared node %q", b.name, label, target)
				}
			}
		}
	}
	if unreachable := b.unreachableFrom(b.entry); len(unreachable) > 0 {
		return nil, fmt.Errorf("graph %q: node %q is not reachable from the entry", b.name, unreachable[0])
	}
	g := &Graph[S]{
		name:     b.name,
		nodes:    make(map[string]NodeFunc[S], len(b.nodes)),
		edges:    make(map[string]string, len(b.edges)),
		routers:  make(map[string]conditional[S], len(b.routers)),
		entry:    b.entry,
		maxSteps: b.maxSteps,
	}
	for name, fn := range b.nodes {
		g.nodes[name] = fn
	}
	for from, to := range b.edges {
		g.edges[from] = to
	}
	for from, cond := range b.routers {
		g.routers[from] = cond
	}
	return g, nil
}

// unreachableFrom walks every edge and router target and returns declared
// nodes the walk never visits, in declaration order.
func (b *Builder[S]) unreachableFrom(entry string) []string {
	visited := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		var targets []string
		if to, ok := b.edges[current]; ok {
			targets = append(targets, to)
		}
		if cond, ok := b.routers[current]; ok {
			for _, target := range cond.labels {
				targets = append(targets, target)
			}
		}
		for _, target := range targets {
			if target == End || visited[target] {
				continue
			}
			visited[target] = true
			queue = append(queue, target)
		}
	}
	var unreachable []string
	for _, name := range b.order {
		if !visited[name] {
			unreachable = append(unreachable, name)
		}
	}
	return unreachable
}

// Name returns the graph's name.
func (g *Graph[S]) Name() string { return g.name }

// Run executes the graph from the entry until End or a node without an
// outgoing edge. After each node returns successfully its name is appended
// to the state's StepsCompleted. The first node error stops the run.
func (g *Graph[S]) Run(ctx context.Context, s S) (S, error) {
	current := g.entry
	for steps := 0; current != End; steps++ {
		if steps >= g.maxSteps {
			return s, fault.Errorf(fault.Internal, "graph.run",
				"graph %q exceeded %d steps at node %q", g.name, g.maxSteps, current)
		}
		if err := ctx.Err(); err != nil {
			return s, fault.Wrap(fault.Timeout, "graph.run", err)
		}
		fn, ok := g.nodes[current]
		if !ok {
			return s, fault.Errorf(fault.Internal, "graph.run",
				"graph %q routed to undeclared node %q", g.name, current)
		}
		if err := fn(ctx, s); err != nil {
			return s, &NodeError{Graph: g.name, Node: current, Err: err}
		}
		trace := s.GraphTrace()
		trace.StepsCompleted = append(trace.StepsCompleted, current)

		next, err := g.next(current, s)
		if err != nil {
			return s, err
		}
		current = next
	}
	return s, nil
}

func (g *Graph[S]) next(current string, s S) (string, error) {
	if to, ok := g.edges[current]; ok {
		return to, nil
	}
	if cond, ok := g.routers[current]; ok {
		label := cond.route(s)
		target, ok := cond.labels[label]
		if !ok {
			return "", fault.Errorf(fault.Internal, "graph.run",
				"graph %q: router after %q returned undeclared label %q", g.name, current, label)
		}
		return target, nil
	}
	// No outgoing edge: the node is terminal.
	return End, nil
}

package graph

import "fmt"

// Trace is the execution record every graph state carries. Embed it in a
// state struct and the struct's pointer satisfies State.
//
// Both slices are append-only: the runtime appends to StepsCompleted after
// each node returns, and nodes add to Warnings through AddWarning. Nothing
// ever removes entries.
type Trace struct {
	StepsCompleted []string `json:"steps_completed"`
	Warnings       []string `json:"warnings,omitempty"`
}

// GraphTrace returns the trace; it makes any struct embedding Trace a
// State.
func (t *Trace) GraphTrace() *Trace { return t }

// AddWarning records a non-fatal observation. Warnings never stop a run.
func (t *Trace) AddWarning(format string, args ...any) {
	t.Warnings = append(t.Warnings, fmt.Sprintf(format, args...))
}

// Completed reports whether the named node already ran.
func (t *Trace) Completed(node string) bool {
	for _, s := range t.StepsCompleted {
		if s == node {
			return true
		}
	}
	return false
}

// State is the contract graph states satisfy, normally by embedding Trace.
type State interface {
	GraphTrace() *Trace
}

// NodeError reports which node failed and why. The run stops at the first
// failing node; retries belong to the workflow layer, not here.
type NodeError struct {
	Graph string
	Node  string
	Err   error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("graph %s: node %s: %v", e.Graph, e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

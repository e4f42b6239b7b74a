// Package tools exposes the memory layer to LLM function calling. Every
// tool carries a JSON Schema; arguments are validated against it before
// dispatch so malformed calls fail with a schema violation instead of
// reaching the memory layer.
package tools

import (
	"context"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/memory"
	"github.com/pomandi/mainstage/memory/store"
	"github.com/pomandi/mainstage/telemetry"
)

// Tool names.
const (
	ToolSearchMemory   = "search_memory"
	ToolSaveToMemory   = "save_to_memory"
	ToolGetMemoryStats = "get_memory_stats"
	ToolCheckDuplicate = "check_duplicate"
)

// DefaultTopK is the result count used when a search call omits top_k.
const DefaultTopK = 10

type (
	// Definition describes one tool for an LLM function-calling block.
	Definition struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"input_schema"`
	}

	// Options configures the registry.
	Options struct {
		// Memory backs every tool. Required.
		Memory *memory.Manager
		// Logger records dispatches. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Registry validates and dispatches tool calls.
	Registry struct {
		mem    *memory.Manager
		logger telemetry.Logger
		tools  map[string]*tool
		order  []string
	}

	tool struct {
		def     Definition
		schema  *jsonschema.Schema
		handler func(ctx context.Context, args map[string]any) (any, error)
	}
)

// New builds the registry and compiles every tool schema.
func New(opts Options) (*Registry, error) {
	if opts.Memory == nil {
		return nil, fault.New(fault.SchemaViolation, "tools.new", "memory manager is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	r := &Registry{
		mem:    opts.Memory,
		logger: logger,
		tools:  make(map[string]*tool, 4),
	}

	specs := []struct {
		name        string
		description string
		schema      string
		handler     func(ctx context.Context, args map[string]any) (any, error)
	}{
		{ToolSearchMemory, searchMemoryDescription, searchMemorySchema, r.searchMemory},
		{ToolSaveToMemory, saveToMemoryDescription, saveToMemorySchema, r.saveToMemory},
		{ToolGetMemoryStats, getMemoryStatsDescription, getMemoryStatsSchema, r.getMemoryStats},
		{ToolCheckDuplicate, checkDuplicateDescription, checkDuplicateSchema, r.checkDuplicate},
	}
	for _, spec := range specs {
		schema, err := compileSchema(spec.schema)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, "tools.new", err)
		}
		r.tools[spec.name] = &tool{
			def: Definition{
				Name:        spec.name,
				Description: spec.description,
				InputSchema: json.RawMessage(spec.schema),
			},
			schema:  schema,
			handler: spec.handler,
		}
		r.order = append(r.order, spec.name)
	}
	return r, nil
}

func compileSchema(raw string) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// Definitions returns every tool definition in registration order, for
// inclusion in an LLM request's tool block.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

// Dispatch validates raw against the named tool's schema and executes it.
// The result is the tool's JSON output.
func (r *Registry) Dispatch(ctx context.Context, name string, raw json.RawMessage) (json.RawMessage, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fault.Errorf(fault.NotFound, "tools.dispatch", "unknown tool %q", name)
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fault.Wrap(fault.SchemaViolation, "tools.dispatch", err)
	}
	if err := t.schema.Validate(decoded); err != nil {
		return nil, fault.Wrap(fault.SchemaViolation, "tools.dispatch", err)
	}
	args, ok := decoded.(map[string]any)
	if !ok {
		return nil, fault.Errorf(fault.SchemaViolation, "tools.dispatch", "tool %q arguments must be an object", name)
	}

	out, err := t.handler(ctx, args)
	if err != nil {
		r.logger.Warn(ctx, "tool failed", "tool", name, "error", err)
		return nil, err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "tools.dispatch", err)
	}
	r.logger.Debug(ctx, "tool dispatched", "tool", name)
	return data, nil
}

type (
	searchResult struct {
		Collection string       `json:"collection"`
		Count      int          `json:"count"`
		Results    []memory.Hit `json:"results"`
	}

	saveResult struct {
		Collection string `json:"collection"`
		ID         uint64 `json:"id"`
	}
)

func (r *Registry) searchMemory(ctx context.Context, args map[string]any) (any, error) {
	collection := args["collection"].(string)
	query := args["query"].(string)

	topK := DefaultTopK
	if v, ok := args["top_k"].(float64); ok && v > 0 {
		topK = int(v)
	}
	var filter *store.Filter
	if raw, ok := args["filters"].(map[string]any); ok {
		conds := make([]store.Condition, 0, len(raw))
		for field, value := range raw {
			conds = append(conds, store.Eq(field, value))
		}
		filter = store.NewFilter(conds...)
	}

	hits, err := r.mem.Search(ctx, collection, query, topK, filter)
	if err != nil {
		return nil, err
	}
	if hits == nil {
		hits = []memory.Hit{}
	}
	return searchResult{Collection: collection, Count: len(hits), Results: hits}, nil
}

func (r *Registry) saveToMemory(ctx context.Context, args map[string]any) (any, error) {
	collection := args["collection"].(string)
	content := args["content"].(string)
	metadata, _ := args["metadata"].(map[string]any)

	id, err := r.mem.Save(ctx, collection, content, metadata)
	if err != nil {
		return nil, err
	}
	return saveResult{Collection: collection, ID: id}, nil
}

func (r *Registry) getMemoryStats(ctx context.Context, _ map[string]any) (any, error) {
	return r.mem.Stats(ctx)
}

func (r *Registry) checkDuplicate(ctx context.Context, args map[string]any) (any, error) {
	collection := args["collection"].(string)
	content := args["content"].(string)

	var threshold float64
	if v, ok := args["threshold"].(float64); ok {
		threshold = v
	}
	return r.mem.CheckDuplicate(ctx, collection, content, threshold)
}

package activities

import (
	"context"
	"sort"

	"github.com/pomandi/mainstage/memory"
	"github.com/pomandi/mainstage/memory/store"
	"github.com/pomandi/mainstage/telemetry"
)

// defaultTopK bounds searches that do not ask for a specific result count.
const defaultTopK = 5

// batchChunk is how many items one store transaction carries; the activity
// heartbeats between chunks.
const batchChunk = 50

// MemoryActivities exposes the memory manager to workflows.
type MemoryActivities struct {
	mem    *memory.Manager
	logger telemetry.Logger
}

// NewMemoryActivities wraps a memory manager.
func NewMemoryActivities(mem *memory.Manager, logger telemetry.Logger) *MemoryActivities {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &MemoryActivities{mem: mem, logger: logger}
}

// Register registers every memory activity under its name.
func (a *MemoryActivities) Register(r Registrar) error {
	regs := []struct {
		name string
		fn   any
	}{
		{MemorySave, a.Save},
		{MemorySearch, a.Search},
		{MemoryBatchSave, a.BatchSave},
		{MemoryUpdateMetadata, a.UpdateMetadata},
		{MemoryDelete, a.Delete},
		{MemoryStats, a.Stats},
		{MemoryCheckDuplicate, a.CheckDuplicate},
		{MemoryEmbed, a.GenerateEmbedding},
	}
	for _, reg := range regs {
		if err := r.RegisterActivity(reg.name, reg.fn); err != nil {
			return err
		}
	}
	return nil
}

type (
	// SaveInput stores one document.
	SaveInput struct {
		Collection string         `json:"collection"`
		Content    string         `json:"content"`
		Metadata   map[string]any `json:"metadata,omitempty"`
	}

	// SaveOutput reports the assigned document id.
	SaveOutput struct {
		ID uint64 `json:"id"`
	}

	// SearchInput runs a similarity query. Filter holds equality conditions
	// on payload fields.
	SearchInput struct {
		Collection string         `json:"collection"`
		Query      string         `json:"query"`
		TopK       int            `json:"top_k,omitempty"`
		Filter     map[string]any `json:"filter,omitempty"`
	}

	// SearchOutput lists hits by descending score.
	SearchOutput struct {
		Hits []memory.Hit `json:"hits,omitempty"`
	}

	// BatchItem is one entry in a batch save.
	BatchItem struct {
		Content  string         `json:"content"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// BatchSaveInput stores documents in chunks of batchChunk.
	BatchSaveInput struct {
		Collection string      `json:"collection"`
		Items      []BatchItem `json:"items"`
	}

	// BatchSaveOutput reports how many documents were stored before the
	// first failure, if any.
	BatchSaveOutput struct {
		Saved int `json:"saved"`
	}

	// UpdateMetadataInput merges payload fields into a stored document.
	UpdateMetadataInput struct {
		Collection string         `json:"collection"`
		ID         uint64         `json:"id"`
		Updates    map[string]any `json:"updates"`
	}

	// DeleteInput removes one document.
	DeleteInput struct {
		Collection string `json:"collection"`
		ID         uint64 `json:"id"`
	}

	// DeleteOutput reports whether the document existed.
	DeleteOutput struct {
		Deleted bool `json:"deleted"`
	}

	// CheckDuplicateInput probes for near-identical content.
	CheckDuplicateInput struct {
		Collection string  `json:"collection"`
		Content    string  `json:"content"`
		Threshold  float64 `json:"threshold,omitempty"`
	}

	// EmbedInput requests raw embedding vectors.
	EmbedInput struct {
		Texts []string `json:"texts"`
	}

	// EmbedOutput carries one vector per input text, in order.
	EmbedOutput struct {
		Vectors [][]float32 `json:"vectors"`
	}
)

// Save stores one document and returns its id.
func (a *MemoryActivities) Save(ctx context.Context, in SaveInput) (SaveOutput, error) {
	id, err := a.mem.Save(ctx, in.Collection, in.Content, in.Metadata)
	if err != nil {
		return SaveOutput{}, Translate(err)
	}
	return SaveOutput{ID: id}, nil
}

// Search runs a similarity query with optional payload equality filters.
func (a *MemoryActivities) Search(ctx context.Context, in SearchInput) (SearchOutput, error) {
	topK := in.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	hits, err := a.mem.Search(ctx, in.Collection, in.Query, topK, eqFilter(in.Filter))
	if err != nil {
		return SearchOutput{}, Translate(err)
	}
	return SearchOutput{Hits: hits}, nil
}

// BatchSave stores documents in chunks, heartbeating after each chunk so
// long imports survive heartbeat timeouts. Each chunk is atomic; the
// activity as a whole is not, and callers tolerate re-saved chunks on retry.
func (a *MemoryActivities) BatchSave(ctx context.Context, in BatchSaveInput) (BatchSaveOutput, error) {
	saved := 0
	for start := 0; start < len(in.Items); start += batchChunk {
		end := min(start+batchChunk, len(in.Items))
		chunk := make([]memory.Item, 0, end-start)
		for _, item := range in.Items[start:end] {
			chunk = append(chunk, memory.Item{Content: item.Content, Metadata: item.Metadata})
		}
		n, err := a.mem.BatchSave(ctx, in.Collection, chunk)
		saved += n
		if err != nil {
			return BatchSaveOutput{Saved: saved}, Translate(err)
		}
		heartbeat(ctx, saved)
	}
	return BatchSaveOutput{Saved: saved}, nil
}

// UpdateMetadata merges payload fields into a stored document.
func (a *MemoryActivities) UpdateMetadata(ctx context.Context, in UpdateMetadataInput) error {
	return Translate(a.mem.UpdateMetadata(ctx, in.Collection, in.ID, in.Updates))
}

// Delete removes one document.
func (a *MemoryActivities) Delete(ctx context.Context, in DeleteInput) (DeleteOutput, error) {
	deleted, err := a.mem.Delete(ctx, in.Collection, in.ID)
	if err != nil {
		return DeleteOutput{}, Translate(err)
	}
	return DeleteOutput{Deleted: deleted}, nil
}

// Stats reports cache, collection and embedding counters.
func (a *MemoryActivities) Stats(ctx context.Context) (memory.Stats, error) {
	stats, err := a.mem.Stats(ctx)
	if err != nil {
		return memory.Stats{}, Translate(err)
	}
	return stats, nil
}

// CheckDuplicate probes for near-identical stored content.
func (a *MemoryActivities) CheckDuplicate(ctx context.Context, in CheckDuplicateInput) (memory.DuplicateCheck, error) {
	check, err := a.mem.CheckDuplicate(ctx, in.Collection, in.Content, in.Threshold)
	if err != nil {
		return memory.DuplicateCheck{}, Translate(err)
	}
	return check, nil
}

// GenerateEmbedding returns cache-aware embeddings for the given texts.
func (a *MemoryActivities) GenerateEmbedding(ctx context.Context, in EmbedInput) (EmbedOutput, error) {
	vectors, err := a.mem.Embed(ctx, in.Texts)
	if err != nil {
		return EmbedOutput{}, Translate(err)
	}
	return EmbedOutput{Vectors: vectors}, nil
}

// eqFilter converts a flat equality map into a store filter with a stable
// condition order.
func eqFilter(m map[string]any) *store.Filter {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	conds := make([]store.Condition, 0, len(keys))
	for _, k := range keys {
		conds = append(conds, store.Eq(k, m[k]))
	}
	return store.NewFilter(conds...)
}

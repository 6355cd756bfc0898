// Package transfer implements the short-term → long-term transfer manager:
// for each short-term memory queued for promotion, it retrieves similar
// long-term memories, asks an LLM-backed planner for a list of graph
// operations, and executes them against the graph store with temp-id alias
// resolution. Grounded on the teacher's structured-LLM-output schema
// convention (pkg/semantic-router/schema.go), adapted from
// intent-classification schemas to graph-operation schemas, and
// pkg/memory/hooks.go's ConsolidateFn hook-injection pattern.
package transfer

import (
	"context"
	"fmt"
	"runtime"

	"github.com/google/uuid"

	"github.com/haloforge/memengine/pkg/builder"
	"github.com/haloforge/memengine/pkg/graphstore"
	"github.com/haloforge/memengine/pkg/llm"
	"github.com/haloforge/memengine/pkg/memlog"
	"github.com/haloforge/memengine/pkg/memmodel"
	"github.com/haloforge/memengine/pkg/persistence"
	"github.com/haloforge/memengine/pkg/vecindex"
)

// Op names the transfer layer's graph-operation vocabulary (spec §4.11).
const (
	OpCreateMemory  = "CREATE_MEMORY"
	OpUpdateMemory  = "UPDATE_MEMORY"
	OpMergeMemories = "MERGE_MEMORIES"
	OpCreateNode    = "CREATE_NODE"
	OpUpdateNode    = "UPDATE_NODE"
	OpMergeNodes    = "MERGE_NODES"
	OpCreateEdge    = "CREATE_EDGE"
	OpUpdateEdge    = "UPDATE_EDGE"
	OpDeleteEdge    = "DELETE_EDGE"
)

// aliasKeys are the parameter keys that trigger alias registration even
// when the value doesn't look like a TEMP_* placeholder — this handles
// LLMs that return descriptive (e.g. Chinese-language) strings as ids
// instead of the placeholder convention (spec §4.11 step 3).
var aliasKeys = []string{"alias", "placeholder", "temp_id", "register_as", "memory_id", "node_id", "target_id"}

// PlanFunc asks an LLM to produce the ordered graph-operation plan for
// promoting one short-term memory, given the long-term memories already
// similar to it.
type PlanFunc func(ctx context.Context, item *memmodel.ShortTermMemory, similar []*memmodel.Memory) ([]llm.GraphOperation, error)

// Config tunes a Manager; defaults follow spec §4.11.
type Config struct {
	SearchTopK int
	BatchSize  int
	Logger     memlog.Logger
}

// DefaultConfig returns the spec's recommended defaults.
func DefaultConfig() Config {
	return Config{SearchTopK: 5, BatchSize: 10, Logger: memlog.Nop()}
}

// Manager executes transfer batches against the shared graph/vector store.
type Manager struct {
	graph   *graphstore.Store
	vec     *vecindex.Index
	embed   llm.Embedder
	persist *persistence.Store
	builder *builder.Builder
	plan    PlanFunc
	cfg     Config
}

// New constructs a Manager.
func New(graph *graphstore.Store, vec *vecindex.Index, embed llm.Embedder, persist *persistence.Store, b *builder.Builder, plan PlanFunc, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = memlog.Nop()
	}
	return &Manager{graph: graph, vec: vec, embed: embed, persist: persist, builder: b, plan: plan, cfg: cfg}
}

// TransferBatch promotes up to BatchSize items, returning the ids of those
// it fully processed (successfully or with only partial step failures —
// spec's best-effort continuation means a transfer attempt that ran at all
// still counts as "handled").
func (m *Manager) TransferBatch(ctx context.Context, items []*memmodel.ShortTermMemory) []string {
	batch := items
	if m.cfg.BatchSize > 0 && len(batch) > m.cfg.BatchSize {
		batch = batch[:m.cfg.BatchSize]
	}

	handled := make([]string, 0, len(batch))
	for i, item := range batch {
		if i > 0 {
			runtime.Gosched() // cooperative yield between items
		}
		similar, err := m.findSimilar(ctx, item)
		if err != nil {
			m.cfg.Logger.Warn("transfer similarity search failed", "item_id", item.ID, "err", err)
			continue
		}
		ops, err := m.plan(ctx, item, similar)
		if err != nil {
			m.cfg.Logger.Warn("transfer planning failed", "item_id", item.ID, "err", err)
			continue
		}
		m.execute(ctx, ops)
		handled = append(handled, item.ID)
	}

	if m.persist != nil && len(handled) > 0 {
		go func() {
			if err := m.persist.SaveGraph(ctx, m.graph); err != nil {
				m.cfg.Logger.Error("post-transfer save failed", "err", err)
			}
		}()
	}
	return handled
}

func (m *Manager) findSimilar(ctx context.Context, item *memmodel.ShortTermMemory) ([]*memmodel.Memory, error) {
	vec, err := m.embed.Embed(ctx, item.Content)
	if err != nil {
		return nil, fmt.Errorf("transfer.findSimilar: embed: %w", err)
	}
	matches, err := m.vec.Search(ctx, vec, m.cfg.SearchTopK*3, "", 0)
	if err != nil {
		return nil, fmt.Errorf("transfer.findSimilar: search: %w", err)
	}
	seen := make(map[string]bool)
	var out []*memmodel.Memory
	for _, match := range matches {
		for _, memID := range m.graph.MemoriesForNode(match.ID) {
			if seen[memID] {
				continue
			}
			seen[memID] = true
			if mem, ok := m.graph.GetMemory(memID); ok {
				out = append(out, mem)
			}
			if len(out) >= m.cfg.SearchTopK {
				return out, nil
			}
		}
	}
	return out, nil
}

// execute runs ops in order against a local alias map, continuing past any
// step's failure (spec §4.11 step 4).
func (m *Manager) execute(ctx context.Context, ops []llm.GraphOperation) {
	aliases := make(map[string]string)
	for _, op := range ops {
		if err := m.executeOne(ctx, op, aliases); err != nil {
			m.cfg.Logger.Warn("transfer op failed", "op", op.Op, "err", err)
		}
	}
}

func (m *Manager) executeOne(ctx context.Context, op llm.GraphOperation, aliases map[string]string) error {
	switch op.Op {
	case OpCreateMemory:
		return m.doCreateMemory(ctx, op, aliases)
	case OpUpdateMemory:
		return m.doUpdateMemory(op, aliases)
	case OpMergeMemories:
		return m.doMergeMemories(op, aliases)
	case OpCreateNode:
		return m.doCreateNode(ctx, op, aliases)
	case OpUpdateNode:
		return m.doUpdateNode(op, aliases)
	case OpMergeNodes:
		return m.doMergeNodes(op, aliases)
	case OpCreateEdge:
		return m.doCreateEdge(op, aliases)
	case OpUpdateEdge:
		return m.doUpdateEdge(op, aliases)
	case OpDeleteEdge:
		return m.doDeleteEdge(op, aliases)
	default:
		return fmt.Errorf("transfer: unknown op %q", op.Op)
	}
}

func (m *Manager) doCreateMemory(ctx context.Context, op llm.GraphOperation, aliases map[string]string) error {
	in := builder.ExtractInput{
		Subject:    argString(op.Args, "subject"),
		MemoryType: argString(op.Args, "memory_type"),
		Topic:      argString(op.Args, "topic"),
		Object:     argString(op.Args, "object"),
		Attributes: argStringMap(op.Args, "attributes"),
	}
	if imp, ok := argFloat(op.Args, "importance"); ok {
		in.Importance = &imp
	}
	x := builder.NewExtractor()
	params, err := x.Extract(in)
	if err != nil {
		return err
	}
	mem, err := m.builder.Build(ctx, params)
	if err != nil {
		return err
	}
	mem.Status = memmodel.StatusCommitted
	if err := m.graph.AddMemory(mem); err != nil {
		return err
	}
	registerAliases(aliases, op.Args, mem.ID)
	return nil
}

func (m *Manager) doUpdateMemory(op llm.GraphOperation, aliases map[string]string) error {
	id := resolveID(aliases, argString(op.Args, "memory_id"))
	mem, ok := m.graph.GetMemory(id)
	if !ok {
		return fmt.Errorf("transfer.UpdateMemory: memory %q not found", id)
	}
	if imp, ok := argFloat(op.Args, "importance"); ok {
		mem.Importance = memmodel.Clamp01(imp)
	}
	return m.graph.AddMemory(mem)
}

func (m *Manager) doMergeMemories(op llm.GraphOperation, aliases map[string]string) error {
	target := resolveID(aliases, argString(op.Args, "target_id"))
	raw, _ := op.Args["source_ids"].([]any)
	sources := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			sources = append(sources, resolveID(aliases, s))
		}
	}
	return m.graph.MergeMemories(target, sources)
}

func (m *Manager) doCreateNode(_ context.Context, op llm.GraphOperation, aliases map[string]string) error {
	n := &memmodel.Node{
		ID:      uuid.NewString(),
		Content: argString(op.Args, "content"),
		Type:    memmodel.NodeType(argString(op.Args, "node_type")),
	}
	if err := m.graph.AddNode(n); err != nil {
		return err
	}
	registerAliases(aliases, op.Args, n.ID)
	return nil
}

func (m *Manager) doUpdateNode(op llm.GraphOperation, aliases map[string]string) error {
	id := resolveID(aliases, argString(op.Args, "node_id"))
	content, hasContent := op.Args["content"].(string)
	return m.graph.UpdateNode(id, func(n *memmodel.Node) {
		if hasContent {
			n.Content = content
		}
	})
}

func (m *Manager) doMergeNodes(op llm.GraphOperation, aliases map[string]string) error {
	source := resolveID(aliases, argString(op.Args, "source_id"))
	target := resolveID(aliases, argString(op.Args, "target_id"))
	return m.graph.MergeNodes(source, target)
}

func (m *Manager) doCreateEdge(op llm.GraphOperation, aliases map[string]string) error {
	imp, _ := argFloat(op.Args, "importance")
	e := &memmodel.Edge{
		ID:         uuid.NewString(),
		SourceID:   resolveID(aliases, argString(op.Args, "source_id")),
		TargetID:   resolveID(aliases, argString(op.Args, "target_id")),
		Relation:   argString(op.Args, "relation"),
		Type:       memmodel.EdgeType(argString(op.Args, "edge_type")),
		Importance: memmodel.Clamp01(imp),
	}
	if e.Type == "" {
		e.Type = memmodel.EdgeRelation
	}
	if err := m.graph.AddEdge(e); err != nil {
		return err
	}
	registerAliases(aliases, op.Args, e.ID)
	return nil
}

func (m *Manager) doUpdateEdge(op llm.GraphOperation, aliases map[string]string) error {
	id := resolveID(aliases, argString(op.Args, "edge_id"))
	relation, hasRelation := op.Args["relation"].(string)
	return m.graph.UpdateEdge(id, func(e *memmodel.Edge) {
		if hasRelation {
			e.Relation = relation
		}
	})
}

func (m *Manager) doDeleteEdge(op llm.GraphOperation, aliases map[string]string) error {
	id := resolveID(aliases, argString(op.Args, "edge_id"))
	return m.graph.RemoveEdge(id)
}

// resolveID maps a temp/placeholder id to its registered real id, or
// returns it unchanged if it isn't an alias (already a real id).
func resolveID(aliases map[string]string, id string) string {
	if real, ok := aliases[id]; ok {
		return real
	}
	return id
}

// registerAliases implements spec §4.11 step 3's relaxed rule: register a
// mapping to realID for every alias-shaped argument value, whether or not
// it looks like a TEMP_* placeholder.
func registerAliases(aliases map[string]string, args map[string]any, realID string) {
	for _, key := range aliasKeys {
		if v, ok := args[key].(string); ok && v != "" {
			aliases[v] = realID
		}
	}
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argFloat(args map[string]any, key string) (float32, bool) {
	switch v := args[key].(type) {
	case float64:
		return float32(v), true
	case float32:
		return v, true
	case int:
		return float32(v), true
	default:
		return 0, false
	}
}

func argStringMap(args map[string]any, key string) map[string]string {
	raw, ok := args[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

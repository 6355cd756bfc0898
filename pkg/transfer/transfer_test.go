package transfer

import (
	"context"
	"testing"

	"github.com/haloforge/memengine/pkg/builder"
	"github.com/haloforge/memengine/pkg/graphstore"
	"github.com/haloforge/memengine/pkg/llm"
	"github.com/haloforge/memengine/pkg/memmodel"
	"github.com/haloforge/memengine/pkg/vecindex"
)

func newTestManager(t *testing.T, plan PlanFunc) *Manager {
	t.Helper()
	gs := graphstore.New(nil)
	ix, err := vecindex.Open(context.Background(), vecindex.DefaultConfig())
	if err != nil {
		t.Fatalf("vecindex.Open: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	embed := llm.NewHashEmbedder(16)
	b := builder.New(embed, gs, ix, builder.DefaultConfig())
	return New(gs, ix, embed, nil, b, plan, DefaultConfig())
}

func TestTransferBatchCreateMemory(t *testing.T) {
	plan := func(_ context.Context, item *memmodel.ShortTermMemory, _ []*memmodel.Memory) ([]llm.GraphOperation, error) {
		return []llm.GraphOperation{{
			Op: OpCreateMemory,
			Args: map[string]any{
				"subject": item.Subject, "memory_type": "FACT", "topic": item.Topic,
				"target_id": "TEMP_MEM_1",
			},
		}}, nil
	}
	mgr := newTestManager(t, plan)
	item := &memmodel.ShortTermMemory{ID: "s1", Subject: "Alice", Topic: "likes_tea", Content: "Alice likes tea", Importance: 0.9}

	handled := mgr.TransferBatch(context.Background(), []*memmodel.ShortTermMemory{item})
	if len(handled) != 1 || handled[0] != "s1" {
		t.Fatalf("expected item handled, got %v", handled)
	}
	if mgr.graph.MemoryCount() != 1 {
		t.Fatalf("expected one memory created, got %d", mgr.graph.MemoryCount())
	}
}

func TestTransferBatchAliasResolutionAcrossSteps(t *testing.T) {
	plan := func(_ context.Context, item *memmodel.ShortTermMemory, _ []*memmodel.Memory) ([]llm.GraphOperation, error) {
		return []llm.GraphOperation{
			{Op: OpCreateMemory, Args: map[string]any{
				"subject": "Bob", "memory_type": "FACT", "topic": "likes_coffee",
				"target_id": "TEMP_MEM_1",
			}},
			{Op: OpCreateMemory, Args: map[string]any{
				"subject": "Carl", "memory_type": "FACT", "topic": "likes_tea",
				"target_id": "TEMP_MEM_2",
			}},
			{Op: OpUpdateMemory, Args: map[string]any{
				"memory_id": "TEMP_MEM_1", "importance": 0.2,
			}},
		}, nil
	}
	mgr := newTestManager(t, plan)
	item := &memmodel.ShortTermMemory{ID: "s2", Subject: "Bob", Topic: "likes_coffee", Content: "Bob likes coffee", Importance: 0.9}

	handled := mgr.TransferBatch(context.Background(), []*memmodel.ShortTermMemory{item})
	if len(handled) != 1 {
		t.Fatalf("expected item handled, got %v", handled)
	}
	if mgr.graph.MemoryCount() != 2 {
		t.Fatalf("expected two memories created, got %d", mgr.graph.MemoryCount())
	}
	updated := 0
	for _, mem := range mgr.graph.AllMemories() {
		if mem.Importance == float32(0.2) {
			updated++
		}
	}
	if updated != 1 {
		t.Fatalf("expected TEMP_MEM_1 to resolve to one created memory for the update, got %d updated", updated)
	}
}

func TestTransferBatchContinuesPastFailedStep(t *testing.T) {
	plan := func(_ context.Context, item *memmodel.ShortTermMemory, _ []*memmodel.Memory) ([]llm.GraphOperation, error) {
		return []llm.GraphOperation{
			{Op: OpUpdateMemory, Args: map[string]any{"memory_id": "does-not-exist"}},
			{Op: OpCreateMemory, Args: map[string]any{"subject": "Dana", "memory_type": "FACT", "topic": "x"}},
		}, nil
	}
	mgr := newTestManager(t, plan)
	item := &memmodel.ShortTermMemory{ID: "s3", Subject: "Dana", Topic: "x", Content: "Dana x", Importance: 0.9}

	handled := mgr.TransferBatch(context.Background(), []*memmodel.ShortTermMemory{item})
	if len(handled) != 1 {
		t.Fatalf("expected item handled despite first op failing, got %v", handled)
	}
	if mgr.graph.MemoryCount() != 1 {
		t.Fatalf("expected second op's memory created, got %d", mgr.graph.MemoryCount())
	}
}

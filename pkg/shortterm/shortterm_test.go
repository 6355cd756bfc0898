package shortterm

import (
	"context"
	"testing"

	"github.com/haloforge/memengine/pkg/llm"
	"github.com/haloforge/memengine/pkg/memmodel"
)

func stubFormat(subject, topic string, importance float32) FormatFunc {
	return func(_ context.Context, block *memmodel.PerceptualBlock) (*memmodel.ShortTermMemory, error) {
		return &memmodel.ShortTermMemory{
			Content: block.CombinedText, Subject: subject, Topic: topic,
			Type: memmodel.MemoryFact, Importance: importance,
		}, nil
	}
}

func TestAddFromBlockEvictsLowestImportanceOnOverflow(t *testing.T) {
	embed := llm.NewHashEmbedder(16)
	cfg := DefaultConfig()
	cfg.MaxMemories = 2
	m := New(embed, stubFormat("s", "t", 0.9), cfg)
	ctx := context.Background()

	if _, err := m.AddFromBlock(ctx, &memmodel.PerceptualBlock{CombinedText: "a"}); err != nil {
		t.Fatalf("AddFromBlock 1: %v", err)
	}
	m.format = stubFormat("s", "t", 0.1)
	if _, err := m.AddFromBlock(ctx, &memmodel.PerceptualBlock{CombinedText: "b"}); err != nil {
		t.Fatalf("AddFromBlock 2: %v", err)
	}
	m.format = stubFormat("s", "t", 0.9)
	if _, err := m.AddFromBlock(ctx, &memmodel.PerceptualBlock{CombinedText: "c"}); err != nil {
		t.Fatalf("AddFromBlock 3: %v", err)
	}

	all := m.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 memories after eviction, got %d", len(all))
	}
	for _, it := range all {
		if it.Importance < 0.5 {
			t.Fatalf("expected low-importance item evicted, found %v", it)
		}
	}
}

func TestGetMemoriesForTransferAndClear(t *testing.T) {
	embed := llm.NewHashEmbedder(16)
	cfg := DefaultConfig()
	cfg.TransferThreshold = 0.5
	m := New(embed, stubFormat("s", "t", 0.8), cfg)
	ctx := context.Background()
	high, err := m.AddFromBlock(ctx, &memmodel.PerceptualBlock{CombinedText: "a"})
	if err != nil {
		t.Fatalf("AddFromBlock: %v", err)
	}
	m.format = stubFormat("s", "t", 0.1)
	if _, err := m.AddFromBlock(ctx, &memmodel.PerceptualBlock{CombinedText: "b"}); err != nil {
		t.Fatalf("AddFromBlock: %v", err)
	}

	ready := m.GetMemoriesForTransfer()
	if len(ready) != 1 || ready[0].ID != high.ID {
		t.Fatalf("expected only high-importance memory ready, got %+v", ready)
	}

	m.ClearTransferredMemories([]string{high.ID})
	if len(m.All()) != 1 {
		t.Fatalf("expected 1 memory remaining after clear, got %d", len(m.All()))
	}
}

func TestSearchMemoriesRanksBySimilarity(t *testing.T) {
	embed := llm.NewHashEmbedder(16)
	m := New(embed, stubFormat("s", "t", 0.5), DefaultConfig())
	ctx := context.Background()
	if _, err := m.AddFromBlock(ctx, &memmodel.PerceptualBlock{CombinedText: "cats are great pets"}); err != nil {
		t.Fatalf("AddFromBlock: %v", err)
	}
	if _, err := m.AddFromBlock(ctx, &memmodel.PerceptualBlock{CombinedText: "stock market report"}); err != nil {
		t.Fatalf("AddFromBlock: %v", err)
	}
	results, err := m.SearchMemories(ctx, "cats are great pets", 1)
	if err != nil {
		t.Fatalf("SearchMemories: %v", err)
	}
	if len(results) != 1 || results[0].Content != "cats are great pets" {
		t.Fatalf("expected exact-content match ranked first, got %+v", results)
	}
}

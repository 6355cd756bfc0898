package vecindex

import (
	"context"
	"testing"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestAddGetCount(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()

	if err := ix.Add(ctx, Item{ID: "a", Embedding: []float32{1, 0, 0}, NodeType: "TOPIC", Metadata: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	n, _ := ix.Count(ctx)
	if n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
	item, ok, err := ix.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if item.Metadata["k"] != "v" {
		t.Fatalf("metadata not round-tripped: %+v", item.Metadata)
	}

	// Re-adding with the same id replaces, does not duplicate.
	if err := ix.Add(ctx, Item{ID: "a", Embedding: []float32{0, 1, 0}, NodeType: "TOPIC"}); err != nil {
		t.Fatalf("Add replace: %v", err)
	}
	n, _ = ix.Count(ctx)
	if n != 1 {
		t.Fatalf("Count after replace = %d, want 1", n)
	}
}

func TestDimensionMismatch(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()
	if err := ix.Add(ctx, Item{ID: "a", Embedding: []float32{1, 0}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := ix.Add(ctx, Item{ID: "b", Embedding: []float32{1, 0, 0}}); err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
}

func TestSearchOrdering(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()
	must := func(id string, v []float32) {
		if err := ix.Add(ctx, Item{ID: id, Embedding: v}); err != nil {
			t.Fatalf("Add %s: %v", id, err)
		}
	}
	must("same", []float32{1, 0})
	must("orth", []float32{0, 1})
	must("opp", []float32{-1, 0})

	res, err := ix.Search(ctx, []float32{1, 0}, 10, "", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res) == 0 || res[0].ID != "same" {
		t.Fatalf("expected 'same' to rank first, got %+v", res)
	}
}

func TestSearchMultiFusionStrategies(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()
	for id, v := range map[string][]float32{
		"a": {1, 0}, "b": {0, 1}, "c": {0.7, 0.7},
	} {
		if err := ix.Add(ctx, Item{ID: id, Embedding: v}); err != nil {
			t.Fatalf("Add %s: %v", id, err)
		}
	}

	for _, fusion := range []FusionStrategy{FusionWeightedMax, FusionWeightedSum, FusionRRF} {
		res, err := ix.SearchMulti(ctx, [][]float32{{1, 0}, {0, 1}}, []float32{0.7, 0.3}, 3, fusion, "")
		if err != nil {
			t.Fatalf("SearchMulti(%s): %v", fusion, err)
		}
		if len(res) == 0 {
			t.Fatalf("SearchMulti(%s) returned no results", fusion)
		}
	}
}

func TestDeleteRemovesItem(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()
	if err := ix.Add(ctx, Item{ID: "a", Embedding: []float32{1, 0}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := ix.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := ix.Get(ctx, "a"); ok {
		t.Fatalf("expected item to be gone after Delete")
	}
}

package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/haloforge/memengine/pkg/graphstore"
	"github.com/haloforge/memengine/pkg/memmodel"
)

func TestSaveLoadJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := New(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	type payload struct{ A int; B string }
	in := payload{A: 7, B: "hi"}
	path := store.Path("x.json")
	if err := store.SaveJSON(ctx, path, in); err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}

	var out payload
	if err := store.LoadJSON(ctx, path, &out); err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}

	if _, err := filepath.Abs(path + ".tmp"); err != nil {
		t.Fatalf("unexpected path error: %v", err)
	}
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := New(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var out map[string]any
	err = store.LoadJSON(context.Background(), store.Path("missing.json"), &out)
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestGraphSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := New(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	gs := graphstore.New(nil)
	n := &memmodel.Node{ID: "n1", Content: "Alice", Type: memmodel.NodeSubject}
	if err := gs.AddNode(n); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	if err := store.SaveGraph(ctx, gs); err != nil {
		t.Fatalf("SaveGraph: %v", err)
	}

	restored := graphstore.New(nil)
	if err := store.LoadGraph(ctx, restored); err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	if restored.NodeCount() != 1 {
		t.Fatalf("expected 1 node after restore, got %d", restored.NodeCount())
	}
}

func TestBackupPruning(t *testing.T) {
	dir := t.TempDir()
	store, err := New(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	path := store.Path("memory_graph.json")
	if err := store.SaveJSON(ctx, path, map[string]int{"v": 1}); err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := store.Backup(path, 3); err != nil {
			t.Fatalf("Backup: %v", err)
		}
	}
	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) > 3 {
		t.Fatalf("expected at most 3 backups kept, got %d", len(entries))
	}
}

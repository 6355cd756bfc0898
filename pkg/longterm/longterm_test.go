package longterm

import (
	"context"
	"testing"
	"time"

	"github.com/haloforge/memengine/pkg/builder"
	"github.com/haloforge/memengine/pkg/graphstore"
	"github.com/haloforge/memengine/pkg/llm"
	"github.com/haloforge/memengine/pkg/memmodel"
	"github.com/haloforge/memengine/pkg/persistence"
	"github.com/haloforge/memengine/pkg/vecindex"
)

func newTestManager(t *testing.T) (*Manager, *builder.Builder) {
	t.Helper()
	gs := graphstore.New(nil)
	ix, err := vecindex.Open(context.Background(), vecindex.DefaultConfig())
	if err != nil {
		t.Fatalf("vecindex.Open: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	embed := llm.NewHashEmbedder(32)
	b := builder.New(embed, gs, ix, builder.DefaultConfig())

	ps, err := persistence.New(persistence.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("persistence.New: %v", err)
	}

	mgr := New(gs, ix, ps, embed, DefaultConfig())
	return mgr, b
}

func mustCreate(t *testing.T, mgr *Manager, b *builder.Builder, in builder.ExtractInput) *memmodel.Memory {
	t.Helper()
	x := builder.NewExtractor()
	params, err := x.Extract(in)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	mem, err := b.Build(context.Background(), params)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := mgr.Create(context.Background(), mem); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return mem
}

func TestDeleteRemovesExclusiveVectors(t *testing.T) {
	mgr, b := newTestManager(t)
	ctx := context.Background()
	mem := mustCreate(t, mgr, b, builder.ExtractInput{Subject: "Alice", MemoryType: "FACT", Topic: "lives_in", Object: "Tokyo"})

	var topicNodeID string
	for _, n := range mem.Nodes {
		if n.Type == memmodel.NodeTopic {
			topicNodeID = n.ID
		}
	}
	if topicNodeID == "" {
		t.Fatal("expected a TOPIC node")
	}
	if _, ok, _ := mgr.vec.Get(ctx, topicNodeID); !ok {
		t.Fatal("expected topic node vector present before delete")
	}

	if err := mgr.Delete(ctx, mem.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := mgr.vec.Get(ctx, topicNodeID); ok {
		t.Fatal("expected topic node vector removed after delete")
	}
	if _, ok := mgr.graph.GetMemory(mem.ID); ok {
		t.Fatal("expected memory removed from graph")
	}
}

func TestActivateDecaysAndPropagates(t *testing.T) {
	mgr, b := newTestManager(t)
	ctx := context.Background()
	m1 := mustCreate(t, mgr, b, builder.ExtractInput{Subject: "Alice", MemoryType: "FACT", Topic: "a"})
	m2 := mustCreate(t, mgr, b, builder.ExtractInput{Subject: "Bob", MemoryType: "FACT", Topic: "b"})
	if err := mgr.graph.AddEdge(&memmodel.Edge{
		ID: "link-1", SourceID: m1.SubjectID, TargetID: m2.SubjectID,
		Type: memmodel.EdgeRelation, Relation: "knows", Importance: 1,
	}); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	if err := mgr.Activate(ctx, m1.ID, 0.5); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	level, ok := mgr.CurrentActivation(m1.ID)
	if !ok || level < 0.49 {
		t.Fatalf("expected m1 activation raised to at least 0.5, got %v", level)
	}
	// m2 should have received propagated activation since strength (0.5) > 0.1.
	level2, ok := mgr.CurrentActivation(m2.ID)
	if !ok || level2 <= 0 {
		t.Fatalf("expected propagated activation on m2, got %v ok=%v", level2, ok)
	}
}

func TestAutoForgetDeletesLowActivationLowImportance(t *testing.T) {
	mgr, b := newTestManager(t)
	ctx := context.Background()
	mem := mustCreate(t, mgr, b, builder.ExtractInput{Subject: "Carl", MemoryType: "FACT", Topic: "x"})
	imp := float32(0.1)
	_ = mgr.Update(ctx, mem.ID, func(mm *memmodel.Memory) {
		mm.Importance = imp
		mm.Activation.Level = 0.0
		mm.Activation.LastAccess = time.Now()
	})

	forgotten, err := mgr.AutoForget(ctx)
	if err != nil {
		t.Fatalf("AutoForget: %v", err)
	}
	if len(forgotten) != 1 || forgotten[0] != mem.ID {
		t.Fatalf("expected mem forgotten, got %v", forgotten)
	}
	if _, ok := mgr.graph.GetMemory(mem.ID); ok {
		t.Fatal("expected memory removed")
	}
}

func TestAutoForgetSparesImportantMemory(t *testing.T) {
	mgr, b := newTestManager(t)
	ctx := context.Background()
	mem := mustCreate(t, mgr, b, builder.ExtractInput{Subject: "Dana", MemoryType: "FACT", Topic: "y"})
	imp := float32(0.95)
	_ = mgr.Update(ctx, mem.ID, func(mm *memmodel.Memory) {
		mm.Importance = imp
		mm.Activation.Level = 0.0
		mm.Activation.LastAccess = time.Now()
	})

	forgotten, err := mgr.AutoForget(ctx)
	if err != nil {
		t.Fatalf("AutoForget: %v", err)
	}
	if len(forgotten) != 0 {
		t.Fatalf("expected important memory spared, got forgotten=%v", forgotten)
	}
}

func TestConsolidateDedupsSimilarTopics(t *testing.T) {
	mgr, b := newTestManager(t)
	ctx := context.Background()
	m1 := mustCreate(t, mgr, b, builder.ExtractInput{Subject: "Eve", MemoryType: "FACT", Topic: "likes_coffee"})
	m2 := mustCreate(t, mgr, b, builder.ExtractInput{Subject: "Eve", MemoryType: "FACT", Topic: "likes_coffee"})

	mgr.cfg.ConsolidationSimilarityThreshold = 0.99
	if err := mgr.Consolidate(ctx); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}

	_, aOK := mgr.graph.GetMemory(m1.ID)
	_, bOK := mgr.graph.GetMemory(m2.ID)
	if aOK == bOK {
		t.Fatalf("expected exactly one of the two duplicate memories to survive, got a=%v b=%v", aOK, bOK)
	}
}

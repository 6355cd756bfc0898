package builder

import (
	"context"
	"testing"

	"github.com/haloforge/memengine/pkg/graphstore"
	"github.com/haloforge/memengine/pkg/llm"
	"github.com/haloforge/memengine/pkg/memmodel"
	"github.com/haloforge/memengine/pkg/vecindex"
)

func TestExtractNormalizesSynonymsAndClampsImportance(t *testing.T) {
	x := NewExtractor()
	imp := float32(1.5)
	params, err := x.Extract(ExtractInput{
		Subject: "Alice", MemoryType: "事实", Topic: "lives_in", Object: "Tokyo",
		Attributes: map[string]string{"地点": "home"}, Importance: &imp,
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if params.MemoryType != memmodel.MemoryFact {
		t.Fatalf("expected FACT, got %s", params.MemoryType)
	}
	if params.Importance != 1 {
		t.Fatalf("expected importance clamped to 1, got %v", params.Importance)
	}
	if params.Attributes["place"] != "home" {
		t.Fatalf("expected attribute key normalized to 'place', got %+v", params.Attributes)
	}
}

func TestExtractRejectsMissingFields(t *testing.T) {
	x := NewExtractor()
	if _, err := x.Extract(ExtractInput{Subject: "", MemoryType: "FACT", Topic: "t"}); err == nil {
		t.Fatalf("expected validation error for missing subject")
	}
	if _, err := x.Extract(ExtractInput{Subject: "s", MemoryType: "nonsense", Topic: "t"}); err == nil {
		t.Fatalf("expected validation error for bad memory_type")
	}
}

func newTestBuilder(t *testing.T) (*Builder, *graphstore.Store) {
	t.Helper()
	gs := graphstore.New(nil)
	ix, err := vecindex.Open(context.Background(), vecindex.DefaultConfig())
	if err != nil {
		t.Fatalf("vecindex.Open: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	b := New(llm.NewHashEmbedder(32), gs, ix, DefaultConfig())
	return b, gs
}

func TestBuildCanonicalShape(t *testing.T) {
	b, _ := newTestBuilder(t)
	x := NewExtractor()
	params, err := x.Extract(ExtractInput{Subject: "Alice", MemoryType: "FACT", Topic: "lives_in", Object: "Tokyo"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	mem, err := b.Build(context.Background(), params)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if mem.Status != memmodel.StatusStaged {
		t.Fatalf("expected STAGED status, got %s", mem.Status)
	}
	if mem.Activation.Level != InitialActivation {
		t.Fatalf("expected initial activation %v, got %v", InitialActivation, mem.Activation.Level)
	}
	if len(mem.Nodes) != 3 {
		t.Fatalf("expected 3 nodes (subject/topic/object), got %d", len(mem.Nodes))
	}
	if len(mem.Edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(mem.Edges))
	}
}

func TestBuildReusesExactSubject(t *testing.T) {
	b, gs := newTestBuilder(t)
	x := NewExtractor()
	ctx := context.Background()

	p1, _ := x.Extract(ExtractInput{Subject: "Alice", MemoryType: "FACT", Topic: "lives_in"})
	m1, err := b.Build(ctx, p1)
	if err != nil {
		t.Fatalf("Build 1: %v", err)
	}
	if err := gs.AddMemory(m1); err != nil {
		t.Fatalf("AddMemory 1: %v", err)
	}

	p2, _ := x.Extract(ExtractInput{Subject: "Alice", MemoryType: "FACT", Topic: "likes_coffee"})
	m2, err := b.Build(ctx, p2)
	if err != nil {
		t.Fatalf("Build 2: %v", err)
	}
	if m2.SubjectID != m1.SubjectID {
		t.Fatalf("expected subject node reuse across memories, got %s != %s", m2.SubjectID, m1.SubjectID)
	}
}

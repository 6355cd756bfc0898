package expansion

import (
	"testing"
	"time"

	"github.com/haloforge/memengine/pkg/graphstore"
	"github.com/haloforge/memengine/pkg/memmodel"
)

func node(id string, t memmodel.NodeType, vec []float32) *memmodel.Node {
	n := &memmodel.Node{ID: id, Content: id, Type: t, CreatedAt: time.Now()}
	if vec != nil {
		n.Embedding = vec
		n.HasVector = true
	}
	return n
}

func TestPreferenceBonusRanksReferenceHigher(t *testing.T) {
	gs := graphstore.New(nil)

	topic := node("topic", memmodel.NodeTopic, []float32{1, 0})
	refNode := node("ref", memmodel.NodeReference, []float32{1, 0})
	plainNode := node("plain", memmodel.NodeObject, []float32{1, 0})
	for _, n := range []*memmodel.Node{topic, refNode, plainNode} {
		if err := gs.AddNode(n); err != nil {
			t.Fatal(err)
		}
	}
	e1 := &memmodel.Edge{ID: "e1", SourceID: "topic", TargetID: "ref", Type: memmodel.EdgeAttribute, Importance: 1}
	e2 := &memmodel.Edge{ID: "e2", SourceID: "topic", TargetID: "plain", Type: memmodel.EdgeAttribute, Importance: 1}
	if err := gs.AddEdge(e1); err != nil {
		t.Fatal(err)
	}
	if err := gs.AddEdge(e2); err != nil {
		t.Fatal(err)
	}

	memRef := &memmodel.Memory{ID: "mem-ref", Nodes: []*memmodel.Node{topic, refNode}, Importance: 0.5, CreatedAt: time.Now()}
	memPlain := &memmodel.Memory{ID: "mem-plain", Nodes: []*memmodel.Node{topic, plainNode}, Importance: 0.5, CreatedAt: time.Now()}
	if err := gs.AddMemory(memRef); err != nil {
		t.Fatal(err)
	}
	if err := gs.AddMemory(memPlain); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	initial := []InitialHit{{NodeID: "topic", Score: 0.9}}
	query := []float32{1, 0}

	results := Expand(gs, cfg, initial, query, 10, []memmodel.NodeType{memmodel.NodeReference})
	scoreByID := make(map[string]float32)
	for _, r := range results {
		scoreByID[r.MemoryID] = r.Score
	}
	if scoreByID["mem-ref"] < scoreByID["mem-plain"]*1.05 {
		t.Fatalf("expected mem-ref to outscore mem-plain by >=5%%, got ref=%v plain=%v", scoreByID["mem-ref"], scoreByID["mem-plain"])
	}
}

func TestExpandEmptyInitialReturnsEmpty(t *testing.T) {
	gs := graphstore.New(nil)
	results := Expand(gs, DefaultConfig(), nil, []float32{1, 0}, 5, nil)
	if len(results) != 0 {
		t.Fatalf("expected no results for empty initial set, got %d", len(results))
	}
}

func TestMergeStrategies(t *testing.T) {
	a := &path{nodes: []string{"x", "y"}, score: 0.8}
	b := &path{nodes: []string{"z", "y"}, score: 0.6}
	for _, strat := range []MergeStrategy{MergeWeightedGeometric, MergeMaxBonus, MergeMean} {
		m := mergeTwo(a, b, strat)
		if m.score <= 0 {
			t.Fatalf("merge strategy %s produced non-positive score", strat)
		}
	}
}

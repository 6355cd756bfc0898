package graphstore

import (
	"testing"
	"time"

	"github.com/haloforge/memengine/pkg/memmodel"
)

func newNode(id string, t memmodel.NodeType) *memmodel.Node {
	return &memmodel.Node{ID: id, Content: id, Type: t, CreatedAt: time.Now()}
}

func newMemory(id, subjectID string, nodes []*memmodel.Node, edges []*memmodel.Edge) *memmodel.Memory {
	return &memmodel.Memory{
		ID: id, SubjectID: subjectID, Type: memmodel.MemoryFact, Nodes: nodes, Edges: edges,
		Importance: 0.8, Status: memmodel.StatusCommitted, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
}

func TestAddMemoryInvariant(t *testing.T) {
	s := New(nil)
	subj := newNode("n1", memmodel.NodeSubject)
	topic := newNode("n2", memmodel.NodeTopic)
	e := &memmodel.Edge{ID: "e1", SourceID: "n1", TargetID: "n2", Relation: "likes", Type: memmodel.EdgeMemoryType, Importance: 1}
	m := newMemory("m1", "n1", []*memmodel.Node{subj, topic}, []*memmodel.Edge{e})

	if err := s.AddMemory(m); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}
	got, ok := s.GetMemory("m1")
	if !ok {
		t.Fatalf("expected memory fetchable after AddMemory")
	}
	for _, n := range got.Nodes {
		owners := s.OwnerMemories(n.ID)
		found := false
		for _, o := range owners {
			if o == "m1" {
				found = true
			}
		}
		if !found {
			t.Fatalf("node %s missing owning memory m1", n.ID)
		}
	}
}

func TestRemoveMemoryOrphanSweep(t *testing.T) {
	s := New(nil)
	subj := newNode("n1", memmodel.NodeSubject)
	topic := newNode("n2", memmodel.NodeTopic)
	e := &memmodel.Edge{ID: "e1", SourceID: "n1", TargetID: "n2", Relation: "likes", Type: memmodel.EdgeMemoryType, Importance: 1}
	m := newMemory("m1", "n1", []*memmodel.Node{subj, topic}, []*memmodel.Edge{e})
	if err := s.AddMemory(m); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}

	removedNodes, removedEdges, err := s.RemoveMemory("m1", true)
	if err != nil {
		t.Fatalf("RemoveMemory: %v", err)
	}
	if len(removedNodes) != 2 {
		t.Fatalf("expected 2 orphaned nodes removed, got %v", removedNodes)
	}
	if len(removedEdges) != 1 {
		t.Fatalf("expected 1 dangling edge removed, got %v", removedEdges)
	}
	if _, ok := s.GetNode("n1"); ok {
		t.Fatalf("expected orphaned node n1 to be gone")
	}
	if s.EdgeCount() != 0 {
		t.Fatalf("expected no edges referencing removed nodes, got %d", s.EdgeCount())
	}
}

func TestRemoveMemoryKeepsSharedNode(t *testing.T) {
	s := New(nil)
	subj := newNode("n1", memmodel.NodeSubject)
	topic1 := newNode("n2", memmodel.NodeTopic)
	topic2 := newNode("n3", memmodel.NodeTopic)
	e1 := &memmodel.Edge{ID: "e1", SourceID: "n1", TargetID: "n2", Type: memmodel.EdgeMemoryType, Importance: 1}
	e2 := &memmodel.Edge{ID: "e2", SourceID: "n1", TargetID: "n3", Type: memmodel.EdgeMemoryType, Importance: 1}
	m1 := newMemory("m1", "n1", []*memmodel.Node{subj, topic1}, []*memmodel.Edge{e1})
	m2 := newMemory("m2", "n1", []*memmodel.Node{subj, topic2}, []*memmodel.Edge{e2})
	if err := s.AddMemory(m1); err != nil {
		t.Fatalf("AddMemory m1: %v", err)
	}
	if err := s.AddMemory(m2); err != nil {
		t.Fatalf("AddMemory m2: %v", err)
	}

	removedNodes, _, err := s.RemoveMemory("m1", true)
	if err != nil {
		t.Fatalf("RemoveMemory: %v", err)
	}
	for _, id := range removedNodes {
		if id == "n1" {
			t.Fatalf("n1 is still owned by m2, should not be removed")
		}
	}
	if _, ok := s.GetNode("n1"); !ok {
		t.Fatalf("expected shared node n1 to survive")
	}
}

func TestMergeNodesNoSelfLoop(t *testing.T) {
	s := New(nil)
	a := newNode("a", memmodel.NodeEntity)
	b := newNode("b", memmodel.NodeEntity)
	c := newNode("c", memmodel.NodeEntity)
	if err := s.AddNode(a); err != nil {
		t.Fatal(err)
	}
	if err := s.AddNode(b); err != nil {
		t.Fatal(err)
	}
	if err := s.AddNode(c); err != nil {
		t.Fatal(err)
	}
	if err := s.AddEdge(&memmodel.Edge{ID: "e1", SourceID: "a", TargetID: "b", Type: memmodel.EdgeRelation}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddEdge(&memmodel.Edge{ID: "e2", SourceID: "a", TargetID: "c", Type: memmodel.EdgeRelation}); err != nil {
		t.Fatal(err)
	}
	// e3 would become the self-loop c→c once b is merged into c.
	if err := s.AddEdge(&memmodel.Edge{ID: "e3", SourceID: "b", TargetID: "c", Type: memmodel.EdgeRelation}); err != nil {
		t.Fatal(err)
	}

	if err := s.MergeNodes("b", "c"); err != nil {
		t.Fatalf("MergeNodes: %v", err)
	}
	neighbors, err := s.GetNeighbors("a", DirOut, nil)
	if err != nil {
		t.Fatalf("GetNeighbors: %v", err)
	}
	for _, n := range neighbors {
		if n.ID != "c" {
			t.Fatalf("expected a's out-neighbors rewired onto c, got %s", n.ID)
		}
	}
	cNeighbors, err := s.GetNeighbors("c", DirOut, nil)
	if err != nil {
		t.Fatalf("GetNeighbors: %v", err)
	}
	for _, n := range cNeighbors {
		if n.ID == "c" {
			t.Fatalf("expected no self-loop on c after merge")
		}
	}
	if s.EdgeCount() != 2 {
		t.Fatalf("expected the would-be self-loop edge dropped (2 edges left), got %d", s.EdgeCount())
	}
	if _, ok := s.GetNode("b"); ok {
		t.Fatalf("expected source node b to be deleted after merge")
	}
}

func TestBFSExpandRespectsDepth(t *testing.T) {
	s := New(nil)
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := s.AddNode(newNode(id, memmodel.NodeEntity)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AddEdge(&memmodel.Edge{ID: "e1", SourceID: "a", TargetID: "b", Type: memmodel.EdgeRelation}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddEdge(&memmodel.Edge{ID: "e2", SourceID: "b", TargetID: "c", Type: memmodel.EdgeRelation}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddEdge(&memmodel.Edge{ID: "e3", SourceID: "c", TargetID: "d", Type: memmodel.EdgeRelation}); err != nil {
		t.Fatal(err)
	}

	reached := s.BFSExpand([]string{"a"}, 1, nil)
	if !containsStr(reached, "b") || containsStr(reached, "c") {
		t.Fatalf("expected depth-1 BFS to reach only b, got %v", reached)
	}
	reached = s.BFSExpand([]string{"a"}, 3, nil)
	if !containsStr(reached, "d") {
		t.Fatalf("expected depth-3 BFS to reach d, got %v", reached)
	}
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func TestDocRoundTrip(t *testing.T) {
	s := New(nil)
	subj := newNode("n1", memmodel.NodeSubject)
	topic := newNode("n2", memmodel.NodeTopic)
	e := &memmodel.Edge{ID: "e1", SourceID: "n1", TargetID: "n2", Type: memmodel.EdgeMemoryType, Importance: 1}
	m := newMemory("m1", "n1", []*memmodel.Node{subj, topic}, []*memmodel.Edge{e})
	if err := s.AddMemory(m); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}

	doc := s.ToDoc()
	restored := New(nil)
	restored.LoadDoc(doc)

	if restored.NodeCount() != s.NodeCount() || restored.EdgeCount() != s.EdgeCount() || restored.MemoryCount() != s.MemoryCount() {
		t.Fatalf("round trip size mismatch: got nodes=%d edges=%d mems=%d", restored.NodeCount(), restored.EdgeCount(), restored.MemoryCount())
	}
	if _, ok := restored.GetMemory("m1"); !ok {
		t.Fatalf("expected memory m1 to survive round trip")
	}
}

package graphstore

import (
	"sort"
	"time"

	"github.com/haloforge/memengine/pkg/memmodel"
)

// Doc is the dict representation of the graph store, matching the persisted
// `memory_graph.json` layout: {nodes, edges, memories, node_to_memories,
// metadata}.
type Doc struct {
	Nodes          []*memmodel.Node         `json:"nodes"`
	Edges          []*memmodel.Edge         `json:"edges"`
	Memories       map[string]*memmodel.Memory `json:"memories"`
	NodeToMemories map[string][]string      `json:"node_to_memories"`
	Metadata       DocMetadata              `json:"metadata"`
}

// DocMetadata carries the version/statistics envelope every snapshot file
// includes per the persisted file layout.
type DocMetadata struct {
	Version    int       `json:"version"`
	SavedAt    time.Time `json:"saved_at"`
	NodeCount  int       `json:"node_count"`
	EdgeCount  int       `json:"edge_count"`
	MemCount   int       `json:"memory_count"`
}

const docVersion = 1

// ToDoc serializes the live store into its dict representation.
func (s *Store) ToDoc() *Doc {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]*memmodel.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n.Clone())
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	edges := make([]*memmodel.Edge, 0, len(s.edges))
	for _, e := range s.edges {
		edges = append(edges, e.Clone())
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

	memories := make(map[string]*memmodel.Memory, len(s.memories))
	for id, m := range s.memories {
		memories[id] = cloneMemory(m)
	}

	n2m := make(map[string][]string, len(s.nodeToMemories))
	for nodeID, set := range s.nodeToMemories {
		ids := make([]string, 0, len(set))
		for memID := range set {
			ids = append(ids, memID)
		}
		sort.Strings(ids)
		n2m[nodeID] = ids
	}

	return &Doc{
		Nodes: nodes, Edges: edges, Memories: memories, NodeToMemories: n2m,
		Metadata: DocMetadata{
			Version: docVersion, SavedAt: time.Now(),
			NodeCount: len(nodes), EdgeCount: len(edges), MemCount: len(memories),
		},
	}
}

// LoadDoc replaces the store's contents with doc's, then runs
// SyncMemoryEdgesFromGraph to repair any schema drift (consistency rule 3).
func (s *Store) LoadDoc(doc *Doc) {
	s.mu.Lock()
	s.nodes = make(map[string]*memmodel.Node, len(doc.Nodes))
	for _, n := range doc.Nodes {
		s.nodes[n.ID] = n.Clone()
	}
	s.edges = make(map[string]*memmodel.Edge, len(doc.Edges))
	s.outEdges = make(map[string]map[string]struct{})
	s.inEdges = make(map[string]map[string]struct{})
	for _, e := range doc.Edges {
		s.edges[e.ID] = e.Clone()
		s.indexEdge(e.ID, e.SourceID, e.TargetID)
	}
	s.memories = make(map[string]*memmodel.Memory, len(doc.Memories))
	for id, m := range doc.Memories {
		s.memories[id] = cloneMemory(m)
	}
	s.nodeToMemories = make(map[string]map[string]struct{}, len(doc.NodeToMemories))
	for nodeID, memIDs := range doc.NodeToMemories {
		set := make(map[string]struct{}, len(memIDs))
		for _, memID := range memIDs {
			set[memID] = struct{}{}
		}
		s.nodeToMemories[nodeID] = set
	}
	for nodeID := range s.nodes {
		if _, ok := s.nodeToMemories[nodeID]; !ok {
			s.nodeToMemories[nodeID] = make(map[string]struct{})
		}
	}
	s.mu.Unlock()

	s.SyncMemoryEdgesFromGraph()
}

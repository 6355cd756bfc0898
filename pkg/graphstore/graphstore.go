// Package graphstore implements the in-memory directed labeled multigraph
// plus the node_to_memories ownership index, grounded on the teacher's
// pkg/graph.GraphStore API shape (graph.go, graph_traversal.go,
// graph_algorithms.go) but reworked from a SQLite-backed store into the
// mutex-guarded map-of-structs store the spec requires: persistence is a
// separate concern (pkg/persistence), not part of the live graph.
package graphstore

import (
	"sort"
	"sync"
	"time"

	"github.com/haloforge/memengine/pkg/memerr"
	"github.com/haloforge/memengine/pkg/memlog"
	"github.com/haloforge/memengine/pkg/memmodel"
)

// Direction selects which incident edges GetNeighbors/traversal walks.
type Direction string

const (
	DirOut  Direction = "out"
	DirIn   Direction = "in"
	DirBoth Direction = "both"
)

// Store is the live, in-memory graph: nodes, edges, assembled memories, and
// the node-to-memories ownership index.
type Store struct {
	mu sync.RWMutex

	nodes    map[string]*memmodel.Node
	edges    map[string]*memmodel.Edge
	memories map[string]*memmodel.Memory

	nodeToMemories map[string]map[string]struct{}
	outEdges       map[string]map[string]struct{} // node id -> edge ids whose source is this node
	inEdges        map[string]map[string]struct{} // node id -> edge ids whose target is this node

	logger memlog.Logger
}

// New creates an empty Store.
func New(logger memlog.Logger) *Store {
	if logger == nil {
		logger = memlog.Nop()
	}
	return &Store{
		nodes:          make(map[string]*memmodel.Node),
		edges:          make(map[string]*memmodel.Edge),
		memories:       make(map[string]*memmodel.Memory),
		nodeToMemories: make(map[string]map[string]struct{}),
		outEdges:       make(map[string]map[string]struct{}),
		inEdges:        make(map[string]map[string]struct{}),
		logger:         logger,
	}
}

// AddNode inserts or overwrites a node.
func (s *Store) AddNode(n *memmodel.Node) error {
	const op = "graphstore.AddNode"
	if n == nil || n.ID == "" {
		return memerr.Invalid(op, "node id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = n.Clone()
	if _, ok := s.nodeToMemories[n.ID]; !ok {
		s.nodeToMemories[n.ID] = make(map[string]struct{})
	}
	return nil
}

// AddEdge inserts an edge. Both endpoints must already exist in the graph.
func (s *Store) AddEdge(e *memmodel.Edge) error {
	const op = "graphstore.AddEdge"
	if e == nil || e.ID == "" {
		return memerr.Invalid(op, "edge id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[e.SourceID]; !ok {
		return memerr.NotFound(op, e.SourceID)
	}
	if _, ok := s.nodes[e.TargetID]; !ok {
		return memerr.NotFound(op, e.TargetID)
	}
	s.edges[e.ID] = e.Clone()
	s.indexEdge(e.ID, e.SourceID, e.TargetID)
	return nil
}

func (s *Store) indexEdge(edgeID, sourceID, targetID string) {
	if s.outEdges[sourceID] == nil {
		s.outEdges[sourceID] = make(map[string]struct{})
	}
	s.outEdges[sourceID][edgeID] = struct{}{}
	if s.inEdges[targetID] == nil {
		s.inEdges[targetID] = make(map[string]struct{})
	}
	s.inEdges[targetID][edgeID] = struct{}{}
}

func (s *Store) unindexEdge(edgeID, sourceID, targetID string) {
	if m := s.outEdges[sourceID]; m != nil {
		delete(m, edgeID)
	}
	if m := s.inEdges[targetID]; m != nil {
		delete(m, edgeID)
	}
}

// UpdateNode applies fn to a clone of the stored node and persists the
// result. Returns ErrNotFound if the node does not exist.
func (s *Store) UpdateNode(id string, fn func(*memmodel.Node)) error {
	const op = "graphstore.UpdateNode"
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return memerr.NotFound(op, id)
	}
	cp := n.Clone()
	fn(cp)
	cp.ID = id
	s.nodes[id] = cp
	return nil
}

// UpdateEdge applies fn to a clone of the stored edge and persists it.
func (s *Store) UpdateEdge(id string, fn func(*memmodel.Edge)) error {
	const op = "graphstore.UpdateEdge"
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[id]
	if !ok {
		return memerr.NotFound(op, id)
	}
	cp := e.Clone()
	fn(cp)
	cp.ID = id
	cp.SourceID = e.SourceID
	cp.TargetID = e.TargetID
	s.edges[id] = cp
	return nil
}

// RemoveEdge deletes an edge by id.
func (s *Store) RemoveEdge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[id]
	if !ok {
		return nil
	}
	s.unindexEdge(id, e.SourceID, e.TargetID)
	delete(s.edges, id)
	return nil
}

// GetNode returns a copy of a node.
func (s *Store) GetNode(id string) (*memmodel.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// GetMemory returns a copy of a memory.
func (s *Store) GetMemory(id string) (*memmodel.Memory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memories[id]
	if !ok {
		return nil, false
	}
	return cloneMemory(m), true
}

// NodeCount, EdgeCount, MemoryCount report live graph size.
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}
func (s *Store) EdgeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges)
}
func (s *Store) MemoryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.memories)
}

// OutEdges returns copies of every edge whose source is nodeID.
func (s *Store) OutEdges(nodeID string) []*memmodel.Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*memmodel.Edge, 0, len(s.outEdges[nodeID]))
	for edgeID := range s.outEdges[nodeID] {
		if e := s.edges[edgeID]; e != nil {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NodesByType returns copies of every node of the given type, used by the
// builder for exact-content node-reuse lookups.
func (s *Store) NodesByType(t memmodel.NodeType) []*memmodel.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*memmodel.Node
	for _, n := range s.nodes {
		if n.Type == t {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OwnerMemories returns the set of memory ids that own a node.
func (s *Store) OwnerMemories(nodeID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.nodeToMemories[nodeID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AddMemory commits a Memory's nodes/edges into the graph and records
// ownership, satisfying invariant 1 (§8): afterward the memory is fetchable
// and every node it owns lists this memory id.
func (s *Store) AddMemory(m *memmodel.Memory) error {
	const op = "graphstore.AddMemory"
	if m == nil || m.ID == "" {
		return memerr.Invalid(op, "memory id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range m.Nodes {
		if _, ok := s.nodes[n.ID]; !ok {
			s.nodes[n.ID] = n.Clone()
		}
		if s.nodeToMemories[n.ID] == nil {
			s.nodeToMemories[n.ID] = make(map[string]struct{})
		}
		s.nodeToMemories[n.ID][m.ID] = struct{}{}
	}
	for _, e := range m.Edges {
		if _, ok := s.nodes[e.SourceID]; !ok {
			return memerr.NotFound(op, e.SourceID)
		}
		if _, ok := s.nodes[e.TargetID]; !ok {
			return memerr.NotFound(op, e.TargetID)
		}
		s.edges[e.ID] = e.Clone()
		s.indexEdge(e.ID, e.SourceID, e.TargetID)
	}
	s.memories[m.ID] = cloneMemory(m)
	return nil
}

// RemoveMemory deletes a memory. For each of its nodes, removes this memory
// id from the owner set; when cleanupOrphans is true, nodes whose owner set
// becomes empty are deleted along with their incident edges (consistency
// rule 1, §4.3). Returns the ids of any nodes and edges actually removed.
func (s *Store) RemoveMemory(id string, cleanupOrphans bool) (removedNodes, removedEdges []string, err error) {
	const op = "graphstore.RemoveMemory"
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memories[id]
	if !ok {
		return nil, nil, nil
	}
	delete(s.memories, id)

	for _, n := range m.Nodes {
		if owners, ok := s.nodeToMemories[n.ID]; ok {
			delete(owners, id)
		}
	}
	if !cleanupOrphans {
		return nil, nil, nil
	}

	for _, n := range m.Nodes {
		owners := s.nodeToMemories[n.ID]
		if len(owners) > 0 {
			continue
		}
		removedNodes = append(removedNodes, n.ID)
		removedEdges = append(removedEdges, s.deleteNodeLocked(n.ID)...)
		delete(s.nodeToMemories, n.ID)
	}
	sort.Strings(removedNodes)
	sort.Strings(removedEdges)
	return removedNodes, removedEdges, nil
}

// deleteNodeLocked removes a node and every edge incident to it. Caller must
// hold s.mu.
func (s *Store) deleteNodeLocked(nodeID string) (droppedEdges []string) {
	for edgeID := range s.outEdges[nodeID] {
		e := s.edges[edgeID]
		if e != nil {
			s.unindexEdge(edgeID, e.SourceID, e.TargetID)
			delete(s.edges, edgeID)
			droppedEdges = append(droppedEdges, edgeID)
		}
	}
	for edgeID := range s.inEdges[nodeID] {
		e := s.edges[edgeID]
		if e != nil {
			s.unindexEdge(edgeID, e.SourceID, e.TargetID)
			delete(s.edges, edgeID)
			droppedEdges = append(droppedEdges, edgeID)
		}
	}
	delete(s.outEdges, nodeID)
	delete(s.inEdges, nodeID)
	delete(s.nodes, nodeID)
	return droppedEdges
}

// MergeNodes rewires every edge incident to sourceID onto targetID, skipping
// would-be self-loops, then deletes sourceID. Duplicated incident edges
// after rewire are kept (this is a multi-graph) — consistency rule 2 (§4.3).
func (s *Store) MergeNodes(sourceID, targetID string) error {
	const op = "graphstore.MergeNodes"
	if sourceID == targetID {
		return memerr.Invalid(op, "source and target must differ")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[sourceID]; !ok {
		return memerr.NotFound(op, sourceID)
	}
	if _, ok := s.nodes[targetID]; !ok {
		return memerr.NotFound(op, targetID)
	}

	for edgeID := range cloneSet(s.outEdges[sourceID]) {
		e := s.edges[edgeID]
		if e == nil {
			continue
		}
		if e.TargetID == targetID {
			// would become a self-loop; drop it instead of rewiring.
			s.unindexEdge(edgeID, e.SourceID, e.TargetID)
			delete(s.edges, edgeID)
			continue
		}
		s.unindexEdge(edgeID, e.SourceID, e.TargetID)
		e.SourceID = targetID
		s.indexEdge(edgeID, targetID, e.TargetID)
	}
	for edgeID := range cloneSet(s.inEdges[sourceID]) {
		e := s.edges[edgeID]
		if e == nil {
			continue
		}
		if e.SourceID == targetID {
			s.unindexEdge(edgeID, e.SourceID, e.TargetID)
			delete(s.edges, edgeID)
			continue
		}
		s.unindexEdge(edgeID, e.SourceID, e.TargetID)
		e.TargetID = targetID
		s.indexEdge(edgeID, e.SourceID, targetID)
	}

	// transfer ownership: any memory owning source now also owns target.
	for memID := range s.nodeToMemories[sourceID] {
		if s.nodeToMemories[targetID] == nil {
			s.nodeToMemories[targetID] = make(map[string]struct{})
		}
		s.nodeToMemories[targetID][memID] = struct{}{}
		if mem, ok := s.memories[memID]; ok {
			replaceNodeIDInMemory(mem, sourceID, targetID)
		}
	}

	delete(s.nodeToMemories, sourceID)
	delete(s.outEdges, sourceID)
	delete(s.inEdges, sourceID)
	delete(s.nodes, sourceID)
	return nil
}

func replaceNodeIDInMemory(m *memmodel.Memory, oldID, newID string) {
	for _, n := range m.Nodes {
		if n.ID == oldID {
			n.ID = newID
		}
	}
	if m.SubjectID == oldID {
		m.SubjectID = newID
	}
}

// MergeMemories transfers every source memory's nodes and edges into
// targetID's owner set and deletes the source memories, without performing
// an orphan sweep — callers sweep explicitly via RemoveMemory's
// cleanupOrphans path or a dedicated sweep call.
func (s *Store) MergeMemories(targetID string, sourceIDs []string) error {
	const op = "graphstore.MergeMemories"
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.memories[targetID]
	if !ok {
		return memerr.NotFound(op, targetID)
	}

	seenNode := make(map[string]bool, len(target.Nodes))
	for _, n := range target.Nodes {
		seenNode[n.ID] = true
	}
	seenEdge := make(map[string]bool, len(target.Edges))
	for _, e := range target.Edges {
		seenEdge[e.ID] = true
	}

	for _, srcID := range sourceIDs {
		src, ok := s.memories[srcID]
		if !ok {
			continue
		}
		for _, n := range src.Nodes {
			if owners := s.nodeToMemories[n.ID]; owners != nil {
				delete(owners, srcID)
				owners[targetID] = struct{}{}
			}
			if !seenNode[n.ID] {
				target.Nodes = append(target.Nodes, n)
				seenNode[n.ID] = true
			}
		}
		for _, e := range src.Edges {
			if !seenEdge[e.ID] {
				target.Edges = append(target.Edges, e)
				seenEdge[e.ID] = true
			}
		}
		delete(s.memories, srcID)
	}
	target.UpdatedAt = time.Now()
	s.memories[targetID] = target
	return nil
}

// GetNeighbors returns the nodes reachable from id via one hop in the given
// direction, optionally filtered by edge type.
func (s *Store) GetNeighbors(id string, dir Direction, typeFilter []memmodel.EdgeType) ([]*memmodel.Node, error) {
	const op = "graphstore.GetNeighbors"
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[id]; !ok {
		return nil, memerr.NotFound(op, id)
	}
	allowed := edgeTypeSet(typeFilter)

	seen := make(map[string]bool)
	var out []*memmodel.Node
	collect := func(edgeIDs map[string]struct{}, pick func(*memmodel.Edge) string) {
		for edgeID := range edgeIDs {
			e := s.edges[edgeID]
			if e == nil {
				continue
			}
			if allowed != nil && !allowed[e.Type] {
				continue
			}
			otherID := pick(e)
			if seen[otherID] {
				continue
			}
			if n, ok := s.nodes[otherID]; ok {
				seen[otherID] = true
				out = append(out, n.Clone())
			}
		}
	}
	if dir == DirOut || dir == DirBoth {
		collect(s.outEdges[id], func(e *memmodel.Edge) string { return e.TargetID })
	}
	if dir == DirIn || dir == DirBoth {
		collect(s.inEdges[id], func(e *memmodel.Edge) string { return e.SourceID })
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// BFSExpand walks outward from startSet up to depth hops (both directions),
// optionally filtered by edge type, returning every reached node id
// (including the start set).
func (s *Store) BFSExpand(startSet []string, depth int, typeFilter []memmodel.EdgeType) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allowed := edgeTypeSet(typeFilter)
	visited := make(map[string]bool)
	frontier := make([]string, 0, len(startSet))
	for _, id := range startSet {
		if !visited[id] {
			visited[id] = true
			frontier = append(frontier, id)
		}
	}

	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			for edgeID := range s.outEdges[id] {
				e := s.edges[edgeID]
				if e == nil || (allowed != nil && !allowed[e.Type]) {
					continue
				}
				if !visited[e.TargetID] {
					visited[e.TargetID] = true
					next = append(next, e.TargetID)
				}
			}
			for edgeID := range s.inEdges[id] {
				e := s.edges[edgeID]
				if e == nil || (allowed != nil && !allowed[e.Type]) {
					continue
				}
				if !visited[e.SourceID] {
					visited[e.SourceID] = true
					next = append(next, e.SourceID)
				}
			}
		}
		frontier = next
	}

	out := make([]string, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SyncMemoryEdgesFromGraph is consistency rule 3 (§4.3): any edge present in
// the graph whose endpoints both belong to memory m must appear in m.Edges
// (deduped by edge id). Run this after Load to repair schema drift.
func (s *Store) SyncMemoryEdgesFromGraph() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for edgeID, e := range s.edges {
		srcOwners := s.nodeToMemories[e.SourceID]
		dstOwners := s.nodeToMemories[e.TargetID]
		for memID := range srcOwners {
			if _, dstOwns := dstOwners[memID]; !dstOwns {
				continue
			}
			m := s.memories[memID]
			if m == nil {
				continue
			}
			if !memoryHasEdge(m, edgeID) {
				m.Edges = append(m.Edges, e.Clone())
			}
		}
	}
}

func memoryHasEdge(m *memmodel.Memory, edgeID string) bool {
	for _, e := range m.Edges {
		if e.ID == edgeID {
			return true
		}
	}
	return false
}

func edgeTypeSet(types []memmodel.EdgeType) map[memmodel.EdgeType]bool {
	if len(types) == 0 {
		return nil
	}
	m := make(map[memmodel.EdgeType]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

func cloneSet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func cloneMemory(m *memmodel.Memory) *memmodel.Memory {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Nodes = make([]*memmodel.Node, len(m.Nodes))
	for i, n := range m.Nodes {
		cp.Nodes[i] = n.Clone()
	}
	cp.Edges = make([]*memmodel.Edge, len(m.Edges))
	for i, e := range m.Edges {
		cp.Edges[i] = e.Clone()
	}
	if m.Metadata != nil {
		cp.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// AllMemories returns a copy of every memory currently in the store.
func (s *Store) AllMemories() []*memmodel.Memory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*memmodel.Memory, 0, len(s.memories))
	for _, m := range s.memories {
		out = append(out, cloneMemory(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MemoriesForNode returns every memory id owning nodeID, for batch
// path-to-memory mapping in the expansion kernel.
func (s *Store) MemoriesForNode(nodeID string) []string {
	return s.OwnerMemories(nodeID)
}

// SweepOrphans deletes every node whose owner set is empty, along with its
// incident edges. Used by batch operations (e.g. auto-forget) that defer
// cleanup until after a whole pass completes, rather than sweeping after
// each individual removal.
func (s *Store) SweepOrphans() (removedNodes, removedEdges []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for nodeID, owners := range s.nodeToMemories {
		if len(owners) > 0 {
			continue
		}
		removedNodes = append(removedNodes, nodeID)
		removedEdges = append(removedEdges, s.deleteNodeLocked(nodeID)...)
		delete(s.nodeToMemories, nodeID)
	}
	sort.Strings(removedNodes)
	sort.Strings(removedEdges)
	return removedNodes, removedEdges
}

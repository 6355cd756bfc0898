// Package expansion implements the path-score expansion retrieval kernel:
// a damped multi-hop graph walk with dynamic branch caps, cycle avoidance,
// best-score pruning, path merging, capacity caps, early stop, and a final
// multi-factor memory score. Grounded on the teacher's
// graph.HybridQuery/HybridResult weighted-combination shape
// (pkg/graph/graph_hybrid.go) and its BFS path-accumulation traversal
// (graph_traversal.go), generalized into the full damped walk.
package expansion

import (
	"math"
	"sort"
	"time"

	"github.com/haloforge/memengine/pkg/graphstore"
	"github.com/haloforge/memengine/pkg/memmodel"
)

// MergeStrategy selects how two paths sharing a leaf node are combined.
type MergeStrategy string

const (
	MergeWeightedGeometric MergeStrategy = "weighted_geometric"
	MergeMaxBonus          MergeStrategy = "max_bonus"
	MergeMean              MergeStrategy = "mean"
)

// Config tunes the expansion walk; see spec §4.6 for the rationale behind
// each default.
type Config struct {
	MaxHops                  int
	Damping                  float32
	MaxBranches              int
	PruningThreshold         float32
	MaxActivePaths           int
	TopPathsRetain           int
	EarlyStopGrowthThreshold float32
	MaxCandidateMemories     int
	MergeStrategy            MergeStrategy
}

// DefaultConfig returns the spec's recommended defaults.
func DefaultConfig() Config {
	return Config{
		MaxHops: 3, Damping: 0.85, MaxBranches: 5, PruningThreshold: 0.9,
		MaxActivePaths: 200, TopPathsRetain: 100, EarlyStopGrowthThreshold: 0.10,
		MaxCandidateMemories: 50, MergeStrategy: MergeMean,
	}
}

// InitialHit is a single vector-search seed: a node id plus its similarity.
type InitialHit struct {
	NodeID string
	Score  float32
}

type path struct {
	nodes      []string
	edges      []string
	score      float32
	depth      int
	isMerged   bool
	mergedFrom []string
}

func (p *path) leaf() string { return p.nodes[len(p.nodes)-1] }

func (p *path) contains(nodeID string) bool {
	for _, id := range p.nodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

// PathResult is a single contributing path returned with a memory's score.
type PathResult struct {
	NodeIDs []string
	EdgeIDs []string
	Score   float32
}

// Result is a single scored memory returned by Expand.
type Result struct {
	MemoryID          string
	Score             float32
	ContributingPaths []PathResult
}

func edgeTypeWeight(t memmodel.EdgeType) float32 {
	switch t {
	case memmodel.EdgeReference:
		return 1.3
	case memmodel.EdgeAttribute:
		return 1.2
	case memmodel.EdgeRelation:
		return 0.9
	case memmodel.EdgeTemporal:
		return 0.7
	default:
		return 1.0
	}
}

func dynamicBranchCap(base int, score float32) int {
	mult := 0.5
	switch {
	case score > 0.7:
		mult = 1.5
	case score > 0.4:
		mult = 1.0
	}
	cap := int(math.Round(float64(base) * mult))
	if cap < 1 {
		cap = 1
	}
	return cap
}

// Expand walks the graph from initial hits up to cfg.MaxHops, scores
// reachable memories, applies importance/recency/preference-bonus final
// scoring, and returns the top topK memories.
func Expand(gs *graphstore.Store, cfg Config, initial []InitialHit, query []float32, topK int, preferNodeTypes []memmodel.NodeType) []Result {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultConfig().MaxHops
	}
	if cfg.Damping == 0 {
		cfg.Damping = DefaultConfig().Damping
	}
	if cfg.MaxBranches == 0 {
		cfg.MaxBranches = DefaultConfig().MaxBranches
	}
	if cfg.PruningThreshold == 0 {
		cfg.PruningThreshold = DefaultConfig().PruningThreshold
	}
	if cfg.MaxActivePaths == 0 {
		cfg.MaxActivePaths = DefaultConfig().MaxActivePaths
	}
	if cfg.TopPathsRetain == 0 {
		cfg.TopPathsRetain = DefaultConfig().TopPathsRetain
	}
	if cfg.MaxCandidateMemories == 0 {
		cfg.MaxCandidateMemories = DefaultConfig().MaxCandidateMemories
	}
	if cfg.MergeStrategy == "" {
		cfg.MergeStrategy = DefaultConfig().MergeStrategy
	}

	frontier := make([]*path, 0, len(initial))
	bestScore := make(map[string]float32, len(initial))
	for _, h := range initial {
		frontier = append(frontier, &path{nodes: []string{h.NodeID}, score: h.Score, depth: 0})
		if h.Score > bestScore[h.NodeID] {
			bestScore[h.NodeID] = h.Score
		}
	}

	var terminal []*path

	for hop := 0; hop < cfg.MaxHops && len(frontier) > 0; hop++ {
		type extension struct {
			parent   *path
			edge     *memmodel.Edge
			neighbor string
			weight   float32
		}
		var extensions []extension
		var deadEnds []*path

		for _, p := range frontier {
			edges := gs.OutEdges(p.leaf())
			sort.Slice(edges, func(i, j int) bool {
				wi := edges[i].Importance * edgeTypeWeight(edges[i].Type)
				wj := edges[j].Importance * edgeTypeWeight(edges[j].Type)
				return wi > wj
			})
			branchCap := dynamicBranchCap(cfg.MaxBranches, p.score)
			taken := 0
			hadCandidate := false
			for _, e := range edges {
				if taken >= branchCap {
					break
				}
				if p.contains(e.TargetID) {
					continue // cycle avoidance
				}
				extensions = append(extensions, extension{parent: p, edge: e, neighbor: e.TargetID, weight: e.Importance * edgeTypeWeight(e.Type)})
				taken++
				hadCandidate = true
			}
			if !hadCandidate {
				deadEnds = append(deadEnds, p)
			}
		}

		if len(extensions) == 0 {
			terminal = append(terminal, frontier...)
			break
		}

		// Batch node-similarity pass: nodes already carry their embedding
		// from build time, so this is a single cosine pass rather than a
		// fresh embedding call.
		neighborScore := make(map[string]float32, len(extensions))
		for _, ext := range extensions {
			if _, ok := neighborScore[ext.neighbor]; ok {
				continue
			}
			n, ok := gs.GetNode(ext.neighbor)
			if !ok {
				neighborScore[ext.neighbor] = 0
				continue
			}
			neighborScore[ext.neighbor] = cosine(query, n.Embedding)
		}

		newFrontier := make([]*path, 0, len(extensions))
		for _, ext := range extensions {
			decay := float32(math.Pow(float64(cfg.Damping), float64(ext.parent.depth)))
			nodeScore := neighborScore[ext.neighbor]
			newScore := ext.parent.score*ext.weight*decay + nodeScore*(1-decay)

			if cur, ok := bestScore[ext.neighbor]; ok && newScore < cfg.PruningThreshold*cur {
				continue // pruned: too far below this node's best known score
			}
			if newScore > bestScore[ext.neighbor] {
				bestScore[ext.neighbor] = newScore
			}

			np := &path{
				nodes: append(append([]string(nil), ext.parent.nodes...), ext.neighbor),
				edges: append(append([]string(nil), ext.parent.edges...), ext.edge.ID),
				score: newScore, depth: ext.parent.depth + 1,
			}
			newFrontier = append(newFrontier, np)
		}

		newFrontier = mergeByLeaf(newFrontier, cfg.MergeStrategy)

		if len(newFrontier) > cfg.MaxActivePaths {
			sort.Slice(newFrontier, func(i, j int) bool { return newFrontier[i].score > newFrontier[j].score })
			newFrontier = newFrontier[:cfg.TopPathsRetain]
		}

		terminal = append(terminal, deadEnds...)

		growth := 1.0
		if len(frontier) > 0 {
			growth = float64(len(newFrontier)-len(frontier)) / float64(len(frontier))
		}
		frontier = newFrontier

		if growth < float64(cfg.EarlyStopGrowthThreshold) {
			terminal = append(terminal, frontier...)
			frontier = nil
			break
		}
	}
	terminal = append(terminal, frontier...)

	return scoreMemories(gs, terminal, cfg, preferNodeTypes, topK)
}

func cosine(a, b []float32) float32 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		sim = 0
	}
	if sim > 1 {
		sim = 1
	}
	return float32(sim)
}

func mergeByLeaf(paths []*path, strategy MergeStrategy) []*path {
	byLeaf := make(map[string][]*path)
	for _, p := range paths {
		byLeaf[p.leaf()] = append(byLeaf[p.leaf()], p)
	}
	out := make([]*path, 0, len(paths))
	for _, group := range byLeaf {
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}
		merged := group[0]
		for _, other := range group[1:] {
			merged = mergeTwo(merged, other, strategy)
		}
		out = append(out, merged)
	}
	return out
}

func mergeTwo(a, b *path, strategy MergeStrategy) *path {
	var score float32
	switch strategy {
	case MergeWeightedGeometric:
		score = float32(math.Sqrt(float64(a.score)*float64(b.score))) * 1.2
	case MergeMaxBonus:
		score = float32(math.Max(float64(a.score), float64(b.score))) * 1.3
	default:
		score = (a.score + b.score) / 2 * 1.15
	}
	nodes := a.nodes
	if len(b.nodes) > len(nodes) {
		nodes = b.nodes
	}
	return &path{
		nodes: nodes, edges: a.edges, score: score, depth: a.depth,
		isMerged: true, mergedFrom: []string{pathKey(a), pathKey(b)},
	}
}

func pathKey(p *path) string {
	if len(p.nodes) == 0 {
		return ""
	}
	return p.nodes[0] + ">" + p.leaf()
}

type memoryAgg struct {
	memory *memmodel.Memory
	paths  []*path
}

func scoreMemories(gs *graphstore.Store, paths []*path, cfg Config, preferNodeTypes []memmodel.NodeType, topK int) []Result {
	aggs := make(map[string]*memoryAgg)
	for _, p := range paths {
		seenMem := make(map[string]bool)
		for _, nodeID := range p.nodes {
			for _, memID := range gs.MemoriesForNode(nodeID) {
				if seenMem[memID] {
					continue
				}
				seenMem[memID] = true
				a, ok := aggs[memID]
				if !ok {
					mem, ok := gs.GetMemory(memID)
					if !ok {
						continue
					}
					a = &memoryAgg{memory: mem}
					aggs[memID] = a
				}
				a.paths = append(a.paths, p)
			}
		}
	}

	type preRanked struct {
		agg   *memoryAgg
		score float32
	}
	prelim := make([]preRanked, 0, len(aggs))
	for _, a := range aggs {
		maxScore := float32(0)
		for _, p := range a.paths {
			if p.score > maxScore {
				maxScore = p.score
			}
		}
		prelim = append(prelim, preRanked{agg: a, score: float32(len(a.paths)) * maxScore * a.memory.Importance})
	}
	sort.Slice(prelim, func(i, j int) bool { return prelim[i].score > prelim[j].score })
	if len(prelim) > cfg.MaxCandidateMemories {
		prelim = prelim[:cfg.MaxCandidateMemories]
	}

	preferSet := make(map[memmodel.NodeType]bool, len(preferNodeTypes))
	for _, t := range preferNodeTypes {
		preferSet[t] = true
	}

	results := make([]Result, 0, len(prelim))
	now := time.Now()
	for _, pr := range prelim {
		a := pr.agg
		scores := make([]float32, len(a.paths))
		var sum float32
		for i, p := range a.paths {
			scores[i] = p.score
			sum += p.score
		}
		sort.Sort(sort.Reverse(sortableFloat32(scores)))
		top3 := scores
		if len(top3) > 3 {
			top3 = top3[:3]
		}
		var top3Mean float32
		for _, s := range top3 {
			top3Mean += s
		}
		if len(top3) > 0 {
			top3Mean /= float32(len(top3))
		}
		pathAggregate := 0.4*sum + 0.6*top3Mean

		ageDays := now.Sub(a.memory.CreatedAt).Hours() / 24
		recency := float32(1 / (1 + ageDays/30))

		score := 0.50*pathAggregate + 0.30*a.memory.Importance + 0.20*recency

		if len(preferSet) > 0 {
			matched := 0
			for _, n := range a.memory.Nodes {
				if preferSet[n.Type] {
					matched++
				}
			}
			matchRatio := float32(0)
			if len(a.memory.Nodes) > 0 {
				matchRatio = float32(matched) / float32(len(a.memory.Nodes))
				if matchRatio > 1 {
					matchRatio = 1
				}
			}
			score *= 1 + 0.10*matchRatio
		}

		contrib := make([]PathResult, len(a.paths))
		for i, p := range a.paths {
			contrib[i] = PathResult{NodeIDs: p.nodes, EdgeIDs: p.edges, Score: p.score}
		}

		results = append(results, Result{MemoryID: a.memory.ID, Score: score, ContributingPaths: contrib})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].MemoryID < results[j].MemoryID
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

type sortableFloat32 []float32

func (s sortableFloat32) Len() int           { return len(s) }
func (s sortableFloat32) Less(i, j int) bool { return s[i] < s[j] }
func (s sortableFloat32) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

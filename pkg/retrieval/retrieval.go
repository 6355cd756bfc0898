// Package retrieval implements MemoryTools, the public retrieval surface:
// multi-query generation and fusion are grounded on the teacher's
// pkg/semantic-router query-routing shape and pkg/memory/recall.go's
// rrfFuse, adapted from intent classification to query reformulation plus
// weighted multi-search; the composite fallback scoring generalizes the
// teacher's per-layer RRF bonus (layerBonus) into a full per-node-type
// weight table.
package retrieval

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/haloforge/memengine/pkg/expansion"
	"github.com/haloforge/memengine/pkg/graphstore"
	"github.com/haloforge/memengine/pkg/llm"
	"github.com/haloforge/memengine/pkg/memlog"
	"github.com/haloforge/memengine/pkg/memmodel"
	"github.com/haloforge/memengine/pkg/vecindex"
)

// WeightedQuery is a single reformulated query with its fusion weight.
type WeightedQuery struct {
	Text   string
	Weight float32
}

// MultiQueryFunc generates reformulated queries and preferred node types
// from the user query and recent chat history. On failure, callers fall
// back to the single original query with weight 1.0 and no preferences.
type MultiQueryFunc func(ctx context.Context, query string, history []memmodel.Message) ([]WeightedQuery, []memmodel.NodeType, error)

// ActivateFunc is invoked, fire-and-forget, for the top-k most-important
// returned memories so the caller's long-term manager can apply activation
// + full neighbor propagation (§4.7 step 6) without retrieval blocking on
// it.
type ActivateFunc func(ctx context.Context, memoryID string, strength float32)

// QuickActivateFunc is invoked, fire-and-forget, for the remaining returned
// memories outside the propagation spread limit: activation bumps without
// graph propagation (§4.7 step 6's "spread limited to top-k" — everything
// past top-k still gets touched, just without fanning out to neighbors).
type QuickActivateFunc func(ctx context.Context, ids []string, strength float32)

// RerankFunc is an optional cross-encoder-style post-ranking hook applied
// after composite scoring, mirroring the teacher's
// MemoryManager.SetReranker.
type RerankFunc func(ctx context.Context, query string, results []ScoredMemory) []ScoredMemory

// BaseWeights are the un-adjusted fallback-scoring weights (spec §4.7 step
// 5); type_adjust multiplies these before normalization.
type BaseWeights struct {
	Similarity float32
	Importance float32
	Recency    float32
}

// Config tunes a Tools instance.
type Config struct {
	TopK              int
	ExpandDepth       int
	MinImportance     float32
	MultiQueryEnabled bool
	SingleQueryOverfetch int // factor applied to TopK for the single-query fallback path
	BaseWeights       BaseWeights
	ExpansionConfig   expansion.Config
	Logger            memlog.Logger
}

// DefaultConfig returns the spec's recommended defaults.
func DefaultConfig() Config {
	return Config{
		TopK: 10, ExpandDepth: 2, MinImportance: 0.3, MultiQueryEnabled: true,
		SingleQueryOverfetch: 5,
		BaseWeights:          BaseWeights{Similarity: 0.5, Importance: 0.3, Recency: 0.2},
		ExpansionConfig:      expansion.DefaultConfig(),
		Logger:               memlog.Nop(),
	}
}

// ScoredMemory is a single search_memories hit.
type ScoredMemory struct {
	Memory  *memmodel.Memory
	Score   float32
	Sources []string
}

// Tools is the MemoryTools retrieval surface: create_memory, link_memories,
// search_memories.
type Tools struct {
	embed llm.Embedder
	vec   *vecindex.Index
	graph *graphstore.Store
	cfg   Config

	planner       MultiQueryFunc
	activate      ActivateFunc
	quickActivate QuickActivateFunc
	rerank        RerankFunc
}

// New constructs Tools over the given vector index and graph store.
func New(embed llm.Embedder, vec *vecindex.Index, graph *graphstore.Store, cfg Config) *Tools {
	if cfg.Logger == nil {
		cfg.Logger = memlog.Nop()
	}
	return &Tools{embed: embed, vec: vec, graph: graph, cfg: cfg}
}

// SetMultiQueryFunc injects the LLM-backed query-reformulation hook.
func (t *Tools) SetMultiQueryFunc(fn MultiQueryFunc) { t.planner = fn }

// SetActivateFunc injects the post-retrieval activation hook, applied to
// the top-k most-important returned memories with full propagation.
func (t *Tools) SetActivateFunc(fn ActivateFunc) { t.activate = fn }

// SetQuickActivateFunc injects the post-retrieval quick-activation hook,
// applied to every returned memory outside the top-k propagation spread.
func (t *Tools) SetQuickActivateFunc(fn QuickActivateFunc) { t.quickActivate = fn }

// SetReranker installs an optional post-scoring reranker, off by default.
func (t *Tools) SetReranker(fn RerankFunc) { t.rerank = fn }

// SearchMemories implements §4.7's search_memories: multi-query generation,
// batched multi-search, path-score expansion (or composite fallback
// scoring), importance filtering, and fire-and-forget activation.
func (t *Tools) SearchMemories(ctx context.Context, query string, history []memmodel.Message) ([]ScoredMemory, error) {
	queries, preferTypes := t.generateQueries(ctx, query, history)
	return t.SearchMemoriesWithQueries(ctx, query, queries, preferTypes)
}

// SearchMemoriesWithQueries runs the retrieval pipeline (batched embed,
// fused multi-search, expansion-or-fallback scoring, importance filtering,
// activation) against a caller-supplied query list, skipping automatic
// multi-query generation. Used by the unified manager's manual
// multi-query fallback (spec §4.12 step 4) when the judge finds the
// perceptual and short-term recall insufficient.
func (t *Tools) SearchMemoriesWithQueries(ctx context.Context, displayQuery string, queries []WeightedQuery, preferTypes []memmodel.NodeType) ([]ScoredMemory, error) {
	topK := t.cfg.TopK
	if topK <= 0 {
		topK = DefaultConfig().TopK
	}

	texts := make([]string, len(queries))
	for i, q := range queries {
		texts[i] = q.Text
	}
	vecs, err := t.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	var matches []vecindex.Match
	if len(queries) == 1 {
		overfetch := t.cfg.SingleQueryOverfetch
		if overfetch <= 0 {
			overfetch = DefaultConfig().SingleQueryOverfetch
		}
		matches, err = t.vec.Search(ctx, vecs[0], topK*overfetch, "", 0)
	} else {
		weights := make([]float32, len(queries))
		for i, q := range queries {
			weights[i] = q.Weight
		}
		matches, err = t.vec.SearchMulti(ctx, vecs, weights, topK*2, vecindex.FusionWeightedMax, "")
	}
	if err != nil {
		return nil, err
	}

	// Step 3: initial memory set — highest per-memory similarity.
	initScore := make(map[string]float32)
	nodeHitScore := make(map[string]float32)
	for _, m := range matches {
		if m.Similarity > nodeHitScore[m.ID] {
			nodeHitScore[m.ID] = m.Similarity
		}
	}
	memToNodeIDs := make(map[string][]string)
	for nodeID, sim := range nodeHitScore {
		for _, memID := range t.graph.MemoriesForNode(nodeID) {
			if sim > initScore[memID] {
				initScore[memID] = sim
			}
			memToNodeIDs[memID] = append(memToNodeIDs[memID], nodeID)
		}
	}

	var primaryVec []float32
	if len(vecs) > 0 {
		primaryVec = vecs[0]
	}

	if t.cfg.ExpandDepth > 0 {
		initial := make([]expansion.InitialHit, 0, len(nodeHitScore))
		for nodeID, sim := range nodeHitScore {
			initial = append(initial, expansion.InitialHit{NodeID: nodeID, Score: sim})
		}
		expCfg := t.cfg.ExpansionConfig
		expCfg.MaxHops = t.cfg.ExpandDepth
		expanded := expansion.Expand(t.graph, expCfg, initial, primaryVec, topK, preferTypes)
		if len(expanded) > 0 {
			out := t.toScoredMemories(expanded)
			out = t.filterByImportance(out)
			t.fireActivation(ctx, out)
			if t.rerank != nil {
				out = t.rerank(ctx, displayQuery, out)
			}
			return out, nil
		}
	}

	out := t.fallbackScore(initScore, preferTypes)
	out = t.filterByImportance(out)
	t.fireActivation(ctx, out)
	if t.rerank != nil {
		out = t.rerank(ctx, displayQuery, out)
	}
	return out, nil
}

func (t *Tools) generateQueries(ctx context.Context, query string, history []memmodel.Message) ([]WeightedQuery, []memmodel.NodeType) {
	if t.cfg.MultiQueryEnabled && t.planner != nil {
		qs, preferTypes, err := t.planner(ctx, query, history)
		if err == nil && len(qs) > 0 {
			return qs, preferTypes
		}
		t.cfg.Logger.Warn("multi-query generation failed, falling back to single query", "err", err)
	}
	return []WeightedQuery{{Text: query, Weight: 1.0}}, nil
}

func (t *Tools) toScoredMemories(results []expansion.Result) []ScoredMemory {
	out := make([]ScoredMemory, 0, len(results))
	for _, r := range results {
		mem, ok := t.graph.GetMemory(r.MemoryID)
		if !ok {
			continue
		}
		out = append(out, ScoredMemory{Memory: mem, Score: clampScore(r.Score), Sources: []string{"vector", "expansion"}})
	}
	return out
}

func (t *Tools) filterByImportance(in []ScoredMemory) []ScoredMemory {
	floor := t.cfg.MinImportance
	out := make([]ScoredMemory, 0, len(in))
	for _, s := range in {
		if s.Memory.Importance >= floor {
			out = append(out, s)
		}
	}
	return out
}

// activationSpreadLimit caps full neighbor-propagating activation to the
// top-k most-important returned memories (spec §4.7 step 6); the rest
// still get a quick, non-propagating activation bump.
const activationSpreadLimit = 2

func (t *Tools) fireActivation(ctx context.Context, results []ScoredMemory) {
	if t.activate == nil && t.quickActivate == nil {
		return
	}
	ordered := append([]ScoredMemory(nil), results...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Memory.Importance > ordered[j].Memory.Importance
	})
	top := ordered
	rest := ordered[len(ordered):]
	if len(top) > activationSpreadLimit {
		top = ordered[:activationSpreadLimit]
		rest = ordered[activationSpreadLimit:]
	}

	if t.activate != nil {
		for _, r := range top {
			strength := r.Memory.Importance * 0.5
			go t.activate(ctx, r.Memory.ID, strength)
		}
	}

	if t.quickActivate != nil && len(rest) > 0 {
		for _, r := range rest {
			strength := r.Memory.Importance * 0.5
			go t.quickActivate(ctx, []string{r.Memory.ID}, strength)
		}
	}
}

type typeAdjust struct{ sim, importance, recency float32 }

func adjustFor(t memmodel.MemoryType) typeAdjust {
	switch t {
	case memmodel.MemoryFact:
		return typeAdjust{sim: 1.08, importance: 1.0, recency: 0.5}
	case memmodel.MemoryEvent:
		return typeAdjust{sim: 0.85, importance: 0.8, recency: 2.5}
	case memmodel.MemoryRelation, memmodel.MemoryOpinion:
		return typeAdjust{sim: 0.92, importance: 1.2, recency: 1.0}
	default:
		return typeAdjust{sim: 1, importance: 1, recency: 1}
	}
}

func (t *Tools) fallbackScore(initScore map[string]float32, preferTypes []memmodel.NodeType) []ScoredMemory {
	preferSet := make(map[memmodel.NodeType]bool, len(preferTypes))
	for _, nt := range preferTypes {
		preferSet[nt] = true
	}

	now := time.Now()
	out := make([]ScoredMemory, 0, len(initScore))
	for memID, sim := range initScore {
		mem, ok := t.graph.GetMemory(memID)
		if !ok {
			continue
		}
		adj := adjustFor(mem.Type)
		base := t.cfg.BaseWeights
		wSim := base.Similarity * adj.sim
		wImp := base.Importance * adj.importance
		wRec := base.Recency * adj.recency
		sum := wSim + wImp + wRec
		if sum == 0 {
			sum = 1
		}
		wSim, wImp, wRec = wSim/sum, wImp/sum, wRec/sum

		ageDays := now.Sub(mem.CreatedAt).Hours() / 24
		recency := float32(1 / (1 + ageDays/30))

		final := sim*wSim + mem.Importance*wImp + recency*wRec

		hasRefOrAttr := false
		preferHits := 0
		for _, n := range mem.Nodes {
			if n.Type == memmodel.NodeReference || n.Type == memmodel.NodeAttribute {
				hasRefOrAttr = true
			}
			if preferSet[n.Type] {
				preferHits++
			}
		}
		if hasRefOrAttr {
			final *= 1.10
		}
		for i := 0; i < preferHits; i++ {
			final *= 1.15
		}

		out = append(out, ScoredMemory{Memory: mem, Score: clampScore(final), Sources: []string{"vector", "fallback"}})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Memory.ID < out[j].Memory.ID
	})
	return out
}

// clampScore maps a NaN score to 0 and passes every other value through
// unchanged; it does not bound the range, since fused scores legitimately
// exceed 1 (hence not memmodel.Clamp01).
func clampScore(v float32) float32 {
	if math.IsNaN(float64(v)) {
		return 0
	}
	return v
}

package longterm

import (
	"context"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/haloforge/memengine/pkg/memmodel"
)

// Consolidate is the background dedup + auto-link pass (spec §4.8's
// consolidate_memories): it windows recent memories, drops low-importance
// ones, caps the batch, merges near-duplicates by topic similarity, and
// proposes RELATION edges between memories an LLM classifier judges related.
func (m *Manager) Consolidate(ctx context.Context) error {
	candidates := m.selectConsolidationCandidates()
	if len(candidates) == 0 {
		return nil
	}

	deduped, err := m.dedupByTopic(ctx, candidates)
	if err != nil {
		return err
	}

	if err := m.autoLink(ctx, deduped); err != nil {
		m.cfg.Logger.Warn("auto-link pass failed", "err", err)
	}

	m.scheduleSave(ctx)
	return nil
}

// selectConsolidationCandidates windows by creation time, drops
// low-importance memories, and caps the batch preferring the newest.
func (m *Manager) selectConsolidationCandidates() []*memmodel.Memory {
	cutoff := time.Now().Add(-time.Duration(m.cfg.ConsolidationTimeWindowHours * float64(time.Hour)))
	var windowed []*memmodel.Memory
	for _, mem := range m.graph.AllMemories() {
		if mem.CreatedAt.Before(cutoff) {
			continue
		}
		if mem.Importance < m.cfg.ConsolidationMinImportance {
			continue
		}
		windowed = append(windowed, mem)
	}
	sort.Slice(windowed, func(i, j int) bool { return windowed[i].CreatedAt.After(windowed[j].CreatedAt) })
	if m.cfg.ConsolidationMaxBatchSize > 0 && len(windowed) > m.cfg.ConsolidationMaxBatchSize {
		windowed = windowed[:m.cfg.ConsolidationMaxBatchSize]
	}
	return windowed
}

// dedupByTopic merges memory pairs whose topic nodes are near-duplicates
// (cosine >= ConsolidationSimilarityThreshold), keeping the higher-importance
// memory and boosting its importance slightly to reflect corroboration.
func (m *Manager) dedupByTopic(ctx context.Context, candidates []*memmodel.Memory) ([]*memmodel.Memory, error) {
	merged := make(map[string]bool)
	kept := make([]*memmodel.Memory, 0, len(candidates))
	pairsSeen := 0

	for i, a := range candidates {
		if merged[a.ID] {
			continue
		}
		survivor := a
		for j := i + 1; j < len(candidates); j++ {
			b := candidates[j]
			if merged[b.ID] || b.ID == survivor.ID {
				continue
			}
			pairsSeen++
			if pairsSeen%5 == 0 {
				runtime.Gosched() // cooperative yield between consolidation pairs
			}

			sim, ok := topicCosine(survivor, b)
			if !ok || sim < m.cfg.ConsolidationSimilarityThreshold {
				continue
			}

			loser := b
			if loser.Importance > survivor.Importance {
				survivor, loser = loser, survivor
			}
			if err := m.graph.MergeMemories(survivor.ID, []string{loser.ID}); err != nil {
				m.cfg.Logger.Warn("consolidation merge failed", "survivor", survivor.ID, "loser", loser.ID, "err", err)
				continue
			}
			merged[loser.ID] = true
			survivor.Importance = memmodel.Clamp01(survivor.Importance + m.cfg.ConsolidationImportanceBoost)
			_ = m.Update(ctx, survivor.ID, func(mm *memmodel.Memory) {
				mm.Importance = survivor.Importance
			})
		}
		kept = append(kept, survivor)
	}
	if len(merged) > 0 {
		m.graph.SweepOrphans()
	}
	return kept, nil
}

// topicCosine compares two memories' TOPIC node embeddings.
func topicCosine(a, b *memmodel.Memory) (float32, bool) {
	ta := findNodeByType(a, memmodel.NodeTopic)
	tb := findNodeByType(b, memmodel.NodeTopic)
	if ta == nil || tb == nil || !ta.HasVector || !tb.HasVector {
		return 0, false
	}
	return cosineSim(ta.Embedding, tb.Embedding), true
}

func findNodeByType(mem *memmodel.Memory, t memmodel.NodeType) *memmodel.Node {
	for _, n := range mem.Nodes {
		if n.Type == t {
			return n
		}
	}
	return nil
}

func cosineSim(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
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
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// autoLink proposes RELATION edges between memories whose topics are
// plausibly connected: a vector-search prefilter narrows candidates, then
// the injected LLM classifier decides the relation type and confidence.
func (m *Manager) autoLink(ctx context.Context, candidates []*memmodel.Memory) error {
	if m.classify == nil || m.vec == nil {
		return nil
	}
	linked := make(map[string]bool)
	for _, a := range candidates {
		topic := findNodeByType(a, memmodel.NodeTopic)
		if topic == nil || !topic.HasVector {
			continue
		}
		matches, err := m.vec.Search(ctx, topic.Embedding, m.cfg.AutoLinkMaxCandidates+1, string(memmodel.NodeTopic), 0)
		if err != nil {
			return err
		}
		for _, match := range matches {
			if match.ID == topic.ID || match.Similarity < m.cfg.AutoLinkPreFilterThreshold {
				continue
			}
			for _, bID := range m.graph.MemoriesForNode(match.ID) {
				if bID == a.ID {
					continue
				}
				pairKey := pairKeyFor(a.ID, bID)
				if linked[pairKey] {
					continue
				}
				linked[pairKey] = true

				b, ok := m.graph.GetMemory(bID)
				if !ok {
					continue
				}
				relation, confidence, reasoning, err := m.classify(ctx, a, b)
				if err != nil || confidence < m.cfg.AutoLinkMinConfidence {
					continue
				}
				edge := &memmodel.Edge{
					ID: uuid.NewString(), SourceID: a.SubjectID, TargetID: b.SubjectID,
					Relation: relation, Type: memmodel.EdgeRelation, Importance: confidence,
					Metadata: map[string]any{
						"auto_linked": true, "confidence": confidence, "reasoning": reasoning,
					},
				}
				if err := m.graph.AddEdge(edge); err != nil {
					m.cfg.Logger.Warn("auto-link edge creation failed", "err", err)
				}
			}
		}
	}
	return nil
}

func pairKeyFor(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

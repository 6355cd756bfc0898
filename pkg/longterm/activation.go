package longterm

import (
	"context"
	"math"
	"time"

	"github.com/haloforge/memengine/pkg/memmodel"
)

// Activate applies time-decayed activation growth to a memory and, above
// the propagation floor, spreads a damped fraction of the strength to its
// graph neighbors one or more hops out (spec §4.8's activate_memory +
// propagate_activation).
func (m *Manager) Activate(ctx context.Context, id string, strength float32) error {
	return m.activateDepth(ctx, id, strength, m.cfg.PropagationDepth, make(map[string]bool))
}

func (m *Manager) activateDepth(ctx context.Context, id string, strength float32, depthLeft int, visited map[string]bool) error {
	if visited[id] {
		return nil
	}
	visited[id] = true

	mem, ok := m.graph.GetMemory(id)
	if !ok {
		return nil // already forgotten; propagation target disappearing mid-walk is not an error.
	}

	decayed := decayedLevel(mem.Activation, m.cfg.DecayRate)
	newLevel := memmodel.Clamp01(decayed + strength)

	if err := m.Update(ctx, id, func(mm *memmodel.Memory) {
		mm.Activation.Level = newLevel
		mm.Activation.LastAccess = time.Now()
		mm.Activation.AccessCount++
		mm.LastAccessed = time.Now()
		mm.AccessCount++
	}); err != nil {
		return err
	}

	if strength <= 0.1 || depthLeft <= 0 {
		return nil
	}

	related := m.relatedMemories(id, m.cfg.MaxRelatedMemories)
	childStrength := strength * m.cfg.PropagationStrength
	for _, relID := range related {
		if err := m.activateDepth(ctx, relID, childStrength, depthLeft-1, visited); err != nil {
			m.cfg.Logger.Warn("activation propagation step failed", "memory_id", relID, "err", err)
		}
	}
	return nil
}

// decayedLevel applies the hourly exponential decay to an activation level
// based on how long it has been since the last access: level * decay_rate^(hours/24).
func decayedLevel(a memmodel.Activation, decayRate float32) float32 {
	if a.LastAccess.IsZero() {
		return a.Level
	}
	hours := time.Since(a.LastAccess).Hours()
	factor := math.Pow(float64(decayRate), hours/24)
	return memmodel.Clamp01(float32(float64(a.Level) * factor))
}

// relatedMemories returns up to max memory ids that own the target of an
// outgoing edge from any node of the memory (one graph hop), used as the
// propagation fan-out set. Incoming edges are not followed.
func (m *Manager) relatedMemories(memoryID string, max int) []string {
	mem, ok := m.graph.GetMemory(memoryID)
	if !ok {
		return nil
	}
	seen := map[string]bool{memoryID: true}
	var out []string
	for _, n := range mem.Nodes {
		for _, edge := range m.graph.OutEdges(n.ID) {
			for _, relMemID := range m.graph.MemoriesForNode(edge.TargetID) {
				if seen[relMemID] {
					continue
				}
				seen[relMemID] = true
				out = append(out, relMemID)
				if len(out) >= max {
					return out
				}
			}
		}
	}
	return out
}

// QuickBatchActivate bumps activation for a batch of memories without
// propagation, used by retrieval's fire-and-forget hook when a large result
// set makes per-memory recursive propagation too costly.
func (m *Manager) QuickBatchActivate(ctx context.Context, ids []string, strength float32) {
	for _, id := range ids {
		mem, ok := m.graph.GetMemory(id)
		if !ok {
			continue
		}
		newLevel := memmodel.Clamp01(decayedLevel(mem.Activation, m.cfg.DecayRate) + strength)
		_ = m.Update(ctx, id, func(mm *memmodel.Memory) {
			mm.Activation.Level = newLevel
			mm.Activation.LastAccess = time.Now()
			mm.Activation.AccessCount++
		})
	}
	m.scheduleSave(ctx)
}

// CurrentActivation returns a memory's activation level decayed to now,
// without writing it back.
func (m *Manager) CurrentActivation(id string) (float32, bool) {
	mem, ok := m.graph.GetMemory(id)
	if !ok {
		return 0, false
	}
	return decayedLevel(mem.Activation, m.cfg.DecayRate), true
}

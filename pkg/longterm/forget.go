package longterm

import "context"

// AutoForget sweeps every committed memory, decaying its activation to now,
// and deletes any memory whose decayed activation has fallen below
// ForgettingThreshold AND whose importance is still under
// ForgettingMinImportance — an important memory survives low activation
// (spec §4.8's auto_forget_memories). Orphaned nodes are swept once, after
// the whole batch, rather than after each individual delete.
func (m *Manager) AutoForget(ctx context.Context) ([]string, error) {
	var forgotten []string
	for _, mem := range m.graph.AllMemories() {
		level := decayedLevel(mem.Activation, m.cfg.DecayRate)
		if level >= m.cfg.ForgettingThreshold {
			continue
		}
		if mem.Importance >= m.cfg.ForgettingMinImportance {
			continue
		}
		if err := m.forgetWithoutSweep(ctx, mem.ID); err != nil {
			m.cfg.Logger.Warn("auto-forget delete failed", "memory_id", mem.ID, "err", err)
			continue
		}
		forgotten = append(forgotten, mem.ID)
	}
	if len(forgotten) > 0 {
		m.graph.SweepOrphans()
		m.scheduleSave(ctx)
	}
	return forgotten, nil
}

// forgetWithoutSweep deletes a memory's exclusive vectors and removes it
// from the graph without cascading an orphan sweep, for callers that batch
// many deletes before sweeping once.
func (m *Manager) forgetWithoutSweep(ctx context.Context, id string) error {
	mem, ok := m.graph.GetMemory(id)
	if !ok {
		return nil
	}
	for _, n := range mem.Nodes {
		if n.HasVector && isExclusiveOwner(m.graph, n.ID, id) {
			if err := m.vec.Delete(ctx, n.ID); err != nil {
				return err
			}
		}
	}
	_, _, err := m.graph.RemoveMemory(id, false)
	return err
}

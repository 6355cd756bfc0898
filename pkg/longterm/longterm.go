// Package longterm implements MemoryManager: CRUD on memories, activation +
// propagation, auto-forgetting, consolidation (dedup + auto-link), and the
// periodic maintenance loop. Grounded on the teacher's memory.MemoryManager
// (Retain/Consolidate lifecycle, pkg/memory/memory.go, including its
// `mu sync.RWMutex` guarding shared config) and the hindsight package's
// background-task conventions (pkg/hindsight/hindsight.go).
package longterm

import (
	"context"
	"sync"
	"time"

	"github.com/haloforge/memengine/pkg/graphstore"
	"github.com/haloforge/memengine/pkg/llm"
	"github.com/haloforge/memengine/pkg/memerr"
	"github.com/haloforge/memengine/pkg/memlog"
	"github.com/haloforge/memengine/pkg/memmodel"
	"github.com/haloforge/memengine/pkg/persistence"
	"github.com/haloforge/memengine/pkg/vecindex"
)

// RelationClassifierFunc is the LLM-backed classifier auto-link uses to
// decide whether two candidate memories should be connected, returning one
// of {导致, 引用, 相似, 相反, 关联} with a confidence and a short reasoning
// string (spec §4.8 step 6).
type RelationClassifierFunc func(ctx context.Context, a, b *memmodel.Memory) (relationType string, confidence float32, reasoning string, err error)

// Config tunes a Manager; defaults follow spec §4.8's recommendations.
type Config struct {
	DecayRate           float32
	PropagationStrength float32
	PropagationDepth    int
	MaxRelatedMemories  int

	ForgettingThreshold     float32
	ForgettingMinImportance float32

	ConsolidationTimeWindowHours     float64
	ConsolidationMinImportance       float32
	ConsolidationMaxBatchSize        int
	ConsolidationSimilarityThreshold float32
	ConsolidationImportanceBoost     float32

	AutoLinkMaxCandidates      int
	AutoLinkPreFilterThreshold float32
	AutoLinkMinConfidence      float32

	ConsolidationIntervalHours float64

	Logger memlog.Logger
}

// DefaultConfig returns the spec's recommended defaults.
func DefaultConfig() Config {
	return Config{
		DecayRate: 0.95, PropagationStrength: 0.5, PropagationDepth: 1, MaxRelatedMemories: 5,
		ForgettingThreshold: 0.1, ForgettingMinImportance: 0.8,
		ConsolidationTimeWindowHours: 24, ConsolidationMinImportance: 0.3,
		ConsolidationMaxBatchSize: 10, ConsolidationSimilarityThreshold: 0.9, ConsolidationImportanceBoost: 0.05,
		AutoLinkMaxCandidates: 5, AutoLinkPreFilterThreshold: 0.7, AutoLinkMinConfidence: 0.6,
		ConsolidationIntervalHours: 1,
		Logger: memlog.Nop(),
	}
}

// Manager is the long-term lifecycle manager over a graph store, vector
// index, and persistence layer.
type Manager struct {
	graph   *graphstore.Store
	vec     *vecindex.Index
	persist *persistence.Store
	embed   llm.Embedder
	classify RelationClassifierFunc
	cfg     Config

	mu         sync.Mutex // guards maintenance task lifecycle (single-instance rule)
	cancelTask context.CancelFunc
	taskWG     sync.WaitGroup

	staged   []*memmodel.Memory
	stagedMu sync.Mutex
}

// New constructs a Manager.
func New(graph *graphstore.Store, vec *vecindex.Index, persist *persistence.Store, embed llm.Embedder, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = memlog.Nop()
	}
	return &Manager{graph: graph, vec: vec, persist: persist, embed: embed, cfg: cfg}
}

// SetRelationClassifier injects the auto-link LLM classifier.
func (m *Manager) SetRelationClassifier(fn RelationClassifierFunc) { m.classify = fn }

// Create commits mem to the graph and schedules an async, non-blocking
// graph save.
func (m *Manager) Create(ctx context.Context, mem *memmodel.Memory) error {
	const op = "longterm.Create"
	mem.Status = memmodel.StatusCommitted
	if err := m.graph.AddMemory(mem); err != nil {
		return memerr.Wrap(op, err)
	}
	m.scheduleSave(ctx)
	return nil
}

// Update mutates a memory's metadata/importance via fn and writes
// updated_at.
func (m *Manager) Update(_ context.Context, id string, fn func(*memmodel.Memory)) error {
	const op = "longterm.Update"
	mem, ok := m.graph.GetMemory(id)
	if !ok {
		return memerr.NotFound(op, id)
	}
	fn(mem)
	mem.UpdatedAt = time.Now()
	mem.Importance = memmodel.Clamp01(mem.Importance)
	return memerr.Wrap(op, m.graph.AddMemory(mem))
}

// Delete removes a memory and its exclusively-owned nodes. Vectors for
// exclusively-owned nodes are deleted BEFORE the graph removal, so an
// observer never sees a vector whose node is gone — it may transiently see
// a node whose vector was already dropped, which is the safe direction
// (spec §4.8).
func (m *Manager) Delete(ctx context.Context, id string) error {
	const op = "longterm.Delete"
	mem, ok := m.graph.GetMemory(id)
	if !ok {
		return memerr.NotFound(op, id)
	}

	for _, n := range mem.Nodes {
		if !n.HasVector {
			continue
		}
		if isExclusiveOwner(m.graph, n.ID, id) {
			if err := m.vec.Delete(ctx, n.ID); err != nil {
				return memerr.Wrap(op, err)
			}
		}
	}

	if _, _, err := m.graph.RemoveMemory(id, true); err != nil {
		return memerr.Wrap(op, err)
	}
	m.scheduleSave(ctx)
	return nil
}

func isExclusiveOwner(gs *graphstore.Store, nodeID, memoryID string) bool {
	owners := gs.OwnerMemories(nodeID)
	return len(owners) == 1 && owners[0] == memoryID
}

// ForgetMemory is the public alias for Delete used by the forget_memory API
// surface (spec §6), kept distinct so callers can later special-case manual
// forgets from system auto-forget without changing Delete's contract.
func (m *Manager) ForgetMemory(ctx context.Context, id string, cleanupOrphans bool) error {
	const op = "longterm.ForgetMemory"
	mem, ok := m.graph.GetMemory(id)
	if !ok {
		return nil // idempotent: forgetting an already-forgotten memory is a no-op.
	}
	for _, n := range mem.Nodes {
		if n.HasVector && isExclusiveOwner(m.graph, n.ID, id) {
			if err := m.vec.Delete(ctx, n.ID); err != nil {
				return memerr.Wrap(op, err)
			}
		}
	}
	if _, _, err := m.graph.RemoveMemory(id, cleanupOrphans); err != nil {
		return memerr.Wrap(op, err)
	}
	m.scheduleSave(ctx)
	return nil
}

func (m *Manager) scheduleSave(ctx context.Context) {
	if m.persist == nil {
		return
	}
	go func() {
		if err := m.persist.SaveGraph(ctx, m.graph); err != nil {
			m.cfg.Logger.Error("async graph save failed", "err", err)
		}
	}()
}

// AddStaged appends a not-yet-committed memory to the staged buffer, used
// by the transfer manager while graph operations are still in flight.
func (m *Manager) AddStaged(mem *memmodel.Memory) {
	m.stagedMu.Lock()
	defer m.stagedMu.Unlock()
	m.staged = append(m.staged, mem)
}

// Staged returns a copy of the current staged-memory buffer.
func (m *Manager) Staged() []*memmodel.Memory {
	m.stagedMu.Lock()
	defer m.stagedMu.Unlock()
	out := make([]*memmodel.Memory, len(m.staged))
	copy(out, m.staged)
	return out
}

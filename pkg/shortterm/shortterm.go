// Package shortterm implements the structured short-term memory tier: an
// ordered, capacity-bounded list of LLM-formatted summaries derived from
// perceptual blocks, searchable by semantic similarity and drained into
// long-term storage above an importance threshold. Grounded on the
// teacher's BankConfig/ordered-record conventions
// (pkg/hindsight/bank.go, types.go), generalized to an insertion-ordered
// capacity-bounded list (importance picks the eviction victim) with
// LLM-backed formatting.
package shortterm

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haloforge/memengine/pkg/llm"
	"github.com/haloforge/memengine/pkg/memlog"
	"github.com/haloforge/memengine/pkg/memmodel"
)

// FormatFunc is the LLM-backed block-to-structured-memory formatter (spec
// §4.10's add_from_block). Implementations should produce their best
// extraction of subject/topic/object/memory_type/importance/attributes
// from the block's combined text.
type FormatFunc func(ctx context.Context, block *memmodel.PerceptualBlock) (*memmodel.ShortTermMemory, error)

// Config tunes a Manager; defaults follow spec §4.10.
type Config struct {
	MaxMemories        int
	TransferThreshold  float32
	Logger             memlog.Logger
}

// DefaultConfig returns the spec's recommended defaults.
func DefaultConfig() Config {
	return Config{MaxMemories: 200, TransferThreshold: 0.6, Logger: memlog.Nop()}
}

// Manager holds the live short-term memory list.
type Manager struct {
	embed  llm.Embedder
	format FormatFunc
	cfg    Config

	mu    sync.Mutex
	items []*memmodel.ShortTermMemory
}

// New constructs a Manager.
func New(embed llm.Embedder, format FormatFunc, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = memlog.Nop()
	}
	return &Manager{embed: embed, format: format, cfg: cfg}
}

// LoadMemories replaces the live list, for persistence restore on startup.
func (m *Manager) LoadMemories(items []*memmodel.ShortTermMemory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = items
}

// All returns a snapshot of every short-term memory.
func (m *Manager) All() []*memmodel.ShortTermMemory {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*memmodel.ShortTermMemory, len(m.items))
	copy(out, m.items)
	return out
}

// AddFromBlock formats a recalled/transferred perceptual block into a
// structured short-term memory and appends it, evicting the
// lowest-importance-then-oldest entry on overflow.
func (m *Manager) AddFromBlock(ctx context.Context, block *memmodel.PerceptualBlock) (*memmodel.ShortTermMemory, error) {
	mem, err := m.format(ctx, block)
	if err != nil {
		return nil, fmt.Errorf("shortterm.AddFromBlock: format: %w", err)
	}
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	mem.CreatedAt = time.Now()
	mem.Importance = memmodel.Clamp01(mem.Importance)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, mem)
	if m.cfg.MaxMemories > 0 && len(m.items) > m.cfg.MaxMemories {
		m.evictOneLocked()
	}
	return mem, nil
}

// evictOneLocked drops the lowest-importance item, breaking ties by oldest
// CreatedAt. Caller must hold m.mu.
func (m *Manager) evictOneLocked() {
	if len(m.items) == 0 {
		return
	}
	worst := 0
	for i := 1; i < len(m.items); i++ {
		a, b := m.items[i], m.items[worst]
		if a.Importance < b.Importance || (a.Importance == b.Importance && a.CreatedAt.Before(b.CreatedAt)) {
			worst = i
		}
	}
	m.items = append(m.items[:worst], m.items[worst+1:]...)
}

// SearchMemories ranks stored memories by cosine similarity of their
// content embedding to the query, returning the top_k.
func (m *Manager) SearchMemories(ctx context.Context, query string, topK int) ([]*memmodel.ShortTermMemory, error) {
	qvec, err := m.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("shortterm.SearchMemories: embed: %w", err)
	}

	m.mu.Lock()
	snapshot := append([]*memmodel.ShortTermMemory(nil), m.items...)
	m.mu.Unlock()

	texts := make([]string, len(snapshot))
	for i, it := range snapshot {
		texts[i] = it.Content
	}
	vecs, err := m.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("shortterm.SearchMemories: embed batch: %w", err)
	}

	type scored struct {
		item *memmodel.ShortTermMemory
		sim  float32
	}
	scoredItems := make([]scored, len(snapshot))
	for i, it := range snapshot {
		scoredItems[i] = scored{item: it, sim: cosineSim(qvec, vecs[i])}
	}
	sort.Slice(scoredItems, func(i, j int) bool { return scoredItems[i].sim > scoredItems[j].sim })

	if topK <= 0 || topK > len(scoredItems) {
		topK = len(scoredItems)
	}
	out := make([]*memmodel.ShortTermMemory, topK)
	for i := 0; i < topK; i++ {
		scoredItems[i].item.LastAccessed = time.Now()
		scoredItems[i].item.RecallCount++
		out[i] = scoredItems[i].item
	}
	return out, nil
}

// GetMemoriesForTransfer returns every memory at/above TransferThreshold
// importance.
func (m *Manager) GetMemoriesForTransfer() []*memmodel.ShortTermMemory {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*memmodel.ShortTermMemory
	for _, it := range m.items {
		if it.Importance >= m.cfg.TransferThreshold {
			out = append(out, it)
		}
	}
	return out
}

// ClearTransferredMemories removes the given ids from the live list.
func (m *Manager) ClearTransferredMemories(ids []string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.items[:0:0]
	for _, it := range m.items {
		if !drop[it.ID] {
			kept = append(kept, it)
		}
	}
	m.items = kept
}

// Occupancy returns the live list's fill ratio against MaxMemories, used by
// the unified manager's adaptive auto-transfer interval.
func (m *Manager) Occupancy() float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxMemories <= 0 {
		return 0
	}
	return float32(len(m.items)) / float32(m.cfg.MaxMemories)
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

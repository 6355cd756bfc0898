// Package perceptual implements the perceptual block cache: a per-stream
// ring of pending messages assembled into embedded blocks once a stream
// reaches its block size, plus recall-driven promotion. Grounded in style
// on the teacher's session/message windowing
// (pkg/hindsight/chat.go's recent-history window), generalized to
// multi-stream block assembly, FIFO eviction, and recall-driven promotion —
// the teacher has no direct perceptual-block analogue.
package perceptual

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

// Config tunes a Manager; defaults follow spec §4.9.
type Config struct {
	BlockSize               int
	MaxBlocks               int
	MaxPendingPerStream     int
	PendingTTL              time.Duration
	RecallSimilarityThreshold float32
	ActivationThreshold     int
	Logger                  memlog.Logger
}

// DefaultConfig returns the spec's recommended defaults.
func DefaultConfig() Config {
	return Config{
		BlockSize: 10, MaxBlocks: 50, MaxPendingPerStream: 200,
		PendingTTL: time.Hour, RecallSimilarityThreshold: 0.6, ActivationThreshold: 3,
		Logger: memlog.Nop(),
	}
}

// SaveFunc persists the current block stack asynchronously; injected so the
// package doesn't take a hard dependency on pkg/persistence's concrete type.
type SaveFunc func(ctx context.Context, blocks []*memmodel.PerceptualBlock)

// Manager is the perceptual tier: per-stream pending-message buffers plus a
// shared, capacity-bounded stack of assembled blocks.
type Manager struct {
	embed llm.Embedder
	cfg   Config
	save  SaveFunc

	mu      sync.Mutex
	pending map[string][]memmodel.Message // stream id -> pending messages
	stack   []*memmodel.PerceptualBlock   // position 0 is most recent
}

// New constructs a Manager.
func New(embed llm.Embedder, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = memlog.Nop()
	}
	return &Manager{embed: embed, cfg: cfg, pending: make(map[string][]memmodel.Message)}
}

// SetSaveFunc installs the async-save hook.
func (m *Manager) SetSaveFunc(fn SaveFunc) { m.save = fn }

// LoadBlocks replaces the live stack, for persistence restore on startup.
func (m *Manager) LoadBlocks(blocks []*memmodel.PerceptualBlock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stack = blocks
}

// Blocks returns a snapshot of the current block stack, most recent first.
func (m *Manager) Blocks() []*memmodel.PerceptualBlock {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*memmodel.PerceptualBlock, len(m.stack))
	copy(out, m.stack)
	return out
}

// Ingest appends a message to its stream's pending buffer, enforces
// TTL/capacity, and assembles + embeds a block once the stream reaches
// BlockSize (spec §4.9 steps 1-6).
func (m *Manager) Ingest(ctx context.Context, msg memmodel.Message) error {
	m.mu.Lock()
	m.evictExpiredLocked(msg.StreamID)
	m.pending[msg.StreamID] = append(m.pending[msg.StreamID], msg)
	if len(m.pending[msg.StreamID]) > m.cfg.MaxPendingPerStream {
		overflow := len(m.pending[msg.StreamID]) - m.cfg.MaxPendingPerStream
		m.pending[msg.StreamID] = m.pending[msg.StreamID][overflow:]
	}

	ready := len(m.pending[msg.StreamID]) >= m.cfg.BlockSize
	var batch []memmodel.Message
	if ready {
		batch = append(batch, m.pending[msg.StreamID][:m.cfg.BlockSize]...)
		remaining := m.pending[msg.StreamID][m.cfg.BlockSize:]
		m.pending[msg.StreamID] = append([]memmodel.Message(nil), remaining...)
	}
	m.mu.Unlock()

	if !ready {
		return nil
	}
	return m.assembleBlock(ctx, msg.StreamID, batch)
}

func (m *Manager) evictExpiredLocked(streamID string) {
	if m.cfg.PendingTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.cfg.PendingTTL)
	msgs := m.pending[streamID]
	kept := msgs[:0:0]
	for _, msg := range msgs {
		if msg.Timestamp.After(cutoff) {
			kept = append(kept, msg)
		}
	}
	m.pending[streamID] = kept
}

func (m *Manager) assembleBlock(ctx context.Context, streamID string, msgs []memmodel.Message) error {
	combined := combineText(msgs)
	vec, err := m.embed.Embed(ctx, combined)
	if err != nil {
		return fmt.Errorf("perceptual.assembleBlock: embed: %w", err)
	}

	block := &memmodel.PerceptualBlock{
		ID: uuid.NewString(), Messages: msgs, CombinedText: combined,
		Embedding: vec, StreamID: streamID,
	}

	m.mu.Lock()
	m.stack = append([]*memmodel.PerceptualBlock{block}, m.stack...)
	renumber(m.stack)
	if m.cfg.MaxBlocks > 0 && len(m.stack) > m.cfg.MaxBlocks {
		m.stack = m.stack[:m.cfg.MaxBlocks]
	}
	snapshot := append([]*memmodel.PerceptualBlock(nil), m.stack...)
	m.mu.Unlock()

	m.scheduleSave(ctx, snapshot)
	return nil
}

func combineText(msgs []memmodel.Message) string {
	out := ""
	for i, msg := range msgs {
		if i > 0 {
			out += "\n"
		}
		out += fmt.Sprintf("[%s] %s: %s", msg.Timestamp.Format("15:04"), msg.SenderName, msg.Content)
	}
	return out
}

func renumber(stack []*memmodel.PerceptualBlock) {
	for i, b := range stack {
		b.PositionInStack = i
	}
}

// Recall computes the query embedding, batch-cosine-compares it against
// every block with an embedding, keeps matches at/above
// RecallSimilarityThreshold, promotes the recalled blocks to the stack
// top (preserving their relative order), and flags blocks that cross
// ActivationThreshold recall_count for transfer (spec §4.9 recall).
func (m *Manager) Recall(ctx context.Context, query string, topK int) ([]*memmodel.PerceptualBlock, error) {
	vec, err := m.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("perceptual.Recall: embed: %w", err)
	}

	m.mu.Lock()
	type scored struct {
		block *memmodel.PerceptualBlock
		sim   float32
	}
	var hits []scored
	for _, b := range m.stack {
		if len(b.Embedding) == 0 {
			continue
		}
		sim := cosineSim(vec, b.Embedding)
		if sim >= m.cfg.RecallSimilarityThreshold {
			hits = append(hits, scored{block: b, sim: sim})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].sim > hits[j].sim })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}

	recalledIDs := make(map[string]bool, len(hits))
	out := make([]*memmodel.PerceptualBlock, 0, len(hits))
	for _, h := range hits {
		h.block.RecallCount++
		if h.block.RecallCount >= m.cfg.ActivationThreshold {
			if h.block.Metadata == nil {
				h.block.Metadata = make(map[string]any)
			}
			h.block.NeedsTransfer = true
		}
		recalledIDs[h.block.ID] = true
		out = append(out, h.block)
	}

	if len(recalledIDs) > 0 {
		m.promoteLocked(recalledIDs)
	}
	snapshot := append([]*memmodel.PerceptualBlock(nil), m.stack...)
	m.mu.Unlock()

	m.scheduleSave(ctx, snapshot)
	return out, nil
}

// promoteLocked moves every recalled block to the top of the stack while
// preserving the relative order both of the promoted blocks and of the
// blocks left behind. Caller must hold m.mu.
func (m *Manager) promoteLocked(recalledIDs map[string]bool) {
	var promoted, rest []*memmodel.PerceptualBlock
	for _, b := range m.stack {
		if recalledIDs[b.ID] {
			promoted = append(promoted, b)
		} else {
			rest = append(rest, b)
		}
	}
	m.stack = append(promoted, rest...)
	renumber(m.stack)
}

// ClearTransferFlag resets a block's needs_transfer flag once the unified
// manager has successfully handed it off to the short-term tier.
func (m *Manager) ClearTransferFlag(blockID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.stack {
		if b.ID == blockID {
			b.NeedsTransfer = false
			return
		}
	}
}

func (m *Manager) scheduleSave(ctx context.Context, snapshot []*memmodel.PerceptualBlock) {
	if m.save == nil {
		return
	}
	go m.save(ctx, snapshot)
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

// Package unified implements the top-level coordinator: message ingest,
// tiered recall across the perceptual and short-term stores with optional
// LLM-judge escalation to long-term search, and the background
// auto-transfer loop that drains short-term memories into long-term
// storage. Grounded on the teacher's top-level orchestration shape
// (pkg/hindsight/hindsight.go's MemoryContext aggregation) and its
// background-loop cancellation conventions.
package unified

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haloforge/memengine/pkg/memlog"
	"github.com/haloforge/memengine/pkg/memmodel"
	"github.com/haloforge/memengine/pkg/perceptual"
	"github.com/haloforge/memengine/pkg/retrieval"
	"github.com/haloforge/memengine/pkg/shortterm"
	"github.com/haloforge/memengine/pkg/transfer"
)

// JudgeDecision is the LLM judge's verdict on whether perceptual + short-term
// recall already answers the query (spec §4.12 step 3).
type JudgeDecision struct {
	IsSufficient      bool
	Confidence        float32
	Reasoning         string
	AdditionalQueries []string
	MissingAspects    []string
}

// BankConfig is an optional mission/directives block threaded into the
// judge prompt — prompt *input* shaping, not response rendering, so it
// stays in scope under the spec's non-goals. Grounded on
// pkg/hindsight/bank.go's BankConfig.
type BankConfig struct {
	Mission    string
	Directives []string
}

// JudgeFunc asks an LLM whether the perceptual/short-term recall already
// answers the query.
type JudgeFunc func(ctx context.Context, query string, blocks []*memmodel.PerceptualBlock, shortTerm []*memmodel.ShortTermMemory, history []memmodel.Message, bank BankConfig) (JudgeDecision, error)

// Config tunes a Manager; defaults follow spec §4.12.
type Config struct {
	PerceptualTopK           int
	ShortTermTopK            int
	AutoTransferBaseInterval time.Duration // ceiling interval (spec: "≤5min")
	TransferBatchSize        int
	MaxTransferDelay         time.Duration
	Logger                   memlog.Logger
}

// DefaultConfig returns the spec's recommended defaults.
func DefaultConfig() Config {
	return Config{
		PerceptualTopK: 5, ShortTermTopK: 5,
		AutoTransferBaseInterval: 5 * time.Minute,
		TransferBatchSize:        10,
		MaxTransferDelay:         10 * time.Minute,
		Logger:                   memlog.Nop(),
	}
}

// Result is search_memories's combined return value (spec §4.12 step 5).
type Result struct {
	PerceptualBlocks  []*memmodel.PerceptualBlock
	ShortTermMemories []*memmodel.ShortTermMemory
	LongTermMemories  []retrieval.ScoredMemory
	JudgeDecision     *JudgeDecision
}

// Manager is the unified coordinator over all three memory tiers.
type Manager struct {
	perceptual *perceptual.Manager
	shortterm  *shortterm.Manager
	retrieval  *retrieval.Tools
	transfer   *transfer.Manager
	judge      JudgeFunc
	bank       BankConfig
	cfg        Config

	mu         sync.Mutex // guards the auto-transfer loop lifecycle
	cancelTask context.CancelFunc
	taskWG     sync.WaitGroup
	wakeup     chan struct{}
	lastFlush  time.Time
}

// New constructs a Manager wiring the three tiers plus the transfer layer.
func New(p *perceptual.Manager, s *shortterm.Manager, r *retrieval.Tools, x *transfer.Manager, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = memlog.Nop()
	}
	return &Manager{
		perceptual: p, shortterm: s, retrieval: r, transfer: x, cfg: cfg,
		wakeup: make(chan struct{}, 1),
	}
}

// SetJudgeFunc injects the LLM judge hook.
func (m *Manager) SetJudgeFunc(fn JudgeFunc) { m.judge = fn }

// SetBankConfig installs the optional persona/mission block threaded into
// judge prompts.
func (m *Manager) SetBankConfig(bank BankConfig) { m.bank = bank }

// AddMessage routes an incoming chat message to the perceptual tier.
func (m *Manager) AddMessage(ctx context.Context, msg memmodel.Message) error {
	return m.perceptual.Ingest(ctx, msg)
}

// SearchMemories implements spec §4.12's search_memories: concurrent
// perceptual + short-term recall, fire-and-forget background transfer of
// flagged blocks, optional judge escalation, and a manual multi-query
// long-term fallback when the judge (or its absence) finds the tiered
// recall insufficient.
func (m *Manager) SearchMemories(ctx context.Context, query string, useJudge bool, history []memmodel.Message) (*Result, error) {
	var blocks []*memmodel.PerceptualBlock
	var shortMems []*memmodel.ShortTermMemory

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		blocks, err = m.perceptual.Recall(gctx, query, m.cfg.PerceptualTopK)
		return err
	})
	g.Go(func() error {
		var err error
		shortMems, err = m.shortterm.SearchMemories(gctx, query, m.cfg.ShortTermTopK)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m.scheduleBlockTransfers(ctx, blocks)

	result := &Result{PerceptualBlocks: blocks, ShortTermMemories: shortMems}
	if !useJudge {
		return result, nil
	}

	decision := m.runJudge(ctx, query, blocks, shortMems, history)
	result.JudgeDecision = &decision
	if decision.IsSufficient {
		return result, nil
	}

	longTerm, err := m.manualMultiQuerySearch(ctx, query, decision.AdditionalQueries)
	if err != nil {
		return nil, err
	}
	result.LongTermMemories = longTerm
	return result, nil
}

// scheduleBlockTransfers fires a background goroutine per block flagged
// needs_transfer, formatting it into a short-term memory without blocking
// the caller (spec §4.12 step 2).
func (m *Manager) scheduleBlockTransfers(ctx context.Context, blocks []*memmodel.PerceptualBlock) {
	for _, b := range blocks {
		if !b.NeedsTransfer {
			continue
		}
		block := b
		go func() {
			if _, err := m.shortterm.AddFromBlock(ctx, block); err != nil {
				m.cfg.Logger.Warn("background block transfer failed", "block_id", block.ID, "err", err)
				return
			}
			m.perceptual.ClearTransferFlag(block.ID)
		}()
	}
}

func (m *Manager) runJudge(ctx context.Context, query string, blocks []*memmodel.PerceptualBlock, shortMems []*memmodel.ShortTermMemory, history []memmodel.Message) JudgeDecision {
	if m.judge == nil {
		return JudgeDecision{IsSufficient: false, AdditionalQueries: []string{query}}
	}
	decision, err := m.judge(ctx, query, blocks, shortMems, history, m.bank)
	if err != nil {
		m.cfg.Logger.Warn("judge call failed, defaulting to insufficient", "err", err)
		return JudgeDecision{IsSufficient: false, AdditionalQueries: []string{query}}
	}
	return decision
}

// manualMultiQuerySearch builds the (text, weight) list with geometric
// decay max(0.3, 1 − 0.15·i) and invokes long-term search with it as a
// manual fusion list (spec §4.12 step 4).
func (m *Manager) manualMultiQuerySearch(ctx context.Context, query string, additional []string) ([]retrieval.ScoredMemory, error) {
	all := append([]string{query}, additional...)
	queries := make([]retrieval.WeightedQuery, len(all))
	for i, q := range all {
		weight := float32(1 - 0.15*float64(i))
		if weight < 0.3 {
			weight = 0.3
		}
		queries[i] = retrieval.WeightedQuery{Text: q, Weight: weight}
	}
	return m.retrieval.SearchMemoriesWithQueries(ctx, query, queries, nil)
}

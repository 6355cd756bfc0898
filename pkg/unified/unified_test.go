package unified

import (
	"context"
	"testing"
	"time"

	"github.com/haloforge/memengine/pkg/builder"
	"github.com/haloforge/memengine/pkg/graphstore"
	"github.com/haloforge/memengine/pkg/llm"
	"github.com/haloforge/memengine/pkg/memmodel"
	"github.com/haloforge/memengine/pkg/perceptual"
	"github.com/haloforge/memengine/pkg/retrieval"
	"github.com/haloforge/memengine/pkg/shortterm"
	"github.com/haloforge/memengine/pkg/transfer"
	"github.com/haloforge/memengine/pkg/vecindex"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	gs := graphstore.New(nil)
	ix, err := vecindex.Open(context.Background(), vecindex.DefaultConfig())
	if err != nil {
		t.Fatalf("vecindex.Open: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	embed := llm.NewHashEmbedder(16)
	b := builder.New(embed, gs, ix, builder.DefaultConfig())

	pCfg := perceptual.DefaultConfig()
	pCfg.BlockSize = 2
	pMgr := perceptual.New(embed, pCfg)

	format := func(_ context.Context, block *memmodel.PerceptualBlock) (*memmodel.ShortTermMemory, error) {
		return &memmodel.ShortTermMemory{Content: block.CombinedText, Subject: "s", Topic: "t", Type: memmodel.MemoryFact, Importance: 0.9}, nil
	}
	sMgr := shortterm.New(embed, format, shortterm.DefaultConfig())

	rCfg := retrieval.DefaultConfig()
	rCfg.ExpandDepth = 0
	rTools := retrieval.New(embed, ix, gs, rCfg)

	plan := func(_ context.Context, item *memmodel.ShortTermMemory, _ []*memmodel.Memory) ([]llm.GraphOperation, error) {
		return []llm.GraphOperation{{Op: transfer.OpCreateMemory, Args: map[string]any{
			"subject": item.Subject, "memory_type": "FACT", "topic": item.Topic,
		}}}, nil
	}
	xfer := transfer.New(gs, ix, embed, nil, b, plan, transfer.DefaultConfig())

	cfg := DefaultConfig()
	return New(pMgr, sMgr, rTools, xfer, cfg)
}

func TestSearchMemoriesWithoutJudgeSkipsLongTerm(t *testing.T) {
	m := newTestManager(t)
	result, err := m.SearchMemories(context.Background(), "hello", false, nil)
	if err != nil {
		t.Fatalf("SearchMemories: %v", err)
	}
	if result.JudgeDecision != nil {
		t.Fatalf("expected no judge decision when useJudge=false, got %+v", result.JudgeDecision)
	}
	if result.LongTermMemories != nil {
		t.Fatalf("expected no long-term search when useJudge=false, got %v", result.LongTermMemories)
	}
}

func TestSearchMemoriesJudgeFallbackOnFailure(t *testing.T) {
	m := newTestManager(t)
	result, err := m.SearchMemories(context.Background(), "hello world", true, nil)
	if err != nil {
		t.Fatalf("SearchMemories: %v", err)
	}
	if result.JudgeDecision == nil || result.JudgeDecision.IsSufficient {
		t.Fatalf("expected default-insufficient judge decision with nil judge func, got %+v", result.JudgeDecision)
	}
	if len(result.JudgeDecision.AdditionalQueries) != 1 || result.JudgeDecision.AdditionalQueries[0] != "hello world" {
		t.Fatalf("expected additional_queries=[query], got %v", result.JudgeDecision.AdditionalQueries)
	}
}

func TestSearchMemoriesJudgeSufficientSkipsLongTerm(t *testing.T) {
	m := newTestManager(t)
	m.SetJudgeFunc(func(_ context.Context, _ string, _ []*memmodel.PerceptualBlock, _ []*memmodel.ShortTermMemory, _ []memmodel.Message, _ BankConfig) (JudgeDecision, error) {
		return JudgeDecision{IsSufficient: true, Confidence: 0.9}, nil
	})
	result, err := m.SearchMemories(context.Background(), "hello", true, nil)
	if err != nil {
		t.Fatalf("SearchMemories: %v", err)
	}
	if result.LongTermMemories != nil {
		t.Fatalf("expected no long-term search when judge is sufficient, got %v", result.LongTermMemories)
	}
}

func TestAutoTransferFlushesOnBatchSize(t *testing.T) {
	m := newTestManager(t)
	m.cfg.TransferBatchSize = 1
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.shortterm.AddFromBlock(ctx, &memmodel.PerceptualBlock{CombinedText: "x"}); err != nil {
			t.Fatalf("AddFromBlock: %v", err)
		}
	}
	if len(m.shortterm.GetMemoriesForTransfer()) == 0 {
		t.Fatal("expected memories ready for transfer")
	}

	m.StartAutoTransfer(ctx)
	m.WakeUp()
	time.Sleep(50 * time.Millisecond)
	m.StopAutoTransfer()

	if len(m.shortterm.GetMemoriesForTransfer()) != 0 {
		t.Fatalf("expected auto-transfer to flush ready memories, got %v", m.shortterm.GetMemoriesForTransfer())
	}
}

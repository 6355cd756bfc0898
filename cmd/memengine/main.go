// Command memengine is the cobra-based CLI front end over the three-tier
// memory engine, grounded on the teacher's cmd/sqvect command-tree
// structure (pkg-per-verb RunE functions, persistent global flags) adapted
// from a flat vector store to the layered perceptual/short-term/long-term
// stack.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/haloforge/memengine/pkg/builder"
	"github.com/haloforge/memengine/pkg/graphstore"
	"github.com/haloforge/memengine/pkg/llm"
	"github.com/haloforge/memengine/pkg/longterm"
	"github.com/haloforge/memengine/pkg/memlog"
	"github.com/haloforge/memengine/pkg/memmodel"
	"github.com/haloforge/memengine/pkg/perceptual"
	"github.com/haloforge/memengine/pkg/persistence"
	"github.com/haloforge/memengine/pkg/retrieval"
	"github.com/haloforge/memengine/pkg/shortterm"
	"github.com/haloforge/memengine/pkg/transfer"
	"github.com/haloforge/memengine/pkg/unified"
	"github.com/haloforge/memengine/pkg/vecindex"
)

var (
	dataDir    string
	dimensions int
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "memengine",
	Short: "CLI for the three-tier conversational memory engine",
	Long:  `A command-line interface for ingesting chat messages, searching tiered memory, and running maintenance over a memengine data directory.`,
}

// engine bundles every live component a command needs, wired the same way
// a long-running process would wire them at startup.
type engine struct {
	persist    *persistence.Store
	graph      *graphstore.Store
	vec        *vecindex.Index
	embed      llm.Embedder
	perceptual *perceptual.Manager
	shortterm  *shortterm.Manager
	longterm   *longterm.Manager
	retrieval  *retrieval.Tools
	transfer   *transfer.Manager
	unified    *unified.Manager
}

// heuristicFormat is the no-LLM-configured default short-term formatter:
// it treats a block's combined text as the memory content directly rather
// than asking a language model to restructure it. Swap in a real
// llm.TextCompleter-backed FormatFunc once one is configured.
func heuristicFormat(_ context.Context, block *memmodel.PerceptualBlock) (*memmodel.ShortTermMemory, error) {
	subject := "unknown"
	if len(block.Messages) > 0 {
		subject = block.Messages[0].SenderName
	}
	return &memmodel.ShortTermMemory{
		Content: block.CombinedText, Subject: subject, Topic: "conversation",
		Type: memmodel.MemoryEvent, Importance: 0.5,
	}, nil
}

// heuristicPlan is the no-LLM-configured default transfer planner: it
// promotes a short-term memory to long-term storage as a single
// CREATE_MEMORY operation without attempting merges against similar
// memories. Swap in a real llm.TextCompleter-backed PlanFunc for
// production use.
func heuristicPlan(_ context.Context, item *memmodel.ShortTermMemory, _ []*memmodel.Memory) ([]llm.GraphOperation, error) {
	return []llm.GraphOperation{{
		Op: transfer.OpCreateMemory,
		Args: map[string]any{
			"subject": item.Subject, "memory_type": string(item.Type),
			"topic": item.Topic, "object": item.Object,
			"attributes": item.Attributes, "importance": item.Importance,
		},
	}}, nil
}

func openEngine(ctx context.Context) (*engine, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory not specified")
	}
	logger := memlog.NewStd(memlog.LevelInfo)
	if !verbose {
		logger = memlog.Nop()
	}

	persist, err := persistence.New(persistence.DefaultConfig(dataDir))
	if err != nil {
		return nil, fmt.Errorf("open persistence store: %w", err)
	}

	graph := graphstore.New(logger)
	if err := persist.LoadGraph(ctx, graph); err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}

	vecCfg := vecindex.DefaultConfig()
	vecCfg.Path = persist.Path("vectors.db")
	vecCfg.Logger = logger
	vec, err := vecindex.Open(ctx, vecCfg)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}

	embed := llm.NewHashEmbedder(dimensions)
	b := builder.New(embed, graph, vec, builder.DefaultConfig())

	pCfg := perceptual.DefaultConfig()
	pCfg.Logger = logger
	pMgr := perceptual.New(embed, pCfg)

	sCfg := shortterm.DefaultConfig()
	sCfg.Logger = logger
	sMgr := shortterm.New(embed, heuristicFormat, sCfg)

	ltCfg := longterm.DefaultConfig()
	ltCfg.Logger = logger
	ltMgr := longterm.New(graph, vec, persist, embed, ltCfg)

	rCfg := retrieval.DefaultConfig()
	rCfg.Logger = logger
	rTools := retrieval.New(embed, vec, graph, rCfg)
	rTools.SetActivateFunc(func(ctx context.Context, memoryID string, strength float32) {
		if err := ltMgr.Activate(ctx, memoryID, strength); err != nil {
			logger.Warn("activation failed", "memory_id", memoryID, "err", err)
		}
	})
	rTools.SetQuickActivateFunc(func(ctx context.Context, ids []string, strength float32) {
		ltMgr.QuickBatchActivate(ctx, ids, strength)
	})

	xCfg := transfer.DefaultConfig()
	xCfg.Logger = logger
	xMgr := transfer.New(graph, vec, embed, persist, b, heuristicPlan, xCfg)

	uCfg := unified.DefaultConfig()
	uCfg.Logger = logger
	uMgr := unified.New(pMgr, sMgr, rTools, xMgr, uCfg)

	return &engine{
		persist: persist, graph: graph, vec: vec, embed: embed,
		perceptual: pMgr, shortterm: sMgr, longterm: ltMgr,
		retrieval: rTools, transfer: xMgr, unified: uMgr,
	}, nil
}

func (e *engine) close() {
	e.vec.Close()
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <stream-id> <sender> <content>",
	Short: "Feed one chat message into the perceptual tier",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		msg := memmodel.Message{
			StreamID: args[0], SenderName: args[1], SenderID: args[1],
			Content: args[2], Timestamp: time.Now(),
		}
		if err := e.unified.AddMessage(ctx, msg); err != nil {
			return fmt.Errorf("ingest message: %w", err)
		}
		if err := e.persist.SaveGraph(ctx, e.graph); err != nil {
			return fmt.Errorf("save graph: %w", err)
		}
		fmt.Println("message ingested")
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run tiered recall (perceptual + short-term, optional long-term escalation)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		useJudge, _ := cmd.Flags().GetBool("escalate")
		outputJSON, _ := cmd.Flags().GetBool("json")

		result, err := e.unified.SearchMemories(ctx, args[0], useJudge, nil)
		if err != nil {
			return fmt.Errorf("search memories: %w", err)
		}

		if outputJSON {
			data, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("perceptual blocks: %d\n", len(result.PerceptualBlocks))
		fmt.Printf("short-term memories: %d\n", len(result.ShortTermMemories))
		for _, m := range result.ShortTermMemories {
			fmt.Printf("  - [%s] %s %s %s (importance %.2f)\n", m.Type, m.Subject, m.Topic, m.Object, m.Importance)
		}
		if result.JudgeDecision != nil {
			fmt.Printf("judge: sufficient=%v confidence=%.2f\n", result.JudgeDecision.IsSufficient, result.JudgeDecision.Confidence)
		}
		fmt.Printf("long-term memories: %d\n", len(result.LongTermMemories))
		for _, sm := range result.LongTermMemories {
			fmt.Printf("  - %s (score %.3f)\n", sm.Memory.ID, sm.Score)
		}
		return nil
	},
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run one consolidation + auto-forget pass over long-term memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		if err := e.longterm.Consolidate(ctx); err != nil {
			return fmt.Errorf("consolidate: %w", err)
		}
		forgotten, err := e.longterm.AutoForget(ctx)
		if err != nil {
			return fmt.Errorf("auto-forget: %w", err)
		}
		if err := e.persist.SaveGraph(ctx, e.graph); err != nil {
			return fmt.Errorf("save graph: %w", err)
		}
		fmt.Printf("consolidation complete, forgot %d memories\n", len(forgotten))
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Dump the long-term graph as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		doc := e.graph.ToDoc()
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal graph: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display graph and memory-tier statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		fmt.Println("Graph Statistics:")
		fmt.Printf("  Memories: %d\n", e.graph.MemoryCount())
		fmt.Printf("  Nodes: %d\n", e.graph.NodeCount())
		fmt.Printf("  Edges: %d\n", e.graph.EdgeCount())
		fmt.Printf("  Perceptual blocks: %d\n", len(e.perceptual.Blocks()))
		fmt.Printf("  Short-term memories: %d (occupancy %.0f%%)\n", len(e.shortterm.All()), e.shortterm.Occupancy()*100)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data", "d", "./memengine-data", "Data directory for graph/vector/snapshot files")
	rootCmd.PersistentFlags().IntVarP(&dimensions, "dimensions", "n", 64, "Embedding dimensions for the hash embedder")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	searchCmd.Flags().Bool("escalate", false, "Escalate to the LLM judge and long-term fallback search when tiered recall looks insufficient")
	searchCmd.Flags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(ingestCmd, searchCmd, maintainCmd, exportCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}

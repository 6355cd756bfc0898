package builder

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/haloforge/memengine/pkg/graphstore"
	"github.com/haloforge/memengine/pkg/llm"
	"github.com/haloforge/memengine/pkg/memlog"
	"github.com/haloforge/memengine/pkg/memmodel"
	"github.com/haloforge/memengine/pkg/vecindex"
)

// SemanticReuseThreshold is the minimum cosine similarity at which an
// existing TOPIC/OBJECT/VALUE node is reused instead of creating a new
// one (spec §4.5 recommends 0.95).
const SemanticReuseThreshold = 0.95

// InitialActivation is the activation level newly-built memories start at.
const InitialActivation = 0.75

// Config configures a Builder.
type Config struct {
	SemanticReuseThreshold float32
	Logger                 memlog.Logger
}

// DefaultConfig returns the spec's recommended defaults.
func DefaultConfig() Config {
	return Config{SemanticReuseThreshold: SemanticReuseThreshold, Logger: memlog.Nop()}
}

// Builder constructs canonical Memory subgraphs from validated parameters.
type Builder struct {
	embed llm.Embedder
	graph *graphstore.Store
	vec   *vecindex.Index
	cfg   Config
}

// New constructs a Builder.
func New(embed llm.Embedder, graph *graphstore.Store, vec *vecindex.Index, cfg Config) *Builder {
	if cfg.Logger == nil {
		cfg.Logger = memlog.Nop()
	}
	if cfg.SemanticReuseThreshold == 0 {
		cfg.SemanticReuseThreshold = SemanticReuseThreshold
	}
	return &Builder{embed: embed, graph: graph, vec: vec, cfg: cfg}
}

// Build assembles the canonical subgraph for params: SUBJECT —memory_type→
// TOPIC; optionally TOPIC —core_relation→ OBJECT; attributes hang off TOPIC
// as TOPIC —attribute→ ATTRIBUTE —attribute→ VALUE. Embedding failures do
// not abort construction (the node is created with no embedding); only IO
// errors from the vector index bubble up.
func (b *Builder) Build(ctx context.Context, params *ExtractedParams) (*memmodel.Memory, error) {
	var nodes []*memmodel.Node
	var edges []*memmodel.Edge

	subject, err := b.reuseOrCreateSubject(ctx, params.Subject)
	if err != nil {
		return nil, err
	}
	nodes = append(nodes, subject)

	topic, err := b.reuseOrCreateSemantic(ctx, memmodel.NodeTopic, params.Topic)
	if err != nil {
		return nil, err
	}
	nodes = append(nodes, topic)
	edges = append(edges, newEdge(subject.ID, topic.ID, string(params.MemoryType), memmodel.EdgeMemoryType, 1.0))

	if params.Object != "" {
		object, err := b.reuseOrCreateSemantic(ctx, memmodel.NodeObject, params.Object)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, object)
		edges = append(edges, newEdge(topic.ID, object.ID, "core_relation", memmodel.EdgeCoreRelation, 0.9))
	}

	for key, val := range params.Attributes {
		attr, err := b.reuseOrCreateSemantic(ctx, memmodel.NodeAttribute, key)
		if err != nil {
			return nil, err
		}
		value, err := b.reuseOrCreateSemantic(ctx, memmodel.NodeValue, val)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, attr, value)
		edges = append(edges, newEdge(topic.ID, attr.ID, "attribute", memmodel.EdgeAttribute, 0.7))
		edges = append(edges, newEdge(attr.ID, value.ID, "attribute", memmodel.EdgeAttribute, 0.7))
	}

	now := time.Now()
	mem := &memmodel.Memory{
		ID:        uuid.NewString(),
		SubjectID: subject.ID,
		Type:      params.MemoryType,
		Nodes:     dedupNodes(nodes),
		Edges:     edges,
		Importance: params.Importance,
		Activation: memmodel.Activation{Level: InitialActivation, LastAccess: now, CreatedAt: now},
		CreatedAt: now, UpdatedAt: now, LastAccessed: now,
		Status:   memmodel.StatusStaged,
		Metadata: map[string]any{},
	}
	return mem, nil
}

// reuseOrCreateSubject implements create_or_reuse_node(SUBJECT): an exact
// content match against existing SUBJECT nodes in the graph, reusing on
// hit.
func (b *Builder) reuseOrCreateSubject(ctx context.Context, content string) (*memmodel.Node, error) {
	for _, n := range b.graph.NodesByType(memmodel.NodeSubject) {
		if n.Content == content {
			return n, nil
		}
	}
	return b.createNode(ctx, memmodel.NodeSubject, content, len([]rune(content)) >= 2)
}

// reuseOrCreateSemantic implements create_topic_node / create_object_node /
// attribute-node construction. ATTRIBUTE (key) nodes are reused by exact
// content match and never embedded; TOPIC, OBJECT and VALUE nodes are
// embedded, reusing an existing node of the same type whose embedding
// cosine similarity is >= the configured threshold.
func (b *Builder) reuseOrCreateSemantic(ctx context.Context, nodeType memmodel.NodeType, content string) (*memmodel.Node, error) {
	if nodeType == memmodel.NodeAttribute {
		// Attribute keys are shared by exact content match per spec §4.5
		// ("attribute nodes are shared by content match"); they are never
		// embedded. VALUE nodes take the semantic path below.
		for _, n := range b.graph.NodesByType(nodeType) {
			if n.Content == content {
				return n, nil
			}
		}
		return b.createNode(ctx, nodeType, content, false)
	}

	vec, embedErr := b.embed.Embed(ctx, content)
	if embedErr == nil && len(vec) > 0 {
		matches, err := b.vec.Search(ctx, vec, 1, string(nodeType), b.cfg.SemanticReuseThreshold)
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 {
			if n, ok := b.graph.GetNode(matches[0].ID); ok {
				return n, nil
			}
		}
	}
	return b.createNodeWithVector(ctx, nodeType, content, vec)
}

func (b *Builder) createNode(ctx context.Context, nodeType memmodel.NodeType, content string, embed bool) (*memmodel.Node, error) {
	var vec []float32
	if embed {
		if v, err := b.embed.Embed(ctx, content); err == nil {
			vec = v
		}
	}
	return b.createNodeWithVector(ctx, nodeType, content, vec)
}

func (b *Builder) createNodeWithVector(ctx context.Context, nodeType memmodel.NodeType, content string, vec []float32) (*memmodel.Node, error) {
	n := &memmodel.Node{
		ID: uuid.NewString(), Content: content, Type: nodeType,
		CreatedAt: time.Now(), Metadata: map[string]any{},
	}
	if len(vec) > 0 {
		n.Embedding = vec
		n.HasVector = true
		if err := b.vec.Add(ctx, vecindex.Item{ID: n.ID, Embedding: vec, NodeType: string(nodeType), Document: content}); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func newEdge(sourceID, targetID, relation string, edgeType memmodel.EdgeType, importance float32) *memmodel.Edge {
	return &memmodel.Edge{
		ID: uuid.NewString(), SourceID: sourceID, TargetID: targetID,
		Relation: relation, Type: edgeType, Importance: memmodel.Clamp01(importance),
	}
}

func dedupNodes(nodes []*memmodel.Node) []*memmodel.Node {
	seen := make(map[string]bool, len(nodes))
	out := make([]*memmodel.Node, 0, len(nodes))
	for _, n := range nodes {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		out = append(out, n)
	}
	return out
}

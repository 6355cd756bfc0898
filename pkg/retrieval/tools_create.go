package retrieval

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/haloforge/memengine/pkg/builder"
	"github.com/haloforge/memengine/pkg/memerr"
	"github.com/haloforge/memengine/pkg/memmodel"
)

// CreateMemory validates params via b, builds the canonical subgraph, and
// commits it to the graph store. The returned memory's Status is COMMITTED.
func (t *Tools) CreateMemory(ctx context.Context, b *builder.Builder, in builder.ExtractInput) (*memmodel.Memory, error) {
	const op = "retrieval.CreateMemory"
	x := builder.NewExtractor()
	params, err := x.Extract(in)
	if err != nil {
		return nil, memerr.Wrap(op, err)
	}
	mem, err := b.Build(ctx, params)
	if err != nil {
		return nil, memerr.Wrap(op, err)
	}
	mem.Status = memmodel.StatusCommitted
	if err := t.graph.AddMemory(mem); err != nil {
		return nil, memerr.Wrap(op, err)
	}
	return mem, nil
}

// LinkMemories creates a RELATION edge between the subject nodes of two
// memories already present in the graph.
func (t *Tools) LinkMemories(_ context.Context, fromMemoryID, toMemoryID, relation string, importance float32) error {
	const op = "retrieval.LinkMemories"
	from, ok := t.graph.GetMemory(fromMemoryID)
	if !ok {
		return memerr.NotFound(op, fromMemoryID)
	}
	to, ok := t.graph.GetMemory(toMemoryID)
	if !ok {
		return memerr.NotFound(op, toMemoryID)
	}
	edge := &memmodel.Edge{
		ID: uuid.NewString(), SourceID: from.SubjectID, TargetID: to.SubjectID,
		Relation: relation, Type: memmodel.EdgeRelation, Importance: memmodel.Clamp01(importance),
		Metadata: map[string]any{"linked_at": time.Now()},
	}
	return t.graph.AddEdge(edge)
}

// Package vecindex implements a persistent (node_id, embedding, metadata)
// collection supporting k-NN and multi-query fused k-NN search, backed by
// modernc.org/sqlite (the teacher's own pure-Go storage engine,
// pkg/core/store.go) for durability, with an in-process flat-scan search
// path mirroring the teacher's pkg/index family.
package vecindex

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/haloforge/memengine/pkg/memerr"
	"github.com/haloforge/memengine/pkg/memlog"
)

// FusionStrategy selects how SearchMulti combines per-query result lists.
type FusionStrategy string

const (
	FusionWeightedMax FusionStrategy = "weighted_max"
	FusionWeightedSum FusionStrategy = "weighted_sum"
	FusionRRF         FusionStrategy = "rrf"
)

const rrfK = 60

// Item is a single vector-index entry.
type Item struct {
	ID        string
	Embedding []float32
	NodeType  string
	Metadata  map[string]string
	Document  string
}

// Match is a single search hit.
type Match struct {
	ID         string
	Similarity float32
	Metadata   map[string]string
	NodeType   string
}

// Config configures an Index.
type Config struct {
	// Path is the sqlite database file. Empty means an in-memory database.
	Path   string
	Logger memlog.Logger
}

// DefaultConfig returns sane zero-config defaults.
func DefaultConfig() Config {
	return Config{Path: "", Logger: memlog.Nop()}
}

type cachedItem struct {
	id        string
	embedding []float32
	nodeType  string
	metadata  map[string]string
	document  string
	norm      float64
}

// Index is a persistent vector collection with a flat-scan in-memory cache
// for similarity search.
type Index struct {
	mu     sync.RWMutex
	db     *sql.DB
	dim    int
	cache  map[string]*cachedItem
	logger memlog.Logger
}

// Open opens or creates the vector index at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Index, error) {
	const op = "vecindex.Open"
	if cfg.Logger == nil {
		cfg.Logger = memlog.Nop()
	}
	dsn := cfg.Path
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, memerr.Wrap(op, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, memerr.Wrap(op, err)
	}

	ix := &Index{db: db, cache: make(map[string]*cachedItem), logger: cfg.Logger}
	if err := ix.loadCache(ctx); err != nil {
		db.Close()
		return nil, memerr.Wrap(op, err)
	}
	return ix, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS vector_items (
	id TEXT PRIMARY KEY,
	node_type TEXT,
	embedding BLOB NOT NULL,
	metadata TEXT,
	document TEXT
);`

func (ix *Index) loadCache(ctx context.Context) error {
	rows, err := ix.db.QueryContext(ctx, `SELECT id, node_type, embedding, metadata, document FROM vector_items`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id, nodeType, metaStr, doc string
		var blob []byte
		if err := rows.Scan(&id, &nodeType, &blob, &metaStr, &doc); err != nil {
			return err
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return err
		}
		meta, err := decodeMetadata(metaStr)
		if err != nil {
			return err
		}
		ix.dim = len(vec)
		ix.cache[id] = &cachedItem{id: id, embedding: vec, nodeType: nodeType, metadata: meta, document: doc, norm: l2norm(vec)}
	}
	return rows.Err()
}

// Close releases the underlying database handle.
func (ix *Index) Close() error { return ix.db.Close() }

// Add inserts or overwrites a single item.
func (ix *Index) Add(ctx context.Context, item Item) error {
	return ix.AddBatch(ctx, []Item{item})
}

// AddBatch inserts or overwrites items with overwrite-on-duplicate semantics.
func (ix *Index) AddBatch(ctx context.Context, items []Item) error {
	const op = "vecindex.AddBatch"
	if len(items) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return memerr.Wrap(op, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO vector_items (id, node_type, embedding, metadata, document)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET node_type=excluded.node_type, embedding=excluded.embedding,
			metadata=excluded.metadata, document=excluded.document`)
	if err != nil {
		return memerr.Wrap(op, err)
	}
	defer stmt.Close()

	for _, item := range items {
		if err := validateVector(item.Embedding); err != nil {
			return memerr.Wrap(op, err)
		}
		if ix.dim == 0 {
			ix.dim = len(item.Embedding)
		} else if len(item.Embedding) != ix.dim {
			return memerr.Wrap(op, fmt.Errorf("%w: expected dim %d, got %d", ErrDimensionMismatch, ix.dim, len(item.Embedding)))
		}
		blob, err := encodeVector(item.Embedding)
		if err != nil {
			return memerr.Wrap(op, err)
		}
		metaStr, err := encodeMetadata(item.Metadata)
		if err != nil {
			return memerr.Wrap(op, err)
		}
		if _, err := stmt.ExecContext(ctx, item.ID, item.NodeType, blob, metaStr, item.Document); err != nil {
			return memerr.Wrap(op, err)
		}
		ix.cache[item.ID] = &cachedItem{
			id: item.ID, embedding: append([]float32(nil), item.Embedding...),
			nodeType: item.NodeType, metadata: cloneMeta(item.Metadata), document: item.Document,
			norm: l2norm(item.Embedding),
		}
	}

	if err := tx.Commit(); err != nil {
		return memerr.Wrap(op, err)
	}
	return nil
}

// Delete removes an item by id. It is not an error to delete a missing id.
func (ix *Index) Delete(ctx context.Context, id string) error {
	const op = "vecindex.Delete"
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, err := ix.db.ExecContext(ctx, `DELETE FROM vector_items WHERE id = ?`, id); err != nil {
		return memerr.Wrap(op, err)
	}
	delete(ix.cache, id)
	return nil
}

// Get returns a single item by id.
func (ix *Index) Get(_ context.Context, id string) (*Item, bool, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ci, ok := ix.cache[id]
	if !ok {
		return nil, false, nil
	}
	return &Item{
		ID: ci.id, Embedding: append([]float32(nil), ci.embedding...),
		NodeType: ci.nodeType, Metadata: cloneMeta(ci.metadata), Document: ci.document,
	}, true, nil
}

// Count returns the number of indexed items.
func (ix *Index) Count(context.Context) (int, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.cache), nil
}

// ErrDimensionMismatch is returned when a write's vector dimension does not
// match the dimension fixed by the index's first Add.
var ErrDimensionMismatch = fmt.Errorf("vecindex: dimension mismatch")

// Search returns up to limit matches for query, filtered by nodeType (when
// non-empty) and minSimilarity, sorted by descending cosine similarity.
func (ix *Index) Search(_ context.Context, query []float32, limit int, nodeTypeFilter string, minSimilarity float32) ([]Match, error) {
	const op = "vecindex.Search"
	if err := validateVector(query); err != nil {
		return nil, memerr.Wrap(op, err)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.dim != 0 && len(query) != ix.dim {
		return nil, memerr.Wrap(op, fmt.Errorf("%w: expected dim %d, got %d", ErrDimensionMismatch, ix.dim, len(query)))
	}

	qnorm := l2norm(query)
	matches := make([]Match, 0, len(ix.cache))
	for _, ci := range ix.cache {
		if nodeTypeFilter != "" && ci.nodeType != nodeTypeFilter {
			continue
		}
		sim := cosine(query, qnorm, ci.embedding, ci.norm)
		if sim < minSimilarity {
			continue
		}
		matches = append(matches, Match{ID: ci.id, Similarity: sim, Metadata: cloneMeta(ci.metadata), NodeType: ci.nodeType})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// SearchMulti runs query against every vector in queries, weighting and
// fusing the per-query ranked lists per strategy. Weights are L1-normalized.
// Each sub-query is over-fetched at 3x limit before fusion.
func (ix *Index) SearchMulti(ctx context.Context, queries [][]float32, weights []float32, limit int, fusion FusionStrategy, nodeTypeFilter string) ([]Match, error) {
	const op = "vecindex.SearchMulti"
	if len(queries) == 0 {
		return nil, memerr.Invalid(op, "no queries given")
	}
	if len(weights) != len(queries) {
		return nil, memerr.Invalid(op, "weights and queries length mismatch")
	}

	w := normalizeWeights(weights)
	overfetch := limit * 3
	if overfetch <= 0 {
		overfetch = limit
	}

	perQuery := make([][]Match, len(queries))
	for i, q := range queries {
		m, err := ix.Search(ctx, q, overfetch, nodeTypeFilter, 0)
		if err != nil {
			return nil, memerr.Wrap(op, err)
		}
		perQuery[i] = m
	}

	switch fusion {
	case FusionWeightedSum:
		return fuseWeightedSum(perQuery, w, limit), nil
	case FusionRRF:
		return fuseRRF(perQuery, w, limit), nil
	case FusionWeightedMax, "":
		return fuseWeightedMax(perQuery, w, limit), nil
	default:
		return nil, memerr.Invalid(op, fmt.Sprintf("unknown fusion strategy %q", fusion))
	}
}

type fusionAccum struct {
	meta       map[string]string
	nodeType   string
	score      float64
	appearance int
}

func fuseWeightedMax(perQuery [][]Match, weights []float32, limit int) []Match {
	acc := make(map[string]*fusionAccum)
	for qi, list := range perQuery {
		w := float64(weights[qi])
		for _, m := range list {
			s := float64(m.Similarity) * w
			a, ok := acc[m.ID]
			if !ok {
				acc[m.ID] = &fusionAccum{meta: m.Metadata, nodeType: m.NodeType, score: s, appearance: 1}
				continue
			}
			a.appearance++
			if s > a.score {
				a.score = s
			}
		}
	}
	for _, a := range acc {
		a.score += 0.05 * float64(a.appearance)
	}
	return topFromAccum(acc, limit)
}

func fuseWeightedSum(perQuery [][]Match, weights []float32, limit int) []Match {
	acc := make(map[string]*fusionAccum)
	for qi, list := range perQuery {
		w := float64(weights[qi])
		for _, m := range list {
			s := float64(m.Similarity) * w
			a, ok := acc[m.ID]
			if !ok {
				acc[m.ID] = &fusionAccum{meta: m.Metadata, nodeType: m.NodeType, score: s}
				continue
			}
			a.score += s
		}
	}
	return topFromAccum(acc, limit)
}

func fuseRRF(perQuery [][]Match, weights []float32, limit int) []Match {
	acc := make(map[string]*fusionAccum)
	for qi, list := range perQuery {
		w := float64(weights[qi])
		for rank, m := range list {
			s := w / float64(rank+rrfK)
			a, ok := acc[m.ID]
			if !ok {
				acc[m.ID] = &fusionAccum{meta: m.Metadata, nodeType: m.NodeType, score: s}
				continue
			}
			a.score += s
		}
	}
	return topFromAccum(acc, limit)
}

func topFromAccum(acc map[string]*fusionAccum, limit int) []Match {
	out := make([]Match, 0, len(acc))
	for id, a := range acc {
		out = append(out, Match{ID: id, Similarity: float32(a.score), Metadata: a.meta, NodeType: a.nodeType})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func normalizeWeights(weights []float32) []float32 {
	var sum float64
	for _, w := range weights {
		sum += math.Abs(float64(w))
	}
	out := make([]float32, len(weights))
	if sum == 0 {
		for i := range out {
			out[i] = 1.0 / float32(len(weights))
		}
		return out
	}
	for i, w := range weights {
		out[i] = float32(float64(w) / sum)
	}
	return out
}

func l2norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, aNorm float64, b []float32, bNorm float64) float32 {
	if len(a) != len(b) || aNorm == 0 || bNorm == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	sim := dot / (aNorm * bNorm)
	if sim < 0 {
		sim = 0
	}
	if sim > 1 {
		sim = 1
	}
	return float32(sim)
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

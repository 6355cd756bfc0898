// Package llm defines the embedding and text-completion ports the memory
// engine depends on, mirroring the teacher's adapter-interface approach
// (pkg/sqvect/embedder.go, pkg/semantic-router/embedder.go) instead of
// binding to one concrete provider SDK.
package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"strings"
)

// Embedder converts text into a fixed-dimensionality vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// GraphOperation is a single structured instruction in a transfer plan,
// e.g. "CREATE_MEMORY", "CREATE_EDGE", "MERGE_NODES" (see the Op constants
// in pkg/transfer).
type GraphOperation struct {
	Op     string         `json:"op"`
	Args   map[string]any `json:"args"`
}

// TextCompleter is a narrow language-model surface: free-form completion
// plus a structured judge call. No package in this module calls it
// directly; the builder, transfer, and unified packages take function
// hooks (FormatFunc, PlanFunc, JudgeFunc) that a caller may back with one.
type TextCompleter interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Judge(ctx context.Context, question string, candidates []string) (int, error)
}

// ErrNoCandidates is returned by a Judge implementation asked to rank an
// empty candidate list.
var ErrNoCandidates = errors.New("llm: no candidates to judge")

// HashEmbedder is a deterministic, dependency-free Embedder used by tests
// and as a safe zero-config default: it hashes token shingles into a
// fixed-width vector so that textually similar inputs land near each other
// without requiring a network call.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder builds a HashEmbedder producing vectors of the given
// dimensionality.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 64
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Dimensions() int { return h.dims }

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return h.embedOne(text), nil
}

func (h *HashEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.embedOne(t)
	}
	return out, nil
}

func (h *HashEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, h.dims)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		tokens = []string{""}
	}
	for _, tok := range tokens {
		sum := sha256.Sum256([]byte(tok))
		for i := 0; i < h.dims; i++ {
			byteIdx := (i * 4) % len(sum)
			v := binary.BigEndian.Uint32(padTo4(sum[byteIdx:]))
			sign := float32(1)
			if v%2 == 1 {
				sign = -1
			}
			vec[i] += sign * float32(v%1000) / 1000
		}
	}
	normalize(vec)
	return vec
}

func padTo4(b []byte) []byte {
	if len(b) >= 4 {
		return b[:4]
	}
	out := make([]byte, 4)
	copy(out, b)
	return out
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range vec {
		vec[i] /= norm
	}
}

// EchoCompleter is a deterministic TextCompleter used by tests: Complete
// echoes the prompt back wrapped in a marker, Judge always picks the first
// candidate.
type EchoCompleter struct{}

func (EchoCompleter) Complete(_ context.Context, prompt string) (string, error) {
	return "echo: " + prompt, nil
}

func (EchoCompleter) Judge(_ context.Context, _ string, candidates []string) (int, error) {
	if len(candidates) == 0 {
		return -1, ErrNoCandidates
	}
	return 0, nil
}

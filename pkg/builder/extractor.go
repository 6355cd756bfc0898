// Package builder validates tool-call parameters (Extractor) and constructs
// the canonical Memory subgraph (Builder), grounded on the teacher's
// hook/callback pattern for LLM-touching stages (pkg/memory/hooks.go's
// FactExtractorFn, ConsolidateFn) and its node-reuse-by-content idiom
// (pkg/memory/memory.go's buildNodeID / upsert-by-id dedup).
package builder

import (
	"strings"

	"github.com/haloforge/memengine/pkg/memerr"
	"github.com/haloforge/memengine/pkg/memmodel"
)

// memoryTypeSynonyms normalizes Chinese/English synonyms onto the canonical
// MemoryType enum, generalized in style from the teacher's
// layerToNodeType/nodeTypeToLayer two-way mapping functions.
var memoryTypeSynonyms = map[string]memmodel.MemoryType{
	"event": memmodel.MemoryEvent, "事件": memmodel.MemoryEvent, "happening": memmodel.MemoryEvent,
	"fact": memmodel.MemoryFact, "事实": memmodel.MemoryFact, "facts": memmodel.MemoryFact,
	"relation": memmodel.MemoryRelation, "关系": memmodel.MemoryRelation, "relationship": memmodel.MemoryRelation,
	"opinion": memmodel.MemoryOpinion, "观点": memmodel.MemoryOpinion, "意见": memmodel.MemoryOpinion, "belief": memmodel.MemoryOpinion,
}

// attributeKeySynonyms special-cases common attribute keys (spec §4.5).
var attributeKeySynonyms = map[string]string{
	"time": "time", "when": "time", "时间": "time",
	"place": "place", "location": "place", "where": "place", "地点": "place",
	"reason": "reason", "why": "reason", "原因": "reason",
	"manner": "manner", "how": "manner", "方式": "manner",
}

// ExtractInput is the raw tool-call payload before validation.
type ExtractInput struct {
	Subject    string
	MemoryType string
	Topic      string
	Object     string
	Attributes map[string]string
	Importance *float32
}

// ExtractedParams is a validated, normalized tool-call payload ready for the
// Builder.
type ExtractedParams struct {
	Subject    string
	MemoryType memmodel.MemoryType
	Topic      string
	Object     string
	Attributes map[string]string
	Importance float32
}

// ValidationError marks a tool-call parameter problem; state is never
// mutated when this is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "builder: invalid " + e.Field + ": " + e.Reason
}

// Extractor validates and normalizes create_memory tool-call parameters.
type Extractor struct{}

// NewExtractor constructs an Extractor.
func NewExtractor() *Extractor { return &Extractor{} }

const defaultImportance = float32(0.5)

// Extract validates in and returns normalized parameters, or a
// *ValidationError.
func (x *Extractor) Extract(in ExtractInput) (*ExtractedParams, error) {
	const op = "builder.Extract"
	subject := strings.TrimSpace(in.Subject)
	if subject == "" {
		return nil, memerr.Wrap(op, &ValidationError{Field: "subject", Reason: "required"})
	}
	topic := strings.TrimSpace(in.Topic)
	if topic == "" {
		return nil, memerr.Wrap(op, &ValidationError{Field: "topic", Reason: "required"})
	}
	mt, ok := normalizeMemoryType(in.MemoryType)
	if !ok {
		return nil, memerr.Wrap(op, &ValidationError{Field: "memory_type", Reason: "unrecognized value " + in.MemoryType})
	}

	importance := defaultImportance
	if in.Importance != nil {
		importance = memmodel.Clamp01(*in.Importance)
	}

	attrs := make(map[string]string, len(in.Attributes))
	for k, v := range in.Attributes {
		attrs[normalizeAttributeKey(k)] = v
	}

	return &ExtractedParams{
		Subject: subject, MemoryType: mt, Topic: topic,
		Object: strings.TrimSpace(in.Object), Attributes: attrs, Importance: importance,
	}, nil
}

func normalizeMemoryType(raw string) (memmodel.MemoryType, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if mt, ok := memoryTypeSynonyms[key]; ok {
		return mt, true
	}
	// Accept an already-canonical value directly.
	switch memmodel.MemoryType(strings.ToUpper(key)) {
	case memmodel.MemoryEvent, memmodel.MemoryFact, memmodel.MemoryRelation, memmodel.MemoryOpinion:
		return memmodel.MemoryType(strings.ToUpper(key)), true
	}
	return "", false
}

func normalizeAttributeKey(k string) string {
	key := strings.ToLower(strings.TrimSpace(k))
	if norm, ok := attributeKeySynonyms[key]; ok {
		return norm
	}
	return key
}

package domain

import (
	"strings"
	"time"
)

// Entity is a node in the property graph: a stable identity plus a
// free-form semantic record. Entities are never mutated in place; merges
// produce new records.
type Entity struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Confidence float64                `json:"confidence"`
	Source     string                 `json:"source,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Relationship is a directed edge between two entities. Properties may
// carry a numeric "weight" consumed by community detection.
type Relationship struct {
	ID         string                 `json:"id"`
	SourceID   string                 `json:"source_id"`
	TargetID   string                 `json:"target_id"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Confidence float64                `json:"confidence"`
	Timestamp  time.Time              `json:"timestamp"`
}

// NormalizeName lowercases a name and replaces spaces with underscores,
// producing the stable form used in synthesized entity IDs.
func NormalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// SynthesizeEntityID derives the deterministic id "<type>_<normalized_name>"
// used by extraction when the caller supplies no id.
func SynthesizeEntityID(entityType, name string) string {
	return strings.ToLower(entityType) + "_" + NormalizeName(name)
}

// Clone returns a deep copy of the entity with its own properties map.
func (e Entity) Clone() Entity {
	out := e
	out.Properties = cloneProperties(e.Properties)
	return out
}

// Clone returns a deep copy of the relationship with its own properties map.
func (r Relationship) Clone() Relationship {
	out := r
	out.Properties = cloneProperties(r.Properties)
	return out
}

func cloneProperties(props map[string]interface{}) map[string]interface{} {
	if props == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(props))
	for k, v := range props {
		dst[k] = v
	}
	return dst
}

// Weight extracts a numeric property from a relationship, defaulting when
// the property is absent or not a number.
func (r Relationship) Weight(property string, fallback float64) float64 {
	if r.Properties == nil {
		return fallback
	}
	switch v := r.Properties[property].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

// Package domain defines the core records shared by the analysis engine,
// the strategies, and the investigation pipeline: entities, relationships,
// analysis requests and results, and the analysis kind enumeration.
package domain

import (
	"fmt"
	"strings"
)

// AnalysisKind identifies one analytical algorithm. The string form is the
// canonical snake_case tag used everywhere a kind is serialized.
type AnalysisKind string

const (
	KindEntityExtraction    AnalysisKind = "entity_extraction"
	KindRelationshipMapping AnalysisKind = "relationship_mapping"
	KindCommunityDetection  AnalysisKind = "community_detection"
	KindAnomalyDetection    AnalysisKind = "anomaly_detection"
	KindPathFinding         AnalysisKind = "path_finding"
	KindCentralityAnalysis  AnalysisKind = "centrality_analysis"
)

// Kinds lists all built-in analysis kinds.
func Kinds() []AnalysisKind {
	return []AnalysisKind{
		KindEntityExtraction,
		KindRelationshipMapping,
		KindCommunityDetection,
		KindAnomalyDetection,
		KindPathFinding,
		KindCentralityAnalysis,
	}
}

// Valid reports whether k is one of the built-in kinds.
func (k AnalysisKind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

func (k AnalysisKind) String() string {
	return string(k)
}

// ParseKind converts a serialized kind tag back to an AnalysisKind. It is
// lenient about legacy snapshot forms: CamelCase names ("EntityExtraction")
// and enum-prefixed names ("AnalysisType.ENTITY_EXTRACTION") are accepted
// alongside the canonical snake_case tag.
func ParseKind(s string) (AnalysisKind, error) {
	normalized := s
	if idx := strings.LastIndex(normalized, "."); idx >= 0 {
		normalized = normalized[idx+1:]
	}
	normalized = camelToSnake(normalized)
	normalized = strings.ToLower(normalized)

	k := AnalysisKind(normalized)
	if !k.Valid() {
		return "", fmt.Errorf("unknown analysis kind: %q", s)
	}
	return k, nil
}

func camelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] != '_' && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

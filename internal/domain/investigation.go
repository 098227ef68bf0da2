package domain

import "time"

// InvestigationStatus is the lifecycle state of an investigation.
type InvestigationStatus string

const (
	InvestigationRunning             InvestigationStatus = "running"
	InvestigationCompleted           InvestigationStatus = "completed"
	InvestigationCompletedWithErrors InvestigationStatus = "completed_with_errors"
	InvestigationFailed              InvestigationStatus = "failed"
	InvestigationTimeout             InvestigationStatus = "timeout"
)

// PhaseStatus is the lifecycle state of a single phase. Transitions run
// pending -> running -> terminal and never backwards.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
	PhaseCancelled PhaseStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s PhaseStatus) Terminal() bool {
	switch s {
	case PhaseCompleted, PhaseFailed, PhaseSkipped, PhaseCancelled:
		return true
	default:
		return false
	}
}

// InvestigationPhase is one analysis step in an investigation DAG. Names
// are unique within an investigation and DependsOn references names in
// the same investigation.
type InvestigationPhase struct {
	Name        string                 `json:"name"`
	Kind        AnalysisKind           `json:"kind"`
	DependsOn   []string               `json:"depends_on,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Status      PhaseStatus            `json:"status"`
	Result      *AnalysisResult        `json:"result,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Evidence is one ingested document or observation.
type Evidence struct {
	ID         string                 `json:"id"`
	Content    string                 `json:"content"`
	Source     string                 `json:"source,omitempty"`
	OccurredAt *time.Time             `json:"occurred_at,omitempty"`
	AddedAt    time.Time              `json:"added_at"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Investigation accumulates everything discovered while executing a phase
// DAG. It is mutated only by its owning pipeline until the status turns
// terminal, then it is immutable.
type Investigation struct {
	ID                      string                            `json:"id"`
	InitialContext          map[string]interface{}            `json:"initial_context,omitempty"`
	Objectives              []string                          `json:"objectives,omitempty"`
	Phases                  []*InvestigationPhase             `json:"phases"`
	Evidence                []Evidence                        `json:"evidence,omitempty"`
	Status                  InvestigationStatus               `json:"status"`
	CreatedAt               time.Time                         `json:"created_at"`
	CompletedAt             *time.Time                        `json:"completed_at,omitempty"`
	EntitiesDiscovered      map[string]Entity                 `json:"entities_discovered"`
	RelationshipsDiscovered []Relationship                    `json:"relationships_discovered,omitempty"`
	Findings                map[string]map[string]interface{} `json:"findings,omitempty"`
	Errors                  []string                          `json:"errors,omitempty"`
	AdaptiveActions         int                               `json:"adaptive_actions_count"`
}

// Phase returns the phase with the given name, or nil.
func (inv *Investigation) Phase(name string) *InvestigationPhase {
	for _, phase := range inv.Phases {
		if phase.Name == name {
			return phase
		}
	}
	return nil
}

// Terminal reports whether the investigation reached a final status.
func (inv *Investigation) Terminal() bool {
	return inv.Status != InvestigationRunning
}

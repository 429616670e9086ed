package pipeline

import (
	"fmt"
	"time"

	"github.com/linnemanlabs/canary/internal/cost"
	"github.com/linnemanlabs/canary/internal/incident"
)

// Stage names used in results, logs, spans and metrics.
const (
	StageFetch    = "fetch"
	StagePatterns = "pattern_analysis"
	StageRisk     = "risk_assessment"
	StageAlerts   = "alert_generation"
	StageFilter   = "filter"
	StagePersist  = "persist"
)

// Status is the overall outcome of a run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// State is a run's position in the linear stage sequence.
type State string

const (
	StatePending          State = "pending"
	StateFetched          State = "fetched"
	StatePatternsAnalyzed State = "patterns_analyzed"
	StateRiskAssessed     State = "risk_assessed"
	StateAlertsGenerated  State = "alerts_generated"
	StateFiltered         State = "filtered"
	StatePersisted        State = "persisted"
	StateFailed           State = "failed"
)

var stateOrder = []State{
	StatePending,
	StateFetched,
	StatePatternsAnalyzed,
	StateRiskAssessed,
	StateAlertsGenerated,
	StateFiltered,
	StatePersisted,
}

// next returns the only state s may advance to, or "" for terminal states.
func (s State) next() State {
	for i, st := range stateOrder {
		if st == s && i+1 < len(stateOrder) {
			return stateOrder[i+1]
		}
	}
	return ""
}

// InvalidTransitionError is returned when a run is asked to skip or
// repeat a state.
type InvalidTransitionError struct {
	From, To State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

// Result is the structured outcome of one pipeline run. It is always
// returned, whether the run succeeded or not.
type Result struct {
	Status      Status `json:"status"`
	State       State  `json:"state"`
	FailedStage string `json:"failed_stage,omitempty"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`

	CasesFound      int                    `json:"cases_found"`
	// FirstCase is a sample of the fetched data, the oldest case in the window.
	FirstCase       *incident.Record       `json:"first_case,omitempty"`
	AlertsGenerated int                    `json:"alerts_generated"`
	AlertsDropped   int                    `json:"alerts_dropped"`
	AlertsPersisted int                    `json:"alerts_persisted"`
	Alerts          []incident.StoredAlert `json:"alerts,omitempty"`

	Costs     cost.Report `json:"costs"`
	StartedAt time.Time   `json:"started_at"`
	Duration  float64     `json:"duration_seconds"`
}

package runs

import (
	"time"

	"github.com/linnemanlabs/canary/internal/pipeline"
)

// Status tracks where a run is in its lifecycle.
type Status string

const (
	// StatusPending means created, not yet started
	StatusPending Status = "pending"

	// StatusInProgress means the pipeline is executing
	StatusInProgress Status = "in_progress"

	// StatusComplete means the pipeline finished successfully
	StatusComplete Status = "complete"

	// StatusFailed means the pipeline finished with an error
	StatusFailed Status = "failed"
)

// Active reports whether a run in this status has not finished yet.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// Record is a stored pipeline run.
type Record struct {
	ID          string           `json:"id"`
	Status      Status           `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt time.Time        `json:"completed_at,omitzero"`
	Result      *pipeline.Result `json:"result,omitempty"`
}

// SubmitResult is the outcome of submitting a run.
type SubmitResult struct {
	ID      string `json:"id,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

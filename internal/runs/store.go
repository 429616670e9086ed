package runs

import (
	"context"
	"errors"

	"github.com/linnemanlabs/canary/internal/incident"
	"github.com/linnemanlabs/canary/internal/pipeline"
)

// Store is the persistence interface for run records.
type Store interface {
	Get(ctx context.Context, id string) (*Record, bool, error)
	// Latest returns the most recently created run.
	Latest(ctx context.Context) (*Record, bool, error)
	Put(ctx context.Context, rec *Record) error
}

// AlertSource lists persisted alerts, newest first.
type AlertSource interface {
	RecentAlerts(ctx context.Context, limit int) ([]incident.StoredAlert, error)
}

// Runner executes one pipeline pass. *pipeline.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context) *pipeline.Result
}

// Notifier is told about every finished run.
type Notifier interface {
	Notify(ctx context.Context, rec *Record) error
}

// Notifiers fans a notification out to each notifier in order. Every
// notifier is called even if an earlier one fails.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(ctx context.Context, rec *Record) error {
	var errs []error
	for _, n := range ns {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

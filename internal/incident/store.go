package incident

import (
	"context"
	"time"

	"github.com/linnemanlabs/canary/internal/schema"
)

// InsertBatchSize is how many cases a Store writes per batch in
// InsertCases.
const InsertBatchSize = 50

// Store is the tabular store boundary. Implementations validate their own
// schema on write; the Adapter's checks sit in front of that, not instead
// of it.
type Store interface {
	// CasesSince returns cases reported at or after since, oldest first.
	CasesSince(ctx context.Context, since time.Time) ([]Case, error)
	// EstablishmentsByID returns the establishments whose ID is in ids.
	// Unknown IDs are skipped.
	EstablishmentsByID(ctx context.Context, ids []int64) ([]Establishment, error)
	// InsertCases bulk-inserts cases and returns their assigned IDs in order.
	InsertCases(ctx context.Context, cases []Case) ([]int64, error)
	// InsertAlerts bulk-inserts alerts and returns the stored rows in order.
	InsertAlerts(ctx context.Context, alerts []schema.Alert) ([]StoredAlert, error)
	// RecentAlerts returns up to limit alerts, newest first.
	RecentAlerts(ctx context.Context, limit int) ([]StoredAlert, error)
}

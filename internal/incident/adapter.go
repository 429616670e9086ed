package incident

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/canary/internal/schema"
)

// Adapter fetches and joins recent cases for one pipeline run and owns
// that run's set of valid establishment IDs. It is not safe for concurrent
// use; each run builds its own.
type Adapter struct {
	store  Store
	logger log.Logger
	now    func() time.Time

	valid   map[int64]struct{}
	dropped int
}

// NewAdapter returns an Adapter reading from and writing to store.
func NewAdapter(store Store, logger log.Logger) *Adapter {
	if logger == nil {
		logger = log.Nop()
	}
	return &Adapter{
		store:  store,
		logger: logger,
		now:    time.Now,
		valid:  make(map[int64]struct{}),
	}
}

// FetchRecent returns the cases reported in the trailing windowDays joined
// with their establishments. Cases without a matching establishment are
// left out. The establishments present in the join become the valid set
// consulted by FilterValid.
func (a *Adapter) FetchRecent(ctx context.Context, windowDays int) ([]Record, error) {
	if windowDays <= 0 {
		return nil, fmt.Errorf("invalid window %d days (must be > 0)", windowDays)
	}

	// the previous window's IDs must never leak into this one
	a.valid = make(map[int64]struct{})

	since := a.now().UTC().AddDate(0, 0, -windowDays)
	cases, err := a.store.CasesSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("fetch cases: %w", err)
	}
	if len(cases) == 0 {
		a.logger.Info(ctx, "no cases in window", "window_days", windowDays, "since", since)
		return []Record{}, nil
	}

	seen := make(map[int64]struct{}, len(cases))
	ids := make([]int64, 0, len(cases))
	for i := range cases {
		if id := cases[i].EstablishmentID; id != nil {
			if _, ok := seen[*id]; !ok {
				seen[*id] = struct{}{}
				ids = append(ids, *id)
			}
		}
	}

	byID := make(map[int64]Establishment, len(ids))
	if len(ids) > 0 {
		ests, err := a.store.EstablishmentsByID(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("fetch establishments: %w", err)
		}
		for _, e := range ests {
			byID[e.ID] = e
		}
	}

	records := make([]Record, 0, len(cases))
	orphans := 0
	for _, c := range cases {
		if c.EstablishmentID == nil {
			orphans++
			continue
		}
		e, ok := byID[*c.EstablishmentID]
		if !ok {
			orphans++
			continue
		}
		records = append(records, join(c, e))
		a.valid[e.ID] = struct{}{}
	}

	a.logger.Info(ctx, "fetched recent cases",
		"window_days", windowDays,
		"cases", len(cases),
		"records", len(records),
		"orphans", orphans,
		"valid_establishments", len(a.valid),
	)
	return records, nil
}

// ValidIDs returns the current valid establishment IDs in ascending order.
func (a *Adapter) ValidIDs() []int64 {
	ids := make([]int64, 0, len(a.valid))
	for id := range a.valid {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// IsValid reports whether id was present in the last fetch.
func (a *Adapter) IsValid(id int64) bool {
	_, ok := a.valid[id]
	return ok
}

// FilterValid keeps the alerts whose establishment is in the valid set,
// preserving order. The number removed is available from Dropped.
func (a *Adapter) FilterValid(ctx context.Context, alerts []schema.Alert) []schema.Alert {
	kept := make([]schema.Alert, 0, len(alerts))
	var unknown []int64
	for _, al := range alerts {
		if a.IsValid(al.EstablishmentID) {
			kept = append(kept, al)
			continue
		}
		unknown = append(unknown, al.EstablishmentID)
	}

	a.dropped = len(unknown)
	if a.dropped > 0 {
		a.logger.Warn(ctx, "dropped alerts for unknown establishments",
			"dropped", a.dropped,
			"kept", len(kept),
			"establishment_ids", unknown,
		)
	}
	return kept
}

// Dropped returns how many alerts the last FilterValid call removed.
func (a *Adapter) Dropped() int { return a.dropped }

// Persist writes alerts in a single bulk insert. An empty batch never
// reaches the store.
func (a *Adapter) Persist(ctx context.Context, alerts []schema.Alert) ([]StoredAlert, error) {
	if len(alerts) == 0 {
		return nil, nil
	}
	stored, err := a.store.InsertAlerts(ctx, alerts)
	if err != nil {
		return nil, fmt.Errorf("persist alerts: %w", err)
	}
	a.logger.Info(ctx, "persisted alerts", "count", len(stored))
	return stored, nil
}

// Package memstore provides an in-memory implementation of incident.Store
// and runs.Store.
package memstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/canary/internal/incident"
	"github.com/linnemanlabs/canary/internal/runs"
	"github.com/linnemanlabs/canary/internal/schema"
)

// ErrConstraint is returned when a write would violate a rule the SQL
// schema enforces, such as a foreign key.
var ErrConstraint = errors.New("constraint violation")

// Store holds incidents, alerts and run records in memory. Suitable for
// dev/testing.
type Store struct {
	mu sync.RWMutex

	establishments map[int64]incident.Establishment
	cases          []incident.Case
	alerts         []incident.StoredAlert
	runs           map[string]*runs.Record
	runOrder       []string

	nextEstablishment int64
	nextCase          int64
	nextAlert         int64

	now func() time.Time
}

// New initializes an empty Store.
func New() *Store {
	return &Store{
		establishments: make(map[int64]incident.Establishment),
		runs:           make(map[string]*runs.Record),
		now:            time.Now,
	}
}

// AddEstablishments stores establishments. A zero ID is assigned; a
// non-zero ID is kept.
func (s *Store) AddEstablishments(_ context.Context, es []incident.Establishment) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, len(es))
	for i, e := range es {
		if e.Name == "" {
			return nil, fmt.Errorf("%w: establishment %d has no name", ErrConstraint, i)
		}
		if e.ID == 0 {
			s.nextEstablishment++
			e.ID = s.nextEstablishment
		} else if e.ID > s.nextEstablishment {
			s.nextEstablishment = e.ID
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		s.establishments[e.ID] = e
		ids[i] = e.ID
	}
	return ids, nil
}

// CasesSince implements incident.Store.
func (s *Store) CasesSince(_ context.Context, since time.Time) ([]incident.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]incident.Case, 0)
	for _, c := range s.cases {
		if !c.ReportDate.Before(since) {
			out = append(out, c)
		}
	}
	slices.SortStableFunc(out, func(a, b incident.Case) int {
		return a.ReportDate.Compare(b.ReportDate)
	})
	return out, nil
}

// EstablishmentsByID implements incident.Store.
func (s *Store) EstablishmentsByID(_ context.Context, ids []int64) ([]incident.Establishment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]incident.Establishment, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.establishments[id]; ok {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b incident.Establishment) int { return cmp.Compare(a.ID, b.ID) })
	return slices.CompactFunc(out, func(a, b incident.Establishment) bool { return a.ID == b.ID }), nil
}

// InsertCases implements incident.Store. Cases are written in batches of
// incident.InsertBatchSize; a batch with an invalid case is rejected
// whole, and earlier batches stay written.
func (s *Store) InsertCases(_ context.Context, cases []incident.Case) ([]int64, error) {
	ids := make([]int64, 0, len(cases))
	n := 0
	for batch := range slices.Chunk(cases, incident.InsertBatchSize) {
		got, err := s.insertCaseBatch(batch)
		if err != nil {
			return ids, fmt.Errorf("insert cases batch %d: %w", n, err)
		}
		ids = append(ids, got...)
		n++
	}
	return ids, nil
}

func (s *Store) insertCaseBatch(batch []incident.Case) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range batch {
		if err := s.checkCase(c); err != nil {
			return nil, err
		}
	}

	ids := make([]int64, len(batch))
	for i, c := range batch {
		s.nextCase++
		c.ID = s.nextCase
		if c.Status == "" {
			c.Status = incident.CaseSuspected
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = s.now()
		}
		c.Symptoms = slices.Clone(c.Symptoms)
		c.FoodsConsumed = slices.Clone(c.FoodsConsumed)
		s.cases = append(s.cases, c)
		ids[i] = c.ID
	}
	return ids, nil
}

func (s *Store) checkCase(c incident.Case) error {
	if c.ReportDate.IsZero() {
		return fmt.Errorf("%w: case has no report date", ErrConstraint)
	}
	if c.PatientCount < 1 {
		return fmt.Errorf("%w: patient_count must be at least 1", ErrConstraint)
	}
	if c.Status != "" && !c.Status.Valid() {
		return fmt.Errorf("%w: unknown case status %q", ErrConstraint, c.Status)
	}
	if c.EstablishmentID != nil {
		if _, ok := s.establishments[*c.EstablishmentID]; !ok {
			return fmt.Errorf("%w: establishment %d does not exist", ErrConstraint, *c.EstablishmentID)
		}
	}
	return nil
}

// InsertAlerts implements incident.Store. The batch is all or nothing.
func (s *Store) InsertAlerts(_ context.Context, alerts []schema.Alert) ([]incident.StoredAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range alerts {
		if err := schema.Validate(&a); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConstraint, err)
		}
		if _, ok := s.establishments[a.EstablishmentID]; !ok {
			return nil, fmt.Errorf("%w: establishment %d does not exist", ErrConstraint, a.EstablishmentID)
		}
	}

	out := make([]incident.StoredAlert, len(alerts))
	for i, a := range alerts {
		s.nextAlert++
		out[i] = incident.StoredAlert{ID: s.nextAlert, Alert: a, CreatedAt: s.now()}
	}
	s.alerts = append(s.alerts, out...)
	return slices.Clone(out), nil
}

// RecentAlerts implements incident.Store.
func (s *Store) RecentAlerts(_ context.Context, limit int) ([]incident.StoredAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := min(max(limit, 0), len(s.alerts))
	out := make([]incident.StoredAlert, 0, n)
	for i := len(s.alerts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.alerts[i])
	}
	return out, nil
}

// Get implements runs.Store. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*runs.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// Latest implements runs.Store.
func (s *Store) Latest(ctx context.Context) (*runs.Record, bool, error) {
	s.mu.RLock()
	if len(s.runOrder) == 0 {
		s.mu.RUnlock()
		return nil, false, nil
	}
	id := s.runOrder[len(s.runOrder)-1]
	s.mu.RUnlock()
	return s.Get(ctx, id)
}

// Put implements runs.Store. It stores a copy of the record.
func (s *Store) Put(_ context.Context, r *runs.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		s.runOrder = append(s.runOrder, r.ID)
	}
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

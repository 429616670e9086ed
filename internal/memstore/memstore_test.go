package memstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/canary/internal/incident"
	"github.com/linnemanlabs/canary/internal/runs"
	"github.com/linnemanlabs/canary/internal/schema"
)

func ptr[T any](v T) *T { return &v }

func seeded(t *testing.T) *Store {
	t.Helper()
	s := New()
	fx, err := LoadFixture("testdata/fixture.yaml")
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	if err := Seed(context.Background(), s, fx, time.Now()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return s
}

func TestLoadFixture(t *testing.T) {
	t.Parallel()

	fx, err := LoadFixture("testdata/fixture.yaml")
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	if len(fx.Establishments) != 2 || len(fx.Cases) != 5 {
		t.Fatalf("fixture = %d establishments, %d cases; want 2 and 5", len(fx.Establishments), len(fx.Cases))
	}
	if fx.Establishments[0].PostalCode != "60601" {
		t.Errorf("postal code = %q, want 60601", fx.Establishments[0].PostalCode)
	}
	if fx.Establishments[0].Latitude == nil || *fx.Establishments[0].Latitude != 41.8781 {
		t.Errorf("latitude = %v", fx.Establishments[0].Latitude)
	}
}

func TestLoadFixture_Missing(t *testing.T) {
	t.Parallel()

	if _, err := LoadFixture("testdata/nope.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSeed_WindowAndJoin(t *testing.T) {
	t.Parallel()

	s := seeded(t)
	a := incident.NewAdapter(s, log.Nop())

	records, err := a.FetchRecent(context.Background(), 7)
	if err != nil {
		t.Fatalf("FetchRecent: %v", err)
	}
	// 30-day-old case is outside the window; the case without an
	// establishment is an orphan
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	for _, r := range records {
		if !a.IsValid(*r.EstablishmentID) {
			t.Errorf("record %d references invalid establishment", r.ID)
		}
		if r.EstablishmentName == "" {
			t.Errorf("record %d was not joined", r.ID)
		}
	}
	if records[0].PatientCount != 1 && records[0].PatientCount != 2 {
		t.Errorf("patient count = %d", records[0].PatientCount)
	}
	// oldest first
	for i := 1; i < len(records); i++ {
		if records[i].ReportDate.Before(records[i-1].ReportDate) {
			t.Error("records are not ordered by report date")
		}
	}
}

func TestInsertCases_Batches(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if _, err := s.AddEstablishments(ctx, []incident.Establishment{{ID: 1, Name: "Deli"}}); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	cases := make([]incident.Case, 125)
	for i := range cases {
		cases[i] = incident.Case{EstablishmentID: ptr(int64(1)), ReportDate: now, PatientCount: 1}
	}

	ids, err := s.InsertCases(ctx, cases)
	if err != nil {
		t.Fatalf("InsertCases: %v", err)
	}
	if len(ids) != 125 {
		t.Fatalf("ids = %d, want 125", len(ids))
	}
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("ids[%d] = %d, want %d", i, id, i+1)
		}
	}
}

func TestInsertCases_RejectsBadBatch(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now()

	cases := make([]incident.Case, 60)
	for i := range cases {
		cases[i] = incident.Case{ReportDate: now, PatientCount: 1}
	}
	cases[55].EstablishmentID = ptr(int64(404))

	ids, err := s.InsertCases(ctx, cases)
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("err = %v, want ErrConstraint", err)
	}
	if !strings.Contains(err.Error(), "batch 1") {
		t.Errorf("err = %q, want it to name batch 1", err)
	}
	// first batch is written, the second is rejected whole
	if len(ids) != incident.InsertBatchSize {
		t.Errorf("ids = %d, want %d", len(ids), incident.InsertBatchSize)
	}
	got, _ := s.CasesSince(ctx, now.Add(-time.Hour))
	if len(got) != 50 {
		t.Errorf("stored cases = %d, want 50", len(got))
	}
}

func TestInsertCases_Validation(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name string
		c    incident.Case
	}{
		{"no report date", incident.Case{PatientCount: 1}},
		{"no patients", incident.Case{ReportDate: now}},
		{"bad status", incident.Case{ReportDate: now, PatientCount: 1, Status: "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New().InsertCases(context.Background(), []incident.Case{tt.c})
			if !errors.Is(err, ErrConstraint) {
				t.Errorf("err = %v, want ErrConstraint", err)
			}
		})
	}
}

func TestInsertAlerts(t *testing.T) {
	t.Parallel()

	s := seeded(t)
	ctx := context.Background()

	stored, err := s.InsertAlerts(ctx, []schema.Alert{
		{EstablishmentID: 1, AlertType: schema.AlertOutbreak, Severity: schema.TierHigh, CaseCount: 3, Details: "a"},
		{EstablishmentID: 2, AlertType: schema.AlertInspection, Severity: schema.TierLow, CaseCount: 1, Details: "b"},
	})
	if err != nil {
		t.Fatalf("InsertAlerts: %v", err)
	}
	if len(stored) != 2 || stored[0].ID != 1 || stored[1].ID != 2 {
		t.Fatalf("stored = %+v", stored)
	}
	if stored[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	recent, err := s.RecentAlerts(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].ID != 2 {
		t.Errorf("RecentAlerts(1) = %+v, want newest alert 2", recent)
	}

	all, _ := s.RecentAlerts(ctx, 100)
	if len(all) != 2 {
		t.Errorf("RecentAlerts(100) = %d, want 2", len(all))
	}
}

func TestInsertAlerts_AllOrNothing(t *testing.T) {
	t.Parallel()

	s := seeded(t)
	ctx := context.Background()

	_, err := s.InsertAlerts(ctx, []schema.Alert{
		{EstablishmentID: 1, AlertType: schema.AlertOutbreak, Severity: schema.TierHigh},
		{EstablishmentID: 999, AlertType: schema.AlertOutbreak, Severity: schema.TierHigh},
	})
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("err = %v, want ErrConstraint", err)
	}
	if recent, _ := s.RecentAlerts(ctx, 10); len(recent) != 0 {
		t.Errorf("alerts written = %d, want 0", len(recent))
	}

	_, err = s.InsertAlerts(ctx, []schema.Alert{{EstablishmentID: 1, AlertType: "recall", Severity: schema.TierHigh}})
	if !errors.Is(err, ErrConstraint) || !errors.Is(err, schema.ErrValidation) {
		t.Errorf("err = %v, want ErrConstraint wrapping ErrValidation", err)
	}
}

func TestEstablishmentsByID_SkipsUnknown(t *testing.T) {
	t.Parallel()

	s := seeded(t)
	got, err := s.EstablishmentsByID(context.Background(), []int64{2, 99, 1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
		t.Errorf("got = %+v, want establishments 1 and 2", got)
	}
}

func TestAddEstablishments_AssignsIDs(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	ids, err := s.AddEstablishments(ctx, []incident.Establishment{{ID: 10, Name: "a"}, {Name: "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if ids[0] != 10 || ids[1] != 11 {
		t.Errorf("ids = %v, want [10 11]", ids)
	}
	if _, err := s.AddEstablishments(ctx, []incident.Establishment{{}}); !errors.Is(err, ErrConstraint) {
		t.Errorf("nameless establishment err = %v, want ErrConstraint", err)
	}
}

func TestRuns_PutGetLatest(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	if _, ok, _ := s.Latest(ctx); ok {
		t.Fatal("Latest on empty store should be not found")
	}

	_ = s.Put(ctx, &runs.Record{ID: "r-1", Status: runs.StatusPending})
	_ = s.Put(ctx, &runs.Record{ID: "r-2", Status: runs.StatusPending})
	_ = s.Put(ctx, &runs.Record{ID: "r-1", Status: runs.StatusComplete})

	got, ok, err := s.Get(ctx, "r-1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Status != runs.StatusComplete {
		t.Errorf("Status = %q, want complete", got.Status)
	}

	latest, ok, _ := s.Latest(ctx)
	if !ok || latest.ID != "r-2" {
		t.Errorf("Latest = %+v, want r-2 (overwrite must not reorder)", latest)
	}

	// returned records are copies
	got.Status = runs.StatusFailed
	again, _, _ := s.Get(ctx, "r-1")
	if again.Status != runs.StatusComplete {
		t.Error("mutating a returned record changed the store")
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := seeded(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Put(ctx, &runs.Record{ID: fmt.Sprintf("r-%d", i), Status: runs.StatusPending})
			_, _, _ = s.Latest(ctx)
			_, _ = s.InsertAlerts(ctx, []schema.Alert{{EstablishmentID: 1, AlertType: schema.AlertViolation, Severity: schema.TierLow}})
			_, _ = s.RecentAlerts(ctx, 5)
			_, _ = s.CasesSince(ctx, time.Now().Add(-time.Hour))
		}(i)
	}
	wg.Wait()

	all, _ := s.RecentAlerts(ctx, 500)
	if len(all) != 50 {
		t.Errorf("alerts = %d, want 50", len(all))
	}
}

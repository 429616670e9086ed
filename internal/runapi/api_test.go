package runapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/canary/internal/incident"
	"github.com/linnemanlabs/canary/internal/memstore"
	"github.com/linnemanlabs/canary/internal/pipeline"
	"github.com/linnemanlabs/canary/internal/runs"
	"github.com/linnemanlabs/canary/internal/schema"
)

type fakeService struct {
	submit    *runs.SubmitResult
	submitErr error
	records   map[string]*runs.Record
	latest    *runs.Record
	alerts    []incident.StoredAlert
	alertsErr error
	gotLimit  int
}

func (f *fakeService) Submit(context.Context) (*runs.SubmitResult, error) {
	return f.submit, f.submitErr
}

func (f *fakeService) Get(_ context.Context, id string) (*runs.Record, bool, error) {
	if id == "boom" {
		return nil, false, errors.New("db down")
	}
	r, ok := f.records[id]
	return r, ok, nil
}

func (f *fakeService) Latest(context.Context) (*runs.Record, bool, error) {
	return f.latest, f.latest != nil, nil
}

func (f *fakeService) Alerts(_ context.Context, limit int) ([]incident.StoredAlert, error) {
	f.gotLimit = limit
	return f.alerts, f.alertsErr
}

func newTestRouter(t *testing.T, svc RunService) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	New(nil, svc).RegisterRoutes(r)
	return r
}

func serve(r http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, http.NoBody))
	return rec
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, &fakeService{})
	if api.logger == nil {
		t.Fatal("New(nil, svc) left logger nil; expected Nop logger")
	}
}

func TestNew_WithLogger(t *testing.T) {
	t.Parallel()

	if api := New(log.Nop(), &fakeService{}); api.logger == nil {
		t.Fatal("New(logger, svc) left logger nil")
	}
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil) did not panic; expected panic for nil service")
		}
	}()
	New(nil, nil)
}

// Routing

func TestRegisterRoutes_Methods(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeService{
		submit:  &runs.SubmitResult{ID: "01RUN"},
		records: map[string]*runs.Record{"01RUN": {ID: "01RUN", Status: runs.StatusPending}},
		latest:  &runs.Record{ID: "01RUN", Status: runs.StatusPending},
	})

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"submit", http.MethodPost, "/api/v1/runs", http.StatusAccepted},
		{"GET runs not allowed", http.MethodGet, "/api/v1/runs", http.StatusMethodNotAllowed},
		{"latest", http.MethodGet, "/api/v1/runs/latest", http.StatusOK},
		{"by id", http.MethodGet, "/api/v1/runs/01RUN", http.StatusOK},
		{"POST run id not allowed", http.MethodPost, "/api/v1/runs/01RUN", http.StatusMethodNotAllowed},
		{"DELETE run not allowed", http.MethodDelete, "/api/v1/runs/01RUN", http.StatusMethodNotAllowed},
		{"alerts", http.MethodGet, "/api/v1/alerts", http.StatusOK},
		{"POST alerts not allowed", http.MethodPost, "/api/v1/alerts", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := serve(r, tt.method, tt.path); rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_NotFound(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeService{})

	paths := []string{
		"/",
		"/api/v1",
		"/api/v2/runs",
		"/api/v1/runs/",
		"/api/v1/unknown",
	}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			t.Parallel()
			if rec := serve(r, http.MethodGet, path); rec.Code != http.StatusNotFound {
				t.Errorf("GET %s = %d, want %d", path, rec.Code, http.StatusNotFound)
			}
		})
	}
}

// Handlers

func TestHandleSubmitRun(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeService{submit: &runs.SubmitResult{ID: "01ABC"}})
	rec := serve(r, http.MethodPost, "/api/v1/runs")

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "/api/v1/runs/01ABC" {
		t.Errorf("Location = %q", got)
	}
	var body runs.SubmitResult
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.ID != "01ABC" || body.Skipped {
		t.Errorf("body = %+v", body)
	}
}

func TestHandleSubmitRun_Skipped(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeService{submit: &runs.SubmitResult{ID: "01ACTIVE", Skipped: true, Reason: "run already active"}})
	rec := serve(r, http.MethodPost, "/api/v1/runs")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "run already active") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestHandleSubmitRun_Error(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeService{submitErr: errors.New("store down")})
	if rec := serve(r, http.MethodPost, "/api/v1/runs"); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestHandleGetRun(t *testing.T) {
	t.Parallel()

	rec := &runs.Record{
		ID:     "01DONE",
		Status: runs.StatusComplete,
		Result: &pipeline.Result{Status: pipeline.StatusSuccess, State: pipeline.StatePersisted, CasesFound: 3},
	}
	r := newTestRouter(t, &fakeService{records: map[string]*runs.Record{"01DONE": rec}})

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/api/v1/runs/01DONE", http.StatusOK},
		{"/api/v1/runs/missing", http.StatusNotFound},
		{"/api/v1/runs/boom", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			got := serve(r, http.MethodGet, tt.path)
			if got.Code != tt.wantStatus {
				t.Fatalf("GET %s = %d, want %d", tt.path, got.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var body map[string]any
			if err := json.NewDecoder(got.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			result, _ := body["result"].(map[string]any)
			if body["status"] != "complete" || result["state"] != "persisted" || result["cases_found"] != float64(3) {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestHandleLatestRun_Empty(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeService{})
	if rec := serve(r, http.MethodGet, "/api/v1/runs/latest"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleListAlerts_Limit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantLimit  int
	}{
		{"default", "", http.StatusOK, 0},
		{"explicit", "?limit=5", http.StatusOK, 5},
		{"large passes through", "?limit=9000", http.StatusOK, 9000},
		{"zero", "?limit=0", http.StatusBadRequest, -1},
		{"negative", "?limit=-3", http.StatusBadRequest, -1},
		{"not a number", "?limit=ten", http.StatusBadRequest, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := &fakeService{gotLimit: -1}
			rec := serve(newTestRouter(t, svc), http.MethodGet, "/api/v1/alerts"+tt.query)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if svc.gotLimit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", svc.gotLimit, tt.wantLimit)
			}
		})
	}
}

func TestHandleListAlerts_Error(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeService{alertsErr: errors.New("db down")})
	if rec := serve(r, http.MethodGet, "/api/v1/alerts"); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

type stubRunner struct{}

func (stubRunner) Run(context.Context) *pipeline.Result {
	return &pipeline.Result{Status: pipeline.StatusSuccess, State: pipeline.StateFetched, Message: "no recent cases found"}
}

func TestAPI_WithService(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	ctx := context.Background()
	if _, err := store.AddEstablishments(ctx, []incident.Establishment{{ID: 1, Name: "Deli"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.InsertAlerts(ctx, []schema.Alert{
		{EstablishmentID: 1, AlertType: schema.AlertOutbreak, Severity: schema.TierHigh, CaseCount: 2},
	}); err != nil {
		t.Fatal(err)
	}

	svc := runs.NewService(store, store, stubRunner{}, nil, runs.Options{})
	r := newTestRouter(t, svc)

	rec := serve(r, http.MethodPost, "/api/v1/runs")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit = %d, want 202", rec.Code)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := svc.Wait(waitCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	rec = serve(r, http.MethodGet, "/api/v1/runs/latest")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"complete"`) {
		t.Errorf("latest = %d %s", rec.Code, rec.Body)
	}

	rec = serve(r, http.MethodGet, "/api/v1/alerts?limit=10")
	var body struct {
		Alerts []incident.StoredAlert `json:"alerts"`
		Count  int                    `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || body.Alerts[0].AlertType != schema.AlertOutbreak {
		t.Errorf("alerts = %+v", body)
	}
}

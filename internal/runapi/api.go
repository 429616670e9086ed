// Package runapi exposes pipeline runs and persisted alerts over HTTP.
package runapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/canary/internal/incident"
	"github.com/linnemanlabs/canary/internal/postgres"
	"github.com/linnemanlabs/canary/internal/runs"
)

// RunService defines the business operations runapi needs.
type RunService interface {
	Submit(ctx context.Context) (*runs.SubmitResult, error)
	Get(ctx context.Context, id string) (*runs.Record, bool, error)
	Latest(ctx context.Context) (*runs.Record, bool, error)
	Alerts(ctx context.Context, limit int) ([]incident.StoredAlert, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    RunService
}

// New creates a new API handler.
func New(logger log.Logger, svc RunService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("run service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.queryStats)
		r.Post("/runs", a.handleSubmitRun)
		r.Get("/runs/latest", a.handleLatestRun)
		r.Get("/runs/{id}", a.handleGetRun)
		r.Get("/alerts", a.handleListAlerts)
	})
}

// queryStats attaches per-request database stats and logs them once the
// handler returns, if any query ran.
func (a *API) queryStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := postgres.NewStatsContext(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))

		st, _ := postgres.StatsFromContext(ctx)
		if n, total, errs := st.Snapshot(); n > 0 {
			a.logger.Info(ctx, "request db stats",
				"db.queries", n,
				"db.duration", total.Seconds(),
				"db.errors", errs,
			)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

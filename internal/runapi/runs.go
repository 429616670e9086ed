package runapi

import (
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/canary/internal/runs"
)

func (a *API) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.Submit(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to submit run")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("canary.run.id", res.ID),
		attribute.Bool("canary.run.skipped", res.Skipped),
	)

	if res.Skipped {
		writeJSON(w, http.StatusOK, res)
		return
	}
	w.Header().Set("Location", "/api/v1/runs/"+res.ID)
	writeJSON(w, http.StatusAccepted, res)
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("canary.run.id", id))

	rec, ok, err := a.svc.Get(r.Context(), id)
	a.writeRecord(w, r, rec, ok, err)
}

func (a *API) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	rec, ok, err := a.svc.Latest(r.Context())
	a.writeRecord(w, r, rec, ok, err)
}

func (a *API) writeRecord(w http.ResponseWriter, r *http.Request, rec *runs.Record, ok bool, err error) {
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get run")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("canary.run.status", string(rec.Status)))
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, `{"error":"limit must be a positive integer"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	alerts, err := a.svc.Alerts(r.Context(), limit)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list alerts", "limit", limit)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/canary/internal/cost"
	"github.com/linnemanlabs/canary/internal/incident"
	"github.com/linnemanlabs/canary/internal/inference"
	"github.com/linnemanlabs/canary/internal/schema"
)

// Run is a single pass through the pipeline. Its state only moves forward
// one step at a time, or to failed. A Run is not safe for concurrent use.
type Run struct {
	adapter  *incident.Adapter
	patterns *inference.Worker
	risk     *inference.Worker
	alerts   *inference.Worker

	windowDays int
	logger     log.Logger
	hooks      Hooks
	state      State
}

// State returns the run's current state.
func (r *Run) State() State { return r.state }

// Costs summarizes token spend so far. It is valid at any point, including
// after a failure.
func (r *Run) Costs() cost.Report {
	return cost.Summarize(
		cost.Stage{Name: StagePatterns, Meter: r.patterns},
		cost.Stage{Name: StageRisk, Meter: r.risk},
		cost.Stage{Name: StageAlerts, Meter: r.alerts},
	)
}

func (r *Run) advance(to State) error {
	if r.state.next() != to {
		return &InvalidTransitionError{From: r.state, To: to}
	}
	r.state = to
	return nil
}

// AnalyzePatterns asks the pattern stage to summarize the records.
func (r *Run) AnalyzePatterns(ctx context.Context, records []incident.Record) (*schema.PatternAnalysis, error) {
	if n := len(records); n > inference.DefaultChunkSize {
		log.FromContext(ctx).Warn(ctx, "large case batch sent in a single request",
			"records", n,
			"chunk_size", inference.DefaultChunkSize,
		)
	}
	pa, err := inference.Process[schema.PatternAnalysis](ctx, r.patterns, records, patternInstruction)
	if err != nil {
		return nil, err
	}
	return &pa, nil
}

// AssessRisk asks the risk stage to evaluate a pattern analysis.
func (r *Run) AssessRisk(ctx context.Context, pa *schema.PatternAnalysis) (*schema.RiskAssessment, error) {
	ra, err := inference.Process[schema.RiskAssessment](ctx, r.risk, pa, riskInstruction(r.adapter.ValidIDs()))
	if err != nil {
		return nil, err
	}
	return &ra, nil
}

// GenerateAlerts asks the alert stage for candidate alerts. The candidates
// are not filtered here.
func (r *Run) GenerateAlerts(ctx context.Context, ra *schema.RiskAssessment) ([]schema.Alert, error) {
	resp, err := inference.Process[schema.AlertsResponse](ctx, r.alerts, ra, alertInstruction(r.adapter.ValidIDs()))
	if err != nil {
		return nil, err
	}
	return resp.Alerts, nil
}

// Execute drives the run from pending to persisted. It never returns nil
// and never panics; failures are reported in the Result along with the
// costs incurred before the failure.
func (r *Run) Execute(ctx context.Context) (res *Result) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.Int("canary.window_days", r.windowDays),
	))
	defer span.End()

	ctx = log.WithContext(ctx, r.logger)
	L := r.logger

	res = &Result{StartedAt: start.UTC(), State: r.state}
	stage := StageFetch

	defer func() {
		if p := recover(); p != nil {
			r.fail(ctx, res, stage, fmt.Errorf("panic in %s: %v", stage, p))
		}
		res.State = r.state
		res.Costs = r.Costs()
		res.Duration = time.Since(start).Seconds()

		span.SetAttributes(
			attribute.String("canary.status", string(res.Status)),
			attribute.Int("canary.cases_found", res.CasesFound),
			attribute.Int("canary.alerts_persisted", res.AlertsPersisted),
			attribute.Float64("canary.total_cost", res.Costs.Total),
		)
		if res.Status == StatusError {
			span.SetStatus(codes.Error, res.Error)
		}

		L.Info(ctx, "pipeline run complete",
			"status", res.Status,
			"state", res.State,
			"failed_stage", res.FailedStage,
			"cases_found", res.CasesFound,
			"alerts_generated", res.AlertsGenerated,
			"alerts_dropped", res.AlertsDropped,
			"alerts_persisted", res.AlertsPersisted,
			"total_cost", res.Costs.Total,
			"total_tokens", res.Costs.TotalTokens,
			"duration_s", res.Duration,
		)
		if r.hooks.OnComplete != nil {
			r.hooks.OnComplete(res)
		}
	}()

	if r.state != StatePending {
		r.fail(ctx, res, stage, &InvalidTransitionError{From: r.state, To: StateFetched})
		return res
	}

	var records []incident.Record
	if !r.step(ctx, res, StageFetch, StateFetched, func(ctx context.Context) (err error) {
		records, err = r.adapter.FetchRecent(ctx, r.windowDays)
		return err
	}) {
		return res
	}
	res.CasesFound = len(records)
	if len(records) == 0 {
		res.Status = StatusSuccess
		res.Message = "no recent cases found"
		return res
	}
	first := records[0]
	res.FirstCase = &first

	stage = StagePatterns
	var pa *schema.PatternAnalysis
	if !r.step(ctx, res, stage, StatePatternsAnalyzed, func(ctx context.Context) (err error) {
		pa, err = r.AnalyzePatterns(ctx, records)
		return err
	}) {
		return res
	}

	stage = StageRisk
	var ra *schema.RiskAssessment
	if !r.step(ctx, res, stage, StateRiskAssessed, func(ctx context.Context) (err error) {
		ra, err = r.AssessRisk(ctx, pa)
		return err
	}) {
		return res
	}

	stage = StageAlerts
	var candidates []schema.Alert
	if !r.step(ctx, res, stage, StateAlertsGenerated, func(ctx context.Context) (err error) {
		candidates, err = r.GenerateAlerts(ctx, ra)
		return err
	}) {
		return res
	}
	res.AlertsGenerated = len(candidates)

	stage = StageFilter
	var valid []schema.Alert
	if !r.step(ctx, res, stage, StateFiltered, func(ctx context.Context) error {
		valid = r.adapter.FilterValid(ctx, candidates)
		return nil
	}) {
		return res
	}
	res.AlertsDropped = r.adapter.Dropped()

	stage = StagePersist
	if !r.step(ctx, res, stage, StatePersisted, func(ctx context.Context) (err error) {
		res.Alerts, err = r.adapter.Persist(ctx, valid)
		return err
	}) {
		return res
	}
	res.AlertsPersisted = len(res.Alerts)
	res.Status = StatusSuccess
	return res
}

// step runs fn inside a stage span and advances to next on success. It
// reports false after recording the failure on res.
func (r *Run) step(ctx context.Context, res *Result, name string, next State, fn func(context.Context) error) bool {
	ctx, span := tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("canary.stage", name),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if err == nil {
		err = r.advance(next)
	}
	if r.hooks.OnStage != nil {
		r.hooks.OnStage(name, time.Since(start).Seconds(), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.fail(ctx, res, name, err)
		return false
	}
	return true
}

func (r *Run) fail(ctx context.Context, res *Result, stage string, err error) {
	r.state = StateFailed
	res.Status = StatusError
	res.FailedStage = stage
	res.Error = err.Error()
	res.Alerts = nil
	r.logger.Error(ctx, err, "pipeline stage failed", "stage", stage)
}

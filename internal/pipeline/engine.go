// Package pipeline runs the staged incident analysis: fetch recent cases,
// analyze patterns, assess risk, generate alerts, drop alerts that name
// unknown establishments, and persist the rest.
package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/canary/internal/incident"
	"github.com/linnemanlabs/canary/internal/inference"
)

var tracer = otel.Tracer("github.com/linnemanlabs/canary/internal/pipeline")

const (
	DefaultModel         = "gpt-4o-2024-08-06"
	DefaultFallbackModel = "gpt-4-turbo"
	DefaultWindowDays    = 7
	DefaultCostPer1K     = 0.01
)

// Models holds the per-stage model settings.
type Models struct {
	Patterns inference.ModelConfig
	Risk     inference.ModelConfig
	Alerts   inference.ModelConfig
}

// DefaultModels returns the stage settings for model, priced at costPer1K.
func DefaultModels(model string, costPer1K float64) Models {
	return Models{
		Patterns: inference.ModelConfig{Name: StagePatterns, Model: model, Temperature: 0.3, MaxTokens: 4000, CostPer1K: costPer1K},
		Risk:     inference.ModelConfig{Name: StageRisk, Model: model, Temperature: 0.2, MaxTokens: 2000, CostPer1K: costPer1K},
		Alerts:   inference.ModelConfig{Name: StageAlerts, Model: model, Temperature: 0.1, MaxTokens: 1000, CostPer1K: costPer1K},
	}
}

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	Inference  inference.Hooks
	OnStage    func(stage string, duration float64, err error)
	OnComplete func(*Result)
}

// Engine holds the long-lived dependencies of the pipeline. Every run gets
// its own adapter and workers, so concurrent runs never share costs or the
// valid establishment set.
type Engine struct {
	store      incident.Store
	provider   inference.Provider
	models     Models
	windowDays int
	logger     log.Logger
	hooks      Hooks
}

// NewEngine creates an engine. A windowDays of zero or less uses
// DefaultWindowDays.
func NewEngine(store incident.Store, provider inference.Provider, models Models, windowDays int, logger log.Logger, hooks Hooks) *Engine {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if provider == nil {
		panic(xerrors.New("inference provider is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	return &Engine{
		store:      store,
		provider:   provider,
		models:     models,
		windowDays: windowDays,
		logger:     logger,
		hooks:      hooks,
	}
}

// Models returns the stage settings the engine was built with.
func (e *Engine) Models() Models { return e.models }

// WindowDays returns the look-back window used by each run.
func (e *Engine) WindowDays() int { return e.windowDays }

// NewRun prepares a run in the pending state.
func (e *Engine) NewRun() *Run {
	return &Run{
		adapter:    incident.NewAdapter(e.store, e.logger),
		patterns:   inference.NewWorker(e.models.Patterns, e.provider, e.logger, e.hooks.Inference),
		risk:       inference.NewWorker(e.models.Risk, e.provider, e.logger, e.hooks.Inference),
		alerts:     inference.NewWorker(e.models.Alerts, e.provider, e.logger, e.hooks.Inference),
		windowDays: e.windowDays,
		logger:     e.logger,
		hooks:      e.hooks,
		state:      StatePending,
	}
}

// Run executes a fresh run to completion.
func (e *Engine) Run(ctx context.Context) *Result {
	return e.NewRun().Execute(ctx)
}

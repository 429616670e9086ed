package inference

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

var tracer = otel.Tracer("github.com/linnemanlabs/canary/internal/inference")

// ModelConfig is one worker's model settings.
type ModelConfig struct {
	// Name labels the worker in logs, spans and metrics.
	Name        string
	Model       string
	Temperature float64
	MaxTokens   int
	CostPer1K   float64
}

// CallEvent describes one provider call.
type CallEvent struct {
	Stage        string
	Tier         Tier
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Duration     float64
	Err          error
}

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	OnCall     func(CallEvent)
	OnFallback func(stage string, err error)
}

// Worker executes schema-constrained requests for one model configuration
// and accumulates the tokens they consume. A Worker belongs to a single
// pipeline run and is not safe for concurrent use.
type Worker struct {
	cfg      ModelConfig
	provider Provider
	logger   log.Logger
	hooks    Hooks

	totalTokens int
}

// NewWorker creates a worker with a zero token total.
func NewWorker(cfg ModelConfig, provider Provider, logger log.Logger, hooks Hooks) *Worker {
	if provider == nil {
		panic(xerrors.New("inference provider is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Worker{
		cfg:      cfg,
		provider: provider,
		logger:   logger.With("stage", cfg.Name, "model", cfg.Model),
		hooks:    hooks,
	}
}

// Config returns the worker's model settings.
func (w *Worker) Config() ModelConfig { return w.cfg }

// TotalTokens returns the tokens consumed so far.
func (w *Worker) TotalTokens() int { return w.totalTokens }

// Cost returns TotalTokens priced at the configured rate per 1000 tokens.
func (w *Worker) Cost() float64 {
	return float64(w.totalTokens) / 1000 * w.cfg.CostPer1K
}

func (w *Worker) request(mode Mode, system, user string) *Request {
	return &Request{
		Model:       w.cfg.Model,
		Temperature: w.cfg.Temperature,
		MaxTokens:   w.cfg.MaxTokens,
		System:      system,
		Messages:    []Message{{Role: "user", Content: user}},
		Mode:        mode,
	}
}

// call sends req and charges the reported usage to the worker. A call that
// returns an error is not charged.
func (w *Worker) call(ctx context.Context, tier Tier, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "llm.call"),
		attribute.String("gen_ai.request.model", req.Model),
		attribute.Float64("gen_ai.request.temperature", req.Temperature),
		attribute.Int("gen_ai.request.max_tokens", req.MaxTokens),
		attribute.String("canary.stage", w.cfg.Name),
		attribute.String("canary.tier", tier.String()),
	))
	defer span.End()

	start := time.Now()
	resp, err := w.provider.Complete(ctx, req)
	ev := CallEvent{
		Stage:    w.cfg.Name,
		Tier:     tier,
		Model:    req.Model,
		Duration: time.Since(start).Seconds(),
		Err:      err,
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.logger.Warn(ctx, "llm call failed", "tier", tier.String(), "error", err)
		w.emit(ev)
		return nil, err
	}

	in, out := max(resp.Usage.InputTokens, 0), max(resp.Usage.OutputTokens, 0)
	w.totalTokens += in + out

	ev.InputTokens = in
	ev.OutputTokens = out
	ev.Cost = float64(in+out) / 1000 * w.cfg.CostPer1K
	if resp.Model != "" {
		ev.Model = resp.Model
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", ev.Model),
		attribute.Int("gen_ai.usage.input_tokens", in),
		attribute.Int("gen_ai.usage.output_tokens", out),
	)

	w.logger.Info(ctx, "llm response",
		"tier", tier.String(),
		"input_tokens", in,
		"output_tokens", out,
		"total_tokens", w.totalTokens,
		"duration", ev.Duration,
	)
	w.emit(ev)
	return resp, nil
}

func (w *Worker) emit(ev CallEvent) {
	if w.hooks.OnCall != nil {
		w.hooks.OnCall(ev)
	}
}

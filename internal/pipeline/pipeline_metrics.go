package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/canary/internal/inference"
)

// Metrics holds Prometheus metrics for the pipeline.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	RunCases      prometheus.Histogram
	StageDuration *prometheus.HistogramVec
	LLMCallsTotal *prometheus.CounterVec
	LLMFallbacks  *prometheus.CounterVec
	LLMTokensIn   *prometheus.CounterVec
	LLMTokensOut  *prometheus.CounterVec
	LLMCost       *prometheus.CounterVec
	LLMDuration   *prometheus.HistogramVec
	AlertsTotal   *prometheus.CounterVec
	SubmitsTotal  *prometheus.CounterVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canary_runs_total",
			Help: "Total pipeline runs by final status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "canary_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"status"}),
		RunCases: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "canary_run_cases",
			Help:    "Cases found per pipeline run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 .. 512
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "canary_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~102s
		}, []string{"stage", "outcome"}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canary_llm_calls_total",
			Help: "Total LLM provider calls by stage, tier and outcome.",
		}, []string{"stage", "tier", "outcome"}),
		LLMFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canary_llm_fallbacks_total",
			Help: "Structured output failures that fell back to JSON mode.",
		}, []string{"stage"}),
		LLMTokensIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canary_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}, []string{"stage"}),
		LLMTokensOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canary_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}, []string{"stage"}),
		LLMCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canary_llm_cost_total",
			Help: "Estimated LLM spend in dollars.",
		}, []string{"stage"}),
		LLMDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "canary_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}, []string{"stage"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canary_alerts_total",
			Help: "Alerts by outcome: generated, dropped or persisted.",
		}, []string{"outcome"}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canary_submits_total",
			Help: "Total run submissions by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunCases,
		m.StageDuration,
		m.LLMCallsTotal,
		m.LLMFallbacks,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMCost,
		m.LLMDuration,
		m.AlertsTotal,
		m.SubmitsTotal,
	)

	return m
}

// Hooks returns pipeline Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		Inference: inference.Hooks{
			OnCall: func(ev inference.CallEvent) {
				outcome := "success"
				if ev.Err != nil {
					outcome = "error"
				}
				m.LLMCallsTotal.WithLabelValues(ev.Stage, ev.Tier.String(), outcome).Inc()
				m.LLMTokensIn.WithLabelValues(ev.Stage).Add(float64(ev.InputTokens))
				m.LLMTokensOut.WithLabelValues(ev.Stage).Add(float64(ev.OutputTokens))
				m.LLMCost.WithLabelValues(ev.Stage).Add(ev.Cost)
				m.LLMDuration.WithLabelValues(ev.Stage).Observe(ev.Duration)
			},
			OnFallback: func(stage string, _ error) {
				m.LLMFallbacks.WithLabelValues(stage).Inc()
			},
		},
		OnStage: func(stage string, duration float64, err error) {
			outcome := "success"
			if err != nil {
				outcome = "error"
			}
			m.StageDuration.WithLabelValues(stage, outcome).Observe(duration)
		},
		OnComplete: func(res *Result) {
			m.RunsTotal.WithLabelValues(string(res.Status)).Inc()
			m.RunDuration.WithLabelValues(string(res.Status)).Observe(res.Duration)
			m.RunCases.Observe(float64(res.CasesFound))
			m.AlertsTotal.WithLabelValues("generated").Add(float64(res.AlertsGenerated))
			m.AlertsTotal.WithLabelValues("dropped").Add(float64(res.AlertsDropped))
			m.AlertsTotal.WithLabelValues("persisted").Add(float64(res.AlertsPersisted))
		},
	}
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	cc "github.com/linnemanlabs/canary/internal/cfg"
	"github.com/linnemanlabs/canary/internal/inference"
	"github.com/linnemanlabs/canary/internal/llm/claude"
	"github.com/linnemanlabs/canary/internal/llm/openai"
	"github.com/linnemanlabs/canary/internal/memstore"
	"github.com/linnemanlabs/canary/internal/pipeline"
	"github.com/linnemanlabs/canary/internal/postgres"
	"github.com/linnemanlabs/canary/internal/runs"
)

// newProvider builds the configured LLM provider and returns the model the
// pipeline stages should request.
func newProvider(ctx context.Context, c *cc.Config, L log.Logger) (inference.Provider, string, error) {
	switch c.LLMProvider {
	case cc.ProviderClaude:
		client := claude.New(c.ClaudeAPIKey, c.ClaudeModel)
		return client, client.Model(), nil
	case cc.ProviderOpenAI:
		client := openai.New(c.OpenAIAPIKey, c.OpenAIBaseURL)
		model, err := client.ResolveModel(ctx, c.OpenAIModel, c.OpenAIFallbackModel)
		if err != nil {
			if model == "" {
				model = c.OpenAIModel
			}
			L.Warn(ctx, "preferred model unavailable, using fallback",
				"preferred", c.OpenAIModel,
				"model", model,
				"error", err,
			)
		}
		return client, model, nil
	default:
		return nil, "", fmt.Errorf("unknown llm provider %q", c.LLMProvider)
	}
}

func seed(ctx context.Context, dst memstore.Seeder, path string) error {
	fx, err := memstore.LoadFixture(path)
	if err != nil {
		return fmt.Errorf("load seed file: %w", err)
	}
	if err := memstore.Seed(ctx, dst, fx, time.Now()); err != nil {
		return fmt.Errorf("seed store: %w", err)
	}
	return nil
}

// statsRunner labels the queries of a run with the pipeline source and logs
// how much database time the run spent.
type statsRunner struct {
	next   runs.Runner
	logger log.Logger
}

func (s statsRunner) Run(ctx context.Context) *pipeline.Result {
	ctx = postgres.WithSource(postgres.NewStatsContext(ctx), "pipeline")
	res := s.next.Run(ctx)

	if st, ok := postgres.StatsFromContext(ctx); ok {
		n, total, errs := st.Snapshot()
		if n > 0 {
			s.logger.Info(ctx, "run db stats",
				"db_queries", n,
				"db_time_ms", total.Milliseconds(),
				"db_errors", errs,
			)
		}
	}
	return res
}

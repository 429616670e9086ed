package cfg

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"strings"
)

// LLM providers accepted by -llm-provider.
const (
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	DatabaseURL           string
	SeedFile              string

	LLMProvider         string
	OpenAIAPIKey        string
	OpenAIModel         string
	OpenAIFallbackModel string
	OpenAIBaseURL       string
	ClaudeAPIKey        string
	ClaudeModel         string

	WindowDays        int
	CostPer1KTokens   float64
	RunTimeoutSeconds int

	SlackWebhookURL string
	KafkaBrokers    string
	KafkaTopic      string

	Once bool
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.SeedFile, "seed-file", "", "YAML fixture of establishments and cases loaded at startup")

	fs.StringVar(&c.LLMProvider, "llm-provider", ProviderOpenAI, "LLM provider (openai|claude)")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for the OpenAI provider")
	fs.StringVar(&c.OpenAIModel, "openai-model", "gpt-4o-2024-08-06", "preferred OpenAI model")
	fs.StringVar(&c.OpenAIFallbackModel, "openai-fallback-model", "gpt-4-turbo", "OpenAI model used when the preferred one is unavailable")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", "", "OpenAI-compatible API base URL (empty = api.openai.com)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-5", "Claude model to use")

	fs.IntVar(&c.WindowDays, "window-days", 7, "days of case reports analysed per run (1..365)")
	fs.Float64Var(&c.CostPer1KTokens, "cost-per-1k-tokens", 0.01, "price per 1000 tokens used for cost reporting")
	fs.IntVar(&c.RunTimeoutSeconds, "run-timeout-seconds", 300, "upper bound on a single pipeline run (1..3600)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for run notifications")
	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma separated Kafka brokers for alert events (empty = disabled)")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", "canary.alerts", "Kafka topic for alert events")

	fs.BoolVar(&c.Once, "once", false, "run the pipeline once, print the result as JSON and exit")
}

// Brokers returns the configured Kafka brokers, empty entries removed.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// the API is not served in one-shot mode
	if !c.Once && c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	switch c.LLMProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required"))
		}
		if c.OpenAIModel == "" {
			errs = append(errs, errors.New("OPENAI_MODEL is required"))
		}
	case ProviderClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be openai or claude)", c.LLMProvider))
	}

	if c.WindowDays <= 0 || c.WindowDays > 365 {
		errs = append(errs, fmt.Errorf("invalid WINDOW_DAYS %d (must be 1..365)", c.WindowDays))
	}
	if c.CostPer1KTokens < 0 || math.IsNaN(c.CostPer1KTokens) || math.IsInf(c.CostPer1KTokens, 0) {
		errs = append(errs, fmt.Errorf("invalid COST_PER_1K_TOKENS %v (must be a finite value >= 0)", c.CostPer1KTokens))
	}
	if c.RunTimeoutSeconds <= 0 || c.RunTimeoutSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid RUN_TIMEOUT_SECONDS %d (must be 1..3600)", c.RunTimeoutSeconds))
	}

	if len(c.Brokers()) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

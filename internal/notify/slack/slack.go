// Package slack sends run summaries to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/canary/internal/incident"
	"github.com/linnemanlabs/canary/internal/runs"
	"github.com/linnemanlabs/canary/internal/schema"
)

const (
	maxAlertsText = 3000
	maxAlertLines = 20
	httpTimeout   = 10 * time.Second
)

// Notifier posts finished runs to a Slack webhook. It implements
// runs.Notifier.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Notify posts a run summary to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Notify(ctx context.Context, rec *runs.Record) error {
	if n.webhookURL == "" || rec == nil {
		return nil
	}

	body, err := json.Marshal(buildMessage(rec))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification sent", "run_id", rec.ID)
	return nil
}

func buildMessage(rec *runs.Record) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(rec),
			{"type": "divider"},
			fieldsBlock(rec),
			{"type": "divider"},
			alertsBlock(rec),
			{"type": "divider"},
			contextBlock(rec),
		},
	}
}

func alertsOf(rec *runs.Record) []incident.StoredAlert {
	if rec.Result == nil {
		return nil
	}
	return rec.Result.Alerts
}

func headerBlock(rec *runs.Record) map[string]any {
	emoji := severityEmoji(rec.Status, highestSeverity(alertsOf(rec)))
	title := "Outbreak Scan Complete"
	if rec.Status == runs.StatusFailed {
		title = "Outbreak Scan Failed"
	}
	text := fmt.Sprintf("%s %s: %d alerts", emoji, title, len(alertsOf(rec)))

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(rec *runs.Record) map[string]any {
	field := func(format string, args ...any) map[string]any {
		return map[string]any{"type": "mrkdwn", "text": fmt.Sprintf(format, args...)}
	}

	fields := []map[string]any{field("*Status:* %s", rec.Status)}
	if r := rec.Result; r != nil {
		fields = append(fields,
			field("*Cases:* %d", r.CasesFound),
			field("*Alerts:* %d persisted, %d dropped", r.AlertsPersisted, r.AlertsDropped),
			field("*Cost:* $%.4f", r.Costs.Total),
			field("*Duration:* %.1fs", r.Duration),
		)
		if r.FailedStage != "" {
			fields = append(fields, field("*Failed stage:* %s", r.FailedStage))
		}
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func alertsBlock(rec *runs.Record) map[string]any {
	var text string
	switch {
	case rec.Result != nil && rec.Result.Error != "":
		text = "*Error*\n\n" + truncate(rec.Result.Error, maxAlertsText)
	case len(alertsOf(rec)) == 0:
		text = "*Alerts*\n\n_No alerts raised._"
	default:
		text = "*Alerts*\n\n" + truncate(alertLines(alertsOf(rec)), maxAlertsText)
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func alertLines(alerts []incident.StoredAlert) string {
	var b strings.Builder
	for i, a := range alerts {
		if i == maxAlertLines {
			fmt.Fprintf(&b, "_and %d more_\n", len(alerts)-maxAlertLines)
			break
		}
		fmt.Fprintf(&b, "• [%s] %s at establishment %d (%d cases)", a.Severity, a.AlertType, a.EstablishmentID, a.CaseCount)
		if a.Details != "" {
			b.WriteString(": ")
			b.WriteString(a.Details)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func contextBlock(rec *runs.Record) map[string]any {
	ts := rec.CompletedAt
	if ts.IsZero() {
		ts = rec.CreatedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("canary • run %s • %s", rec.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

var severityRank = map[schema.Tier]int{
	schema.TierLow:      1,
	schema.TierMedium:   2,
	schema.TierHigh:     3,
	schema.TierCritical: 4,
}

func highestSeverity(alerts []incident.StoredAlert) schema.Tier {
	var top schema.Tier
	for _, a := range alerts {
		if severityRank[a.Severity] > severityRank[top] {
			top = a.Severity
		}
	}
	return top
}

func severityEmoji(status runs.Status, severity schema.Tier) string {
	if status == runs.StatusFailed {
		return "\U0001f534" // red circle
	}
	switch severity {
	case schema.TierCritical, schema.TierHigh:
		return "\U0001f534" // red circle
	case schema.TierMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

// Package kafka publishes run outcomes and persisted alerts as events on a
// Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/canary/internal/incident"
	"github.com/linnemanlabs/canary/internal/runs"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "canary.alerts"

// Event types.
const (
	EventAlertCreated = "alert.created"
	EventRunCompleted = "run.completed"
)

const source = "canary"

// Event is the envelope written as the message value.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// RunSummary is the data of a run.completed event.
type RunSummary struct {
	Status          runs.Status `json:"status"`
	FailedStage     string      `json:"failed_stage,omitempty"`
	Error           string      `json:"error,omitempty"`
	CasesFound      int         `json:"cases_found"`
	AlertsGenerated int         `json:"alerts_generated"`
	AlertsDropped   int         `json:"alerts_dropped"`
	AlertsPersisted int         `json:"alerts_persisted"`
	TotalCost       float64     `json:"total_cost"`
	Duration        float64     `json:"duration_seconds"`
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements runs.Notifier by writing one alert.created event per
// persisted alert followed by a run.completed event.
type Publisher struct {
	w      writer
	topic  string
	logger log.Logger
	now    func() time.Time
}

// New creates a publisher writing synchronously to topic on brokers.
func New(brokers []string, topic string, logger log.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newPublisher(w, topic, logger)
}

func newPublisher(w writer, topic string, logger log.Logger) *Publisher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Publisher{w: w, topic: topic, logger: logger, now: time.Now}
}

// Notify implements runs.Notifier.
func (p *Publisher) Notify(ctx context.Context, rec *runs.Record) error {
	if rec == nil {
		return nil
	}
	msgs, err := p.messages(rec)
	if err != nil {
		return err
	}

	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Error(ctx, err, "failed to publish run events",
			"run_id", rec.ID,
			"topic", p.topic,
			"events", len(msgs),
		)
		return fmt.Errorf("kafka: write %d events: %w", len(msgs), err)
	}

	p.logger.Info(ctx, "run events published",
		"run_id", rec.ID,
		"topic", p.topic,
		"events", len(msgs),
	)
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}

func (p *Publisher) messages(rec *runs.Record) ([]kafka.Message, error) {
	var alerts []incident.StoredAlert
	summary := RunSummary{Status: rec.Status}
	if r := rec.Result; r != nil {
		alerts = r.Alerts
		summary.FailedStage = r.FailedStage
		summary.Error = r.Error
		summary.CasesFound = r.CasesFound
		summary.AlertsGenerated = r.AlertsGenerated
		summary.AlertsDropped = r.AlertsDropped
		summary.AlertsPersisted = r.AlertsPersisted
		summary.TotalCost = r.Costs.Total
		summary.Duration = r.Duration
	}

	msgs := make([]kafka.Message, 0, len(alerts)+1)
	for _, a := range alerts {
		// keyed by establishment so its alerts stay ordered on one partition
		m, err := p.message(rec.ID, EventAlertCreated, strconv.FormatInt(a.EstablishmentID, 10), a)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}

	m, err := p.message(rec.ID, EventRunCompleted, rec.ID, summary)
	if err != nil {
		return nil, err
	}
	return append(msgs, m), nil
}

func (p *Publisher) message(runID, eventType, key string, data any) (kafka.Message, error) {
	ev := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		RunID:     runID,
		Timestamp: p.now().UTC(),
		Data:      data,
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: marshal %s event: %w", eventType, err)
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(eventType)},
			{Key: "event-id", Value: []byte(ev.ID)},
			{Key: "source", Value: []byte(source)},
		},
	}, nil
}

// Package runs manages the lifecycle of pipeline runs: submission, dedup,
// asynchronous execution, persistence and notification.
package runs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/canary/internal/incident"
	"github.com/linnemanlabs/canary/internal/pipeline"
)

const (
	DefaultAlertLimit = 50
	MaxAlertLimit     = 500
)

// ErrRunActive is returned by Execute when another run has not finished.
var ErrRunActive = errors.New("a pipeline run is already active")

// Options are the optional collaborators of a Service.
type Options struct {
	// Metrics counts submissions. Nil disables counting.
	Metrics *pipeline.Metrics
	// Notifier is called after every finished run. Nil disables it.
	Notifier Notifier
	// Timeout bounds each run. Zero means no limit beyond the caller's.
	Timeout time.Duration
}

// Service is the business boundary for pipeline runs. At most one run is
// active per Service.
type Service struct {
	store  Store
	alerts AlertSource
	runner Runner
	logger log.Logger
	opts   Options

	mu     sync.Mutex
	active string
	wg     sync.WaitGroup
}

// NewService creates a run service.
func NewService(store Store, alerts AlertSource, runner Runner, logger log.Logger, opts Options) *Service {
	if store == nil {
		panic(xerrors.New("run store is required"))
	}
	if runner == nil {
		panic(xerrors.New("pipeline runner is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:  store,
		alerts: alerts,
		runner: runner,
		logger: logger,
		opts:   opts,
	}
}

// Submit starts a run in the background, unless one is already active.
func (s *Service) Submit(ctx context.Context) (*SubmitResult, error) {
	rec, active, err := s.begin(ctx)
	if err != nil {
		s.countSubmit("error")
		return nil, err
	}
	if rec == nil {
		s.countSubmit("duplicate")
		return &SubmitResult{ID: active, Skipped: true, Reason: "run already active"}, nil
	}
	s.countSubmit("accepted")

	// detach from the request context so the run outlives the HTTP call
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(context.WithoutCancel(ctx), rec)
	}()

	return &SubmitResult{ID: rec.ID}, nil
}

// Execute runs the pipeline synchronously and returns the finished record.
func (s *Service) Execute(ctx context.Context) (*Record, error) {
	rec, active, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunActive, active)
	}
	s.execute(ctx, rec)
	return rec, nil
}

// Wait blocks until every background run has finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get retrieves a run by ID.
func (s *Service) Get(ctx context.Context, id string) (*Record, bool, error) {
	return s.store.Get(ctx, id)
}

// Latest retrieves the most recent run.
func (s *Service) Latest(ctx context.Context) (*Record, bool, error) {
	return s.store.Latest(ctx)
}

// Alerts lists persisted alerts, newest first. A limit of zero or less
// means DefaultAlertLimit; larger limits are capped at MaxAlertLimit.
func (s *Service) Alerts(ctx context.Context, limit int) ([]incident.StoredAlert, error) {
	if s.alerts == nil {
		return []incident.StoredAlert{}, nil
	}
	switch {
	case limit <= 0:
		limit = DefaultAlertLimit
	case limit > MaxAlertLimit:
		limit = MaxAlertLimit
	}
	out, err := s.alerts.RecentAlerts(ctx, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []incident.StoredAlert{}
	}
	return out, nil
}

// begin claims the active slot and stores a pending record. A nil record
// means another run holds the slot; its ID is returned instead.
func (s *Service) begin(ctx context.Context) (*Record, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != "" {
		return nil, s.active, nil
	}

	rec := &Record{
		ID:        ulid.Make().String(),
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return nil, "", err
	}
	s.active = rec.ID
	return rec, "", nil
}

func (s *Service) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == id {
		s.active = ""
	}
}

func (s *Service) execute(ctx context.Context, rec *Record) {
	defer s.release(rec.ID)

	L := s.logger.With("run_id", rec.ID)
	ctx = log.WithContext(ctx, L)

	rec.Status = StatusInProgress
	if err := s.store.Put(ctx, rec); err != nil {
		L.Error(ctx, err, "failed to update status to in_progress")
	}

	runCtx := ctx
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	res := s.runner.Run(runCtx)

	rec.Result = res
	rec.CompletedAt = time.Now().UTC()
	rec.Status = StatusComplete
	if res == nil || res.Status != pipeline.StatusSuccess {
		rec.Status = StatusFailed
	}

	if err := s.store.Put(ctx, rec); err != nil {
		L.Error(ctx, err, "failed to persist run result")
	}

	L.Info(ctx, "run complete", "status", rec.Status)

	if s.opts.Notifier != nil {
		if err := s.opts.Notifier.Notify(ctx, rec); err != nil {
			L.Warn(ctx, "run notification failed", "error", err)
		}
	}
}

func (s *Service) countSubmit(result string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.SubmitsTotal.WithLabelValues(result).Inc()
	}
}

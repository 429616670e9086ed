// Package pgstore provides a PostgreSQL implementation of incident.Store
// and runs.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/canary/internal/incident"
	"github.com/linnemanlabs/canary/internal/pipeline"
	"github.com/linnemanlabs/canary/internal/postgres"
	"github.com/linnemanlabs/canary/internal/runs"
	"github.com/linnemanlabs/canary/internal/schema"
)

var tracer = otel.Tracer("github.com/linnemanlabs/canary/internal/pgstore")

//go:embed schema.sql
var ddl string

// Store persists incidents, alerts and run records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller
// owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(postgres.WithOperation(ctx, "migrate"), ddl); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op, dbOp string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", dbOp),
	))
	return postgres.WithOperation(ctx, op), span
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const caseColumns = `id, establishment_id, report_date, onset_date, symptoms, foods_consumed,
	patient_count, status, created_at`

const establishmentColumns = `id, name, address, city, state, postal_code, latitude, longitude, created_at`

const alertColumns = `id, establishment_id, alert_type, severity, case_count, details, created_at`

// CasesSince implements incident.Store.
func (s *Store) CasesSince(ctx context.Context, since time.Time) ([]incident.Case, error) {
	ctx, span := startSpan(ctx, "CasesSince", "cases_since", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE report_date >= $1 ORDER BY report_date, id`, since)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query cases: %w", err))
	}
	defer rows.Close()

	out := make([]incident.Case, 0)
	for rows.Next() {
		var (
			c      incident.Case
			status string
		)
		if err := rows.Scan(&c.ID, &c.EstablishmentID, &c.ReportDate, &c.OnsetDate, &c.Symptoms,
			&c.FoodsConsumed, &c.PatientCount, &status, &c.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan case: %w", err))
		}
		c.Status = incident.CaseStatus(status)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate cases: %w", err))
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

// EstablishmentsByID implements incident.Store.
func (s *Store) EstablishmentsByID(ctx context.Context, ids []int64) ([]incident.Establishment, error) {
	ctx, span := startSpan(ctx, "EstablishmentsByID", "establishments_by_id", "SELECT")
	defer span.End()

	out := make([]incident.Establishment, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+establishmentColumns+` FROM establishments WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query establishments: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var e incident.Establishment
		if err := rows.Scan(&e.ID, &e.Name, &e.Address, &e.City, &e.State, &e.PostalCode,
			&e.Latitude, &e.Longitude, &e.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan establishment: %w", err))
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate establishments: %w", err))
	}
	return out, nil
}

// AddEstablishments inserts establishments in one transaction. Rows with a
// non-zero ID are upserted under that ID and the ID sequence is moved past
// them.
func (s *Store) AddEstablishments(ctx context.Context, es []incident.Establishment) ([]int64, error) {
	ctx, span := startSpan(ctx, "AddEstablishments", "add_establishments", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	ids := make([]int64, len(es))
	explicit := false
	for i, e := range es {
		var id int64
		if e.ID != 0 {
			explicit = true
			err = tx.QueryRow(ctx,
				`INSERT INTO establishments (id, name, address, city, state, postal_code, latitude, longitude)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				 ON CONFLICT (id) DO UPDATE SET
					name        = EXCLUDED.name,
					address     = EXCLUDED.address,
					city        = EXCLUDED.city,
					state       = EXCLUDED.state,
					postal_code = EXCLUDED.postal_code,
					latitude    = EXCLUDED.latitude,
					longitude   = EXCLUDED.longitude
				 RETURNING id`,
				e.ID, e.Name, e.Address, e.City, e.State, e.PostalCode, e.Latitude, e.Longitude,
			).Scan(&id)
		} else {
			err = tx.QueryRow(ctx,
				`INSERT INTO establishments (name, address, city, state, postal_code, latitude, longitude)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 RETURNING id`,
				e.Name, e.Address, e.City, e.State, e.PostalCode, e.Latitude, e.Longitude,
			).Scan(&id)
		}
		if err != nil {
			return nil, fail(span, fmt.Errorf("insert establishment %q: %w", e.Name, err))
		}
		ids[i] = id
	}

	if explicit {
		if _, err := tx.Exec(ctx,
			`SELECT setval(pg_get_serial_sequence('establishments', 'id'), (SELECT MAX(id) FROM establishments))`); err != nil {
			return nil, fail(span, fmt.Errorf("advance establishment sequence: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return ids, nil
}

// InsertCases implements incident.Store. Each batch of
// incident.InsertBatchSize cases is sent as one pgx batch in its own
// transaction; a failed batch is rolled back and earlier batches stay
// committed.
func (s *Store) InsertCases(ctx context.Context, cases []incident.Case) ([]int64, error) {
	ctx, span := startSpan(ctx, "InsertCases", "insert_cases", "INSERT")
	defer span.End()

	ids := make([]int64, 0, len(cases))
	n := 0
	for chunk := range slices.Chunk(cases, incident.InsertBatchSize) {
		got, err := s.insertCaseBatch(ctx, chunk)
		if err != nil {
			return ids, fail(span, fmt.Errorf("insert cases batch %d: %w", n, err))
		}
		ids = append(ids, got...)
		n++
	}
	span.SetAttributes(attribute.Int("db.rows", len(ids)))
	return ids, nil
}

func (s *Store) insertCaseBatch(ctx context.Context, chunk []incident.Case) ([]int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	b := &pgx.Batch{}
	for _, c := range chunk {
		status := c.Status
		if status == "" {
			status = incident.CaseSuspected
		}
		b.Queue(
			`INSERT INTO cases (establishment_id, report_date, onset_date, symptoms, foods_consumed, patient_count, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id`,
			c.EstablishmentID, c.ReportDate, c.OnsetDate, nonNil(c.Symptoms), nonNil(c.FoodsConsumed),
			c.PatientCount, string(status),
		)
	}

	ids := make([]int64, len(chunk))
	br := tx.SendBatch(ctx, b)
	for i := range chunk {
		if err := br.QueryRow().Scan(&ids[i]); err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("case %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

// InsertAlerts implements incident.Store. The batch is written in a single
// transaction, all or nothing.
func (s *Store) InsertAlerts(ctx context.Context, alerts []schema.Alert) ([]incident.StoredAlert, error) {
	ctx, span := startSpan(ctx, "InsertAlerts", "insert_alerts", "INSERT")
	defer span.End()
	span.SetAttributes(attribute.Int("canary.alerts", len(alerts)))

	out := make([]incident.StoredAlert, len(alerts))
	if len(alerts) == 0 {
		return out, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	b := &pgx.Batch{}
	for _, a := range alerts {
		b.Queue(
			`INSERT INTO alerts (establishment_id, alert_type, severity, case_count, details)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id, created_at`,
			a.EstablishmentID, string(a.AlertType), string(a.Severity), a.CaseCount, a.Details,
		)
	}

	br := tx.SendBatch(ctx, b)
	for i, a := range alerts {
		out[i].Alert = a
		if err := br.QueryRow().Scan(&out[i].ID, &out[i].CreatedAt); err != nil {
			_ = br.Close()
			return nil, fail(span, fmt.Errorf("insert alert %d: %w", i, err))
		}
	}
	if err := br.Close(); err != nil {
		return nil, fail(span, fmt.Errorf("close batch: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return out, nil
}

// RecentAlerts implements incident.Store.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]incident.StoredAlert, error) {
	ctx, span := startSpan(ctx, "RecentAlerts", "recent_alerts", "SELECT")
	defer span.End()

	out := make([]incident.StoredAlert, 0)
	if limit <= 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+alertColumns+` FROM alerts ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query alerts: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a               incident.StoredAlert
			alertType, sevr string
		)
		if err := rows.Scan(&a.ID, &a.EstablishmentID, &alertType, &sevr, &a.CaseCount, &a.Details, &a.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan alert: %w", err))
		}
		a.AlertType = schema.AlertType(alertType)
		a.Severity = schema.Tier(sevr)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate alerts: %w", err))
	}
	return out, nil
}

// Get implements runs.Store.
func (s *Store) Get(ctx context.Context, id string) (*runs.Record, bool, error) {
	ctx, span := startSpan(ctx, "Get", "get_run", "SELECT")
	defer span.End()

	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT id, status, created_at, completed_at, result FROM pipeline_runs WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// Latest implements runs.Store.
func (s *Store) Latest(ctx context.Context) (*runs.Record, bool, error) {
	ctx, span := startSpan(ctx, "Latest", "latest_run", "SELECT")
	defer span.End()

	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT id, status, created_at, completed_at, result FROM pipeline_runs
		 ORDER BY created_at DESC, id DESC LIMIT 1`))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// Put implements runs.Store with an upsert on the run ID.
func (s *Store) Put(ctx context.Context, r *runs.Record) error {
	ctx, span := startSpan(ctx, "Put", "put_run", "UPSERT")
	defer span.End()

	var resultJSON []byte
	if r.Result != nil {
		var err error
		if resultJSON, err = json.Marshal(r.Result); err != nil {
			return fail(span, fmt.Errorf("marshal result: %w", err))
		}
	}

	var completedAt *time.Time
	if !r.CompletedAt.IsZero() {
		completedAt = &r.CompletedAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, status, created_at, completed_at, result)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
			status       = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			result       = EXCLUDED.result`,
		r.ID, string(r.Status), r.CreatedAt, completedAt, resultJSON,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert run: %w", err))
	}
	return nil
}

// scanRun returns (nil, nil) when no row is found.
func scanRun(row pgx.Row) (*runs.Record, error) {
	var (
		r           runs.Record
		status      string
		completedAt *time.Time
		resultJSON  []byte
	)
	if err := row.Scan(&r.ID, &status, &r.CreatedAt, &completedAt, &resultJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.Status = runs.Status(status)
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}
	if len(resultJSON) > 0 {
		r.Result = &pipeline.Result{}
		if err := json.Unmarshal(resultJSON, r.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return &r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

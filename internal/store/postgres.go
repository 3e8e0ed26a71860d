package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"loyalty-notify/internal/models"
)

var _ Store = (*Postgres)(nil)

const jobColumns = `id, type, status, payload, result, error, attempts, max_attempts,
	scheduled_at, started_at, completed_at, created_at, updated_at`

// Postgres wraps pgxpool for job persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health probes.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Insert(ctx context.Context, job models.Job) (models.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, job.ID, job.Type, string(job.Status), jsonArg(job.Payload), jsonArg(job.Result), job.Error,
		job.Attempts, job.MaxAttempts, job.ScheduledAt, job.StartedAt, job.CompletedAt,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *Postgres) UpdateWhere(ctx context.Context, id string, expected []models.Status, patch Patch) (bool, error) {
	sql, args := buildUpdate(id, expected, patch)
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) SelectOneEligible(ctx context.Context, types []string, now time.Time) (*models.Job, error) {
	if types == nil {
		types = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'pending'
		  AND scheduled_at <= $1
		  AND (cardinality($2::text[]) = 0 OR type = ANY($2::text[]))
		ORDER BY scheduled_at ASC, created_at ASC
		LIMIT 1
	`, now, types)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select eligible job: %w", err)
	}
	return job, nil
}

func (s *Postgres) SelectByID(ctx context.Context, id string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select job %s: %w", id, err)
	}
	return job, nil
}

func (s *Postgres) ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// buildUpdate renders a conditional UPDATE for patch. $1 is the id and $2
// the expected statuses; patch values follow.
func buildUpdate(id string, expected []models.Status, p Patch) (string, []any) {
	statuses := make([]string, len(expected))
	for i, st := range expected {
		statuses[i] = string(st)
	}
	args := []any{id, statuses}
	sets := []string{"updated_at = NOW()"}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.Attempts != nil {
		add("attempts", *p.Attempts)
	}
	if p.IncrAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}
	if p.ClearError {
		sets = append(sets, "error = NULL")
	} else if p.Error != nil {
		add("error", *p.Error)
	}
	if p.Result != nil {
		add("result", string(p.Result))
	}
	if p.ScheduledAt != nil {
		add("scheduled_at", *p.ScheduledAt)
	}
	if p.ClearStarted {
		sets = append(sets, "started_at = NULL")
	} else if p.StartedAt != nil {
		add("started_at", *p.StartedAt)
	}
	if p.ClearComplete {
		sets = append(sets, "completed_at = NULL")
	} else if p.CompletedAt != nil {
		add("completed_at", *p.CompletedAt)
	}

	sql := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $1 AND status = ANY($2::text[])", strings.Join(sets, ", "))
	return sql, args
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job     models.Job
		status  string
		payload []byte
		result  []byte
		lastErr pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.Type, &status, &payload, &result, &lastErr, &job.Attempts, &job.MaxAttempts,
		&job.ScheduledAt, &job.StartedAt, &job.CompletedAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Status = models.Status(status)
	job.Payload = payload
	if len(result) > 0 {
		job.Result = result
	}
	job.Error = textPtr(lastErr)
	return &job, nil
}

// jsonArg passes raw JSON as text so pgx casts it into the jsonb column; empty means NULL.
func jsonArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

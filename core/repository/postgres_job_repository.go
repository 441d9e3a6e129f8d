package repository

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DataInsightAutomation/trainingFramework/core/models"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// PostgresJobRepository persists jobs and their transition log in Postgres.
// Credentials in parameters are masked before they are written.
type PostgresJobRepository struct {
	db *DB
}

var _ JobRepository = (*PostgresJobRepository)(nil)

// NewPostgresJobRepository creates a repository on an open pool
func NewPostgresJobRepository(db *DB) *PostgresJobRepository {
	return &PostgresJobRepository{db: db}
}

// CreateJob inserts a PENDING job and its creation event
func (r *PostgresJobRepository) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("create job %s: %w: initial status %s", job.ID, ErrInvalidTransition, job.Status)
	}

	params, err := json.Marshal(job.Parameters.Redacted())
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	details := []byte("[]")
	if len(job.DatasetDetails) > 0 {
		if details, err = json.Marshal(job.DatasetDetails); err != nil {
			return fmt.Errorf("encode dataset details: %w", err)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, status, progress, message, parameters, dataset_details, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, job.ID, job.Kind, job.Status, job.Progress, job.Message, string(params), string(details), createdAt, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("create job %s: %w", job.ID, ErrJobExists)
		}
		return err
	}

	if err := insertEvent(ctx, tx, job.ID, nil, job.Status, job.Message); err != nil {
		return err
	}
	return tx.Commit()
}

// GetJob retrieves a job by ID
func (r *PostgresJobRepository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, kind, status, progress, message, parameters, dataset_details, metrics,
			created_at, started_at, finished_at, updated_at
		FROM jobs
		WHERE id = $1
	`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get job %s: %w", id, ErrJobNotFound)
	}
	return job, err
}

// ListJobs lists jobs with optional filters, newest first
func (r *PostgresJobRepository) ListJobs(ctx context.Context, filter ListFilter) ([]*models.Job, error) {
	query := `
		SELECT id, kind, status, progress, message, parameters, dataset_details, metrics,
			created_at, started_at, finished_at, updated_at
		FROM jobs
	`
	var where []string
	var args []any
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus updates job status atomically with event logging
func (r *PostgresJobRepository) UpdateJobStatus(ctx context.Context, id string, to models.JobStatus, update StatusUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var from models.JobStatus
	var message string
	err = tx.QueryRowContext(ctx, `SELECT status, message FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&from, &message)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update job %s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return err
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("update job %s: %w: %s -> %s", id, ErrInvalidTransition, from, to)
	}

	if update.Message != "" {
		message = update.Message
	}
	var progress sql.NullFloat64
	if update.Progress != nil {
		progress = sql.NullFloat64{Float64: clampProgress(*update.Progress), Valid: true}
	}
	var metrics sql.NullString
	if update.Metrics != nil {
		encoded, err := json.Marshal(update.Metrics)
		if err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
		metrics = sql.NullString{String: string(encoded), Valid: true}
	}
	now := time.Now().UTC()
	var startedAt, finishedAt *time.Time
	if to == models.JobStatusRunning {
		startedAt = &now
	}
	if to.IsTerminal() {
		finishedAt = &now
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET
			status = $1,
			message = $2,
			progress = COALESCE($3, progress),
			metrics = COALESCE($4::jsonb, metrics),
			started_at = COALESCE($5, started_at),
			finished_at = COALESCE($6, finished_at),
			updated_at = $7
		WHERE id = $8
	`, to, message, progress, metrics, startedAt, finishedAt, now, id)
	if err != nil {
		return err
	}

	if err := insertEvent(ctx, tx, id, &from, to, message); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateJobProgress records progress for a RUNNING job
func (r *PostgresJobRepository) UpdateJobProgress(ctx context.Context, id string, progress float64, message string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET
			progress = $1,
			message = CASE WHEN $2 = '' THEN message ELSE $2 END,
			updated_at = NOW()
		WHERE id = $3 AND status = $4
	`, clampProgress(progress), message, id, models.JobStatusRunning)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}

	job, err := r.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("update job %s: %w: progress in status %s", id, ErrInvalidTransition, job.Status)
}

// GetJobEvents retrieves the transition log of a job, oldest first
func (r *PostgresJobRepository) GetJobEvents(ctx context.Context, id string) ([]models.JobEvent, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("get events %s: %w", id, ErrJobNotFound)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_id, at, from_status, to_status, message
		FROM job_events
		WHERE job_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var event models.JobEvent
		var fromStatus sql.NullString
		if err := rows.Scan(&event.ID, &event.JobID, &event.At, &fromStatus, &event.ToStatus, &event.Message); err != nil {
			return nil, err
		}
		if fromStatus.Valid {
			status := models.JobStatus(fromStatus.String)
			event.FromStatus = &status
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func insertEvent(ctx context.Context, tx *sql.Tx, jobID string, from *models.JobStatus, to models.JobStatus, message string) error {
	var fromStatus sql.NullString
	if from != nil {
		fromStatus = sql.NullString{String: string(*from), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, from_status, to_status, message)
		VALUES ($1, $2, $3, $4)
	`, jobID, fromStatus, to, message)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var params, details, metrics []byte
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.Status,
		&job.Progress,
		&job.Message,
		&params,
		&details,
		&metrics,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := decodeJSON(params, &job.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if err := decodeJSON(details, &job.DatasetDetails); err != nil {
		return nil, fmt.Errorf("decode dataset details: %w", err)
	}
	if len(metrics) > 0 {
		if err := decodeJSON(metrics, &job.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.CompletedAt = &finishedAt.Time
	}
	return &job, nil
}

// decodeJSON keeps numbers as json.Number so integer parameters survive a round trip
func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

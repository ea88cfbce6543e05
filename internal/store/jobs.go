package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/saldanaj97/atlaris-sub003/internal/models"
)

const jobColumns = `id, type, plan_id, user_id, status, priority, attempts, max_attempts, payload, result, error, scheduled_for, started_at, completed_at, created_at, updated_at`

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	Type         string
	PlanID       *string
	UserID       string
	Payload      any
	Priority     int
	MaxAttempts  int
	ScheduledFor time.Time
}

// Enqueue inserts a pending job and returns it.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.ScheduledFor.IsZero() {
		p.ScheduledFor = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, type, plan_id, user_id, status, priority, attempts, max_attempts, payload, scheduled_for, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, NOW(), NOW())
		RETURNING `+jobColumns+`
	`, id, p.Type, p.PlanID, p.UserID, models.StatusPending, p.Priority, p.MaxAttempts, payloadJSON, p.ScheduledFor)

	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// ClaimNext atomically claims the highest-priority due pending job of one of
// the given types. SKIP LOCKED keeps concurrent claimers from blocking on or
// double-claiming the same row; with no free row it returns (nil, nil).
func (s *Store) ClaimNext(ctx context.Context, types []string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $3 AND scheduled_for <= NOW() AND type = ANY($1)
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns+`
	`, types, models.StatusProcessing, models.StatusPending)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// Complete marks a job completed with its result. Calling it on a terminal
// row is a no-op that returns the row unchanged.
func (s *Store) Complete(ctx context.Context, jobID string, result any) (models.Job, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal result: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $2, result = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5)
		RETURNING `+jobColumns+`
	`, jobID, models.StatusCompleted, resultJSON, models.StatusCompleted, models.StatusFailed)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already terminal (or unknown id); return current state untouched.
		return s.GetJob(ctx, jobID)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("complete job: %w", err)
	}
	return job, nil
}

// ReclaimStale returns jobs stuck in processing longer than olderThan to
// pending. A worker that crashed mid-job never persists an outcome, so its
// claim expires here and another worker redelivers the job.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, started_at = NULL, updated_at = NOW()
		WHERE status = $2 AND started_at < $3
	`, models.StatusPending, models.StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailOpts tunes one Fail call.
type FailOpts struct {
	// Retryable overrides the default policy (attempts+1 < max_attempts).
	Retryable *bool
	// RetryAt schedules the retry; zero means immediately.
	RetryAt time.Time
}

// retryDecision applies the retry policy for one failed processing attempt.
// An explicitly terminal failure stays terminal; an explicitly retryable one
// still cannot exceed the attempt budget.
func retryDecision(job models.Job, override *bool) (attempts int, retryable bool) {
	attempts = job.Attempts + 1
	retryable = attempts < job.MaxAttempts
	if override != nil {
		retryable = *override && attempts < job.MaxAttempts
	}
	return attempts, retryable
}

// Fail records a failed processing attempt. A retryable failure increments
// attempts and resets the job to pending with cleared progress fields; a
// terminal failure freezes the row as failed. Idempotent on terminal rows.
func (s *Store) Fail(ctx context.Context, jobID, errMsg string, opts FailOpts) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("lock job: %w", err)
	}
	if job.Terminal() {
		return job, nil
	}

	attempts, retryable := retryDecision(job, opts.Retryable)

	var updated models.Job
	if retryable {
		retryAt := opts.RetryAt
		if retryAt.IsZero() {
			retryAt = time.Now().UTC()
		}
		row = tx.QueryRow(ctx, `
			UPDATE jobs SET status = $2, attempts = $3, scheduled_for = $4,
				started_at = NULL, error = NULL, result = NULL, updated_at = NOW()
			WHERE id = $1
			RETURNING `+jobColumns+`
		`, jobID, models.StatusPending, attempts, retryAt)
	} else {
		row = tx.QueryRow(ctx, `
			UPDATE jobs SET status = $2, attempts = $3, error = $4,
				completed_at = NOW(), updated_at = NOW()
			WHERE id = $1
			RETURNING `+jobColumns+`
		`, jobID, models.StatusFailed, attempts, errMsg)
	}
	updated, err = scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("fail job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// FindByPlan lists a plan's jobs, newest first.
func (s *Store) FindByPlan(ctx context.Context, planID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE plan_id = $1 ORDER BY created_at DESC`, planID)
	if err != nil {
		return nil, fmt.Errorf("query plan jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountUserJobsSince counts a user's jobs of one type created after since,
// for quota checks.
func (s *Store) CountUserJobsSince(ctx context.Context, userID, jobType string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE user_id = $1 AND type = $2 AND created_at >= $3
	`, userID, jobType, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count user jobs: %w", err)
	}
	return n, nil
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var planID, lastErr pgtype.Text
	var started, completed pgtype.Timestamptz
	var payload, result []byte

	err := row.Scan(&job.ID, &job.Type, &planID, &job.UserID, &job.Status, &job.Priority,
		&job.Attempts, &job.MaxAttempts, &payload, &result, &lastErr,
		&job.ScheduledFor, &started, &completed, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}

	job.PlanID = textPtr(planID)
	job.LastError = textPtr(lastErr)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	job.Payload = payload
	job.Result = result
	return job, nil
}

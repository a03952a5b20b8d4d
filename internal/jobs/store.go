// Package jobs implements the durable summarization queue: idempotent
// enqueue, lease-based claim with skip-locked selection, retry with
// exponential backoff, and dead-lettering.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/inbox-intel/internal/domain"
)

const (
	// MaxAttempts is the job-level retry cap. The fifth failure kills
	// the job.
	MaxAttempts = 5

	// BackoffBase is the first retry delay; attempt n waits base·2^n.
	// Sequence: 2m, 4m, 8m, 16m, then dead.
	BackoffBase = 2 * time.Minute

	// LeaseTimeout is how long a running job may hold its lease before
	// another worker can reclaim it.
	LeaseTimeout = 10 * time.Minute
)

// ErrLostLease is returned by MarkSucceeded when the job row was no
// longer running under any lease: a reclaiming worker finished it first.
var ErrLostLease = errors.New("job lease lost")

// Store is the Postgres-backed job queue. Safe for concurrent use from
// many workers in many processes; claim contention is resolved by
// FOR UPDATE SKIP LOCKED.
type Store struct{ db *sql.DB }

// NewStore creates a job store over the given database.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Backoff returns the requeue delay after the given number of prior
// attempts.
func Backoff(attempts int) time.Duration {
	return BackoffBase << attempts
}

// Enqueue inserts a queued job for (jobType, account, message). The
// unique key makes this idempotent: if any job for that work already
// exists (in any status), nothing is inserted and the existing job is
// returned with inserted=false.
func (s *Store) Enqueue(ctx context.Context, jobType domain.JobType, accountID, providerMessageID string) (*domain.Job, bool, error) {
	id := uuid.New().String()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_jobs
			(id, job_type, account_id, provider_message_id, status, attempts, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', 0, NOW(), NOW(), NOW())
		ON CONFLICT (job_type, account_id, provider_message_id) DO NOTHING
	`, id, jobType, accountID, providerMessageID)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue job: %w", err)
	}
	n, _ := res.RowsAffected()

	job := &domain.Job{}
	err = s.db.QueryRowContext(ctx, `
		SELECT id, status, attempts FROM ai_jobs
		WHERE job_type = $1 AND account_id = $2 AND provider_message_id = $3
	`, jobType, accountID, providerMessageID).Scan(&job.ID, &job.Status, &job.Attempts)
	if err != nil {
		return nil, false, fmt.Errorf("load enqueued job: %w", err)
	}
	job.JobType = jobType
	job.AccountID = accountID
	job.ProviderMessageID = providerMessageID
	return job, n == 1, nil
}

// Claim atomically selects up to batch runnable jobs, marks them running
// under this worker's lease, and returns them. Runnable means queued
// with run_after due, or running past the lease timeout (stale-lease
// reclamation). Rows being claimed by a parallel worker are skipped, not
// blocked on, so N workers drain disjoint batches without contention.
func (s *Store) Claim(ctx context.Context, workerID string, batch int) ([]domain.Job, error) {
	if batch <= 0 {
		batch = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE ai_jobs
			SET status = 'running',
			    locked_by = $1,
			    locked_at = NOW(),
			    updated_at = NOW()
			WHERE id IN (
				SELECT j.id FROM ai_jobs j
				WHERE (j.status = 'queued' AND j.run_after <= NOW())
				   OR (j.status = 'running' AND j.locked_at < NOW() - $2::interval)
				ORDER BY j.created_at ASC
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, job_type, account_id, provider_message_id, attempts, run_after, created_at
		)
		SELECT id, job_type, account_id, provider_message_id, attempts, run_after, created_at
		FROM claimed
		ORDER BY created_at ASC
	`, workerID, LeaseTimeout.String(), batch)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []domain.Job
	for rows.Next() {
		j := domain.Job{Status: domain.JobRunning, LockedBy: workerID}
		if err := rows.Scan(&j.ID, &j.JobType, &j.AccountID, &j.ProviderMessageID,
			&j.Attempts, &j.RunAfter, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		j.LockedAt = &now
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkSucceeded finishes a job this worker still owns. If the update hits
// zero rows the lease was reclaimed and someone else owns completion;
// the caller gets ErrLostLease and must not treat the work as failed.
func (s *Store) MarkSucceeded(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ai_jobs
		SET status = 'succeeded',
		    locked_by = NULL,
		    locked_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, jobID)
	if err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrLostLease
	}
	return nil
}

// MarkFailed records a failed attempt. Retryable failures under the
// attempt cap go back to queued with exponential backoff; everything
// else is dead-lettered with the error code preserved.
func (s *Store) MarkFailed(ctx context.Context, jobID, errorCode string, retryable bool) error {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`SELECT attempts FROM ai_jobs WHERE id = $1`, jobID).Scan(&attempts)
	if err == sql.ErrNoRows {
		return fmt.Errorf("mark failed: job %s not found", jobID)
	}
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	if retryable && attempts+1 < MaxAttempts {
		delay := Backoff(attempts)
		_, err = s.db.ExecContext(ctx, `
			UPDATE ai_jobs
			SET status = 'queued',
			    attempts = attempts + 1,
			    run_after = NOW() + $2::interval,
			    locked_by = NULL,
			    locked_at = NULL,
			    last_error_code = $3,
			    last_error_at = NOW(),
			    updated_at = NOW()
			WHERE id = $1
		`, jobID, delay.String(), errorCode)
		if err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE ai_jobs
		SET status = 'dead',
		    attempts = attempts + 1,
		    locked_by = NULL,
		    locked_at = NULL,
		    last_error_code = $2,
		    last_error_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`, jobID, errorCode)
	if err != nil {
		return fmt.Errorf("dead-letter job: %w", err)
	}
	return nil
}

// CountsByStatus returns the number of jobs in each status.
func (s *Store) CountsByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM ai_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job counts: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.JobStatus]int)
	for rows.Next() {
		var st domain.JobStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

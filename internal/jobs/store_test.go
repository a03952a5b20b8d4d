package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ignite/inbox-intel/internal/domain"
)

func setupStoreTest(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return NewStore(db), mock, func() { db.Close() }
}

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		16 * time.Minute,
	}
	for n, w := range want {
		if got := Backoff(n); got != w {
			t.Errorf("Backoff(%d) = %s, want %s", n, got, w)
		}
	}
}

func TestEnqueueInsertsNewJob(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO ai_jobs").
		WithArgs(sqlmock.AnyArg(), string(domain.JobTypeSummarize), "a@x.com", "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, status, attempts FROM ai_jobs").
		WithArgs(string(domain.JobTypeSummarize), "a@x.com", "msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "attempts"}).
			AddRow("job-1", "queued", 0))

	job, inserted, err := store.Enqueue(context.Background(), domain.JobTypeSummarize, "a@x.com", "msg-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !inserted {
		t.Error("expected inserted=true for new job")
	}
	if job.Status != domain.JobQueued || job.ID != "job-1" {
		t.Errorf("unexpected job: %+v", job)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEnqueueDuplicateIsNoop(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	// Conflict: zero rows inserted, existing job returned (L1).
	mock.ExpectExec("INSERT INTO ai_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, status, attempts FROM ai_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "attempts"}).
			AddRow("job-1", "succeeded", 1))

	job, inserted, err := store.Enqueue(context.Background(), domain.JobTypeSummarize, "a@x.com", "msg-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if inserted {
		t.Error("expected inserted=false for duplicate")
	}
	if job.Status != domain.JobSucceeded {
		t.Errorf("expected existing job returned, got %+v", job)
	}
}

func TestClaimReturnsBatch(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	now := time.Now().UTC()
	mock.ExpectQuery("WITH claimed AS").
		WithArgs("worker-1", LeaseTimeout.String(), 2).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "job_type", "account_id", "provider_message_id", "attempts", "run_after", "created_at",
		}).
			AddRow("job-1", "summarize_email", "a@x.com", "m1", 0, now, now).
			AddRow("job-2", "summarize_email", "a@x.com", "m2", 1, now, now))

	claimed, err := store.Claim(context.Background(), "worker-1", 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(claimed))
	}
	for _, j := range claimed {
		if j.Status != domain.JobRunning || j.LockedBy != "worker-1" {
			t.Errorf("claimed job not running under lease: %+v", j)
		}
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	mock.ExpectQuery("WITH claimed AS").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "job_type", "account_id", "provider_message_id", "attempts", "run_after", "created_at",
		}))

	claimed, err := store.Claim(context.Background(), "worker-1", 5)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("expected empty claim, got %d", len(claimed))
	}
}

func TestMarkSucceeded(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	mock.ExpectExec("UPDATE ai_jobs").
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.MarkSucceeded(context.Background(), "job-1"); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
}

func TestMarkSucceededLostLease(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	mock.ExpectExec("UPDATE ai_jobs").
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.MarkSucceeded(context.Background(), "job-1")
	if err != ErrLostLease {
		t.Fatalf("expected ErrLostLease, got %v", err)
	}
}

func TestMarkFailedRetryableRequeues(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	mock.ExpectQuery("SELECT attempts FROM ai_jobs").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(0))
	mock.ExpectExec("UPDATE ai_jobs").
		WithArgs("job-1", (2 * time.Minute).String(), domain.ErrCodeMistralFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.MarkFailed(context.Background(), "job-1", domain.ErrCodeMistralFailed, true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkFailedFourthRetryWaitsSixteenMinutes(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	mock.ExpectQuery("SELECT attempts FROM ai_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(3))
	mock.ExpectExec("UPDATE ai_jobs").
		WithArgs("job-1", (16 * time.Minute).String(), domain.ErrCodeMistralFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.MarkFailed(context.Background(), "job-1", domain.ErrCodeMistralFailed, true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkFailedExhaustedGoesDead(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	// Fifth failure (attempts=4 prior) dead-letters.
	mock.ExpectQuery("SELECT attempts FROM ai_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(4))
	mock.ExpectExec("UPDATE ai_jobs").
		WithArgs("job-1", domain.ErrCodeMistralFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.MarkFailed(context.Background(), "job-1", domain.ErrCodeMistralFailed, true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
}

func TestMarkFailedNotRetryableGoesDead(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	mock.ExpectQuery("SELECT attempts FROM ai_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(0))
	mock.ExpectExec("UPDATE ai_jobs").
		WithArgs("job-1", domain.ErrCodeEmailNotFound).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.MarkFailed(context.Background(), "job-1", domain.ErrCodeEmailNotFound, false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
}

func TestCountsByStatus(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("queued", 3).
			AddRow("dead", 1))

	counts, err := store.CountsByStatus(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[domain.JobQueued] != 3 || counts[domain.JobDead] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

package domain

import "time"

// JobStatus is the lifecycle state of a queue entry.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobDead      JobStatus = "dead"
)

// JobType identifies the kind of work a job represents. There is
// currently one type; the column exists so the queue can carry other
// work later without a schema change.
type JobType string

const JobTypeSummarize JobType = "summarize_email"

// Job error codes recorded on last_error_code. These drive the
// retry-vs-dead decision in the worker.
const (
	ErrCodeEmailNotFound    = "EMAIL_NOT_FOUND"
	ErrCodePreprocessFailed = "PREPROCESS_FAILED"
	ErrCodeMistralFailed    = "MISTRAL_FAILED"
	ErrCodeParseFailed      = "PARSE_FAILED"
	ErrCodeStoreFailed      = "STORE_FAILED"
	ErrCodeLostLease        = "LOST_LEASE"
)

// Job is one unit of summarization work for one (account, message).
// (JobType, AccountID, ProviderMessageID) is unique, so re-enqueueing
// the same work is a no-op.
type Job struct {
	ID                string
	JobType           JobType
	AccountID         string
	ProviderMessageID string
	Status            JobStatus
	Attempts          int
	RunAfter          time.Time
	LockedBy          string
	LockedAt          *time.Time
	LastErrorCode     string
	LastErrorAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

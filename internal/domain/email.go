package domain

import "time"

// Email is one normalized message observed in a connected mailbox.
// Rows are insert-only: content fields never change after first
// observation, and (AccountID, ProviderMessageID) is unique.
type Email struct {
	ID                string
	AccountID         string
	ProviderMessageID string
	ThreadID          string
	Subject           string
	Sender            string
	ReceivedAt        time.Time
	Body              string
	CreatedAt         time.Time
}

// SyncCursor is the last provider history marker durably committed for an
// account. It only ever moves forward, and only after the batch it
// demarcates has been committed.
type SyncCursor struct {
	AccountID   string
	CursorValue string
	UpdatedAt   time.Time
}

// WorkerPolicy is the process-wide policy record consulted by the sync
// engine at the start of each cycle.
type WorkerPolicy struct {
	WorkerEnabled     bool
	MaxEmailsPerCycle int
}

// DefaultMaxEmailsPerCycle bounds a sync pass when no policy row exists.
const DefaultMaxEmailsPerCycle = 30

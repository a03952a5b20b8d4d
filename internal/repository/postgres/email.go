// Package postgres implements the durable stores owned by the core:
// emails, sync cursors, AI summaries, accounts, policy, and the audit
// log. Each store is a thin struct over *sql.DB using $n placeholders
// and sentinel errors; uniqueness is enforced by the database and
// conflicts are ignored where the caller is allowed to race.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/inbox-intel/internal/domain"
)

// ErrNotFound is returned by Get-style calls when no row matches.
var ErrNotFound = errors.New("row not found")

// EmailRepo persists normalized emails. Rows are insert-only; the unique
// constraint on (account_id, provider_message_id) makes re-syncs
// duplicate-safe.
type EmailRepo struct{ db *sql.DB }

// NewEmailRepo creates a Postgres-backed email store.
func NewEmailRepo(db *sql.DB) *EmailRepo { return &EmailRepo{db: db} }

// Insert stores a new email, ignoring the row if the (account, provider
// message) pair already exists. Returns true when a row was actually
// inserted. All timestamps are coerced to UTC before they hit the wire;
// the storage layer is the last line of defense for the UTC invariant.
func (r *EmailRepo) Insert(ctx context.Context, e *domain.Email) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO emails
			(id, account_id, provider_message_id, thread_id, subject, sender, received_at, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (account_id, provider_message_id) DO NOTHING
	`, e.ID, e.AccountID, e.ProviderMessageID, nullIfEmpty(e.ThreadID),
		e.Subject, e.Sender, e.ReceivedAt.UTC(), e.Body)
	if err != nil {
		return false, fmt.Errorf("insert email: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Get returns one email by its provider identity within an account.
func (r *EmailRepo) Get(ctx context.Context, accountID, providerMessageID string) (*domain.Email, error) {
	e := &domain.Email{}
	var threadID sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, account_id, provider_message_id, thread_id, subject, sender, received_at, body, created_at
		FROM emails
		WHERE account_id = $1 AND provider_message_id = $2
	`, accountID, providerMessageID).Scan(
		&e.ID, &e.AccountID, &e.ProviderMessageID, &threadID,
		&e.Subject, &e.Sender, &e.ReceivedAt, &e.Body, &e.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get email: %w", err)
	}
	e.ThreadID = threadID.String
	e.ReceivedAt = e.ReceivedAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

// List returns the most recent emails, newest first. An empty accountID
// lists across all accounts (read endpoints allow it; the core never does).
func (r *EmailRepo) List(ctx context.Context, accountID string, limit int) ([]domain.Email, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT id, account_id, provider_message_id, COALESCE(thread_id,''), subject, sender, received_at, body, created_at
		FROM emails`
	args := []interface{}{}
	if accountID != "" {
		q += ` WHERE account_id = $1`
		args = append(args, accountID)
	}
	q += fmt.Sprintf(` ORDER BY received_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list emails: %w", err)
	}
	defer rows.Close()

	var out []domain.Email
	for rows.Next() {
		var e domain.Email
		if err := rows.Scan(&e.ID, &e.AccountID, &e.ProviderMessageID, &e.ThreadID,
			&e.Subject, &e.Sender, &e.ReceivedAt, &e.Body, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		e.ReceivedAt = e.ReceivedAt.UTC()
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// EmailWithSummary is the joined read shape for the UI list view.
type EmailWithSummary struct {
	domain.Email
	Summary *domain.Summary
}

// ListWithSummaries returns emails left-joined with their committed
// summaries under the given prompt version, newest first.
func (r *EmailRepo) ListWithSummaries(ctx context.Context, accountID, promptVersion string, limit int) ([]EmailWithSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT e.id, e.account_id, e.provider_message_id, COALESCE(e.thread_id,''),
		       e.subject, e.sender, e.received_at, e.body, e.created_at,
		       s.model, s.input_hash, s.summary_json, s.summary_text, s.created_at
		FROM emails e
		LEFT JOIN email_ai_summaries s
		  ON s.account_id = e.account_id
		 AND s.provider_message_id = e.provider_message_id
		 AND s.prompt_version = $1`
	args := []interface{}{promptVersion}
	if accountID != "" {
		q += ` WHERE e.account_id = $2`
		args = append(args, accountID)
	}
	q += fmt.Sprintf(` ORDER BY e.received_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list emails with summaries: %w", err)
	}
	defer rows.Close()

	var out []EmailWithSummary
	for rows.Next() {
		var e EmailWithSummary
		var model, inputHash, summaryJSON, summaryText sql.NullString
		var summaryAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.AccountID, &e.ProviderMessageID, &e.ThreadID,
			&e.Subject, &e.Sender, &e.ReceivedAt, &e.Body, &e.CreatedAt,
			&model, &inputHash, &summaryJSON, &summaryText, &summaryAt); err != nil {
			return nil, fmt.Errorf("scan email with summary: %w", err)
		}
		e.ReceivedAt = e.ReceivedAt.UTC()
		e.CreatedAt = e.CreatedAt.UTC()
		if model.Valid {
			s := &domain.Summary{
				AccountID:         e.AccountID,
				ProviderMessageID: e.ProviderMessageID,
				PromptVersion:     promptVersion,
				Model:             model.String,
				InputHash:         inputHash.String,
				SummaryText:       summaryText.String,
				CreatedAt:         summaryAt.Time.UTC(),
			}
			decodeSummaryStruct(summaryJSON.String, &s.Struct)
			e.Summary = s
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountForAccount returns how many emails an account has stored.
func (r *EmailRepo) CountForAccount(ctx context.Context, accountID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM emails WHERE account_id = $1`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count emails: %w", err)
	}
	return n, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// FormatUTC renders an instant the way the API serializes every
// timestamp: RFC3339 with an explicit +00:00 offset.
func FormatUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000+00:00")
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/inbox-intel/internal/domain"
)

// CursorRepo persists the per-account provider history marker. The sync
// engine is the only writer; Advance is called strictly after the batch
// the new cursor demarcates has been committed, so the stored cursor
// never leads the committed email set.
type CursorRepo struct{ db *sql.DB }

// NewCursorRepo creates a Postgres-backed sync cursor store.
func NewCursorRepo(db *sql.DB) *CursorRepo { return &CursorRepo{db: db} }

// Get returns the stored cursor for an account. ErrNotFound means the
// account has never completed a sync pass (bootstrap case).
func (r *CursorRepo) Get(ctx context.Context, accountID string) (*domain.SyncCursor, error) {
	c := &domain.SyncCursor{AccountID: accountID}
	err := r.db.QueryRowContext(ctx, `
		SELECT cursor_value, updated_at FROM gmail_sync_state WHERE account_id = $1
	`, accountID).Scan(&c.CursorValue, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

// Advance upserts the cursor value for an account.
func (r *CursorRepo) Advance(ctx context.Context, accountID, cursorValue string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO gmail_sync_state (account_id, cursor_value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			cursor_value = EXCLUDED.cursor_value,
			updated_at = NOW()
	`, accountID, cursorValue)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

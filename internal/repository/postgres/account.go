package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/inbox-intel/internal/domain"
)

// AccountRepo persists connected mailbox accounts and their delegated
// token bundles. The OAuth handshake that creates these rows lives
// outside this service; the core only reads bundles and handles the
// disconnect cascade.
type AccountRepo struct{ db *sql.DB }

// NewAccountRepo creates a Postgres-backed account store.
func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{db: db} }

// TokenBundle is the stored delegated-authorization material for one
// account. AccessToken may be stale; RefreshToken is the durable secret.
type TokenBundle struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// List returns all connected accounts, most recently connected first.
func (r *AccountRepo) List(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT account_id, connected, connected_at, last_sync_at
		FROM gmail_accounts
		ORDER BY connected_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		var a domain.Account
		var lastSync sql.NullTime
		if err := rows.Scan(&a.AccountID, &a.Connected, &a.ConnectedAt, &lastSync); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		a.Email = a.AccountID
		a.ConnectedAt = a.ConnectedAt.UTC()
		if lastSync.Valid {
			t := lastSync.Time.UTC()
			a.LastSyncAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Get returns one account. ErrNotFound when it was never connected.
func (r *AccountRepo) Get(ctx context.Context, accountID string) (*domain.Account, error) {
	a := &domain.Account{}
	var lastSync sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT account_id, connected, connected_at, last_sync_at
		FROM gmail_accounts WHERE account_id = $1
	`, accountID).Scan(&a.AccountID, &a.Connected, &a.ConnectedAt, &lastSync)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	a.Email = a.AccountID
	a.ConnectedAt = a.ConnectedAt.UTC()
	if lastSync.Valid {
		t := lastSync.Time.UTC()
		a.LastSyncAt = &t
	}
	return a, nil
}

// GetTokenBundle loads the delegated token material for an account.
// ErrNotFound covers both a missing account and a disconnected one.
func (r *AccountRepo) GetTokenBundle(ctx context.Context, accountID string) (*TokenBundle, error) {
	b := &TokenBundle{}
	var access sql.NullString
	var expiry sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, token_expiry
		FROM gmail_accounts
		WHERE account_id = $1 AND connected = true
	`, accountID).Scan(&access, &b.RefreshToken, &expiry)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token bundle: %w", err)
	}
	b.AccessToken = access.String
	if expiry.Valid {
		b.Expiry = expiry.Time.UTC()
	}
	return b, nil
}

// UpdateAccessToken stores a refreshed access token so later passes skip
// the refresh round-trip.
func (r *AccountRepo) UpdateAccessToken(ctx context.Context, accountID, accessToken string, expiry time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE gmail_accounts SET access_token = $2, token_expiry = $3
		WHERE account_id = $1
	`, accountID, accessToken, expiry.UTC())
	if err != nil {
		return fmt.Errorf("update access token: %w", err)
	}
	return nil
}

// TouchLastSync records the completion instant of a sync pass.
func (r *AccountRepo) TouchLastSync(ctx context.Context, accountID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE gmail_accounts SET last_sync_at = NOW() WHERE account_id = $1
	`, accountID)
	if err != nil {
		return fmt.Errorf("touch last sync: %w", err)
	}
	return nil
}

// Disconnect removes an account. Emails, jobs, summaries, and the sync
// cursor go with it via ON DELETE CASCADE.
func (r *AccountRepo) Disconnect(ctx context.Context, accountID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM gmail_accounts WHERE account_id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("disconnect account: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

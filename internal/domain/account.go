package domain

import "time"

// Account is one connected mailbox identity, keyed by its canonical
// address. The token bundle itself lives with the credential accessor;
// the core only needs identity and connection state.
type Account struct {
	AccountID   string    `json:"account_id"`
	Email       string    `json:"email"`
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty"`
}

// Package provider abstracts the mailbox backend behind a small
// adapter interface so the sync engine never speaks a provider's wire
// protocol directly.
package provider

import (
	"context"
	"errors"

	"github.com/ignite/inbox-intel/internal/domain"
)

var (
	// ErrAuthRequired means the provider rejected our credentials for
	// the account. The caller should stop syncing the account until it
	// is reconnected.
	ErrAuthRequired = errors.New("provider rejected account credentials")

	// ErrCursorExpired means the delta cursor is too old for the
	// provider to resume from. The caller must re-bootstrap.
	ErrCursorExpired = errors.New("provider cursor expired")

	// ErrMessageGone means the message was deleted between listing and
	// fetch. Skippable.
	ErrMessageGone = errors.New("provider message no longer exists")
)

// Adapter is one mailbox backend. Implementations must be safe for
// concurrent use across accounts.
type Adapter interface {
	// ListNewMessageIDs returns up to max message IDs that appeared
	// after the given cursor, plus the cursor to commit once those
	// messages are durably stored. An empty cursor means bootstrap:
	// list the most recent messages and return a fresh cursor.
	ListNewMessageIDs(ctx context.Context, accountID, cursor string, max int) (ids []string, nextCursor string, err error)

	// FetchMessage retrieves and normalizes one message.
	FetchMessage(ctx context.Context, accountID, messageID string) (*domain.Email, error)
}

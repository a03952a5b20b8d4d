// Package accounts mediates access to connected mailbox credentials.
// The interactive OAuth consent flow lives in a separate onboarding
// surface; this service only consumes the stored refresh tokens.
package accounts

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/repository/postgres"
)

// ErrAuthRequired means the account's delegated authorization is gone:
// the refresh token was revoked or expired and the user must reconnect.
// Sync passes for the account stop until then.
var ErrAuthRequired = errors.New("account authorization required")

// gmailReadScope is the only scope this service ever needs.
const gmailReadScope = "https://www.googleapis.com/auth/gmail.readonly"

// Service hands out live access tokens for connected accounts,
// refreshing through the stored bundle when the cached token is stale.
type Service struct {
	repo *postgres.AccountRepo
	conf *oauth2.Config
}

// NewService creates the credential accessor for the given OAuth client.
func NewService(repo *postgres.AccountRepo, clientID, clientSecret string) *Service {
	return &Service{
		repo: repo,
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmailReadScope},
		},
	}
}

// AccessToken returns a currently-valid access token for the account,
// refreshing and persisting it if the cached one has expired. Returns
// ErrAuthRequired when the provider rejects the refresh token.
func (s *Service) AccessToken(ctx context.Context, accountID string) (string, error) {
	bundle, err := s.repo.GetTokenBundle(ctx, accountID)
	if err == postgres.ErrNotFound {
		return "", ErrAuthRequired
	}
	if err != nil {
		return "", fmt.Errorf("load token bundle: %w", err)
	}

	stored := &oauth2.Token{
		AccessToken:  bundle.AccessToken,
		RefreshToken: bundle.RefreshToken,
		Expiry:       bundle.Expiry,
	}
	tok, err := s.conf.TokenSource(ctx, stored).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			(retrieveErr.Response.StatusCode == 400 || retrieveErr.Response.StatusCode == 401) {
			logger.Warn("refresh token rejected", "account", accountID)
			return "", ErrAuthRequired
		}
		return "", fmt.Errorf("refresh access token: %w", err)
	}

	if tok.AccessToken != stored.AccessToken {
		if err := s.repo.UpdateAccessToken(ctx, accountID, tok.AccessToken, tok.Expiry); err != nil {
			// Non-fatal: the next pass just refreshes again.
			logger.Warn("persist refreshed token failed", "account", accountID, "error", err)
		}
	}
	return tok.AccessToken, nil
}

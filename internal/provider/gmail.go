package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/inbox-intel/internal/domain"
	"github.com/ignite/inbox-intel/internal/pkg/httpretry"
)

const defaultGmailBaseURL = "https://gmail.googleapis.com"

// TokenFunc returns a live access token for an account.
type TokenFunc func(ctx context.Context, accountID string) (string, error)

// Gmail is the Gmail REST adapter. Bootstrap lists the newest inbox
// messages; delta passes walk the history feed from the stored marker.
type Gmail struct {
	baseURL string
	client  httpretry.HTTPDoer
	token   TokenFunc
}

// NewGmail creates the Gmail adapter. A nil doer gets a retrying client
// with sane defaults.
func NewGmail(token TokenFunc, doer httpretry.HTTPDoer) *Gmail {
	if doer == nil {
		doer = httpretry.NewRetryClient(&http.Client{Timeout: 30 * time.Second}, 3)
	}
	return &Gmail{baseURL: defaultGmailBaseURL, client: doer, token: token}
}

// NewGmailWithBaseURL is NewGmail pointed at a non-default endpoint.
func NewGmailWithBaseURL(token TokenFunc, doer httpretry.HTTPDoer, baseURL string) *Gmail {
	g := NewGmail(token, doer)
	g.baseURL = strings.TrimRight(baseURL, "/")
	return g
}

type gmailProfile struct {
	HistoryID string `json:"historyId"`
}

type gmailMessageRef struct {
	ID string `json:"id"`
}

type gmailMessageList struct {
	Messages []gmailMessageRef `json:"messages"`
}

type gmailHistoryList struct {
	History []struct {
		MessagesAdded []struct {
			Message gmailMessageRef `json:"message"`
		} `json:"messagesAdded"`
	} `json:"history"`
	HistoryID     string `json:"historyId"`
	NextPageToken string `json:"nextPageToken"`
}

type gmailMessage struct {
	ID           string           `json:"id"`
	ThreadID     string           `json:"threadId"`
	InternalDate string           `json:"internalDate"`
	Payload      gmailMessagePart `json:"payload"`
}

type gmailMessagePart struct {
	MimeType string `json:"mimeType"`
	Headers  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body struct {
		Data string `json:"data"`
	} `json:"body"`
	Parts []gmailMessagePart `json:"parts"`
}

// ListNewMessageIDs implements Adapter. With an empty cursor it lists
// the most recent inbox messages and anchors a fresh history marker;
// otherwise it walks history.messagesAdded from the stored marker.
// The returned cursor always covers every returned ID, never more.
func (g *Gmail) ListNewMessageIDs(ctx context.Context, accountID, cursor string, max int) ([]string, string, error) {
	if cursor == "" {
		return g.bootstrap(ctx, accountID, max)
	}
	return g.delta(ctx, accountID, cursor, max)
}

func (g *Gmail) bootstrap(ctx context.Context, accountID string, max int) ([]string, string, error) {
	// Anchor the marker before listing so messages arriving mid-listing
	// are picked up by the first delta pass instead of lost.
	var profile gmailProfile
	if err := g.get(ctx, accountID, "/gmail/v1/users/me/profile", nil, &profile); err != nil {
		return nil, "", err
	}

	q := url.Values{}
	q.Set("maxResults", strconv.Itoa(max))
	q.Set("labelIds", "INBOX")
	var list gmailMessageList
	if err := g.get(ctx, accountID, "/gmail/v1/users/me/messages", q, &list); err != nil {
		return nil, "", err
	}

	ids := make([]string, 0, len(list.Messages))
	for _, m := range list.Messages {
		ids = append(ids, m.ID)
	}
	return ids, profile.HistoryID, nil
}

func (g *Gmail) delta(ctx context.Context, accountID, cursor string, max int) ([]string, string, error) {
	var ids []string
	nextCursor := cursor
	pageToken := ""
	seen := map[string]bool{}

	for {
		q := url.Values{}
		q.Set("startHistoryId", cursor)
		q.Set("historyTypes", "messageAdded")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page gmailHistoryList
		if err := g.get(ctx, accountID, "/gmail/v1/users/me/history", q, &page); err != nil {
			return nil, "", err
		}

		for _, h := range page.History {
			for _, added := range h.MessagesAdded {
				id := added.Message.ID
				if id == "" || seen[id] {
					continue
				}
				seen[id] = true
				ids = append(ids, id)
				if len(ids) >= max {
					// Budget hit mid-feed: do not advance the cursor past
					// work we have not returned. The next pass resumes
					// from the same marker and dedup absorbs the overlap.
					return ids, cursor, nil
				}
			}
		}

		if page.HistoryID != "" {
			nextCursor = page.HistoryID
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return ids, nextCursor, nil
}

// FetchMessage implements Adapter.
func (g *Gmail) FetchMessage(ctx context.Context, accountID, messageID string) (*domain.Email, error) {
	q := url.Values{}
	q.Set("format", "full")
	var msg gmailMessage
	err := g.get(ctx, accountID, "/gmail/v1/users/me/messages/"+url.PathEscape(messageID), q, &msg)
	if err != nil {
		return nil, err
	}

	email := &domain.Email{
		ID:                uuid.New().String(),
		AccountID:         accountID,
		ProviderMessageID: msg.ID,
		ThreadID:          msg.ThreadID,
		Subject:           headerValue(msg.Payload, "Subject"),
		Sender:            headerValue(msg.Payload, "From"),
		ReceivedAt:        receivedAt(msg),
		Body:              extractBody(msg.Payload),
	}
	return email, nil
}

func (g *Gmail) get(ctx context.Context, accountID, path string, q url.Values, out interface{}) error {
	tok, err := g.token(ctx, accountID)
	if err != nil {
		return err
	}

	u := g.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gmail %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return ErrAuthRequired
	case resp.StatusCode == http.StatusNotFound && strings.Contains(path, "/history"):
		// History too old to resume from.
		io.Copy(io.Discard, resp.Body)
		return ErrCursorExpired
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return ErrMessageGone
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gmail %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gmail %s: decode: %w", path, err)
	}
	return nil
}

func headerValue(p gmailMessagePart, name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// receivedAt prefers the provider's internal receipt instant over the
// sender-controlled Date header.
func receivedAt(msg gmailMessage) time.Time {
	if ms, err := strconv.ParseInt(msg.InternalDate, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	if v := headerValue(msg.Payload, "Date"); v != "" {
		if t, err := mail.ParseDate(v); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// extractBody walks the MIME tree preferring text/plain, falling back
// to text/html (the preprocessor strips markup later).
func extractBody(p gmailMessagePart) string {
	if body := findPart(p, "text/plain"); body != "" {
		return body
	}
	return findPart(p, "text/html")
}

func findPart(p gmailMessagePart, mimeType string) string {
	if strings.HasPrefix(p.MimeType, mimeType) && p.Body.Data != "" {
		return decodeBody(p.Body.Data)
	}
	for _, child := range p.Parts {
		if body := findPart(child, mimeType); body != "" {
			return body
		}
	}
	return ""
}

func decodeBody(data string) string {
	if b, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(data, "=")); err == nil {
		return string(b)
	}
	if b, err := base64.StdEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}

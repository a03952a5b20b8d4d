package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/inbox-intel/internal/domain"
	"github.com/ignite/inbox-intel/internal/pkg/httputil"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/repository/postgres"
	syncengine "github.com/ignite/inbox-intel/internal/sync"
)

// Dependencies are expressed as narrow interfaces so handler tests can
// run against in-memory fakes.

type SyncTrigger interface {
	SyncAccount(ctx context.Context, accountID string) syncengine.Result
	SyncAll(ctx context.Context) ([]syncengine.Result, error)
}

type EmailReader interface {
	List(ctx context.Context, accountID string, limit int) ([]domain.Email, error)
	ListWithSummaries(ctx context.Context, accountID, promptVersion string, limit int) ([]postgres.EmailWithSummary, error)
}

type SummaryReader interface {
	Get(ctx context.Context, accountID, providerMessageID, promptVersion string) (*domain.Summary, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, jobType domain.JobType, accountID, providerMessageID string) (*domain.Job, bool, error)
	CountsByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
}

type AccountReader interface {
	List(ctx context.Context) ([]domain.Account, error)
	Disconnect(ctx context.Context, accountID string) error
}

// Handlers carries the API dependencies.
type Handlers struct {
	syncer    SyncTrigger
	emails    EmailReader
	summaries SummaryReader
	queue     JobQueue
	accounts  AccountReader

	promptVersion string
	llmConfigured bool
}

// NewHandlers wires the handler set. promptVersion selects which
// summary generation the read endpoints serve; llmConfigured drives the
// no_key degradation of the manual summarize endpoint.
func NewHandlers(syncer SyncTrigger, emails EmailReader, summaries SummaryReader,
	queue JobQueue, accounts AccountReader, promptVersion string, llmConfigured bool) *Handlers {
	return &Handlers{
		syncer:        syncer,
		emails:        emails,
		summaries:     summaries,
		queue:         queue,
		accounts:      accounts,
		promptVersion: promptVersion,
		llmConfigured: llmConfigured,
	}
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

// SyncNow triggers one sync pass. With account_id it runs that account
// synchronously; without, it runs every connected account.
func (h *Handlers) SyncNow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := r.URL.Query().Get("account_id")

	if accountID != "" {
		res := h.syncer.SyncAccount(ctx, accountID)
		httputil.JSON(w, syncStatusCode(res), syncNowResponse(res))
		return
	}

	results, err := h.syncer.SyncAll(ctx)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	total := map[string]interface{}{"status": "done", "count": 0, "processed_count": 0, "results": results}
	for _, res := range results {
		total["count"] = total["count"].(int) + res.CountNew
		total["processed_count"] = total["processed_count"].(int) + res.CountListed
	}
	httputil.OK(w, total)
}

func syncNowResponse(res syncengine.Result) map[string]interface{} {
	status := "done"
	switch {
	case res.Error == "auth_required":
		status = "auth_required"
	case res.Error != "":
		status = "error"
	case res.Skipped:
		status = "skipped"
	}
	out := map[string]interface{}{
		"status":          status,
		"count":           res.CountNew,
		"processed_count": res.CountListed,
	}
	if res.Error != "" && res.Error != "auth_required" {
		out["error"] = res.Error
	}
	return out
}

func syncStatusCode(res syncengine.Result) int {
	switch {
	case res.Error == "auth_required":
		return http.StatusUnauthorized
	case res.Error != "":
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

// EnqueueSummary is the manual summarize trigger. Idempotent: repeated
// calls for the same message return the same job.
func (h *Handlers) EnqueueSummary(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	messageID := chi.URLParam(r, "provider_message_id")
	if accountID == "" || messageID == "" {
		httputil.BadRequest(w, "account_id and provider_message_id are required")
		return
	}

	if !h.llmConfigured {
		httputil.OK(w, map[string]string{"status": "no_key"})
		return
	}

	job, _, err := h.queue.Enqueue(r.Context(), domain.JobTypeSummarize, accountID, messageID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "queued", "job_id": job.ID})
}

// ListEmails serves the raw inbox list. Transient store failures
// degrade to an empty array so the UI keeps rendering.
func (h *Handlers) ListEmails(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	rows, err := h.emails.List(r.Context(), accountID, queryLimit(r))
	if err != nil {
		logger.Error("list emails failed", "account", accountID, "error", err)
		httputil.OK(w, []emailJSON{})
		return
	}

	out := make([]emailJSON, 0, len(rows))
	for i := range rows {
		out = append(out, emailToJSON(&rows[i]))
	}
	httputil.OK(w, out)
}

// ListEmailsWithSummaries serves the joined list view.
func (h *Handlers) ListEmailsWithSummaries(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	rows, err := h.emails.ListWithSummaries(r.Context(), accountID, h.promptVersion, queryLimit(r))
	if err != nil {
		logger.Error("list emails with summaries failed", "account", accountID, "error", err)
		httputil.OK(w, []emailWithSummaryJSON{})
		return
	}

	out := make([]emailWithSummaryJSON, 0, len(rows))
	for i := range rows {
		item := emailWithSummaryJSON{emailJSON: emailToJSON(&rows[i].Email)}
		if s := rows[i].Summary; s != nil {
			item.Summary = summaryToJSON(s)
		}
		out = append(out, item)
	}
	httputil.OK(w, out)
}

// GetSummary serves one summary, or pending while none is committed.
func (h *Handlers) GetSummary(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	messageID := chi.URLParam(r, "provider_message_id")
	if accountID == "" || messageID == "" {
		httputil.BadRequest(w, "account_id and provider_message_id are required")
		return
	}

	s, err := h.summaries.Get(r.Context(), accountID, messageID, h.promptVersion)
	if err == postgres.ErrNotFound {
		httputil.OK(w, map[string]string{"status": "pending"})
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"status":       "ready",
		"summary_json": s.Struct,
		"summary_text": s.SummaryText,
		"model":        s.Model,
		"created_at":   postgres.FormatUTC(s.CreatedAt),
	})
}

// ListAccounts serves the connected-account list.
func (h *Handlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := h.accounts.List(r.Context())
	if err != nil {
		logger.Error("list accounts failed", "error", err)
		httputil.OK(w, map[string]interface{}{"accounts": []accountJSON{}})
		return
	}

	out := make([]accountJSON, 0, len(accts))
	for _, a := range accts {
		out = append(out, accountToJSON(a))
	}
	httputil.OK(w, map[string]interface{}{"accounts": out})
}

// DisconnectAccount removes an account and, via cascade, everything
// derived from it.
func (h *Handlers) DisconnectAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")
	if accountID == "" {
		httputil.BadRequest(w, "account_id is required")
		return
	}
	err := h.accounts.Disconnect(r.Context(), accountID)
	if err == postgres.ErrNotFound {
		httputil.NotFound(w, "account not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "disconnected"})
}

// JobStats reports queue depth by status for operational dashboards.
func (h *Handlers) JobStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.CountsByStatus(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"jobs": counts})
}

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return 50
}

// Wire shapes. Every timestamp is RFC3339 UTC with the explicit +00:00
// offset.

type emailJSON struct {
	ID                string `json:"id"`
	AccountID         string `json:"account_id"`
	ProviderMessageID string `json:"provider_message_id"`
	ThreadID          string `json:"thread_id,omitempty"`
	Subject           string `json:"subject"`
	Sender            string `json:"sender"`
	ReceivedAt        string `json:"received_at"`
	Body              string `json:"body"`
}

type summaryJSON struct {
	Overview    string   `json:"overview"`
	ActionItems []string `json:"action_items"`
	Urgency     string   `json:"urgency"`
	SummaryText string   `json:"summary_text"`
	Model       string   `json:"model"`
	CreatedAt   string   `json:"created_at"`
}

type emailWithSummaryJSON struct {
	emailJSON
	Summary *summaryJSON `json:"ai_summary,omitempty"`
}

type accountJSON struct {
	AccountID   string  `json:"account_id"`
	Email       string  `json:"email"`
	Connected   bool    `json:"connected"`
	ConnectedAt string  `json:"connected_at"`
	LastSyncAt  *string `json:"last_sync_at,omitempty"`
}

func emailToJSON(e *domain.Email) emailJSON {
	return emailJSON{
		ID:                e.ID,
		AccountID:         e.AccountID,
		ProviderMessageID: e.ProviderMessageID,
		ThreadID:          e.ThreadID,
		Subject:           e.Subject,
		Sender:            e.Sender,
		ReceivedAt:        postgres.FormatUTC(e.ReceivedAt),
		Body:              e.Body,
	}
}

func summaryToJSON(s *domain.Summary) *summaryJSON {
	items := s.Struct.ActionItems
	if items == nil {
		items = []string{}
	}
	return &summaryJSON{
		Overview:    s.Struct.Overview,
		ActionItems: items,
		Urgency:     string(s.Struct.Urgency),
		SummaryText: s.SummaryText,
		Model:       s.Model,
		CreatedAt:   postgres.FormatUTC(s.CreatedAt),
	}
}

func accountToJSON(a domain.Account) accountJSON {
	out := accountJSON{
		AccountID:   a.AccountID,
		Email:       a.Email,
		Connected:   a.Connected,
		ConnectedAt: postgres.FormatUTC(a.ConnectedAt),
	}
	if a.LastSyncAt != nil {
		v := postgres.FormatUTC(*a.LastSyncAt)
		out.LastSyncAt = &v
	}
	return out
}

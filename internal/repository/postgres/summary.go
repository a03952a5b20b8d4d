package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/ignite/inbox-intel/internal/domain"
)

// SummaryRepo persists committed AI summaries. The unique constraint on
// (account_id, provider_message_id, prompt_version) is what turns the
// queue's at-least-once execution into at-most-one committed summary.
type SummaryRepo struct{ db *sql.DB }

// NewSummaryRepo creates a Postgres-backed summary store.
func NewSummaryRepo(db *sql.DB) *SummaryRepo { return &SummaryRepo{db: db} }

// Insert commits a summary, ignoring the write when a concurrent worker
// already won the race for this (account, message, prompt_version).
// Returns true when this call inserted the row.
func (r *SummaryRepo) Insert(ctx context.Context, s *domain.Summary) (bool, error) {
	structJSON, err := json.Marshal(s.Struct)
	if err != nil {
		return false, fmt.Errorf("marshal summary struct: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO email_ai_summaries
			(account_id, provider_message_id, prompt_version, model, input_hash, summary_json, summary_text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (account_id, provider_message_id, prompt_version) DO NOTHING
	`, s.AccountID, s.ProviderMessageID, s.PromptVersion, s.Model, s.InputHash,
		string(structJSON), s.SummaryText)
	if err != nil {
		return false, fmt.Errorf("insert summary: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Get returns a committed summary, or ErrNotFound while it is pending.
func (r *SummaryRepo) Get(ctx context.Context, accountID, providerMessageID, promptVersion string) (*domain.Summary, error) {
	s := &domain.Summary{
		AccountID:         accountID,
		ProviderMessageID: providerMessageID,
		PromptVersion:     promptVersion,
	}
	var structJSON string
	err := r.db.QueryRowContext(ctx, `
		SELECT model, input_hash, summary_json, summary_text, created_at
		FROM email_ai_summaries
		WHERE account_id = $1 AND provider_message_id = $2 AND prompt_version = $3
	`, accountID, providerMessageID, promptVersion).Scan(
		&s.Model, &s.InputHash, &structJSON, &s.SummaryText, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	s.CreatedAt = s.CreatedAt.UTC()
	decodeSummaryStruct(structJSON, &s.Struct)
	return s, nil
}

// ExistsForInput reports whether a summary with this exact input
// fingerprint is already committed. The worker uses this to skip the LLM
// call entirely when the cleaned input has not changed.
func (r *SummaryRepo) ExistsForInput(ctx context.Context, accountID, providerMessageID, promptVersion, inputHash string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM email_ai_summaries
			WHERE account_id = $1 AND provider_message_id = $2
			  AND prompt_version = $3 AND input_hash = $4
		)
	`, accountID, providerMessageID, promptVersion, inputHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check summary cache: %w", err)
	}
	return exists, nil
}

func decodeSummaryStruct(raw string, dst *domain.SummaryStruct) {
	if raw == "" {
		return
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		log.Printf("[SummaryRepo] corrupt summary_json ignored: %v", err)
	}
}

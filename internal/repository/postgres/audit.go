package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
)

// AuditRepo appends operational events (sync passes, job transitions,
// account lifecycle) to the audit_log table. Writes are best-effort: an
// audit failure is logged and never fails the operation it describes.
type AuditRepo struct{ db *sql.DB }

// NewAuditRepo creates a Postgres-backed audit log.
func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

// Record appends one audit entry.
func (r *AuditRepo) Record(ctx context.Context, accountID, action string, detail map[string]interface{}) {
	var detailJSON []byte
	if detail != nil {
		detailJSON, _ = json.Marshal(detail)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (account_id, action, detail, created_at)
		VALUES ($1, $2, $3, NOW())
	`, accountID, action, nullIfEmpty(string(detailJSON)))
	if err != nil {
		log.Printf("[AuditRepo] record %s failed: %v", action, err)
	}
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/inbox-intel/internal/domain"
)

// PolicyRepo reads the singleton worker policy record. Changes take
// effect at the next sync cycle; there is no transactional coupling to
// job rows.
type PolicyRepo struct{ db *sql.DB }

// NewPolicyRepo creates a Postgres-backed policy store.
func NewPolicyRepo(db *sql.DB) *PolicyRepo { return &PolicyRepo{db: db} }

// Get returns the current policy, falling back to enabled with the
// default cycle budget when no row exists yet.
func (r *PolicyRepo) Get(ctx context.Context) (domain.WorkerPolicy, error) {
	p := domain.WorkerPolicy{
		WorkerEnabled:     true,
		MaxEmailsPerCycle: domain.DefaultMaxEmailsPerCycle,
	}
	err := r.db.QueryRowContext(ctx, `
		SELECT worker_enabled, max_emails_per_cycle FROM worker_policy WHERE id = 1
	`).Scan(&p.WorkerEnabled, &p.MaxEmailsPerCycle)
	if err == sql.ErrNoRows {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("get worker policy: %w", err)
	}
	if p.MaxEmailsPerCycle <= 0 {
		p.MaxEmailsPerCycle = domain.DefaultMaxEmailsPerCycle
	}
	return p, nil
}

// Set upserts the policy record (operational tooling only).
func (r *PolicyRepo) Set(ctx context.Context, p domain.WorkerPolicy) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO worker_policy (id, worker_enabled, max_emails_per_cycle, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET
			worker_enabled = EXCLUDED.worker_enabled,
			max_emails_per_cycle = EXCLUDED.max_emails_per_cycle,
			updated_at = NOW()
	`, p.WorkerEnabled, p.MaxEmailsPerCycle)
	if err != nil {
		return fmt.Errorf("set worker policy: %w", err)
	}
	return nil
}

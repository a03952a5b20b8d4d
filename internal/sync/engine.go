// Package sync implements the mailbox sync engine: per-account delta
// polling against the provider, normalization into the email store, and
// summarization job fan-out. Passes are serialized per account with a
// distributed lock, and the provider cursor is committed only after the
// batch it demarcates is durable.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/inbox-intel/internal/domain"
	"github.com/ignite/inbox-intel/internal/pkg/distlock"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/provider"
)

// Store interfaces are deliberately narrow: the engine only needs a
// sliver of each repository, and tests fake these directly.

type EmailStore interface {
	Insert(ctx context.Context, e *domain.Email) (bool, error)
}

type CursorStore interface {
	Get(ctx context.Context, accountID string) (*domain.SyncCursor, error)
	Advance(ctx context.Context, accountID, cursorValue string) error
}

type JobQueue interface {
	Enqueue(ctx context.Context, jobType domain.JobType, accountID, providerMessageID string) (*domain.Job, bool, error)
}

type PolicyStore interface {
	Get(ctx context.Context) (domain.WorkerPolicy, error)
}

type AccountStore interface {
	List(ctx context.Context) ([]domain.Account, error)
	TouchLastSync(ctx context.Context, accountID string) error
}

type Auditor interface {
	Record(ctx context.Context, accountID, action string, detail map[string]interface{})
}

// Publisher receives fabric events from the engine. Implemented by the
// events hub; a nil publisher is allowed.
type Publisher interface {
	PublishEmailsUpdated(accountID string, countNew int)
}

// LockFactory builds the per-account sync lock. In production this is
// distlock.NewLock over Redis or PG advisory locks.
type LockFactory func(key string) distlock.DistLock

// Result describes one account's sync pass.
type Result struct {
	AccountID      string `json:"account_id"`
	Skipped        bool   `json:"skipped,omitempty"`
	SkipReason     string `json:"skip_reason,omitempty"`
	Bootstrap      bool   `json:"bootstrap,omitempty"`
	CountListed    int    `json:"count_listed"`
	CountNew       int    `json:"count_new"`
	JobsEnqueued   int    `json:"jobs_enqueued"`
	CursorAdvanced bool   `json:"cursor_advanced"`
	// Partial marks a pass that ended early on a transient error; the
	// committed prefix stands and the cursor was held back.
	Partial bool   `json:"partial,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Engine runs sync passes. Safe for concurrent use; per-account
// serialization is delegated to the lock factory.
type Engine struct {
	adapter  provider.Adapter
	emails   EmailStore
	cursors  CursorStore
	queue    JobQueue
	policies PolicyStore
	accounts AccountStore
	audit    Auditor
	pub      Publisher
	locks    LockFactory

	maxPerCycle      int
	enqueueSummaries bool

	// isCursorMissing distinguishes "never synced" from a real error.
	isCursorMissing func(error) bool
}

// Options wires an Engine.
type Options struct {
	Adapter           provider.Adapter
	Emails            EmailStore
	Cursors           CursorStore
	Queue             JobQueue
	Policies          PolicyStore
	Accounts          AccountStore
	Audit             Auditor
	Publisher         Publisher
	Locks             LockFactory
	MaxEmailsPerCycle int
	EnqueueSummaries  bool
	// CursorMissing classifies the cursor store's not-found error.
	CursorMissing func(error) bool
}

// New creates a sync engine.
func New(opts Options) *Engine {
	if opts.MaxEmailsPerCycle <= 0 {
		opts.MaxEmailsPerCycle = domain.DefaultMaxEmailsPerCycle
	}
	if opts.CursorMissing == nil {
		opts.CursorMissing = func(error) bool { return false }
	}
	if opts.Locks == nil {
		opts.Locks = func(string) distlock.DistLock { return noopLock{} }
	}
	return &Engine{
		adapter:          opts.Adapter,
		emails:           opts.Emails,
		cursors:          opts.Cursors,
		queue:            opts.Queue,
		policies:         opts.Policies,
		accounts:         opts.Accounts,
		audit:            opts.Audit,
		pub:              opts.Publisher,
		locks:            opts.Locks,
		maxPerCycle:      opts.MaxEmailsPerCycle,
		enqueueSummaries: opts.EnqueueSummaries,
		isCursorMissing:  opts.CursorMissing,
	}
}

type noopLock struct{}

func (noopLock) Acquire(context.Context) (bool, error) { return true, nil }
func (noopLock) Release(context.Context) error         { return nil }

// SyncAll runs one pass over every connected account. One account's
// failure never blocks the others; per-account outcomes land in the
// returned results.
func (e *Engine) SyncAll(ctx context.Context) ([]Result, error) {
	accts, err := e.accounts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	results := make([]Result, 0, len(accts))
	for _, a := range accts {
		if !a.Connected {
			continue
		}
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		res := e.SyncAccount(ctx, a.AccountID)
		results = append(results, res)
	}
	return results, nil
}

// SyncAccount runs one pass for one account. Never returns an error;
// failures are captured in the result so SyncAll can keep going and the
// manual trigger endpoint can report per-account outcomes.
func (e *Engine) SyncAccount(ctx context.Context, accountID string) Result {
	res := Result{AccountID: accountID}

	lock := e.locks("sync:" + accountID)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		res.Error = fmt.Sprintf("acquire sync lock: %v", err)
		return res
	}
	if !ok {
		// Another process is mid-pass for this account. Overlap would
		// not corrupt anything (dedup + forward-only cursor) but would
		// waste provider quota.
		res.Skipped = true
		res.SkipReason = "locked"
		return res
	}
	defer lock.Release(ctx)

	budget := e.maxPerCycle
	if e.policies != nil {
		policy, err := e.policies.Get(ctx)
		if err != nil {
			logger.Warn("policy read failed, using defaults", "error", err)
		} else {
			if !policy.WorkerEnabled {
				res.Skipped = true
				res.SkipReason = "worker_disabled"
				return res
			}
			if policy.MaxEmailsPerCycle < budget {
				budget = policy.MaxEmailsPerCycle
			}
		}
	}

	cursorValue := ""
	if cur, err := e.cursors.Get(ctx, accountID); err == nil {
		cursorValue = cur.CursorValue
	} else if !e.isCursorMissing(err) {
		res.Error = fmt.Sprintf("load cursor: %v", err)
		return res
	}
	res.Bootstrap = cursorValue == ""

	ids, nextCursor, err := e.adapter.ListNewMessageIDs(ctx, accountID, cursorValue, budget)
	if errors.Is(err, provider.ErrCursorExpired) {
		// The marker aged out at the provider. Re-anchor with a fresh
		// bootstrap; dedup absorbs the re-listed messages.
		logger.Warn("sync cursor expired, re-anchoring", "account", accountID)
		e.record(ctx, accountID, "sync_cursor_expired", nil)
		res.Bootstrap = true
		ids, nextCursor, err = e.adapter.ListNewMessageIDs(ctx, accountID, "", budget)
	}
	if err != nil {
		if errors.Is(err, provider.ErrAuthRequired) {
			res.Error = "auth_required"
			e.record(ctx, accountID, "sync_auth_required", nil)
		} else {
			res.Error = fmt.Sprintf("list messages: %v", err)
		}
		return res
	}
	res.CountListed = len(ids)

	for _, id := range ids {
		email, err := e.adapter.FetchMessage(ctx, accountID, id)
		if errors.Is(err, provider.ErrMessageGone) {
			continue
		}
		if errors.Is(err, provider.ErrAuthRequired) {
			res.Error = "auth_required"
			e.record(ctx, accountID, "sync_auth_required", nil)
			e.finish(ctx, accountID, &res)
			return res
		}
		if err != nil {
			// Transient fetch failure. The prefix committed so far stands
			// and the pass still counts as done; the cursor stays put so
			// the next pass re-covers this batch.
			logger.Warn("fetch message failed, ending pass early",
				"account", accountID, "message_id", id, "error", err)
			res.Partial = true
			break
		}

		inserted, err := e.emails.Insert(ctx, email)
		if err != nil {
			logger.Warn("store message failed, ending pass early",
				"account", accountID, "message_id", id, "error", err)
			res.Partial = true
			break
		}
		if !inserted {
			continue
		}
		res.CountNew++

		if e.enqueueSummaries && e.queue != nil {
			if _, created, err := e.queue.Enqueue(ctx, domain.JobTypeSummarize, accountID, email.ProviderMessageID); err != nil {
				logger.Warn("enqueue summarize job failed",
					"account", accountID, "message_id", email.ProviderMessageID, "error", err)
			} else if created {
				res.JobsEnqueued++
			}
		}
	}

	// The cursor advances only past a fully durable batch.
	if !res.Partial && nextCursor != "" && nextCursor != cursorValue {
		if err := e.cursors.Advance(ctx, accountID, nextCursor); err != nil {
			res.Error = fmt.Sprintf("advance cursor: %v", err)
			e.finish(ctx, accountID, &res)
			return res
		}
		res.CursorAdvanced = true
	}

	e.finish(ctx, accountID, &res)
	return res
}

// finish emits the post-pass side effects shared by complete and
// partially-failed passes: last-sync touch, audit entry, and the
// emails_updated event when anything new landed.
func (e *Engine) finish(ctx context.Context, accountID string, res *Result) {
	if err := e.accounts.TouchLastSync(ctx, accountID); err != nil {
		logger.Warn("touch last sync failed", "account", accountID, "error", err)
	}
	e.record(ctx, accountID, "sync_pass", map[string]interface{}{
		"count_listed":    res.CountListed,
		"count_new":       res.CountNew,
		"jobs_enqueued":   res.JobsEnqueued,
		"cursor_advanced": res.CursorAdvanced,
		"bootstrap":       res.Bootstrap,
		"partial":         res.Partial,
		"error":           res.Error,
	})

	if res.CountNew > 0 && e.pub != nil {
		e.pub.PublishEmailsUpdated(accountID, res.CountNew)
	}

	logger.Info("sync pass finished",
		"account", accountID,
		"listed", res.CountListed,
		"new", res.CountNew,
		"jobs", res.JobsEnqueued,
		"bootstrap", res.Bootstrap)
}

func (e *Engine) record(ctx context.Context, accountID, action string, detail map[string]interface{}) {
	if e.audit == nil {
		return
	}
	e.audit.Record(ctx, accountID, action, detail)
}

// Scheduler runs SyncAll on a fixed interval until the context ends.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
}

// NewScheduler creates the background sync loop.
func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{engine: engine, interval: interval}
}

// Run blocks until ctx is done. The first pass starts one interval in;
// deployments wanting an immediate pass call SyncAll directly first.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Info("sync scheduler started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			logger.Info("sync scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.engine.SyncAll(ctx); err != nil && ctx.Err() == nil {
				logger.Error("sync cycle failed", "error", err)
			}
		}
	}
}

// Package summarizer implements the job worker: claim a batch, run the
// preprocessor, call the LLM under a bounded semaphore, and commit the
// summary. One job's failure never takes down the loop; every outcome
// is classified and fed back to the queue as retryable or terminal.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ignite/inbox-intel/internal/domain"
	"github.com/ignite/inbox-intel/internal/jobs"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/preprocess"
)

// MaxConcurrentRequests caps in-flight LLM calls per process. Compiled
// in for the same reason the model parameters are.
const MaxConcurrentRequests = 3

// rateLimitWaits is the in-call 429 retry schedule. The semaphore is
// released across each wait.
var rateLimitWaits = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}

type EmailStore interface {
	Get(ctx context.Context, accountID, providerMessageID string) (*domain.Email, error)
}

type SummaryStore interface {
	Insert(ctx context.Context, s *domain.Summary) (bool, error)
	ExistsForInput(ctx context.Context, accountID, providerMessageID, promptVersion, inputHash string) (bool, error)
}

type Queue interface {
	Claim(ctx context.Context, workerID string, batch int) ([]domain.Job, error)
	MarkSucceeded(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, errorCode string, retryable bool) error
}

// Publisher receives the summary-ready fabric event. Nil is allowed.
type Publisher interface {
	PublishSummaryReady(accountID, providerMessageID string, at time.Time)
}

// Worker drains the summarization queue.
type Worker struct {
	queue     Queue
	emails    EmailStore
	summaries SummaryStore
	llm       LLM
	pub       Publisher

	workerID         string
	batch            int
	idleSleep        time.Duration
	stripReplyChains bool

	// sem is the process-global LLM permit pool, shared across every
	// Worker in the process.
	sem chan struct{}

	// emailMissing classifies the email store's not-found error.
	emailMissing func(error) bool

	// waits overrides rateLimitWaits in tests.
	waits []time.Duration
}

// Options wires a Worker.
type Options struct {
	Queue            Queue
	Emails           EmailStore
	Summaries        SummaryStore
	LLM              LLM
	Publisher        Publisher
	Batch            int
	IdleSleep        time.Duration
	StripReplyChains bool
	// Semaphore shares the LLM permit pool between workers. Nil gets a
	// fresh pool of MaxConcurrentRequests.
	Semaphore chan struct{}
	// EmailMissing classifies the email store's not-found error.
	EmailMissing func(error) bool
}

// NewSemaphore creates the process-global LLM permit pool.
func NewSemaphore() chan struct{} {
	return make(chan struct{}, MaxConcurrentRequests)
}

// New creates a worker with a hostname+pid identity for lease
// attribution.
func New(opts Options) *Worker {
	if opts.Batch <= 0 {
		opts.Batch = 5
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = 5 * time.Second
	}
	if opts.Semaphore == nil {
		opts.Semaphore = NewSemaphore()
	}
	if opts.EmailMissing == nil {
		opts.EmailMissing = func(error) bool { return false }
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	return &Worker{
		queue:            opts.Queue,
		emails:           opts.Emails,
		summaries:        opts.Summaries,
		llm:              opts.LLM,
		pub:              opts.Publisher,
		workerID:         fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		batch:            opts.Batch,
		idleSleep:        opts.IdleSleep,
		stripReplyChains: opts.StripReplyChains,
		sem:              opts.Semaphore,
		emailMissing:     opts.EmailMissing,
		waits:            rateLimitWaits,
	}
}

// WorkerID returns the lease identity string.
func (w *Worker) WorkerID() string { return w.workerID }

// Run claims and processes batches until ctx ends. On shutdown the
// worker stops claiming; in-flight jobs finish or age out of their
// leases for another worker to reclaim.
func (w *Worker) Run(ctx context.Context) {
	logger.Info("summarizer worker started",
		"worker_id", w.workerID, "batch", w.batch, "idle_sleep", w.idleSleep.String())

	for {
		if ctx.Err() != nil {
			logger.Info("summarizer worker stopped", "worker_id", w.workerID)
			return
		}

		claimed, err := w.queue.Claim(ctx, w.workerID, w.batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", "worker_id", w.workerID, "error", err)
			w.sleep(ctx, w.idleSleep)
			continue
		}
		if len(claimed) == 0 {
			w.sleep(ctx, w.idleSleep)
			continue
		}

		var wg sync.WaitGroup
		for i := range claimed {
			wg.Add(1)
			go func(job domain.Job) {
				defer wg.Done()
				w.Process(ctx, job)
			}(claimed[i])
		}
		wg.Wait()
		// Batch done; loop immediately in case more jobs are queued.
	}
}

// Process runs one job end to end. Failures are classified and handed
// back to the queue; nothing propagates.
func (w *Worker) Process(ctx context.Context, job domain.Job) {
	email, err := w.emails.Get(ctx, job.AccountID, job.ProviderMessageID)
	if err != nil {
		if w.emailMissing(err) {
			w.fail(ctx, job, domain.ErrCodeEmailNotFound, false, err)
		} else {
			w.fail(ctx, job, domain.ErrCodeStoreFailed, true, err)
		}
		return
	}

	cleaned := preprocess.Clean(email.Subject, email.Body,
		preprocess.Options{StripReplyChains: w.stripReplyChains})
	if strings.TrimSpace(cleaned.CleanedText) == "" {
		// Nothing to summarize and re-running will not change that.
		w.fail(ctx, job, domain.ErrCodePreprocessFailed, false, errors.New("empty cleaned text"))
		return
	}
	hash := preprocess.InputHash(PromptVersion, ModelName, cleaned.CleanedText)

	// Cache check: an unchanged email under the same prompt and model
	// never triggers a second LLM call.
	exists, err := w.summaries.ExistsForInput(ctx, job.AccountID, job.ProviderMessageID, PromptVersion, hash)
	if err != nil {
		w.fail(ctx, job, domain.ErrCodeStoreFailed, true, err)
		return
	}
	if exists {
		logger.Info("summary cache hit",
			"worker_id", w.workerID, "account", job.AccountID, "message_id", job.ProviderMessageID)
		w.succeed(ctx, job)
		return
	}

	var summaryStruct domain.SummaryStruct
	if cleaned.Stats.SkipCandidate {
		// Too short to be worth a model call: the text is its own
		// summary.
		summaryStruct = domain.SummaryStruct{
			Overview: truncateRunes(cleaned.CleanedText, domain.MaxOverviewChars),
			Urgency:  domain.UrgencyLow,
		}
	} else {
		summaryStruct, err = w.callLLM(ctx, cleaned.CleanedText)
		if err != nil {
			switch {
			case errors.Is(err, ErrUnparseable):
				w.fail(ctx, job, domain.ErrCodeParseFailed, true, err)
			default:
				// Network, 5xx, deadline, or exhausted 429 retries.
				w.fail(ctx, job, domain.ErrCodeMistralFailed, true, err)
			}
			return
		}
		summaryStruct = sanitize(summaryStruct)
	}

	summary := &domain.Summary{
		AccountID:         job.AccountID,
		ProviderMessageID: job.ProviderMessageID,
		PromptVersion:     PromptVersion,
		Model:             ModelName,
		InputHash:         hash,
		Struct:            summaryStruct,
		SummaryText:       summaryStruct.Overview,
	}
	if _, err := w.summaries.Insert(ctx, summary); err != nil {
		w.fail(ctx, job, domain.ErrCodeStoreFailed, true, err)
		return
	}
	// Insert conflict means a concurrent worker won the race; either
	// way the summary exists, so this attempt succeeded.

	w.succeed(ctx, job)

	if w.pub != nil {
		w.pub.PublishSummaryReady(job.AccountID, job.ProviderMessageID, time.Now().UTC())
	}
}

// callLLM performs the semaphore-gated call with the in-call 429 retry
// schedule. The permit is held only while the call is in flight, never
// across a wait.
func (w *Worker) callLLM(ctx context.Context, cleanedText string) (domain.SummaryStruct, error) {
	var out domain.SummaryStruct
	var err error

	for attempt := 0; ; attempt++ {
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return out, ctx.Err()
		}
		out, err = w.llm.Summarize(ctx, cleanedText)
		<-w.sem

		if !errors.Is(err, ErrRateLimited) || attempt >= len(w.waits) {
			return out, err
		}

		wait := w.waits[attempt]
		logger.Warn("llm rate limited, waiting",
			"worker_id", w.workerID, "attempt", attempt+1, "wait", wait.String())
		if !w.sleep(ctx, wait) {
			return out, ctx.Err()
		}
	}
}

func (w *Worker) succeed(ctx context.Context, job domain.Job) {
	err := w.queue.MarkSucceeded(ctx, job.ID)
	if errors.Is(err, jobs.ErrLostLease) {
		// A reclaiming worker finished the job first. The summary row is
		// already unique, so nothing is wrong; just note it.
		logger.Warn("lease lost at completion",
			"worker_id", w.workerID, "job_id", job.ID, "code", domain.ErrCodeLostLease)
		return
	}
	if err != nil {
		logger.Error("mark succeeded failed", "worker_id", w.workerID, "job_id", job.ID, "error", err)
	}
}

func (w *Worker) fail(ctx context.Context, job domain.Job, code string, retryable bool, cause error) {
	logger.Warn("job failed",
		"worker_id", w.workerID, "job_id", job.ID,
		"code", code, "retryable", retryable, "error", cause)
	if err := w.queue.MarkFailed(ctx, job.ID, code, retryable); err != nil {
		logger.Error("mark failed failed", "worker_id", w.workerID, "job_id", job.ID, "error", err)
	}
}

// sleep waits for d or until ctx ends; reports whether the full wait
// elapsed.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// sanitize enforces the summary shape caps regardless of what the model
// returned.
func sanitize(s domain.SummaryStruct) domain.SummaryStruct {
	s.Overview = truncateRunes(strings.TrimSpace(s.Overview), domain.MaxOverviewChars)
	if len(s.ActionItems) > domain.MaxActionItems {
		s.ActionItems = s.ActionItems[:domain.MaxActionItems]
	}
	switch s.Urgency {
	case domain.UrgencyLow, domain.UrgencyMedium, domain.UrgencyHigh:
	default:
		s.Urgency = domain.UrgencyLow
	}
	return s
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

package summarizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignite/inbox-intel/internal/domain"
	"github.com/ignite/inbox-intel/internal/jobs"
	"github.com/ignite/inbox-intel/internal/preprocess"
)

var errMissing = errors.New("email missing")

type fakeEmails struct {
	rows map[string]*domain.Email // account|message
}

func (f *fakeEmails) Get(ctx context.Context, accountID, providerMessageID string) (*domain.Email, error) {
	if e, ok := f.rows[accountID+"|"+providerMessageID]; ok {
		return e, nil
	}
	return nil, errMissing
}

type fakeSummaries struct {
	mu        sync.Mutex
	existing  map[string]bool // account|message|version|hash
	inserted  []*domain.Summary
	insertErr error
}

func (f *fakeSummaries) Insert(ctx context.Context, s *domain.Summary) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return false, f.insertErr
	}
	f.inserted = append(f.inserted, s)
	return true, nil
}

func (f *fakeSummaries) ExistsForInput(ctx context.Context, accountID, providerMessageID, promptVersion, inputHash string) (bool, error) {
	return f.existing[accountID+"|"+providerMessageID+"|"+promptVersion+"|"+inputHash], nil
}

type fakeQueue struct {
	mu         sync.Mutex
	succeeded  []string
	failed     []string // "jobID:code:retryable"
	succeedErr error
}

func (f *fakeQueue) Claim(ctx context.Context, workerID string, batch int) ([]domain.Job, error) {
	return nil, nil
}

func (f *fakeQueue) MarkSucceeded(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.succeedErr != nil {
		return f.succeedErr
	}
	f.succeeded = append(f.succeeded, jobID)
	return nil
}

func (f *fakeQueue) MarkFailed(ctx context.Context, jobID, errorCode string, retryable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, fmt.Sprintf("%s:%s:%t", jobID, errorCode, retryable))
	return nil
}

// scriptedLLM returns its responses in order, repeating the last one.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []llmResponse
	calls     int32
	inFlight  int32
	maxSeen   int32
}

type llmResponse struct {
	out domain.SummaryStruct
	err error
}

func (f *scriptedLLM) Summarize(ctx context.Context, cleanedText string) (domain.SummaryStruct, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, cur) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	atomic.AddInt32(&f.inFlight, -1)

	n := atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := int(n) - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	r := f.responses[idx]
	return r.out, r.err
}

type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (f *fakePublisher) PublishSummaryReady(accountID, providerMessageID string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, accountID+"|"+providerMessageID)
}

func goodResponse() llmResponse {
	return llmResponse{out: domain.SummaryStruct{
		Overview:    "Contract review needed before Friday.",
		ActionItems: []string{"Review contract", "Collect legal signatures"},
		Urgency:     domain.UrgencyHigh,
	}}
}

func testEmail() *domain.Email {
	return &domain.Email{
		AccountID:         "a@x.com",
		ProviderMessageID: "m1",
		Subject:           "Contract review",
		Body:              "Please review the attached contract before Friday. Legal needs two signatures and the vendor is waiting on our confirmation to proceed.",
	}
}

func testJob() domain.Job {
	return domain.Job{ID: "job-1", JobType: domain.JobTypeSummarize, AccountID: "a@x.com", ProviderMessageID: "m1"}
}

func newTestWorker(llm LLM, emails *fakeEmails, summaries *fakeSummaries, queue *fakeQueue, pub Publisher) *Worker {
	w := New(Options{
		Queue:        queue,
		Emails:       emails,
		Summaries:    summaries,
		LLM:          llm,
		Publisher:    pub,
		EmailMissing: func(err error) bool { return errors.Is(err, errMissing) },
	})
	w.waits = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return w
}

func TestProcessSuccess(t *testing.T) {
	llm := &scriptedLLM{responses: []llmResponse{goodResponse()}}
	emails := &fakeEmails{rows: map[string]*domain.Email{"a@x.com|m1": testEmail()}}
	summaries := &fakeSummaries{}
	queue := &fakeQueue{}
	pub := &fakePublisher{}
	w := newTestWorker(llm, emails, summaries, queue, pub)

	w.Process(context.Background(), testJob())

	if len(summaries.inserted) != 1 {
		t.Fatalf("inserted %d summaries", len(summaries.inserted))
	}
	s := summaries.inserted[0]
	if s.Model != ModelName || s.PromptVersion != PromptVersion {
		t.Errorf("summary identity: %+v", s)
	}
	if s.InputHash == "" || s.SummaryText != s.Struct.Overview {
		t.Errorf("summary fields: %+v", s)
	}
	if len(queue.succeeded) != 1 || queue.succeeded[0] != "job-1" {
		t.Errorf("succeeded: %v", queue.succeeded)
	}
	if len(queue.failed) != 0 {
		t.Errorf("failed: %v", queue.failed)
	}
	if len(pub.events) != 1 || pub.events[0] != "a@x.com|m1" {
		t.Errorf("events: %v", pub.events)
	}
}

func TestProcessEmailMissingIsTerminal(t *testing.T) {
	llm := &scriptedLLM{responses: []llmResponse{goodResponse()}}
	queue := &fakeQueue{}
	w := newTestWorker(llm, &fakeEmails{}, &fakeSummaries{}, queue, nil)

	w.Process(context.Background(), testJob())

	if len(queue.failed) != 1 || queue.failed[0] != "job-1:EMAIL_NOT_FOUND:false" {
		t.Errorf("failed: %v", queue.failed)
	}
	if n := atomic.LoadInt32(&llm.calls); n != 0 {
		t.Errorf("llm called %d times for a missing email", n)
	}
}

func TestProcessCacheHitSkipsLLM(t *testing.T) {
	llm := &scriptedLLM{responses: []llmResponse{goodResponse()}}
	email := testEmail()
	emails := &fakeEmails{rows: map[string]*domain.Email{"a@x.com|m1": email}}

	// Precompute the hash the worker will derive for this email.
	res := preprocess.Clean(email.Subject, email.Body, preprocess.Options{})
	hash := preprocess.InputHash(PromptVersion, ModelName, res.CleanedText)
	summaries := &fakeSummaries{existing: map[string]bool{
		"a@x.com|m1|" + PromptVersion + "|" + hash: true,
	}}
	queue := &fakeQueue{}
	w := newTestWorker(llm, emails, summaries, queue, nil)

	w.Process(context.Background(), testJob())

	if n := atomic.LoadInt32(&llm.calls); n != 0 {
		t.Errorf("llm called %d times on cache hit", n)
	}
	if len(queue.succeeded) != 1 {
		t.Errorf("cache hit not treated as success: %+v", queue)
	}
}

func TestProcessRateLimitedRetriesInCall(t *testing.T) {
	llm := &scriptedLLM{responses: []llmResponse{
		{err: ErrRateLimited},
		{err: ErrRateLimited},
		goodResponse(),
	}}
	emails := &fakeEmails{rows: map[string]*domain.Email{"a@x.com|m1": testEmail()}}
	queue := &fakeQueue{}
	w := newTestWorker(llm, emails, &fakeSummaries{}, queue, nil)

	w.Process(context.Background(), testJob())

	if n := atomic.LoadInt32(&llm.calls); n != 3 {
		t.Errorf("llm calls = %d, want 3", n)
	}
	// In-call retries are invisible to the queue: no failures recorded.
	if len(queue.failed) != 0 || len(queue.succeeded) != 1 {
		t.Errorf("queue state: %+v", queue)
	}
}

func TestProcessRateLimitExhaustionFailsRetryable(t *testing.T) {
	llm := &scriptedLLM{responses: []llmResponse{{err: ErrRateLimited}}}
	emails := &fakeEmails{rows: map[string]*domain.Email{"a@x.com|m1": testEmail()}}
	queue := &fakeQueue{}
	w := newTestWorker(llm, emails, &fakeSummaries{}, queue, nil)

	w.Process(context.Background(), testJob())

	// Initial call + 3 retries, then give up.
	if n := atomic.LoadInt32(&llm.calls); n != 4 {
		t.Errorf("llm calls = %d, want 4", n)
	}
	if len(queue.failed) != 1 || queue.failed[0] != "job-1:MISTRAL_FAILED:true" {
		t.Errorf("failed: %v", queue.failed)
	}
}

func TestProcessUnparseableFailsRetryable(t *testing.T) {
	llm := &scriptedLLM{responses: []llmResponse{{err: fmt.Errorf("%w: not json", ErrUnparseable)}}}
	emails := &fakeEmails{rows: map[string]*domain.Email{"a@x.com|m1": testEmail()}}
	queue := &fakeQueue{}
	w := newTestWorker(llm, emails, &fakeSummaries{}, queue, nil)

	w.Process(context.Background(), testJob())

	if len(queue.failed) != 1 || queue.failed[0] != "job-1:PARSE_FAILED:true" {
		t.Errorf("failed: %v", queue.failed)
	}
}

func TestProcessStoreFailureRetryable(t *testing.T) {
	llm := &scriptedLLM{responses: []llmResponse{goodResponse()}}
	emails := &fakeEmails{rows: map[string]*domain.Email{"a@x.com|m1": testEmail()}}
	summaries := &fakeSummaries{insertErr: errors.New("db down")}
	queue := &fakeQueue{}
	w := newTestWorker(llm, emails, summaries, queue, nil)

	w.Process(context.Background(), testJob())

	if len(queue.failed) != 1 || queue.failed[0] != "job-1:STORE_FAILED:true" {
		t.Errorf("failed: %v", queue.failed)
	}
}

func TestProcessLostLeaseIsQuiet(t *testing.T) {
	llm := &scriptedLLM{responses: []llmResponse{goodResponse()}}
	emails := &fakeEmails{rows: map[string]*domain.Email{"a@x.com|m1": testEmail()}}
	queue := &fakeQueue{succeedErr: jobs.ErrLostLease}
	w := newTestWorker(llm, emails, &fakeSummaries{}, queue, nil)

	w.Process(context.Background(), testJob())

	// Lease loss is logged, never re-raised as a failure.
	if len(queue.failed) != 0 {
		t.Errorf("lost lease recorded as failure: %v", queue.failed)
	}
}

func TestProcessShortEmailSkipsLLM(t *testing.T) {
	llm := &scriptedLLM{responses: []llmResponse{goodResponse()}}
	short := &domain.Email{AccountID: "a@x.com", ProviderMessageID: "m1", Body: "ok thanks, see you then"}
	emails := &fakeEmails{rows: map[string]*domain.Email{"a@x.com|m1": short}}
	summaries := &fakeSummaries{}
	queue := &fakeQueue{}
	w := newTestWorker(llm, emails, summaries, queue, nil)

	w.Process(context.Background(), testJob())

	if n := atomic.LoadInt32(&llm.calls); n != 0 {
		t.Errorf("llm called %d times for a trivial email", n)
	}
	if len(summaries.inserted) != 1 {
		t.Fatalf("no summary committed for trivial email")
	}
	if s := summaries.inserted[0]; s.Struct.Urgency != domain.UrgencyLow || s.Struct.Overview == "" {
		t.Errorf("trivial summary: %+v", s.Struct)
	}
	if len(queue.succeeded) != 1 {
		t.Errorf("queue state: %+v", queue)
	}
}

func TestProcessEmptyBodyIsTerminal(t *testing.T) {
	empty := &domain.Email{AccountID: "a@x.com", ProviderMessageID: "m1"}
	emails := &fakeEmails{rows: map[string]*domain.Email{"a@x.com|m1": empty}}
	queue := &fakeQueue{}
	w := newTestWorker(&scriptedLLM{responses: []llmResponse{goodResponse()}}, emails, &fakeSummaries{}, queue, nil)

	w.Process(context.Background(), testJob())

	if len(queue.failed) != 1 || queue.failed[0] != "job-1:PREPROCESS_FAILED:false" {
		t.Errorf("failed: %v", queue.failed)
	}
}

func TestSemaphoreBoundsConcurrentCalls(t *testing.T) {
	llm := &scriptedLLM{responses: []llmResponse{goodResponse()}}
	rows := map[string]*domain.Email{}
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("m%d", i)
		e := testEmail()
		e.ProviderMessageID = id
		e.Body = e.Body + fmt.Sprintf(" Variant %d of the request.", i)
		rows["a@x.com|"+id] = e
	}
	emails := &fakeEmails{rows: rows}
	queue := &fakeQueue{}
	w := newTestWorker(llm, emails, &fakeSummaries{}, queue, nil)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := testJob()
			job.ID = fmt.Sprintf("job-%d", i)
			job.ProviderMessageID = fmt.Sprintf("m%d", i)
			w.Process(context.Background(), job)
		}(i)
	}
	wg.Wait()

	if max := atomic.LoadInt32(&llm.maxSeen); max > MaxConcurrentRequests {
		t.Errorf("observed %d concurrent llm calls, cap is %d", max, MaxConcurrentRequests)
	}
	if len(queue.succeeded) != 12 {
		t.Errorf("succeeded %d of 12", len(queue.succeeded))
	}
}

func TestSanitizeCapsShape(t *testing.T) {
	s := sanitize(domain.SummaryStruct{
		Overview:    strings.Repeat("x", 400),
		ActionItems: []string{"a", "b", "c", "d", "e", "f", "g"},
		Urgency:     "critical",
	})
	if len([]rune(s.Overview)) != domain.MaxOverviewChars {
		t.Errorf("overview length %d", len([]rune(s.Overview)))
	}
	if len(s.ActionItems) != domain.MaxActionItems {
		t.Errorf("action items %d", len(s.ActionItems))
	}
	if s.Urgency != domain.UrgencyLow {
		t.Errorf("urgency %q", s.Urgency)
	}
}

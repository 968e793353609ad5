package gojob

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-gateway/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

var plannerNow = time.Unix(1_700_000_000, 0).UTC()

func TestNewRefreshMessage_RoundTripsProvider(t *testing.T) {
	expires := plannerNow.Add(time.Minute)
	msg := NewRefreshMessage(" Gemini ", expires)
	if msg.JobID != JobIDRefresh || msg.ScriptPath != JobIDRefresh {
		t.Fatalf("unexpected job ids %q %q", msg.JobID, msg.ScriptPath)
	}
	if msg.IdempotencyKey != "gateway.refresh:gemini:1700000060" {
		t.Fatalf("unexpected idempotency key %q", msg.IdempotencyKey)
	}
	if msg.DedupPolicy != job.DedupPolicyIgnore {
		t.Fatalf("unexpected dedup policy %q", msg.DedupPolicy)
	}
	providerID, err := ProviderIDFromMessage(msg)
	if err != nil || providerID != "gemini" {
		t.Fatalf("expected provider gemini, got %q %v", providerID, err)
	}
	if _, err := ProviderIDFromMessage(&job.ExecutionMessage{JobID: "other"}); err == nil {
		t.Fatalf("expected foreign job id to be rejected")
	}
}

type stubStatusSource struct {
	statuses []core.ProviderStatus
}

func (s stubStatusSource) Status(context.Context) ([]core.ProviderStatus, error) {
	return s.statuses, nil
}

func TestRefreshPlanner_SelectsExpiringOAuthProviders(t *testing.T) {
	soon := plannerNow.Add(2 * time.Minute)
	later := plannerNow.Add(2 * time.Hour)
	source := stubStatusSource{statuses: []core.ProviderStatus{
		{ProviderID: "gemini", State: core.CredentialStateValid, CredentialKind: core.CredentialKindOAuthAccess, ExpiresAt: &soon},
		{ProviderID: "openai", State: core.CredentialStateValid, CredentialKind: core.CredentialKindOAuthAccess, ExpiresAt: &later},
		{ProviderID: "anthropic", State: core.CredentialStateFailed, CredentialKind: core.CredentialKindOAuthAccess, ExpiresAt: &soon},
		{ProviderID: "keyed", State: core.CredentialStateValid, CredentialKind: core.CredentialKindAPIKey, ExpiresAt: &soon},
		{ProviderID: "none", State: core.CredentialStateUnauthenticated},
	}}
	enqueuer := &stubQueueEnqueuer{}
	planner := RefreshPlanner{Source: source, Lead: 5 * time.Minute, Now: func() time.Time { return plannerNow }}

	count, err := planner.EnqueueDue(context.Background(), enqueuer)
	if err != nil {
		t.Fatalf("enqueue due: %v", err)
	}
	if count != 1 || len(enqueuer.messages) != 1 {
		t.Fatalf("expected one refresh job, got %d", count)
	}
	if providerID, _ := ProviderIDFromMessage(enqueuer.messages[0]); providerID != "gemini" {
		t.Fatalf("expected gemini refresh, got %q", providerID)
	}
}

type stubRefreshService struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    []string
}

func (s *stubRefreshService) Refresh(_ context.Context, providerID string) (core.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, providerID)
	if s.failures > 0 {
		s.failures--
		return core.Credential{}, s.err
	}
	if s.failures < 0 {
		return core.Credential{}, s.err
	}
	return core.Credential{ProviderID: providerID}, nil
}

func (s *stubRefreshService) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestRefreshTask_ExecutesRefreshForProvider(t *testing.T) {
	service := &stubRefreshService{}
	logger := &captureLogger{}
	task := NewRefreshTask(service, logger)
	if err := task.Execute(context.Background(), NewRefreshMessage("gemini", plannerNow)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if service.callCount() != 1 || service.calls[0] != "gemini" {
		t.Fatalf("expected one gemini refresh, got %v", service.calls)
	}
	if !logger.has("info", "refresh job completed") {
		t.Fatalf("expected completion log, got %#v", logger.snapshot())
	}
}

func TestRefreshTask_MalformedMessageIsTerminal(t *testing.T) {
	task := NewRefreshTask(&stubRefreshService{}, nil)
	err := task.Execute(context.Background(), &job.ExecutionMessage{JobID: JobIDRefresh, ScriptPath: JobIDRefresh})
	var terminal job.NonRetryableError
	if !errors.As(err, &terminal) || !terminal.NonRetryable() {
		t.Fatalf("expected terminal error, got %v", err)
	}
	out := RetryPolicy{MaxAttempts: 5}.Decide(1, err)
	if out.Disposition != queue.NackDispositionDeadLetter {
		t.Fatalf("expected dead letter, got %#v", out)
	}
}

func TestRetryPolicy_DecideBoundaries(t *testing.T) {
	transient := core.NewTransientProviderError("gemini", 503, nil)
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, DeadLetterOnMax: true}

	out := policy.Decide(2, transient)
	if out.Disposition != queue.NackDispositionRetry || out.Delay != 2*time.Second {
		t.Fatalf("expected retry with 2s delay, got %#v", out)
	}
	if out.Reason != string(core.ClassificationTransient) {
		t.Fatalf("expected classification as reason, got %q", out.Reason)
	}

	out = RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 10 * time.Second}.Decide(8, transient)
	if out.Delay != 10*time.Second {
		t.Fatalf("expected delay capped at 10s, got %s", out.Delay)
	}

	out = policy.Decide(3, transient)
	if out.Disposition != queue.NackDispositionDeadLetter {
		t.Fatalf("expected dead letter at max attempts, got %#v", out)
	}

	out = RetryPolicy{MaxAttempts: 3}.Decide(3, transient)
	if out.Disposition != queue.NackDispositionFailed {
		t.Fatalf("expected failed disposition without dead lettering, got %#v", out)
	}

	out = RetryPolicy{}.Decide(1, transient)
	if out.Disposition != queue.NackDispositionRetry || out.Delay != 0 {
		t.Fatalf("expected immediate retry by default, got %#v", out)
	}
}

func TestRetryPolicy_UserActionFailureIsNotRetried(t *testing.T) {
	err := core.NewRefreshFailedError("gemini", errors.New("invalid_grant"))
	out := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second}.Decide(1, err)
	if out.Disposition != queue.NackDispositionDeadLetter {
		t.Fatalf("expected dead letter for refresh_failed, got %#v", out)
	}
	if out.Reason != string(core.ClassificationRefreshFailed) {
		t.Fatalf("expected classification as reason, got %q", out.Reason)
	}
}

func TestNewRefreshWorker_RetriesThenSucceeds(t *testing.T) {
	q := NewLocalQueue(4)
	defer q.Close()
	service := &stubRefreshService{failures: 1, err: core.NewTransientProviderError("gemini", 503, nil)}
	logger := &captureLogger{}
	succeeded := make(chan worker.Event, 1)

	refreshWorker, err := NewRefreshWorker(q, service, RetryPolicy{MaxAttempts: 3}, logger,
		worker.WithIdleDelay(time.Millisecond),
		worker.WithHooks(worker.HookFuncs{OnSuccessFunc: func(_ context.Context, event worker.Event) {
			succeeded <- event
		}}),
	)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := refreshWorker.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer refreshWorker.Stop(context.Background())

	if _, err := q.Enqueue(ctx, NewRefreshMessage("gemini", plannerNow)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case event := <-succeeded:
		if event.Attempt != 2 {
			t.Fatalf("expected success on attempt 2, got %d", event.Attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected refresh job to succeed")
	}
	if service.callCount() != 2 {
		t.Fatalf("expected two refresh calls, got %d", service.callCount())
	}
	if !logger.has("warn", "job retry scheduled") {
		t.Fatalf("expected retry hook log, got %#v", logger.snapshot())
	}
	if len(q.DeadLetters()) != 0 {
		t.Fatalf("expected no dead letters")
	}
}

func TestNewRefreshWorker_DeadLettersUserActionFailures(t *testing.T) {
	q := NewLocalQueue(4)
	defer q.Close()
	service := &stubRefreshService{failures: -1, err: core.NewRefreshFailedError("gemini", errors.New("invalid_grant"))}
	failed := make(chan worker.Event, 1)

	refreshWorker, err := NewRefreshWorker(q, service, RetryPolicy{MaxAttempts: 5}, nil,
		worker.WithHooks(worker.HookFuncs{OnFailureFunc: func(_ context.Context, event worker.Event) {
			failed <- event
		}}),
	)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := refreshWorker.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer refreshWorker.Stop(context.Background())

	if _, err := q.Enqueue(ctx, NewRefreshMessage("gemini", plannerNow)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected refresh job to fail")
	}
	if service.callCount() != 1 {
		t.Fatalf("expected a single refresh call, got %d", service.callCount())
	}
	waitFor(t, "refresh job in dead letters", func() bool { return len(q.DeadLetters()) == 1 })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type capturedLog struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu      sync.Mutex
	records []capturedLog
}

func (l *captureLogger) record(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, capturedLog{level, msg, args})
}

func (l *captureLogger) snapshot() []capturedLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]capturedLog(nil), l.records...)
}

func (l *captureLogger) has(level, msg string) bool {
	for _, record := range l.snapshot() {
		if record.level == level && record.msg == msg {
			return true
		}
	}
	return false
}

func (l *captureLogger) Trace(string, ...any)                    {}
func (l *captureLogger) Debug(msg string, args ...any)           { l.record("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)            { l.record("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)            { l.record("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any)           { l.record("error", msg, args) }
func (l *captureLogger) Fatal(string, ...any)                    {}
func (l *captureLogger) WithContext(context.Context) core.Logger { return l }

func TestWorkerHookLogger_LogsRetryWithProvider(t *testing.T) {
	logger := &captureLogger{}
	hook := NewWorkerHookLogger(logger)
	hook.OnRetry(context.Background(), worker.Event{
		Message:  NewRefreshMessage("gemini", plannerNow),
		Attempt:  2,
		Delay:    5 * time.Second,
		Err:      errors.New("retry"),
		Duration: 250 * time.Millisecond,
	})
	records := logger.snapshot()
	if len(records) != 1 || records[0].level != "warn" {
		t.Fatalf("expected one warn record, got %#v", records)
	}
	fields := map[string]any{}
	args := records[0].args
	for i := 0; i+1 < len(args); i += 2 {
		fields[args[i].(string)] = args[i+1]
	}
	if fields["provider_id"] != "gemini" || fields["delay_ms"] != int64(5000) || fields["error"] != "retry" {
		t.Fatalf("unexpected fields %#v", fields)
	}
}

type stubQueueEnqueuer struct {
	messages []*job.ExecutionMessage
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) (queue.EnqueueReceipt, error) {
	s.messages = append(s.messages, msg)
	return queue.EnqueueReceipt{DispatchID: msg.IdempotencyKey, EnqueuedAt: plannerNow}, nil
}

package gojob

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-gateway/adapters/gologger"
	"github.com/goliatone/go-gateway/core"
	glog "github.com/goliatone/go-logger/glog"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	JobIDRefresh = "gateway.refresh"

	paramProviderID = "provider_id"
	paramExpiresAt  = "expires_at"

	defaultRefreshLead  = 5 * time.Minute
	defaultMaxAttempts  = 3
	maxBackoffDoublings = 6
)

// RetryPolicy bounds refresh retries. It implements worker.RetryPolicy.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// Decide dead-letters failures that need a user and schedules the rest with
// exponential backoff until MaxAttempts is reached.
func (p RetryPolicy) Decide(attempt int, err error) queue.NackOptions {
	var terminal job.NonRetryableError
	if errors.As(err, &terminal) && terminal.NonRetryable() {
		return queue.NackOptions{
			Disposition: queue.NackDispositionDeadLetter,
			Reason:      terminal.NonRetryableReason(),
		}
	}

	classification := core.ClassifyError(err)
	if classification.RequiresUserAction() || classification == core.ClassificationNotConfigured {
		return queue.NackOptions{
			Disposition: queue.NackDispositionDeadLetter,
			Reason:      string(classification),
		}
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := worker.BackoffConfig{Strategy: worker.BackoffNone}
	if p.BaseDelay > 0 {
		maxDelay := p.MaxDelay
		if maxDelay <= 0 {
			maxDelay = p.BaseDelay << maxBackoffDoublings
		}
		backoff = worker.BackoffConfig{
			Strategy:    worker.BackoffExponential,
			Interval:    p.BaseDelay,
			MaxInterval: maxDelay,
		}
	}

	out := worker.DefaultRetryPolicy{MaxAttempts: maxAttempts, Backoff: backoff}.Decide(attempt, err)
	out.Reason = string(classification)
	if out.Disposition == queue.NackDispositionDeadLetter && !p.DeadLetterOnMax {
		out.Disposition = queue.NackDispositionFailed
	}
	return out
}

// NewRefreshMessage builds the proactive refresh job for one provider. The
// idempotency key pins the credential expiry; duplicates are dropped by the
// queue, not the task commander.
func NewRefreshMessage(providerID string, expiresAt time.Time) *job.ExecutionMessage {
	providerID = strings.TrimSpace(strings.ToLower(providerID))
	params := map[string]any{paramProviderID: providerID}
	key := JobIDRefresh + ":" + providerID
	if !expiresAt.IsZero() {
		params[paramExpiresAt] = expiresAt.UTC().Unix()
		key += ":" + strconv.FormatInt(expiresAt.UTC().Unix(), 10)
	}
	return &job.ExecutionMessage{
		JobID:          JobIDRefresh,
		ScriptPath:     JobIDRefresh,
		Parameters:     params,
		IdempotencyKey: key,
		DedupPolicy:    job.DedupPolicyIgnore,
	}
}

// ProviderIDFromMessage reads the provider of a refresh job.
func ProviderIDFromMessage(msg *job.ExecutionMessage) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("gojob: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDRefresh {
		return "", fmt.Errorf("gojob: unexpected job id %q", msg.JobID)
	}
	providerID, _ := msg.Parameters[paramProviderID].(string)
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return "", fmt.Errorf("gojob: refresh job has no provider id")
	}
	return providerID, nil
}

type StatusSource interface {
	Status(ctx context.Context) ([]core.ProviderStatus, error)
}

// RefreshPlanner selects OAuth providers whose access token expires within
// Lead and turns them into refresh jobs.
type RefreshPlanner struct {
	Source StatusSource
	Lead   time.Duration
	Now    func() time.Time
}

func (p RefreshPlanner) Plan(ctx context.Context) ([]*job.ExecutionMessage, error) {
	if p.Source == nil {
		return nil, fmt.Errorf("gojob: status source is not configured")
	}
	statuses, err := p.Source.Status(ctx)
	if err != nil {
		return nil, err
	}
	lead := p.Lead
	if lead <= 0 {
		lead = defaultRefreshLead
	}
	now := time.Now().UTC()
	if p.Now != nil {
		now = p.Now().UTC()
	}

	out := make([]*job.ExecutionMessage, 0, len(statuses))
	for _, status := range statuses {
		if status.CredentialKind == core.CredentialKindAPIKey || status.ExpiresAt == nil {
			continue
		}
		switch status.State {
		case core.CredentialStateFailed, core.CredentialStateUnauthenticated, core.CredentialStateRefreshing:
			continue
		}
		if status.ExpiresAt.Sub(now) > lead {
			continue
		}
		out = append(out, NewRefreshMessage(status.ProviderID, *status.ExpiresAt))
	}
	return out, nil
}

// EnqueueDue plans and enqueues refresh jobs, returning how many were queued.
func (p RefreshPlanner) EnqueueDue(ctx context.Context, enqueuer queue.Enqueuer) (int, error) {
	if enqueuer == nil {
		return 0, fmt.Errorf("gojob: enqueuer is not configured")
	}
	messages, err := p.Plan(ctx)
	if err != nil {
		return 0, err
	}
	for index, msg := range messages {
		if _, err := enqueuer.Enqueue(ctx, msg); err != nil {
			return index, fmt.Errorf("gojob: enqueue refresh for %v: %w", msg.Parameters[paramProviderID], err)
		}
	}
	return len(messages), nil
}

type RefreshService interface {
	Refresh(ctx context.Context, providerID string) (core.Credential, error)
}

// RefreshTask is the job.Task behind JobIDRefresh. It runs a forced refresh
// for the provider named in the message.
type RefreshTask struct {
	service RefreshService
	logger  core.Logger
}

func NewRefreshTask(service RefreshService, logger core.Logger) *RefreshTask {
	return &RefreshTask{service: service, logger: glog.Ensure(logger)}
}

func (t *RefreshTask) GetID() string                        { return JobIDRefresh }
func (t *RefreshTask) GetPath() string                      { return JobIDRefresh }
func (t *RefreshTask) GetConfig() job.Config                { return job.Config{} }
func (t *RefreshTask) GetHandler() func() error             { return func() error { return nil } }
func (t *RefreshTask) GetHandlerConfig() job.HandlerOptions { return job.HandlerOptions{} }
func (t *RefreshTask) GetEngine() job.Engine                { return nil }

func (t *RefreshTask) Execute(ctx context.Context, msg *job.ExecutionMessage) error {
	if t == nil || t.service == nil {
		return job.NewTerminalError("", "gojob: refresh service is not configured", nil)
	}
	providerID, err := ProviderIDFromMessage(msg)
	if err != nil {
		return job.NewTerminalError("", err.Error(), err)
	}
	if _, err := t.service.Refresh(ctx, providerID); err != nil {
		t.logger.Warn("refresh job failed",
			"provider_id", providerID,
			"classification", string(core.ClassifyError(err)),
			"error", err.Error(),
		)
		return err
	}
	t.logger.Info("refresh job completed", "provider_id", providerID)
	return nil
}

// NewRefreshWorker builds a go-job worker for refresh deliveries. opts are
// applied after the defaults.
func NewRefreshWorker(dequeuer queue.Dequeuer, service RefreshService, policy RetryPolicy, logger core.Logger, opts ...worker.Option) (*worker.Worker, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is required")
	}
	if service == nil {
		return nil, fmt.Errorf("gojob: refresh service is required")
	}
	logger = glog.Ensure(logger)
	options := []worker.Option{
		worker.WithRetryPolicy(policy),
		worker.WithHooks(NewWorkerHookLogger(logger)),
		worker.WithLogger(gologger.ToJobLogger(logger)),
	}
	options = append(options, opts...)

	refreshWorker := worker.NewWorker(dequeuer, options...)
	if err := refreshWorker.Register(NewRefreshTask(service, logger)); err != nil {
		return nil, fmt.Errorf("gojob: register refresh task: %w", err)
	}
	return refreshWorker, nil
}

// WorkerHookLogger logs worker lifecycle events for gateway jobs.
type WorkerHookLogger struct {
	logger core.Logger
}

func NewWorkerHookLogger(logger core.Logger) *WorkerHookLogger {
	return &WorkerHookLogger{logger: glog.Ensure(logger)}
}

func (h *WorkerHookLogger) OnStart(_ context.Context, event worker.Event) {
	h.log("debug", "job started", event)
}

func (h *WorkerHookLogger) OnSuccess(_ context.Context, event worker.Event) {
	h.log("info", "job succeeded", event)
}

func (h *WorkerHookLogger) OnFailure(_ context.Context, event worker.Event) {
	h.log("error", "job failed", event)
}

func (h *WorkerHookLogger) OnRetry(_ context.Context, event worker.Event) {
	h.log("warn", "job retry scheduled", event)
}

func (h *WorkerHookLogger) log(level string, msg string, event worker.Event) {
	if h == nil || h.logger == nil {
		return
	}
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	args := []any{"attempt", event.Attempt, "duration_ms", event.Duration.Milliseconds()}
	if message != nil {
		args = append(args, "job_id", message.JobID, "idempotency_key", message.IdempotencyKey)
		if providerID, ok := message.Parameters[paramProviderID]; ok {
			args = append(args, paramProviderID, providerID)
		}
	}
	if event.Delay > 0 {
		args = append(args, "delay_ms", event.Delay.Milliseconds())
	}
	if event.Err != nil {
		args = append(args, "error", event.Err.Error())
	}
	switch level {
	case "error":
		h.logger.Error(msg, args...)
	case "warn":
		h.logger.Warn(msg, args...)
	case "debug":
		h.logger.Debug(msg, args...)
	default:
		h.logger.Info(msg, args...)
	}
}

var (
	_ worker.Hook        = (*WorkerHookLogger)(nil)
	_ worker.RetryPolicy = RetryPolicy{}
	_ job.Task           = (*RefreshTask)(nil)
)

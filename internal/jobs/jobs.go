// Package jobs implements the durable async job worker (C9, spec.md §4.9):
// a polling loop that claims leased rows from the jobs table, dispatches
// them by type through the pipeline (C7), and delivers webhook callbacks.
// Grounded on the teacher's mercator-hq-jupiter retention scheduler
// (robfig/cron-driven polling loop, structured logging around each tick)
// generalized from a single fixed prune job to a dispatch-by-type worker
// pulling from a shared queue.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vocalbridge/gateway/internal/apitypes"
	"github.com/vocalbridge/gateway/internal/pipeline"
	"github.com/vocalbridge/gateway/internal/store"
	"github.com/vocalbridge/gateway/internal/telemetry"
)

// DefaultLeaseSeconds is spec.md §4.9's "LEASE (default 5 min)".
const DefaultLeaseSeconds = int64(5 * 60)

// Store is the subset of *store.Store the worker needs.
type Store interface {
	ClaimNextJob(ctx context.Context, workerID string, leaseSeconds int64) (store.Job, bool, error)
	CompleteJob(ctx context.Context, id string, output map[string]any) error
	RetryOrFailJob(ctx context.Context, id, errMsg string) error
	MarkCallbackSent(ctx context.Context, id string) error
	RecoverAbandonedJobs(ctx context.Context) (int, error)
}

// Pipeline is the narrow interface C9 drives C7 through.
type Pipeline interface {
	Send(ctx context.Context, in pipeline.Input) (pipeline.Result, error)
}

// HTTPClient is the subset of *http.Client used to deliver webhook
// callbacks, narrowed for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config tunes the worker's polling behavior.
type Config struct {
	// PollSchedule is a robfig/cron schedule spec, e.g. "@every 2s".
	PollSchedule string
	// LeaseSeconds is how long a claimed job is held before another
	// worker may reclaim it.
	LeaseSeconds int64
	// Concurrency is how many jobs this worker instance processes
	// per poll tick.
	Concurrency int
	// CallbackTimeout bounds webhook delivery.
	CallbackTimeout time.Duration
}

// DefaultConfig returns spec.md-documented defaults.
func DefaultConfig() Config {
	return Config{PollSchedule: "@every 2s", LeaseSeconds: DefaultLeaseSeconds, Concurrency: 4, CallbackTimeout: 10 * time.Second}
}

// Worker polls the jobs table and executes claimed work.
type Worker struct {
	cfg      Config
	store    Store
	pipeline Pipeline
	http     HTTPClient
	logger   telemetry.Logger
	id       string

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// WorkerID builds the opaque `host:pid` identity spec.md §4.9 specifies for
// `lockedBy`.
func WorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// New builds a Worker. A nil httpClient defaults to http.DefaultClient.
func New(cfg Config, s Store, p Pipeline, httpClient HTTPClient, logger telemetry.Logger) *Worker {
	if cfg.PollSchedule == "" {
		cfg = DefaultConfig()
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = DefaultLeaseSeconds
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Worker{
		cfg: cfg, store: s, pipeline: p, http: httpClient, logger: logger,
		id: WorkerID(), cron: cron.New(),
	}
}

// Start recovers abandoned jobs, then begins polling on cfg.PollSchedule.
// It returns once the schedule is registered; the poll loop runs in the
// background until ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	recovered, err := w.store.RecoverAbandonedJobs(ctx)
	if err != nil {
		return fmt.Errorf("jobs: startup recovery: %w", err)
	}
	if recovered > 0 {
		w.logger.Info(ctx, "jobs: recovered abandoned jobs", "count", recovered)
	}

	if _, err := w.cron.AddFunc(w.cfg.PollSchedule, func() { w.poll(ctx) }); err != nil {
		return fmt.Errorf("jobs: invalid poll schedule %q: %w", w.cfg.PollSchedule, err)
	}
	w.cron.Start()
	w.running = true

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// Stop halts polling and waits for in-flight ticks to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		stopCtx := w.cron.Stop()
		<-stopCtx.Done()
		w.running = false
	}
}

// poll claims and executes up to cfg.Concurrency jobs in one tick.
func (w *Worker) poll(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		job, claimed, err := w.store.ClaimNextJob(ctx, w.id, w.cfg.LeaseSeconds)
		if err != nil {
			w.logger.Error(ctx, "jobs: claim failed", "error", err.Error())
			return
		}
		if !claimed {
			break
		}
		wg.Add(1)
		go func(j store.Job) {
			defer wg.Done()
			w.execute(ctx, j)
		}(job)
	}
	wg.Wait()
}

// execute dispatches a claimed job by type and applies the success/failure
// transition from spec.md §4.9.
func (w *Worker) execute(ctx context.Context, job store.Job) {
	output, err := w.dispatch(ctx, job)
	if err != nil {
		w.logger.Warn(ctx, "jobs: execution failed", "jobId", job.ID, "type", job.Type, "error", err.Error())
		if rErr := w.store.RetryOrFailJob(ctx, job.ID, err.Error()); rErr != nil {
			w.logger.Error(ctx, "jobs: failed to record job failure", "jobId", job.ID, "error", rErr.Error())
			return
		}
		if job.Attempts >= job.MaxAttempts {
			w.deliverCallback(ctx, job, "FAILED", nil, err.Error())
		}
		return
	}

	if cErr := w.store.CompleteJob(ctx, job.ID, output); cErr != nil {
		w.logger.Error(ctx, "jobs: failed to record job completion", "jobId", job.ID, "error", cErr.Error())
		return
	}
	w.deliverCallback(ctx, job, "COMPLETED", output, "")
}

// dispatch runs the job's payload through the component its type names.
func (w *Worker) dispatch(ctx context.Context, job store.Job) (map[string]any, error) {
	switch job.Type {
	case store.JobSendMessage:
		return w.dispatchSendMessage(ctx, job)
	default:
		return nil, fmt.Errorf("jobs: unsupported job type %q", job.Type)
	}
}

func (w *Worker) dispatchSendMessage(ctx context.Context, job store.Job) (map[string]any, error) {
	tenantID, _ := job.Input["tenantId"].(string)
	sessionID, _ := job.Input["sessionId"].(string)
	content, _ := job.Input["content"].(string)
	if tenantID == "" || sessionID == "" {
		return nil, fmt.Errorf("jobs: SEND_MESSAGE job %s missing tenantId/sessionId", job.ID)
	}

	in := pipeline.Input{TenantID: tenantID, SessionID: sessionID, Content: content}
	if job.IdempotencyKey != nil {
		in.IdempotencyKey = job.IdempotencyKey
	}
	if corr, ok := job.Input["correlationId"].(string); ok {
		in.CorrelationID = corr
	}

	result, err := w.pipeline.Send(ctx, in)
	if err != nil {
		var apiErr *apitypes.Error
		if ok := asAPIError(err, &apiErr); ok {
			return nil, fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		return nil, err
	}
	return map[string]any{
		"messageId": result.Message.ID,
		"content":   result.Message.Content,
		"provider":  result.Metadata.Provider,
	}, nil
}

func asAPIError(err error, target **apitypes.Error) bool {
	for err != nil {
		if apiErr, ok := err.(*apitypes.Error); ok {
			*target = apiErr
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// callbackEnvelope is the JSON body spec.md §4.9 specifies for webhook
// delivery: "{jobId, type, status, result, completedAt}".
type callbackEnvelope struct {
	JobID       string         `json:"jobId"`
	Type        store.JobType  `json:"type"`
	Status      string         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CompletedAt time.Time      `json:"completedAt"`
}

// deliverCallback POSTs the completion/failure envelope if the job has a
// callbackUrl configured. Any 2xx counts as delivered; non-2xx is logged
// but never reopens the job, per spec.md §4.9.
func (w *Worker) deliverCallback(ctx context.Context, job store.Job, status string, result map[string]any, errMsg string) {
	if job.CallbackURL == nil || *job.CallbackURL == "" {
		return
	}

	body, err := json.Marshal(callbackEnvelope{
		JobID: job.ID, Type: job.Type, Status: status, Result: result, Error: errMsg, CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		w.logger.Error(ctx, "jobs: failed to encode callback body", "jobId", job.ID, "error", err.Error())
		return
	}

	cbCtx, cancel := context.WithTimeout(ctx, w.cfg.CallbackTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cbCtx, http.MethodPost, *job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		w.logger.Error(ctx, "jobs: failed to build callback request", "jobId", job.ID, "error", err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Job-ID", job.ID)

	resp, err := w.http.Do(req)
	if err != nil {
		w.logger.Warn(ctx, "jobs: callback delivery failed", "jobId", job.ID, "error", err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.logger.Warn(ctx, "jobs: callback returned non-2xx", "jobId", job.ID, "status", resp.StatusCode)
		return
	}
	if err := w.store.MarkCallbackSent(ctx, job.ID); err != nil {
		w.logger.Error(ctx, "jobs: failed to mark callback sent", "jobId", job.ID, "error", err.Error())
	}
}

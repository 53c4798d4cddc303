package jobs_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalbridge/gateway/internal/jobs"
	"github.com/vocalbridge/gateway/internal/pipeline"
	"github.com/vocalbridge/gateway/internal/store"
)

type fakeStore struct {
	mu         sync.Mutex
	jobs       map[string]store.Job
	order      []string
	recovered  int
	recoverErr error
}

func newFakeStore(js ...store.Job) *fakeStore {
	f := &fakeStore{jobs: make(map[string]store.Job)}
	for _, j := range js {
		f.jobs[j.ID] = j
		f.order = append(f.order, j.ID)
	}
	return f
}

func (f *fakeStore) ClaimNextJob(_ context.Context, workerID string, _ int64) (store.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.order {
		j := f.jobs[id]
		if j.Status == store.JobPending {
			j.Status = store.JobProcessing
			j.Attempts++
			locked := workerID
			j.LockedBy = &locked
			f.jobs[id] = j
			return j, true, nil
		}
	}
	return store.Job{}, false, nil
}

func (f *fakeStore) CompleteJob(_ context.Context, id string, output map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Status = store.JobCompleted
	j.Output = output
	f.jobs[id] = j
	return nil
}

func (f *fakeStore) RetryOrFailJob(_ context.Context, id, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.LastError = &errMsg
	if j.Attempts >= j.MaxAttempts {
		j.Status = store.JobFailed
		j.ErrorMessage = &errMsg
	} else {
		j.Status = store.JobPending
	}
	f.jobs[id] = j
	return nil
}

func (f *fakeStore) MarkCallbackSent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.CallbackSent = true
	f.jobs[id] = j
	return nil
}

func (f *fakeStore) RecoverAbandonedJobs(context.Context) (int, error) {
	return f.recovered, f.recoverErr
}

func (f *fakeStore) get(id string) store.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

type stubPipeline struct {
	result pipeline.Result
	err    error
	calls  int
	mu     sync.Mutex
}

func (s *stubPipeline) Send(context.Context, pipeline.Input) (pipeline.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.result, s.err
}

func strPtr(s string) *string { return &s }

func baseJob(id string, input map[string]any) store.Job {
	return store.Job{
		ID: id, TenantID: "tenant-1", Type: store.JobSendMessage,
		Input: input, Status: store.JobPending, MaxAttempts: 3,
	}
}

func TestWorkerClaimsExecutesAndCompletesJob(t *testing.T) {
	s := newFakeStore(baseJob("job-1", map[string]any{"tenantId": "tenant-1", "sessionId": "sess-1", "content": "hi"}))
	p := &stubPipeline{result: pipeline.Result{Message: store.Message{ID: "msg-1", Content: "hello"}}}

	w := jobs.New(jobs.DefaultConfig(), s, p, http.DefaultClient, nil)
	w.Start(context.Background())

	require.Eventually(t, func() bool {
		return s.get("job-1").Status == store.JobCompleted
	}, 3*time.Second, 5*time.Millisecond)

	j := s.get("job-1")
	assert.Equal(t, "msg-1", j.Output["messageId"])
	w.Stop()
}

func TestWorkerRetriesThenFailsAfterMaxAttempts(t *testing.T) {
	j := baseJob("job-2", map[string]any{"tenantId": "tenant-1", "sessionId": "sess-1"})
	j.MaxAttempts = 2
	s := newFakeStore(j)
	p := &stubPipeline{err: assertError("boom")}

	cfg := jobs.DefaultConfig()
	cfg.PollSchedule = "@every 50ms"
	w := jobs.New(cfg, s, p, http.DefaultClient, nil)
	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool {
		return s.get("job-2").Status == store.JobFailed
	}, 2*time.Second, 10*time.Millisecond)

	final := s.get("job-2")
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "boom")
	assert.GreaterOrEqual(t, p.calls, 2)
	w.Stop()
}

func TestWorkerDeliversSuccessCallback(t *testing.T) {
	var received callbackBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "job-3", r.Header.Get("X-Job-ID"))
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	j := baseJob("job-3", map[string]any{"tenantId": "tenant-1", "sessionId": "sess-1"})
	j.CallbackURL = strPtr(srv.URL)
	s := newFakeStore(j)
	p := &stubPipeline{result: pipeline.Result{Message: store.Message{ID: "msg-3"}}}

	w := jobs.New(jobs.DefaultConfig(), s, p, http.DefaultClient, nil)
	w.Start(context.Background())

	require.Eventually(t, func() bool {
		return s.get("job-3").CallbackSent
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, "job-3", received.JobID)
	assert.Equal(t, "COMPLETED", received.Status)
	w.Stop()
}

func TestWorkerRecoversAbandonedJobsOnStart(t *testing.T) {
	s := newFakeStore()
	s.recovered = 3
	p := &stubPipeline{}
	w := jobs.New(jobs.DefaultConfig(), s, p, http.DefaultClient, nil)

	require.NoError(t, w.Start(context.Background()))
	w.Stop()
}

type callbackBody struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type testError string

func (e testError) Error() string { return string(e) }

func assertError(msg string) error { return testError(msg) }

package ratelimit

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/time/rate"

	"github.com/vocalbridge/gateway/internal/model"
	"github.com/vocalbridge/gateway/internal/pricing"
)

type fakeAdapter struct {
	err   error
	calls int
}

func (f *fakeAdapter) Provider() pricing.Provider { return pricing.VendorB }

func (f *fakeAdapter) Send(_ context.Context, _ model.Request) (model.Response, error) {
	f.calls++
	return model.Response{}, f.err
}

func testRequest() model.Request {
	return model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}}}
}

func TestAdaptiveRateLimiterBackoffOnRateLimited(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	initialTPM := limiter.currentTPM

	adapter := &fakeAdapter{err: &model.CallError{Code: model.ErrRateLimited, Message: "slow down"}}
	wrapped := limiter.Wrap(adapter)

	_, err := wrapped.Send(context.Background(), testRequest())
	var callErr *model.CallError
	if !errors.As(err, &callErr) || callErr.Code != model.ErrRateLimited {
		t.Fatalf("expected a RATE_LIMITED error, got %v", err)
	}

	if got := limiter.CurrentTPM(); got >= initialTPM {
		t.Fatalf("expected TPM to decrease, got %f (initial %f)", got, initialTPM)
	}
}

func TestAdaptiveRateLimiterProbeOnSuccess(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 120000)
	limiter.mu.Lock()
	limiter.recoveryRate = 1000
	limiter.mu.Unlock()
	initialTPM := limiter.CurrentTPM()

	wrapped := limiter.Wrap(&fakeAdapter{})
	if _, err := wrapped.Send(context.Background(), testRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := limiter.CurrentTPM(); got <= initialTPM {
		t.Fatalf("expected TPM to increase, got %f (initial %f)", got, initialTPM)
	}
}

func TestAdaptiveRateLimiterBackoffNeverBelowFloor(t *testing.T) {
	limiter := newAdaptiveRateLimiter(10, 10)
	adapter := &fakeAdapter{err: &model.CallError{Code: model.ErrRateLimited, Message: "slow down"}}
	wrapped := limiter.Wrap(adapter)

	for i := 0; i < 10; i++ {
		_, _ = wrapped.Send(context.Background(), testRequest())
	}

	if got := limiter.CurrentTPM(); got < limiter.minTPM {
		t.Fatalf("TPM fell below floor: got %f, floor %f", got, limiter.minTPM)
	}
}

func TestAdaptiveRateLimiterRespectsContextWhenExhausted(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60, 60)
	limiter.mu.Lock()
	limiter.limiter = rate.NewLimiter(0, 0)
	limiter.mu.Unlock()

	wrapped := limiter.Wrap(&fakeAdapter{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := wrapped.Send(ctx, testRequest())
	if err == nil {
		t.Fatal("expected an error from an exhausted, canceled limiter")
	}
}

func TestAdaptiveRateLimiterWrapNilReturnsNil(t *testing.T) {
	limiter := newAdaptiveRateLimiter(100, 100)
	if got := limiter.Wrap(nil); got != nil {
		t.Fatalf("expected Wrap(nil) to return nil, got %v", got)
	}
}

func TestAdaptiveRateLimiterOtherErrorsDoNotBackoff(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	initialTPM := limiter.CurrentTPM()

	adapter := &fakeAdapter{err: &model.CallError{Code: model.ErrProvider, Message: "boom"}}
	wrapped := limiter.Wrap(adapter)

	if _, err := wrapped.Send(context.Background(), testRequest()); err == nil {
		t.Fatal("expected the underlying error to propagate")
	}
	if got := limiter.CurrentTPM(); got != initialTPM {
		t.Fatalf("expected TPM unchanged on a non-rate-limit error, got %f (initial %f)", got, initialTPM)
	}
}

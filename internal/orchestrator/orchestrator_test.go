package orchestrator

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalbridge/gateway/internal/model"
	"github.com/vocalbridge/gateway/internal/pricing"
)

// fakeAdapter replays a fixed script of responses/errors, one per call.
type fakeAdapter struct {
	provider pricing.Provider
	script   []func() (model.Response, error)
	calls    int
}

func (f *fakeAdapter) Provider() pricing.Provider { return f.provider }

func (f *fakeAdapter) Send(ctx context.Context, req model.Request) (model.Response, error) {
	if f.calls >= len(f.script) {
		return model.Response{}, &model.CallError{Code: model.ErrProvider, Message: "script exhausted", Retryable: false}
	}
	step := f.script[f.calls]
	f.calls++
	return step()
}

func ok(content string) func() (model.Response, error) {
	return func() (model.Response, error) { return model.Response{Content: content}, nil }
}

func fail(code model.ErrorCode, retryable bool, status int) func() (model.Response, error) {
	return func() (model.Response, error) {
		return model.Response{}, &model.CallError{Code: code, Message: "injected", Retryable: retryable, HTTPStatus: status}
	}
}

func fastConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		Multiplier:        2.0,
		JitterFraction:    0.3,
		PerAttemptTimeout: time.Second,
	}
}

func TestExecuteSucceedsOnFirstAttempt(t *testing.T) {
	primary := &fakeAdapter{provider: pricing.VendorA, script: []func() (model.Response, error){ok("hi")}}
	o := New(fastConfig(), rand.New(rand.NewSource(1)))

	var attempts []Attempt
	out := o.Execute(context.Background(), model.Request{}, ProviderSet{Primary: primary}, func(a Attempt) {
		attempts = append(attempts, a)
	})

	assert.True(t, out.Success)
	assert.Equal(t, pricing.VendorA, out.Provider)
	assert.False(t, out.UsedFallback)
	assert.Equal(t, 1, out.Attempts)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Success)
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	primary := &fakeAdapter{provider: pricing.VendorA, script: []func() (model.Response, error){
		fail(model.ErrProvider, true, 500),
		fail(model.ErrProvider, true, 500),
		ok("recovered"),
	}}
	o := New(fastConfig(), rand.New(rand.NewSource(1)))

	out := o.Execute(context.Background(), model.Request{}, ProviderSet{Primary: primary}, nil)

	assert.True(t, out.Success)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, "recovered", out.Response.Content)
}

func TestExecuteNonRetryableAbortsImmediately(t *testing.T) {
	primary := &fakeAdapter{provider: pricing.VendorA, script: []func() (model.Response, error){
		fail(model.ErrSchemaInvalid, false, 0),
		ok("should never run"),
	}}
	o := New(fastConfig(), rand.New(rand.NewSource(1)))

	out := o.Execute(context.Background(), model.Request{}, ProviderSet{Primary: primary}, nil)

	assert.False(t, out.Success)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, primary.calls)
}

func TestExecutePrimaryExhaustsFallbackSucceeds(t *testing.T) {
	primary := &fakeAdapter{provider: pricing.VendorA, script: []func() (model.Response, error){
		fail(model.ErrProvider, true, 500),
		fail(model.ErrProvider, true, 500),
		fail(model.ErrProvider, true, 500),
	}}
	fallback := &fakeAdapter{provider: pricing.VendorB, script: []func() (model.Response, error){
		ok("fallback answer"),
	}}
	o := New(fastConfig(), rand.New(rand.NewSource(1)))

	var attempts []Attempt
	out := o.Execute(context.Background(), model.Request{}, ProviderSet{Primary: primary, Fallback: fallback}, func(a Attempt) {
		attempts = append(attempts, a)
	})

	assert.True(t, out.Success)
	assert.True(t, out.UsedFallback)
	assert.Equal(t, pricing.VendorB, out.Provider)
	assert.Equal(t, 4, out.Attempts) // 3 primary + 1 fallback, cumulative
	require.Len(t, attempts, 4)
	assert.Equal(t, 1, attempts[3].Number-attempts[2].Number)
}

func TestExecuteSameFallbackAsPrimaryDoesNotRunSecondPath(t *testing.T) {
	primary := &fakeAdapter{provider: pricing.VendorA, script: []func() (model.Response, error){
		fail(model.ErrProvider, true, 500),
		fail(model.ErrProvider, true, 500),
		fail(model.ErrProvider, true, 500),
	}}
	fallback := &fakeAdapter{provider: pricing.VendorA}

	o := New(fastConfig(), rand.New(rand.NewSource(1)))
	out := o.Execute(context.Background(), model.Request{}, ProviderSet{Primary: primary, Fallback: fallback}, nil)

	assert.False(t, out.Success)
	assert.False(t, out.UsedFallback)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 0, fallback.calls)
}

func TestExecuteTotalFailureReturnsLastErrorAndAttempt(t *testing.T) {
	primary := &fakeAdapter{provider: pricing.VendorA, script: []func() (model.Response, error){
		fail(model.ErrProvider, true, 500),
		fail(model.ErrProvider, true, 500),
		fail(model.ErrProvider, true, 500),
	}}
	fallback := &fakeAdapter{provider: pricing.VendorB, script: []func() (model.Response, error){
		fail(model.ErrRateLimited, true, 429),
		fail(model.ErrRateLimited, true, 429),
		fail(model.ErrRateLimited, true, 429),
	}}
	o := New(fastConfig(), rand.New(rand.NewSource(1)))

	out := o.Execute(context.Background(), model.Request{}, ProviderSet{Primary: primary, Fallback: fallback}, nil)

	assert.False(t, out.Success)
	assert.Equal(t, 6, out.Attempts)
	assert.Equal(t, 6, out.LastAttempt)
	require.Error(t, out.LastErr)
}

func TestIsRetryableClassification(t *testing.T) {
	assert.True(t, IsRetryable(&model.CallError{Code: model.ErrTimeout}))
	assert.True(t, IsRetryable(&model.CallError{Code: model.ErrRateLimited}))
	assert.True(t, IsRetryable(&model.CallError{Code: model.ErrProvider, HTTPStatus: 500}))
	assert.True(t, IsRetryable(&model.CallError{Code: model.ErrProvider, Retryable: true, HTTPStatus: 400}))
	assert.False(t, IsRetryable(&model.CallError{Code: model.ErrProvider, HTTPStatus: 400}))
	assert.False(t, IsRetryable(&model.CallError{Code: model.ErrSchemaInvalid}))
	assert.False(t, IsRetryable(nil))
}

// TestBackoffDelayBounds verifies the jittered-backoff property from
// spec.md §8: delay is always within
// [base, base*(1+JitterFraction)] and never exceeds MaxDelay*(1+JitterFraction).
func TestBackoffDelayBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	cfg := Config{
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.3,
	}

	properties.Property("backoff stays within [base, base*1.3] and caps at MaxDelay*1.3", prop.ForAll(
		func(attempt int) bool {
			o := New(cfg, rand.New(rand.NewSource(int64(attempt))))
			base := float64(cfg.InitialDelay) * pow(cfg.Multiplier, attempt-1)
			if base > float64(cfg.MaxDelay) {
				base = float64(cfg.MaxDelay)
			}
			d := o.backoffDelay(attempt)
			return float64(d) >= base && float64(d) <= base*(1+cfg.JitterFraction)
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

func pow(base float64, exp int) float64 {
	r := 1.0
	for i := 0; i < exp; i++ {
		r *= base
	}
	return r
}

// TestRetryBoundProperty verifies the retry-bound property from spec.md §8:
// a path that always fails with a retryable error makes exactly MaxAttempts
// calls, never more.
func TestRetryBoundProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("always-retryable path makes exactly MaxAttempts calls", prop.ForAll(
		func(maxAttempts int) bool {
			script := make([]func() (model.Response, error), maxAttempts)
			for i := range script {
				script[i] = fail(model.ErrProvider, true, 500)
			}
			primary := &fakeAdapter{provider: pricing.VendorA, script: script}
			cfg := fastConfig()
			cfg.MaxAttempts = maxAttempts
			o := New(cfg, rand.New(rand.NewSource(int64(maxAttempts))))

			out := o.Execute(context.Background(), model.Request{}, ProviderSet{Primary: primary}, nil)
			return !out.Success && primary.calls == maxAttempts && out.Attempts == maxAttempts
		},
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}

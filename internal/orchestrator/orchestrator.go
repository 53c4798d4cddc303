// Package orchestrator implements C3 (spec.md §4.3): it wraps a provider
// adapter call with bounded retries, jittered exponential backoff, and
// fallback-provider selection. State is purely local to one Execute call;
// attempt numbers are cumulative across the primary and fallback paths so
// persisted ProviderCall records retain a single global ordering.
package orchestrator

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/vocalbridge/gateway/internal/model"
	"github.com/vocalbridge/gateway/internal/pricing"
	"github.com/vocalbridge/gateway/internal/provider"
)

// Config tunes the retry/backoff schedule. Zero-value fields are replaced by
// DefaultConfig's values in New.
type Config struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	Multiplier        float64
	JitterFraction    float64 // uniform jitter added in [0, JitterFraction*delay]
	PerAttemptTimeout time.Duration
}

// DefaultConfig mirrors spec.md §4.3's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		Multiplier:        2.0,
		JitterFraction:    0.3,
		PerAttemptTimeout: 30 * time.Second,
	}
}

// ProviderSet is the pair of adapters an agent may be routed to: a required
// primary and an optional fallback.
type ProviderSet struct {
	Primary  provider.Adapter
	Fallback provider.Adapter // nil if none configured
}

// Attempt describes one completed adapter call, primary or fallback path,
// for the caller to persist as a ProviderCall row (spec.md §3).
type Attempt struct {
	Number    int // cumulative across both paths, starting at 1
	Provider  pricing.Provider
	Success   bool
	Response  model.Response
	Err       error
	Latency   time.Duration
	StartedAt time.Time
}

// Outcome is the orchestrator's verdict for one Execute call.
type Outcome struct {
	Success      bool
	Provider     pricing.Provider
	UsedFallback bool
	Attempts     int
	Response     model.Response
	Latency      time.Duration
	LastErr      error
	LastAttempt  int
}

// Orchestrator runs the retry/fallback algorithm over a pair of adapters.
type Orchestrator struct {
	cfg Config
	rng *rand.Rand
}

// New builds an Orchestrator. A zero Config falls back to DefaultConfig.
func New(cfg Config, rng *rand.Rand) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		d := DefaultConfig()
		cfg.MaxAttempts = d.MaxAttempts
		cfg.InitialDelay = d.InitialDelay
		cfg.MaxDelay = d.MaxDelay
		cfg.Multiplier = d.Multiplier
		cfg.JitterFraction = d.JitterFraction
		cfg.PerAttemptTimeout = d.PerAttemptTimeout
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Orchestrator{cfg: cfg, rng: rng}
}

// Execute runs the primary path, then the fallback path if needed, invoking
// onAttempt synchronously after every individual adapter call so the caller
// can persist a ProviderCall row before the next attempt starts.
func (o *Orchestrator) Execute(ctx context.Context, req model.Request, set ProviderSet, onAttempt func(Attempt)) Outcome {
	start := time.Now()
	attemptNo := 0

	primaryOutcome, nextAttemptNo := o.runPath(ctx, set.Primary, req, attemptNo, onAttempt)
	attemptNo = nextAttemptNo
	if primaryOutcome.success {
		return o.finish(primaryOutcome, false, attemptNo, start)
	}
	if !primaryOutcome.retryExhaustedOrAborted() {
		// context cancellation or similar: stop immediately, no fallback.
		return o.finish(primaryOutcome, false, attemptNo, start)
	}

	if set.Fallback == nil || sameProvider(set.Primary, set.Fallback) {
		return o.finish(primaryOutcome, false, attemptNo, start)
	}

	fallbackOutcome, nextAttemptNo2 := o.runPath(ctx, set.Fallback, req, attemptNo, onAttempt)
	attemptNo = nextAttemptNo2
	return o.finish(fallbackOutcome, true, attemptNo, start)
}

func sameProvider(a, b provider.Adapter) bool {
	return a != nil && b != nil && a.Provider() == b.Provider()
}

// pathResult is the internal result of running one provider path to
// completion (success or attempts exhausted or a non-retryable abort).
type pathResult struct {
	success   bool
	response  model.Response
	provider  pricing.Provider
	lastErr   error
	lastN     int
	aborted   bool // true if a non-retryable error ended the path early
	cancelled bool // true if ctx was cancelled mid-path
}

func (p pathResult) retryExhaustedOrAborted() bool {
	return !p.cancelled
}

func (o *Orchestrator) runPath(ctx context.Context, adapter provider.Adapter, req model.Request, attemptBase int, onAttempt func(Attempt)) (pathResult, int) {
	var lastErr error
	n := attemptBase
	for local := 1; local <= o.cfg.MaxAttempts; local++ {
		n++
		attemptCtx := ctx
		var cancel context.CancelFunc
		if o.cfg.PerAttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, o.cfg.PerAttemptTimeout)
		}
		attemptStart := time.Now()
		resp, err := adapter.Send(attemptCtx, req)
		if cancel != nil {
			cancel()
		}
		latency := time.Since(attemptStart)

		if onAttempt != nil {
			onAttempt(Attempt{
				Number:    n,
				Provider:  adapter.Provider(),
				Success:   err == nil,
				Response:  resp,
				Err:       err,
				Latency:   latency,
				StartedAt: attemptStart,
			})
		}

		if err == nil {
			return pathResult{success: true, response: resp, provider: adapter.Provider(), lastN: n}, n
		}

		lastErr = err

		if ctx.Err() != nil {
			return pathResult{provider: adapter.Provider(), lastErr: ctx.Err(), lastN: n, cancelled: true}, n
		}

		if !IsRetryable(err) {
			return pathResult{provider: adapter.Provider(), lastErr: err, lastN: n, aborted: true}, n
		}

		if local >= o.cfg.MaxAttempts {
			break
		}

		delay := o.backoffDelay(local)
		if err := o.sleep(ctx, delay); err != nil {
			return pathResult{provider: adapter.Provider(), lastErr: ctx.Err(), lastN: n, cancelled: true}, n
		}
	}

	return pathResult{provider: adapter.Provider(), lastErr: lastErr, lastN: n}, n
}

func (o *Orchestrator) finish(p pathResult, usedFallback bool, attempts int, start time.Time) Outcome {
	return Outcome{
		Success:      p.success,
		Provider:     p.provider,
		UsedFallback: usedFallback,
		Attempts:     attempts,
		Response:     p.response,
		Latency:      time.Since(start),
		LastErr:      p.lastErr,
		LastAttempt:  p.lastN,
	}
}

// backoffDelay computes min(MaxDelay, InitialDelay*Multiplier^(n-1)) plus
// uniform jitter in [0, JitterFraction*delay] (spec.md §4.3 step 1).
func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	base := float64(o.cfg.InitialDelay) * math.Pow(o.cfg.Multiplier, float64(attempt-1))
	if base > float64(o.cfg.MaxDelay) {
		base = float64(o.cfg.MaxDelay)
	}
	if o.cfg.JitterFraction > 0 {
		jitter := base * o.cfg.JitterFraction * o.rng.Float64()
		base += jitter
	}
	return time.Duration(base)
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsRetryable classifies an adapter error per spec.md §4.3 step 2: TIMEOUT,
// RATE_LIMITED, and PROVIDER_ERROR with HTTP >= 500 (or an explicit
// retryable hint) are retryable; PROVIDER_SCHEMA_ERROR and anything else
// (auth/validation errors) abort the path immediately.
func IsRetryable(err error) bool {
	var ce *model.CallError
	if !asCallError(err, &ce) {
		return false
	}
	switch ce.Code {
	case model.ErrTimeout, model.ErrRateLimited:
		return true
	case model.ErrProvider:
		return ce.Retryable || ce.HTTPStatus >= 500
	default:
		return false
	}
}

func asCallError(err error, target **model.CallError) bool {
	ce, ok := err.(*model.CallError)
	if !ok {
		return false
	}
	*target = ce
	return true
}

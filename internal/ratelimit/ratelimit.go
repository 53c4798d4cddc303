// Package ratelimit implements the adaptive vendor admission control layered
// in front of C2 provider adapters. It sits outside the C3 retry loop as a
// pre-flight gate, not a retry substitute: it never changes MAX_ATTEMPTS
// semantics, it only paces how fast calls leave the process in the first
// place. Grounded on the teacher's features/model/middleware/ratelimit.go
// AdaptiveRateLimiter, adapted from goa-ai's model.Client middleware shape to
// this module's provider.Adapter.
package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"github.com/vocalbridge/gateway/internal/model"
	"github.com/vocalbridge/gateway/internal/pricing"
	"github.com/vocalbridge/gateway/internal/provider"
)

// AdaptiveRateLimiter applies an AIMD-adjusted token bucket in front of an
// Adapter. It estimates the token cost of each request, blocks the caller
// until budget is available, then widens the budget on success and halves it
// on a RATE_LIMITED response.
//
// A single instance is process-local unless constructed with a Pulse
// replicated map, in which case backoff/probe events are mirrored into a
// shared key so every gateway instance in the cluster converges on one
// effective budget.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64

	onBackoff func(newTPM float64)
	onProbe   func(newTPM float64)
}

// clusterMap is the subset of rmap.Map used to coordinate a shared budget.
type clusterMap interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
	Subscribe() <-chan rmap.EventKind
}

type rmapClusterMap struct{ m *rmap.Map }

func (c *rmapClusterMap) Get(key string) (string, bool) { return c.m.Get(key) }
func (c *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return c.m.SetIfNotExists(ctx, key, value)
}
func (c *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return c.m.TestAndSet(ctx, key, test, value)
}
func (c *rmapClusterMap) Subscribe() <-chan rmap.EventKind { return c.m.Subscribe() }

// New constructs a process-local AdaptiveRateLimiter with the given
// tokens-per-minute starting budget and ceiling.
func New(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	return newClusterAdaptiveRateLimiter(context.Background(), nil, "", initialTPM, maxTPM)
}

// NewClustered constructs an AdaptiveRateLimiter whose budget is mirrored
// into m under key, so every process sharing m converges on one effective
// tokens-per-minute budget for the vendor the caller wraps. A nil m falls
// back to a process-local limiter.
func NewClustered(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	var cm clusterMap
	if m != nil {
		cm = &rmapClusterMap{m: m}
	}
	return newClusterAdaptiveRateLimiter(ctx, cm, key, initialTPM, maxTPM)
}

func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	lim := rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM))
	return &AdaptiveRateLimiter{
		limiter: lim, currentTPM: initialTPM, minTPM: minTPM, maxTPM: maxTPM, recoveryRate: recoveryRate,
	}
}

func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if key == "" || m == nil {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}

	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			return newAdaptiveRateLimiter(initialTPM, maxTPM)
		}
	}

	sharedTPM := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}

	l := newAdaptiveRateLimiter(sharedTPM, maxTPM)
	floor, ceiling, step := l.minTPM, l.maxTPM, l.recoveryRate

	l.mu.Lock()
	l.onBackoff = func(float64) { go globalBackoff(context.Background(), m, key, floor) }
	l.onProbe = func(float64) { go globalProbe(context.Background(), m, key, step, ceiling) }
	l.mu.Unlock()

	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
				l.replaceTPM(v)
			}
		}
	}()

	return l
}

// limitedAdapter wraps a provider.Adapter with the limiter's pre-flight gate.
type limitedAdapter struct {
	next    provider.Adapter
	limiter *AdaptiveRateLimiter
}

// Wrap returns an Adapter that gates Send calls on l before delegating to
// next. A nil next returns nil, matching the teacher middleware's guard.
func (l *AdaptiveRateLimiter) Wrap(next provider.Adapter) provider.Adapter {
	if next == nil {
		return nil
	}
	return &limitedAdapter{next: next, limiter: l}
}

func (a *limitedAdapter) Provider() pricing.Provider { return a.next.Provider() }

func (a *limitedAdapter) Send(ctx context.Context, req model.Request) (model.Response, error) {
	if err := a.limiter.wait(ctx, req); err != nil {
		return model.Response{}, err
	}
	resp, err := a.next.Send(ctx, req)
	a.limiter.observe(err)
	return resp, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req model.Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	var callErr *model.CallError
	if errors.As(err, &callErr) && callErr.Code == model.ErrRateLimited {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
	cb := l.onBackoff
	l.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
	cb := l.onProbe
	l.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	if tpm == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
	l.mu.Unlock()
}

// CurrentTPM reports the limiter's current effective tokens-per-minute
// budget, mainly for tests and metrics.
func (l *AdaptiveRateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// estimateTokens is a cheap heuristic: count characters across the system
// prompt and message content, convert at ~1 token per 3 characters, and add a
// fixed buffer for provider framing overhead.
func estimateTokens(req model.Request) int {
	charCount := len(req.SystemPrompt)
	for _, m := range req.Messages {
		charCount += len(m.Content)
		for _, tr := range m.ToolResults {
			charCount += len(tr.Content)
		}
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

func globalBackoff(ctx context.Context, m clusterMap, key string, floor float64) {
	const maxAttempts = 3
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}

func globalProbe(ctx context.Context, m clusterMap, key string, step, ceiling float64) {
	const maxAttempts = 3
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 || cur >= ceiling {
			return
		}
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}

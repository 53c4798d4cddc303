// Package vendorb implements a mocked adapter for Vendor B (C2, spec.md
// §4.2): 30-100ms base latency and a 5% chance of a RATE_LIMITED response
// carrying a suggested retryAfterMs in [1000, 3000].
package vendorb

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/vocalbridge/gateway/internal/model"
	"github.com/vocalbridge/gateway/internal/pricing"
	"github.com/vocalbridge/gateway/internal/provider"
)

// Options configures the mock adapter. Rand is injectable so tests can force
// deterministic fault sequences.
type Options struct {
	Rand *rand.Rand
}

// Client is a mocked Vendor B adapter.
type Client struct {
	rng *rand.Rand
}

// New builds a Vendor B adapter.
func New(opts Options) *Client {
	r := opts.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Client{rng: r}
}

func (c *Client) Provider() pricing.Provider { return pricing.VendorB }

type rawResponse struct {
	Content   string        `json:"content"`
	TokensIn  int           `json:"tokensIn"`
	TokensOut int           `json:"tokensOut"`
	ToolCalls []rawToolCall `json:"toolCalls,omitempty"`
}

type rawToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args any    `json:"args,omitempty"`
}

// rollLatency draws the base-latency duration for one call, without
// sleeping, so fault-rate tests can sample it cheaply.
func (c *Client) rollLatency() time.Duration {
	return time.Duration(30+c.rng.Intn(71)) * time.Millisecond
}

// rollRateLimit draws whether this call is rate limited and, if so, the
// vendor's suggested retry-after duration.
func (c *Client) rollRateLimit() (time.Duration, bool) {
	if c.rng.Float64() < 0.05 {
		return time.Duration(1000+c.rng.Intn(2001)) * time.Millisecond, true
	}
	return 0, false
}

func (c *Client) Send(ctx context.Context, req model.Request) (model.Response, error) {
	start := time.Now()

	if err := sleep(ctx, c.rollLatency()); err != nil {
		return model.Response{}, err
	}

	if retryAfter, limited := c.rollRateLimit(); limited {
		return model.Response{}, &model.CallError{
			Code:       model.ErrRateLimited,
			Message:    "vendor b: rate limited",
			Retryable:  true,
			HTTPStatus: 429,
			RetryAfter: retryAfter,
			RawPayload: []byte(fmt.Sprintf(`{"error":"rate_limited","retryAfterMs":%d}`, retryAfter.Milliseconds())),
		}
	}

	raw := buildRawResponse(req)
	payload, err := json.Marshal(raw)
	if err != nil {
		return model.Response{}, &model.CallError{
			Code:      model.ErrProvider,
			Message:   fmt.Sprintf("vendor b: marshal response: %v", err),
			Retryable: false,
		}
	}
	if err := provider.ValidateAgainstSchema(provider.ResponseSchema, payload); err != nil {
		return model.Response{}, err
	}

	resp := model.Response{
		Content:   raw.Content,
		TokensIn:  raw.TokensIn,
		TokensOut: raw.TokensOut,
		Latency:   time.Since(start),
	}
	for _, tc := range raw.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
	}
	return resp, nil
}

func buildRawResponse(req model.Request) rawResponse {
	tokensIn := estimateTokens(req)

	if provider.IsToolResultTurn(req) {
		summary := provider.ToolResultSummary(req)
		content := fmt.Sprintf("Based on the lookup: %s", summary)
		return rawResponse{Content: content, TokensIn: tokensIn, TokensOut: estimateTokensFor(content)}
	}

	userMsg := provider.LastUserMessage(req)
	if orderID, ok := provider.DetectOrderID(userMsg); ok && hasInvoiceLookupTool(req) {
		return rawResponse{
			TokensIn:  tokensIn,
			TokensOut: 8,
			ToolCalls: []rawToolCall{{
				ID:   "call_" + orderID,
				Name: "InvoiceLookup",
				Args: map[string]any{"orderId": orderID},
			}},
		}
	}

	content := "Got it, let me know if there's anything else."
	return rawResponse{Content: content, TokensIn: tokensIn, TokensOut: estimateTokensFor(content)}
}

func hasInvoiceLookupTool(req model.Request) bool {
	for _, t := range req.Tools {
		if t.Name == "InvoiceLookup" {
			return true
		}
	}
	return false
}

func estimateTokens(req model.Request) int {
	n := estimateTokensFor(req.SystemPrompt)
	for _, m := range req.Messages {
		n += estimateTokensFor(m.Content)
	}
	return n
}

func estimateTokensFor(s string) int {
	if s == "" {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

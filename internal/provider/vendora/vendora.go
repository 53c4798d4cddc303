// Package vendora implements a mocked adapter for Vendor A (C2, spec.md
// §4.2): 50-200ms base latency, a 5% chance of a 1-3s latency spike, and a
// 10% chance of a retryable PROVIDER_ERROR at HTTP 500.
package vendora

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

// Client is a mocked Vendor A adapter.
type Client struct {
	rng *rand.Rand
}

// New builds a Vendor A adapter.
func New(opts Options) *Client {
	r := opts.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Client{rng: r}
}

func (c *Client) Provider() pricing.Provider { return pricing.VendorA }

type rawResponse struct {
	Content   string          `json:"content"`
	TokensIn  int             `json:"tokensIn"`
	TokensOut int             `json:"tokensOut"`
	ToolCalls []rawToolCall   `json:"toolCalls,omitempty"`
}

type rawToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args any    `json:"args,omitempty"`
}

// rollLatency draws the base-latency-plus-spike duration for one call,
// without sleeping, so fault-rate tests can sample it cheaply.
func (c *Client) rollLatency() time.Duration {
	base := time.Duration(50+c.rng.Intn(151)) * time.Millisecond
	if c.rng.Float64() < 0.05 {
		base += time.Duration(1000+c.rng.Intn(2001)) * time.Millisecond
	}
	return base
}

// rollFault draws whether this call fails with the vendor's injected
// PROVIDER_ERROR fault, without sleeping.
func (c *Client) rollFault() bool {
	return c.rng.Float64() < 0.10
}

func (c *Client) Send(ctx context.Context, req model.Request) (model.Response, error) {
	start := time.Now()

	if err := sleep(ctx, c.rollLatency()); err != nil {
		return model.Response{}, err
	}

	if c.rollFault() {
		return model.Response{}, &model.CallError{
			Code:       model.ErrProvider,
			Message:    "vendor a: internal error",
			Retryable:  true,
			HTTPStatus: 500,
			RawPayload: []byte(`{"error":"internal_error"}`),
		}
	}

	raw := buildRawResponse(req)
	payload, err := json.Marshal(raw)
	if err != nil {
		return model.Response{}, &model.CallError{
			Code:      model.ErrProvider,
			Message:   fmt.Sprintf("vendor a: marshal response: %v", err),
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

// buildRawResponse implements the shared order-id heuristic: a numeric order
// id in the latest user turn triggers an InvoiceLookup tool call; a
// follow-up turn carrying only tool results gets a natural-language answer.
func buildRawResponse(req model.Request) rawResponse {
	tokensIn := estimateTokens(req)

	if provider.IsToolResultTurn(req) {
		summary := provider.ToolResultSummary(req)
		content := fmt.Sprintf("Here's what I found: %s", summary)
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

	content := "Understood. How can I help further?"
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

package vendorb

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalbridge/gateway/internal/model"
	"github.com/vocalbridge/gateway/internal/pricing"
)

func TestProviderIdentity(t *testing.T) {
	c := New(Options{Rand: rand.New(rand.NewSource(1))})
	assert.Equal(t, pricing.VendorB, c.Provider())
}

func TestSendPlainTurn(t *testing.T) {
	c := New(Options{Rand: rand.New(rand.NewSource(42))})
	req := model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello there"}},
	}
	resp, err := c.Send(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Content)
	assert.Empty(t, resp.ToolCalls)
}

func TestSendDetectsOrderIDToolCall(t *testing.T) {
	c := New(Options{Rand: rand.New(rand.NewSource(3))})
	req := model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "order #98765 status please"}},
		Tools:    []model.ToolDefinition{{Name: "InvoiceLookup"}},
	}
	resp, err := c.Send(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "InvoiceLookup", resp.ToolCalls[0].Name)
	args, ok := resp.ToolCalls[0].Args.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "98765", args["orderId"])
}

func TestSendToolResultTurnProducesAnswer(t *testing.T) {
	c := New(Options{Rand: rand.New(rand.NewSource(3))})
	req := model.Request{
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "order #98765 status please"},
			{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "call_98765", Name: "InvoiceLookup"}}},
			{Role: model.RoleTool, Content: "", ToolResults: []model.ToolResult{{ToolCallID: "call_98765", Content: "delivered"}}},
			{Role: model.RoleUser, Content: ""},
		},
		Tools: []model.ToolDefinition{{Name: "InvoiceLookup"}},
	}
	resp, err := c.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "delivered")
}

func TestRateLimitInjectionRatesOverManySamples(t *testing.T) {
	c := New(Options{Rand: rand.New(rand.NewSource(99))})
	const n = 20000
	limited := 0
	for i := 0; i < n; i++ {
		if _, ok := c.rollRateLimit(); ok {
			limited++
		}
	}
	rate := float64(limited) / float64(n)
	assert.InDelta(t, 0.05, rate, 0.015)
}

func TestRateLimitErrorShape(t *testing.T) {
	c := New(Options{Rand: rand.New(rand.NewSource(1))})
	for i := 0; i < 1000; i++ {
		_, err := c.Send(context.Background(), model.Request{
			Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
		})
		if err == nil {
			continue
		}
		var ce *model.CallError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, model.ErrRateLimited, ce.Code)
		assert.True(t, ce.Retryable)
		assert.Equal(t, 429, ce.HTTPStatus)
		assert.GreaterOrEqual(t, ce.RetryAfter.Milliseconds(), int64(1000))
		assert.LessOrEqual(t, ce.RetryAfter.Milliseconds(), int64(3000))
		return
	}
	t.Fatal("expected at least one rate-limit within 1000 attempts")
}

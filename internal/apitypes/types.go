package apitypes

import "time"

// MessageResponse is the success response body for POST message endpoints
// (spec.md §6, "Success response for POST message").
type MessageResponse struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []ToolCallView `json:"toolCalls"`
	CreatedAt time.Time      `json:"createdAt"`
	Metadata  ResponseMeta   `json:"metadata"`
}

// ToolCallView is the wire shape of a tool call attached to an assistant
// message.
type ToolCallView struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ResponseMeta bundles the provider-call metadata returned alongside a
// message response.
type ResponseMeta struct {
	Provider      string `json:"provider"`
	TokensIn      int    `json:"tokensIn"`
	TokensOut     int    `json:"tokensOut"`
	LatencyMs     int64  `json:"latencyMs"`
	CorrelationID string `json:"correlationId"`
	UsedFallback  bool   `json:"usedFallback"`
}

// Package store implements the Postgres-backed relational core (spec.md §3,
// §6): Tenant, ApiKey, Agent, Session, Message, ProviderCall, UsageEvent,
// Job, and ToolExecution, plus the session sequence counter table C6 relies
// on. Grounded on the teacher's pgxpool repository pattern
// (features/model/openai and MrWong99-glyphoxa's postgres memory store):
// one struct per entity, query text inlined as a const, pgx.CollectRows for
// multi-row scans, wrapped errors naming the operation.
package store

import (
	"time"

	"github.com/vocalbridge/gateway/internal/pricing"
)

type ApiKeyRole string

const (
	RoleAdmin   ApiKeyRole = "ADMIN"
	RoleAnalyst ApiKeyRole = "ANALYST"
)

type SessionChannel string

const (
	ChannelChat  SessionChannel = "CHAT"
	ChannelVoice SessionChannel = "VOICE"
)

type SessionStatus string

const (
	SessionActive SessionStatus = "ACTIVE"
	SessionEnded  SessionStatus = "ENDED"
	SessionError  SessionStatus = "ERROR"
)

type MessageRole string

const (
	MessageUser      MessageRole = "USER"
	MessageAssistant MessageRole = "ASSISTANT"
	MessageSystem    MessageRole = "SYSTEM"
	MessageTool      MessageRole = "TOOL"
)

type ProviderCallStatus string

const (
	ProviderCallSuccess     ProviderCallStatus = "SUCCESS"
	ProviderCallFailed      ProviderCallStatus = "FAILED"
	ProviderCallTimeout     ProviderCallStatus = "TIMEOUT"
	ProviderCallRateLimited ProviderCallStatus = "RATE_LIMITED"
)

type JobType string

const (
	JobSendMessage  JobType = "SEND_MESSAGE"
	JobVoiceProcess JobType = "VOICE_PROCESS"
)

type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

type ToolExecutionStatus string

const (
	ToolExecSuccess ToolExecutionStatus = "SUCCESS"
	ToolExecFailed  ToolExecutionStatus = "FAILED"
	ToolExecTimeout ToolExecutionStatus = "TIMEOUT"
)

// Tenant is the owner boundary (spec.md §3).
type Tenant struct {
	ID        string
	Name      string
	Email     string
	CreatedAt time.Time
}

// ApiKey is the authentication principal. Plaintext is never stored; Hash is
// SHA-256 of the plaintext.
type ApiKey struct {
	ID         string
	TenantID   string
	Prefix     string
	Hash       string
	Role       ApiKeyRole
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}

// Valid reports whether the key is usable right now, per spec.md §3's
// ApiKey invariant.
func (k ApiKey) Valid(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// Agent is a per-tenant configuration.
type Agent struct {
	ID               string
	TenantID         string
	Name             string
	Description      *string
	PrimaryProvider  pricing.Provider
	FallbackProvider *pricing.Provider
	SystemPrompt     string
	Temperature      float64
	MaxTokens        int
	EnabledTools     []string
	VoiceEnabled     bool
	VoiceConfig      map[string]any
	IsActive         bool
	CreatedAt        time.Time
}

// Session is a conversation.
type Session struct {
	ID         string
	TenantID   string
	AgentID    string
	CustomerID string
	Channel    SessionChannel
	Status     SessionStatus
	DemoMode   bool
	Metadata   map[string]any
	CreatedAt  time.Time
	EndedAt    *time.Time
}

// ToolCallRecord is the persisted shape of one tool call attached to an
// ASSISTANT message.
type ToolCallRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args any    `json:"args,omitempty"`
}

// Message is one transcript entry.
type Message struct {
	ID             string
	SessionID      string
	SequenceNumber int64
	IdempotencyKey *string
	Role           MessageRole
	Content        string
	ToolCalls      []ToolCallRecord
	ProviderCallID *string
	AudioArtifactID *string
	CreatedAt      time.Time
}

// ProviderCall is one outbound vendor attempt's record.
type ProviderCall struct {
	ID            string
	SessionID     string
	CorrelationID string
	Provider      pricing.Provider
	IsFallback    bool
	TokensIn      int
	TokensOut     int
	LatencyMs     int64
	Status        ProviderCallStatus
	ErrorCode     *string
	ErrorMessage  *string
	AttemptNumber int
	Billed        bool
	CreatedAt     time.Time
}

// UsageEvent is the unit of cost accounting. ProviderCallID is unique: this
// is the exactly-once billing guard (spec.md §3/§4.8).
type UsageEvent struct {
	ID              string
	TenantID        string
	AgentID         string
	SessionID       string
	ProviderCallID  string
	Provider        pricing.Provider
	TokensIn        int
	TokensOut       int
	TotalTokens     int
	CostCents       int
	PricingSnapshot pricing.Snapshot
	CreatedAt       time.Time
}

// Job is durable async work.
type Job struct {
	ID             string
	TenantID       string
	Type           JobType
	IdempotencyKey *string
	Input          map[string]any
	Output         map[string]any
	Status         JobStatus
	Progress       int
	ErrorMessage   *string
	LastError      *string
	CallbackURL    *string
	CallbackSent   bool
	LockedAt       *time.Time
	LockedBy       *string
	LockExpiresAt  *time.Time
	Attempts       int
	MaxAttempts    int
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// ToolExecution is the audit record for one tool invocation.
type ToolExecution struct {
	ID            string
	SessionID     string
	MessageID     *string
	CorrelationID string
	ToolName      string
	ToolInput     map[string]any
	ToolOutput    map[string]any
	Status        ToolExecutionStatus
	ErrorMessage  *string
	LatencyMs     int64
	CostCents     int
	CreatedAt     time.Time
}

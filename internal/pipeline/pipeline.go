// Package pipeline implements the central message pipeline (C7, spec.md
// §4.7): idempotency short-circuit, session-lock acquisition, history
// assembly, the orchestrator call, the tool-call loop, persistence, and
// billing. Grounded on the teacher's agents/runtime/runtime package for the
// overall shape of "load context, compose request, run model, handle tool
// calls, persist" as a single coordinating function, generalized here to the
// spec's own step list and Postgres-backed persistence.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vocalbridge/gateway/internal/apitypes"
	"github.com/vocalbridge/gateway/internal/billing"
	"github.com/vocalbridge/gateway/internal/model"
	"github.com/vocalbridge/gateway/internal/orchestrator"
	"github.com/vocalbridge/gateway/internal/pricing"
	"github.com/vocalbridge/gateway/internal/provider"
	"github.com/vocalbridge/gateway/internal/sequence"
	"github.com/vocalbridge/gateway/internal/sessionlock"
	"github.com/vocalbridge/gateway/internal/store"
	"github.com/vocalbridge/gateway/internal/telemetry"
	"github.com/vocalbridge/gateway/internal/tools"
)

// DefaultMaxHistoryMessages is spec.md §4.7 step 4's default window.
const DefaultMaxHistoryMessages = 50

// Store is the subset of *store.Store the pipeline depends on, narrowed for
// testability with an in-memory fake.
type Store interface {
	FindMessageByIdempotencyKey(ctx context.Context, sessionID, idempotencyKey string) (store.Message, error)
	GetMessageBySequence(ctx context.Context, sessionID string, sequenceNumber int64) (store.Message, error)
	GetSession(ctx context.Context, tenantID, id string) (store.Session, error)
	GetAgent(ctx context.Context, tenantID, id string) (store.Agent, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]store.Message, error)
	InsertMessage(ctx context.Context, m store.Message) error
	InsertProviderCall(ctx context.Context, pc store.ProviderCall) error
	GetProviderCall(ctx context.Context, id string) (store.ProviderCall, error)
	InsertToolExecution(ctx context.Context, te store.ToolExecution) error
}

// BillingRecorder is the narrow interface the pipeline needs from C8.
type BillingRecorder interface {
	Record(ctx context.Context, pc store.ProviderCall, tenantID, agentID string, demoMode bool) error
}

// AdapterSet maps a provider identity to its adapter, letting the pipeline
// resolve an agent's configured primary/fallback providers into the
// orchestrator.ProviderSet it expects.
type AdapterSet map[pricing.Provider]provider.Adapter

// Config tunes pipeline behavior.
type Config struct {
	MaxHistoryMessages int
}

// DefaultConfig returns the spec.md-documented defaults.
func DefaultConfig() Config {
	return Config{MaxHistoryMessages: DefaultMaxHistoryMessages}
}

// Pipeline implements C7.
type Pipeline struct {
	cfg          Config
	store        Store
	locker       sessionlock.Locker
	sequences    sequence.Generator
	orchestrator *orchestrator.Orchestrator
	tools        *tools.Registry
	billing      BillingRecorder
	adapters     AdapterSet
	logger       telemetry.Logger
	newID        func() string
}

// New builds a Pipeline.
func New(cfg Config, s Store, locker sessionlock.Locker, sequences sequence.Generator, orch *orchestrator.Orchestrator,
	registry *tools.Registry, recorder BillingRecorder, adapters AdapterSet, logger telemetry.Logger, newID func() string) *Pipeline {
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = DefaultMaxHistoryMessages
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Pipeline{
		cfg: cfg, store: s, locker: locker, sequences: sequences, orchestrator: orch,
		tools: registry, billing: recorder, adapters: adapters, logger: logger, newID: newID,
	}
}

// Input is one inbound message submission (spec.md §4.7's input shape).
type Input struct {
	TenantID       string
	SessionID      string
	Content        string
	IdempotencyKey *string
	CorrelationID  string
}

// Result is what the pipeline returns on success (spec.md §4.7 step 12).
type Result struct {
	Message  store.Message
	Metadata apitypes.ResponseMeta
}

// Send runs the full C7 algorithm for one inbound message.
func (p *Pipeline) Send(ctx context.Context, in Input) (Result, error) {
	if in.CorrelationID == "" {
		in.CorrelationID = p.newID()
	}

	// Step 1: idempotency pre-check, no lock, no provider call, no billing.
	if in.IdempotencyKey != nil {
		if result, found, err := p.shortCircuit(ctx, in); err != nil {
			return Result{}, err
		} else if found {
			return result, nil
		}
	}

	// Step 2: lock.
	release, err := p.locker.TryAcquire(ctx, in.SessionID)
	if err != nil {
		if errors.Is(err, sessionlock.ErrHeld) {
			return Result{}, apitypes.Wrap(apitypes.CodeConflict, "a message is already in flight for this session", err).
				WithCorrelationID(in.CorrelationID)
		}
		return Result{}, apitypes.Wrap(apitypes.CodeInternal, "failed to acquire session lock", err).
			WithCorrelationID(in.CorrelationID)
	}
	defer release()

	return p.sendLocked(ctx, in)
}

func (p *Pipeline) shortCircuit(ctx context.Context, in Input) (Result, bool, error) {
	userMsg, err := p.store.FindMessageByIdempotencyKey(ctx, in.SessionID, *in.IdempotencyKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, false, nil
		}
		return Result{}, false, apitypes.Wrap(apitypes.CodeInternal, "idempotency lookup failed", err).WithCorrelationID(in.CorrelationID)
	}

	assistantMsg, err := p.store.GetMessageBySequence(ctx, in.SessionID, userMsg.SequenceNumber+1)
	if err != nil {
		// The user message was persisted but the pipeline hasn't finished
		// (or failed before an assistant message existed); report a conflict
		// so the caller retries rather than returning a half response.
		return Result{}, false, apitypes.Wrap(apitypes.CodeConflict, "request is already being processed", err).WithCorrelationID(in.CorrelationID)
	}

	meta := apitypes.ResponseMeta{CorrelationID: in.CorrelationID}
	if assistantMsg.ProviderCallID != nil {
		if pc, err := p.store.GetProviderCall(ctx, *assistantMsg.ProviderCallID); err == nil {
			meta = providerCallMeta(pc, in.CorrelationID)
		}
	}
	return Result{Message: assistantMsg, Metadata: meta}, true, nil
}

func (p *Pipeline) sendLocked(ctx context.Context, in Input) (Result, error) {
	// Step 3: load context.
	sess, err := p.store.GetSession(ctx, in.TenantID, in.SessionID)
	if err != nil {
		return Result{}, apitypes.Wrap(apitypes.CodeNotFound, "session not found", err).WithCorrelationID(in.CorrelationID)
	}
	if sess.Status != store.SessionActive {
		return Result{}, apitypes.New(apitypes.CodeValidation, "session is not active").WithCorrelationID(in.CorrelationID)
	}
	agent, err := p.store.GetAgent(ctx, in.TenantID, sess.AgentID)
	if err != nil {
		return Result{}, apitypes.Wrap(apitypes.CodeNotFound, "agent not found", err).WithCorrelationID(in.CorrelationID)
	}

	enabledTools := make(map[string]bool, len(agent.EnabledTools))
	for _, name := range agent.EnabledTools {
		enabledTools[name] = true
	}

	set, err := p.resolveProviderSet(agent)
	if err != nil {
		return Result{}, apitypes.Wrap(apitypes.CodeInternal, "provider configuration error", err).WithCorrelationID(in.CorrelationID)
	}

	// Step 4/5: build history and compose the request.
	history, err := p.loadHistory(ctx, in.SessionID)
	if err != nil {
		return Result{}, apitypes.Wrap(apitypes.CodeInternal, "failed to load conversation history", err).WithCorrelationID(in.CorrelationID)
	}
	req := p.composeRequest(agent, history, in.Content, enabledTools)

	// Step 6: persist user message.
	userSeq, err := p.sequences.Next(ctx, in.SessionID)
	if err != nil {
		return Result{}, apitypes.Wrap(apitypes.CodeInternal, "failed to allocate sequence", err).WithCorrelationID(in.CorrelationID)
	}
	userMsg := store.Message{
		ID: p.newID(), SessionID: in.SessionID, SequenceNumber: userSeq, IdempotencyKey: in.IdempotencyKey,
		Role: store.MessageUser, Content: in.Content, CreatedAt: time.Now().UTC(),
	}
	if err := p.store.InsertMessage(ctx, userMsg); err != nil {
		if errors.Is(err, store.ErrIdempotencyConflict) {
			if result, found, scErr := p.shortCircuit(ctx, in); scErr == nil && found {
				return result, nil
			}
			return Result{}, apitypes.Wrap(apitypes.CodeConflict, "idempotency key already consumed by a concurrent request", err).WithCorrelationID(in.CorrelationID)
		}
		return Result{}, apitypes.Wrap(apitypes.CodeInternal, "failed to persist user message", err).WithCorrelationID(in.CorrelationID)
	}

	// Step 7: call orchestrator.
	outcome, providerCall, err := p.callProvider(ctx, in, req, set, 1)
	if err != nil {
		return Result{}, err
	}
	providerCalls := []store.ProviderCall{providerCall}

	finalOutcome := outcome
	finalReq := req

	// Step 8: tool-call loop.
	if len(outcome.Response.ToolCalls) > 0 {
		followUpOutcome, followUpPC, toolErr := p.runToolLoop(ctx, in, &sess, agent, enabledTools, finalReq, outcome, providerCall, set)
		if toolErr != nil {
			return Result{}, toolErr
		}
		finalOutcome = followUpOutcome
		providerCalls = append(providerCalls, followUpPC)
	}

	// Step 9: persist final assistant message.
	finalSeq, err := p.sequences.Next(ctx, in.SessionID)
	if err != nil {
		return Result{}, apitypes.Wrap(apitypes.CodeInternal, "failed to allocate sequence", err).WithCorrelationID(in.CorrelationID)
	}
	lastPC := providerCalls[len(providerCalls)-1]
	assistantMsg := store.Message{
		ID: p.newID(), SessionID: in.SessionID, SequenceNumber: finalSeq,
		Role: store.MessageAssistant, Content: finalOutcome.Response.Content,
		ToolCalls:      toRecordToolCalls(finalOutcome.Response.ToolCalls),
		ProviderCallID: &lastPC.ID, CreatedAt: time.Now().UTC(),
	}
	if err := p.store.InsertMessage(ctx, assistantMsg); err != nil {
		return Result{}, apitypes.Wrap(apitypes.CodeInternal, "failed to persist assistant message", err).WithCorrelationID(in.CorrelationID)
	}

	// Step 10: billing, for every successful ProviderCall produced.
	for _, pc := range providerCalls {
		if pc.Status != store.ProviderCallSuccess {
			continue
		}
		if err := p.billing.Record(ctx, pc, in.TenantID, agent.ID, sess.DemoMode); err != nil {
			p.logger.Error(ctx, "pipeline: billing failed", "providerCallId", pc.ID, "error", err.Error())
		}
	}

	return Result{Message: assistantMsg, Metadata: providerCallMeta(lastPC, in.CorrelationID)}, nil
}

// callProvider runs the orchestrator once, persists one ProviderCall row per
// attempt (the failed earlier attempts, then the final attempt's success or
// failure per spec.md §4.7 step 7), and classifies a failure into a
// PROVIDER_ERROR for the caller.
func (p *Pipeline) callProvider(ctx context.Context, in Input, req model.Request, set orchestrator.ProviderSet, attemptOffset int) (orchestrator.Outcome, store.ProviderCall, error) {
	var attempts []orchestrator.Attempt
	outcome := p.orchestrator.Execute(ctx, req, set, func(a orchestrator.Attempt) {
		attempts = append(attempts, a)
	})

	pc := store.ProviderCall{
		ID: p.newID(), SessionID: in.SessionID, CorrelationID: in.CorrelationID,
		Provider: outcome.Provider, IsFallback: outcome.UsedFallback,
		TokensIn: outcome.Response.TokensIn, TokensOut: outcome.Response.TokensOut,
		LatencyMs: outcome.Latency.Milliseconds(), AttemptNumber: outcome.LastAttempt,
		CreatedAt: time.Now().UTC(),
	}
	if outcome.Success {
		pc.Status = store.ProviderCallSuccess
	} else {
		pc.Status = classifyFailureStatus(outcome.LastErr)
		code, msg := classifyFailureMessage(outcome.LastErr)
		pc.ErrorCode = &code
		pc.ErrorMessage = &msg
	}

	// Every attempt before the last one failed; each gets its own row.
	for _, a := range attempts[:max(len(attempts)-1, 0)] {
		code, msg := classifyFailureMessage(a.Err)
		failed := store.ProviderCall{
			ID: p.newID(), SessionID: in.SessionID, CorrelationID: in.CorrelationID,
			Provider: a.Provider, IsFallback: a.Provider != set.Primary.Provider(),
			LatencyMs: a.Latency.Milliseconds(), AttemptNumber: a.Number, Status: classifyFailureStatus(a.Err),
			ErrorCode: &code, ErrorMessage: &msg, CreatedAt: a.StartedAt.UTC(),
		}
		if err := p.store.InsertProviderCall(ctx, failed); err != nil {
			return outcome, failed, apitypes.Wrap(apitypes.CodeInternal, "failed to persist provider call", err).WithCorrelationID(in.CorrelationID)
		}
	}

	if err := p.store.InsertProviderCall(ctx, pc); err != nil {
		return outcome, pc, apitypes.Wrap(apitypes.CodeInternal, "failed to persist provider call", err).WithCorrelationID(in.CorrelationID)
	}
	if !outcome.Success {
		return outcome, pc, apitypes.Wrap(apitypes.CodeProviderError, "provider call failed", outcome.LastErr).WithCorrelationID(in.CorrelationID)
	}
	return outcome, pc, nil
}

// runToolLoop implements spec.md §4.7 step 8: persist the interim assistant
// message and tool results, then re-invoke the orchestrator with a
// follow-up request carrying an empty final user turn.
func (p *Pipeline) runToolLoop(ctx context.Context, in Input, sess *store.Session, agent store.Agent, enabledTools map[string]bool,
	req model.Request, outcome orchestrator.Outcome, providerCall store.ProviderCall, set orchestrator.ProviderSet) (orchestrator.Outcome, store.ProviderCall, error) {

	interimSeq, err := p.sequences.Next(ctx, in.SessionID)
	if err != nil {
		return orchestrator.Outcome{}, store.ProviderCall{}, apitypes.Wrap(apitypes.CodeInternal, "failed to allocate sequence", err).WithCorrelationID(in.CorrelationID)
	}
	interimMsg := store.Message{
		ID: p.newID(), SessionID: in.SessionID, SequenceNumber: interimSeq,
		Role: store.MessageAssistant, Content: outcome.Response.Content,
		ToolCalls: toRecordToolCalls(outcome.Response.ToolCalls), ProviderCallID: &providerCall.ID,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.InsertMessage(ctx, interimMsg); err != nil {
		return orchestrator.Outcome{}, store.ProviderCall{}, apitypes.Wrap(apitypes.CodeInternal, "failed to persist interim assistant message", err).WithCorrelationID(in.CorrelationID)
	}

	for _, tc := range outcome.Response.ToolCalls {
		args, _ := tc.Args.(map[string]any)
		invOutcome := p.tools.Invoke(ctx, tc.Name, args, enabledTools)

		var toolErrMsg *string
		if invOutcome.Status != tools.StatusSuccess {
			msg := invOutcome.Result.Error
			if msg == "" {
				msg = string(invOutcome.Status)
			}
			toolErrMsg = &msg
		}
		te := store.ToolExecution{
			ID: p.newID(), SessionID: in.SessionID, MessageID: &interimMsg.ID, CorrelationID: in.CorrelationID,
			ToolName: tc.Name, ToolInput: args, Status: toToolExecutionStatus(invOutcome.Status),
			ErrorMessage: toolErrMsg, LatencyMs: invOutcome.Latency.Milliseconds(), CreatedAt: time.Now().UTC(),
		}
		if outData, ok := invOutcome.Result.Data.(map[string]any); ok {
			te.ToolOutput = outData
		}
		if err := p.store.InsertToolExecution(ctx, te); err != nil {
			return orchestrator.Outcome{}, store.ProviderCall{}, apitypes.Wrap(apitypes.CodeInternal, "failed to persist tool execution", err).WithCorrelationID(in.CorrelationID)
		}

		toolMsgSeq, err := p.sequences.Next(ctx, in.SessionID)
		if err != nil {
			return orchestrator.Outcome{}, store.ProviderCall{}, apitypes.Wrap(apitypes.CodeInternal, "failed to allocate sequence", err).WithCorrelationID(in.CorrelationID)
		}
		toolMsg := store.Message{
			ID: p.newID(), SessionID: in.SessionID, SequenceNumber: toolMsgSeq,
			Role: store.MessageTool, Content: encodeToolResult(tc.ID, invOutcome), CreatedAt: time.Now().UTC(),
		}
		if err := p.store.InsertMessage(ctx, toolMsg); err != nil {
			return orchestrator.Outcome{}, store.ProviderCall{}, apitypes.Wrap(apitypes.CodeInternal, "failed to persist tool result message", err).WithCorrelationID(in.CorrelationID)
		}
	}

	// c: rebuild history from the DB and compose the follow-up request with
	// an empty final user turn.
	history, err := p.loadHistory(ctx, in.SessionID)
	if err != nil {
		return orchestrator.Outcome{}, store.ProviderCall{}, apitypes.Wrap(apitypes.CodeInternal, "failed to reload conversation history", err).WithCorrelationID(in.CorrelationID)
	}
	followUpReq := p.composeRequest(agent, history, "", enabledTools)

	followUpOutcome, followUpPC, err := p.callProvider(ctx, in, followUpReq, set, outcome.LastAttempt+1)
	if err != nil {
		return orchestrator.Outcome{}, store.ProviderCall{}, err
	}
	return followUpOutcome, followUpPC, nil
}

func (p *Pipeline) resolveProviderSet(agent store.Agent) (orchestrator.ProviderSet, error) {
	primary, ok := p.adapters[agent.PrimaryProvider]
	if !ok {
		return orchestrator.ProviderSet{}, fmt.Errorf("pipeline: no adapter registered for primary provider %q", agent.PrimaryProvider)
	}
	fallback := primary
	if agent.FallbackProvider != nil {
		fb, ok := p.adapters[*agent.FallbackProvider]
		if !ok {
			return orchestrator.ProviderSet{}, fmt.Errorf("pipeline: no adapter registered for fallback provider %q", *agent.FallbackProvider)
		}
		fallback = fb
	}
	return orchestrator.ProviderSet{Primary: primary, Fallback: fallback}, nil
}

func (p *Pipeline) loadHistory(ctx context.Context, sessionID string) ([]model.Message, error) {
	msgs, err := p.store.RecentMessages(ctx, sessionID, p.cfg.MaxHistoryMessages)
	if err != nil {
		return nil, err
	}
	return toNeutralMessages(msgs), nil
}

func (p *Pipeline) composeRequest(agent store.Agent, history []model.Message, userContent string, enabledTools map[string]bool) model.Request {
	messages := make([]model.Message, len(history), len(history)+1)
	copy(messages, history)
	messages = append(messages, model.Message{Role: model.RoleUser, Content: userContent})

	req := model.Request{
		SystemPrompt: agent.SystemPrompt,
		Messages:     messages,
		Temperature:  agent.Temperature,
		MaxTokens:    agent.MaxTokens,
	}
	if len(enabledTools) > 0 {
		for name := range enabledTools {
			if t, ok := p.tools.Lookup(name); ok {
				req.Tools = append(req.Tools, model.ToolDefinition{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
			}
		}
	}
	return req
}

func toNeutralMessages(msgs []store.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case store.MessageUser:
			out = append(out, model.Message{Role: model.RoleUser, Content: m.Content})
		case store.MessageAssistant:
			out = append(out, model.Message{Role: model.RoleAssistant, Content: m.Content, ToolCalls: toModelToolCalls(m.ToolCalls)})
		case store.MessageSystem:
			out = append(out, model.Message{Role: model.RoleSystem, Content: m.Content})
		case store.MessageTool:
			id, content, toolErr := decodeToolResult(m.Content)
			out = append(out, model.Message{Role: model.RoleTool, ToolResults: []model.ToolResult{{ToolCallID: id, Content: content, Error: toolErr}}})
		}
	}
	return out
}

func toModelToolCalls(tc []store.ToolCallRecord) []model.ToolCall {
	if len(tc) == 0 {
		return nil
	}
	out := make([]model.ToolCall, len(tc))
	for i, c := range tc {
		out[i] = model.ToolCall{ID: c.ID, Name: c.Name, Args: c.Args}
	}
	return out
}

func toRecordToolCalls(tc []model.ToolCall) []store.ToolCallRecord {
	if len(tc) == 0 {
		return nil
	}
	out := make([]store.ToolCallRecord, len(tc))
	for i, c := range tc {
		out[i] = store.ToolCallRecord{ID: c.ID, Name: c.Name, Args: c.Args}
	}
	return out
}

func toToolExecutionStatus(s tools.InvokeStatus) store.ToolExecutionStatus {
	switch s {
	case tools.StatusSuccess:
		return store.ToolExecSuccess
	case tools.StatusTimeout:
		return store.ToolExecTimeout
	default:
		return store.ToolExecFailed
	}
}

// toolResultEnvelope is the content encoding spec.md §4.7 step 8b specifies:
// "The TOOL message carries no tool-result-specific column — encoding is
// part of the content field by design."
type toolResultEnvelope struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func encodeToolResult(toolCallID string, outcome tools.InvokeOutcome) string {
	env := toolResultEnvelope{ID: toolCallID}
	if outcome.Status == tools.StatusSuccess {
		env.Result = outcome.Result.Data
	} else {
		env.Error = outcome.Result.Error
		if env.Error == "" {
			env.Error = string(outcome.Status)
		}
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Sprintf(`{"id":%q,"error":"encoding failure"}`, toolCallID)
	}
	return string(b)
}

func decodeToolResult(content string) (id, resultContent, errMsg string) {
	var env toolResultEnvelope
	if err := json.Unmarshal([]byte(content), &env); err != nil {
		return "", content, ""
	}
	if env.Error != "" {
		return env.ID, "", env.Error
	}
	b, _ := json.Marshal(env.Result)
	return env.ID, string(b), ""
}

func classifyFailureStatus(err error) store.ProviderCallStatus {
	var callErr *model.CallError
	if errors.As(err, &callErr) {
		switch callErr.Code {
		case model.ErrTimeout:
			return store.ProviderCallTimeout
		case model.ErrRateLimited:
			return store.ProviderCallRateLimited
		}
	}
	return store.ProviderCallFailed
}

func classifyFailureMessage(err error) (code string, message string) {
	var callErr *model.CallError
	if errors.As(err, &callErr) {
		return string(callErr.Code), callErr.Message
	}
	if err == nil {
		return "", ""
	}
	return string(model.ErrProvider), err.Error()
}

func providerCallMeta(pc store.ProviderCall, correlationID string) apitypes.ResponseMeta {
	return apitypes.ResponseMeta{
		Provider: string(pc.Provider), TokensIn: pc.TokensIn, TokensOut: pc.TokensOut,
		LatencyMs: pc.LatencyMs, CorrelationID: correlationID, UsedFallback: pc.IsFallback,
	}
}

package pipeline_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalbridge/gateway/internal/apitypes"
	"github.com/vocalbridge/gateway/internal/model"
	"github.com/vocalbridge/gateway/internal/orchestrator"
	"github.com/vocalbridge/gateway/internal/pipeline"
	"github.com/vocalbridge/gateway/internal/pricing"
	"github.com/vocalbridge/gateway/internal/sequence"
	"github.com/vocalbridge/gateway/internal/sessionlock"
	"github.com/vocalbridge/gateway/internal/store"
	"github.com/vocalbridge/gateway/internal/tools"
)

// fakeStore is an in-memory stand-in for *store.Store, implementing just
// pipeline.Store.
type fakeStore struct {
	mu            sync.Mutex
	sessions      map[string]store.Session
	agents        map[string]store.Agent
	messages      map[string][]store.Message // by session
	byIdempotency map[string]string          // sessionID|key -> messageID
	providerCalls map[string]store.ProviderCall
	toolExecs     []store.ToolExecution
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:      make(map[string]store.Session),
		agents:        make(map[string]store.Agent),
		messages:      make(map[string][]store.Message),
		byIdempotency: make(map[string]string),
		providerCalls: make(map[string]store.ProviderCall),
	}
}

func (f *fakeStore) FindMessageByIdempotencyKey(_ context.Context, sessionID, idempotencyKey string) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byIdempotency[sessionID+"|"+idempotencyKey]
	if !ok {
		return store.Message{}, store.ErrNotFound
	}
	for _, m := range f.messages[sessionID] {
		if m.ID == id {
			return m, nil
		}
	}
	return store.Message{}, store.ErrNotFound
}

func (f *fakeStore) GetMessageBySequence(_ context.Context, sessionID string, seq int64) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages[sessionID] {
		if m.SequenceNumber == seq {
			return m, nil
		}
	}
	return store.Message{}, store.ErrNotFound
}

func (f *fakeStore) GetSession(_ context.Context, _, id string) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) GetAgent(_ context.Context, _, id string) (store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return store.Agent{}, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) RecentMessages(_ context.Context, sessionID string, limit int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := append([]store.Message(nil), f.messages[sessionID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].SequenceNumber < all[j].SequenceNumber })
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (f *fakeStore) InsertMessage(_ context.Context, m store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.IdempotencyKey != nil {
		key := m.SessionID + "|" + *m.IdempotencyKey
		if _, exists := f.byIdempotency[key]; exists {
			return store.ErrIdempotencyConflict
		}
		f.byIdempotency[key] = m.ID
	}
	f.messages[m.SessionID] = append(f.messages[m.SessionID], m)
	return nil
}

func (f *fakeStore) InsertProviderCall(_ context.Context, pc store.ProviderCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providerCalls[pc.ID] = pc
	return nil
}

func (f *fakeStore) GetProviderCall(_ context.Context, id string) (store.ProviderCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc, ok := f.providerCalls[id]
	if !ok {
		return store.ProviderCall{}, store.ErrNotFound
	}
	return pc, nil
}

func (f *fakeStore) InsertToolExecution(_ context.Context, te store.ToolExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolExecs = append(f.toolExecs, te)
	return nil
}

type fakeBilling struct {
	mu      sync.Mutex
	recorded []store.ProviderCall
}

func (f *fakeBilling) Record(_ context.Context, pc store.ProviderCall, _, _ string, demoMode bool) error {
	if demoMode {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, pc)
	return nil
}

type scriptedAdapter struct {
	provider pricing.Provider
	script   []func() (model.Response, error)
	calls    int
}

func (a *scriptedAdapter) Provider() pricing.Provider { return a.provider }

func (a *scriptedAdapter) Send(context.Context, model.Request) (model.Response, error) {
	i := a.calls
	a.calls++
	if i >= len(a.script) {
		i = len(a.script) - 1
	}
	return a.script[i]()
}

func ok(content string, toolCalls ...model.ToolCall) func() (model.Response, error) {
	return func() (model.Response, error) {
		return model.Response{Content: content, TokensIn: 10, TokensOut: 5, ToolCalls: toolCalls}, nil
	}
}

func idSeq(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newTestPipeline(t *testing.T, primary *scriptedAdapter) (*pipeline.Pipeline, *fakeStore, *fakeBilling) {
	t.Helper()
	p, s, billingRec, _ := newTestPipelineWithLocker(t, primary, sessionlock.NewInMemory(0))
	return p, s, billingRec
}

func newTestPipelineWithLocker(t *testing.T, primary *scriptedAdapter, locker sessionlock.Locker) (*pipeline.Pipeline, *fakeStore, *fakeBilling, sessionlock.Locker) {
	t.Helper()
	s := newFakeStore()
	seqGen := sequence.NewInMemory()
	orch := orchestrator.New(orchestrator.Config{
		MaxAttempts: 3, InitialDelay: 0, MaxDelay: 0, Multiplier: 1, JitterFraction: 0, PerAttemptTimeout: 0,
	}, nil)
	registry := tools.NewRegistry()
	registry.Register(tools.NewInvoiceLookup())
	billingRec := &fakeBilling{}
	adapters := pipeline.AdapterSet{primary.Provider(): primary}

	p := pipeline.New(pipeline.DefaultConfig(), s, locker, seqGen, orch, registry, billingRec, adapters, nil, idSeq("id"))
	return p, s, billingRec, locker
}

func seedSessionAndAgent(s *fakeStore, tenantID, sessionID, agentID string, provider pricing.Provider, tools []string) {
	s.agents[agentID] = store.Agent{
		ID: agentID, TenantID: tenantID, Name: "test-agent", PrimaryProvider: provider,
		SystemPrompt: "You are helpful.", Temperature: 0.5, MaxTokens: 512, EnabledTools: tools, IsActive: true,
	}
	s.sessions[sessionID] = store.Session{
		ID: sessionID, TenantID: tenantID, AgentID: agentID, CustomerID: "cust-1",
		Channel: store.ChannelChat, Status: store.SessionActive,
	}
}

func TestSendPersistsUserAndAssistantMessagesAndBills(t *testing.T) {
	adapter := &scriptedAdapter{provider: pricing.VendorA, script: []func() (model.Response, error){ok("hi there")}}
	p, s, billingRec := newTestPipeline(t, adapter)
	seedSessionAndAgent(s, "tenant-1", "sess-1", "agent-1", pricing.VendorA, nil)

	result, err := p.Send(context.Background(), pipeline.Input{TenantID: "tenant-1", SessionID: "sess-1", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", result.Message.Content)
	assert.Equal(t, store.MessageAssistant, result.Message.Role)

	msgs := s.messages["sess-1"]
	require.Len(t, msgs, 2)
	assert.Equal(t, store.MessageUser, msgs[0].Role)
	assert.Equal(t, int64(1), msgs[0].SequenceNumber)
	assert.Equal(t, store.MessageAssistant, msgs[1].Role)
	assert.Equal(t, int64(2), msgs[1].SequenceNumber)

	assert.Len(t, billingRec.recorded, 1)
}

func TestSendSkipsBillingForDemoSession(t *testing.T) {
	adapter := &scriptedAdapter{provider: pricing.VendorA, script: []func() (model.Response, error){ok("hi there")}}
	p, s, billingRec := newTestPipeline(t, adapter)
	seedSessionAndAgent(s, "tenant-1", "sess-1", "agent-1", pricing.VendorA, nil)
	sess := s.sessions["sess-1"]
	sess.DemoMode = true
	s.sessions["sess-1"] = sess

	_, err := p.Send(context.Background(), pipeline.Input{TenantID: "tenant-1", SessionID: "sess-1", Content: "hello"})
	require.NoError(t, err)
	assert.Empty(t, billingRec.recorded)
}

func TestSendIdempotentKeyShortCircuitsOnReplay(t *testing.T) {
	adapter := &scriptedAdapter{provider: pricing.VendorA, script: []func() (model.Response, error){ok("first reply")}}
	p, s, billingRec := newTestPipeline(t, adapter)
	seedSessionAndAgent(s, "tenant-1", "sess-1", "agent-1", pricing.VendorA, nil)

	key := "idem-1"
	first, err := p.Send(context.Background(), pipeline.Input{TenantID: "tenant-1", SessionID: "sess-1", Content: "hello", IdempotencyKey: &key})
	require.NoError(t, err)

	second, err := p.Send(context.Background(), pipeline.Input{TenantID: "tenant-1", SessionID: "sess-1", Content: "hello", IdempotencyKey: &key})
	require.NoError(t, err)

	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.Equal(t, 1, adapter.calls)
	assert.Len(t, billingRec.recorded, 1)
}

func TestSendReturnsConflictWhenLockHeld(t *testing.T) {
	adapter := &scriptedAdapter{provider: pricing.VendorA, script: []func() (model.Response, error){ok("hi")}}
	locker := sessionlock.NewInMemory(0)
	p, s, _, _ := newTestPipelineWithLocker(t, adapter, locker)
	seedSessionAndAgent(s, "tenant-1", "sess-1", "agent-1", pricing.VendorA, nil)

	release, err := locker.TryAcquire(context.Background(), "sess-1")
	require.NoError(t, err)
	defer release()

	_, err = p.Send(context.Background(), pipeline.Input{TenantID: "tenant-1", SessionID: "sess-1", Content: "hello"})
	require.Error(t, err)
	var apiErr *apitypes.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apitypes.CodeConflict, apiErr.Code)
}

func TestSendToolLoopProducesFullTranscriptAndDoubleBilling(t *testing.T) {
	toolCall := model.ToolCall{ID: "call-1", Name: "InvoiceLookup", Args: map[string]any{"orderId": "12345"}}
	adapter := &scriptedAdapter{provider: pricing.VendorA, script: []func() (model.Response, error){
		ok("let me check that order", toolCall),
		ok("your order is shipped"),
	}}
	p, s, billingRec := newTestPipeline(t, adapter)
	seedSessionAndAgent(s, "tenant-1", "sess-1", "agent-1", pricing.VendorA, []string{"InvoiceLookup"})

	result, err := p.Send(context.Background(), pipeline.Input{TenantID: "tenant-1", SessionID: "sess-1", Content: "status of order #12345"})
	require.NoError(t, err)
	assert.Equal(t, "your order is shipped", result.Message.Content)

	msgs := s.messages["sess-1"]
	require.Len(t, msgs, 4)
	assert.Equal(t, store.MessageUser, msgs[0].Role)
	assert.Equal(t, store.MessageAssistant, msgs[1].Role)
	assert.NotEmpty(t, msgs[1].ToolCalls)
	assert.Equal(t, store.MessageTool, msgs[2].Role)
	assert.Equal(t, store.MessageAssistant, msgs[3].Role)

	assert.Len(t, s.providerCalls, 2)
	assert.Len(t, billingRec.recorded, 2)
	assert.Len(t, s.toolExecs, 1)
	assert.Equal(t, store.ToolExecSuccess, s.toolExecs[0].Status)
}

func TestSendProviderFailureReturnsProviderErrorAndKeepsUserMessage(t *testing.T) {
	adapter := &scriptedAdapter{provider: pricing.VendorA, script: []func() (model.Response, error){
		func() (model.Response, error) {
			return model.Response{}, &model.CallError{Code: model.ErrProvider, Message: "boom", Retryable: false}
		},
	}}
	p, s, billingRec := newTestPipeline(t, adapter)
	seedSessionAndAgent(s, "tenant-1", "sess-1", "agent-1", pricing.VendorA, nil)

	_, err := p.Send(context.Background(), pipeline.Input{TenantID: "tenant-1", SessionID: "sess-1", Content: "hello"})
	require.Error(t, err)

	msgs := s.messages["sess-1"]
	require.Len(t, msgs, 1)
	assert.Equal(t, store.MessageUser, msgs[0].Role)
	assert.Empty(t, billingRec.recorded)
}

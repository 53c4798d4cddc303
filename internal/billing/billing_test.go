package billing_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalbridge/gateway/internal/billing"
	"github.com/vocalbridge/gateway/internal/pricing"
	"github.com/vocalbridge/gateway/internal/store"
)

type fakeStore struct {
	mu          sync.Mutex
	billed      map[string]bool
	usageEvents []store.UsageEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{billed: make(map[string]bool)}
}

func (f *fakeStore) MarkProviderCallBilled(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.billed[id] {
		return false, nil
	}
	f.billed[id] = true
	return true, nil
}

func (f *fakeStore) InsertUsageEvent(_ context.Context, u store.UsageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.usageEvents {
		if existing.ProviderCallID == u.ProviderCallID {
			return store.ErrUsageEventExists
		}
	}
	f.usageEvents = append(f.usageEvents, u)
	return nil
}

func idSeq(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

func TestRecordSkipsDemoSessions(t *testing.T) {
	s := newFakeStore()
	r := billing.New(s, nil, idSeq("usage-"))

	pc := store.ProviderCall{ID: "pc-1", Status: store.ProviderCallSuccess, Provider: pricing.VendorA, TokensIn: 100, TokensOut: 50}
	err := r.Record(context.Background(), pc, "tenant-1", "agent-1", true)
	require.NoError(t, err)
	assert.Empty(t, s.usageEvents)
}

func TestRecordInsertsUsageEventOnce(t *testing.T) {
	s := newFakeStore()
	r := billing.New(s, nil, idSeq("usage-"))

	pc := store.ProviderCall{ID: "pc-1", SessionID: "sess-1", Status: store.ProviderCallSuccess, Provider: pricing.VendorA, TokensIn: 1000, TokensOut: 500}
	err := r.Record(context.Background(), pc, "tenant-1", "agent-1", false)
	require.NoError(t, err)
	require.Len(t, s.usageEvents, 1)

	wantCost, _ := pricing.CostCents(pricing.VendorA, 1000, 500)
	assert.Equal(t, wantCost, s.usageEvents[0].CostCents)
	assert.Equal(t, "pc-1", s.usageEvents[0].ProviderCallID)
}

func TestRecordIsIdempotentUnderRetry(t *testing.T) {
	s := newFakeStore()
	r := billing.New(s, nil, idSeq("usage-"))

	pc := store.ProviderCall{ID: "pc-1", SessionID: "sess-1", Status: store.ProviderCallSuccess, Provider: pricing.VendorB, TokensIn: 10, TokensOut: 10}
	require.NoError(t, r.Record(context.Background(), pc, "tenant-1", "agent-1", false))
	require.NoError(t, r.Record(context.Background(), pc, "tenant-1", "agent-1", false))
	require.NoError(t, r.Record(context.Background(), pc, "tenant-1", "agent-1", false))

	assert.Len(t, s.usageEvents, 1)
}

func TestRecordConcurrentInvocationsProduceExactlyOneUsageEvent(t *testing.T) {
	s := newFakeStore()
	r := billing.New(s, nil, idSeq("usage-"))
	pc := store.ProviderCall{ID: "pc-1", SessionID: "sess-1", Status: store.ProviderCallSuccess, Provider: pricing.VendorA, TokensIn: 200, TokensOut: 80}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Record(context.Background(), pc, "tenant-1", "agent-1", false)
		}()
	}
	wg.Wait()

	assert.Len(t, s.usageEvents, 1)
}

func TestRecordRejectsNonSuccessProviderCall(t *testing.T) {
	s := newFakeStore()
	r := billing.New(s, nil, idSeq("usage-"))
	pc := store.ProviderCall{ID: "pc-1", Status: store.ProviderCallFailed, Provider: pricing.VendorA}

	err := r.Record(context.Background(), pc, "tenant-1", "agent-1", false)
	assert.Error(t, err)
	assert.Empty(t, s.usageEvents)
}

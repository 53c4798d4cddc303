// Package billing implements the exactly-once usage recorder (C8, spec.md
// §4.8). It wraps the conditional-update-then-insert pattern the store
// exposes and adds the demo-session skip and structured logging around it.
// Grounded on the teacher's general recorder shape (a thin orchestration
// layer over store calls, logging rather than failing on a second-line
// race) as seen in runtime/agent/telemetry's event-recording callers.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vocalbridge/gateway/internal/pricing"
	"github.com/vocalbridge/gateway/internal/store"
	"github.com/vocalbridge/gateway/internal/telemetry"
)

// Store is the subset of *store.Store the recorder needs, narrowed for
// testability.
type Store interface {
	MarkProviderCallBilled(ctx context.Context, id string) (bool, error)
	InsertUsageEvent(ctx context.Context, u store.UsageEvent) error
}

// Recorder implements C8.
type Recorder struct {
	store  Store
	logger telemetry.Logger
	newID  func() string
}

// New builds a Recorder. newID supplies UsageEvent ids; pass uuid.NewString
// in production.
func New(s Store, logger telemetry.Logger, newID func() string) *Recorder {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Recorder{store: s, logger: logger, newID: newID}
}

// Record implements spec.md §4.8's three-step recipe for one successful,
// non-demo ProviderCall. It is safe to call more than once for the same
// ProviderCall: every call after the first is a silent no-op.
func (r *Recorder) Record(ctx context.Context, pc store.ProviderCall, tenantID, agentID string, demoMode bool) error {
	if demoMode {
		return nil
	}
	if pc.Status != store.ProviderCallSuccess {
		return fmt.Errorf("billing: provider call %s is not SUCCESS", pc.ID)
	}

	flipped, err := r.store.MarkProviderCallBilled(ctx, pc.ID)
	if err != nil {
		return fmt.Errorf("billing: mark billed: %w", err)
	}
	if !flipped {
		// Another caller already billed this call; nothing left to do.
		return nil
	}

	costCents, snapshot, ok := pricing.SnapshotFor(pc.Provider, pc.TokensIn, pc.TokensOut)
	if !ok {
		return fmt.Errorf("billing: unknown provider %q for provider call %s", pc.Provider, pc.ID)
	}

	event := store.UsageEvent{
		ID:              r.newID(),
		TenantID:        tenantID,
		AgentID:         agentID,
		SessionID:       pc.SessionID,
		ProviderCallID:  pc.ID,
		Provider:        pc.Provider,
		TokensIn:        pc.TokensIn,
		TokensOut:       pc.TokensOut,
		TotalTokens:     pc.TokensIn + pc.TokensOut,
		CostCents:       costCents,
		PricingSnapshot: snapshot,
		CreatedAt:       time.Now().UTC(),
	}
	if err := r.store.InsertUsageEvent(ctx, event); err != nil {
		if errors.Is(err, store.ErrUsageEventExists) {
			r.logger.Warn(ctx, "billing: usage event already exists for provider call",
				"providerCallId", pc.ID)
			return nil
		}
		return fmt.Errorf("billing: insert usage event: %w", err)
	}
	return nil
}

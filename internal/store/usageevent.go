package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertUsageEvent records the cost of one successful, billed ProviderCall.
// The unique constraint on provider_call_id is the second-line defense for
// exactly-once billing (spec.md §4.8 step 3): a duplicate insert here is
// reported as ErrUsageEventExists rather than a raw constraint error so C8
// can log and return instead of failing the caller.
func (s *Store) InsertUsageEvent(ctx context.Context, u UsageEvent) error {
	snapshot, err := json.Marshal(u.PricingSnapshot)
	if err != nil {
		return fmt.Errorf("store: insert usage event: marshal pricing snapshot: %w", err)
	}

	const q = `
		INSERT INTO usage_events (id, tenant_id, agent_id, session_id, provider_call_id, provider,
			tokens_in, tokens_out, total_tokens, cost_cents, pricing_snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = s.pool.Exec(ctx, q, u.ID, u.TenantID, u.AgentID, u.SessionID, u.ProviderCallID, u.Provider,
		u.TokensIn, u.TokensOut, u.TotalTokens, u.CostCents, snapshot, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: insert usage event: %w", ErrUsageEventExists)
		}
		return fmt.Errorf("store: insert usage event: %w", err)
	}
	return nil
}

// ErrUsageEventExists signals a UsageEvent already exists for this
// ProviderCall (spec.md §4.8's second-line billing defense).
var ErrUsageEventExists = notFoundError("store: usage event already exists for provider call")

// UsageBreakdown is one aggregated row from UsageBreakdownBy.
type UsageBreakdown struct {
	Key         string
	TotalCents  int
	TotalTokens int
	Count       int
}

// UsageBreakdownBy aggregates usage_events for a tenant, grouped by
// provider, agent_id, or a daily bucket of created_at (spec.md §6,
// GET /usage/breakdown?groupBy=).
func (s *Store) UsageBreakdownBy(ctx context.Context, tenantID string, groupBy string) ([]UsageBreakdown, error) {
	var groupExpr string
	switch groupBy {
	case "provider":
		groupExpr = "provider"
	case "agent":
		groupExpr = "agent_id"
	case "day":
		groupExpr = "to_char(created_at, 'YYYY-MM-DD')"
	default:
		return nil, fmt.Errorf("store: usage breakdown: unsupported groupBy %q", groupBy)
	}

	q := fmt.Sprintf(`
		SELECT %s AS key, sum(cost_cents), sum(total_tokens), count(*)
		FROM usage_events WHERE tenant_id = $1 GROUP BY key ORDER BY key`, groupExpr)
	rows, err := s.pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: usage breakdown: %w", err)
	}
	result, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (UsageBreakdown, error) {
		var b UsageBreakdown
		err := row.Scan(&b.Key, &b.TotalCents, &b.TotalTokens, &b.Count)
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: usage breakdown: scan: %w", err)
	}
	if result == nil {
		result = []UsageBreakdown{}
	}
	return result, nil
}

// TopAgentsByUsage returns the top-spending agents for a tenant.
func (s *Store) TopAgentsByUsage(ctx context.Context, tenantID string, limit int) ([]UsageBreakdown, error) {
	const q = `
		SELECT agent_id, sum(cost_cents), sum(total_tokens), count(*)
		FROM usage_events WHERE tenant_id = $1
		GROUP BY agent_id ORDER BY sum(cost_cents) DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, q, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: top agents: %w", err)
	}
	result, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (UsageBreakdown, error) {
		var b UsageBreakdown
		err := row.Scan(&b.Key, &b.TotalCents, &b.TotalTokens, &b.Count)
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: top agents: scan: %w", err)
	}
	if result == nil {
		result = []UsageBreakdown{}
	}
	return result, nil
}

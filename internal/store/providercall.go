package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertProviderCall persists one vendor attempt, successful or not (spec.md
// §4.7 step 7: "Persist even on failure so analytics see the attempt").
func (s *Store) InsertProviderCall(ctx context.Context, pc ProviderCall) error {
	const q = `
		INSERT INTO provider_calls (id, session_id, correlation_id, provider, is_fallback, tokens_in, tokens_out,
			latency_ms, status, error_code, error_message, attempt_number, billed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := s.pool.Exec(ctx, q, pc.ID, pc.SessionID, pc.CorrelationID, pc.Provider, pc.IsFallback, pc.TokensIn, pc.TokensOut,
		pc.LatencyMs, pc.Status, pc.ErrorCode, pc.ErrorMessage, pc.AttemptNumber, pc.Billed, pc.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert provider call: %w", err)
	}
	return nil
}

// GetProviderCall fetches a single attempt record by id.
func (s *Store) GetProviderCall(ctx context.Context, id string) (ProviderCall, error) {
	const q = `
		SELECT id, session_id, correlation_id, provider, is_fallback, tokens_in, tokens_out,
			latency_ms, status, error_code, error_message, attempt_number, billed, created_at
		FROM provider_calls WHERE id = $1`
	row := s.pool.QueryRow(ctx, q, id)
	pc, err := scanProviderCall(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProviderCall{}, fmt.Errorf("store: get provider call %s: %w", id, ErrNotFound)
		}
		return ProviderCall{}, fmt.Errorf("store: get provider call %s: %w", id, err)
	}
	return pc, nil
}

// MarkProviderCallBilled performs the exactly-once conditional update C8
// relies on: it flips billed=false -> true and reports whether this caller
// was the one who actually flipped it (spec.md §4.8 step 1).
func (s *Store) MarkProviderCallBilled(ctx context.Context, id string) (flipped bool, err error) {
	const q = `UPDATE provider_calls SET billed = true WHERE id = $1 AND billed = false`
	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("store: mark provider call billed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountProviderCallsByStatus is a diagnostic helper for tests exercising the
// retry/fallback scenarios from spec.md §8.
func (s *Store) CountProviderCallsByStatus(ctx context.Context, sessionID string, provider string, status ProviderCallStatus) (int, error) {
	const q = `SELECT count(*) FROM provider_calls WHERE session_id = $1 AND provider = $2 AND status = $3`
	var n int
	if err := s.pool.QueryRow(ctx, q, sessionID, provider, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count provider calls: %w", err)
	}
	return n, nil
}

func scanProviderCall(row scannable) (ProviderCall, error) {
	var pc ProviderCall
	if err := row.Scan(&pc.ID, &pc.SessionID, &pc.CorrelationID, &pc.Provider, &pc.IsFallback, &pc.TokensIn, &pc.TokensOut,
		&pc.LatencyMs, &pc.Status, &pc.ErrorCode, &pc.ErrorMessage, &pc.AttemptNumber, &pc.Billed, &pc.CreatedAt); err != nil {
		return ProviderCall{}, err
	}
	return pc, nil
}

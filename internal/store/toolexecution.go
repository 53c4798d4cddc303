package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertToolExecution writes the audit row spec.md §4.4 requires for every
// tool invocation: "input, output (or error), status, and latency."
func (s *Store) InsertToolExecution(ctx context.Context, te ToolExecution) error {
	input, err := marshalOptional(te.ToolInput)
	if err != nil {
		return fmt.Errorf("store: insert tool execution: marshal input: %w", err)
	}
	output, err := marshalOptional(te.ToolOutput)
	if err != nil {
		return fmt.Errorf("store: insert tool execution: marshal output: %w", err)
	}

	const q = `
		INSERT INTO tool_executions (id, session_id, message_id, correlation_id, tool_name, tool_input,
			tool_output, status, error_message, latency_ms, cost_cents, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = s.pool.Exec(ctx, q, te.ID, te.SessionID, te.MessageID, te.CorrelationID, te.ToolName, input,
		output, te.Status, te.ErrorMessage, te.LatencyMs, te.CostCents, te.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert tool execution: %w", err)
	}
	return nil
}

// GetToolExecution fetches a single audit row by id.
func (s *Store) GetToolExecution(ctx context.Context, id string) (ToolExecution, error) {
	const q = selectToolExecutionColumns + ` FROM tool_executions WHERE id = $1`
	row := s.pool.QueryRow(ctx, q, id)
	te, err := scanToolExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ToolExecution{}, fmt.Errorf("store: get tool execution %s: %w", id, ErrNotFound)
		}
		return ToolExecution{}, fmt.Errorf("store: get tool execution %s: %w", id, err)
	}
	return te, nil
}

// ListToolExecutionsBySession returns every tool invocation for a session in
// the order they were recorded, used for transcript reconstruction in tests.
func (s *Store) ListToolExecutionsBySession(ctx context.Context, sessionID string) ([]ToolExecution, error) {
	const q = selectToolExecutionColumns + ` FROM tool_executions WHERE session_id = $1 ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list tool executions: %w", err)
	}
	executions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ToolExecution, error) {
		return scanToolExecution(row)
	})
	if err != nil {
		return nil, fmt.Errorf("store: list tool executions: scan: %w", err)
	}
	if executions == nil {
		executions = []ToolExecution{}
	}
	return executions, nil
}

const selectToolExecutionColumns = `
	SELECT id, session_id, message_id, correlation_id, tool_name, tool_input, tool_output,
		status, error_message, latency_ms, cost_cents, created_at`

func scanToolExecution(row scannable) (ToolExecution, error) {
	var (
		te         ToolExecution
		inputJSON  []byte
		outputJSON []byte
	)
	if err := row.Scan(&te.ID, &te.SessionID, &te.MessageID, &te.CorrelationID, &te.ToolName, &inputJSON,
		&outputJSON, &te.Status, &te.ErrorMessage, &te.LatencyMs, &te.CostCents, &te.CreatedAt); err != nil {
		return ToolExecution{}, err
	}
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &te.ToolInput); err != nil {
			return ToolExecution{}, fmt.Errorf("unmarshal tool input: %w", err)
		}
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &te.ToolOutput); err != nil {
			return ToolExecution{}, fmt.Errorf("unmarshal tool output: %w", err)
		}
	}
	return te, nil
}

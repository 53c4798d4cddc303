package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertMessage inserts one transcript entry. A unique-constraint violation
// on (session, idempotencyKey) surfaces as ErrIdempotencyConflict so the
// pipeline (C7 step 6) can re-drive its idempotency short-circuit.
func (s *Store) InsertMessage(ctx context.Context, m Message) error {
	toolCalls, err := marshalToolCalls(m.ToolCalls)
	if err != nil {
		return fmt.Errorf("store: insert message: marshal tool calls: %w", err)
	}

	const q = `
		INSERT INTO messages (id, session_id, sequence_number, idempotency_key, role, content, tool_calls, provider_call_id, audio_artifact_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.pool.Exec(ctx, q, m.ID, m.SessionID, m.SequenceNumber, m.IdempotencyKey, m.Role, m.Content, toolCalls, m.ProviderCallID, m.AudioArtifactID, m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: insert message: %w", ErrIdempotencyConflict)
		}
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// ErrIdempotencyConflict signals a concurrent insert already consumed the
// (session, idempotencyKey) pair (spec.md §4.7 step 6).
var ErrIdempotencyConflict = notFoundError("store: idempotency key already consumed")

// FindMessageByIdempotencyKey implements spec.md §4.7 step 1's idempotency
// pre-check: look up a USER message on this session with that key.
func (s *Store) FindMessageByIdempotencyKey(ctx context.Context, sessionID, idempotencyKey string) (Message, error) {
	const q = `
		SELECT id, session_id, sequence_number, idempotency_key, role, content, tool_calls, provider_call_id, audio_artifact_id, created_at
		FROM messages WHERE session_id = $1 AND idempotency_key = $2 AND role = 'USER'`
	row := s.pool.QueryRow(ctx, q, sessionID, idempotencyKey)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, fmt.Errorf("store: find message by idempotency key: %w", ErrNotFound)
		}
		return Message{}, fmt.Errorf("store: find message by idempotency key: %w", err)
	}
	return msg, nil
}

// GetMessageBySequence fetches the message at a given sequence number, used
// to retrieve the ASSISTANT reply paired with an idempotent USER message.
func (s *Store) GetMessageBySequence(ctx context.Context, sessionID string, sequenceNumber int64) (Message, error) {
	const q = `
		SELECT id, session_id, sequence_number, idempotency_key, role, content, tool_calls, provider_call_id, audio_artifact_id, created_at
		FROM messages WHERE session_id = $1 AND sequence_number = $2`
	row := s.pool.QueryRow(ctx, q, sessionID, sequenceNumber)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, fmt.Errorf("store: get message by sequence: %w", ErrNotFound)
		}
		return Message{}, fmt.Errorf("store: get message by sequence: %w", err)
	}
	return msg, nil
}

// RecentMessages returns the most recent limit messages of a session in
// ascending sequence order, for history assembly (spec.md §4.7 step 4).
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	const q = `
		SELECT id, session_id, sequence_number, idempotency_key, role, content, tool_calls, provider_call_id, audio_artifact_id, created_at
		FROM (
			SELECT * FROM messages WHERE session_id = $1 ORDER BY sequence_number DESC LIMIT $2
		) recent
		ORDER BY sequence_number ASC`
	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: recent messages: scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}
	if messages == nil {
		messages = []Message{}
	}
	return messages, nil
}

func scanMessage(row scannable) (Message, error) {
	var (
		m             Message
		toolCallsJSON []byte
	)
	if err := row.Scan(&m.ID, &m.SessionID, &m.SequenceNumber, &m.IdempotencyKey, &m.Role, &m.Content,
		&toolCallsJSON, &m.ProviderCallID, &m.AudioArtifactID, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	if len(toolCallsJSON) > 0 {
		if err := json.Unmarshal(toolCallsJSON, &m.ToolCalls); err != nil {
			return Message{}, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	return m, nil
}

func marshalToolCalls(tc []ToolCallRecord) ([]byte, error) {
	if len(tc) == 0 {
		return nil, nil
	}
	return json.Marshal(tc)
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

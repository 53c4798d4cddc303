package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateOrReuseActiveSession implements spec.md §3's invariant S1: at most
// one ACTIVE session per (tenant, agent, customer, demoMode). If a matching
// ACTIVE session already exists, it is returned unchanged instead of
// inserting a duplicate.
func (s *Store) CreateOrReuseActiveSession(ctx context.Context, sess Session) (Session, error) {
	existing, err := s.findActiveSession(ctx, sess.TenantID, sess.AgentID, sess.CustomerID, sess.DemoMode)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Session{}, err
	}

	metadata, err := marshalOptional(sess.Metadata)
	if err != nil {
		return Session{}, fmt.Errorf("store: create session: marshal metadata: %w", err)
	}

	const q = `
		INSERT INTO sessions (id, tenant_id, agent_id, customer_id, channel, status, demo_mode, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.pool.Exec(ctx, q, sess.ID, sess.TenantID, sess.AgentID, sess.CustomerID, sess.Channel, sess.Status, sess.DemoMode, metadata, sess.CreatedAt)
	if err != nil {
		// A concurrent caller may have won the race against the partial
		// unique index; re-read rather than surface the constraint error.
		if existing, reErr := s.findActiveSession(ctx, sess.TenantID, sess.AgentID, sess.CustomerID, sess.DemoMode); reErr == nil {
			return existing, nil
		}
		return Session{}, fmt.Errorf("store: create session: %w", err)
	}
	return sess, nil
}

func (s *Store) findActiveSession(ctx context.Context, tenantID, agentID, customerID string, demoMode bool) (Session, error) {
	const q = `
		SELECT id, tenant_id, agent_id, customer_id, channel, status, demo_mode, metadata, created_at, ended_at
		FROM sessions
		WHERE tenant_id = $1 AND agent_id = $2 AND customer_id = $3 AND demo_mode = $4 AND status = 'ACTIVE'`
	row := s.pool.QueryRow(ctx, q, tenantID, agentID, customerID, demoMode)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, fmt.Errorf("store: find active session: %w", ErrNotFound)
		}
		return Session{}, fmt.Errorf("store: find active session: %w", err)
	}
	return sess, nil
}

// GetSession fetches a session by id, scoped to tenant.
func (s *Store) GetSession(ctx context.Context, tenantID, id string) (Session, error) {
	const q = `
		SELECT id, tenant_id, agent_id, customer_id, channel, status, demo_mode, metadata, created_at, ended_at
		FROM sessions WHERE tenant_id = $1 AND id = $2`
	row := s.pool.QueryRow(ctx, q, tenantID, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, fmt.Errorf("store: get session %s: %w", id, ErrNotFound)
		}
		return Session{}, fmt.Errorf("store: get session %s: %w", id, err)
	}
	return sess, nil
}

// EndSession marks a session ENDED.
func (s *Store) EndSession(ctx context.Context, tenantID, id string) (Session, error) {
	const q = `
		UPDATE sessions SET status = 'ENDED', ended_at = now()
		WHERE tenant_id = $1 AND id = $2 AND status = 'ACTIVE'
		RETURNING id, tenant_id, agent_id, customer_id, channel, status, demo_mode, metadata, created_at, ended_at`
	row := s.pool.QueryRow(ctx, q, tenantID, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, fmt.Errorf("store: end session %s: %w", id, ErrNotFound)
		}
		return Session{}, fmt.Errorf("store: end session %s: %w", id, err)
	}
	return sess, nil
}

func scanSession(row scannable) (Session, error) {
	var (
		sess         Session
		metadataJSON []byte
	)
	if err := row.Scan(&sess.ID, &sess.TenantID, &sess.AgentID, &sess.CustomerID, &sess.Channel, &sess.Status,
		&sess.DemoMode, &metadataJSON, &sess.CreatedAt, &sess.EndedAt); err != nil {
		return Session{}, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &sess.Metadata); err != nil {
			return Session{}, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}
	return sess, nil
}

func marshalOptional(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

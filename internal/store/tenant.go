package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateTenant inserts a new tenant.
func (s *Store) CreateTenant(ctx context.Context, t Tenant) error {
	const q = `INSERT INTO tenants (id, name, email, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, q, t.ID, t.Name, t.Email, t.CreatedAt); err != nil {
		return fmt.Errorf("store: create tenant: %w", err)
	}
	return nil
}

// GetTenant fetches a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (Tenant, error) {
	const q = `SELECT id, name, email, created_at FROM tenants WHERE id = $1`
	row := s.pool.QueryRow(ctx, q, id)
	var t Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.Email, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, fmt.Errorf("store: get tenant %s: %w", id, ErrNotFound)
		}
		return Tenant{}, fmt.Errorf("store: get tenant %s: %w", id, err)
	}
	return t, nil
}

// CreateApiKey inserts a new API key.
func (s *Store) CreateApiKey(ctx context.Context, k ApiKey) error {
	const q = `
		INSERT INTO api_keys (id, tenant_id, prefix, hash, role, created_at, expires_at, revoked_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := s.pool.Exec(ctx, q, k.ID, k.TenantID, k.Prefix, k.Hash, k.Role, k.CreatedAt, k.ExpiresAt, k.RevokedAt, k.LastUsedAt); err != nil {
		return fmt.Errorf("store: create api key: %w", err)
	}
	return nil
}

// GetApiKeyByHash fetches an API key by its SHA-256 hash, used on every
// authenticated request (spec.md §6).
func (s *Store) GetApiKeyByHash(ctx context.Context, hash string) (ApiKey, error) {
	const q = `
		SELECT id, tenant_id, prefix, hash, role, created_at, expires_at, revoked_at, last_used_at
		FROM api_keys WHERE hash = $1`
	row := s.pool.QueryRow(ctx, q, hash)
	var k ApiKey
	if err := row.Scan(&k.ID, &k.TenantID, &k.Prefix, &k.Hash, &k.Role, &k.CreatedAt, &k.ExpiresAt, &k.RevokedAt, &k.LastUsedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ApiKey{}, fmt.Errorf("store: get api key: %w", ErrNotFound)
		}
		return ApiKey{}, fmt.Errorf("store: get api key: %w", err)
	}
	return k, nil
}

// TouchApiKeyLastUsed records that an API key was just used to authenticate
// a request.
func (s *Store) TouchApiKeyLastUsed(ctx context.Context, id string) error {
	const q = `UPDATE api_keys SET last_used_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("store: touch api key: %w", err)
	}
	return nil
}

// RevokeApiKey marks a key revoked.
func (s *Store) RevokeApiKey(ctx context.Context, id string) error {
	const q = `UPDATE api_keys SET revoked_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("store: revoke api key: %w", err)
	}
	return nil
}

// ListApiKeys returns every key for a tenant.
func (s *Store) ListApiKeys(ctx context.Context, tenantID string) ([]ApiKey, error) {
	const q = `
		SELECT id, tenant_id, prefix, hash, role, created_at, expires_at, revoked_at, last_used_at
		FROM api_keys WHERE tenant_id = $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list api keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ApiKey, error) {
		var k ApiKey
		err := row.Scan(&k.ID, &k.TenantID, &k.Prefix, &k.Hash, &k.Role, &k.CreatedAt, &k.ExpiresAt, &k.RevokedAt, &k.LastUsedAt)
		return k, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: list api keys: scan: %w", err)
	}
	if keys == nil {
		keys = []ApiKey{}
	}
	return keys, nil
}

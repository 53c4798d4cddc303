package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vocalbridge/gateway/internal/pricing"
)

// CreateAgent inserts a new agent configuration.
func (s *Store) CreateAgent(ctx context.Context, a Agent) error {
	tools, err := json.Marshal(a.EnabledTools)
	if err != nil {
		return fmt.Errorf("store: create agent: marshal enabled tools: %w", err)
	}
	var voiceConfig []byte
	if a.VoiceConfig != nil {
		if voiceConfig, err = json.Marshal(a.VoiceConfig); err != nil {
			return fmt.Errorf("store: create agent: marshal voice config: %w", err)
		}
	}

	const q = `
		INSERT INTO agents (id, tenant_id, name, description, primary_provider, fallback_provider,
			system_prompt, temperature, max_tokens, enabled_tools, voice_enabled, voice_config, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err = s.pool.Exec(ctx, q, a.ID, a.TenantID, a.Name, a.Description, a.PrimaryProvider, a.FallbackProvider,
		a.SystemPrompt, a.Temperature, a.MaxTokens, tools, a.VoiceEnabled, voiceConfig, a.IsActive, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create agent: %w", err)
	}
	return nil
}

// GetAgent fetches an agent by id, scoped to tenant.
func (s *Store) GetAgent(ctx context.Context, tenantID, id string) (Agent, error) {
	const q = `
		SELECT id, tenant_id, name, description, primary_provider, fallback_provider,
			system_prompt, temperature, max_tokens, enabled_tools, voice_enabled, voice_config, is_active, created_at
		FROM agents WHERE tenant_id = $1 AND id = $2`
	row := s.pool.QueryRow(ctx, q, tenantID, id)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, fmt.Errorf("store: get agent %s: %w", id, ErrNotFound)
		}
		return Agent{}, fmt.Errorf("store: get agent %s: %w", id, err)
	}
	return a, nil
}

// ListAgents returns every agent belonging to a tenant.
func (s *Store) ListAgents(ctx context.Context, tenantID string) ([]Agent, error) {
	const q = `
		SELECT id, tenant_id, name, description, primary_provider, fallback_provider,
			system_prompt, temperature, max_tokens, enabled_tools, voice_enabled, voice_config, is_active, created_at
		FROM agents WHERE tenant_id = $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list agents: scan: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	if agents == nil {
		agents = []Agent{}
	}
	return agents, nil
}

// UpdateAgent overwrites the mutable fields of an existing agent.
func (s *Store) UpdateAgent(ctx context.Context, a Agent) error {
	tools, err := json.Marshal(a.EnabledTools)
	if err != nil {
		return fmt.Errorf("store: update agent: marshal enabled tools: %w", err)
	}
	var voiceConfig []byte
	if a.VoiceConfig != nil {
		if voiceConfig, err = json.Marshal(a.VoiceConfig); err != nil {
			return fmt.Errorf("store: update agent: marshal voice config: %w", err)
		}
	}

	const q = `
		UPDATE agents SET name = $3, description = $4, primary_provider = $5, fallback_provider = $6,
			system_prompt = $7, temperature = $8, max_tokens = $9, enabled_tools = $10,
			voice_enabled = $11, voice_config = $12, is_active = $13
		WHERE tenant_id = $1 AND id = $2`
	tag, err := s.pool.Exec(ctx, q, a.TenantID, a.ID, a.Name, a.Description, a.PrimaryProvider, a.FallbackProvider,
		a.SystemPrompt, a.Temperature, a.MaxTokens, tools, a.VoiceEnabled, voiceConfig, a.IsActive)
	if err != nil {
		return fmt.Errorf("store: update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: update agent %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAgent(row scannable) (Agent, error) {
	var (
		a                Agent
		primaryProvider  string
		fallbackProvider *string
		toolsJSON        []byte
		voiceConfigJSON  []byte
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.Description, &primaryProvider, &fallbackProvider,
		&a.SystemPrompt, &a.Temperature, &a.MaxTokens, &toolsJSON, &a.VoiceEnabled, &voiceConfigJSON, &a.IsActive, &a.CreatedAt); err != nil {
		return Agent{}, err
	}
	a.PrimaryProvider = pricing.Provider(primaryProvider)
	if fallbackProvider != nil {
		p := pricing.Provider(*fallbackProvider)
		a.FallbackProvider = &p
	}
	if len(toolsJSON) > 0 {
		if err := json.Unmarshal(toolsJSON, &a.EnabledTools); err != nil {
			return Agent{}, fmt.Errorf("unmarshal enabled tools: %w", err)
		}
	}
	if len(voiceConfigJSON) > 0 {
		if err := json.Unmarshal(voiceConfigJSON, &a.VoiceConfig); err != nil {
			return Agent{}, fmt.Errorf("unmarshal voice config: %w", err)
		}
	}
	return a, nil
}

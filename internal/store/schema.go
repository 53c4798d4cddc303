package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTenants = `
CREATE TABLE IF NOT EXISTS tenants (
	id         TEXT        PRIMARY KEY,
	name       TEXT        NOT NULL,
	email      TEXT        NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

const ddlApiKeys = `
CREATE TABLE IF NOT EXISTS api_keys (
	id            TEXT        PRIMARY KEY,
	tenant_id     TEXT        NOT NULL REFERENCES tenants (id),
	prefix        TEXT        NOT NULL,
	hash          TEXT        NOT NULL UNIQUE,
	role          TEXT        NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at    TIMESTAMPTZ,
	revoked_at    TIMESTAMPTZ,
	last_used_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys (tenant_id);`

const ddlAgents = `
CREATE TABLE IF NOT EXISTS agents (
	id                TEXT        PRIMARY KEY,
	tenant_id         TEXT        NOT NULL REFERENCES tenants (id),
	name              TEXT        NOT NULL,
	description       TEXT,
	primary_provider  TEXT        NOT NULL,
	fallback_provider TEXT,
	system_prompt     TEXT        NOT NULL DEFAULT '',
	temperature       DOUBLE PRECISION NOT NULL DEFAULT 0.7,
	max_tokens        INT         NOT NULL DEFAULT 1024,
	enabled_tools     JSONB       NOT NULL DEFAULT '[]',
	voice_enabled     BOOLEAN     NOT NULL DEFAULT false,
	voice_config      JSONB,
	is_active         BOOLEAN     NOT NULL DEFAULT true,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_agents_tenant ON agents (tenant_id);`

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT        PRIMARY KEY,
	tenant_id   TEXT        NOT NULL REFERENCES tenants (id),
	agent_id    TEXT        NOT NULL REFERENCES agents (id),
	customer_id TEXT        NOT NULL,
	channel     TEXT        NOT NULL,
	status      TEXT        NOT NULL,
	demo_mode   BOOLEAN     NOT NULL DEFAULT false,
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at    TIMESTAMPTZ
);

-- Invariant S1: at most one ACTIVE session per (tenant, agent, customer, demoMode).
CREATE UNIQUE INDEX IF NOT EXISTS uq_sessions_active_identity
	ON sessions (tenant_id, agent_id, customer_id, demo_mode)
	WHERE status = 'ACTIVE';

CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions (tenant_id);`

const ddlSessionSequences = `
CREATE TABLE IF NOT EXISTS session_sequences (
	session_id TEXT   PRIMARY KEY REFERENCES sessions (id),
	last_value BIGINT NOT NULL DEFAULT 0
);`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
	id                TEXT        PRIMARY KEY,
	session_id        TEXT        NOT NULL REFERENCES sessions (id),
	sequence_number   BIGINT      NOT NULL,
	idempotency_key   TEXT,
	role              TEXT        NOT NULL,
	content           TEXT        NOT NULL DEFAULT '',
	tool_calls        JSONB,
	provider_call_id  TEXT,
	audio_artifact_id TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- Invariant M1: (session, sequenceNumber) unique.
CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_session_sequence
	ON messages (session_id, sequence_number);

-- Invariant M3: (session, idempotencyKey) unique when set.
CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_session_idempotency
	ON messages (session_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, sequence_number);`

const ddlProviderCalls = `
CREATE TABLE IF NOT EXISTS provider_calls (
	id             TEXT        PRIMARY KEY,
	session_id     TEXT        NOT NULL REFERENCES sessions (id),
	correlation_id TEXT        NOT NULL,
	provider       TEXT        NOT NULL,
	is_fallback    BOOLEAN     NOT NULL DEFAULT false,
	tokens_in      INT         NOT NULL DEFAULT 0,
	tokens_out     INT         NOT NULL DEFAULT 0,
	latency_ms     BIGINT      NOT NULL DEFAULT 0,
	status         TEXT        NOT NULL,
	error_code     TEXT,
	error_message  TEXT,
	attempt_number INT         NOT NULL,
	billed         BOOLEAN     NOT NULL DEFAULT false,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_provider_calls_session ON provider_calls (session_id, created_at);`

const ddlUsageEvents = `
CREATE TABLE IF NOT EXISTS usage_events (
	id                TEXT        PRIMARY KEY,
	tenant_id         TEXT        NOT NULL REFERENCES tenants (id),
	agent_id          TEXT        NOT NULL REFERENCES agents (id),
	session_id        TEXT        NOT NULL REFERENCES sessions (id),
	provider_call_id  TEXT        NOT NULL UNIQUE REFERENCES provider_calls (id),
	provider          TEXT        NOT NULL,
	tokens_in         INT         NOT NULL,
	tokens_out        INT         NOT NULL,
	total_tokens      INT         NOT NULL,
	cost_cents        INT         NOT NULL,
	pricing_snapshot  JSONB       NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_usage_events_tenant ON usage_events (tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_events_agent ON usage_events (agent_id, created_at);`

const ddlJobs = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT        PRIMARY KEY,
	tenant_id       TEXT        NOT NULL REFERENCES tenants (id),
	type            TEXT        NOT NULL,
	idempotency_key TEXT,
	input           JSONB       NOT NULL,
	output          JSONB,
	status          TEXT        NOT NULL,
	progress        INT         NOT NULL DEFAULT 0,
	error_message   TEXT,
	last_error      TEXT,
	callback_url    TEXT,
	callback_sent   BOOLEAN     NOT NULL DEFAULT false,
	locked_at       TIMESTAMPTZ,
	locked_by       TEXT,
	lock_expires_at TIMESTAMPTZ,
	attempts        INT         NOT NULL DEFAULT 0,
	max_attempts    INT         NOT NULL DEFAULT 5,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_jobs_tenant_idempotency
	ON jobs (tenant_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_jobs_claimable
	ON jobs (created_at)
	WHERE status IN ('PENDING', 'PROCESSING');`

const ddlToolExecutions = `
CREATE TABLE IF NOT EXISTS tool_executions (
	id             TEXT        PRIMARY KEY,
	session_id     TEXT        NOT NULL REFERENCES sessions (id),
	message_id     TEXT,
	correlation_id TEXT        NOT NULL,
	tool_name      TEXT        NOT NULL,
	tool_input     JSONB,
	tool_output    JSONB,
	status         TEXT        NOT NULL,
	error_message  TEXT,
	latency_ms     BIGINT      NOT NULL DEFAULT 0,
	cost_cents     INT         NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tool_executions_session ON tool_executions (session_id);`

var ddlStatements = []string{
	ddlTenants,
	ddlApiKeys,
	ddlAgents,
	ddlSessions,
	ddlSessionSequences,
	ddlMessages,
	ddlProviderCalls,
	ddlUsageEvents,
	ddlJobs,
	ddlToolExecutions,
}

// Migrate applies every table/index definition, in dependency order.
// Statements are idempotent (CREATE ... IF NOT EXISTS) so Migrate is safe to
// call on every process start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range ddlStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SubmitJob inserts a new PENDING job. If idempotencyKey is set and a job
// already exists for (tenantId, idempotencyKey), the existing job's id is
// returned instead of inserting a duplicate (spec.md §4.9, "Submission").
func (s *Store) SubmitJob(ctx context.Context, j Job) (Job, error) {
	input, err := json.Marshal(j.Input)
	if err != nil {
		return Job{}, fmt.Errorf("store: submit job: marshal input: %w", err)
	}

	const q = `
		INSERT INTO jobs (id, tenant_id, type, idempotency_key, input, status, progress,
			callback_url, callback_sent, attempts, max_attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, false, 0, $8, $9)`
	_, err = s.pool.Exec(ctx, q, j.ID, j.TenantID, j.Type, j.IdempotencyKey, input, JobPending, j.CallbackURL, j.MaxAttempts, j.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) && j.IdempotencyKey != nil {
			existing, findErr := s.findJobByIdempotencyKey(ctx, j.TenantID, *j.IdempotencyKey)
			if findErr == nil {
				return existing, nil
			}
			return Job{}, fmt.Errorf("store: submit job: %w", findErr)
		}
		return Job{}, fmt.Errorf("store: submit job: %w", err)
	}
	j.Status = JobPending
	return j, nil
}

func (s *Store) findJobByIdempotencyKey(ctx context.Context, tenantID, idempotencyKey string) (Job, error) {
	const q = selectJobColumns + ` FROM jobs WHERE tenant_id = $1 AND idempotency_key = $2`
	row := s.pool.QueryRow(ctx, q, tenantID, idempotencyKey)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, fmt.Errorf("store: find job by idempotency key: %w", ErrNotFound)
		}
		return Job{}, fmt.Errorf("store: find job by idempotency key: %w", err)
	}
	return j, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, tenantID, id string) (Job, error) {
	const q = selectJobColumns + ` FROM jobs WHERE tenant_id = $1 AND id = $2`
	row := s.pool.QueryRow(ctx, q, tenantID, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, fmt.Errorf("store: get job %s: %w", id, ErrNotFound)
		}
		return Job{}, fmt.Errorf("store: get job %s: %w", id, err)
	}
	return j, nil
}

// ListJobs returns every job for a tenant, most recent first.
func (s *Store) ListJobs(ctx context.Context, tenantID string) ([]Job, error) {
	const q = selectJobColumns + ` FROM jobs WHERE tenant_id = $1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Job, error) { return scanJob(row) })
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: scan: %w", err)
	}
	if jobs == nil {
		jobs = []Job{}
	}
	return jobs, nil
}

// ClaimNextJob implements spec.md §4.9's atomic claim: select a job eligible
// for processing and flip it to PROCESSING, all within one transaction so
// the select-then-update race is resolved by the row lock. Returns
// (Job{}, false, nil) if nothing is claimable.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string, lease int64) (Job, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, false, fmt.Errorf("store: claim job: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	const selectForUpdate = `
		SELECT id FROM jobs
		WHERE status IN ('PENDING', 'PROCESSING')
		  AND (locked_at IS NULL OR lock_expires_at < now())
		  AND attempts < max_attempts
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`
	var id string
	if err := tx.QueryRow(ctx, selectForUpdate).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("store: claim job: select: %w", err)
	}

	const update = `
		UPDATE jobs SET
			status = 'PROCESSING',
			locked_at = now(),
			locked_by = $2,
			lock_expires_at = now() + ($3 || ' seconds')::interval,
			attempts = attempts + 1,
			started_at = coalesce(started_at, now())
		WHERE id = $1
		RETURNING ` + jobColumns
	row := tx.QueryRow(ctx, update, id, workerID, lease)
	j, err := scanJob(row)
	if err != nil {
		return Job{}, false, fmt.Errorf("store: claim job: update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, false, fmt.Errorf("store: claim job: commit: %w", err)
	}
	return j, true, nil
}

// CompleteJob implements the "on success" transition (spec.md §4.9).
func (s *Store) CompleteJob(ctx context.Context, id string, output map[string]any) error {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("store: complete job: marshal output: %w", err)
	}
	const q = `
		UPDATE jobs SET status = 'COMPLETED', progress = 100, output = $2, completed_at = now(),
			locked_at = NULL, locked_by = NULL, lock_expires_at = NULL
		WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, outputJSON); err != nil {
		return fmt.Errorf("store: complete job: %w", err)
	}
	return nil
}

// MarkCallbackSent records that the completion/failure webhook was
// delivered.
func (s *Store) MarkCallbackSent(ctx context.Context, id string) error {
	const q = `UPDATE jobs SET callback_sent = true WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("store: mark callback sent: %w", err)
	}
	return nil
}

// RetryOrFailJob implements the "on failure" transition (spec.md §4.9): if
// attempts < maxAttempts, the job goes back to PENDING and is re-eligible;
// otherwise it's marked FAILED.
func (s *Store) RetryOrFailJob(ctx context.Context, id, errMsg string) error {
	const q = `
		UPDATE jobs SET
			status = CASE WHEN attempts < max_attempts THEN 'PENDING' ELSE 'FAILED' END,
			last_error = $2,
			error_message = CASE WHEN attempts >= max_attempts THEN $2 ELSE error_message END,
			completed_at = CASE WHEN attempts >= max_attempts THEN now() ELSE completed_at END,
			locked_at = CASE WHEN attempts < max_attempts THEN NULL ELSE locked_at END,
			locked_by = CASE WHEN attempts < max_attempts THEN NULL ELSE locked_by END,
			lock_expires_at = CASE WHEN attempts < max_attempts THEN NULL ELSE lock_expires_at END
		WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, errMsg); err != nil {
		return fmt.Errorf("store: retry or fail job: %w", err)
	}
	return nil
}

// RecoverAbandonedJobs implements startup recovery (spec.md §4.9): resets
// any PROCESSING job whose lease has expired back to PENDING with cleared
// lock fields, rescuing jobs abandoned by crashed workers.
func (s *Store) RecoverAbandonedJobs(ctx context.Context) (int, error) {
	const q = `
		UPDATE jobs SET status = 'PENDING', locked_at = NULL, locked_by = NULL, lock_expires_at = NULL
		WHERE status = 'PROCESSING' AND lock_expires_at < now()`
	tag, err := s.pool.Exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("store: recover abandoned jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const jobColumns = `id, tenant_id, type, idempotency_key, input, output, status, progress,
	error_message, last_error, callback_url, callback_sent, locked_at, locked_by, lock_expires_at,
	attempts, max_attempts, created_at, started_at, completed_at`

const selectJobColumns = `SELECT ` + jobColumns

func scanJob(row scannable) (Job, error) {
	var (
		j          Job
		inputJSON  []byte
		outputJSON []byte
	)
	if err := row.Scan(&j.ID, &j.TenantID, &j.Type, &j.IdempotencyKey, &inputJSON, &outputJSON, &j.Status, &j.Progress,
		&j.ErrorMessage, &j.LastError, &j.CallbackURL, &j.CallbackSent, &j.LockedAt, &j.LockedBy, &j.LockExpiresAt,
		&j.Attempts, &j.MaxAttempts, &j.CreatedAt, &j.StartedAt, &j.CompletedAt); err != nil {
		return Job{}, err
	}
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &j.Input); err != nil {
			return Job{}, fmt.Errorf("unmarshal job input: %w", err)
		}
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &j.Output); err != nil {
			return Job{}, fmt.Errorf("unmarshal job output: %w", err)
		}
	}
	return j, nil
}

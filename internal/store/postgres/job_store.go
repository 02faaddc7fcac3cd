package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// JobStore implements domain.JobRepo using PostgreSQL. Jobs are never
// deleted; archival only stamps archived_at.
type JobStore struct {
	q querier
}

const jobSelectCols = `id, job_type, tx_type, status, dedup_key, user_id, market_id, fill_id, stake_id,
	dispute_id, amount, tx_hash, block_height, confirmations, retry_count, max_retries, error_message,
	next_attempt_at, claimed_at, submitted_at, confirmed_at, created_at, updated_at`

func scanJob(scanner interface{ Scan(dest ...any) error }) (domain.SettlementJob, error) {
	var j domain.SettlementJob
	var jobType, txType, status string
	err := scanner.Scan(
		&j.ID, &jobType, &txType, &status, &j.DedupKey, &j.UserID, &j.MarketID, &j.FillID, &j.StakeID,
		&j.DisputeID, &j.Amount, &j.TxHash, &j.BlockHeight, &j.Confirmations, &j.RetryCount, &j.MaxRetries,
		&j.ErrorMessage, &j.NextAttemptAt, &j.ClaimedAt, &j.SubmittedAt, &j.ConfirmedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return domain.SettlementJob{}, mapError(err)
	}
	j.JobType = domain.JobType(jobType)
	j.TxType = domain.TxType(txType)
	j.Status = domain.JobStatus(status)
	return j, nil
}

func (s *JobStore) queryJobs(ctx context.Context, op, query string, args ...any) ([]domain.SettlementJob, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, mapError(err))
	}
	defer rows.Close()

	var out []domain.SettlementJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s scan: %w", op, err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

// Create inserts a job. A duplicate dedup key maps to domain.ErrAlreadyExists.
func (s *JobStore) Create(ctx context.Context, j domain.SettlementJob) error {
	const query = `
		INSERT INTO settlement_jobs (id, job_type, tx_type, status, dedup_key, user_id, market_id, fill_id,
			stake_id, dispute_id, amount, retry_count, max_retries, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)`
	_, err := s.q.Exec(ctx, query,
		j.ID, string(j.JobType), string(j.TxType), string(j.Status), j.DedupKey, j.UserID, j.MarketID, j.FillID,
		j.StakeID, j.DisputeID, j.Amount, j.RetryCount, j.MaxRetries, j.NextAttemptAt, j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create job %s: %w", j.ID, mapError(err))
	}
	return nil
}

// Get returns a job by ID.
func (s *JobStore) Get(ctx context.Context, id string) (domain.SettlementJob, error) {
	j, err := scanJob(s.q.QueryRow(ctx, `SELECT `+jobSelectCols+` FROM settlement_jobs WHERE id = $1`, id))
	if err != nil {
		return domain.SettlementJob{}, fmt.Errorf("postgres: get job %s: %w", id, err)
	}
	return j, nil
}

// GetForUpdate returns a job and locks its row.
func (s *JobStore) GetForUpdate(ctx context.Context, id string) (domain.SettlementJob, error) {
	j, err := scanJob(s.q.QueryRow(ctx, `SELECT `+jobSelectCols+` FROM settlement_jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return domain.SettlementJob{}, fmt.Errorf("postgres: lock job %s: %w", id, err)
	}
	return j, nil
}

// GetByDedupKey returns the job holding an idempotency key.
func (s *JobStore) GetByDedupKey(ctx context.Context, key string) (domain.SettlementJob, error) {
	j, err := scanJob(s.q.QueryRow(ctx, `SELECT `+jobSelectCols+` FROM settlement_jobs WHERE dedup_key = $1`, key))
	if err != nil {
		return domain.SettlementJob{}, fmt.Errorf("postgres: get job by dedup %s: %w", key, err)
	}
	return j, nil
}

// Update writes every mutable column of a job.
func (s *JobStore) Update(ctx context.Context, j domain.SettlementJob) error {
	const query = `
		UPDATE settlement_jobs SET
			status = $2, tx_hash = $3, block_height = $4, confirmations = $5, retry_count = $6,
			error_message = $7, next_attempt_at = $8, claimed_at = $9, submitted_at = $10,
			confirmed_at = $11, updated_at = $12
		WHERE id = $1`
	tag, err := s.q.Exec(ctx, query,
		j.ID, string(j.Status), j.TxHash, j.BlockHeight, j.Confirmations, j.RetryCount,
		j.ErrorMessage, j.NextAttemptAt, j.ClaimedAt, j.SubmittedAt, j.ConfirmedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update job %s: %w", j.ID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ClaimPending moves up to limit due jobs to processing in one statement.
// Rows another worker has locked are skipped, so concurrent claimants never
// receive the same job.
func (s *JobStore) ClaimPending(ctx context.Context, now time.Time, limit int) ([]domain.SettlementJob, error) {
	query := `
		UPDATE settlement_jobs SET status = 'processing', claimed_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM settlement_jobs
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobSelectCols
	return s.queryJobs(ctx, "claim pending jobs", query, now, limit)
}

// ListByStatus returns jobs in one status, oldest first. A non-positive
// limit returns every match.
func (s *JobStore) ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.SettlementJob, error) {
	query, args := withPaging(
		`SELECT `+jobSelectCols+` FROM settlement_jobs WHERE status = $1 ORDER BY created_at, id`,
		[]any{string(status)}, domain.ListOpts{Limit: limit})
	return s.queryJobs(ctx, "list jobs by status", query, args...)
}

// ListStaleProcessing returns processing jobs claimed before the cutoff. A
// non-positive limit returns every match.
func (s *JobStore) ListStaleProcessing(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.SettlementJob, error) {
	query, args := withPaging(
		`SELECT `+jobSelectCols+` FROM settlement_jobs
		 WHERE status = 'processing' AND claimed_at < $1
		 ORDER BY created_at, id`,
		[]any{claimedBefore}, domain.ListOpts{Limit: limit})
	return s.queryJobs(ctx, "list stale jobs", query+" FOR UPDATE SKIP LOCKED", args...)
}

// CountByStatus returns job counts keyed by status.
func (s *JobStore) CountByStatus(ctx context.Context) (map[domain.JobStatus]int64, error) {
	rows, err := s.q.Query(ctx, `SELECT status, COUNT(*) FROM settlement_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("postgres: count jobs: %w", mapError(err))
	}
	defer rows.Close()

	out := map[domain.JobStatus]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("postgres: count jobs scan: %w", err)
		}
		out[domain.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: count jobs rows: %w", err)
	}
	return out, nil
}

// ListUnarchived returns settled jobs created before the cutoff: confirmed,
// cancelled, or failed with no retries left.
func (s *JobStore) ListUnarchived(ctx context.Context, before time.Time, limit int) ([]domain.SettlementJob, error) {
	return s.queryJobs(ctx, "list unarchived jobs",
		`SELECT `+jobSelectCols+` FROM settlement_jobs
		 WHERE archived_at IS NULL AND created_at < $1
		   AND (status IN ('confirmed', 'cancelled') OR (status = 'failed' AND retry_count >= max_retries))
		 ORDER BY created_at, id LIMIT $2`,
		before, limit)
}

// MarkArchived stamps archived_at on the given jobs.
func (s *JobStore) MarkArchived(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.q.Exec(ctx, `UPDATE settlement_jobs SET archived_at = $2 WHERE id = ANY($1)`, ids, at); err != nil {
		return fmt.Errorf("postgres: mark jobs archived: %w", mapError(err))
	}
	return nil
}

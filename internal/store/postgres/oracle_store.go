package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// StakeStore implements domain.StakeRepo using PostgreSQL.
type StakeStore struct {
	q querier
}

const stakeSelectCols = `id, user_id, stake_type, amount, status, lock_reason, created_at, updated_at`

func scanStake(scanner interface{ Scan(dest ...any) error }) (domain.Stake, error) {
	var s domain.Stake
	var stakeType, status string
	err := scanner.Scan(&s.ID, &s.UserID, &stakeType, &s.Amount, &status, &s.LockReason, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return domain.Stake{}, mapError(err)
	}
	s.StakeType = domain.StakeType(stakeType)
	s.Status = domain.StakeStatus(status)
	return s, nil
}

// Create inserts a stake.
func (s *StakeStore) Create(ctx context.Context, st domain.Stake) error {
	const query = `
		INSERT INTO stakes (id, user_id, stake_type, amount, status, lock_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`
	_, err := s.q.Exec(ctx, query,
		st.ID, st.UserID, string(st.StakeType), st.Amount, string(st.Status), st.LockReason, st.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create stake %s: %w", st.ID, mapError(err))
	}
	return nil
}

// Get returns a stake by ID.
func (s *StakeStore) Get(ctx context.Context, id string) (domain.Stake, error) {
	st, err := scanStake(s.q.QueryRow(ctx, `SELECT `+stakeSelectCols+` FROM stakes WHERE id = $1`, id))
	if err != nil {
		return domain.Stake{}, fmt.Errorf("postgres: get stake %s: %w", id, err)
	}
	return st, nil
}

// GetForUpdate returns a stake and locks its row.
func (s *StakeStore) GetForUpdate(ctx context.Context, id string) (domain.Stake, error) {
	st, err := scanStake(s.q.QueryRow(ctx, `SELECT `+stakeSelectCols+` FROM stakes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return domain.Stake{}, fmt.Errorf("postgres: lock stake %s: %w", id, err)
	}
	return st, nil
}

// FindActiveForUpdate locks the user's largest active stake of the given type.
func (s *StakeStore) FindActiveForUpdate(ctx context.Context, userID string, t domain.StakeType) (domain.Stake, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+stakeSelectCols+` FROM stakes
		 WHERE user_id = $1 AND stake_type = $2 AND status = 'active'
		 ORDER BY amount DESC, id LIMIT 1 FOR UPDATE`,
		userID, string(t))
	st, err := scanStake(row)
	if err != nil {
		return domain.Stake{}, fmt.Errorf("postgres: find active stake %s: %w", userID, err)
	}
	return st, nil
}

// Update writes a stake's mutable columns.
func (s *StakeStore) Update(ctx context.Context, st domain.Stake) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE stakes SET amount = $2, status = $3, lock_reason = $4, updated_at = $5 WHERE id = $1`,
		st.ID, st.Amount, string(st.Status), st.LockReason, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update stake %s: %w", st.ID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AttestationStore implements domain.AttestationRepo using PostgreSQL.
type AttestationStore struct {
	q querier
}

const attestationSelectCols = `id, reporter_id, stake_id, market_id, outcome, signature, evidence, status,
	dispute_deadline, created_at, updated_at`

func scanAttestation(scanner interface{ Scan(dest ...any) error }) (domain.Attestation, error) {
	var a domain.Attestation
	var outcome, status string
	err := scanner.Scan(&a.ID, &a.ReporterID, &a.StakeID, &a.MarketID, &outcome, &a.Signature, &a.Evidence,
		&status, &a.DisputeDeadline, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return domain.Attestation{}, mapError(err)
	}
	a.Outcome = domain.Outcome(outcome)
	a.Status = domain.AttestationStatus(status)
	return a, nil
}

func (s *AttestationStore) queryAttestations(ctx context.Context, op, query string, args ...any) ([]domain.Attestation, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, mapError(err))
	}
	defer rows.Close()

	var out []domain.Attestation
	for rows.Next() {
		a, err := scanAttestation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s scan: %w", op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

// Create inserts an attestation. The (reporter_id, market_id) unique
// constraint surfaces as domain.ErrAlreadyExists.
func (s *AttestationStore) Create(ctx context.Context, a domain.Attestation) error {
	const query = `
		INSERT INTO oracle_attestations (id, reporter_id, stake_id, market_id, outcome, signature, evidence,
			status, dispute_deadline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`
	_, err := s.q.Exec(ctx, query, a.ID, a.ReporterID, a.StakeID, a.MarketID, string(a.Outcome),
		a.Signature, a.Evidence, string(a.Status), a.DisputeDeadline, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create attestation %s/%s: %w", a.ReporterID, a.MarketID, mapError(err))
	}
	return nil
}

// Get returns an attestation by ID.
func (s *AttestationStore) Get(ctx context.Context, id string) (domain.Attestation, error) {
	a, err := scanAttestation(s.q.QueryRow(ctx, `SELECT `+attestationSelectCols+` FROM oracle_attestations WHERE id = $1`, id))
	if err != nil {
		return domain.Attestation{}, fmt.Errorf("postgres: get attestation %s: %w", id, err)
	}
	return a, nil
}

// GetForUpdate returns an attestation and locks its row.
func (s *AttestationStore) GetForUpdate(ctx context.Context, id string) (domain.Attestation, error) {
	a, err := scanAttestation(s.q.QueryRow(ctx,
		`SELECT `+attestationSelectCols+` FROM oracle_attestations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return domain.Attestation{}, fmt.Errorf("postgres: lock attestation %s: %w", id, err)
	}
	return a, nil
}

// Update writes the status of an attestation.
func (s *AttestationStore) Update(ctx context.Context, a domain.Attestation) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE oracle_attestations SET status = $2, updated_at = $3 WHERE id = $1`,
		a.ID, string(a.Status), a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update attestation %s: %w", a.ID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByMarket returns a market's attestations, oldest first.
func (s *AttestationStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Attestation, error) {
	return s.queryAttestations(ctx, "list attestations",
		`SELECT `+attestationSelectCols+` FROM oracle_attestations WHERE market_id = $1 ORDER BY created_at, id`,
		marketID)
}

// ListExpiredPending returns undisputed attestations whose window has closed.
func (s *AttestationStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]domain.Attestation, error) {
	return s.queryAttestations(ctx, "list expired attestations",
		`SELECT `+attestationSelectCols+` FROM oracle_attestations
		 WHERE status = 'pending' AND dispute_deadline <= $1
		 ORDER BY created_at, id LIMIT $2`,
		now, limit)
}

// CountOpenByStake counts pending or disputed attestations backed by a stake.
func (s *AttestationStore) CountOpenByStake(ctx context.Context, stakeID string) (int, error) {
	var n int
	err := s.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM oracle_attestations WHERE stake_id = $1 AND status IN ('pending', 'disputed')`,
		stakeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count attestations %s: %w", stakeID, mapError(err))
	}
	return n, nil
}

// DisputeStore implements domain.DisputeRepo using PostgreSQL.
type DisputeStore struct {
	q querier
}

const disputeSelectCols = `id, attestation_id, disputer_id, stake_id, disputed_outcome, reason, evidence,
	status, deadline, verdict, notes, created_at, resolved_at`

func scanDispute(scanner interface{ Scan(dest ...any) error }) (domain.Dispute, error) {
	var d domain.Dispute
	var outcome, status, verdict string
	err := scanner.Scan(&d.ID, &d.AttestationID, &d.DisputerID, &d.StakeID, &outcome, &d.Reason, &d.Evidence,
		&status, &d.Deadline, &verdict, &d.Notes, &d.CreatedAt, &d.ResolvedAt)
	if err != nil {
		return domain.Dispute{}, mapError(err)
	}
	d.DisputedOutcome = domain.Outcome(outcome)
	d.Status = domain.DisputeStatus(status)
	d.Verdict = domain.Verdict(verdict)
	return d, nil
}

// Create inserts a dispute.
func (s *DisputeStore) Create(ctx context.Context, d domain.Dispute) error {
	const query = `
		INSERT INTO disputes (id, attestation_id, disputer_id, stake_id, disputed_outcome, reason, evidence,
			status, deadline, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.q.Exec(ctx, query, d.ID, d.AttestationID, d.DisputerID, d.StakeID, string(d.DisputedOutcome),
		d.Reason, d.Evidence, string(d.Status), d.Deadline, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create dispute %s: %w", d.ID, mapError(err))
	}
	return nil
}

// Get returns a dispute by ID.
func (s *DisputeStore) Get(ctx context.Context, id string) (domain.Dispute, error) {
	d, err := scanDispute(s.q.QueryRow(ctx, `SELECT `+disputeSelectCols+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		return domain.Dispute{}, fmt.Errorf("postgres: get dispute %s: %w", id, err)
	}
	return d, nil
}

// GetForUpdate returns a dispute and locks its row.
func (s *DisputeStore) GetForUpdate(ctx context.Context, id string) (domain.Dispute, error) {
	d, err := scanDispute(s.q.QueryRow(ctx, `SELECT `+disputeSelectCols+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return domain.Dispute{}, fmt.Errorf("postgres: lock dispute %s: %w", id, err)
	}
	return d, nil
}

// Update writes the resolution columns of a dispute.
func (s *DisputeStore) Update(ctx context.Context, d domain.Dispute) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE disputes SET status = $2, verdict = $3, notes = $4, resolved_at = $5 WHERE id = $1`,
		d.ID, string(d.Status), string(d.Verdict), d.Notes, d.ResolvedAt)
	if err != nil {
		return fmt.Errorf("postgres: update dispute %s: %w", d.ID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CountOpenByStake counts open disputes backed by a stake.
func (s *DisputeStore) CountOpenByStake(ctx context.Context, stakeID string) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM disputes WHERE stake_id = $1 AND status = 'open'`, stakeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count disputes %s: %w", stakeID, mapError(err))
	}
	return n, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// querier is the subset of pgx.Tx the repositories need.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements domain.Store on a pgx pool. Each unit of work runs in a
// READ COMMITTED transaction with a bounded lock wait.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

var _ domain.Store = (*Store)(nil)

// NewStore creates a Store. lockTimeout <= 0 leaves the server default.
func NewStore(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{pool: pool, lockTimeout: lockTimeout}
}

// InTx runs fn inside a transaction and commits when fn returns nil. Lock
// timeouts, deadlocks and serialization failures surface as
// domain.ErrConflict.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	ptx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", mapError(err))
	}
	defer func() { _ = ptx.Rollback(ctx) }()

	if s.lockTimeout > 0 {
		ms := s.lockTimeout.Milliseconds()
		if _, err := ptx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)); err != nil {
			return fmt.Errorf("postgres: set lock_timeout: %w", mapError(err))
		}
	}

	if err := fn(ctx, &txRepos{q: ptx}); err != nil {
		return mapError(err)
	}
	if err := ptx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", mapError(err))
	}
	return nil
}

type txRepos struct{ q querier }

func (t *txRepos) Markets() domain.MarketRepo           { return &MarketStore{q: t.q} }
func (t *txRepos) Pools() domain.PoolRepo               { return &PoolStore{q: t.q} }
func (t *txRepos) Users() domain.UserRepo               { return &UserStore{q: t.q} }
func (t *txRepos) Balances() domain.BalanceRepo         { return &BalanceStore{q: t.q} }
func (t *txRepos) Positions() domain.PositionRepo       { return &PositionStore{q: t.q} }
func (t *txRepos) Fills() domain.FillRepo               { return &FillStore{q: t.q} }
func (t *txRepos) Jobs() domain.JobRepo                 { return &JobStore{q: t.q} }
func (t *txRepos) Stakes() domain.StakeRepo             { return &StakeStore{q: t.q} }
func (t *txRepos) Attestations() domain.AttestationRepo { return &AttestationStore{q: t.q} }
func (t *txRepos) Disputes() domain.DisputeRepo         { return &DisputeStore{q: t.q} }
func (t *txRepos) Audit() domain.AuditRepo              { return &AuditStore{q: t.q} }

// Postgres error codes mapped to domain errors.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// mapError translates driver errors into domain sentinels while keeping the
// original error in the chain.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return fmt.Errorf("%w: %w", domain.ErrConflict, err)
		case codeUniqueViolation:
			return fmt.Errorf("%w: %w", domain.ErrAlreadyExists, err)
		}
	}
	return err
}

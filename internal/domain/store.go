package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// Store runs units of work atomically. Every repository access goes through
// a Tx; if fn returns an error nothing it wrote is kept.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx exposes the repositories bound to one transaction.
type Tx interface {
	Markets() MarketRepo
	Pools() PoolRepo
	Users() UserRepo
	Balances() BalanceRepo
	Positions() PositionRepo
	Fills() FillRepo
	Jobs() JobRepo
	Stakes() StakeRepo
	Attestations() AttestationRepo
	Disputes() DisputeRepo
	Audit() AuditRepo
}

// MarketRepo persists markets.
type MarketRepo interface {
	Create(ctx context.Context, m Market) error
	Get(ctx context.Context, id string) (Market, error)
	GetForUpdate(ctx context.Context, id string) (Market, error)
	UpdateTrading(ctx context.Context, id string, yesPrice, noPrice float64, volumeDelta int64) error
	Resolve(ctx context.Context, id string, outcome Outcome, at time.Time) error
	List(ctx context.Context, opts ListOpts) ([]Market, error)
}

// PoolRepo persists liquidity pools.
type PoolRepo interface {
	Create(ctx context.Context, p LiquidityPool) error
	Get(ctx context.Context, marketID string) (LiquidityPool, error)
	// GetForUpdate locks the pool row until the transaction ends.
	GetForUpdate(ctx context.Context, marketID string) (LiquidityPool, error)
	Update(ctx context.Context, p LiquidityPool) error
	List(ctx context.Context, opts ListOpts) ([]LiquidityPool, error)
}

// UserRepo persists users.
type UserRepo interface {
	Create(ctx context.Context, u User) error
	Get(ctx context.Context, id string) (User, error)
}

// BalanceRepo persists balances.
type BalanceRepo interface {
	Get(ctx context.Context, userID string) (Balance, error)
	GetForUpdate(ctx context.Context, userID string) (Balance, error)
	Upsert(ctx context.Context, b Balance) error
}

// PositionRepo persists positions.
type PositionRepo interface {
	GetForUpdate(ctx context.Context, userID, marketID string, side Side) (Position, error)
	Upsert(ctx context.Context, p Position) error
	ListByMarketSide(ctx context.Context, marketID string, side Side) ([]Position, error)
}

// FillRepo persists immutable fills.
type FillRepo interface {
	Create(ctx context.Context, f Fill) error
	Get(ctx context.Context, id string) (Fill, error)
	ListUnarchived(ctx context.Context, before time.Time, limit int) ([]Fill, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

// JobRepo persists settlement jobs. Jobs are never deleted.
type JobRepo interface {
	// Create returns ErrAlreadyExists when the dedup key is taken.
	Create(ctx context.Context, j SettlementJob) error
	Get(ctx context.Context, id string) (SettlementJob, error)
	GetForUpdate(ctx context.Context, id string) (SettlementJob, error)
	GetByDedupKey(ctx context.Context, key string) (SettlementJob, error)
	Update(ctx context.Context, j SettlementJob) error
	// ClaimPending moves up to limit due pending jobs to processing. Rows
	// locked by another claimant are skipped.
	ClaimPending(ctx context.Context, now time.Time, limit int) ([]SettlementJob, error)
	ListByStatus(ctx context.Context, status JobStatus, limit int) ([]SettlementJob, error)
	ListStaleProcessing(ctx context.Context, claimedBefore time.Time, limit int) ([]SettlementJob, error)
	CountByStatus(ctx context.Context) (map[JobStatus]int64, error)
	ListUnarchived(ctx context.Context, before time.Time, limit int) ([]SettlementJob, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

// StakeRepo persists stakes.
type StakeRepo interface {
	Create(ctx context.Context, s Stake) error
	Get(ctx context.Context, id string) (Stake, error)
	GetForUpdate(ctx context.Context, id string) (Stake, error)
	// FindActiveForUpdate locks the user's largest active stake of the type.
	FindActiveForUpdate(ctx context.Context, userID string, t StakeType) (Stake, error)
	Update(ctx context.Context, s Stake) error
}

// AttestationRepo persists attestations.
type AttestationRepo interface {
	// Create returns ErrAlreadyExists when the reporter already attested
	// the market.
	Create(ctx context.Context, a Attestation) error
	Get(ctx context.Context, id string) (Attestation, error)
	GetForUpdate(ctx context.Context, id string) (Attestation, error)
	Update(ctx context.Context, a Attestation) error
	ListByMarket(ctx context.Context, marketID string) ([]Attestation, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]Attestation, error)
	CountOpenByStake(ctx context.Context, stakeID string) (int, error)
}

// DisputeRepo persists disputes.
type DisputeRepo interface {
	Create(ctx context.Context, d Dispute) error
	Get(ctx context.Context, id string) (Dispute, error)
	GetForUpdate(ctx context.Context, id string) (Dispute, error)
	Update(ctx context.Context, d Dispute) error
	CountOpenByStake(ctx context.Context, stakeID string) (int, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditRepo persists an append-only audit log.
type AuditRepo interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListUnarchived(ctx context.Context, before time.Time, limit int) ([]AuditEntry, error)
	MarkArchived(ctx context.Context, ids []int64, at time.Time) error
}

// Package memory implements domain.Store in process. Transactions are
// serialized by a single mutex and run against a copy of the state, which
// replaces the live state only when the unit of work succeeds.
package memory

import (
	"context"
	"maps"
	"math/big"
	"sync"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

type positionKey struct {
	userID   string
	marketID string
	side     domain.Side
}

type state struct {
	markets      map[string]domain.Market
	pools        map[string]domain.LiquidityPool
	users        map[string]domain.User
	balances     map[string]domain.Balance
	positions    map[positionKey]domain.Position
	fills        map[string]domain.Fill
	fillArchive  map[string]time.Time
	jobs         map[string]domain.SettlementJob
	jobDedup     map[string]string
	jobArchive   map[string]time.Time
	stakes       map[string]domain.Stake
	attestations map[string]domain.Attestation
	disputes     map[string]domain.Dispute
	audit        []domain.AuditEntry
	auditArchive map[int64]time.Time
	auditSeq     int64
}

func newState() *state {
	return &state{
		markets:      map[string]domain.Market{},
		pools:        map[string]domain.LiquidityPool{},
		users:        map[string]domain.User{},
		balances:     map[string]domain.Balance{},
		positions:    map[positionKey]domain.Position{},
		fills:        map[string]domain.Fill{},
		fillArchive:  map[string]time.Time{},
		jobs:         map[string]domain.SettlementJob{},
		jobDedup:     map[string]string{},
		jobArchive:   map[string]time.Time{},
		stakes:       map[string]domain.Stake{},
		attestations: map[string]domain.Attestation{},
		disputes:     map[string]domain.Dispute{},
		auditArchive: map[int64]time.Time{},
	}
}

// clone copies every map. Stored values never alias mutable memory, so a
// shallow copy of each map is enough.
func (s *state) clone() *state {
	return &state{
		markets:      maps.Clone(s.markets),
		pools:        maps.Clone(s.pools),
		users:        maps.Clone(s.users),
		balances:     maps.Clone(s.balances),
		positions:    maps.Clone(s.positions),
		fills:        maps.Clone(s.fills),
		fillArchive:  maps.Clone(s.fillArchive),
		jobs:         maps.Clone(s.jobs),
		jobDedup:     maps.Clone(s.jobDedup),
		jobArchive:   maps.Clone(s.jobArchive),
		stakes:       maps.Clone(s.stakes),
		attestations: maps.Clone(s.attestations),
		disputes:     maps.Clone(s.disputes),
		audit:        append([]domain.AuditEntry(nil), s.audit...),
		auditArchive: maps.Clone(s.auditArchive),
		auditSeq:     s.auditSeq,
	}
}

// Store is an in-memory domain.Store.
type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

var _ domain.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{state: newState(), now: time.Now}
}

// InTx runs fn against a private copy of the state and publishes the copy
// only if fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &tx{st: work, now: s.now}); err != nil {
		return err
	}
	s.state = work
	return nil
}

type tx struct {
	st  *state
	now func() time.Time
}

func (t *tx) Markets() domain.MarketRepo           { return marketRepo{t} }
func (t *tx) Pools() domain.PoolRepo               { return poolRepo{t} }
func (t *tx) Users() domain.UserRepo               { return userRepo{t} }
func (t *tx) Balances() domain.BalanceRepo         { return balanceRepo{t} }
func (t *tx) Positions() domain.PositionRepo       { return positionRepo{t} }
func (t *tx) Fills() domain.FillRepo               { return fillRepo{t} }
func (t *tx) Jobs() domain.JobRepo                 { return jobRepo{t} }
func (t *tx) Stakes() domain.StakeRepo             { return stakeRepo{t} }
func (t *tx) Attestations() domain.AttestationRepo { return attestationRepo{t} }
func (t *tx) Disputes() domain.DisputeRepo         { return disputeRepo{t} }
func (t *tx) Audit() domain.AuditRepo              { return auditRepo{t} }

func copyRat(r *big.Rat) *big.Rat {
	if r == nil {
		return nil
	}
	return new(big.Rat).Set(r)
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

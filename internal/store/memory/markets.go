package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

type marketRepo struct{ t *tx }

func (r marketRepo) Create(_ context.Context, m domain.Market) error {
	if _, ok := r.t.st.markets[m.ID]; ok {
		return fmt.Errorf("memory: create market %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	r.t.st.markets[m.ID] = m
	return nil
}

func (r marketRepo) Get(_ context.Context, id string) (domain.Market, error) {
	m, ok := r.t.st.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (r marketRepo) GetForUpdate(ctx context.Context, id string) (domain.Market, error) {
	return r.Get(ctx, id)
}

func (r marketRepo) UpdateTrading(_ context.Context, id string, yesPrice, noPrice float64, volumeDelta int64) error {
	m, ok := r.t.st.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.YesPrice, m.NoPrice = yesPrice, noPrice
	m.Volume += volumeDelta
	m.UpdatedAt = r.t.now()
	r.t.st.markets[id] = m
	return nil
}

func (r marketRepo) Resolve(_ context.Context, id string, outcome domain.Outcome, at time.Time) error {
	m, ok := r.t.st.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Resolved {
		return fmt.Errorf("memory: resolve market %s: %w", id, domain.ErrMarketResolved)
	}
	m.Resolved = true
	m.Outcome = outcome
	m.ResolvedAt = &at
	m.UpdatedAt = at
	r.t.st.markets[id] = m
	return nil
}

func (r marketRepo) List(_ context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	out := make([]domain.Market, 0, len(r.t.st.markets))
	for _, m := range r.t.st.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, opts), nil
}

type poolRepo struct{ t *tx }

func (r poolRepo) Create(_ context.Context, p domain.LiquidityPool) error {
	if _, ok := r.t.st.pools[p.MarketID]; ok {
		return fmt.Errorf("memory: create pool %s: %w", p.MarketID, domain.ErrAlreadyExists)
	}
	r.t.st.pools[p.MarketID] = p.Clone()
	return nil
}

func (r poolRepo) Get(_ context.Context, marketID string) (domain.LiquidityPool, error) {
	p, ok := r.t.st.pools[marketID]
	if !ok {
		return domain.LiquidityPool{}, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (r poolRepo) GetForUpdate(ctx context.Context, marketID string) (domain.LiquidityPool, error) {
	return r.Get(ctx, marketID)
}

func (r poolRepo) Update(_ context.Context, p domain.LiquidityPool) error {
	if _, ok := r.t.st.pools[p.MarketID]; !ok {
		return domain.ErrNotFound
	}
	p = p.Clone()
	p.UpdatedAt = r.t.now()
	r.t.st.pools[p.MarketID] = p
	return nil
}

func (r poolRepo) List(_ context.Context, opts domain.ListOpts) ([]domain.LiquidityPool, error) {
	out := make([]domain.LiquidityPool, 0, len(r.t.st.pools))
	for _, p := range r.t.st.pools {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return page(out, opts), nil
}

type userRepo struct{ t *tx }

func (r userRepo) Create(_ context.Context, u domain.User) error {
	if _, ok := r.t.st.users[u.ID]; ok {
		return fmt.Errorf("memory: create user %s: %w", u.ID, domain.ErrAlreadyExists)
	}
	r.t.st.users[u.ID] = u
	return nil
}

func (r userRepo) Get(_ context.Context, id string) (domain.User, error) {
	u, ok := r.t.st.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

type balanceRepo struct{ t *tx }

func (r balanceRepo) Get(_ context.Context, userID string) (domain.Balance, error) {
	b, ok := r.t.st.balances[userID]
	if !ok {
		return domain.Balance{}, domain.ErrNotFound
	}
	return b, nil
}

func (r balanceRepo) GetForUpdate(ctx context.Context, userID string) (domain.Balance, error) {
	return r.Get(ctx, userID)
}

func (r balanceRepo) Upsert(_ context.Context, b domain.Balance) error {
	if b.Available < 0 || b.Locked < 0 {
		return fmt.Errorf("memory: balance %s would go negative: %w", b.UserID, domain.ErrInsufficientBalance)
	}
	b.UpdatedAt = r.t.now()
	r.t.st.balances[b.UserID] = b
	return nil
}

type positionRepo struct{ t *tx }

func (r positionRepo) GetForUpdate(_ context.Context, userID, marketID string, side domain.Side) (domain.Position, error) {
	p, ok := r.t.st.positions[positionKey{userID, marketID, side}]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	p.AvgPrice = copyRat(p.AvgPrice)
	return p, nil
}

func (r positionRepo) Upsert(_ context.Context, p domain.Position) error {
	p.AvgPrice = copyRat(p.AvgPrice)
	p.UpdatedAt = r.t.now()
	r.t.st.positions[positionKey{p.UserID, p.MarketID, p.Side}] = p
	return nil
}

func (r positionRepo) ListByMarketSide(_ context.Context, marketID string, side domain.Side) ([]domain.Position, error) {
	var out []domain.Position
	for k, p := range r.t.st.positions {
		if k.marketID == marketID && k.side == side {
			p.AvgPrice = copyRat(p.AvgPrice)
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

type fillRepo struct{ t *tx }

func (r fillRepo) Create(_ context.Context, f domain.Fill) error {
	if _, ok := r.t.st.fills[f.ID]; ok {
		return fmt.Errorf("memory: create fill %s: %w", f.ID, domain.ErrAlreadyExists)
	}
	f.Price = copyRat(f.Price)
	r.t.st.fills[f.ID] = f
	return nil
}

func (r fillRepo) Get(_ context.Context, id string) (domain.Fill, error) {
	f, ok := r.t.st.fills[id]
	if !ok {
		return domain.Fill{}, domain.ErrNotFound
	}
	f.Price = copyRat(f.Price)
	return f, nil
}

func (r fillRepo) ListUnarchived(_ context.Context, before time.Time, limit int) ([]domain.Fill, error) {
	var out []domain.Fill
	for id, f := range r.t.st.fills {
		if _, done := r.t.st.fillArchive[id]; done || !f.CreatedAt.Before(before) {
			continue
		}
		f.Price = copyRat(f.Price)
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, domain.ListOpts{Limit: limit}), nil
}

func (r fillRepo) MarkArchived(_ context.Context, ids []string, at time.Time) error {
	for _, id := range ids {
		r.t.st.fillArchive[id] = at
	}
	return nil
}

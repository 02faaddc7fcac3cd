package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// MarketStore implements domain.MarketRepo using PostgreSQL.
type MarketStore struct {
	q querier
}

const marketSelectCols = `id, question, category, region, yes_price, no_price, volume,
	end_time, resolved, outcome, resolved_at, created_at, updated_at`

func scanMarket(scanner interface{ Scan(dest ...any) error }) (domain.Market, error) {
	var m domain.Market
	var endTime *time.Time
	var outcome string
	err := scanner.Scan(
		&m.ID, &m.Question, &m.Category, &m.Region, &m.YesPrice, &m.NoPrice, &m.Volume,
		&endTime, &m.Resolved, &outcome, &m.ResolvedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, mapError(err)
	}
	if endTime != nil {
		m.EndTime = *endTime
	}
	m.Outcome = domain.Outcome(outcome)
	return m, nil
}

// Create inserts a new market.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	var endTime *time.Time
	if !m.EndTime.IsZero() {
		endTime = &m.EndTime
	}
	const query = `
		INSERT INTO markets (id, question, category, region, yes_price, no_price, volume, end_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()), NOW())`
	var createdAt *time.Time
	if !m.CreatedAt.IsZero() {
		createdAt = &m.CreatedAt
	}
	if _, err := s.q.Exec(ctx, query,
		m.ID, m.Question, m.Category, m.Region, m.YesPrice, m.NoPrice, m.Volume, endTime, createdAt,
	); err != nil {
		return fmt.Errorf("postgres: create market %s: %w", m.ID, mapError(err))
	}
	return nil
}

// Get returns a market by ID.
func (s *MarketStore) Get(ctx context.Context, id string) (domain.Market, error) {
	row := s.q.QueryRow(ctx, `SELECT `+marketSelectCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// GetForUpdate returns a market and locks its row.
func (s *MarketStore) GetForUpdate(ctx context.Context, id string) (domain.Market, error) {
	row := s.q.QueryRow(ctx, `SELECT `+marketSelectCols+` FROM markets WHERE id = $1 FOR UPDATE`, id)
	m, err := scanMarket(row)
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: lock market %s: %w", id, err)
	}
	return m, nil
}

// UpdateTrading records new display prices and adds to cumulative volume.
func (s *MarketStore) UpdateTrading(ctx context.Context, id string, yesPrice, noPrice float64, volumeDelta int64) error {
	const query = `
		UPDATE markets SET yes_price = $2, no_price = $3, volume = volume + $4, updated_at = NOW()
		WHERE id = $1`
	tag, err := s.q.Exec(ctx, query, id, yesPrice, noPrice, volumeDelta)
	if err != nil {
		return fmt.Errorf("postgres: update market trading %s: %w", id, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Resolve marks a market resolved. An already resolved market is left
// untouched and reported as domain.ErrMarketResolved.
func (s *MarketStore) Resolve(ctx context.Context, id string, outcome domain.Outcome, at time.Time) error {
	const query = `
		UPDATE markets SET resolved = TRUE, outcome = $2, resolved_at = $3, updated_at = $3
		WHERE id = $1 AND NOT resolved`
	tag, err := s.q.Exec(ctx, query, id, string(outcome), at)
	if err != nil {
		return fmt.Errorf("postgres: resolve market %s: %w", id, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("postgres: resolve market %s: %w", id, domain.ErrMarketResolved)
	}
	return nil
}

// List returns markets ordered by ID.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets ORDER BY id`
	query, args := withPaging(query, nil, opts)
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", mapError(err))
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return out, nil
}

// PoolStore implements domain.PoolRepo using PostgreSQL. Share counts are
// NUMERIC and travel as decimal strings.
type PoolStore struct {
	q querier
}

const poolSelectCols = `market_id, yes_shares::text, no_shares::text, fee_bps, updated_at`

func scanPool(scanner interface{ Scan(dest ...any) error }) (domain.LiquidityPool, error) {
	var p domain.LiquidityPool
	var yes, no string
	if err := scanner.Scan(&p.MarketID, &yes, &no, &p.FeeBps, &p.UpdatedAt); err != nil {
		return domain.LiquidityPool{}, mapError(err)
	}
	var err error
	if p.YesShares, err = parseBigInt(yes); err != nil {
		return domain.LiquidityPool{}, err
	}
	if p.NoShares, err = parseBigInt(no); err != nil {
		return domain.LiquidityPool{}, err
	}
	return p, nil
}

// Create inserts a pool.
func (s *PoolStore) Create(ctx context.Context, p domain.LiquidityPool) error {
	const query = `
		INSERT INTO liquidity_pools (market_id, yes_shares, no_shares, fee_bps, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, $4, NOW())`
	if _, err := s.q.Exec(ctx, query, p.MarketID, p.YesShares.String(), p.NoShares.String(), p.FeeBps); err != nil {
		return fmt.Errorf("postgres: create pool %s: %w", p.MarketID, mapError(err))
	}
	return nil
}

// Get returns the pool of a market.
func (s *PoolStore) Get(ctx context.Context, marketID string) (domain.LiquidityPool, error) {
	row := s.q.QueryRow(ctx, `SELECT `+poolSelectCols+` FROM liquidity_pools WHERE market_id = $1`, marketID)
	p, err := scanPool(row)
	if err != nil {
		return domain.LiquidityPool{}, fmt.Errorf("postgres: get pool %s: %w", marketID, err)
	}
	return p, nil
}

// GetForUpdate returns the pool and holds its row lock until the
// transaction ends, serializing trades on the market.
func (s *PoolStore) GetForUpdate(ctx context.Context, marketID string) (domain.LiquidityPool, error) {
	row := s.q.QueryRow(ctx, `SELECT `+poolSelectCols+` FROM liquidity_pools WHERE market_id = $1 FOR UPDATE`, marketID)
	p, err := scanPool(row)
	if err != nil {
		return domain.LiquidityPool{}, fmt.Errorf("postgres: lock pool %s: %w", marketID, err)
	}
	return p, nil
}

// Update writes new reserves.
func (s *PoolStore) Update(ctx context.Context, p domain.LiquidityPool) error {
	const query = `
		UPDATE liquidity_pools SET yes_shares = $2::numeric, no_shares = $3::numeric, fee_bps = $4, updated_at = NOW()
		WHERE market_id = $1`
	tag, err := s.q.Exec(ctx, query, p.MarketID, p.YesShares.String(), p.NoShares.String(), p.FeeBps)
	if err != nil {
		return fmt.Errorf("postgres: update pool %s: %w", p.MarketID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List returns pools ordered by market ID.
func (s *PoolStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.LiquidityPool, error) {
	query, args := withPaging(`SELECT `+poolSelectCols+` FROM liquidity_pools ORDER BY market_id`, nil, opts)
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pools: %w", mapError(err))
	}
	defer rows.Close()

	var out []domain.LiquidityPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pool: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pools rows: %w", err)
	}
	return out, nil
}

// UserStore implements domain.UserRepo using PostgreSQL.
type UserStore struct {
	q querier
}

// Create inserts a user.
func (s *UserStore) Create(ctx context.Context, u domain.User) error {
	const query = `
		INSERT INTO users (id, kyc_verified, shielded_address, transparent_address, created_at)
		VALUES ($1, $2, $3, $4, NOW())`
	if _, err := s.q.Exec(ctx, query, u.ID, u.KYCVerified, u.ShieldedAddress, u.TransparentAddress); err != nil {
		return fmt.Errorf("postgres: create user %s: %w", u.ID, mapError(err))
	}
	return nil
}

// Get returns a user by ID.
func (s *UserStore) Get(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := s.q.QueryRow(ctx,
		`SELECT id, kyc_verified, shielded_address, transparent_address, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.KYCVerified, &u.ShieldedAddress, &u.TransparentAddress, &u.CreatedAt)
	if err != nil {
		return domain.User{}, fmt.Errorf("postgres: get user %s: %w", id, mapError(err))
	}
	return u, nil
}

// BalanceStore implements domain.BalanceRepo using PostgreSQL.
type BalanceStore struct {
	q querier
}

func (s *BalanceStore) get(ctx context.Context, userID, suffix string) (domain.Balance, error) {
	var b domain.Balance
	err := s.q.QueryRow(ctx,
		`SELECT user_id, available, locked, updated_at FROM balances WHERE user_id = $1`+suffix, userID,
	).Scan(&b.UserID, &b.Available, &b.Locked, &b.UpdatedAt)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("postgres: get balance %s: %w", userID, mapError(err))
	}
	return b, nil
}

// Get returns a user's balance.
func (s *BalanceStore) Get(ctx context.Context, userID string) (domain.Balance, error) {
	return s.get(ctx, userID, "")
}

// GetForUpdate returns a user's balance and locks the row.
func (s *BalanceStore) GetForUpdate(ctx context.Context, userID string) (domain.Balance, error) {
	return s.get(ctx, userID, " FOR UPDATE")
}

// Upsert writes a balance. The table's CHECK constraints reject negative
// amounts.
func (s *BalanceStore) Upsert(ctx context.Context, b domain.Balance) error {
	if b.Available < 0 || b.Locked < 0 {
		return fmt.Errorf("postgres: balance %s would go negative: %w", b.UserID, domain.ErrInsufficientBalance)
	}
	const query = `
		INSERT INTO balances (user_id, available, locked, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET available = EXCLUDED.available, locked = EXCLUDED.locked, updated_at = NOW()`
	if _, err := s.q.Exec(ctx, query, b.UserID, b.Available, b.Locked); err != nil {
		return fmt.Errorf("postgres: upsert balance %s: %w", b.UserID, mapError(err))
	}
	return nil
}

// parseBigInt parses a NUMERIC rendered as text.
func parseBigInt(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: invalid numeric %q", s)
	}
	return v, nil
}

// parseRat parses a rational stored as "a/b" or a decimal.
func parseRat(s string) (*big.Rat, error) {
	v, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("postgres: invalid rational %q", s)
	}
	return v, nil
}

// withPaging appends LIMIT/OFFSET placeholders to query.
func withPaging(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// PositionStore implements domain.PositionRepo using PostgreSQL. Average
// prices are exact rationals persisted as "num/den" text.
type PositionStore struct {
	q querier
}

const positionSelectCols = `user_id, market_id, side, shares, avg_price, cost_basis, updated_at`

func scanPosition(scanner interface{ Scan(dest ...any) error }) (domain.Position, error) {
	var p domain.Position
	var side, avg string
	if err := scanner.Scan(&p.UserID, &p.MarketID, &side, &p.Shares, &avg, &p.CostBasis, &p.UpdatedAt); err != nil {
		return domain.Position{}, mapError(err)
	}
	p.Side = domain.Side(side)
	r, err := parseRat(avg)
	if err != nil {
		return domain.Position{}, err
	}
	p.AvgPrice = r
	return p, nil
}

// GetForUpdate returns and locks one position row.
func (s *PositionStore) GetForUpdate(ctx context.Context, userID, marketID string, side domain.Side) (domain.Position, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE user_id = $1 AND market_id = $2 AND side = $3 FOR UPDATE`,
		userID, marketID, string(side))
	p, err := scanPosition(row)
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s/%s/%s: %w", userID, marketID, side, err)
	}
	return p, nil
}

// Upsert creates or replaces a position.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	avg := "0"
	if p.AvgPrice != nil {
		avg = p.AvgPrice.String()
	}
	const query = `
		INSERT INTO positions (user_id, market_id, side, shares, avg_price, cost_basis, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id, market_id, side) DO UPDATE SET
			shares = EXCLUDED.shares,
			avg_price = EXCLUDED.avg_price,
			cost_basis = EXCLUDED.cost_basis,
			updated_at = NOW()`
	if _, err := s.q.Exec(ctx, query, p.UserID, p.MarketID, string(p.Side), p.Shares, avg, p.CostBasis); err != nil {
		return fmt.Errorf("postgres: upsert position %s/%s: %w", p.UserID, p.MarketID, mapError(err))
	}
	return nil
}

// ListByMarketSide returns positions holding shares on one side of a market.
func (s *PositionStore) ListByMarketSide(ctx context.Context, marketID string, side domain.Side) ([]domain.Position, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE market_id = $1 AND side = $2 ORDER BY user_id`,
		marketID, string(side))
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions %s/%s: %w", marketID, side, mapError(err))
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return out, nil
}

// FillStore implements domain.FillRepo using PostgreSQL.
type FillStore struct {
	q querier
}

const fillSelectCols = `id, user_id, market_id, side, price, quantity, amount, fee, source, created_at`

func scanFill(scanner interface{ Scan(dest ...any) error }) (domain.Fill, error) {
	var f domain.Fill
	var side, price string
	err := scanner.Scan(&f.ID, &f.UserID, &f.MarketID, &side, &price, &f.Quantity, &f.Amount, &f.Fee, &f.Source, &f.CreatedAt)
	if err != nil {
		return domain.Fill{}, mapError(err)
	}
	f.Side = domain.Side(side)
	if f.Price, err = parseRat(price); err != nil {
		return domain.Fill{}, err
	}
	return f, nil
}

// Create inserts a fill.
func (s *FillStore) Create(ctx context.Context, f domain.Fill) error {
	price := "0"
	if f.Price != nil {
		price = f.Price.String()
	}
	const query = `
		INSERT INTO fills (id, user_id, market_id, side, price, quantity, amount, fee, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.q.Exec(ctx, query,
		f.ID, f.UserID, f.MarketID, string(f.Side), price, f.Quantity, f.Amount, f.Fee, f.Source, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create fill %s: %w", f.ID, mapError(err))
	}
	return nil
}

// Get returns a fill by ID.
func (s *FillStore) Get(ctx context.Context, id string) (domain.Fill, error) {
	f, err := scanFill(s.q.QueryRow(ctx, `SELECT `+fillSelectCols+` FROM fills WHERE id = $1`, id))
	if err != nil {
		return domain.Fill{}, fmt.Errorf("postgres: get fill %s: %w", id, err)
	}
	return f, nil
}

// ListUnarchived returns fills created before the cutoff that have not been
// exported yet, oldest first.
func (s *FillStore) ListUnarchived(ctx context.Context, before time.Time, limit int) ([]domain.Fill, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+fillSelectCols+` FROM fills WHERE archived_at IS NULL AND created_at < $1 ORDER BY created_at LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unarchived fills: %w", mapError(err))
	}
	defer rows.Close()

	var out []domain.Fill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list fills rows: %w", err)
	}
	return out, nil
}

// MarkArchived stamps archived_at on the given fills.
func (s *FillStore) MarkArchived(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.q.Exec(ctx, `UPDATE fills SET archived_at = $2 WHERE id = ANY($1)`, ids, at); err != nil {
		return fmt.Errorf("postgres: mark fills archived: %w", mapError(err))
	}
	return nil
}

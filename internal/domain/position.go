package domain

import (
	"math/big"
	"time"
)

// Position aggregates a user's holdings on one side of a market.
// AvgPrice is cost-weighted, in pool units per share.
type Position struct {
	UserID    string
	MarketID  string
	Side      Side
	Shares    int64
	AvgPrice  *big.Rat
	CostBasis int64 // minor units
	UpdatedAt time.Time
}

// FillSource identifies what produced a fill.
type FillSource string

const FillSourceAMM FillSource = "amm"

// Fill is the immutable record of an executed trade.
type Fill struct {
	ID        string
	UserID    string
	MarketID  string
	Side      Side
	Price     *big.Rat // pool units per share
	Quantity  int64    // shares
	Amount    int64    // minor units debited
	Fee       int64    // minor units
	Source    FillSource
	CreatedAt time.Time
}

// ApplyFill folds a buy of shares for cost minor units at price into p.
// The average price is weighted by share count.
func (p Position) ApplyFill(shares, cost int64, price *big.Rat) Position {
	out := p
	total := p.Shares + shares
	if total <= 0 {
		return out
	}
	avg := new(big.Rat)
	if p.AvgPrice != nil && p.Shares > 0 {
		avg.Mul(p.AvgPrice, new(big.Rat).SetInt64(p.Shares))
	}
	avg.Add(avg, new(big.Rat).Mul(price, new(big.Rat).SetInt64(shares)))
	avg.Quo(avg, new(big.Rat).SetInt64(total))

	out.Shares = total
	out.AvgPrice = avg
	out.CostBasis = p.CostBasis + cost
	return out
}

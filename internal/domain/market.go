package domain

import (
	"fmt"
	"math/big"
	"time"
)

// Side is one of the two outcome tokens of a binary market.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// ParseSide validates s as a market side.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideYes, SideNo:
		return Side(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
}

// Opposite returns the other side of the market.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Outcome is the resolved answer of a market. It shares the side vocabulary.
type Outcome = Side

// ParseOutcome validates s as a market outcome.
func ParseOutcome(s string) (Outcome, error) {
	o, err := ParseSide(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
	}
	return o, nil
}

// Market is a binary prediction market. YesPrice and NoPrice are derived from
// the pool after every trade and are for display only.
type Market struct {
	ID         string
	Question   string
	Category   string
	Region     string
	YesPrice   float64
	NoPrice    float64
	Volume     int64 // minor units
	EndTime    time.Time
	Resolved   bool
	Outcome    Outcome
	ResolvedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TradingOpen reports whether the market accepts trades at now.
func (m Market) TradingOpen(now time.Time) error {
	if m.Resolved {
		return ErrMarketResolved
	}
	if !m.EndTime.IsZero() && !now.Before(m.EndTime) {
		return ErrMarketClosed
	}
	return nil
}

// LiquidityPool is the constant-product pool backing one market.
// YesShares*NoShares never decreases across a trade.
type LiquidityPool struct {
	MarketID  string
	YesShares *big.Int
	NoShares  *big.Int
	FeeBps    int64
	UpdatedAt time.Time
}

// Reserve returns the share count held for side.
func (p LiquidityPool) Reserve(side Side) *big.Int {
	if side == SideYes {
		return p.YesShares
	}
	return p.NoShares
}

// K returns the constant product of the pool.
func (p LiquidityPool) K() *big.Int {
	return new(big.Int).Mul(p.YesShares, p.NoShares)
}

// Clone returns a deep copy of the pool.
func (p LiquidityPool) Clone() LiquidityPool {
	out := p
	if p.YesShares != nil {
		out.YesShares = new(big.Int).Set(p.YesShares)
	}
	if p.NoShares != nil {
		out.NoShares = new(big.Int).Set(p.NoShares)
	}
	return out
}

// Package amm implements constant-product pricing for binary markets.
//
// All share and amount arithmetic is done on big.Int. Currency amounts enter
// in minor units and are normalized to pool units by a scale factor S, so one
// pool unit is worth S minor units and one winning share redeems one pool unit.
// Rounding always favours the pool: the fee is rounded up, the solved reserve
// is rounded up, and the sub-unit remainder of the input is never debited.
package amm

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// BpsDenominator is the basis-point denominator for fee rates.
const BpsDenominator = 10_000

var bpsDenom = big.NewInt(BpsDenominator)

// Quote is the outcome of buying one side of a pool.
type Quote struct {
	Side       domain.Side
	Normalized *big.Int // pool units charged, fee included
	Fee        *big.Int // pool units kept as protocol revenue
	SharesOut  *big.Int
	NewPool    domain.LiquidityPool
	AvgPrice   *big.Rat // pool units per share
	AmountUsed int64    // minor units to debit
	FeeAmount  int64    // minor units
}

// QuoteForAmount prices a buy of side for amountIn minor units against pool.
// The pool argument is not modified.
func QuoteForAmount(pool domain.LiquidityPool, side domain.Side, amountIn, feeBps, scale int64) (Quote, error) {
	if side != domain.SideYes && side != domain.SideNo {
		return Quote{}, fmt.Errorf("amm: %w: %q", domain.ErrInvalidSide, side)
	}
	if amountIn <= 0 {
		return Quote{}, fmt.Errorf("amm: %w", domain.ErrInvalidAmount)
	}
	if scale <= 0 {
		return Quote{}, fmt.Errorf("amm: %w: scale %d", domain.ErrInvalidInput, scale)
	}
	if feeBps < 0 || feeBps >= BpsDenominator {
		return Quote{}, fmt.Errorf("amm: %w: fee %d bps", domain.ErrInvalidInput, feeBps)
	}
	if !funded(pool) {
		return Quote{}, fmt.Errorf("amm: market %s: %w", pool.MarketID, domain.ErrInsufficientLiquidity)
	}

	normalized := big.NewInt(amountIn / scale)
	if normalized.Sign() == 0 {
		return Quote{}, fmt.Errorf("amm: %d below one pool unit (%d): %w", amountIn, scale, domain.ErrAmountTooSmall)
	}

	fee := ceilDiv(new(big.Int).Mul(normalized, big.NewInt(feeBps)), bpsDenom)
	net := new(big.Int).Sub(normalized, fee)
	if net.Sign() <= 0 {
		return Quote{}, fmt.Errorf("amm: fee consumes input: %w", domain.ErrAmountTooSmall)
	}

	k := pool.K()
	oldSide := pool.Reserve(side)
	newOpp := new(big.Int).Add(pool.Reserve(side.Opposite()), net)
	newSide := ceilDiv(k, newOpp)
	if newSide.Sign() <= 0 {
		return Quote{}, fmt.Errorf("amm: market %s: %w", pool.MarketID, domain.ErrInsufficientLiquidity)
	}

	sharesOut := new(big.Int).Sub(oldSide, newSide)
	if sharesOut.Sign() <= 0 {
		return Quote{}, fmt.Errorf("amm: no shares for %s units: %w", normalized, domain.ErrAmountTooSmall)
	}

	next := pool.Clone()
	if side == domain.SideYes {
		next.YesShares, next.NoShares = newSide, newOpp
	} else {
		next.YesShares, next.NoShares = newOpp, newSide
	}
	if next.K().Cmp(k) < 0 {
		return Quote{}, fmt.Errorf("amm: market %s: %w", pool.MarketID, domain.ErrInvariantViolation)
	}

	return Quote{
		Side:       side,
		Normalized: normalized,
		Fee:        fee,
		SharesOut:  sharesOut,
		NewPool:    next,
		AvgPrice:   new(big.Rat).SetFrac(normalized, sharesOut),
		AmountUsed: normalized.Int64() * scale,
		FeeAmount:  fee.Int64() * scale,
	}, nil
}

// NewPool seeds a balanced pool with liquidity shares on each side.
func NewPool(marketID string, liquidity int64, feeBps int64) domain.LiquidityPool {
	return domain.LiquidityPool{
		MarketID:  marketID,
		YesShares: big.NewInt(liquidity),
		NoShares:  big.NewInt(liquidity),
		FeeBps:    feeBps,
	}
}

func funded(p domain.LiquidityPool) bool {
	return p.YesShares != nil && p.NoShares != nil && p.YesShares.Sign() > 0 && p.NoShares.Sign() > 0
}

// ceilDiv returns ceil(a/b) for a >= 0, b > 0.
func ceilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

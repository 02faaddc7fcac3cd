package amm

import (
	"math/big"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// PriceOf returns the display prices of both sides. The yes price is the no
// reserve's share of the pool, so buying yes raises it.
func PriceOf(pool domain.LiquidityPool) (yes, no float64) {
	if !funded(pool) {
		return 0, 0
	}
	total := new(big.Int).Add(pool.YesShares, pool.NoShares)
	yes, _ = new(big.Rat).SetFrac(pool.NoShares, total).Float64()
	no, _ = new(big.Rat).SetFrac(pool.YesShares, total).Float64()
	return yes, no
}

// PriceImpact is how far the price of side moves when buying it with
// amountIn minor units.
func PriceImpact(pool domain.LiquidityPool, side domain.Side, amountIn, feeBps, scale int64) (float64, error) {
	q, err := QuoteForAmount(pool, side, amountIn, feeBps, scale)
	if err != nil {
		return 0, err
	}
	before := sidePrice(pool, side)
	after := sidePrice(q.NewPool, side)
	return after - before, nil
}

func sidePrice(pool domain.LiquidityPool, side domain.Side) float64 {
	yes, no := PriceOf(pool)
	if side == domain.SideYes {
		return yes
	}
	return no
}

package amm

import "math/big"

// PayoutSummary describes the economics of a position if its side wins.
// Cost, MaxPayout and Profit are in pool units.
type PayoutSummary struct {
	Cost      *big.Rat
	MaxPayout *big.Int
	Profit    *big.Rat
	ROI       float64
}

// Payout evaluates holding shares bought at avgPrice. Each share redeems one
// pool unit when correct.
func Payout(shares int64, avgPrice *big.Rat) PayoutSummary {
	cost := new(big.Rat)
	if avgPrice != nil {
		cost.Mul(new(big.Rat).SetInt64(shares), avgPrice)
	}
	maxPayout := big.NewInt(shares)
	profit := new(big.Rat).Sub(new(big.Rat).SetInt(maxPayout), cost)

	var roi float64
	if cost.Sign() != 0 {
		roi, _ = new(big.Rat).Quo(profit, cost).Float64()
	}
	return PayoutSummary{Cost: cost, MaxPayout: maxPayout, Profit: profit, ROI: roi}
}

// RedeemAmount converts winning shares to minor currency units.
func RedeemAmount(shares, scale int64) int64 {
	return shares * scale
}

package amm

import (
	"math"
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

const (
	testScale = 1_000_000
	oneUnit   = 100_000_000 // one currency unit in minor units
)

func TestBasicTrade(t *testing.T) {
	pool := NewPool("m1", 1_000_000, 0)
	k := pool.K()

	q, err := QuoteForAmount(pool, domain.SideYes, oneUnit, 0, testScale)
	require.NoError(t, err)

	assert.Equal(t, int64(99), q.SharesOut.Int64())
	assert.Equal(t, int64(0), q.Fee.Int64())
	assert.Equal(t, int64(oneUnit), q.AmountUsed)
	assert.True(t, q.NewPool.K().Cmp(k) >= 0)

	yes, no := PriceOf(q.NewPool)
	assert.Greater(t, yes, 0.5)
	assert.Less(t, no, 0.5)

	// input pool untouched
	assert.Equal(t, int64(1_000_000), pool.YesShares.Int64())
	assert.Equal(t, int64(1_000_000), pool.NoShares.Int64())
}

func TestFeeEffect(t *testing.T) {
	pool := NewPool("m1", 1_000_000, 0)

	free, err := QuoteForAmount(pool, domain.SideYes, oneUnit, 0, testScale)
	require.NoError(t, err)
	paid, err := QuoteForAmount(pool, domain.SideYes, oneUnit, 100, testScale)
	require.NoError(t, err)

	assert.LessOrEqual(t, paid.SharesOut.Cmp(free.SharesOut), 0)
	assert.Positive(t, paid.Fee.Int64())
	assert.Equal(t, int64(testScale), paid.FeeAmount)
}

func TestFeeRoundsUp(t *testing.T) {
	pool := NewPool("m1", 1_000_000, 0)
	// 10 units at 30 bps is 0.03 units of fee, rounded up to 1.
	q, err := QuoteForAmount(pool, domain.SideNo, 10*testScale, 30, testScale)
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.Fee.Int64())
}

func TestDustIsNotDebited(t *testing.T) {
	pool := NewPool("m1", 1_000_000, 0)
	q, err := QuoteForAmount(pool, domain.SideYes, 5*testScale+123, 0, testScale)
	require.NoError(t, err)
	assert.Equal(t, int64(5*testScale), q.AmountUsed)
	assert.Equal(t, int64(5), q.Normalized.Int64())
}

func TestQuoteErrors(t *testing.T) {
	pool := NewPool("m1", 1_000_000, 0)

	_, err := QuoteForAmount(pool, domain.SideYes, testScale-1, 0, testScale)
	assert.ErrorIs(t, err, domain.ErrAmountTooSmall)

	_, err = QuoteForAmount(pool, domain.SideYes, 0, 0, testScale)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = QuoteForAmount(pool, domain.Side("maybe"), oneUnit, 0, testScale)
	assert.ErrorIs(t, err, domain.ErrInvalidSide)

	empty := NewPool("m2", 0, 0)
	_, err = QuoteForAmount(empty, domain.SideYes, oneUnit, 0, testScale)
	assert.ErrorIs(t, err, domain.ErrInsufficientLiquidity)

	// a tiny buy against a deep pool rounds to zero shares
	deep := NewPool("m3", 1_000_000_000_000, 0)
	_, err = QuoteForAmount(deep, domain.SideYes, testScale, 0, testScale)
	assert.ErrorIs(t, err, domain.ErrAmountTooSmall)

	// the whole fee eats a one-unit trade
	_, err = QuoteForAmount(pool, domain.SideYes, testScale, 9_999, testScale)
	assert.ErrorIs(t, err, domain.ErrAmountTooSmall)
}

func TestInvariantNeverDecreases(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pool := domain.LiquidityPool{
		MarketID:  "m1",
		YesShares: big.NewInt(750_000),
		NoShares:  big.NewInt(1_250_000),
	}

	for i := 0; i < 2_000; i++ {
		side := domain.SideYes
		if rng.Intn(2) == 0 {
			side = domain.SideNo
		}
		amount := int64(rng.Intn(50_000)+1) * testScale
		fee := int64(rng.Intn(300))

		q, err := QuoteForAmount(pool, side, amount, fee, testScale)
		if err != nil {
			require.ErrorIs(t, err, domain.ErrAmountTooSmall)
			continue
		}
		require.True(t, q.NewPool.K().Cmp(pool.K()) >= 0, "trade %d decreased k", i)
		pool = q.NewPool
	}
}

func TestPriceConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		pool := domain.LiquidityPool{
			YesShares: big.NewInt(rng.Int63n(1e12) + 1),
			NoShares:  big.NewInt(rng.Int63n(1e12) + 1),
		}
		yes, no := PriceOf(pool)
		assert.InDelta(t, 1.0, yes+no, 1e-12)
	}
}

func TestMonotonicImpact(t *testing.T) {
	pool := NewPool("m1", 1_000_000, 50)

	small, err := PriceImpact(pool, domain.SideYes, 10*oneUnit, 50, testScale)
	require.NoError(t, err)
	large, err := PriceImpact(pool, domain.SideYes, 100*oneUnit, 50, testScale)
	require.NoError(t, err)
	assert.Positive(t, small)
	assert.Greater(t, large, small)

	q, err := QuoteForAmount(pool, domain.SideNo, 10*oneUnit, 50, testScale)
	require.NoError(t, err)
	yesBefore, noBefore := PriceOf(pool)
	yesAfter, noAfter := PriceOf(q.NewPool)
	assert.Greater(t, noAfter, noBefore)
	assert.Less(t, yesAfter, yesBefore)
}

func TestPayout(t *testing.T) {
	s := Payout(100, big.NewRat(1, 2))
	assert.Equal(t, "50/1", s.Cost.String())
	assert.Equal(t, int64(100), s.MaxPayout.Int64())
	assert.Equal(t, "50/1", s.Profit.String())
	assert.InDelta(t, 1.0, s.ROI, 1e-12)

	loss := Payout(99, big.NewRat(100, 99))
	assert.Equal(t, "100/1", loss.Cost.String())
	assert.True(t, math.Abs(loss.ROI-(-0.01)) < 1e-12)

	zero := Payout(0, nil)
	assert.Equal(t, 0.0, zero.ROI)

	assert.Equal(t, int64(99*testScale), RedeemAmount(99, testScale))
}

package service

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shieldmarket/internal/amm"
	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

func TestTrade_Basic(t *testing.T) {
	f := newFixture(t)
	f.seedMarket(t, "m1", 1_000_000, 0, time.Time{})
	f.seedUser(t, "alice", false, 10*oneUnit)
	ctx := context.Background()
	k := f.pool(t, "m1").K()

	res, err := f.trades.Trade(ctx, TradeRequest{MarketID: "m1", UserID: "alice", Side: domain.SideYes, Amount: oneUnit})
	require.NoError(t, err)

	assert.Equal(t, int64(99), res.Fill.Quantity)
	assert.Equal(t, int64(oneUnit), res.Fill.Amount)
	assert.Equal(t, int64(0), res.Fill.Fee)
	assert.Greater(t, res.YesPrice, 0.5)
	assert.InDelta(t, 1.0, res.YesPrice+res.NoPrice, 1e-9)

	assert.Equal(t, 9*int64(oneUnit), f.balance(t, "alice").Available)
	assert.GreaterOrEqual(t, f.pool(t, "m1").K().Cmp(k), 0)

	m := f.market(t, "m1")
	assert.Equal(t, res.YesPrice, m.YesPrice)
	assert.Equal(t, int64(oneUnit), m.Volume)

	assert.Equal(t, int64(99), res.Position.Shares)
	assert.Equal(t, 0, res.Position.AvgPrice.Cmp(big.NewRat(100, 99)))

	require.Equal(t, domain.JobTypeTradeSettlement, res.Job.JobType)
	assert.Equal(t, res.Fill.ID, res.Job.FillID)
	assert.Equal(t, domain.TxTypeShielded, res.Job.TxType)
	assert.Equal(t, "trade_settlement:"+res.Fill.ID, res.Job.DedupKey)
	assert.Len(t, f.jobs(t, domain.JobStatusPending), 1)

	yes, no, _, err := f.prices.GetPrice(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, res.YesPrice, yes)
	assert.Equal(t, res.NoPrice, no)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Trades.WithLabelValues("yes")))
}

func TestTrade_FeeReducesShares(t *testing.T) {
	f := newFixture(t)
	f.seedMarket(t, "free", 1_000_000, 0, time.Time{})
	f.seedMarket(t, "paid", 1_000_000, 100, time.Time{})
	f.seedUser(t, "alice", false, 10*oneUnit)
	ctx := context.Background()

	free, err := f.trades.Trade(ctx, TradeRequest{MarketID: "free", UserID: "alice", Side: domain.SideNo, Amount: oneUnit})
	require.NoError(t, err)
	paid, err := f.trades.Trade(ctx, TradeRequest{MarketID: "paid", UserID: "alice", Side: domain.SideNo, Amount: oneUnit})
	require.NoError(t, err)

	assert.LessOrEqual(t, paid.Fill.Quantity, free.Fill.Quantity)
	assert.Equal(t, int64(testScale), paid.Fill.Fee)
}

func TestTrade_RollsBackOnFailure(t *testing.T) {
	tests := []struct {
		name    string
		req     TradeRequest
		wantErr error
	}{
		{
			name:    "privacy violation",
			req:     TradeRequest{MarketID: "m1", UserID: "alice", Side: domain.SideYes, Amount: oneUnit, TxType: domain.TxTypeTransparent},
			wantErr: domain.ErrPrivacyPolicyViolation,
		},
		{
			name:    "insufficient balance",
			req:     TradeRequest{MarketID: "m1", UserID: "alice", Side: domain.SideYes, Amount: 20 * oneUnit},
			wantErr: domain.ErrInsufficientBalance,
		},
		{
			name:    "no balance row",
			req:     TradeRequest{MarketID: "m1", UserID: "ghost", Side: domain.SideYes, Amount: oneUnit},
			wantErr: domain.ErrInsufficientBalance,
		},
		{
			name:    "below one pool unit",
			req:     TradeRequest{MarketID: "m1", UserID: "alice", Side: domain.SideYes, Amount: testScale - 1},
			wantErr: domain.ErrAmountTooSmall,
		},
		{
			name:    "unknown market",
			req:     TradeRequest{MarketID: "nope", UserID: "alice", Side: domain.SideYes, Amount: oneUnit},
			wantErr: domain.ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedMarket(t, "m1", 1_000_000, 0, time.Time{})
			f.seedUser(t, "alice", false, 10*oneUnit)
			before := f.pool(t, "m1")

			_, err := f.trades.Trade(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)

			after := f.pool(t, "m1")
			assert.Equal(t, 0, before.YesShares.Cmp(after.YesShares))
			assert.Equal(t, 0, before.NoShares.Cmp(after.NoShares))
			assert.Equal(t, 10*int64(oneUnit), f.balance(t, "alice").Available)
			assert.Equal(t, int64(0), f.market(t, "m1").Volume)
			assert.Empty(t, f.jobs(t, domain.JobStatusPending))
		})
	}
}

func TestTrade_MarketClosedAndResolved(t *testing.T) {
	f := newFixture(t)
	f.seedMarket(t, "ended", 1_000_000, 0, epoch.Add(-time.Minute))
	f.seedMarket(t, "done", 1_000_000, 0, time.Time{})
	f.seedUser(t, "alice", false, 10*oneUnit)
	f.tx(t, func(ctx context.Context, tx domain.Tx) error {
		return tx.Markets().Resolve(ctx, "done", domain.SideYes, epoch)
	})
	ctx := context.Background()

	_, err := f.trades.Trade(ctx, TradeRequest{MarketID: "ended", UserID: "alice", Side: domain.SideYes, Amount: oneUnit})
	assert.ErrorIs(t, err, domain.ErrMarketClosed)

	_, err = f.trades.Trade(ctx, TradeRequest{MarketID: "done", UserID: "alice", Side: domain.SideYes, Amount: oneUnit})
	assert.ErrorIs(t, err, domain.ErrMarketResolved)

	_, err = f.trades.Quote(ctx, "done", domain.SideYes, oneUnit)
	assert.ErrorIs(t, err, domain.ErrMarketResolved)
}

func TestQuote_DoesNotMutate(t *testing.T) {
	f := newFixture(t)
	f.seedMarket(t, "m1", 1_000_000, 30, time.Time{})
	ctx := context.Background()

	q, err := f.trades.Quote(ctx, "m1", domain.SideYes, 5*oneUnit)
	require.NoError(t, err)
	assert.Positive(t, q.PriceImpact)
	assert.Greater(t, q.YesPriceAfter, 0.5)

	pool := f.pool(t, "m1")
	impact, err := amm.PriceImpact(pool, domain.SideYes, 5*oneUnit, 30, testScale)
	require.NoError(t, err)
	assert.Equal(t, impact, q.PriceImpact)

	// Cost is exactly the pool units charged.
	assert.Equal(t, q.SharesOut.Int64(), q.Payout.MaxPayout.Int64())
	assert.Zero(t, q.Payout.Cost.Cmp(new(big.Rat).SetInt(q.Normalized)))
	wantProfit := new(big.Rat).Sub(new(big.Rat).SetInt(q.SharesOut), new(big.Rat).SetInt(q.Normalized))
	assert.Zero(t, q.Payout.Profit.Cmp(wantProfit))

	pool = f.pool(t, "m1")
	assert.Equal(t, int64(1_000_000), pool.YesShares.Int64())
	assert.Equal(t, int64(1_000_000), pool.NoShares.Int64())
}

func TestTrade_PositionAveragesAcrossFills(t *testing.T) {
	f := newFixture(t)
	f.seedMarket(t, "m1", 1_000_000, 0, time.Time{})
	f.seedUser(t, "alice", false, 10*oneUnit)
	ctx := context.Background()

	first, err := f.trades.Trade(ctx, TradeRequest{MarketID: "m1", UserID: "alice", Side: domain.SideYes, Amount: oneUnit})
	require.NoError(t, err)
	second, err := f.trades.Trade(ctx, TradeRequest{MarketID: "m1", UserID: "alice", Side: domain.SideYes, Amount: oneUnit})
	require.NoError(t, err)

	total := first.Fill.Quantity + second.Fill.Quantity
	assert.Equal(t, total, second.Position.Shares)
	assert.Equal(t, 2*int64(oneUnit), second.Position.CostBasis)
	// the second fill is more expensive, so the average rises
	assert.Equal(t, 1, second.Position.AvgPrice.Cmp(first.Position.AvgPrice))
	assert.Len(t, f.jobs(t, domain.JobStatusPending), 2)
}

package memory

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Balances().Upsert(ctx, domain.Balance{UserID: "u1", Available: 100})
	}))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		require.NoError(t, tx.Balances().Upsert(ctx, domain.Balance{UserID: "u1", Available: 0, Locked: 100}))
		require.NoError(t, tx.Users().Create(ctx, domain.User{ID: "u1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		b, err := tx.Balances().Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), b.Available)
		assert.Equal(t, int64(0), b.Locked)
		_, err = tx.Users().Get(ctx, "u1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		return nil
	}))
}

func TestPoolValuesDoNotAlias(t *testing.T) {
	ctx := context.Background()
	s := New()
	pool := domain.LiquidityPool{MarketID: "m1", YesShares: big.NewInt(10), NoShares: big.NewInt(10)}

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Pools().Create(ctx, pool)
	}))
	pool.YesShares.SetInt64(1)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		got, err := tx.Pools().GetForUpdate(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.YesShares.Int64())
		got.YesShares.SetInt64(2) // mutate without Update
		return nil
	}))

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		got, err := tx.Pools().Get(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.YesShares.Int64())
		return nil
	}))
}

func TestJobDedupAndClaim(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		for i, id := range []string{"a", "b", "c"} {
			require.NoError(t, tx.Jobs().Create(ctx, domain.SettlementJob{
				ID: id, DedupKey: "k-" + id, Status: domain.JobStatusPending,
				CreatedAt: now.Add(time.Duration(i) * time.Second), NextAttemptAt: now,
			}))
		}
		// c is backing off
		c, _ := tx.Jobs().Get(ctx, "c")
		c.NextAttemptAt = now.Add(time.Hour)
		require.NoError(t, tx.Jobs().Update(ctx, c))

		err := tx.Jobs().Create(ctx, domain.SettlementJob{ID: "d", DedupKey: "k-a", Status: domain.JobStatusPending})
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
		return nil
	}))

	var claimed []domain.SettlementJob
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		claimed, err = tx.Jobs().ClaimPending(ctx, now, 10)
		return err
	}))
	require.Len(t, claimed, 2)
	assert.Equal(t, "a", claimed[0].ID)
	assert.Equal(t, "b", claimed[1].ID)
	assert.Equal(t, domain.JobStatusProcessing, claimed[0].Status)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		again, err := tx.Jobs().ClaimPending(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, again)

		counts, err := tx.Jobs().CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), counts[domain.JobStatusProcessing])
		assert.Equal(t, int64(1), counts[domain.JobStatusPending])

		stale, err := tx.Jobs().ListStaleProcessing(ctx, now.Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Len(t, stale, 2)
		return nil
	}))
}

func TestAttestationUniquePerReporterMarket(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		require.NoError(t, tx.Attestations().Create(ctx, domain.Attestation{ID: "a1", ReporterID: "r", MarketID: "m"}))
		return tx.Attestations().Create(ctx, domain.Attestation{ID: "a2", ReporterID: "r", MarketID: "m"})
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestInTxHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := New().InTx(ctx, func(context.Context, domain.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shieldmarket/internal/config"
	"github.com/alanyoungcy/shieldmarket/internal/domain"
	"github.com/alanyoungcy/shieldmarket/internal/service"
	"github.com/alanyoungcy/shieldmarket/internal/store/memory"
)

const seedTOML = `
[[users]]
id = "alice"
kyc = true
shielded_address = "utest1alice"
balance = 500000000

[[users]]
id = "bob"
kyc = false
transparent_address = "tmbob"
balance = 100

[[markets]]
id = "m1"
question = "Will it rain?"
liquidity = 1000000

[[markets]]
id = "m2"
question = "Will it snow?"
liquidity = 2000000
fee_bps = 0
`

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.toml")
	require.NoError(t, os.WriteFile(path, []byte(seedTOML), 0o600))
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Mode = "full"
	cfg.Database.Driver = "memory"
	cfg.Redis.Enabled = false
	cfg.Server.HMACSecret = "0123456789abcdef0123"
	cfg.Settlement.EscrowAddress = "tmescrow"
	cfg.Settlement.TreasuryAddress = "tmtreasury"
	cfg.Settlement.ConfirmationThreshold = 2
	cfg.Settlement.PollInterval.Duration = 10 * time.Millisecond
	cfg.Settlement.ConfirmInterval.Duration = 10 * time.Millisecond
	cfg.SeedFile = writeSeed(t)
	require.NoError(t, cfg.Validate())
	cfg.Server.Port = 0 // any free port
	return &cfg
}

func TestSeed_IsIdempotent(t *testing.T) {
	f, err := LoadSeed(writeSeed(t))
	require.NoError(t, err)
	require.Len(t, f.Users, 2)
	require.Len(t, f.Markets, 2)

	store := memory.New()
	require.NoError(t, Seed(context.Background(), store, f, 30, discard()))
	require.NoError(t, Seed(context.Background(), store, f, 30, discard()))

	require.NoError(t, store.InTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		b, err := tx.Balances().Get(ctx, "alice")
		require.NoError(t, err)
		assert.EqualValues(t, 500000000, b.Available)

		p1, err := tx.Pools().Get(ctx, "m1")
		require.NoError(t, err)
		assert.EqualValues(t, 30, p1.FeeBps, "unset fee falls back to the default")
		p2, err := tx.Pools().Get(ctx, "m2")
		require.NoError(t, err)
		assert.EqualValues(t, 0, p2.FeeBps)

		m, err := tx.Markets().Get(ctx, "m2")
		require.NoError(t, err)
		assert.InDelta(t, 0.5, m.YesPrice, 1e-9)

		audit, err := tx.Audit().List(ctx, domain.ListOpts{})
		require.NoError(t, err)
		require.Len(t, audit, 2)
		assert.Equal(t, 0, audit[0].Detail["users"], "the second run created nothing")
		return nil
	}))
}

func TestSeed_RejectsMarketWithoutLiquidity(t *testing.T) {
	err := Seed(context.Background(), memory.New(), SeedFile{Markets: []SeedMarket{{ID: "m1"}}}, 30, discard())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestBuild_Modes(t *testing.T) {
	cfg := testConfig(t)
	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer cleanup()
	assert.Nil(t, deps.Archiver)
	assert.Empty(t, deps.Checks, "memory store and local caches have no remote health checks")

	a := New(cfg, discard())
	svc := NewServices(cfg, deps, discard())

	api, err := a.Build("api", deps, svc)
	require.NoError(t, err)
	assert.Equal(t, 3, api.Len()) // hub, server, gauges

	worker, err := a.Build("worker", deps, svc)
	require.NoError(t, err)
	assert.Equal(t, 7, worker.Len()) // workers, poller, reaper, finaliser, price sync, ops server, gauges

	full, err := a.Build("full", deps, svc)
	require.NoError(t, err)
	assert.Equal(t, 8, full.Len())

	_, err = a.Build("trade", deps, svc)
	assert.Error(t, err)
}

func TestFullMode_SettlesTradeEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	f, err := LoadSeed(cfg.SeedFile)
	require.NoError(t, err)
	require.NoError(t, Seed(context.Background(), deps.Store, f, cfg.AMM.FeeBps, discard()))

	a := New(cfg, discard())
	svc := NewServices(cfg, deps, discard())
	orch, err := a.Build("full", deps, svc)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	res, err := svc.Trades.Trade(ctx, service.TradeRequest{
		MarketID: "m1", UserID: "alice", Side: domain.SideYes, Amount: 100_000_000,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := svc.Settlement.Status(ctx, res.Job.ID)
		return err == nil && job.Status == domain.JobStatusConfirmed
	}, 5*time.Second, 10*time.Millisecond)

	job, err := svc.Settlement.Status(ctx, res.Job.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, job.TxHash)
	assert.GreaterOrEqual(t, job.Confirmations, int64(2))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("full mode did not shut down")
	}
}

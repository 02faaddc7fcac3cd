package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shieldmarket/internal/amm"
	"github.com/alanyoungcy/shieldmarket/internal/cache/local"
	"github.com/alanyoungcy/shieldmarket/internal/domain"
	"github.com/alanyoungcy/shieldmarket/internal/metrics"
	"github.com/alanyoungcy/shieldmarket/internal/store/memory"
)

const (
	testScale = 1_000_000
	oneUnit   = 100 * testScale
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sentAlert struct {
	event, title, message string
	fields                map[string]string
}

type recordingAlerter struct {
	mu   sync.Mutex
	sent []sentAlert
}

func (a *recordingAlerter) Notify(_ context.Context, event, title, message string, fields map[string]string) error {
	a.mu.Lock()
	a.sent = append(a.sent, sentAlert{event, title, message, fields})
	a.mu.Unlock()
	return nil
}

func (a *recordingAlerter) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.sent))
	for _, s := range a.sent {
		out = append(out, s.event)
	}
	return out
}

type fixture struct {
	store      *memory.Store
	bus        *local.Bus
	prices     *local.PriceCache
	metrics    *metrics.Metrics
	clock      *testClock
	alerts     *recordingAlerter
	settlement *SettlementService
	trades     *TradeService
	oracle     *OracleService
}

type fixtureOption func(*SettlementPolicy, *OraclePolicy)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	sp := SettlementPolicy{
		MaxRetries:            3,
		RequireKYC:            true,
		ConfirmationThreshold: 3,
		BackoffBase:           time.Second,
		BackoffMax:            10 * time.Second,
	}
	op := OraclePolicy{
		MinStake:      oneUnit,
		DisputeWindow: time.Hour,
		Scale:         testScale,
	}
	for _, o := range opts {
		o(&sp, &op)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		store:   memory.New(),
		bus:     local.NewBus(0),
		prices:  local.NewPriceCache(),
		metrics: metrics.New(prometheus.NewRegistry()),
		clock:   &testClock{t: epoch},
		alerts:  &recordingAlerter{},
	}
	events := NewEventPublisher(f.bus, logger)
	f.settlement = NewSettlementService(f.store, events, f.metrics, sp, logger).
		WithAlerter(f.alerts).
		WithClock(f.clock.Now)
	f.trades = NewTradeService(f.store, f.settlement, f.prices, events, f.metrics, testScale, logger).
		WithClock(f.clock.Now)
	f.oracle = NewOracleService(f.store, f.settlement, events, f.metrics, op, logger).
		WithAlerter(f.alerts).
		WithClock(f.clock.Now)
	return f
}

func (f *fixture) tx(t *testing.T, fn func(ctx context.Context, tx domain.Tx) error) {
	t.Helper()
	require.NoError(t, f.store.InTx(context.Background(), fn))
}

func (f *fixture) seedUser(t *testing.T, id string, kyc bool, available int64) {
	t.Helper()
	f.tx(t, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.Users().Create(ctx, domain.User{
			ID:              id,
			KYCVerified:     kyc,
			ShieldedAddress: "zs1" + id,
			CreatedAt:       epoch,
		}); err != nil {
			return err
		}
		return tx.Balances().Upsert(ctx, domain.Balance{UserID: id, Available: available, UpdatedAt: epoch})
	})
}

func (f *fixture) seedMarket(t *testing.T, id string, liquidity, feeBps int64, end time.Time) {
	t.Helper()
	f.tx(t, func(ctx context.Context, tx domain.Tx) error {
		pool := amm.NewPool(id, liquidity, feeBps)
		yes, no := amm.PriceOf(pool)
		if err := tx.Markets().Create(ctx, domain.Market{
			ID:        id,
			Question:  "Will " + id + " happen?",
			YesPrice:  yes,
			NoPrice:   no,
			EndTime:   end,
			CreatedAt: epoch,
			UpdatedAt: epoch,
		}); err != nil {
			return err
		}
		return tx.Pools().Create(ctx, pool)
	})
}

func (f *fixture) balance(t *testing.T, userID string) domain.Balance {
	t.Helper()
	var b domain.Balance
	f.tx(t, func(ctx context.Context, tx domain.Tx) error {
		var err error
		b, err = tx.Balances().Get(ctx, userID)
		return err
	})
	return b
}

func (f *fixture) market(t *testing.T, id string) domain.Market {
	t.Helper()
	var m domain.Market
	f.tx(t, func(ctx context.Context, tx domain.Tx) error {
		var err error
		m, err = tx.Markets().Get(ctx, id)
		return err
	})
	return m
}

func (f *fixture) pool(t *testing.T, id string) domain.LiquidityPool {
	t.Helper()
	var p domain.LiquidityPool
	f.tx(t, func(ctx context.Context, tx domain.Tx) error {
		var err error
		p, err = tx.Pools().Get(ctx, id)
		return err
	})
	return p
}

func (f *fixture) stake(t *testing.T, id string) domain.Stake {
	t.Helper()
	var s domain.Stake
	f.tx(t, func(ctx context.Context, tx domain.Tx) error {
		var err error
		s, err = tx.Stakes().Get(ctx, id)
		return err
	})
	return s
}

func (f *fixture) attestation(t *testing.T, id string) domain.Attestation {
	t.Helper()
	var a domain.Attestation
	f.tx(t, func(ctx context.Context, tx domain.Tx) error {
		var err error
		a, err = tx.Attestations().Get(ctx, id)
		return err
	})
	return a
}

func (f *fixture) jobs(t *testing.T, status domain.JobStatus) []domain.SettlementJob {
	t.Helper()
	var out []domain.SettlementJob
	f.tx(t, func(ctx context.Context, tx domain.Tx) error {
		var err error
		out, err = tx.Jobs().ListByStatus(ctx, status, 0)
		return err
	})
	return out
}

func jobsOfType(jobs []domain.SettlementJob, jt domain.JobType) []domain.SettlementJob {
	var out []domain.SettlementJob
	for _, j := range jobs {
		if j.JobType == jt {
			out = append(out, j)
		}
	}
	return out
}

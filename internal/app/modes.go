package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/crypto"
	"github.com/alanyoungcy/shieldmarket/internal/executor"
	"github.com/alanyoungcy/shieldmarket/internal/pipeline"
	"github.com/alanyoungcy/shieldmarket/internal/server"
	"github.com/alanyoungcy/shieldmarket/internal/server/handler"
	"github.com/alanyoungcy/shieldmarket/internal/server/middleware"
	"github.com/alanyoungcy/shieldmarket/internal/server/ws"
)

const (
	gaugeInterval     = 15 * time.Second
	priceSyncInterval = time.Minute
)

// Build assembles the loops for mode:
//
//	api     HTTP API, websocket hub, gauges
//	worker  settlement workers, confirmation poller, stale-claim reaper,
//	        attestation finaliser, price sync, archiver, ops endpoints
//	full    both, in one process
func (a *App) Build(mode string, deps *Dependencies, svc *Services) (*pipeline.Orchestrator, error) {
	orch := pipeline.NewOrchestrator(deps.Locks, a.logger)
	switch mode {
	case "api":
		a.apiLoops(orch, mode, deps, svc)
	case "worker":
		a.workerLoops(orch, deps, svc)
		if a.cfg.Server.Enabled {
			a.opsServer(orch, mode, deps)
		}
	case "full":
		a.apiLoops(orch, mode, deps, svc)
		a.workerLoops(orch, deps, svc)
	default:
		return nil, fmt.Errorf("app: unsupported mode %q", mode)
	}

	orch.Every(pipeline.Task{
		Name:     "gauges",
		Interval: gaugeInterval,
		Run:      svc.Settlement.RefreshGauges,
	})
	return orch, nil
}

// apiLoops serves the internal API and relays bus events to websocket
// clients.
func (a *App) apiLoops(orch *pipeline.Orchestrator, mode string, deps *Dependencies, svc *Services) {
	if !a.cfg.Server.Enabled {
		a.logger.Warn("server disabled; api mode runs no endpoints")
		return
	}
	hub := ws.NewHub(deps.Bus, mode, a.logger)
	srv := server.NewServer(a.serverConfig(deps), server.Handlers{
		Health:     handler.NewHealthHandler(mode, deps.Checks, a.logger),
		Markets:    handler.NewMarketHandler(svc.Trades, a.logger).WithPrices(svc.Prices),
		Settlement: handler.NewSettlementHandler(svc.Settlement, a.logger),
		Oracle:     handler.NewOracleHandler(svc.Oracle, a.logger),
	}, hub, deps.Metrics, a.logger)

	orch.Go("ws_hub", hub.Run)
	orch.Go("http_server", srv.Run)
}

// opsServer exposes only /healthz and /metrics.
func (a *App) opsServer(orch *pipeline.Orchestrator, mode string, deps *Dependencies) {
	srv := server.NewServer(a.serverConfig(deps), server.Handlers{
		Health: handler.NewHealthHandler(mode, deps.Checks, a.logger),
	}, nil, deps.Metrics, a.logger)
	orch.Go("ops_server", srv.Run)
}

func (a *App) serverConfig(deps *Dependencies) server.Config {
	sc := a.cfg.Server
	return server.Config{
		Port:        sc.Port,
		CORSOrigins: sc.CORSOrigins,
		Auth:        crypto.NewHMACAuth(sc.HMACSecret, sc.HMACTolerance.Duration),
		Limiter:     deps.Limiter,
		Limits: middleware.Limits{
			Read:   sc.RateLimit,
			Write:  sc.WriteRateLimit,
			Window: sc.RateWindow.Duration,
		},
	}
}

// workerLoops runs the settlement pipeline and the singleton sweepers.
func (a *App) workerLoops(orch *pipeline.Orchestrator, deps *Dependencies, svc *Services) {
	sc := a.cfg.Settlement
	worker := executor.NewWorker(deps.Store, svc.Settlement, deps.Signer, deps.Chain, deps.Metrics, executor.WorkerConfig{
		Workers:        sc.Workers,
		BatchSize:      sc.BatchSize,
		PollInterval:   sc.PollInterval.Duration,
		SignerTimeout:  sc.SignerTimeout.Duration,
		AdapterTimeout: sc.AdapterTimeout.Duration,
		KeyID:          sc.KeyID,
		Accounts: executor.Accounts{
			Escrow:   sc.EscrowAddress,
			Treasury: sc.TreasuryAddress,
		},
	}, a.logger)
	poller := executor.NewConfirmationPoller(svc.Settlement, deps.Chain, deps.Metrics, executor.PollerConfig{
		Interval:       sc.ConfirmInterval.Duration,
		BatchSize:      sc.BatchSize * 4,
		AdapterTimeout: sc.AdapterTimeout.Duration,
		ConfirmTimeout: sc.ConfirmTimeout.Duration,
	}, a.logger)
	reaper := executor.NewStaleReaper(svc.Settlement, sc.LeaseTimeout.Duration, sc.LeaseTimeout.Duration/2, a.logger)

	orch.Go("settlement_worker", worker.Run)
	orch.Go("confirmation_poller", poller.Run)
	orch.Go("stale_reaper", reaper.Run)

	batch := a.cfg.Oracle.FinalizeBatch
	orch.Every(pipeline.Task{
		Name:      "attestation_finaliser",
		Interval:  a.cfg.Oracle.FinalizeInterval.Duration,
		Singleton: true,
		Run: func(ctx context.Context) error {
			n, err := svc.Oracle.FinalizeExpired(ctx, batch)
			if n > 0 {
				a.logger.InfoContext(ctx, "attestations finalised", slog.Int("count", n))
			}
			return err
		},
	})

	maxPools := a.cfg.AMM.MaxPoolBatch
	orch.Every(pipeline.Task{
		Name:      "price_sync",
		Interval:  priceSyncInterval,
		Singleton: true,
		Run: func(ctx context.Context) error {
			_, err := svc.Prices.Sync(ctx, maxPools)
			return err
		},
	})

	if deps.Archiver != nil {
		archiver := pipeline.NewArchiver(deps.Archiver, deps.Locks, a.cfg.Archive.RetentionDays, a.logger)
		cron := a.cfg.Archive.Cron
		orch.Go("archiver", func(ctx context.Context) error {
			return archiver.RunCron(ctx, cron)
		})
	}
}

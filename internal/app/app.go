// Package app provides the top-level application lifecycle for the
// shieldmarket settlement core. It wires the store, caches, signer, chain
// adapter, services and background loops, and starts the ones the configured
// mode asks for.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/shieldmarket/internal/config"
	"github.com/alanyoungcy/shieldmarket/internal/service"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Services are the domain services shared by every mode.
type Services struct {
	Settlement *service.SettlementService
	Trades     *service.TradeService
	Oracle     *service.OracleService
	Prices     *service.PriceService
}

// NewServices builds the domain services over deps.
func NewServices(cfg *config.Config, deps *Dependencies, logger *slog.Logger) *Services {
	events := service.NewEventPublisher(deps.Bus, logger)
	settlement := service.NewSettlementService(deps.Store, events, deps.Metrics, service.SettlementPolicy{
		MaxRetries:            cfg.Settlement.MaxRetries,
		AllowNonShielded:      cfg.Settlement.AllowNonShielded,
		RequireKYC:            cfg.Settlement.RequireKYC,
		ConfirmationThreshold: cfg.Settlement.ConfirmationThreshold,
		BackoffBase:           cfg.Settlement.BackoffBase.Duration,
		BackoffMax:            cfg.Settlement.BackoffMax.Duration,
	}, logger).WithAlerter(deps.Notifier)

	return &Services{
		Settlement: settlement,
		Trades:     service.NewTradeService(deps.Store, settlement, deps.Prices, events, deps.Metrics, cfg.AMM.ScaleFactor, logger),
		Oracle: service.NewOracleService(deps.Store, settlement, events, deps.Metrics, service.OraclePolicy{
			MinStake:       cfg.Oracle.MinStake,
			DisputeWindow:  cfg.Oracle.DisputeWindow.Duration,
			SlashRewardBps: cfg.Oracle.SlashRewardBps,
			Scale:          cfg.AMM.ScaleFactor,
		}, logger).WithAlerter(deps.Notifier),
		Prices: service.NewPriceService(deps.Store, deps.Prices, logger),
	}
}

// Run is the main entry point. It wires all dependencies, applies the seed
// file if one is configured, starts the loops of the configured mode, and
// blocks until the context is cancelled or a loop fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)
	a.logger.DebugContext(ctx, "configuration", slog.Any("config", a.cfg))

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	if a.cfg.SeedFile != "" {
		seed, err := LoadSeed(a.cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		if err := Seed(ctx, deps.Store, seed, a.cfg.AMM.FeeBps, a.logger); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	}

	svc := NewServices(a.cfg, deps, a.logger)
	orch, err := a.Build(strings.ToLower(a.cfg.Mode), deps, svc)
	if err != nil {
		return err
	}
	return orch.Run(ctx)
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	s3blob "github.com/alanyoungcy/shieldmarket/internal/blob/s3"
	"github.com/alanyoungcy/shieldmarket/internal/cache/local"
	"github.com/alanyoungcy/shieldmarket/internal/cache/redis"
	"github.com/alanyoungcy/shieldmarket/internal/config"
	"github.com/alanyoungcy/shieldmarket/internal/crypto"
	"github.com/alanyoungcy/shieldmarket/internal/domain"
	"github.com/alanyoungcy/shieldmarket/internal/metrics"
	"github.com/alanyoungcy/shieldmarket/internal/notify"
	"github.com/alanyoungcy/shieldmarket/internal/platform/chain"
	"github.com/alanyoungcy/shieldmarket/internal/platform/kms"
	"github.com/alanyoungcy/shieldmarket/internal/server/handler"
	"github.com/alanyoungcy/shieldmarket/internal/store/memory"
	"github.com/alanyoungcy/shieldmarket/internal/store/postgres"
)

const (
	// priceTTL bounds how stale a Redis price may get if the sync loop stops.
	priceTTL = 10 * time.Minute
	// busMaxLen is the replay depth kept per event stream.
	busMaxLen = 10_000
)

// Dependencies bundles every infrastructure dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	Store domain.Store

	// Caches and messaging
	Bus     domain.SignalBus
	Prices  domain.PriceCache
	Limiter domain.RateLimiter
	Locks   domain.LockManager

	// Chain access
	Signer domain.Signer
	Chain  domain.ChainAdapter

	// Cold storage; nil when archival is disabled.
	Archiver domain.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Checks feeds /healthz.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics: metrics.New(prometheus.NewRegistry()),
		Checks:  map[string]handler.Check{},
	}

	// --- Store ---
	switch cfg.Database.Driver {
	case "memory":
		logger.WarnContext(ctx, "using in-memory store; state is lost on exit")
		deps.Store = memory.New()
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:         cfg.Database.DSN,
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			Database:    cfg.Database.Database,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.PoolMaxConns,
			MinConns:    cfg.Database.PoolMinConns,
			LockTimeout: cfg.Database.LockTimeout.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Store = pgClient.Store()
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis, or in-process stand-ins for a single node ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  "shieldmarket:" + cfg.Chain.Network,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Bus = redis.NewSignalBus(redisClient, busMaxLen)
		deps.Prices = redis.NewPriceCache(redisClient, priceTTL)
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		logger.WarnContext(ctx, "redis disabled; events, locks and rate limits are process-local")
		deps.Bus = local.NewBus(busMaxLen)
		deps.Prices = local.NewPriceCache()
		deps.Limiter = local.NewRateLimiter()
		deps.Locks = local.NewLockManager()
	}

	// --- Signer ---
	switch cfg.Signer.Provider {
	case "kms":
		deps.Signer = kms.NewClient(cfg.Signer.KMSURL, cfg.Signer.KMSAPIKey, cfg.Signer.KMSTimeout.Duration)
	default:
		key, err := crypto.LoadKey(crypto.KeyConfig{
			KeyID:            cfg.Settlement.KeyID,
			RawPrivateKey:    cfg.Signer.PrivateKey,
			EncryptedKeyPath: cfg.Signer.EncryptedKeyPath,
			KeyPassword:      cfg.Signer.KeyPassword,
			DevSeed:          "shieldmarket-dev:" + cfg.Settlement.KeyID,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: signer key: %w", err))
		}
		signer, err := crypto.NewLocalSigner(cfg.Settlement.KeyID, key)
		if err != nil {
			return fail(fmt.Errorf("wire: signer: %w", err))
		}
		deps.Signer = signer
	}

	// --- Chain adapter ---
	switch cfg.Chain.Mode {
	case "rpc":
		var auth *crypto.HMACAuth
		if cfg.Chain.RPCSecret != "" {
			auth = crypto.NewHMACAuth(cfg.Chain.RPCSecret, cfg.Server.HMACTolerance.Duration)
		}
		deps.Chain = chain.NewRPCClient(cfg.Chain.RPCURL, auth, cfg.Chain.RPCTimeout.Duration)
	default:
		logger.WarnContext(ctx, "using mock chain adapter", slog.String("network", cfg.Chain.Network))
		deps.Chain = chain.NewMockAdapter(cfg.Chain.Network)
	}

	// --- S3 archival ---
	if cfg.Archive.Enabled {
		bucket, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(deps.Store, bucket, cfg.Archive.BatchSize, logger)
		deps.Checks["s3"] = bucket.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, "shieldmarket/"+cfg.Chain.Network, logger)

	return deps, cleanup, nil
}

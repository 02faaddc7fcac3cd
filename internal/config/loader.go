package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SHIELDMARKET_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SHIELDMARKET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.Driver, "SHIELDMARKET_DATABASE_DRIVER")
	setStr(&cfg.Database.DSN, "SHIELDMARKET_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "SHIELDMARKET_DATABASE_HOST")
	setInt(&cfg.Database.Port, "SHIELDMARKET_DATABASE_PORT")
	setStr(&cfg.Database.Database, "SHIELDMARKET_DATABASE_DATABASE")
	setStr(&cfg.Database.User, "SHIELDMARKET_DATABASE_USER")
	setStr(&cfg.Database.Password, "SHIELDMARKET_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "SHIELDMARKET_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "SHIELDMARKET_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "SHIELDMARKET_DATABASE_POOL_MIN_CONNS")
	setDuration(&cfg.Database.LockTimeout, "SHIELDMARKET_DATABASE_LOCK_TIMEOUT")
	setBool(&cfg.Database.RunMigrations, "SHIELDMARKET_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SHIELDMARKET_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SHIELDMARKET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SHIELDMARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SHIELDMARKET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SHIELDMARKET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SHIELDMARKET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SHIELDMARKET_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "SHIELDMARKET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SHIELDMARKET_S3_REGION")
	setStr(&cfg.S3.Bucket, "SHIELDMARKET_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SHIELDMARKET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SHIELDMARKET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SHIELDMARKET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SHIELDMARKET_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SHIELDMARKET_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SHIELDMARKET_SERVER_PORT")
	setStr(&cfg.Server.HMACSecret, "SHIELDMARKET_SERVER_HMAC_SECRET")
	setDuration(&cfg.Server.HMACTolerance, "SHIELDMARKET_SERVER_HMAC_TOLERANCE")
	setInt(&cfg.Server.RateLimit, "SHIELDMARKET_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.WriteRateLimit, "SHIELDMARKET_SERVER_WRITE_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "SHIELDMARKET_SERVER_RATE_WINDOW")
	setStringSlice(&cfg.Server.CORSOrigins, "SHIELDMARKET_SERVER_CORS_ORIGINS")

	// ── AMM ──
	setInt64(&cfg.AMM.FeeBps, "SHIELDMARKET_AMM_FEE_BPS")
	setInt64(&cfg.AMM.ScaleFactor, "SHIELDMARKET_AMM_SCALE_FACTOR")
	setInt(&cfg.AMM.MaxPoolBatch, "SHIELDMARKET_AMM_MAX_POOL_BATCH")

	// ── Settlement ──
	setInt(&cfg.Settlement.MaxRetries, "SHIELDMARKET_SETTLEMENT_MAX_RETRIES")
	setInt(&cfg.Settlement.BatchSize, "SHIELDMARKET_SETTLEMENT_BATCH_SIZE")
	setInt(&cfg.Settlement.Workers, "SHIELDMARKET_SETTLEMENT_WORKERS")
	setDuration(&cfg.Settlement.PollInterval, "SHIELDMARKET_SETTLEMENT_POLL_INTERVAL")
	setDuration(&cfg.Settlement.ConfirmInterval, "SHIELDMARKET_SETTLEMENT_CONFIRM_INTERVAL")
	setInt64(&cfg.Settlement.ConfirmationThreshold, "SHIELDMARKET_SETTLEMENT_CONFIRMATION_THRESHOLD")
	setDuration(&cfg.Settlement.ConfirmTimeout, "SHIELDMARKET_SETTLEMENT_CONFIRM_TIMEOUT")
	setDuration(&cfg.Settlement.SignerTimeout, "SHIELDMARKET_SETTLEMENT_SIGNER_TIMEOUT")
	setDuration(&cfg.Settlement.AdapterTimeout, "SHIELDMARKET_SETTLEMENT_ADAPTER_TIMEOUT")
	setDuration(&cfg.Settlement.BackoffBase, "SHIELDMARKET_SETTLEMENT_BACKOFF_BASE")
	setDuration(&cfg.Settlement.BackoffMax, "SHIELDMARKET_SETTLEMENT_BACKOFF_MAX")
	setDuration(&cfg.Settlement.LeaseTimeout, "SHIELDMARKET_SETTLEMENT_LEASE_TIMEOUT")
	setStr(&cfg.Settlement.KeyID, "SHIELDMARKET_SETTLEMENT_KEY_ID")
	setBool(&cfg.Settlement.AllowNonShielded, "SHIELDMARKET_SETTLEMENT_ALLOW_NON_SHIELDED")
	setBool(&cfg.Settlement.RequireKYC, "SHIELDMARKET_SETTLEMENT_REQUIRE_KYC")
	setStr(&cfg.Settlement.EscrowAddress, "SHIELDMARKET_SETTLEMENT_ESCROW_ADDRESS")
	setStr(&cfg.Settlement.TreasuryAddress, "SHIELDMARKET_SETTLEMENT_TREASURY_ADDRESS")

	// ── Oracle ──
	setInt64(&cfg.Oracle.MinStake, "SHIELDMARKET_ORACLE_MIN_STAKE")
	setDuration(&cfg.Oracle.DisputeWindow, "SHIELDMARKET_ORACLE_DISPUTE_WINDOW")
	setInt64(&cfg.Oracle.SlashRewardBps, "SHIELDMARKET_ORACLE_SLASH_REWARD_BPS")
	setDuration(&cfg.Oracle.FinalizeInterval, "SHIELDMARKET_ORACLE_FINALIZE_INTERVAL")
	setInt(&cfg.Oracle.FinalizeBatch, "SHIELDMARKET_ORACLE_FINALIZE_BATCH")

	// ── Signer ──
	setStr(&cfg.Signer.Provider, "SHIELDMARKET_SIGNER_PROVIDER")
	setStr(&cfg.Signer.KMSURL, "SHIELDMARKET_SIGNER_KMS_URL")
	setStr(&cfg.Signer.KMSAPIKey, "SHIELDMARKET_SIGNER_KMS_API_KEY")
	setDuration(&cfg.Signer.KMSTimeout, "SHIELDMARKET_SIGNER_KMS_TIMEOUT")
	setStr(&cfg.Signer.PrivateKey, "SHIELDMARKET_SIGNER_PRIVATE_KEY")
	setStr(&cfg.Signer.EncryptedKeyPath, "SHIELDMARKET_SIGNER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Signer.KeyPassword, "SHIELDMARKET_SIGNER_KEY_PASSWORD")

	// ── Chain ──
	setStr(&cfg.Chain.Mode, "SHIELDMARKET_CHAIN_MODE")
	setStr(&cfg.Chain.RPCURL, "SHIELDMARKET_CHAIN_RPC_URL")
	setStr(&cfg.Chain.RPCSecret, "SHIELDMARKET_CHAIN_RPC_SECRET")
	setDuration(&cfg.Chain.RPCTimeout, "SHIELDMARKET_CHAIN_RPC_TIMEOUT")
	setStr(&cfg.Chain.Network, "SHIELDMARKET_CHAIN_NETWORK")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "SHIELDMARKET_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "SHIELDMARKET_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "SHIELDMARKET_ARCHIVE_CRON")
	setInt(&cfg.Archive.BatchSize, "SHIELDMARKET_ARCHIVE_BATCH_SIZE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SHIELDMARKET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SHIELDMARKET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SHIELDMARKET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SHIELDMARKET_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.SeedFile, "SHIELDMARKET_SEED_FILE")
	setStr(&cfg.Mode, "SHIELDMARKET_MODE")
	setStr(&cfg.LogLevel, "SHIELDMARKET_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

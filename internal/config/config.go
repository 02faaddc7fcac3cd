// Package config defines the top-level configuration for the shieldmarket
// settlement core and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SHIELDMARKET_* environment variables.
// Fields tagged secret:"true" are masked by Redacted.
type Config struct {
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	AMM        AMMConfig        `toml:"amm"`
	Settlement SettlementConfig `toml:"settlement"`
	Oracle     OracleConfig     `toml:"oracle"`
	Signer     SignerConfig     `toml:"signer"`
	Chain      ChainConfig      `toml:"chain"`
	Archive    ArchiveConfig    `toml:"archive"`
	Notify     NotifyConfig     `toml:"notify"`
	SeedFile   string           `toml:"seed_file"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters. Driver "memory"
// keeps all state in process and is meant for local development.
type DatabaseConfig struct {
	Driver        string   `toml:"driver"`
	DSN           string   `toml:"dsn" secret:"true"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password" secret:"true"`
	SSLMode       string   `toml:"ssl_mode"`
	PoolMaxConns  int      `toml:"pool_max_conns"`
	PoolMinConns  int      `toml:"pool_min_conns"`
	LockTimeout   duration `toml:"lock_timeout"`
	RunMigrations bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password" secret:"true"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key" secret:"true"`
	SecretKey      string `toml:"secret_key" secret:"true"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds the internal API parameters.
type ServerConfig struct {
	Enabled        bool     `toml:"enabled"`
	Port           int      `toml:"port"`
	HMACSecret     string   `toml:"hmac_secret" secret:"true"`
	HMACTolerance  duration `toml:"hmac_tolerance"`
	RateLimit      int      `toml:"rate_limit"`
	WriteRateLimit int      `toml:"write_rate_limit"`
	RateWindow     duration `toml:"rate_window"`
	CORSOrigins    []string `toml:"cors_origins"`
}

// AMMConfig holds pricing parameters.
type AMMConfig struct {
	FeeBps       int64 `toml:"fee_bps"`
	ScaleFactor  int64 `toml:"scale_factor"`
	MaxPoolBatch int   `toml:"max_pool_batch"`
}

// SettlementConfig holds job ledger and worker parameters.
type SettlementConfig struct {
	MaxRetries            int      `toml:"max_retries"`
	BatchSize             int      `toml:"batch_size"`
	Workers               int      `toml:"workers"`
	PollInterval          duration `toml:"poll_interval"`
	ConfirmInterval       duration `toml:"confirm_interval"`
	ConfirmationThreshold int64    `toml:"confirmation_threshold"`
	ConfirmTimeout        duration `toml:"confirm_timeout"`
	SignerTimeout         duration `toml:"signer_timeout"`
	AdapterTimeout        duration `toml:"adapter_timeout"`
	BackoffBase           duration `toml:"backoff_base"`
	BackoffMax            duration `toml:"backoff_max"`
	LeaseTimeout          duration `toml:"lease_timeout"`
	KeyID                 string   `toml:"key_id"`
	AllowNonShielded      bool     `toml:"allow_non_shielded"`
	RequireKYC            bool     `toml:"require_kyc"`
	EscrowAddress         string   `toml:"escrow_address"`
	TreasuryAddress       string   `toml:"treasury_address"`
}

// OracleConfig holds resolution protocol parameters.
type OracleConfig struct {
	MinStake         int64    `toml:"min_stake"`
	DisputeWindow    duration `toml:"dispute_window"`
	SlashRewardBps   int64    `toml:"slash_reward_bps"`
	FinalizeInterval duration `toml:"finalize_interval"`
	FinalizeBatch    int      `toml:"finalize_batch"`
}

// SignerConfig selects the signing backend.
type SignerConfig struct {
	Provider         string   `toml:"provider"`
	KMSURL           string   `toml:"kms_url"`
	KMSAPIKey        string   `toml:"kms_api_key" secret:"true"`
	KMSTimeout       duration `toml:"kms_timeout"`
	PrivateKey       string   `toml:"private_key" secret:"true"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password" secret:"true"`
}

// ChainConfig selects the chain adapter.
type ChainConfig struct {
	Mode       string   `toml:"mode"`
	RPCURL     string   `toml:"rpc_url"`
	RPCSecret  string   `toml:"rpc_secret" secret:"true"`
	RPCTimeout duration `toml:"rpc_timeout"`
	Network    string   `toml:"network"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
	BatchSize     int    `toml:"batch_size"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token" secret:"true"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url" secret:"true"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:        "postgres",
			Host:          "localhost",
			Port:          5432,
			Database:      "shieldmarket",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			LockTimeout:   duration{2 * time.Second},
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "shieldmarket-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:        true,
			Port:           8080,
			HMACTolerance:  duration{5 * time.Minute},
			RateLimit:      600,
			WriteRateLimit: 120,
			RateWindow:     duration{time.Minute},
		},
		AMM: AMMConfig{
			FeeBps:       30,
			ScaleFactor:  1_000_000,
			MaxPoolBatch: 100,
		},
		Settlement: SettlementConfig{
			MaxRetries:            5,
			BatchSize:             5,
			Workers:               2,
			PollInterval:          duration{2 * time.Second},
			ConfirmInterval:       duration{10 * time.Second},
			ConfirmationThreshold: 10,
			ConfirmTimeout:        duration{time.Hour},
			SignerTimeout:         duration{10 * time.Second},
			AdapterTimeout:        duration{15 * time.Second},
			BackoffBase:           duration{5 * time.Second},
			BackoffMax:            duration{10 * time.Minute},
			LeaseTimeout:          duration{5 * time.Minute},
			KeyID:                 "settlement-hot",
			AllowNonShielded:      false,
			RequireKYC:            true,
		},
		Oracle: OracleConfig{
			MinStake:         100_000_000,
			DisputeWindow:    duration{24 * time.Hour},
			SlashRewardBps:   0,
			FinalizeInterval: duration{time.Minute},
			FinalizeBatch:    50,
		},
		Signer: SignerConfig{
			Provider:   "mock",
			KMSTimeout: duration{10 * time.Second},
		},
		Chain: ChainConfig{
			Mode:       "mock",
			RPCTimeout: duration{15 * time.Second},
			Network:    "testnet",
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 30,
			Cron:          "0 3 * * *",
			BatchSize:     1000,
		},
		Notify: NotifyConfig{
			Events: []string{"job_failed", "dispute_escalated", "market_conflict", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"api":    true,
	"worker": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: api, worker, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Database
	switch c.Database.Driver {
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				errs = append(errs, "database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
			}
			if c.Database.Database == "" {
				errs = append(errs, "database: database must not be empty")
			}
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns < 0 {
			errs = append(errs, "database: pool_min_conns must be >= 0")
		}
		if c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
		}
	case "memory":
		if c.Mode != "full" {
			errs = append(errs, "database: driver memory requires mode full (state is per process)")
		}
	default:
		errs = append(errs, fmt.Sprintf("database: unknown driver %q (valid: postgres, memory)", c.Database.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled && c.Mode != "worker" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if len(c.Server.HMACSecret) < 16 {
			errs = append(errs, "server: hmac_secret must be at least 16 bytes")
		}
		if c.Server.HMACTolerance.Duration <= 0 {
			errs = append(errs, "server: hmac_tolerance must be > 0")
		}
	}

	// AMM
	if c.AMM.FeeBps < 0 || c.AMM.FeeBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("amm: fee_bps must be 0-9999, got %d", c.AMM.FeeBps))
	}
	if c.AMM.ScaleFactor <= 0 {
		errs = append(errs, "amm: scale_factor must be > 0")
	}
	if c.AMM.MaxPoolBatch < 1 {
		errs = append(errs, "amm: max_pool_batch must be >= 1")
	}

	// Settlement
	s := c.Settlement
	if s.MaxRetries < 0 {
		errs = append(errs, "settlement: max_retries must be >= 0")
	}
	if s.BatchSize < 1 {
		errs = append(errs, "settlement: batch_size must be >= 1")
	}
	if s.Workers < 1 {
		errs = append(errs, "settlement: workers must be >= 1")
	}
	if s.ConfirmationThreshold < 1 {
		errs = append(errs, "settlement: confirmation_threshold must be >= 1")
	}
	for name, d := range map[string]duration{
		"poll_interval":    s.PollInterval,
		"confirm_interval": s.ConfirmInterval,
		"confirm_timeout":  s.ConfirmTimeout,
		"signer_timeout":   s.SignerTimeout,
		"adapter_timeout":  s.AdapterTimeout,
		"backoff_base":     s.BackoffBase,
		"lease_timeout":    s.LeaseTimeout,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("settlement: %s must be > 0", name))
		}
	}
	// A claimed batch must finish well inside the lease, or the reaper hands
	// unprocessed jobs to another worker while this one still holds them.
	if budget := s.BatchBudget(); s.LeaseTimeout.Duration > 0 && s.LeaseTimeout.Duration <= budget {
		errs = append(errs, fmt.Sprintf(
			"settlement: lease_timeout %s must exceed batch_size * (signer_timeout + 2*adapter_timeout) = %s",
			s.LeaseTimeout.Duration, budget))
	}
	if s.BackoffMax.Duration < s.BackoffBase.Duration {
		errs = append(errs, "settlement: backoff_max must be >= backoff_base")
	}
	if s.KeyID == "" {
		errs = append(errs, "settlement: key_id must not be empty")
	}
	if s.AllowNonShielded && !s.RequireKYC {
		errs = append(errs, "settlement: allow_non_shielded has no effect without require_kyc")
	}
	if s.EscrowAddress == "" || s.TreasuryAddress == "" {
		errs = append(errs, "settlement: escrow_address and treasury_address must be set")
	}

	// Oracle
	if c.Oracle.MinStake <= 0 {
		errs = append(errs, "oracle: min_stake must be > 0")
	}
	if c.Oracle.DisputeWindow.Duration <= 0 {
		errs = append(errs, "oracle: dispute_window must be > 0")
	}
	if c.Oracle.SlashRewardBps < 0 || c.Oracle.SlashRewardBps > 10_000 {
		errs = append(errs, fmt.Sprintf("oracle: slash_reward_bps must be 0-10000, got %d", c.Oracle.SlashRewardBps))
	}
	if c.Oracle.FinalizeInterval.Duration <= 0 {
		errs = append(errs, "oracle: finalize_interval must be > 0")
	}

	// Signer
	switch c.Signer.Provider {
	case "mock":
		if c.Signer.EncryptedKeyPath != "" && c.Signer.KeyPassword == "" {
			errs = append(errs, "signer: key_password is required when encrypted_key_path is set")
		}
	case "kms":
		if c.Signer.KMSURL == "" {
			errs = append(errs, "signer: kms_url is required for provider kms")
		}
	default:
		errs = append(errs, fmt.Sprintf("signer: unknown provider %q (valid: mock, kms)", c.Signer.Provider))
	}

	// Chain
	switch c.Chain.Mode {
	case "mock":
	case "rpc":
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url is required for mode rpc")
		}
	default:
		errs = append(errs, fmt.Sprintf("chain: unknown mode %q (valid: mock, rpc)", c.Chain.Mode))
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron must have 5 fields, got %q", c.Archive.Cron))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// BatchBudget is the longest one claimed batch can take: each job may wait on
// the signer once and on the adapter twice (address check and broadcast).
func (s SettlementConfig) BatchBudget() time.Duration {
	return time.Duration(s.BatchSize) * (s.SignerTimeout.Duration + 2*s.AdapterTimeout.Duration)
}

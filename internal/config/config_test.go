package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Server.HMACSecret = "0123456789abcdef0123"
	cfg.Settlement.EscrowAddress = "zs1escrow"
	cfg.Settlement.TreasuryAddress = "zs1treasury"
	return cfg
}

func TestDefaultsValidateOnceSecretsSet(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	bare := Defaults()
	err := bare.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hmac_secret")
	assert.Contains(t, err.Error(), "escrow_address")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "trade"
	cfg.AMM.FeeBps = 10_000
	cfg.Oracle.SlashRewardBps = -1
	cfg.Signer.Provider = "hsm"
	cfg.Chain.Mode = "rpc"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "trade"`)
	assert.Contains(t, msg, "amm: fee_bps")
	assert.Contains(t, msg, "oracle: slash_reward_bps")
	assert.Contains(t, msg, `signer: unknown provider "hsm"`)
	assert.Contains(t, msg, "chain: rpc_url")
}

func TestValidatePrivacyFlags(t *testing.T) {
	cfg := validConfig()
	cfg.Settlement.AllowNonShielded = true
	cfg.Settlement.RequireKYC = false
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allow_non_shielded")
}

func TestValidateLeaseCoversClaimedBatch(t *testing.T) {
	cfg := validConfig()
	assert.Less(t, cfg.Settlement.BatchBudget(), cfg.Settlement.LeaseTimeout.Duration)

	// 25 * (10s + 2*15s) = 1000s, far beyond a 5m lease.
	cfg.Settlement.BatchSize = 25
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease_timeout 5m0s must exceed")
	assert.Contains(t, err.Error(), "16m40s")

	cfg.Settlement.LeaseTimeout.Duration = 20 * time.Minute
	require.NoError(t, cfg.Validate())
}

func TestValidateMemoryDriverNeedsFullMode(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Driver = "memory"
	require.NoError(t, cfg.Validate())

	cfg.Mode = "worker"
	require.Error(t, cfg.Validate())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "api"

[amm]
fee_bps = 50

[oracle]
dispute_window = "2h"

[settlement]
max_retries = 7
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("SHIELDMARKET_SERVER_HMAC_SECRET", "from-env-secret-value")
	t.Setenv("SHIELDMARKET_SETTLEMENT_ALLOW_NON_SHIELDED", "true")
	t.Setenv("SHIELDMARKET_SETTLEMENT_WORKERS", "not-a-number")
	t.Setenv("SHIELDMARKET_NOTIFY_EVENTS", "job_failed, ,error")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "api", cfg.Mode)
	assert.Equal(t, int64(50), cfg.AMM.FeeBps)
	assert.Equal(t, 2*time.Hour, cfg.Oracle.DisputeWindow.Duration)
	assert.Equal(t, 7, cfg.Settlement.MaxRetries)
	assert.Equal(t, "from-env-secret-value", cfg.Server.HMACSecret)
	assert.True(t, cfg.Settlement.AllowNonShielded)
	assert.Equal(t, 2, cfg.Settlement.Workers, "unparseable env keeps the default")
	assert.Equal(t, []string{"job_failed", "error"}, cfg.Notify.Events)
	// untouched sections keep defaults
	assert.Equal(t, int64(1_000_000), cfg.AMM.ScaleFactor)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Signer.PrivateKey = "deadbeef"
	cfg.Database.Password = "pw"
	cfg.Notify.Events = []string{"job_failed"}

	out := cfg.Redacted()
	assert.Equal(t, "***", out.Server.HMACSecret)
	assert.Equal(t, "***", out.Signer.PrivateKey)
	assert.Equal(t, "***", out.Database.Password)
	assert.Equal(t, "", out.Signer.KMSAPIKey)

	out.Notify.Events[0] = "mutated"
	assert.Equal(t, "job_failed", cfg.Notify.Events[0])
	assert.Equal(t, "0123456789abcdef0123", cfg.Server.HMACSecret)
	assert.Equal(t, cfg.Chain.Network, out.Chain.Network, "non-secret fields are kept")
}

func TestConfigLogValueIsRedacted(t *testing.T) {
	cfg := validConfig()
	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("config", slog.Any("config", &cfg))
	assert.NotContains(t, buf.String(), "0123456789abcdef0123")
	assert.Contains(t, buf.String(), `"HMACSecret":"***"`)
}

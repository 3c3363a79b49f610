package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalTOML = `
mode = "full"
storage = "memory"

[ledger]
base_url = "https://ledger.internal"
signing_key = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

[oracle]
base_url = "https://oracle.internal"
`

func TestLoadMergesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalTOML+`
[amm]
fee_bps = 100
max_liquidity_cap = "2500.5"

[market]
dispute_window = "48h"
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, 100, cfg.AMM.FeeBps)
	require.Equal(t, "2500.5", cfg.AMM.MaxLiquidityCap.String())
	require.Equal(t, 48*time.Hour, cfg.Market.DisputeWindow.Duration)
	// untouched defaults survive
	require.Equal(t, 1000, cfg.Settlement.PlatformFeeBps)
	require.Equal(t, "forfeit", cfg.Settlement.UnrevealedPolicy)
	require.False(t, cfg.Settlement.ClaimAfterDisputeWindow, "claims open on resolution")
	require.Equal(t, 5, cfg.Ledger.MaxAttempts)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SETTLE_AMM_FEE_BPS", "75")
	t.Setenv("SETTLE_SETTLEMENT_UNREVEALED_POLICY", "refund")
	t.Setenv("SETTLE_WORKERS_RECONCILE_GRACE", "90s")
	t.Setenv("SETTLE_SERVER_CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("SETTLE_COMMITMENT_MIN_AMOUNT", "5")
	t.Setenv("SETTLE_SERVER_PORT", "not-a-number")

	cfg, err := Load(writeConfig(t, minimalTOML))
	require.NoError(t, err)

	require.Equal(t, 75, cfg.AMM.FeeBps)
	require.Equal(t, "refund", cfg.Settlement.UnrevealedPolicy)
	require.Equal(t, 90*time.Second, cfg.Workers.ReconcileGrace.Duration)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	require.Equal(t, "5", cfg.Commitment.MinAmount.String())
	require.Equal(t, 8080, cfg.Server.Port, "unparsable override is ignored")
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.AMM.FeeBps = 10000
	cfg.Settlement.FeeLPBps = 0
	cfg.Settlement.UnrevealedPolicy = "burn"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, `unknown mode "trade"`)
	require.Contains(t, msg, "amm: fee_bps")
	require.Contains(t, msg, "must be 10000, got 7000")
	require.Contains(t, msg, "unrevealed_policy")
	require.Contains(t, msg, "ledger: base_url")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Ledger.SigningKey = "secret"
	cfg.Postgres.Password = "pw"
	cfg.Notify.Events = []string{"MarketDisputed"}

	red := RedactedConfig(&cfg)
	require.Equal(t, "***", red.Ledger.SigningKey)
	require.Equal(t, "***", red.Postgres.Password)
	require.Equal(t, "", red.Redis.Password)

	red.Notify.Events[0] = "changed"
	require.Equal(t, "MarketDisputed", cfg.Notify.Events[0])
	require.Equal(t, "secret", cfg.Ledger.SigningKey)
}

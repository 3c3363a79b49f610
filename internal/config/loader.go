package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// envPrefix is prepended to every environment override key.
const envPrefix = "SETTLE_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SETTLE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known SETTLE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Market ──
	setDuration(&cfg.Market.DisputeWindow, "MARKET_DISPUTE_WINDOW")
	setDuration(&cfg.Market.MinClosingLead, "MARKET_MIN_CLOSING_LEAD")

	// ── AMM ──
	setInt(&cfg.AMM.FeeBps, "AMM_FEE_BPS")
	setDecimal(&cfg.AMM.MaxLiquidityCap, "AMM_MAX_LIQUIDITY_CAP")
	setDecimal(&cfg.AMM.MinTrade, "AMM_MIN_TRADE")

	// ── Commitment ──
	setDecimal(&cfg.Commitment.MinAmount, "COMMITMENT_MIN_AMOUNT")

	// ── Settlement ──
	setInt(&cfg.Settlement.PlatformFeeBps, "SETTLEMENT_PLATFORM_FEE_BPS")
	setStr(&cfg.Settlement.UnrevealedPolicy, "SETTLEMENT_UNREVEALED_POLICY")
	setStr(&cfg.Settlement.PlatformAccount, "SETTLEMENT_PLATFORM_ACCOUNT")
	setInt(&cfg.Settlement.FeePlatformBps, "SETTLEMENT_FEE_PLATFORM_BPS")
	setInt(&cfg.Settlement.FeeCreatorBps, "SETTLEMENT_FEE_CREATOR_BPS")
	setInt(&cfg.Settlement.FeeLPBps, "SETTLEMENT_FEE_LP_BPS")
	setBool(&cfg.Settlement.ClaimAfterDisputeWindow, "SETTLEMENT_CLAIM_AFTER_DISPUTE_WINDOW")
	setDuration(&cfg.Settlement.OracleTimeout, "SETTLEMENT_ORACLE_TIMEOUT")

	// ── Ledger ──
	setStr(&cfg.Ledger.BaseURL, "LEDGER_BASE_URL")
	setInt64(&cfg.Ledger.ChainID, "LEDGER_CHAIN_ID")
	setDuration(&cfg.Ledger.Timeout, "LEDGER_TIMEOUT")
	setInt(&cfg.Ledger.MaxAttempts, "LEDGER_MAX_ATTEMPTS")
	setDuration(&cfg.Ledger.InitialBackoff, "LEDGER_INITIAL_BACKOFF")
	setDuration(&cfg.Ledger.MaxBackoff, "LEDGER_MAX_BACKOFF")
	setStr(&cfg.Ledger.SigningKey, "LEDGER_SIGNING_KEY")
	setStr(&cfg.Ledger.EncryptedKeyPath, "LEDGER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Ledger.KeyPassword, "LEDGER_KEY_PASSWORD")

	// ── Oracle ──
	setStr(&cfg.Oracle.BaseURL, "ORACLE_BASE_URL")
	setStr(&cfg.Oracle.StreamURL, "ORACLE_STREAM_URL")
	setStr(&cfg.Oracle.ApiKey, "ORACLE_API_KEY")
	setStr(&cfg.Oracle.ApiSecret, "ORACLE_API_SECRET")
	setStr(&cfg.Oracle.ApiPassphrase, "ORACLE_API_PASSPHRASE")
	setDuration(&cfg.Oracle.Timeout, "ORACLE_TIMEOUT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.StreamMaxLen, "REDIS_STREAM_MAX_LEN")
	setStr(&cfg.Redis.Namespace, "REDIS_NAMESPACE")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "S3_PREFIX")

	// ── Server ──
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "SERVER_RATE_WINDOW")
	setBool(&cfg.Server.WSBinary, "SERVER_WS_BINARY")
	setBool(&cfg.Server.MetricsEnable, "SERVER_METRICS_ENABLED")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// ── Workers ──
	setDuration(&cfg.Workers.CloseSweepInterval, "WORKERS_CLOSE_SWEEP_INTERVAL")
	setDuration(&cfg.Workers.OraclePollInterval, "WORKERS_ORACLE_POLL_INTERVAL")
	setDuration(&cfg.Workers.ReconcileInterval, "WORKERS_RECONCILE_INTERVAL")
	setDuration(&cfg.Workers.ReconcileGrace, "WORKERS_RECONCILE_GRACE")
	setDuration(&cfg.Workers.LockTTL, "WORKERS_LOCK_TTL")

	// ── Events ──
	setInt(&cfg.Events.BufferSize, "EVENTS_BUFFER_SIZE")
	setDuration(&cfg.Events.MaxBackoff, "EVENTS_MAX_BACKOFF")

	// ── Top-level ──
	setStr(&cfg.Storage, "STORAGE")
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func lookup(key string) string {
	return os.Getenv(envPrefix + key)
}

func setStr(dst *string, key string) {
	if v := lookup(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := lookup(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := lookup(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := lookup(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := lookup(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := lookup(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := lookup(key); v != "" {
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

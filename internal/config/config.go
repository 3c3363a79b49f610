// Package config defines the top-level configuration for the settlement
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SETTLE_* environment variables.
type Config struct {
	Market     MarketConfig     `toml:"market"`
	AMM        AMMConfig        `toml:"amm"`
	Commitment CommitmentConfig `toml:"commitment"`
	Settlement SettlementConfig `toml:"settlement"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Oracle     OracleConfig     `toml:"oracle"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Workers    WorkersConfig    `toml:"workers"`
	Events     EventsConfig     `toml:"events"`
	Storage    string           `toml:"storage"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// MarketConfig holds lifecycle parameters.
type MarketConfig struct {
	DisputeWindow duration `toml:"dispute_window"`
	// MinClosingLead is the minimum distance between creation and closing.
	MinClosingLead duration `toml:"min_closing_lead"`
}

// AMMConfig holds bonding-curve parameters.
type AMMConfig struct {
	FeeBps          int             `toml:"fee_bps"`
	MaxLiquidityCap decimal.Decimal `toml:"max_liquidity_cap"` // zero disables the cap
	MinTrade        decimal.Decimal `toml:"min_trade"`
}

// CommitmentConfig holds commit-reveal parameters.
type CommitmentConfig struct {
	MinAmount decimal.Decimal `toml:"min_amount"`
}

// SettlementConfig holds payout policy.
type SettlementConfig struct {
	// PlatformFeeBps is taken from the revealed prediction pool.
	PlatformFeeBps int `toml:"platform_fee_bps"`
	// UnrevealedPolicy is "forfeit" or "refund".
	UnrevealedPolicy string `toml:"unrevealed_policy"`
	PlatformAccount  string `toml:"platform_account"`
	// Trading fee split, must sum to 10000.
	FeePlatformBps int `toml:"fee_platform_bps"`
	FeeCreatorBps  int `toml:"fee_creator_bps"`
	FeeLPBps       int `toml:"fee_lp_bps"`
	// ClaimAfterDisputeWindow holds claims until the market is final.
	ClaimAfterDisputeWindow bool     `toml:"claim_after_dispute_window"`
	OracleTimeout           duration `toml:"oracle_timeout"`
}

// LedgerConfig holds the external ledger endpoint, signing key and retry
// budget.
type LedgerConfig struct {
	BaseURL          string   `toml:"base_url"`
	ChainID          int64    `toml:"chain_id"`
	Timeout          duration `toml:"timeout"`
	MaxAttempts      int      `toml:"max_attempts"`
	InitialBackoff   duration `toml:"initial_backoff"`
	MaxBackoff       duration `toml:"max_backoff"`
	SigningKey       string   `toml:"signing_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
}

// OracleConfig holds the consensus oracle endpoint and credentials.
type OracleConfig struct {
	BaseURL       string   `toml:"base_url"`
	StreamURL     string   `toml:"stream_url"`
	ApiKey        string   `toml:"api_key"`
	ApiSecret     string   `toml:"api_secret"`
	ApiPassphrase string   `toml:"api_passphrase"`
	Timeout       duration `toml:"timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
	Namespace    string `toml:"namespace"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port          int      `toml:"port"`
	APIKey        string   `toml:"api_key"`
	CORSOrigins   []string `toml:"cors_origins"`
	RateLimit     int      `toml:"rate_limit"`
	RateWindow    duration `toml:"rate_window"`
	WSBinary      bool     `toml:"ws_binary"`
	MetricsEnable bool     `toml:"metrics_enabled"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// WorkersConfig holds background sweep intervals.
type WorkersConfig struct {
	CloseSweepInterval duration `toml:"close_sweep_interval"`
	OraclePollInterval duration `toml:"oracle_poll_interval"`
	ReconcileInterval  duration `toml:"reconcile_interval"`
	ReconcileGrace     duration `toml:"reconcile_grace"`
	LockTTL            duration `toml:"lock_ttl"`
}

// EventsConfig holds dispatcher parameters.
type EventsConfig struct {
	// BufferSize is the per-sink backlog above which delivery lag is logged.
	BufferSize int      `toml:"buffer_size"`
	MaxBackoff duration `toml:"max_backoff"`
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

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Market: MarketConfig{
			DisputeWindow:  duration{7 * 24 * time.Hour},
			MinClosingLead: duration{time.Minute},
		},
		AMM: AMMConfig{
			FeeBps:          20,
			MaxLiquidityCap: decimal.NewFromInt(10_000_000),
			MinTrade:        decimal.New(1, -2),
		},
		Commitment: CommitmentConfig{
			MinAmount: decimal.New(1, -2),
		},
		Settlement: SettlementConfig{
			PlatformFeeBps:          1000,
			UnrevealedPolicy:        "forfeit",
			PlatformAccount:         "platform",
			FeePlatformBps:          5000,
			FeeCreatorBps:           2000,
			FeeLPBps:                3000,
			ClaimAfterDisputeWindow: false,
			OracleTimeout:           duration{24 * time.Hour},
		},
		Ledger: LedgerConfig{
			ChainID:        1,
			Timeout:        duration{10 * time.Second},
			MaxAttempts:    5,
			InitialBackoff: duration{200 * time.Millisecond},
			MaxBackoff:     duration{5 * time.Second},
		},
		Oracle: OracleConfig{
			Timeout: duration{10 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "settlement",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
			Namespace:    "settle",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "settlement-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:          8080,
			RateLimit:     120,
			RateWindow:    duration{time.Minute},
			MetricsEnable: true,
		},
		Workers: WorkersConfig{
			CloseSweepInterval: duration{30 * time.Second},
			OraclePollInterval: duration{time.Minute},
			ReconcileInterval:  duration{time.Minute},
			ReconcileGrace:     duration{2 * time.Minute},
			LockTTL:            duration{5 * time.Minute},
		},
		Events: EventsConfig{
			BufferSize: 1024,
			MaxBackoff: duration{30 * time.Second},
		},
		Storage:  "postgres",
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server": true,
	"worker": true,
	"full":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStorage = map[string]bool{
	"postgres": true,
	"memory":   true,
}

// Validate checks that the configuration is internally consistent and that
// all required fields are present. It returns a single error describing every
// problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, worker, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if !validStorage[strings.ToLower(c.Storage)] {
		errs = append(errs, fmt.Sprintf("unknown storage %q (valid: postgres, memory)", c.Storage))
	}

	// Market
	if c.Market.DisputeWindow.Duration <= 0 {
		errs = append(errs, "market: dispute_window must be > 0")
	}
	if c.Market.MinClosingLead.Duration < 0 {
		errs = append(errs, "market: min_closing_lead must be >= 0")
	}

	// AMM
	if c.AMM.FeeBps < 0 || c.AMM.FeeBps >= 10000 {
		errs = append(errs, fmt.Sprintf("amm: fee_bps must be 0-9999, got %d", c.AMM.FeeBps))
	}
	if c.AMM.MaxLiquidityCap.IsNegative() {
		errs = append(errs, "amm: max_liquidity_cap must be >= 0")
	}
	if c.AMM.MinTrade.IsNegative() {
		errs = append(errs, "amm: min_trade must be >= 0")
	}

	// Settlement
	if c.Settlement.PlatformFeeBps < 0 || c.Settlement.PlatformFeeBps > 10000 {
		errs = append(errs, fmt.Sprintf("settlement: platform_fee_bps must be 0-10000, got %d", c.Settlement.PlatformFeeBps))
	}
	switch c.Settlement.UnrevealedPolicy {
	case "forfeit", "refund":
	default:
		errs = append(errs, fmt.Sprintf("settlement: unrevealed_policy must be forfeit or refund, got %q", c.Settlement.UnrevealedPolicy))
	}
	if strings.TrimSpace(c.Settlement.PlatformAccount) == "" {
		errs = append(errs, "settlement: platform_account must not be empty")
	}
	split := c.Settlement.FeePlatformBps + c.Settlement.FeeCreatorBps + c.Settlement.FeeLPBps
	if c.Settlement.FeePlatformBps < 0 || c.Settlement.FeeCreatorBps < 0 || c.Settlement.FeeLPBps < 0 || split != 10000 {
		errs = append(errs, fmt.Sprintf("settlement: fee_platform_bps + fee_creator_bps + fee_lp_bps must be 10000, got %d", split))
	}

	// Ledger
	if strings.TrimSpace(c.Ledger.BaseURL) == "" {
		errs = append(errs, "ledger: base_url must not be empty")
	}
	if c.Ledger.MaxAttempts < 1 {
		errs = append(errs, "ledger: max_attempts must be >= 1")
	}
	if c.Ledger.SigningKey == "" && c.Ledger.EncryptedKeyPath == "" {
		errs = append(errs, "ledger: either signing_key or encrypted_key_path must be set")
	}
	if c.Ledger.EncryptedKeyPath != "" && c.Ledger.KeyPassword == "" {
		errs = append(errs, "ledger: key_password is required when encrypted_key_path is set")
	}

	// Oracle, needed for workers that poll consensus.
	if c.Mode != "server" && strings.TrimSpace(c.Oracle.BaseURL) == "" {
		errs = append(errs, "oracle: base_url must not be empty for mode "+c.Mode)
	}
	ok := c.Oracle.ApiKey != ""
	osec := c.Oracle.ApiSecret != ""
	op := c.Oracle.ApiPassphrase != ""
	if (ok || osec || op) && !(ok && osec && op) {
		errs = append(errs, "oracle: api_key, api_secret, and api_passphrase must all be set together")
	}

	// Postgres
	if strings.ToLower(c.Storage) == "postgres" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Mode != "worker" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Workers
	if c.Workers.CloseSweepInterval.Duration <= 0 || c.Workers.OraclePollInterval.Duration <= 0 ||
		c.Workers.ReconcileInterval.Duration <= 0 {
		errs = append(errs, "workers: intervals must be > 0")
	}

	if c.Events.BufferSize < 1 {
		errs = append(errs, "events: buffer_size must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

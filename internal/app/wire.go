package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/boxmeout/settlement/internal/blob/s3"
	"github.com/boxmeout/settlement/internal/cache/redis"
	"github.com/boxmeout/settlement/internal/config"
	"github.com/boxmeout/settlement/internal/crypto"
	"github.com/boxmeout/settlement/internal/domain"
	"github.com/boxmeout/settlement/internal/events"
	"github.com/boxmeout/settlement/internal/notify"
	"github.com/boxmeout/settlement/internal/platform/ledgerapi"
	"github.com/boxmeout/settlement/internal/platform/oracleapi"
	"github.com/boxmeout/settlement/internal/server/handler"
	"github.com/boxmeout/settlement/internal/store/memory"
	"github.com/boxmeout/settlement/internal/store/postgres"
)

// eventLog is an audit log that is also a dispatcher sink.
type eventLog interface {
	domain.EventLog
	events.Sink
}

// Dependencies bundles the infrastructure the application modes build the
// settlement core on. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	Markets     domain.MarketStore
	Commitments domain.CommitmentStore
	AMM         domain.AMMStore
	Settlements domain.SettlementStore
	Transfers   domain.TransferStore
	EventLog    eventLog

	// Redis
	SignalBus   domain.SignalBus
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter

	// Blob storage. Archiver is nil when S3 is disabled.
	Archiver *s3blob.Archiver

	// External services. Oracle and OracleAuth are nil when no oracle is
	// configured.
	Ledger     domain.LedgerClient
	Oracle     *oracleapi.Client
	OracleAuth *crypto.HMACAuth

	// Notifications
	Notifier *notify.Notifier

	// Checks probes every connected backend for /api/health.
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

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Stores ---
	switch strings.ToLower(cfg.Storage) {
	case "memory":
		logger.WarnContext(ctx, "wire: using in-memory storage, state is lost on exit")
		deps.Markets = memory.NewMarketStore()
		deps.Commitments = memory.NewCommitmentStore()
		deps.AMM = memory.NewAMMStore()
		deps.Settlements = memory.NewSettlementStore()
		deps.Transfers = memory.NewTransferStore()
		deps.EventLog = memory.NewEventLog()
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Markets = postgres.NewMarketStore(pool)
		deps.Commitments = postgres.NewCommitmentStore(pool)
		deps.AMM = postgres.NewAMMStore(pool)
		deps.Settlements = postgres.NewSettlementStore(pool)
		deps.Transfers = postgres.NewTransferStore(pool)
		deps.EventLog = postgres.NewEventLog(pool)
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		Namespace:  cfg.Redis.Namespace,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.Checks["redis"] = redisClient.Ping

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client))
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Ledger ---
	keyHex, err := crypto.LoadKey(crypto.KeyConfig{
		SigningKey:       cfg.Ledger.SigningKey,
		EncryptedKeyPath: cfg.Ledger.EncryptedKeyPath,
		KeyPassword:      cfg.Ledger.KeyPassword,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: ledger key: %w", err)
	}
	signer, err := crypto.NewSigner(keyHex, cfg.Ledger.ChainID)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: ledger signer: %w", err)
	}
	deps.Ledger = ledgerapi.New(cfg.Ledger.BaseURL, cfg.Ledger.Timeout.Duration, signer)
	logger.InfoContext(ctx, "wire: ledger client ready",
		slog.String("base_url", cfg.Ledger.BaseURL),
		slog.String("signer", signer.Address().Hex()),
	)

	// --- Oracle ---
	if cfg.Oracle.BaseURL != "" {
		if cfg.Oracle.ApiKey != "" {
			deps.OracleAuth = &crypto.HMACAuth{
				Key:        cfg.Oracle.ApiKey,
				Secret:     cfg.Oracle.ApiSecret,
				Passphrase: cfg.Oracle.ApiPassphrase,
			}
		}
		deps.Oracle = oracleapi.New(cfg.Oracle.BaseURL, cfg.Oracle.Timeout.Duration, deps.OracleAuth)
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
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	return deps, cleanup, nil
}

// Command settlementd runs the prediction-market settlement service. It
// loads configuration, validates it, sets up signal handling and starts the
// application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/boxmeout/settlement/internal/app"
	"github.com/boxmeout/settlement/internal/config"
	"github.com/boxmeout/settlement/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	encryptKey := flag.Bool("encrypt-key", false,
		"write ledger.signing_key to ledger.encrypted_key_path, encrypted under ledger.key_password, and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if *encryptKey {
		err := crypto.SealKey(crypto.KeyConfig{
			SigningKey:       cfg.Ledger.SigningKey,
			EncryptedKeyPath: cfg.Ledger.EncryptedKeyPath,
			KeyPassword:      cfg.Ledger.KeyPassword,
		})
		if err != nil {
			logger.Error("failed to encrypt signing key", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("signing key encrypted; remove ledger.signing_key from the config",
			slog.String("path", cfg.Ledger.EncryptedKeyPath),
		)
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	redacted := config.RedactedConfig(cfg)
	logger.Info("settlement service starting",
		slog.String("mode", cfg.Mode),
		slog.String("storage", cfg.Storage),
		slog.String("config", *configPath),
		slog.String("ledger", redacted.Ledger.BaseURL),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("settlement service stopped")
}

package app

import (
	"log/slog"

	"github.com/boxmeout/settlement/internal/amm"
	"github.com/boxmeout/settlement/internal/cache/redis"
	"github.com/boxmeout/settlement/internal/commitment"
	"github.com/boxmeout/settlement/internal/config"
	"github.com/boxmeout/settlement/internal/domain"
	"github.com/boxmeout/settlement/internal/events"
	"github.com/boxmeout/settlement/internal/ledger"
	"github.com/boxmeout/settlement/internal/lock"
	"github.com/boxmeout/settlement/internal/metrics"
	"github.com/boxmeout/settlement/internal/registry"
	"github.com/boxmeout/settlement/internal/settlement"
)

// Core is the settlement engine of one process: the four components, the
// gateway they share and the dispatcher their events flow through.
type Core struct {
	Dispatcher  *events.Dispatcher
	Registry    *registry.Registry
	Gateway     *ledger.Gateway
	Book        *commitment.Ledger
	Engine      *amm.Engine
	Coordinator *settlement.Coordinator
}

// BuildCore assembles the settlement core on deps. Every component shares
// one market lock table, so operations on a market serialise across them.
func BuildCore(cfg *config.Config, deps *Dependencies, logger *slog.Logger) *Core {
	m := metrics.Settlement()

	sinks := []events.Sink{redis.NewEventSink(deps.SignalBus)}
	if deps.Notifier != nil {
		sinks = append(sinks, deps.Notifier)
	}
	dispatcher := events.New(eventsConfig(cfg), m, logger, sinks, events.WithJournal(deps.EventLog))

	locks := lock.New()
	reg := registry.New(deps.Markets, locks, registryConfig(cfg), logger,
		registry.WithEvents(dispatcher),
		registry.WithMetrics(m),
	)
	gw := ledger.New(deps.Ledger, deps.Transfers, locks, ledgerConfig(cfg), logger,
		ledger.WithEvents(dispatcher),
		ledger.WithMetrics(m),
	)
	book := commitment.New(deps.Commitments, reg, gw, locks, commitment.Config{
		MinAmount: cfg.Commitment.MinAmount,
	}, logger,
		commitment.WithEvents(dispatcher),
		commitment.WithMetrics(m),
	)
	engine := amm.New(deps.AMM, reg, gw, locks, amm.Config{
		FeeBps:       cfg.AMM.FeeBps,
		MaxLiquidity: cfg.AMM.MaxLiquidityCap,
		MinTrade:     cfg.AMM.MinTrade,
		LPFeeBps:     lpFeeBps(cfg),
	}, logger,
		amm.WithEvents(dispatcher),
		amm.WithMetrics(m),
	)

	opts := []settlement.Option{
		settlement.WithEvents(dispatcher),
		settlement.WithMetrics(m),
	}
	if deps.Oracle != nil {
		opts = append(opts, settlement.WithOracle(deps.Oracle))
	}
	if deps.Archiver != nil {
		opts = append(opts, settlement.WithArchiver(deps.Archiver))
	}
	coord := settlement.New(deps.Settlements, reg, book, engine, gw, locks, settlementConfig(cfg), logger, opts...)

	return &Core{
		Dispatcher:  dispatcher,
		Registry:    reg,
		Gateway:     gw,
		Book:        book,
		Engine:      engine,
		Coordinator: coord,
	}
}

func registryConfig(cfg *config.Config) registry.Config {
	return registry.Config{
		DisputeWindow:  cfg.Market.DisputeWindow.Duration,
		MinClosingLead: cfg.Market.MinClosingLead.Duration,
	}
}

func ledgerConfig(cfg *config.Config) ledger.Config {
	return ledger.Config{
		MaxAttempts:    cfg.Ledger.MaxAttempts,
		InitialBackoff: cfg.Ledger.InitialBackoff.Duration,
		MaxBackoff:     cfg.Ledger.MaxBackoff.Duration,
		Grace:          cfg.Workers.ReconcileGrace.Duration,
	}
}

func settlementConfig(cfg *config.Config) settlement.Config {
	return settlement.Config{
		PlatformFeeBps:   cfg.Settlement.PlatformFeeBps,
		UnrevealedPolicy: settlement.UnrevealedPolicy(cfg.Settlement.UnrevealedPolicy),
		PlatformAccount:  cfg.Settlement.PlatformAccount,
		FeeSplit: settlement.FeeSplitBps{
			PlatformBps: cfg.Settlement.FeePlatformBps,
			CreatorBps:  cfg.Settlement.FeeCreatorBps,
			LPBps:       cfg.Settlement.FeeLPBps,
		},
		RequireFinality: cfg.Settlement.ClaimAfterDisputeWindow,
		OracleTimeout:   cfg.Settlement.OracleTimeout.Duration,
		OraclePoll:      cfg.Workers.OraclePollInterval.Duration,
	}
}

// lpFeeBps is the providers' cut of trading fees as settlement pays it:
// whatever the platform and the creator do not take.
func lpFeeBps(cfg *config.Config) int {
	return domain.BpsDenominator - cfg.Settlement.FeePlatformBps - cfg.Settlement.FeeCreatorBps
}

func eventsConfig(cfg *config.Config) events.Config {
	ec := events.DefaultConfig()
	if cfg.Events.BufferSize > 0 {
		ec.BufferSize = cfg.Events.BufferSize
	}
	if cfg.Events.MaxBackoff.Duration > 0 {
		ec.MaxBackoff = cfg.Events.MaxBackoff.Duration
	}
	return ec
}

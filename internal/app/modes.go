package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yxzhao/perpbot/internal/domain"
	"github.com/yxzhao/perpbot/internal/engine"
	"github.com/yxzhao/perpbot/internal/feed"
	"github.com/yxzhao/perpbot/internal/notify"
	"github.com/yxzhao/perpbot/internal/pipeline"
	"github.com/yxzhao/perpbot/internal/platform/binance"
	"github.com/yxzhao/perpbot/internal/platform/decider"
	"github.com/yxzhao/perpbot/internal/server"
	"github.com/yxzhao/perpbot/internal/server/handler"
	"github.com/yxzhao/perpbot/internal/server/ws"
)

// engineRuntime bundles the live engine components started by the trading and
// monitoring modes.
type engineRuntime struct {
	scheduler *engine.Scheduler
	ledger    *engine.Ledger
	monitor   *engine.Monitor
	feed      *feed.PriceFeed
}

// buildEngine constructs the scheduler and its collaborators. The decision
// service determines whether the engine trades (HTTP decider) or only
// monitors (decider.Hold).
func (a *App) buildEngine(deps *Dependencies, decisions domain.DecisionService) *engineRuntime {
	logger := slog.Default()
	clock := engine.RealClock()

	exchange := binance.NewClient(a.cfg.Binance.BaseURL)
	priceFeed := feed.NewPriceFeed(feed.Config{
		TTL:          a.cfg.Engine.QuoteTTL.Duration,
		PollInterval: a.cfg.Engine.PollInterval.Duration,
	}, exchange, deps.QuoteCache, clock, logger)

	ledger := engine.NewLedger(engine.LedgerConfig{
		MaxLeverage:  a.cfg.Engine.MaxLeverage,
		TakerFeeRate: a.cfg.Engine.TakerFeeRate,
	}, deps.PositionStore,
		domain.NewIsolatedMarginModel(a.cfg.Engine.MaintenanceMarginRate),
		clock, logger)

	monitor := engine.NewMonitor(engine.MonitorConfig{
		WarnThreshold:     a.cfg.Engine.WarnThreshold,
		CriticalThreshold: a.cfg.Engine.CriticalThreshold,
		RecoveryMargin:    a.cfg.Engine.RecoveryMargin,
		MaxQuoteAge:       a.cfg.Engine.MaxQuoteAge.Duration,
	}, clock, logger)

	sched := engine.NewScheduler(engine.SchedulerConfig{
		DecisionTimeout: a.cfg.Decider.Timeout.Duration,
		RetryBackoff:    a.cfg.Decider.RetryBackoff.Duration,
	}, clock,
		engine.NewWakeQueue(),
		engine.NewTriggerEngine(clock, logger),
		ledger, monitor, decisions, priceFeed,
		deps.AuditStore, deps.SignalBus, logger)

	return &engineRuntime{
		scheduler: sched,
		ledger:    ledger,
		monitor:   monitor,
		feed:      priceFeed,
	}
}

// startEngine restores persisted open positions, starts the scheduler, price
// feed, websocket stream, and notification forwarder, and registers the
// configured profiles.
func (a *App) startEngine(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *engineRuntime) error {
	if err := rt.ledger.Restore(ctx); err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}

	g.Go(func() error {
		return rt.scheduler.Run(ctx)
	})
	g.Go(func() error {
		return rt.feed.Run(ctx)
	})

	// Websocket mark price stream, when enabled. Symbols not covered by the
	// stream are still served by REST polling.
	if a.cfg.Binance.StreamEnabled {
		symbols := a.profileSymbols()
		if len(symbols) > 0 {
			stream := feed.NewStreamFeed(a.cfg.Binance.WsURL, symbols, rt.feed, slog.Default())
			g.Go(func() error {
				defer stream.Close()
				return stream.Run(ctx)
			})
		}
	}

	// Forward margin alerts and liquidation events to notification channels.
	forwarder := notify.NewEventForwarder(deps.Notifier, rt.monitor.Alerts(), deps.SignalBus, slog.Default())
	g.Go(func() error {
		return forwarder.Run(ctx)
	})

	// Register configured profiles once the scheduler loop is consuming
	// control messages.
	g.Go(func() error {
		for _, pc := range a.cfg.Profiles {
			p := pc.ToProfile()
			if err := rt.scheduler.RegisterProfile(ctx, p); err != nil {
				return fmt.Errorf("register profile %s: %w", p.ID, err)
			}
			a.logger.InfoContext(ctx, "profile registered",
				slog.String("profile_id", p.ID),
				slog.String("symbol", p.Symbol),
				slog.Int("triggers", len(p.Triggers)),
			)
		}
		return nil
	})

	return nil
}

// profileSymbols returns the distinct symbols referenced by configured
// profiles.
func (a *App) profileSymbols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range a.cfg.Profiles {
		if p.Symbol == "" || seen[p.Symbol] {
			continue
		}
		seen[p.Symbol] = true
		out = append(out, p.Symbol)
	}
	return out
}

// TradeMode runs the full engine with the external decision service: trigger
// evaluation, decision calls, position management, and liquidation
// monitoring.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	g, ctx := errgroup.WithContext(ctx)

	rt := a.buildEngine(deps, decider.NewClient(a.cfg.Decider.Endpoint, a.cfg.Decider.AuthToken))
	if err := a.startEngine(ctx, g, deps, rt); err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, rt)
	}

	return g.Wait()
}

// MonitorMode runs the engine with a hold-only decision service: positions
// are tracked, revalued, and liquidated, and margin alerts fire, but no new
// positions are opened by decisions.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	rt := a.buildEngine(deps, decider.Hold{})
	if err := a.startEngine(ctx, g, deps, rt); err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, rt)
	}

	return g.Wait()
}

// ServerMode serves the HTTP API over the stores without running the engine.
// Position and profile mutation endpoints are not registered in this mode.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, nil)
	return g.Wait()
}

// FullMode runs everything: the trading engine, the HTTP server, and the
// archive pipeline.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	rt := a.buildEngine(deps, decider.NewClient(a.cfg.Decider.Endpoint, a.cfg.Decider.AuthToken))
	if err := a.startEngine(ctx, g, deps, rt); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	if a.cfg.Pipeline.Enabled {
		if deps.BlobWriter == nil {
			return fmt.Errorf("full mode: pipeline enabled but blob storage is not wired")
		}
		arch := pipeline.NewArchiver(
			deps.PositionStore,
			deps.AuditStore,
			deps.BlobWriter,
			deps.Locks,
			a.cfg.Pipeline.ArchiveRetentionDays,
			slog.Default(),
		)
		cronExpr := a.cfg.Pipeline.ArchiveCron
		g.Go(func() error {
			return arch.RunCron(ctx, cronExpr)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, rt)
	}

	return g.Wait()
}

// startHTTPServer adds the HTTP server goroutines to the given errgroup. When
// rt is nil (server mode), only store-backed and health endpoints are
// registered.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *engineRuntime) {
	logger := slog.Default()

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(logger),
		Audit:  handler.NewAuditHandler(deps.AuditStore, logger),
	}
	if rt != nil {
		handlers.Positions = handler.NewPositionHandler(rt.scheduler, deps.PositionStore, logger)
		handlers.Profiles = handler.NewProfileHandler(rt.scheduler, logger)
		handlers.Alerts = handler.NewAlertHandler(rt.monitor, logger)
		handlers.Status = handler.NewStatusHandler(rt.scheduler, logger)
	}
	if deps.BlobReader != nil {
		handlers.Archives = handler.NewArchiveHandler(deps.BlobReader, logger)
	}
	if deps.SignalBus != nil {
		hub := ws.NewHub(deps.SignalBus, a.cfg.Mode, logger)
		handlers.Stream = hub
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
	}, handlers, deps.RateLimiter, logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

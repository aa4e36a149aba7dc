package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/intake"
	"github.com/derobiwan/trader-sub000/internal/reconcile"
	"github.com/derobiwan/trader-sub000/internal/server"
	"github.com/derobiwan/trader-sub000/internal/server/handler"
)

// shutdownTimeout bounds HTTP drain and in-flight protective closes.
const shutdownTimeout = 15 * time.Second

// TradeMode runs everything: the ticker feed, protection, the breaker, the
// reconciliation loop, signal intake, the archive job and the HTTP API.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")
	return a.runLive(ctx, deps, true)
}

// MonitorMode guards existing positions without accepting new trades. Open
// positions are re-armed, the breaker and reconciliation keep running and
// the API serves everything except signal submission.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	return a.runLive(ctx, deps, false)
}

func (a *App) runLive(ctx context.Context, deps *Dependencies, trading bool) error {
	if err := deps.Breaker.Load(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return deps.Notifier.Run(ctx) })
	g.Go(func() error { return deps.Ticker.Run(ctx) })

	// Positions left by a previous run get protection back before anything
	// else may trade.
	if err := deps.Trades.Resume(ctx); err != nil {
		a.logger.ErrorContext(ctx, "resume incomplete", slog.String("error", err.Error()))
	}

	g.Go(func() error { return deps.Breaker.Start(ctx) })
	g.Go(func() error { return deps.Trades.RunMarkToMarket(ctx, a.cfg.Breaker.MarkInterval.Duration) })
	g.Go(func() error {
		deps.Reconciler.Trigger(reconcile.TriggerStartup)
		return deps.Reconciler.Run(ctx)
	})
	g.Go(func() error { return deps.Executor.RunMaintenance(ctx, time.Minute) })

	if trading && a.cfg.Intake.Enabled {
		if deps.Bus == nil {
			a.logger.WarnContext(ctx, "signal intake needs redis, skipping")
		} else {
			consumer := intake.NewConsumer(intake.Config{
				Stream:       a.cfg.Intake.Stream,
				BatchSize:    a.cfg.Intake.BatchSize,
				PollInterval: a.cfg.Intake.PollInterval.Duration,
				DedupTTL:     a.cfg.Intake.DedupTTL.Duration,
				MaxAge:       a.cfg.Intake.MaxAge.Duration,
			}, deps.Bus, deps.Trades, a.logger)
			g.Go(func() error { return consumer.Run(ctx) })
		}
	}

	if deps.Archiver != nil {
		g.Go(func() error { return deps.Archiver.Start(ctx) })
	}

	if a.cfg.Server.Enabled {
		h := a.handlers(deps, trading)
		g.Go(func() error { return a.startHTTPServer(ctx, h, deps.RateLimiter) })
	}

	err := g.Wait()

	// Watchdogs stop but exchange stop orders stay resting.
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := deps.Protection.Shutdown(shutCtx); serr != nil {
		a.logger.Error("protection shutdown", slog.String("error", serr.Error()))
	}
	deps.Breaker.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ReconcileMode runs one reconciliation, logs the summary and returns.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")
	// Positions closed locally book their P&L on today's breaker.
	if err := deps.Breaker.Load(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	run, err := deps.Reconciler.Reconcile(ctx, reconcile.TriggerManual)
	if err != nil {
		return fmt.Errorf("app: reconcile: %w", err)
	}

	counts := make(map[domain.DiscrepancyType]int)
	for _, r := range run.Results {
		counts[r.Type]++
	}
	attrs := []any{
		slog.String("run_id", run.ID),
		slog.Int("checked", run.Checked),
		slog.Int("skipped", run.Skipped),
		slog.Int("discrepancies", run.Discrepancies()),
	}
	for typ, n := range counts {
		attrs = append(attrs, slog.Int(string(typ), n))
	}
	a.logger.InfoContext(ctx, "reconciliation finished", attrs...)
	return nil
}

func (a *App) handlers(deps *Dependencies, trading bool) server.Handlers {
	h := server.Handlers{
		Health:     handler.NewHealthHandler(a.cfg.Mode, deps.Pingers, a.logger),
		Positions:  handler.NewPositionHandler(deps.Trades, a.logger),
		Breaker:    handler.NewBreakerHandler(deps.Breaker, a.logger),
		Protection: handler.NewProtectionHandler(deps.Protection, a.logger),
		Reconcile:  handler.NewReconcileHandler(deps.Reconciliations, deps.Reconciler, a.logger),
		Audit:      handler.NewAuditHandler(deps.Audit, a.logger),
	}
	if trading {
		h.Signals = handler.NewSignalHandler(deps.Trades, a.logger)
	}
	return h
}

// startHTTPServer serves the API until ctx is cancelled, then drains.
func (a *App) startHTTPServer(ctx context.Context, h server.Handlers, limiter domain.RateLimiter) error {
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
		Metrics:     a.cfg.Metrics.Enabled,
	}, h, limiter, a.logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	}
}

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowctl/internal/app"
	"escrowctl/internal/balance"
	"escrowctl/internal/config"
	"escrowctl/internal/idempotency"
	"escrowctl/internal/server"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("startup error: %v", err)
	}
	defer a.Close()

	deps := server.Deps{
		Session:   a.Session,
		Actions:   a.Orchestrator,
		Views:     a.Dashboard,
		Notices:   a.Board,
		Metrics:   a.Metrics,
		RPCHealth: a.Ledger.Ping,
		Logger:    logger,
	}

	if cfg.Service.PostgresDSN != "" {
		pg, err := idempotency.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			log.Fatalf("idempotency store error: %v", err)
		}
		defer pg.Close()
		deps.Store = pg
		deps.DBHealth = pg.Ping
		go purgeLoop(ctx, cfg.Service.IdempotencyWindow, func() {
			if n, err := pg.Purge(ctx); err != nil {
				logger.Warn("purge replies", "err", err)
			} else if n > 0 {
				logger.Debug("purged replies", "count", n)
			}
		})
	} else {
		mem := idempotency.NewMemoryStore()
		deps.Store = mem
		go purgeLoop(ctx, cfg.Service.IdempotencyWindow, func() { mem.Purge() })
	}

	if a.Fetcher != nil {
		tracker := balance.NewTracker(a.Fetcher, a.Asset, cfg.Balance.PollInterval, a.Metrics, logger)
		tracker.Start(a.Session.Identity)
		defer tracker.Stop()
		deps.Balances = tracker
	}

	apiServer := server.NewServer(cfg, deps)

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Info("server stopped", "err", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}

func purgeLoop(ctx context.Context, every time.Duration, purge func()) {
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge()
		}
	}
}

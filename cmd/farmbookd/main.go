// Command farmbookd runs the local farm record daemon: a SQLite-backed
// store with an offline-first sync engine, a localhost REST API and a
// WebSocket event bridge for the UI shell.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grangeworks/farmbook/internal/bus"
	"github.com/grangeworks/farmbook/internal/config"
	"github.com/grangeworks/farmbook/internal/connectivity"
	"github.com/grangeworks/farmbook/internal/logging"
	"github.com/grangeworks/farmbook/internal/remote"
	"github.com/grangeworks/farmbook/internal/store"
	syncpkg "github.com/grangeworks/farmbook/internal/sync"
	"github.com/grangeworks/farmbook/internal/sync/breaker"
	"github.com/grangeworks/farmbook/internal/sync/queue"
	"github.com/grangeworks/farmbook/internal/sync/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Init(os.Stderr, "info")
		logging.Error("failed to load configuration", err, nil)
		os.Exit(1)
	}
	logging.Init(os.Stdout, cfg.LogLevel)

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		logging.Error("failed to open store", err, map[string]interface{}{
			"data_dir": cfg.DataDir,
		})
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		logging.Error("schema migration failed", err, nil)
		os.Exit(1)
	}

	eventBus := bus.New(cfg.Sync.DebounceWindow, 128)
	defer eventBus.Close()

	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.APIKey, cfg.Remote.RequestTimeout)
	monitor := connectivity.NewHTTPMonitor(cfg.Remote.BaseURL, cfg.Remote.RequestTimeout)
	guard := breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown)

	engine := syncpkg.NewOrchestrator(st, client, monitor, eventBus, guard, syncpkg.Options{
		Watchdog:       cfg.Sync.WatchdogTimeout,
		RetryAttempts:  cfg.Sync.RetryAttempts,
		RetryBaseDelay: cfg.Sync.RetryBaseDelay,
	})
	records := queue.NewManager(st, eventBus)

	sched := scheduler.New(engine, st, eventBus, &scheduler.Config{
		SyncInterval:  cfg.Sync.AutoSyncInterval,
		StatsInterval: cfg.Sync.StatsInterval,
		SyncTimeout:   cfg.Sync.WatchdogTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	defer sched.Stop()

	hub := newHub(eventBus)
	defer hub.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           newRouter(st, records, sched, hub),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logging.Info("farmbookd listening", map[string]interface{}{
			"address": cfg.ListenAddress,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("http server failed", err, nil)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logging.Info("shutting down", map[string]interface{}{"signal": s.String()})
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("http shutdown failed", err, nil)
	}
}

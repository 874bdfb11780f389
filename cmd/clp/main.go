package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/clp-proxy/clp/internal/auth"
	"github.com/clp-proxy/clp/internal/balancer"
	"github.com/clp-proxy/clp/internal/config"
	"github.com/clp-proxy/clp/internal/events"
	"github.com/clp-proxy/clp/internal/filter"
	"github.com/clp-proxy/clp/internal/proxy"
	"github.com/clp-proxy/clp/internal/reqlog"
	"github.com/clp-proxy/clp/internal/router"
	"github.com/clp-proxy/clp/internal/server"
	"github.com/clp-proxy/clp/internal/stats"
	"github.com/clp-proxy/clp/internal/transport"
)

var version = "dev"

func main() {
	cfg := config.Load()

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("clp starting", "version", version, "home", cfg.Home)

	for _, dir := range []string{cfg.DataDir(), cfg.RunDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("state dir create failed", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	st, err := stats.Open(filepath.Join(cfg.DataDir(), "clp_stats.db"))
	if err != nil {
		slog.Error("stats store init failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	tm := transport.NewManager(cfg)
	defer tm.Close()

	// Routing, balancing and auth state are shared between both services;
	// each service keeps its own configs, hub and request log.
	rt := router.New(cfg.DataDir())
	lb := balancer.New(cfg.DataDir())
	am := auth.NewManager(cfg.Home)

	newEngine := func(svc proxy.Service) *proxy.Engine {
		return &proxy.Engine{
			Service:    svc,
			Settings:   cfg,
			Configs:    config.NewStore(svc.Name, cfg.Home),
			Filters:    filter.NewChain(cfg.Home),
			Router:     rt,
			Balancer:   lb,
			Hub:        events.NewHub(svc.Name),
			Requests:   reqlog.New(svc.Name, cfg.DataDir(), reqlog.DefaultCapacity),
			Stats:      st,
			Transports: tm,
		}
	}

	servers := []*server.Server{
		server.New(fmt.Sprintf("%s:%d", cfg.ProxyHost, cfg.ClaudePort), newEngine(proxy.Claude()), am),
		server.New(fmt.Sprintf("%s:%d", cfg.ProxyHost, cfg.CodexPort), newEngine(proxy.Codex()), am),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tm.RunCleanup(ctx)
	go runStatsPurge(ctx, st)

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func() { errCh <- srv.Start() }()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("server shutdown failed", "addr", srv.Addr(), "error", err)
		}
	}
}

// runStatsPurge drops usage rows older than 90 days, once a day.
func runStatsPurge(ctx context.Context, st *stats.Store) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().Add(-90 * 24 * time.Hour)
			n, err := st.Purge(ctx, before)
			if err != nil {
				slog.Error("stats purge failed", "error", err)
			} else if n > 0 {
				slog.Info("purged old usage rows", "count", n)
			}
		}
	}
}

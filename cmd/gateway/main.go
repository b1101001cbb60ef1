package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

import (
	"github.com/gorilla/mux"
)

import (
	"github.com/nanjiek/pixiu-gateway/internal/admin"
	"github.com/nanjiek/pixiu-gateway/internal/analytics"
	"github.com/nanjiek/pixiu-gateway/internal/antibot"
	"github.com/nanjiek/pixiu-gateway/internal/config"
	"github.com/nanjiek/pixiu-gateway/internal/gateway"
	"github.com/nanjiek/pixiu-gateway/internal/identity"
	"github.com/nanjiek/pixiu-gateway/internal/limiter"
	"github.com/nanjiek/pixiu-gateway/internal/repo"
	"github.com/nanjiek/pixiu-gateway/internal/rules"
	"github.com/nanjiek/pixiu-gateway/internal/sysconfig"
	"github.com/nanjiek/pixiu-gateway/internal/ws"
)

func main() {
	confPath := flag.String("c", "", "path to config file (defaults apply when empty)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if *confPath != "" {
		cfg, err = config.Load(*confPath)
		if err != nil {
			logger.Error("failed to load config", "path", *confPath, "err", err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	store, err := repo.NewRedis(cfg, logger)
	if err != nil {
		logger.Error("failed to connect to redis", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	// Runtime settings: seed defaults once, then serve from the store.
	settings := sysconfig.NewService(store, logger)
	if err := settings.Bootstrap(rootCtx); err != nil {
		logger.Error("failed to bootstrap system config", "err", err)
		os.Exit(1)
	}

	// Rule cache: seed bootstrap rules, load, and keep following changes.
	ruleCache := rules.NewCache(store, logger)
	if err := ruleCache.Bootstrap(rootCtx, cfg.BootstrapRules); err != nil {
		logger.Error("failed to bootstrap rules", "err", err)
		os.Exit(1)
	}
	go ruleCache.StartWatcher(rootCtx)

	// Data plane services.
	queues := limiter.NewQueueAccountant(logger)
	go queues.StartSweeper(rootCtx)

	engine := limiter.NewEngine(store, identity.NewResolver(logger), queues, logger)
	validator := antibot.NewValidator(settings, logger)

	analyticsSvc := analytics.NewService(store, settings, ruleCache, logger)
	go analyticsSvc.StartAggregator(rootCtx)

	broadcaster := ws.NewBroadcaster(analyticsSvc, logger)
	go broadcaster.StartPublisher(rootCtx)

	// Public data plane.
	publicHandler := gateway.NewHandler(cfg.Gateway, ruleCache, engine, validator, analyticsSvc, logger)
	publicSrv := &http.Server{
		Addr:              cfg.Server.PublicAddr,
		Handler:           publicHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Admin plane, loopback-bound.
	adminRouter := mux.NewRouter()
	admin.NewServer(ruleCache, settings, analyticsSvc, broadcaster, logger).RegisterRoutes(adminRouter)
	adminSrv := &http.Server{
		Addr:              cfg.Server.AdminAddr,
		Handler:           adminRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("public gateway listening", "addr", cfg.Server.PublicAddr, "pid", os.Getpid())
		if err := publicSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("public server failed", "err", err)
			os.Exit(1)
		}
	}()
	go func() {
		logger.Info("admin plane listening", "addr", cfg.Server.AdminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server failed", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
	cancelRoot()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := publicSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("public server shutdown failed", "err", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "err", err)
	}
	logger.Info("server exited properly")
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"crdt-editor/internal/api"
	"crdt-editor/internal/config"
	"crdt-editor/internal/discovery"
	"crdt-editor/internal/logging"
	"crdt-editor/internal/session"
	"crdt-editor/internal/store"
	"crdt-editor/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("error").Errorf("config: %v", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	redacted := cfg
	redacted.RedisPassword = ""
	logger.Dump("config", redacted)

	openCtx, openCancel := context.WithTimeout(context.Background(), 15*time.Second)
	st, err := store.Open(openCtx, store.Options{
		Driver:        cfg.StoreDriver,
		DSN:           cfg.StoreDSN,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
	})
	openCancel()
	if err != nil {
		logger.Errorf("open %s store: %v", cfg.StoreDriver, err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Infof("document store: %s", cfg.StoreDriver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		relay  session.Relay
		health api.Pinger
		rr     *transport.RedisRelay
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		rr = transport.NewRedisRelay(rdb, logger)
		defer rr.Close()
		relay, health = rr, rr
	}

	mgr := session.NewManager(session.NewRegistry(), st, relay, logger, session.Options{
		InactivityTimeout: cfg.InactivityTimeout.Std(),
		CleanupInterval:   cfg.CleanupInterval.Std(),
		SessionGrace:      cfg.SessionGrace.Std(),
		ActivityWindow:    cfg.ActivityWindow.Std(),
		SaveTimeout:       cfg.SaveTimeout.Std(),
		SyncTimeout:       cfg.SyncTimeout.Std(),
		MaxParticipants:   cfg.MaxParticipants,
		Strategy:          cfg.ConflictStrategy,
	})
	go mgr.Run(ctx)
	if rr != nil {
		go func() {
			if err := rr.Run(ctx, mgr.HandleRelayed); err != nil {
				logger.Errorf("relay stopped: %v", err)
			}
		}()
		logger.Infof("relaying sessions through redis at %s", cfg.RedisAddr)
	}

	ws := transport.NewHandler(mgr, logger, cfg.SendBuffer)
	router := api.NewRouter(api.NewHandler(mgr, st, health, logger), ws, logger)
	srv := &http.Server{Addr: cfg.Addr(), Handler: router, ReadHeaderTimeout: 10 * time.Second}

	if cfg.MDNSEnabled {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil {
			logger.Warnf("mdns disabled, port %q is not numeric", cfg.Port)
		} else if adv, err := discovery.Advertise(cfg.MDNSInstance, mgr.InstanceID(), port); err != nil {
			logger.Warnf("mdns advertisement failed: %v", err)
		} else {
			defer adv.Shutdown()
			logger.Infof("advertising %s on %s", discovery.Service, discovery.Domain)
		}
	}

	go func() {
		logger.Infof("server listening on %s (instance %s, strategy %s)", cfg.Addr(), mgr.InstanceID(), cfg.ConflictStrategy)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	// hijacked websocket connections are not covered by srv.Shutdown
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("session shutdown: %v", err)
	}
	cancel()
}

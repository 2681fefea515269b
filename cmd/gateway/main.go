package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"

	"github.com/quickserve/realtime/internal/auth"
	"github.com/quickserve/realtime/internal/backplane"
	"github.com/quickserve/realtime/internal/config"
	"github.com/quickserve/realtime/internal/gateway"
	"github.com/quickserve/realtime/internal/identity"
	"github.com/quickserve/realtime/internal/limits"
	"github.com/quickserve/realtime/internal/monitoring"
	"github.com/quickserve/realtime/internal/notify"
	"github.com/quickserve/realtime/internal/presence"
	"github.com/quickserve/realtime/internal/rooms"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	startupLog := log.New(os.Stdout, "[RT] ", log.LstdFlags)

	// automaxprocs has already clamped GOMAXPROCS to the container CPU limit.
	startupLog.Printf("GOMAXPROCS: %d", runtime.GOMAXPROCS(0))

	cfg, err := config.Load(nil)
	if err != nil {
		startupLog.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	if cfg.BypassEnabled() {
		logger.Warn().Msg("AUTH BYPASS ENABLED: all connections accepted without token verification")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// Presence records and the blacklist mirror degrade to in-process
		// state; identity lookups will fail closed until Redis returns.
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).
			Msg("Redis unreachable at startup, running degraded")
	}
	pingCancel()

	sink := monitoring.NewEventSink(logger, 1024)
	defer sink.Close()

	directory := identity.NewRedisDirectory(rdb, logger)
	blacklist := auth.NewBlacklist(rdb, logger)
	defer blacklist.Stop()

	verifier := auth.NewVerifier(auth.VerifierConfig{
		Secret:        cfg.TokenSecret,
		Issuer:        cfg.TokenIssuer,
		Leeway:        cfg.TokenLeeway,
		LookupTimeout: cfg.LookupTimeout,
	}, directory, directory, blacklist, logger)

	bp, err := backplane.New(backplane.Config{
		URL:           cfg.NATSURL,
		MaxReconnects: cfg.NATSMaxReconnects,
		ReconnectWait: cfg.NATSReconnectWait,
	}, logger)
	if err != nil {
		if cfg.BackplaneRequired {
			logger.Fatal().Err(err).Msg("Backplane required but unavailable")
		}
		logger.Warn().Err(err).Msg("Backplane unavailable, running single-instance")
	}
	defer bp.Close()

	router := rooms.NewRouter(bp, directory, logger)
	bp.SetDeliverer(router)

	presenceStore := presence.NewStore(rdb, cfg.HeartbeatTimeout*2, logger)
	presenceSvc := presence.NewService(cfg.HeartbeatTimeout, presenceStore, router, bp, logger)
	bp.SetPresenceHandler(func(u backplane.PresenceUpdate) {
		presenceSvc.ApplyRemote(u.EntityID, u.IsOnline, u.LastSeenAt)
	})
	defer presenceSvc.Stop()

	consumer := notify.NewConsumerManager(router, sink, logger)
	merchant := notify.NewMerchantManager(router, sink, logger)
	dispatcher := notify.NewDispatcher(consumer, merchant, logger)
	bp.SetNotifyHandler(func(req backplane.NotifyRequest) {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.LookupTimeout)
		defer cancel()
		if err := dispatcher.Notify(ctx, identity.TenantType(req.Tenant), req.TargetID, notify.EventType(req.EventType), req.Data); err != nil {
			logger.Warn().Err(err).Str("event_type", req.EventType).
				Str("target_id", req.TargetID).Msg("Failed to dispatch business event")
		}
	})

	limiter := limits.NewConnectionRateLimiter(limits.RateLimiterConfig{
		Threshold:   cfg.RateLimitThreshold,
		Window:      cfg.RateLimitWindow,
		GlobalBurst: cfg.RateLimitGlobal,
		Logger:      logger,
	})
	defer limiter.Stop()

	gw := gateway.New(gateway.Options{
		Config:    cfg,
		Logger:    logger,
		Verifier:  verifier,
		Router:    router,
		Presence:  presenceSvc,
		Consumer:  consumer,
		Authz:     directory,
		Limiter:   limiter,
		Sink:      sink,
		Backplane: bp,
	})

	maxConns := limits.ConnectionCap(cfg.MaxConnections)
	if maxConns < cfg.MaxConnections {
		logger.Info().Int("configured", cfg.MaxConnections).Int("effective", maxConns).
			Msg("Connection limit clamped to container memory allocation")
	}
	guard := limits.NewResourceGuard(maxConns, cfg.CPURejectThreshold, logger, gw.ConnCounter())
	gw.SetGuard(guard)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go guard.StartMonitoring(runCtx, 5*time.Second)
	go presenceSvc.Run(runCtx, cfg.SweepInterval)

	if err := gw.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start gateway")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	runCancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown did not complete cleanly")
	}

	_ = rdb.Close()
	logger.Info().Msg("Gateway stopped")
}

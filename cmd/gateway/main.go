package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	_ "go.uber.org/automaxprocs"

	"github.com/odin-gateway/realtime-gateway/internal/acl"
	"github.com/odin-gateway/realtime-gateway/internal/auth"
	"github.com/odin-gateway/realtime-gateway/internal/bus"
	"github.com/odin-gateway/realtime-gateway/internal/config"
	"github.com/odin-gateway/realtime-gateway/internal/distributor"
	"github.com/odin-gateway/realtime-gateway/internal/gateway"
	"github.com/odin-gateway/realtime-gateway/internal/logging"
	"github.com/odin-gateway/realtime-gateway/internal/metrics"
	"github.com/odin-gateway/realtime-gateway/internal/presence"
	"github.com/odin-gateway/realtime-gateway/internal/publish"
	"github.com/odin-gateway/realtime-gateway/internal/ratelimit"
	"github.com/odin-gateway/realtime-gateway/internal/store"
	"github.com/odin-gateway/realtime-gateway/internal/subscription"
	"github.com/odin-gateway/realtime-gateway/internal/topic"
	"github.com/odin-gateway/realtime-gateway/internal/transport"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "optional path to a .env file to preload")
	flag.Parse()

	if configPath != "" {
		_ = godotenv.Load(configPath)
	} else {
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := metrics.New()

	st, err := store.New(store.Config{
		Addr:        cfg.Store.Addr,
		Password:    cfg.Store.Password,
		DB:          cfg.Store.DB,
		DialTimeout: cfg.Store.DialTimeout,
		CallTimeout: cfg.Store.CallTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect to store", zap.Error(err))
	}
	defer st.Close()

	distributorStore := st.Duplicate()
	defer distributorStore.Close()

	replicaID := replicaIdentity()

	topics := topic.New(st, topic.Options{
		Prefix:              cfg.Event.Prefix,
		ReplicaID:           replicaID,
		MaxTopicBufferSize:  cfg.Event.MaxTopicBufferSize,
		MaxSubscriberQueue:  cfg.Event.MaxSubscriberQueueSize,
		SlowClientThreshold: cfg.Event.SlowClientThreshold,
	}, registry, logger)

	presenceTracker := presence.New(st, cfg.Event.Prefix)

	aclSource := staticAllowSource{}
	aclCache, err := acl.New(st, cfg.Event.Prefix, aclSource, acl.Config{
		TTL:        cfg.ACL.CacheTTL,
		Production: cfg.Environment == "production",
	}, registry, logger)
	if err != nil {
		logger.Fatal("failed to build acl cache", zap.Error(err))
	}

	limiter := ratelimit.New(st, registry, logger)

	eventBus := bus.New()

	dist := distributor.New(distributorStore, cfg.Event.Prefix, topics, eventBus, replicaID, logger)
	go func() {
		if err := dist.Run(ctx); err != nil {
			logger.Error("distributor exited", zap.Error(err))
		}
	}()

	go runReaper(ctx, topics, cfg.Event.ReaperInterval, logger)

	sampler := metrics.NewSystemSampler(registry)
	go sampler.Run(ctx, 15*time.Second)

	publisher := publish.New(topics, aclCache, limiter, eventBus, publish.Config{
		Prefix:            cfg.Event.Prefix,
		MaxPayloadBytes:   cfg.Event.MaxPayloadBytes,
		UserActionWindow:  cfg.Event.RateLimitWindow,
		UserActionLimit:   cfg.Event.RateLimitMaxRequests,
		TenantTopicWindow: cfg.Event.RateLimitWindow,
		TenantTopicLimit:  cfg.Event.RateLimitMaxRequests * 10,
		GlobalWindow:      cfg.Event.RateLimitWindow,
		GlobalLimit:       cfg.Event.RateLimitMaxRequests * 1000,
	}, registry, logger)

	authMgr := auth.NewManager(cfg.Auth.JWTSecret, 24*time.Hour)

	streamCfg := subscription.Config{DurabilityEnabled: cfg.Event.DurabilityEnabled}

	httpServer := transport.New(transport.Options{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, authMgr, publisher, topics, presenceTracker, streamCfg, aclCache, eventBus, registry, logger)

	if cfg.Metrics.Enabled {
		go runMetricsServer(cfg.Metrics.ListenAddr, cfg.Metrics.Endpoint, registry, logger)
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr()), zap.String("replicaId", replicaID))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
}

func runMetricsServer(addr, endpoint string, registry *metrics.Registry, logger *zap.Logger) {
	if addr == "" {
		addr = ":9095"
	}
	if endpoint == "" {
		endpoint = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(endpoint, registry.Handler())
	logger.Info("metrics server listening", zap.String("addr", addr), zap.String("endpoint", endpoint))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", zap.Error(err))
	}
}

func runReaper(ctx context.Context, topics *topic.Manager, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := topics.Reap(ctx)
			if err != nil {
				logger.Warn("reaper pass failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("reaped inactive subscribers", zap.Int("count", removed))
			}
		}
	}
}

func replicaIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "replica-unknown"
	}
	return host
}

// staticAllowSource is the dev-only stand-in for the external ACL
// collaborator named in spec §1; it grants every authenticated
// principal access and exists so the transport is runnable without a
// separate ACL service wired up.
type staticAllowSource struct{}

func (staticAllowSource) CheckTopicAccess(ctx context.Context, principal gateway.Principal, topic string) (bool, error) {
	return true, nil
}

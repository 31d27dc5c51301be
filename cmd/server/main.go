// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/batcher"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/control"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/gateway"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/health"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/history"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/logging"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/metacache"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/protocol/bridge"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/session"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/storage/sqlite"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/supervisor"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/telemetry"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/tenants"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/config"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/plugins"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/plugins/jms"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/plugins/kafka"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/plugins/mqtt5"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/plugins/rabbitmq"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/plugins/solace"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "/etc/conversation-engine/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}))

	if err := run(cfg, configPath, logger); err != nil {
		logger.Error("conversation engine failed", "error", err)
		os.Exit(1)
	}
	logger.Info("conversation engine stopped")
}

func run(cfg *config.Config, configPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	metrics := telemetry.NewMetrics()
	pushLog := logging.NewPushLogger(logger.With("component", "push"))

	store, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	outbound, err := metacache.NewStore(cfg.Cache.Outbound)
	if err != nil {
		return err
	}

	queues := plugins.NewRegistry(logger)
	registerQueues(cfg, queues, logger)
	if cfg.ImportQueue.Active != "" {
		if err := queues.SetActive(cfg.ImportQueue.Active); err != nil {
			return err
		}
	}
	connected := queues.ConnectAll(ctx)
	logger.Info("import queues connected", "connected", connected, "configured", len(cfg.ImportQueue.Queues))

	tenantTable := tenants.NewTable()
	tenantTable.ReplaceAll(cfg.TenantSettings())

	hub := gateway.NewRoomHub(logger, metrics)
	events := batcher.New(batcher.Config{
		Debounce:      cfg.Batcher.Debounce,
		FlushInterval: cfg.Batcher.FlushInterval,
		TTL:           cfg.Batcher.TTL,
		MaxBatchSize:  cfg.Batcher.MaxBatchSize,
	}, hub, clock, logger).WithPushLogger(pushLog).WithMetrics(metrics)

	auth := gateway.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, clock)
	limiter := gateway.NewRateLimitTracker(cfg.RateLimit.Threshold, cfg.RateLimit.HighWater, cfg.RateLimit.PruneInterval, clock, logger)
	gw := gateway.New(gateway.Config{
		TrustProxy:     cfg.Server.TrustProxy,
		SendBuffer:     cfg.Server.SendBuffer,
		WriteWait:      cfg.Server.WriteWait,
		PongWait:       cfg.Server.PongWait,
		MaxMessageSize: cfg.Server.MaxMessageSize,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, auth, limiter, hub, store, logger).WithMetrics(metrics)

	importer := history.NewCoordinator(cfg.History, queues, store, events, clock, logger).WithMetrics(metrics)

	supCfg := supervisor.DefaultConfig()
	supCfg.Reconnect = cfg.Reconnect.ToPolicy()
	supCfg.PairingAttemptCap = cfg.Session.PairingAttemptCap
	supCfg.ConnectTimeout = cfg.Session.ConnectTimeout
	supCfg.PersistTimeout = cfg.Session.PersistTimeout
	supCfg.Cache = cfg.Cache.Groups

	deps := supervisor.Deps{
		Factory:      bridge.NewFactory(cfg.Protocol, logger),
		Persistence:  store,
		Credentials:  store,
		Emitter:      events,
		Importer:     importer,
		Tenants:      tenantTable,
		MessageStore: outbound,
		Clock:        clock,
		Logger:       logger,
		Metrics:      metrics,
	}
	sessions := session.NewRegistry(func(spec core.SessionSpec) session.Supervisor {
		return supervisor.New(spec, supCfg, deps)
	}, logger, metrics)

	for _, spec := range cfg.Sessions {
		if _, err := sessions.Start(ctx, spec); err != nil {
			logger.Error("failed to start session", "session_id", spec.ID, "error", err)
		}
	}

	sweeper := session.NewSweeper(sessions, cfg.Session.SweepInterval, cfg.Session.TerminalGrace, clock, logger)
	watcher := config.NewWatcher(configPath, tenantTable, clock, logger)
	api := control.New(ctx, sessions, events, store, cfg.Server.ControlToken, logger)

	checks := health.NewHandler()
	checks.AddChecker(health.NewSessionsChecker(sessions.ActiveCount))
	checks.AddChecker(health.NewQueueChecker(queues))
	checks.AddChecker(health.NewPingChecker("sqlite", store.Ping, 2*time.Second))
	if rs, ok := outbound.(*metacache.RedisStore); ok {
		checks.AddChecker(health.NewPingChecker("redis", rs.Ping, 2*time.Second))
	}
	checks.AddChecker(health.NewProcessChecker(cfg.Server.MaxRSSBytes))

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.Handle("/api/", api.Handler())
	mux.Handle("GET /metrics", metrics.Handler())
	checks.Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return events.Run(gctx) })
	g.Go(func() error { return limiter.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return watcher.Watch(gctx) })
	g.Go(func() error {
		logger.Info("conversation engine listening", "addr", cfg.Server.Addr, "config", configPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down conversation engine")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()

		sessions.RemoveAll()
		gw.CloseAll()
		err := srv.Shutdown(shutdownCtx)
		queues.StopAll(shutdownCtx)
		return err
	})

	return g.Wait()
}

func registerQueues(cfg *config.Config, reg *plugins.Registry, logger *slog.Logger) {
	for _, q := range cfg.ImportQueue.Queues {
		c := q.Config
		switch q.Type {
		case "kafka":
			reg.Register(kafka.New(q.Name, strings.Split(c["brokers"], ","), c["topic"], logger))
		case "rabbitmq":
			reg.Register(rabbitmq.New(q.Name, c["url"], c["queue"], logger))
		case "mqtt5":
			reg.Register(mqtt5.New(q.Name, c["url"], c["topic"], logger))
		case "jms":
			reg.Register(jms.New(q.Name, c["url"], c["address"], logger))
		case "solace":
			reg.Register(solace.New(q.Name, c["host"], c["vpn"], c["username"], c["password"], c["topic"], logger))
		default:
			logger.Warn("unknown import queue type", "name", q.Name, "type", q.Type)
		}
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

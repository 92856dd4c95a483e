// Command gatewayd is the process entrypoint: wires configuration, every
// C1-C11 component, and the HTTP/WebSocket listener together, then blocks
// until a shutdown signal. Adapted from the teacher's main.go bootstrap
// order (load config -> build engine -> build gateway -> wait for signal)
// generalized from the teacher's channel-builder chain into this protocol's
// fixed one-transport wiring.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"chatgateway/pkg/backend"
	_ "chatgateway/pkg/backend/anthropic"
	_ "chatgateway/pkg/backend/demo"
	_ "chatgateway/pkg/backend/gemini"
	_ "chatgateway/pkg/backend/ollama"
	_ "chatgateway/pkg/backend/openaicompat"
	"chatgateway/pkg/bus"
	"chatgateway/pkg/config"
	"chatgateway/pkg/history"
	"chatgateway/pkg/httpapi"
	"chatgateway/pkg/idempotency"
	"chatgateway/pkg/mcp"
	"chatgateway/pkg/periodic"
	"chatgateway/pkg/router"
	"chatgateway/pkg/runengine"
	"chatgateway/pkg/telemetry"
	"chatgateway/pkg/tools"
	"chatgateway/pkg/wsgateway"
)

const serverVersion = "3.0.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, sysCfg, err := config.Load()
	if err != nil {
		telemetry.SetupSlog("info")
		slog.Error("failed to load configuration", "error", err)
		return
	}
	telemetry.SetupSlog(sysCfg.LogLevel)

	_, shutdownTracing := telemetry.NewTracer(telemetry.TraceConfig{
		ServiceName:    "chatgateway",
		ServiceVersion: serverVersion,
	})
	defer shutdownTracing(context.Background())

	metrics := telemetry.NewMetrics()

	if err := run(ctx, cfg, sysCfg, metrics); err != nil {
		slog.Error("gateway exited with error", "error", err)
	}
}

func run(ctx context.Context, cfg *config.Config, sysCfg *config.SystemConfig, metrics *telemetry.Metrics) error {
	var disk *history.DiskLogger
	if cfg.LogDir != "" {
		disk = history.NewDiskLogger(cfg.LogDir)
	}

	historyStore := history.NewStore(disk)
	idemCache := idempotency.New(cfg.DedupeMaxKeys, time.Duration(cfg.DedupeTtlMs)*time.Millisecond)
	eventBus := bus.New().WithMetrics(metrics)

	toolRegistry := tools.NewRegistry()
	toolRegistry.Register(tools.WebSearch{})

	be, err := backend.NewFromConfig(cfg.LLM, sysCfg)
	if err != nil {
		slog.Warn("no usable LLM backend configured, falling back to the demo adapter", "error", err)
	}

	engine := runengine.New(eventBus, historyStore, idemCache, toolRegistry, mcp.NoopClient{}, be, cfg.SystemPrompt).WithMetrics(metrics)

	publicCfg := router.PublicConfig{
		Port:                    cfg.Port,
		Hostname:                cfg.Hostname,
		AuthMode:                authModeOf(cfg),
		TickIntervalMs:          cfg.TickIntervalMs,
		HealthRefreshIntervalMs: cfg.HealthRefreshIntervalMs,
		MaxPayload:              cfg.MaxPayload,
		HandshakeTimeoutMs:      cfg.HandshakeTimeoutMs,
		DedupeMaxKeys:           cfg.DedupeMaxKeys,
		DedupeTtlMs:             cfg.DedupeTtlMs,
		LogDir:                  cfg.LogDir,
	}
	r := router.New(engine, historyStore, eventBus, idemCache, disk, publicCfg)

	wsServer := wsgateway.NewServer(eventBus, r, wsgateway.Config{
		ServerVersion:    serverVersion,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutMs) * time.Millisecond,
		MaxPayloadBytes:  int64(cfg.MaxPayload),
		AuthToken:        cfg.AuthToken,
		AuthPassword:     cfg.AuthPassword,
		InstanceHost:     cfg.Hostname,
	})
	wsServer.Metrics = metrics

	runner := &periodic.Runner{
		Bus:                   eventBus,
		Idem:                  idemCache,
		TickInterval:          time.Duration(cfg.TickIntervalMs) * time.Millisecond,
		HealthRefreshInterval: time.Duration(cfg.HealthRefreshIntervalMs) * time.Millisecond,
		DedupeSweepInterval:   time.Duration(cfg.DedupeTtlMs) * time.Millisecond,
		Metrics:               metrics,
	}
	periodicCtx, stopPeriodic := context.WithCancel(ctx)
	defer stopPeriodic()
	go runner.Run(periodicCtx)

	apiHandlers := &httpapi.Handlers{Engine: engine, History: historyStore, AuthToken: cfg.AuthToken}
	mux := http.NewServeMux()
	mux.Handle("/", httpapi.NewRouter(apiHandlers, func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Upgrade") == "websocket" {
			wsServer.ServeHTTP(w, req)
			return
		}
		w.WriteHeader(http.StatusUpgradeRequired)
		fmt.Fprint(w, `{"ok":false,"error":{"message":"upgrade required"}}`)
	}))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "port", cfg.Port, "authMode", publicCfg.AuthMode)
		serveErrCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections")
		wsServer.Shutdown(engine)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-serveErrCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func authModeOf(cfg *config.Config) string {
	switch {
	case cfg.AuthToken != "":
		return "token"
	case cfg.AuthPassword != "":
		return "password"
	default:
		return "none"
	}
}

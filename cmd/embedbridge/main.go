// Package main implements the embedbridge service: it holds the NATS
// connection, keeps a sandbox session alive, serves Prometheus metrics,
// and periodically checkpoints the sandbox index into JetStream KV.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/embedbridge/bridge"
	"github.com/c360/embedbridge/checkpoint"
	"github.com/c360/embedbridge/config"
	"github.com/c360/embedbridge/errors"
	"github.com/c360/embedbridge/health"
	"github.com/c360/embedbridge/natsclient"
	"github.com/c360/embedbridge/protocol"
	"github.com/c360/embedbridge/sandbox"
)

const (
	Version = "0.1.0"
	appName = "embedbridge"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor := health.NewMonitor()

	// The bridge is created below; the reconnect handler closes over the
	// variable so a NATS reconnect forces a fresh sandbox probe.
	var br *bridge.Bridge

	client, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithClientName(cfg.NATS.Name),
		natsclient.WithTimeout(time.Duration(cfg.NATS.TimeoutSecs)*time.Second),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithDisconnectHandler(func(err error) {
			logger.Warn("nats disconnected", "error", err)
			monitor.SetUnhealthy("nats", "disconnected")
		}),
		natsclient.WithReconnectHandler(func() {
			logger.Info("nats reconnected, invalidating sandbox session")
			monitor.SetHealthy("nats", "reconnected")
			if br != nil {
				br.Invalidate()
			}
		}),
	)
	if err != nil {
		return err
	}
	if err := client.Connect(); err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	monitor.SetHealthy("nats", "connected")

	registry := prometheus.NewRegistry()

	br, err = bridge.New(client.Transport(), bridge.Config{
		Sandbox:        sandboxConfig(cfg, logger),
		CacheCapacity:  cfg.Cache.Capacity,
		CachePrefixLen: cfg.Cache.PrefixLen,
		RequestTimeout: cfg.RequestTimeout(),
		Registerer:     registry,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer br.Close()

	if cfg.Metrics.Addr != "" {
		go serveMetrics(ctx, logger, cfg.Metrics.Addr, registry, monitor)
	}
	go watchSandbox(ctx, br, monitor)

	if cfg.Checkpoint.Enabled {
		store, err := openCheckpointStore(ctx, client, cfg.Checkpoint.Bucket)
		if err != nil {
			return err
		}
		restoreLatest(ctx, logger, br, store)
		go checkpointLoop(ctx, logger, br, store, cfg.CheckpointInterval())
		defer saveCheckpoint(context.Background(), logger, br, store)
	}

	logger.Info("embedbridge running",
		"nats_url", cfg.NATS.URL,
		"checkpointing", cfg.Checkpoint.Enabled,
		"metrics_addr", cfg.Metrics.Addr)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func sandboxConfig(cfg *config.Config, logger *slog.Logger) sandbox.Config {
	sc := sandbox.Config{
		Variant:       sandbox.Variant(cfg.Sandbox.Variant),
		SharedSubject: cfg.Sandbox.SharedSubject,
		ReadyTimeout:  time.Duration(cfg.Sandbox.ReadyTimeoutSecs) * time.Second,
		InitTimeout:   time.Duration(cfg.Sandbox.InitTimeoutSecs) * time.Second,
		Logger:        logger,
	}
	if cfg.Sandbox.DaemonPath != "" {
		args := []string{"-nats-url", cfg.NATS.URL}
		if cfg.Inference.URL != "" {
			args = append(args, "-inference-url", cfg.Inference.URL)
		}
		if cfg.Inference.Model != "" {
			args = append(args, "-model", cfg.Inference.Model)
		}
		if cfg.Inference.Dimensions > 0 {
			args = append(args, "-dimensions", strconv.Itoa(cfg.Inference.Dimensions))
		}
		sc.Launcher = &sandbox.ExecLauncher{
			Path: cfg.Sandbox.DaemonPath,
			Args: args,
		}
	}
	return sc
}

// watchSandbox reflects the bridge's lifecycle state into the health
// monitor. A cpu-fallback backend counts as degraded: the service works,
// but embedding quality is below what the deployment intended.
func watchSandbox(ctx context.Context, br *bridge.Bridge, monitor *health.Monitor) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch br.State() {
			case bridge.StateReady:
				sess, ok := br.Session()
				if ok && sess.Backend == protocol.BackendCPUFallback {
					monitor.SetDegraded("sandbox", "cpu fallback backend")
				} else {
					monitor.SetHealthy("sandbox", "session live")
				}
			case bridge.StateFailed:
				monitor.SetUnhealthy("sandbox", "creation failed")
			default:
				monitor.SetHealthy("sandbox", "idle")
			}
		}
	}
}

func serveMetrics(ctx context.Context, logger *slog.Logger, addr string, registry *prometheus.Registry, monitor *health.Monitor) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", monitor.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "error", err)
	}
}

func openCheckpointStore(ctx context.Context, client *natsclient.Client, bucket string) (*checkpoint.Store, error) {
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Serialized embedbridge index snapshots",
		History:     5,
	})
	if err != nil {
		return nil, err
	}
	return checkpoint.NewStore(kv)
}

// restoreLatest loads the last checkpoint into a fresh sandbox when the
// snapshot matches the model the sandbox negotiated.
func restoreLatest(ctx context.Context, logger *slog.Logger, br *bridge.Bridge, store *checkpoint.Store) {
	st, err := br.Status(ctx)
	if err != nil {
		logger.Warn("sandbox unavailable, skipping checkpoint restore", "error", err)
		return
	}

	snap, err := store.LoadLatest(ctx)
	if err != nil {
		if stderrors.Is(err, errors.ErrNoCheckpoint) {
			logger.Debug("no checkpoint to restore")
		} else {
			logger.Warn("checkpoint load failed", "error", err)
		}
		return
	}
	if !snap.Compatible(st.Model, st.Dimensions) {
		logger.Warn("checkpoint incompatible with current backend, skipping restore",
			"snapshot_model", snap.Model, "session_model", st.Model)
		return
	}

	if err := br.LoadIndex(ctx, snap.Blob); err != nil {
		logger.Warn("checkpoint restore failed", "error", err)
		return
	}
	logger.Info("checkpoint restored",
		"index_size", snap.IndexSize, "saved_at", snap.SavedAt)
}

func checkpointLoop(ctx context.Context, logger *slog.Logger, br *bridge.Bridge, store *checkpoint.Store, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveCheckpoint(ctx, logger, br, store)
		}
	}
}

func saveCheckpoint(ctx context.Context, logger *slog.Logger, br *bridge.Bridge, store *checkpoint.Store) {
	st, err := br.Status(ctx)
	if err != nil {
		logger.Warn("checkpoint skipped, sandbox unavailable", "error", err)
		return
	}
	if st.IndexSize == 0 {
		return
	}

	blob, err := br.SerializeIndex(ctx)
	if err != nil {
		logger.Warn("index serialization failed", "error", err)
		return
	}
	if err := store.Save(ctx, checkpoint.Snapshot{
		SessionID:  st.SessionID,
		Backend:    st.Backend,
		Model:      st.Model,
		Dimensions: st.Dimensions,
		IndexSize:  st.IndexSize,
		Blob:       blob,
	}); err != nil {
		logger.Warn("checkpoint save failed", "error", err)
		return
	}
	logger.Debug("checkpoint saved", "index_size", st.IndexSize)
}

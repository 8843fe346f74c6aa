// Package main implements embedboxd, the sandbox daemon. It connects to
// NATS, serves embedding and index requests on its session subject, and
// broadcasts readiness once. The managed host variant spawns one of these
// per session; the shared variant expects a long-lived instance on the
// well-known shared subject.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c360/embedbridge/natsclient"
	"github.com/c360/embedbridge/protocol"
	"github.com/c360/embedbridge/sandbox/runtime"
)

const (
	Version = "0.1.0"
	appName = "embedboxd"
)

type cliConfig struct {
	Subject      string
	NATSURL      string
	InferenceURL string
	Model        string
	Dimensions   int
	ProbeSecs    int
	LogLevel     string
	LogFormat    string
	ShowVersion  bool
}

func parseFlags() *cliConfig {
	cfg := &cliConfig{}

	flag.StringVar(&cfg.Subject, "subject",
		getEnv("EMBEDBOXD_SUBJECT", protocol.SharedBase),
		"Session subject to serve (env: EMBEDBOXD_SUBJECT)")
	flag.StringVar(&cfg.NATSURL, "nats-url",
		getEnv("EMBEDBOXD_NATS_URL", "nats://localhost:4222"),
		"NATS server URL (env: EMBEDBOXD_NATS_URL)")
	flag.StringVar(&cfg.InferenceURL, "inference-url",
		getEnv("EMBEDBOXD_INFERENCE_URL", ""),
		"OpenAI-compatible inference endpoint, empty for CPU fallback only (env: EMBEDBOXD_INFERENCE_URL)")
	flag.StringVar(&cfg.Model, "model",
		getEnv("EMBEDBOXD_MODEL", ""),
		"Embedding model requested from the inference server (env: EMBEDBOXD_MODEL)")
	flag.IntVar(&cfg.Dimensions, "dimensions", 0,
		"Fallback embedder vector width, 0 for default")
	flag.IntVar(&cfg.ProbeSecs, "probe-timeout", 5,
		"Inference server startup probe timeout in seconds")
	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("EMBEDBOXD_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: EMBEDBOXD_LOG_LEVEL)")
	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("EMBEDBOXD_LOG_FORMAT", "json"),
		"Log format: json, text (env: EMBEDBOXD_LOG_FORMAT)")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")

	flag.Parse()
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	// Logs go to stderr: the managed host inherits this stream, and
	// stdout stays clean.
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
}

func main() {
	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := parseFlags()
	if cfg.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	client, err := natsclient.NewClient(cfg.NATSURL,
		natsclient.WithClientName(appName),
		natsclient.WithDisconnectHandler(func(err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		natsclient.WithReconnectHandler(func() {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return err
	}
	if err := client.Connect(); err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(client.Transport(), runtime.Config{
		BaseSubject:  cfg.Subject,
		InferenceURL: cfg.InferenceURL,
		Model:        cfg.Model,
		Dimensions:   cfg.Dimensions,
		ProbeTimeout: time.Duration(cfg.ProbeSecs) * time.Second,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer rt.Stop()

	logger.Info("embedboxd serving", "subject", cfg.Subject)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

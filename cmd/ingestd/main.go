// Command ingestd runs the telemetry ingestion daemon: it consumes the
// configured event stream, persists measurements, and optionally serves the
// read-only query API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aqstream/aqstream/api"
	"github.com/aqstream/aqstream/internal/ingest"
	"github.com/aqstream/aqstream/internal/ingest/config"
	ingesterrors "github.com/aqstream/aqstream/internal/ingest/errors"
	"github.com/aqstream/aqstream/internal/ingest/logging"
	"github.com/aqstream/aqstream/store"
	"github.com/aqstream/aqstream/stream"

	// Stream sources register themselves on import.
	_ "github.com/aqstream/aqstream/stream/channel"
	_ "github.com/aqstream/aqstream/stream/kafka"
)

func main() {
	// Absent .env files are fine; real deployments use process environment.
	_ = godotenv.Load()

	slogger := newSlog(os.Getenv("LOG_LEVEL"))
	logger := logging.NewSlogServiceLogger(slogger)

	if err := run(logger); err != nil {
		var cfgErr ingesterrors.ConfigurationError
		if errors.As(err, &cfgErr) {
			logger.Error("invalid configuration", err, nil)
		} else {
			logger.Error("ingestion daemon failed", err, nil)
		}
		os.Exit(1)
	}
}

func run(logger logging.ServiceLogger) error {
	cfg, err := configFromEnv(logger)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded", logging.LogFields{"config": cfg.String()})

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := stream.Build(ctx, cfg, logging.NewWatermillAdapter(logger))
	if err != nil {
		return err
	}
	defer source.Close()

	pipeline, err := ingest.New(cfg, source, st, logger)
	if err != nil {
		return err
	}

	if cfg.APIAddr != "" {
		loc, _ := cfg.Location()
		srv := &http.Server{
			Addr:              cfg.APIAddr,
			Handler:           api.New(st, logger, loc),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("query API listening", logging.LogFields{"addr": cfg.APIAddr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("query API server failed", err, nil)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return pipeline.Run(ctx)
}

func configFromEnv(logger logging.ServiceLogger) (*config.Config, error) {
	cfg := &config.Config{
		StreamSystem:       os.Getenv("STREAM_SYSTEM"),
		ConnectionString:   os.Getenv("EVENTHUB_CONNECTION_STRING"),
		ConsumerGroup:      os.Getenv("EVENTHUB_CONSUMER_GROUP"),
		ClientID:           os.Getenv("CLIENT_ID"),
		Timezone:           os.Getenv("TIMEZONE"),
		PostgresURL:        firstEnv("DATABASE_URL", "POSTGRES_URL"),
		SQLiteFile:         os.Getenv("SQLITE_FILE"),
		APIAddr:            os.Getenv("API_ADDR"),
		BatchSize:          intEnv("BATCH_SIZE"),
		CheckpointInterval: durationEnv("CHECKPOINT_INTERVAL"),
		IdleTimeout:        durationEnv("IDLE_TIMEOUT"),
		MetricsInterval:    durationEnv("METRICS_INTERVAL"),
		MetricsEnabled:     boolEnv("METRICS_ENABLED", true),
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitCSV(brokers)
	}
	if devices := os.Getenv("ALLOWED_DEVICES"); devices != "" {
		cfg.AllowedDevices = splitCSV(devices)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, ingesterrors.NewConfigurationError(err)
	}
	startRaw := os.Getenv("START_POSITION")
	start, err := stream.ParseStartPosition(startRaw, loc)
	if err != nil {
		logger.Warn("unparseable start position, defaulting to earliest", logging.LogFields{
			"value": startRaw,
		})
		start = stream.StartPosition{Kind: stream.StartEarliest}
	}
	cfg.Start = start
	return cfg, nil
}

func openStore(cfg *config.Config, logger logging.ServiceLogger) (store.MeasurementStore, error) {
	if cfg.PostgresURL != "" {
		return store.NewPostgres(store.PostgresConfig{URL: cfg.PostgresURL}, logger)
	}
	logger.Warn("no PostgreSQL URL configured, using local SQLite store", logging.LogFields{
		"file": cfg.SQLiteFile,
	})
	return store.NewSQLite(store.SQLiteConfig{FilePath: cfg.SQLiteFile}, logger)
}

func newSlog(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func intEnv(key string) int {
	n, _ := strconv.Atoi(os.Getenv(key))
	return n
}

func durationEnv(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Plain numbers are seconds.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return 0
}

func boolEnv(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

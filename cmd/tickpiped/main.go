// tickpiped streams market ticks from a WebSocket feed into DuckDB.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/xtxerr/tickpipe/internal/config"
	"github.com/xtxerr/tickpipe/internal/deadletter"
	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/feed"
	"github.com/xtxerr/tickpipe/internal/logging"
	"github.com/xtxerr/tickpipe/internal/metrics"
	"github.com/xtxerr/tickpipe/internal/pipeline"
	"github.com/xtxerr/tickpipe/internal/store"
)

// Version is set at build time via ldflags
var Version = "dev"

const (
	exitOK      = 0
	exitStartup = 1
	exitFatal   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// CLI flags
	cfgPath := flag.String("config", "tickpipe.yaml", "config file path")
	envFile := flag.String("env", ".env", "dotenv file loaded before TICKPIPE_* overrides")
	feedURL := flag.String("feed", "", "feed URL (overrides config)")
	dsn := flag.String("db", "", "DuckDB path (overrides config)")
	listen := flag.String("metrics", "", "metrics listen address (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	flag.Parse()

	// A missing .env is normal; anything else is reported.
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		return exitStartup
	}

	cfg, err := loadConfig(*cfgPath, os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitStartup
	}

	// CLI overrides
	if *feedURL != "" {
		cfg.Feed.URL = *feedURL
	}
	if *dsn != "" {
		cfg.Store.DSN = *dsn
	}
	if *listen != "" {
		cfg.Metrics.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config:\n%v\n", err)
		return exitStartup
	}

	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		fmt.Fprintf(os.Stderr, "setup logging: %v\n", err)
		return exitStartup
	}

	runID := uuid.NewString()
	log := logging.With("run_id", runID)
	log.Info("tickpiped starting", "version", Version, "feed", cfg.Feed.URL, "format", cfg.Feed.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.ContextWithRunID(ctx, runID)

	// =========================================================================
	// Store
	// =========================================================================

	db, err := store.OpenDuckDB(ctx, store.DuckDBConfig{DSN: cfg.Store.DSN, RunID: runID})
	if err != nil {
		log.Error("open store", "dsn", cfg.Store.DSN, "error", err)
		return exitStartup
	}
	defer db.Close()

	if err := db.EnsureTable(ctx, cfg.Store.Table); err != nil {
		log.Error("bootstrap schema", "table", cfg.Store.Table, "error", err)
		return exitStartup
	}

	dlq, err := deadletter.Open(cfg.DeadLetter.Kind, cfg.DeadLetter.Dir, cfg.DeadLetter.MaxBatches)
	if err != nil {
		log.Error("open dead-letter sink", "kind", cfg.DeadLetter.Kind, "dir", cfg.DeadLetter.Dir, "error", err)
		return exitStartup
	}
	defer dlq.Close()

	// =========================================================================
	// Pipeline
	// =========================================================================

	dialer, err := feed.NewWebSocketDialer(feed.WebSocketOptions{
		URL:          cfg.Feed.URL,
		Headers:      cfg.Feed.Headers,
		Subscribe:    cfg.Feed.Subscribe,
		DialTimeout:  cfg.Feed.DialTimeout,
		PingInterval: cfg.Feed.PingInterval,
	})
	if err != nil {
		log.Error("create feed dialer", "error", err)
		return exitStartup
	}

	sup, err := pipeline.New(cfg, dialer, db, dlq)
	if err != nil {
		log.Error("create pipeline", "error", err)
		return exitStartup
	}

	if cfg.Metrics.Listen != "" {
		reg := metrics.New(sup.MetricsSources())
		go func() {
			log.Info("metrics listening", "addr", cfg.Metrics.Listen)
			if err := reg.Serve(ctx, cfg.Metrics.Listen); err != nil {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	// =========================================================================
	// Run
	// =========================================================================

	err = sup.Run(ctx)
	if err == nil {
		log.Info("tickpiped stopped")
		return exitOK
	}

	var ce *pipeline.ComponentError
	if errors.As(err, &ce) {
		log.Error("pipeline failed", "component", ce.Component, "error", ce.Err)
	} else {
		log.Error("pipeline failed", "error", err)
	}
	return exitFatal
}

// loadConfig reads path when it exists, falls back to defaults otherwise,
// then applies environment overrides.
func loadConfig(path string, lookup config.LookupFunc) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = config.DefaultConfig()
	}

	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

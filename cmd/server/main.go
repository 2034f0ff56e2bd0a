/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the estate payment reconciler: HTTP API plus the
  optional mailbox import scheduler. Handles configuration, dependency
  injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load config (defaults, file, env, flags)
  2. Build the zerolog logger
  3. Initialize SQLite store
  4. Build notifiers (log, plus Kafka when brokers are configured)
  5. Wire importer, review queue, handler and router
  6. Run HTTP server and scheduler under one errgroup

COMMAND-LINE FLAGS:
  -config  YAML config file (optional)
  -port    HTTP server port, overrides server.port
  -db      SQLite database path, overrides database.path
           Use ":memory:" for in-memory database

ENVIRONMENT:
  RECONCILER_* overrides any config key, e.g. RECONCILER_SERVER_PORT,
  RECONCILER_NOTIFY_KAFKA_BROKERS.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler after its current run
  2. Stop accepting new connections, drain active requests (30s timeout)
  3. Close the Kafka writer and the database

EXAMPLES:
  ./server -config=./reconciler.yaml
  ./server -db=":memory:" -port=3000

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warp/estate-reconciler/api"
	"github.com/warp/estate-reconciler/config"
	"github.com/warp/estate-reconciler/extract"
	"github.com/warp/estate-reconciler/logging"
	"github.com/warp/estate-reconciler/mailbox"
	"github.com/warp/estate-reconciler/matching"
	"github.com/warp/estate-reconciler/notify"
	"github.com/warp/estate-reconciler/reconcile"
	"github.com/warp/estate-reconciler/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "reconciler: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Server.Port = *port
		case "db":
			cfg.Database.Path = *dbPath
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.LogOptions())
	logging.SetDefault(logger)
	baseCtx := logging.WithContext(context.Background(), logger)

	// Initialize store
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	// Notifiers
	notifiers := notify.Multi{notify.LogNotifier{}}
	if cfg.KafkaEnabled() {
		kafkaNotifier, err := notify.NewKafka(cfg.KafkaConfig())
		if err != nil {
			return err
		}
		defer kafkaNotifier.Close()
		notifiers = append(notifiers, kafkaNotifier)
		logger.Info().Strs("brokers", cfg.Notify.Kafka.Brokers).Str("topic", cfg.Notify.Kafka.Topic).Msg("kafka notifications enabled")
	}

	ledger := reconcile.NewLedgerApplier()
	importer := &reconcile.Importer{
		Store:      store,
		Extractor:  extract.New(),
		NewMatcher: matching.Builder(cfg.MatcherConfig()),
		Ledger:     ledger,
		Notifier:   notifiers,
		Estate:     cfg.EstateConfig(),
		Duplicates: cfg.DuplicatePolicy(),
	}
	if cfg.Mailbox.Dir != "" {
		importer.Source = mailbox.NewDirSource(cfg.Mailbox.Name, cfg.Mailbox.Dir)
	}
	queue := reconcile.NewReviewQueue(store, ledger)

	handler := api.NewHandler(store, importer, queue)
	handler.Mailbox = cfg.Mailbox.Name

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}

	ctx, stop := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Int("port", cfg.Server.Port).Str("db", cfg.Database.Path).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	scheduler := api.NewImportScheduler(importer, cfg.Scheduler.Interval)
	scheduler.Enabled = cfg.Scheduler.Enabled
	g.Go(func() error { return scheduler.Run(ctx) })

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

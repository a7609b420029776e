/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the lease calculation engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML, .env, environment, flags)
  2. Build the zap logger
  3. Initialize SQLite store and Prometheus collectors
  4. Wire the GL poster, FX table, lease engine and impairment allocator
  5. Optionally seed a lease document
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port     HTTP server port (overrides PORT)
  -db       SQLite database path (overrides DATABASE_PATH)
            Use ":memory:" for in-memory database
  -seed     Lease document (.json, .yaml, .yml) stored and designed at startup;
            refused when ENVIRONMENT=production
  -company  Company id for the seed document (default: demo)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/lease.db"

  # Run in memory with a seeded lease
  ./server -db=":memory:" -seed=./seed/hq-office.yaml

ENVIRONMENT:
  PORT, DATABASE_PATH, LOG_LEVEL, ENVIRONMENT, PRESENTATION_CURRENCY,
  CORS_ORIGINS, LEASE_ENGINE_CONFIG. See config/config.go.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/lease-engine/api"
	"github.com/warp/lease-engine/config"
	"github.com/warp/lease-engine/factory"
	"github.com/warp/lease-engine/generic"
	"github.com/warp/lease-engine/generic/store"
	"github.com/warp/lease-engine/impairment"
	"github.com/warp/lease-engine/lease"
	"github.com/warp/lease-engine/logger"
	"github.com/warp/lease-engine/metrics"
	"github.com/warp/lease-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags override the environment
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DatabasePath, "SQLite database path")
	seed := flag.String("seed", "", "lease document to store and design at startup")
	company := flag.String("company", "demo", "company id for the seed document")
	flag.Parse()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, *port, *dbPath, *seed, generic.CompanyID(*company), log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, port int, dbPath, seed string, company generic.CompanyID, log *zap.Logger) error {
	// Initialize store
	db, err := sqlite.New(dbPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer db.Close()

	metrics.Init(nil)

	fx := store.NewStaticFX()
	for _, r := range cfg.FXRates {
		fx.Set(generic.Currency(r.From), generic.Currency(r.To), generic.MustParseDecimal(r.Rate))
	}
	journal := store.NewJournal()

	engine := lease.NewEngine(db, journal, log)
	engine.Accounts = cfg.AccountMap()

	allocator := impairment.NewAllocator(db, journal, fx, log)
	allocator.Accounts = cfg.AccountMap()
	allocator.PresentationCurrency = generic.Currency(cfg.PresentationCurrency)

	if seed != "" {
		if cfg.IsProduction() {
			return errors.New("-seed is a development aid and is refused in production")
		}
		if err := seedLease(context.Background(), db, engine, company, seed); err != nil {
			return fmt.Errorf("seed %s: %w", seed, err)
		}
		log.Info("seeded lease document", zap.String("path", seed), zap.String("company_id", string(company)))
	}

	handler := api.NewHandler(db, engine, allocator, log)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.CORSOrigins,
		Metrics:     api.MetricsHandler(),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", port),
			zap.String("db", dbPath),
			zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case <-quit:
	}

	log.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

func seedLease(ctx context.Context, db generic.TxStore, engine *lease.Engine, company generic.CompanyID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	doc, err := factory.ParseLeaseDocument(company, data, factory.FormatFromContentType(path))
	if err != nil {
		return err
	}
	if err := factory.SaveLease(ctx, db, doc); err != nil {
		return err
	}
	if len(doc.Components) == 0 {
		return nil
	}
	_, err = engine.Design(ctx, company, doc.Lease.ID, doc.Components)
	return err
}

/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the lending engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML, .env/environment, flags)
  2. Initialize SQLite store
  3. Build the lending service from the configured policy
  4. Start the scan scheduler
  5. Configure HTTP router and serve

COMMAND-LINE FLAGS (see config/config.go for the full list):
  -config   YAML config file
  -port     HTTP server port (default: 8080)
  -db       SQLite database path (default: lending.db)
            Use ":memory:" for in-memory database
  -scheduler=false  Disable periodic scans

ENVIRONMENT:
  LENDING_PORT, LENDING_DB_PATH, LENDING_FINE_RATE_PER_DAY, ...
  A .env file in the working directory is read if present.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running scan)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server -db="./data/lending.db"
  ./server -config=./config.yaml -port=3000
*/
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/lending-engine/api"
	"github.com/warp/lending-engine/config"
	"github.com/warp/lending-engine/lending"
	"github.com/warp/lending-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	policy, err := cfg.Policy()
	if err != nil {
		log.Fatalf("Invalid lending policy: %v", err)
	}

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	svc, err := lending.NewService(store,
		lending.WithPolicy(policy),
		lending.WithLogger(log.Default()),
	)
	if err != nil {
		log.Fatalf("Failed to create lending service: %v", err)
	}

	scheduler := api.NewScanScheduler(svc, store)
	scheduler.Interval = cfg.ScanInterval()
	scheduler.Timeout = cfg.ScanTimeout()
	scheduler.Enabled = cfg.SchedulerEnabled
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	handler := api.NewHandler(svc, store, scheduler)
	router := api.NewRouter(handler, cfg.AllowedOrigins...)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%d (db=%s, loan=%dd, fine=%s/day)",
			cfg.Port, cfg.DBPath, cfg.LoanPeriodDays, cfg.FineRatePerDay)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the marketing ledger server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse command-line flags
  2. Open the store (PostgreSQL when a DSN is given, SQLite otherwise)
  3. Wire the Kafka publisher when brokers are configured
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port      HTTP server port (default: 8080, env PORT)
  -db        SQLite database path (default: marketing.db, env SQLITE_PATH)
             Use ":memory:" for in-memory database
  -postgres  PostgreSQL DSN; overrides -db when set (env DATABASE_URL)
  -kafka     Comma-separated Kafka brokers; empty disables events
             (env KAFKA_BROKERS)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the publisher and database connection
  4. Exit

EXAMPLES:
  # Local development, file database, no broker
  ./server -db="./data/marketing.db"

  # Production-style
  ./server -postgres="postgres://ledger:...@db/ledger?sslmode=require" \
           -kafka="broker-1:9092,broker-2:9092"

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite, store/postgres: Database implementations
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/marketing-ledger/api"
	"github.com/warp/marketing-ledger/events"
	"github.com/warp/marketing-ledger/events/kafka"
	"github.com/warp/marketing-ledger/ledger"
	"github.com/warp/marketing-ledger/store/postgres"
	"github.com/warp/marketing-ledger/store/sqlite"
)

func main() {
	// .env is optional; flags and real env vars win over it.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("SQLITE_PATH", "marketing.db"), "SQLite database path")
	postgresDSN := flag.String("postgres", envStr("DATABASE_URL", ""), "PostgreSQL DSN (overrides -db)")
	kafkaBrokers := flag.String("kafka", envStr("KAFKA_BROKERS", ""), "Comma-separated Kafka brokers")
	flag.Parse()

	// Store: PostgreSQL in production, SQLite for local development.
	var (
		store  ledger.AdminStore
		closer io.Closer
	)
	if *postgresDSN != "" {
		pg, err := postgres.Open(*postgresDSN)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		store, closer = pg, pg
		log.Printf("Using PostgreSQL store")
	} else {
		lite, err := sqlite.New(*dbPath)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		store, closer = lite, lite
		log.Printf("Using SQLite store at %s", *dbPath)
	}
	defer closer.Close()

	// Events
	var publisher events.Publisher = events.Nop{}
	if *kafkaBrokers != "" {
		kp := kafka.NewPublisher(strings.Split(*kafkaBrokers, ","))
		defer kp.Close()
		publisher = kp
		log.Printf("Publishing events to Kafka at %s", *kafkaBrokers)
	}

	handler := api.NewHandler(store, publisher)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Marketing ledger listening on http://localhost:%d", *port)
		log.Printf("API available at http://localhost:%d/api/marketing", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

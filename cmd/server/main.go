/*
main.go - Margin service entry point

PURPOSE:
  Starts the reference margin service: SQLite store, simulated recalculation
  runner, and the HTTP API the polling core is exercised against.

COMMAND-LINE FLAGS:
  -port         HTTP server port (default: 8080)
  -db           SQLite database path (default: margin.db, ":memory:" works)
  -cutoff-hour  UTC hour on a period's second day at which the previous
                period counts as closed (default: 12)
  -period-delay Simulated recompute time per affected period (default: 500ms)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop accepting connections, drain active requests
  (30s timeout), stop the job runner, close the database.

EXAMPLES:
  ./server -db=":memory:" -period-delay=2s

SEE ALSO:
  - api/server.go: router configuration
  - api/runner.go: job simulation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/margin-engine/api"
	"github.com/warp/margin-engine/calendar"
	"github.com/warp/margin-engine/store/sqlite"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "margin.db", "SQLite database path (\":memory:\" for in-memory)")
	cutoffHour := flag.Int("cutoff-hour", calendar.DefaultCutoffHour, "UTC closed-period cutoff hour")
	periodDelay := flag.Duration("period-delay", 500*time.Millisecond, "simulated recompute time per affected period")
	flag.Parse()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("[Server] failed to open store: %v", err)
	}
	defer store.Close()

	cal := calendar.Config{CutoffHour: *cutoffHour}

	handler := api.NewHandler(store, cal)
	handler.PerPeriodDelay = *periodDelay

	runner := api.NewRunner(store, cal)
	runner.Start()
	defer runner.Stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	router := api.NewRouter(handler, api.RouterOptions{
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: router,
	}

	go func() {
		log.Printf("[Server] listening on :%d (db=%s)", *port, *dbPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Server] serve failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("[Server] shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[Server] shutdown error: %v", err)
	}
}

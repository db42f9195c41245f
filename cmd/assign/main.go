/*
main.go - COGS assignment CLI

PURPOSE:
  Submits a COGS value for a product against a running margin service, then
  polls the recalculation to a terminal outcome using the full orchestration
  stack (strategy selection, polling engine, fallback, registry).

COMMAND-LINE FLAGS:
  -server       Margin service base URL (default: http://localhost:8080)
  -product      Product identifier (required)
  -value        COGS value, decimal (required)
  -from         Effective-from date, YYYY-MM-DD (default: today)
  -batch        Use the flat batch polling budget
  -redis        Optional Redis address for the shared busy-indicator registry
  -cutoff-hour  UTC closed-period cutoff hour (default: 12)

EXIT CODES:
  0  succeeded (with or without a result)
  1  usage or transport error
  2  recalculation failed
  3  polling timed out (the job may still finish; refresh later)

EXAMPLES:
  ./assign -product=prod-42 -value=3.75 -from=2026-07-01
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/warp/margin-engine/calendar"
	"github.com/warp/margin-engine/client"
	"github.com/warp/margin-engine/orchestrate"
	"github.com/warp/margin-engine/polling"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "margin service base URL")
	product := flag.String("product", "", "product identifier")
	value := flag.String("value", "", "COGS value (decimal)")
	from := flag.String("from", "", "effective-from date YYYY-MM-DD (default today)")
	batch := flag.Bool("batch", false, "use the batch polling budget")
	redisAddr := flag.String("redis", "", "Redis address for the shared busy registry (optional)")
	cutoffHour := flag.Int("cutoff-hour", calendar.DefaultCutoffHour, "UTC closed-period cutoff hour")
	flag.Parse()

	if *product == "" || *value == "" {
		flag.Usage()
		os.Exit(1)
	}
	cogs, err := decimal.NewFromString(*value)
	if err != nil {
		log.Fatalf("[Assign] invalid -value: %v", err)
	}
	effectiveFrom := time.Now().UTC()
	if *from != "" {
		if effectiveFrom, err = time.Parse("2006-01-02", *from); err != nil {
			log.Fatalf("[Assign] invalid -from: %v", err)
		}
	}

	var registry polling.Registry = polling.NewMemoryRegistry()
	if *redisAddr != "" {
		registry = polling.NewRedisRegistry(redis.NewClient(&redis.Options{Addr: *redisAddr}), "")
	}

	cal := calendar.Config{CutoffHour: *cutoffHour}
	if cal.IsAfterLastClosedPeriodMidpoint(effectiveFrom, time.Now()) {
		fmt.Println("note: this effective date will not retroactively affect the most recent closed week")
	}

	c := client.New(*server)
	orch := &orchestrate.Orchestrator{
		Calendar: cal,
		Engine:   polling.NewEngine(registry),
		Propagate: func(key string) {
			log.Printf("[Assign] margin data for %s is ready to refresh", key)
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := c.AssignCOGS(ctx, *product, cogs, effectiveFrom)
	if err != nil {
		log.Fatalf("[Assign] mutation failed: %v", err)
	}

	done := make(chan int, 1)
	orch.AfterMutation(*product, effectiveFrom, result, *batch, c.RecalcStatus, c.Margin, polling.Callbacks{
		OnSucceeded: func(margin decimal.Decimal) {
			fmt.Printf("margin recalculated: %s\n", margin.String())
			done <- 0
		},
		OnSucceededWithoutResult: func() {
			fmt.Println("recalculation finished; no margin applies")
			done <- 0
		},
		OnTimedOut: func() {
			fmt.Println("still recalculating; check back shortly")
			done <- 3
		},
		OnFailed: func(cerr *polling.ClassifiedError) {
			fmt.Printf("recalculation failed: %v\n", cerr)
			done <- 2
		},
	})

	os.Exit(<-done)
}

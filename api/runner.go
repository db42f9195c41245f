/*
runner.go - Simulated recalculation job runner

PURPOSE:
  Advances enqueued recalc jobs on the wall clock so the polling core has
  something real to observe: pending jobs become in_progress immediately,
  and once a job's simulated duration elapses the runner recomputes the
  product's weekly margins from source sales plus the newest COGS value and
  marks the job completed (or failed when the recompute cannot run).

DESIGN:
  - Background goroutine with a short check interval, stop channel and
    WaitGroup, started once per server.
  - Margin per week: (revenue - units*cogs) / revenue. Weeks with zero
    revenue are skipped; no margin is defined for them.

USAGE:
  runner := api.NewRunner(store, cal)
  runner.Start()
  defer runner.Stop()

SEE ALSO:
  - handlers.go: enqueues the jobs this runner advances
*/
package api

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/margin-engine/calendar"
	"github.com/warp/margin-engine/recalc"
	"github.com/warp/margin-engine/store/sqlite"
)

type jobState string

const (
	jobPending    jobState = "pending"
	jobInProgress jobState = "in_progress"
	jobCompleted  jobState = "completed"
	jobFailed     jobState = "failed"
)

var (
	errBadValue       = errors.New("cogs value must not be negative")
	errBadDate        = errors.New("effectiveFrom must be YYYY-MM-DD")
	errUnknownProduct = errors.New("unknown product")
)

// Runner advances recalculation jobs in the background.
type Runner struct {
	Store         *sqlite.Store
	Calendar      calendar.Config
	CheckInterval time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRunner creates a runner with the default check interval.
func NewRunner(store *sqlite.Store, cal calendar.Config) *Runner {
	return &Runner{
		Store:         store,
		Calendar:      cal,
		CheckInterval: 200 * time.Millisecond,
		stop:          make(chan struct{}),
	}
}

// Start begins the background loop.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ticker = time.NewTicker(r.CheckInterval)
	r.wg.Add(1)
	go r.run()
	log.Printf("[Runner] started with check interval %v", r.CheckInterval)
}

// Stop halts the background loop and waits for it to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticker != nil {
		r.ticker.Stop()
		close(r.stop)
		r.wg.Wait()
		log.Printf("[Runner] stopped")
	}
}

func (r *Runner) run() {
	defer r.wg.Done()

	r.tick()
	for {
		select {
		case <-r.ticker.C:
			r.tick()
		case <-r.stop:
			return
		}
	}
}

// tick advances every due job once. Exported-adjacent: tests call it via
// RunNow to avoid waiting on the wall clock.
func (r *Runner) tick() {
	ctx := context.Background()
	now := time.Now()

	if err := r.Store.MarkJobsInProgress(ctx, now); err != nil {
		log.Printf("[Runner] failed to mark jobs in progress: %v", err)
		return
	}

	due, err := r.Store.DueJobs(ctx, now)
	if err != nil {
		log.Printf("[Runner] failed to list due jobs: %v", err)
		return
	}

	for _, job := range due {
		if err := r.complete(ctx, job, now); err != nil {
			log.Printf("[Runner] job %s failed: %v", job.ID, err)
			job.State = string(jobFailed)
			job.Error = err.Error()
			completed := now
			job.CompletedAt = &completed
			if saveErr := r.Store.SaveJob(ctx, job); saveErr != nil {
				log.Printf("[Runner] failed to record job failure: %v", saveErr)
			}
		}
	}
}

// RunNow triggers an immediate pass (for tests and admin tooling).
func (r *Runner) RunNow() { r.tick() }

// complete recomputes the product's weekly margins and finishes the job.
func (r *Runner) complete(ctx context.Context, job sqlite.Job, now time.Time) error {
	assignment, err := r.Store.LatestAssignment(ctx, job.ProductID)
	if err != nil {
		return err
	}
	if assignment == nil {
		return errors.New("no COGS assignment on file")
	}

	periods := recalc.AffectedPeriods(r.Calendar, assignment.EffectiveFrom, now)
	for _, p := range periods {
		sales, err := r.Store.SalesInRange(ctx, job.ProductID, p.Start(), p.Start())
		if err != nil {
			return err
		}
		for _, sale := range sales {
			if sale.Revenue.IsZero() {
				continue
			}
			cost := assignment.Value.Mul(decimal.NewFromInt(int64(sale.Units)))
			margin := sale.Revenue.Sub(cost).Div(sale.Revenue).Round(4)
			if err := r.Store.SaveWeeklyMargin(ctx, job.ProductID, p.Start(), margin, now); err != nil {
				return err
			}
		}
	}

	completed := now
	job.State = string(jobCompleted)
	job.CompletedAt = &completed
	if err := r.Store.SaveJob(ctx, job); err != nil {
		return err
	}
	log.Printf("[Runner] job %s completed for %s (%d periods)", job.ID, job.ProductID, len(periods))
	return nil
}

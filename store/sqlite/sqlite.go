/*
Package sqlite persists the reference margin service's data.

PURPOSE:
  Backs the simulated margin service (api package) with SQLite: the product
  catalog, COGS assignments, recalculation jobs, and per-week sales and
  margin rows. In production the same patterns apply to PostgreSQL, with
  only minor SQL dialect differences.

KEY TABLES:
  products:          Catalog entries; recalculable=0 models orphan products
  cogs_assignments:  One row per submitted COGS value (append-only history)
  recalc_jobs:       One row per recalculation; the status endpoint reads
                     the newest job per product
  weekly_sales:      Source data: units and revenue per accounting week
  weekly_margins:    Derived data the recalculation (re)writes

CONCURRENCY:
  Uses sync.RWMutex for thread-safety around the shared *sql.DB, matching
  SQLite's single-writer model.

WAL MODE:
  Opened with WAL for concurrent readers and better crash recovery.

USAGE:
  store, err := sqlite.New(":memory:")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - api/handlers.go: HTTP surface over this store
  - api/runner.go: advances recalc_jobs and rewrites weekly_margins
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a store at dbPath. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		recalculable INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	-- Append-only history of submitted COGS values.
	CREATE TABLE IF NOT EXISTS cogs_assignments (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products(id),
		value TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_assignments_product
		ON cogs_assignments(product_id, created_at);

	CREATE TABLE IF NOT EXISTS recalc_jobs (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products(id),
		state TEXT NOT NULL,
		error TEXT,
		periods_affected INTEGER NOT NULL,
		enqueued_at TEXT NOT NULL,
		finish_after TEXT NOT NULL,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_product
		ON recalc_jobs(product_id, enqueued_at);

	CREATE TABLE IF NOT EXISTS weekly_sales (
		product_id TEXT NOT NULL REFERENCES products(id),
		period_start TEXT NOT NULL,
		units INTEGER NOT NULL,
		revenue TEXT NOT NULL,
		PRIMARY KEY (product_id, period_start)
	);

	CREATE TABLE IF NOT EXISTS weekly_margins (
		product_id TEXT NOT NULL REFERENCES products(id),
		period_start TEXT NOT NULL,
		margin TEXT NOT NULL,
		computed_at TEXT NOT NULL,
		PRIMARY KEY (product_id, period_start)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RECORDS
// =============================================================================

// Product is a catalog entry. Recalculable=false models orphan products with
// no backing computable source.
type Product struct {
	ID           string
	Name         string
	Recalculable bool
	CreatedAt    time.Time
}

// Assignment is one submitted COGS value.
type Assignment struct {
	ID            string
	ProductID     string
	Value         decimal.Decimal
	EffectiveFrom time.Time
	CreatedAt     time.Time
}

// Job is one recalculation run. FinishAfter is the simulated completion
// instant the runner honors.
type Job struct {
	ID              string
	ProductID       string
	State           string
	Error           string
	PeriodsAffected int
	EnqueuedAt      time.Time
	FinishAfter     time.Time
	CompletedAt     *time.Time
}

// WeeklySale is one week of source sales data.
type WeeklySale struct {
	ProductID   string
	PeriodStart time.Time
	Units       int
	Revenue     decimal.Decimal
}

// =============================================================================
// PRODUCTS
// =============================================================================

func (s *Store) SaveProduct(ctx context.Context, p Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, recalculable, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, recalculable = excluded.recalculable`,
		p.ID, p.Name, boolToInt(p.Recalculable), p.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *Store) GetProduct(ctx context.Context, id string) (*Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, recalculable, created_at FROM products WHERE id = ?`, id)

	var p Product
	var recalculable int
	var createdAt string
	if err := row.Scan(&p.ID, &p.Name, &recalculable, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	p.Recalculable = recalculable != 0
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, recalculable, created_at FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		var recalculable int
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &recalculable, &createdAt); err != nil {
			return nil, err
		}
		p.Recalculable = recalculable != 0
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

func (s *Store) SaveAssignment(ctx context.Context, a Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cogs_assignments (id, product_id, value, effective_from, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.ProductID, a.Value.String(),
		a.EffectiveFrom.UTC().Format("2006-01-02"),
		a.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// LatestAssignment returns the newest COGS value for a product, or nil.
func (s *Store) LatestAssignment(ctx context.Context, productID string) (*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, value, effective_from, created_at
		FROM cogs_assignments WHERE product_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, productID)
	return scanAssignment(row)
}

func scanAssignment(row *sql.Row) (*Assignment, error) {
	var a Assignment
	var value, effectiveFrom, createdAt string
	if err := row.Scan(&a.ID, &a.ProductID, &value, &effectiveFrom, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var err error
	if a.Value, err = decimal.NewFromString(value); err != nil {
		return nil, fmt.Errorf("corrupt assignment value %q: %w", value, err)
	}
	a.EffectiveFrom, _ = time.Parse("2006-01-02", effectiveFrom)
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &a, nil
}

// =============================================================================
// JOBS
// =============================================================================

func (s *Store) SaveJob(ctx context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var completedAt any
	if j.CompletedAt != nil {
		completedAt = j.CompletedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recalc_jobs (id, product_id, state, error, periods_affected, enqueued_at, finish_after, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		j.ID, j.ProductID, j.State, j.Error, j.PeriodsAffected,
		j.EnqueuedAt.UTC().Format(time.RFC3339),
		j.FinishAfter.UTC().Format(time.RFC3339),
		completedAt)
	return err
}

// LatestJob returns the newest recalculation job for a product, or nil when
// no job was ever enqueued.
func (s *Store) LatestJob(ctx context.Context, productID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, state, COALESCE(error, ''), periods_affected, enqueued_at, finish_after, completed_at
		FROM recalc_jobs WHERE product_id = ?
		ORDER BY enqueued_at DESC, id DESC LIMIT 1`, productID)

	var j Job
	var enqueuedAt, finishAfter string
	var completedAt sql.NullString
	if err := row.Scan(&j.ID, &j.ProductID, &j.State, &j.Error, &j.PeriodsAffected,
		&enqueuedAt, &finishAfter, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	j.EnqueuedAt, _ = time.Parse(time.RFC3339, enqueuedAt)
	j.FinishAfter, _ = time.Parse(time.RFC3339, finishAfter)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		j.CompletedAt = &t
	}
	return &j, nil
}

// DueJobs returns jobs still pending or in progress whose simulated finish
// instant has passed.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, state, COALESCE(error, ''), periods_affected, enqueued_at, finish_after, completed_at
		FROM recalc_jobs
		WHERE state IN ('pending', 'in_progress') AND finish_after <= ?`,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		var enqueuedAt, finishAfter string
		var completedAt sql.NullString
		if err := rows.Scan(&j.ID, &j.ProductID, &j.State, &j.Error, &j.PeriodsAffected,
			&enqueuedAt, &finishAfter, &completedAt); err != nil {
			return nil, err
		}
		j.EnqueuedAt, _ = time.Parse(time.RFC3339, enqueuedAt)
		j.FinishAfter, _ = time.Parse(time.RFC3339, finishAfter)
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkJobsInProgress flips every enqueued pending job to in_progress; the
// simulated work starts as soon as the runner first sees the job.
func (s *Store) MarkJobsInProgress(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE recalc_jobs SET state = 'in_progress'
		WHERE state = 'pending' AND enqueued_at <= ?`,
		now.UTC().Format(time.RFC3339))
	return err
}

// =============================================================================
// SALES AND MARGINS
// =============================================================================

func (s *Store) SaveWeeklySale(ctx context.Context, w WeeklySale) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO weekly_sales (product_id, period_start, units, revenue)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(product_id, period_start) DO UPDATE SET
			units = excluded.units, revenue = excluded.revenue`,
		w.ProductID, w.PeriodStart.UTC().Format("2006-01-02"), w.Units, w.Revenue.String())
	return err
}

// SalesInRange returns a product's weekly sales rows whose period start is
// within [from, to], chronological.
func (s *Store) SalesInRange(ctx context.Context, productID string, from, to time.Time) ([]WeeklySale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, period_start, units, revenue
		FROM weekly_sales
		WHERE product_id = ? AND period_start >= ? AND period_start <= ?
		ORDER BY period_start`,
		productID, from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WeeklySale
	for rows.Next() {
		var w WeeklySale
		var periodStart, revenue string
		if err := rows.Scan(&w.ProductID, &periodStart, &w.Units, &revenue); err != nil {
			return nil, err
		}
		w.PeriodStart, _ = time.Parse("2006-01-02", periodStart)
		if w.Revenue, err = decimal.NewFromString(revenue); err != nil {
			return nil, fmt.Errorf("corrupt revenue %q: %w", revenue, err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// HasSales reports whether any source sales rows exist for the product.
func (s *Store) HasSales(ctx context.Context, productID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM weekly_sales WHERE product_id = ?`, productID).Scan(&n)
	return n > 0, err
}

// SaveWeeklyMargin upserts one derived margin row.
func (s *Store) SaveWeeklyMargin(ctx context.Context, productID string, periodStart time.Time, margin decimal.Decimal, computedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO weekly_margins (product_id, period_start, margin, computed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(product_id, period_start) DO UPDATE SET
			margin = excluded.margin, computed_at = excluded.computed_at`,
		productID, periodStart.UTC().Format("2006-01-02"), margin.String(),
		computedAt.UTC().Format(time.RFC3339))
	return err
}

// OverallMargin returns the average of a product's weekly margins, or nil
// when no margin rows exist yet.
func (s *Store) OverallMargin(ctx context.Context, productID string) (*decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT margin FROM weekly_margins WHERE product_id = ?`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sum := decimal.Zero
	n := 0
	for rows.Next() {
		var margin string
		if err := rows.Scan(&margin); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(margin)
		if err != nil {
			return nil, fmt.Errorf("corrupt margin %q: %w", margin, err)
		}
		sum = sum.Add(d)
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	avg := sum.Div(decimal.NewFromInt(int64(n))).Round(4)
	return &avg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

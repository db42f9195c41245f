package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/margin-engine/api"
	"github.com/warp/margin-engine/calendar"
	"github.com/warp/margin-engine/client"
	"github.com/warp/margin-engine/orchestrate"
	"github.com/warp/margin-engine/polling"
	"github.com/warp/margin-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// handlerNow pins the service clock to Wednesday 2026-03-04 10:00 UTC, so
// the last closed period is the week of Monday 2026-02-23.
var handlerNow = time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store   *sqlite.Store
	handler *api.Handler
	runner  *api.Runner
	server  *httptest.Server
	client  *client.Client
}

func newFixture(t *testing.T) *fixture {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cal := calendar.DefaultConfig()
	handler := api.NewHandler(store, cal)
	handler.PerPeriodDelay = 0
	handler.Now = func() time.Time { return handlerNow }

	runner := api.NewRunner(store, cal)

	server := httptest.NewServer(api.NewRouter(handler, api.RouterOptions{}))
	t.Cleanup(server.Close)

	return &fixture{
		store:   store,
		handler: handler,
		runner:  runner,
		server:  server,
		client:  client.New(server.URL),
	}
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func (f *fixture) createProduct(t *testing.T, id string, recalculable bool) {
	t.Helper()
	resp := f.post(t, "/api/products", api.CreateProductRequest{
		ID: id, Name: "Test " + id, Recalculable: &recalculable,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func (f *fixture) seedSales(t *testing.T, id, periodStart string, units int, revenue string) {
	t.Helper()
	resp := f.post(t, "/api/products/"+id+"/sales", api.SeedSalesRequest{
		PeriodStart: periodStart, Units: units, Revenue: mustDecimal(t, revenue),
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return v
}

// =============================================================================
// ASSIGNMENT LIFECYCLE
// =============================================================================

func TestAssignCOGS_AsyncJobLifecycle(t *testing.T) {
	// GIVEN: a product with one week of sales in the closed week of 02-16
	f := newFixture(t)
	f.createProduct(t, "prod-1", true)
	f.seedSales(t, "prod-1", "2026-02-16", 10, "100")

	// WHEN: assigning COGS 3.50 effective 02-18 (reaches closed periods)
	resp := f.post(t, "/api/products/prod-1/cogs", api.AssignCOGSRequest{
		Value: mustDecimal(t, "3.50"), EffectiveFrom: "2026-02-18",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var assign api.AssignCOGSResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&assign))
	assert.Nil(t, assign.Margin, "historical change must recompute asynchronously")
	assert.NotEmpty(t, assign.JobID)

	// THEN: the status endpoint reports the job as not yet finished
	rec, err := f.client.RecalcStatus(context.Background(), "prod-1")
	require.NoError(t, err)
	assert.Contains(t, []polling.JobState{polling.JobPending, polling.JobInProgress}, rec.State)

	// AND: margin reports no result while the recompute is running
	full, err := f.client.Margin(context.Background(), "prod-1")
	require.NoError(t, err)
	assert.Nil(t, full.Result)
	assert.False(t, full.NoSourceData)

	// WHEN: the runner advances the job
	f.runner.RunNow()

	// THEN: completed, and the margin is (100 - 10*3.50) / 100 = 0.65
	rec, err = f.client.RecalcStatus(context.Background(), "prod-1")
	require.NoError(t, err)
	assert.Equal(t, polling.JobCompleted, rec.State)

	full, err = f.client.Margin(context.Background(), "prod-1")
	require.NoError(t, err)
	require.NotNil(t, full.Result)
	assert.Equal(t, "0.65", full.Result.String())
}

func TestAssignCOGS_OrphanProduct(t *testing.T) {
	// GIVEN: a product with no computable source
	f := newFixture(t)
	f.createProduct(t, "prod-2", false)

	res, err := f.client.AssignCOGS(context.Background(), "prod-2",
		mustDecimal(t, "2.00"), time.Date(2026, time.February, 18, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, res.NotRecalculable)
	assert.Nil(t, res.Result)
}

func TestAssignCOGS_NoAffectedPeriodsCompletesInline(t *testing.T) {
	// GIVEN: an effective date after the last closed period's end (03-02)
	f := newFixture(t)
	f.createProduct(t, "prod-3", true)

	resp := f.post(t, "/api/products/prod-3/cogs", api.AssignCOGSRequest{
		Value: mustDecimal(t, "1.00"), EffectiveFrom: "2026-03-02",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// THEN: the job is already completed; no polling needed
	rec, err := f.client.RecalcStatus(context.Background(), "prod-3")
	require.NoError(t, err)
	assert.Equal(t, polling.JobCompleted, rec.State)
}

func TestAssignCOGS_Validation(t *testing.T) {
	f := newFixture(t)
	f.createProduct(t, "prod-4", true)

	tests := []struct {
		name string
		req  api.AssignCOGSRequest
	}{
		{"negative value", api.AssignCOGSRequest{Value: mustDecimal(t, "-1"), EffectiveFrom: "2026-02-18"}},
		{"bad date", api.AssignCOGSRequest{Value: mustDecimal(t, "1"), EffectiveFrom: "Feb 18"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, "/api/products/prod-4/cogs", tt.req)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestAssignCOGS_UnknownProduct(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/api/products/nope/cogs", api.AssignCOGSRequest{
		Value: mustDecimal(t, "1"), EffectiveFrom: "2026-02-18",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// STATUS ENDPOINT CONTRACT
// =============================================================================

func TestRecalcStatus_NoJobYetReturnsPayloadCarrying404(t *testing.T) {
	// A product with no job must produce the NotFound *record*, which the
	// client must not confuse with a missing endpoint.
	f := newFixture(t)
	f.createProduct(t, "prod-5", true)

	rec, err := f.client.RecalcStatus(context.Background(), "prod-5")
	require.NoError(t, err)
	assert.Equal(t, polling.JobNotFound, rec.State)
}

func TestMargin_NoSourceData(t *testing.T) {
	f := newFixture(t)
	f.createProduct(t, "prod-6", true)

	full, err := f.client.Margin(context.Background(), "prod-6")
	require.NoError(t, err)
	assert.Nil(t, full.Result)
	assert.True(t, full.NoSourceData)
}

// =============================================================================
// BATCH
// =============================================================================

func TestAssignCOGSBatch(t *testing.T) {
	f := newFixture(t)
	f.createProduct(t, "prod-7", true)
	f.createProduct(t, "prod-8", true)
	f.seedSales(t, "prod-7", "2026-02-16", 5, "50")
	f.seedSales(t, "prod-8", "2026-02-16", 5, "50")

	err := f.client.AssignCOGSBatch(context.Background(), []client.AssignmentRequest{
		{ProductID: "prod-7", Value: mustDecimal(t, "2.00"), EffectiveFrom: "2026-02-18"},
		{ProductID: "prod-8", Value: mustDecimal(t, "4.00"), EffectiveFrom: "2026-02-18"},
	})
	require.NoError(t, err)

	f.runner.RunNow()

	for _, id := range []string{"prod-7", "prod-8"} {
		rec, err := f.client.RecalcStatus(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, polling.JobCompleted, rec.State)
	}
}

// =============================================================================
// END TO END: MUTATION -> ORCHESTRATION -> POLLING -> RESULT
// =============================================================================

func TestEndToEnd_AssignThenPollToSuccess(t *testing.T) {
	// GIVEN: the full stack against a live test server
	f := newFixture(t)
	f.createProduct(t, "prod-9", true)
	f.seedSales(t, "prod-9", "2026-02-16", 10, "100")

	registry := polling.NewMemoryRegistry()
	orch := &orchestrate.Orchestrator{
		Calendar: calendar.DefaultConfig(),
		Engine:   polling.NewEngine(registry),
	}

	// WHEN: assigning, letting the backend finish, then polling
	res, err := f.client.AssignCOGS(context.Background(), "prod-9",
		mustDecimal(t, "3.50"), time.Date(2026, time.February, 18, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Nil(t, res.Result)

	f.runner.RunNow()

	done := make(chan decimal.Decimal, 1)
	handle := orch.AfterMutation("prod-9",
		time.Date(2026, time.February, 18, 0, 0, 0, 0, time.UTC),
		res, false,
		f.client.RecalcStatus, f.client.Margin,
		polling.Callbacks{OnSucceeded: func(result decimal.Decimal) { done <- result }})
	require.NotNil(t, handle)

	// THEN: the first immediate check sees completion and the margin lands
	select {
	case got := <-done:
		assert.Equal(t, "0.65", got.String())
	case <-time.After(5 * time.Second):
		t.Fatal("end-to-end polling did not resolve")
	}
	assert.Eventually(t, func() bool { return !registry.IsBusy("prod-9") },
		time.Second, 5*time.Millisecond)
}

package orchestrate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/margin-engine/calendar"
	"github.com/warp/margin-engine/orchestrate"
	"github.com/warp/margin-engine/polling"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type propagations struct {
	mu   sync.Mutex
	keys []string
}

func (p *propagations) fn(key string) {
	p.mu.Lock()
	p.keys = append(p.keys, key)
	p.mu.Unlock()
}

func (p *propagations) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

func newOrchestrator(p *propagations) *orchestrate.Orchestrator {
	return &orchestrate.Orchestrator{
		Calendar:  calendar.DefaultConfig(),
		Engine:    polling.NewEngine(polling.NewMemoryRegistry()),
		Propagate: p.fn,
	}
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// =============================================================================
// SKIP-POLLING FAST PATHS
// =============================================================================

func TestAfterMutation_SynchronousResultSkipsPolling(t *testing.T) {
	// GIVEN: the mutation response already carries the margin
	props := &propagations{}
	orch := newOrchestrator(props)
	margin := d("0.28")

	var got *decimal.Decimal
	handle := orch.AfterMutation("prod-1", time.Now(), orchestrate.MutationResult{Result: &margin}, false,
		nil, nil,
		polling.Callbacks{OnSucceeded: func(result decimal.Decimal) { got = &result }})

	// THEN: immediate success, no session, one propagation
	assert.Nil(t, handle)
	require.NotNil(t, got)
	assert.True(t, margin.Equal(*got))
	assert.Equal(t, 1, props.count())
	assert.Empty(t, orch.Engine.Active())
}

func TestAfterMutation_OrphanSkipsPolling(t *testing.T) {
	// GIVEN: the work unit has no backing computable source
	props := &propagations{}
	orch := newOrchestrator(props)

	fired := false
	handle := orch.AfterMutation("prod-2", time.Now(), orchestrate.MutationResult{NotRecalculable: true}, false,
		nil, nil,
		polling.Callbacks{OnSucceededWithoutResult: func() { fired = true }})

	assert.Nil(t, handle)
	assert.True(t, fired)
	assert.Equal(t, 1, props.count())
}

// =============================================================================
// POLLING PATH
// =============================================================================

func TestAfterMutation_StartsPollingOtherwise(t *testing.T) {
	// GIVEN: no synchronous result; the status endpoint completes on the
	// first check
	props := &propagations{}
	orch := newOrchestrator(props)
	margin := d("0.31")

	status := func(ctx context.Context, key string) (polling.StatusRecord, error) {
		return polling.StatusRecord{State: polling.JobCompleted}, nil
	}
	full := func(ctx context.Context, key string) (polling.FullRecord, error) {
		return polling.FullRecord{Result: &margin}, nil
	}

	done := make(chan decimal.Decimal, 1)
	handle := orch.AfterMutation("prod-3", time.Now(), orchestrate.MutationResult{}, false,
		status, full,
		polling.Callbacks{OnSucceeded: func(result decimal.Decimal) { done <- result }})
	require.NotNil(t, handle)

	select {
	case got := <-done:
		assert.True(t, margin.Equal(got))
	case <-time.After(2 * time.Second):
		t.Fatal("polling did not resolve")
	}
	assert.Eventually(t, func() bool { return props.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAfterMutation_PropagatesOnFailureToo(t *testing.T) {
	props := &propagations{}
	orch := newOrchestrator(props)

	status := func(ctx context.Context, key string) (polling.StatusRecord, error) {
		return polling.StatusRecord{State: polling.JobFailed, ErrorMessage: "boom"}, nil
	}
	full := func(ctx context.Context, key string) (polling.FullRecord, error) {
		return polling.FullRecord{}, nil
	}

	done := make(chan *polling.ClassifiedError, 1)
	orch.AfterMutation("prod-4", time.Now(), orchestrate.MutationResult{}, false,
		status, full,
		polling.Callbacks{OnFailed: func(err *polling.ClassifiedError) { done <- err }})

	select {
	case cerr := <-done:
		assert.Equal(t, polling.KindJobFailed, cerr.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("polling did not resolve")
	}
	assert.Eventually(t, func() bool { return props.count() == 1 }, time.Second, 5*time.Millisecond)
}

// batch flag reaches strategy selection: a batch mutation polls on the flat
// 5s/20 budget. Verified indirectly through the selector's purity here; the
// schedule itself is covered in recalc's tests.
func TestAfterMutation_BatchUsesEngine(t *testing.T) {
	props := &propagations{}
	orch := newOrchestrator(props)

	status := func(ctx context.Context, key string) (polling.StatusRecord, error) {
		return polling.StatusRecord{State: polling.JobCompleted}, nil
	}
	full := func(ctx context.Context, key string) (polling.FullRecord, error) {
		return polling.FullRecord{NoSourceData: true}, nil
	}

	done := make(chan struct{}, 1)
	handle := orch.AfterMutation("prod-5", time.Now(), orchestrate.MutationResult{}, true,
		status, full,
		polling.Callbacks{OnSucceededWithoutResult: func() { done <- struct{}{} }})
	require.NotNil(t, handle)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("polling did not resolve")
	}
}

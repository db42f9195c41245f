/*
Package orchestrate glues a COGS mutation to the polling engine.

PURPOSE:
  The seller's dashboard submits a COGS assignment and needs to know when the
  resulting margin recalculation has landed. Often it already knows: trivial
  changes are computed synchronously and the mutation response carries the
  final margin. Otherwise this package sizes a poll schedule from the
  mutation's effective date and hands the session to the polling engine.

DESIGN:
  - Result propagation (the downstream refresh signal, e.g. cache
    invalidation) fires exactly once per session, on every terminal outcome,
    including the skip-polling fast paths.
  - The orchestrator itself holds no session state; the engine owns sessions
    and their supersede/cancel semantics.

SEE ALSO:
  - recalc/strategy.go: schedule selection
  - polling/engine.go: session execution
*/
package orchestrate

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/margin-engine/calendar"
	"github.com/warp/margin-engine/polling"
	"github.com/warp/margin-engine/recalc"
)

// MutationResult is the synchronous answer to a COGS assignment.
type MutationResult struct {
	// Result is the recomputed margin when the backend computed it inline.
	Result *decimal.Decimal

	// NotRecalculable marks an orphan work unit: the product has no backing
	// computable source, so no recalculation will ever run for it.
	NotRecalculable bool
}

// Orchestrator decides, per mutation, whether to poll at all and with what
// schedule.
type Orchestrator struct {
	Calendar calendar.Config
	Engine   *polling.Engine

	// Propagate signals downstream consumers to refresh the work unit's
	// derived data. Called exactly once per session, whatever the outcome.
	// Optional.
	Propagate func(key string)

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// AfterMutation inspects the mutation response for key and either reports a
// terminal outcome immediately or starts a polling session. The returned
// handle is nil when polling was skipped.
func (o *Orchestrator) AfterMutation(
	key string,
	effectiveFrom time.Time,
	result MutationResult,
	isBatch bool,
	status polling.StatusFunc,
	full polling.FullFetchFunc,
	cb polling.Callbacks,
) *polling.Handle {
	wrapped := o.wrap(key, cb)

	// Fast path: the backend computed the margin synchronously.
	if result.Result != nil {
		wrapped.OnSucceeded(*result.Result)
		return nil
	}

	// Orphan: nothing will ever recompute, so there is nothing to wait for.
	if result.NotRecalculable {
		wrapped.OnSucceededWithoutResult()
		return nil
	}

	now := time.Now()
	if o.Now != nil {
		now = o.Now()
	}
	strategy := recalc.SelectStrategy(o.Calendar, effectiveFrom, now, isBatch)
	return o.Engine.Start(key, strategy, status, full, wrapped)
}

// wrap layers exactly-once result propagation over the caller's callbacks.
// The engine already guarantees at most one terminal callback per session,
// so each branch can propagate unconditionally.
func (o *Orchestrator) wrap(key string, cb polling.Callbacks) polling.Callbacks {
	propagate := func() {
		if o.Propagate != nil {
			o.Propagate(key)
		}
	}
	return polling.Callbacks{
		OnSucceeded: func(result decimal.Decimal) {
			propagate()
			if cb.OnSucceeded != nil {
				cb.OnSucceeded(result)
			}
		},
		OnSucceededWithoutResult: func() {
			propagate()
			if cb.OnSucceededWithoutResult != nil {
				cb.OnSucceededWithoutResult()
			}
		},
		OnTimedOut: func() {
			propagate()
			if cb.OnTimedOut != nil {
				cb.OnTimedOut()
			}
		},
		OnFailed: func(err *polling.ClassifiedError) {
			propagate()
			if cb.OnFailed != nil {
				cb.OnFailed(err)
			}
		},
	}
}

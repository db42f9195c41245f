/*
Package polling drives asynchronous margin-recalculation status polling.

PURPOSE:
  After a COGS mutation, the backend recomputes margin figures for some
  number of historical weeks. This package polls the recalculation status on
  a schedule chosen by the recalc package, classifies every outcome, and
  resolves each session into exactly one terminal result.

KEY CONCEPTS IN THIS FILE (types.go):
  - JobState / StatusRecord: one status check's answer
  - FullRecord: the authoritative margin record, used as fallback transport
    and to retrieve the concrete result on completion
  - SessionStatus: the session state machine's states
  - ClassifiedError: the failure taxonomy (permanent vs transient)
  - Callbacks: terminal sinks, each fired at most once per session

DESIGN PRINCIPLES:
  1. Exactly-once: a session reaches one terminal state and fires one
     terminal callback, regardless of timer/response interleaving
  2. No exceptions outward: transient trouble is absorbed into retries;
     everything resolves through a callback
  3. Precision: results are decimal.Decimal, never float

SEE ALSO:
  - engine.go: the state machine
  - registry.go: cross-session busy-indicator notifications
*/
package polling

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS CHECK RESULTS
// =============================================================================

// JobState is the backend's view of one recalculation job.
type JobState string

const (
	JobPending    JobState = "pending"
	JobInProgress JobState = "in_progress"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobNotFound   JobState = "not_found"
)

// StatusRecord is the answer to one lightweight status check. Ephemeral;
// never persisted by this package.
type StatusRecord struct {
	State        JobState
	ErrorMessage string
}

// FullRecord is the authoritative margin record for a product.
type FullRecord struct {
	// Result is the overall margin, nil while recomputation is still in
	// flight or when no result applies.
	Result *decimal.Decimal

	// NoSourceData is true when the product has no underlying sales rows, so
	// no margin can ever be computed for it.
	NoSourceData bool
}

// StatusFunc fetches the lightweight status record for a work unit. Must be
// idempotent and side-effect-free. May legitimately report JobNotFound for a
// brief window after the triggering mutation.
type StatusFunc func(ctx context.Context, key string) (StatusRecord, error)

// FullFetchFunc fetches the authoritative record for a work unit.
type FullFetchFunc func(ctx context.Context, key string) (FullRecord, error)

// =============================================================================
// SESSION STATES
// =============================================================================

// SessionStatus is a polling session's lifecycle state.
type SessionStatus string

const (
	StatusIdle                   SessionStatus = "idle"
	StatusPolling                SessionStatus = "polling"
	StatusSucceeded              SessionStatus = "succeeded"
	StatusSucceededWithoutResult SessionStatus = "succeeded_without_result"
	StatusTimedOut               SessionStatus = "timed_out"
	StatusFailed                 SessionStatus = "failed"
)

// Terminal reports whether s is one of the four terminal states.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusSucceededWithoutResult, StatusTimedOut, StatusFailed:
		return true
	}
	return false
}

// =============================================================================
// FAILURE TAXONOMY
// =============================================================================

// ErrStatusUnsupported signals that the lightweight status resource is not
// available in this deployment at all (as opposed to a status record being
// absent). The engine reacts by permanently switching the session to polling
// the authoritative record directly.
var ErrStatusUnsupported = errors.New("status resource unsupported")

// ErrorKind distinguishes the failure classes the consuming layer needs to
// word differently.
type ErrorKind string

const (
	// KindUnauthorized: the caller is not allowed to see this work unit.
	KindUnauthorized ErrorKind = "unauthorized"
	// KindBadRequest: the request itself is malformed.
	KindBadRequest ErrorKind = "bad_request"
	// KindNotFound: the status record is absent past the first-attempt grace.
	KindNotFound ErrorKind = "not_found"
	// KindJobFailed: the backend reported the recalculation job as failed.
	KindJobFailed ErrorKind = "job_failed"
	// KindTransient: a server-side fault worth retrying.
	KindTransient ErrorKind = "transient"
)

// ClassifiedError carries a failure and its taxonomy class so callers can
// choose user-visible wording without re-parsing transport details.
type ClassifiedError struct {
	Kind    ErrorKind
	Message string
	Err     error // underlying cause, may be nil
}

func (e *ClassifiedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Permanent reports whether the error should stop polling immediately.
func (e *ClassifiedError) Permanent() bool { return e.Kind != KindTransient }

// classify maps an arbitrary status-check error onto the taxonomy. Errors
// that arrive pre-classified pass through; anything unrecognized is treated
// as transient, since an unknown server-side fault may clear on retry.
func classify(err error) *ClassifiedError {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return &ClassifiedError{Kind: KindTransient, Err: err}
}

// =============================================================================
// TERMINAL CALLBACKS
// =============================================================================

// Callbacks are the terminal sinks for one session. Each is invoked at most
// once per session; nil fields are skipped.
type Callbacks struct {
	OnSucceeded              func(result decimal.Decimal)
	OnSucceededWithoutResult func()
	OnTimedOut               func()
	OnFailed                 func(err *ClassifiedError)
}

/*
engine.go - The polling state machine

PURPOSE:
  Executes one poll schedule per work unit: an immediate first status check,
  then one check per interval tick, classifying every outcome until the
  session resolves into exactly one of {Succeeded, SucceededWithoutResult,
  TimedOut, Failed}, unless it is cancelled first.

DESIGN:
  - One goroutine per session. Checks run synchronously inside the loop, so
    attempts are strictly sequential and at most one request is outstanding
    per session at any time. A tick that fires while a check is still
    running is dropped by the ticker, not queued.
  - An attempt is a completed check cycle (request went out, answer or error
    came back), never a bare timer tick.
  - Starting a session for a key supersedes any active session for that key:
    the old one is cancelled before the new one is registered.
  - Terminal transition, callback dispatch, and registry deregistration are
    guarded so they happen at most once per session even if a cancel races
    an in-flight attempt.
  - Sessions keep polling while the consuming UI is elsewhere; nothing here
    pauses on focus loss. Cancellation is the only way to stop early.

FALLBACK:
  If the lightweight status resource turns out to be unsupported in this
  deployment (ErrStatusUnsupported), the session permanently switches to
  polling the authoritative record instead. The choice is made once and held
  for the rest of the session so the status source never flaps.

USAGE:
  engine := polling.NewEngine(polling.NewMemoryRegistry())
  handle := engine.Start("prod-42", strategy, client.RecalcStatus, client.Margin, callbacks)
  // ... later, e.g. on teardown:
  handle.Cancel()

SEE ALSO:
  - types.go: states, records, failure taxonomy
  - recalc/strategy.go: where the schedule comes from
*/
package polling

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/margin-engine/recalc"
)

// Engine runs polling sessions. Concurrency across distinct work-unit keys
// is unbounded and independent; per key there is at most one active session.
type Engine struct {
	registry Registry
	metrics  *Metrics

	mu       sync.Mutex
	sessions map[string]*session
}

// NewEngine creates an engine that notifies reg on session start and end.
// A nil registry is replaced with a no-op one.
func NewEngine(reg Registry) *Engine {
	if reg == nil {
		reg = nopRegistry{}
	}
	return &Engine{
		registry: reg,
		sessions: make(map[string]*session),
	}
}

// SetMetrics attaches Prometheus instrumentation. Optional; call before the
// first Start.
func (e *Engine) SetMetrics(m *Metrics) { e.metrics = m }

// Active returns the keys with a currently active session, for display.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.sessions))
	for k := range e.sessions {
		keys = append(keys, k)
	}
	return keys
}

// Handle identifies one started session and allows cancelling it.
type Handle struct {
	s *session
}

// Cancel stops the session. Idempotent. No further attempt is dispatched
// and, if no terminal state was reached yet, none ever will be: an attempt
// already in flight completes but its result is discarded.
func (h *Handle) Cancel() { h.s.cancel(true) }

// Status returns the session's current state.
func (h *Handle) Status() SessionStatus { return h.s.currentStatus() }

// Attempts returns the number of completed check cycles so far.
func (h *Handle) Attempts() int { return h.s.currentAttempts() }

// Start begins polling for key on the given strategy. Any active session for
// the same key is cancelled first; its callbacks never fire.
func (e *Engine) Start(key string, strategy recalc.Strategy, status StatusFunc, full FullFetchFunc, cb Callbacks) *Handle {
	ctx, cancelFn := context.WithCancel(context.Background())
	s := &session{
		id:       uuid.NewString(),
		key:      key,
		strategy: strategy,
		status:   status,
		full:     full,
		cb:       cb,
		engine:   e,
		ctx:      ctx,
		cancelFn: cancelFn,
		state:    StatusIdle,
	}

	e.mu.Lock()
	old := e.sessions[key]
	oldNeedsEnd := false
	if old != nil {
		// Supersede: the old session must not outlive the new one. The
		// cancelled flag is set here, synchronously, so an in-flight check on
		// the old session can never drive it to a terminal state once the new
		// session exists.
		log.Printf("[Polling] session %s for %s superseded", old.id, key)
		oldNeedsEnd = old.markSuperseded()
	}
	e.sessions[key] = s
	e.mu.Unlock()
	if oldNeedsEnd {
		// Teardown goes through remove and needs e.mu, so it cannot run
		// inline above. Only bookkeeping lags; the cancel already happened.
		go old.end("")
	}

	e.registry.SessionStarted(key)
	if e.metrics != nil {
		e.metrics.sessionStarted()
	}
	log.Printf("[Polling] session %s started for %s (interval=%v, maxAttempts=%d)",
		s.id, key, strategy.Interval, strategy.MaxAttempts)

	go s.run()
	return &Handle{s: s}
}

// remove drops s from the session table and reports whether s was still the
// current session for its key. A superseded session is no longer current;
// its registry entry now belongs to its successor and must not be removed.
func (e *Engine) remove(s *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions[s.key] == s {
		delete(e.sessions, s.key)
		return true
	}
	return false
}

// =============================================================================
// SESSION
// =============================================================================

type session struct {
	id       string
	key      string
	strategy recalc.Strategy
	status   StatusFunc
	full     FullFetchFunc
	cb       Callbacks
	engine   *Engine

	ctx      context.Context
	cancelFn context.CancelFunc

	mu        sync.Mutex
	state     SessionStatus
	attempts  int
	cancelled bool

	// inFallback means the lightweight status resource proved unsupported
	// and this session polls the authoritative record for its remaining
	// attempts. Set at most once, never cleared.
	inFallback bool

	// endOnce guards registry deregistration and metrics, which must happen
	// exactly once whether the session ends terminally or by cancellation.
	endOnce sync.Once
}

func (s *session) currentStatus() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) currentAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *session) run() {
	s.mu.Lock()
	s.state = StatusPolling
	s.mu.Unlock()

	// First check fires immediately; the ticker covers the rest.
	s.attempt()

	ticker := time.NewTicker(s.strategy.Interval)
	defer ticker.Stop()

	for {
		if s.done() {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.attempt()
		}
	}
}

func (s *session) done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Terminal() || s.cancelled
}

// attempt performs one complete check cycle and applies the classification
// rules. It runs on the session goroutine only.
func (s *session) attempt() {
	if s.inFallback {
		s.attemptFull()
		return
	}

	rec, err := s.status(s.ctx, s.key)
	if s.ctx.Err() != nil {
		// Cancelled while the check was in flight; discard the answer.
		return
	}
	if err != nil {
		s.handleCheckError(err)
		return
	}

	attempts := s.countAttempt()
	switch rec.State {
	case JobNotFound:
		if attempts == 1 {
			// Benign race: the job may not be registered yet on the very
			// first poll after the mutation. Swallowed once per session.
			log.Printf("[Polling] session %s: status not found on first attempt, treating as pending", s.id)
			return
		}
		s.finish(StatusFailed, nil, &ClassifiedError{
			Kind:    KindNotFound,
			Message: "status record still absent after first attempt",
		})

	case JobPending, JobInProgress:
		if attempts >= s.strategy.MaxAttempts {
			s.finish(StatusTimedOut, nil, nil)
		}

	case JobCompleted:
		s.resolveCompleted()

	case JobFailed:
		s.finish(StatusFailed, nil, &ClassifiedError{
			Kind:    KindJobFailed,
			Message: rec.ErrorMessage,
		})

	default:
		// Unknown state from a newer backend: keep waiting rather than fail.
		if attempts >= s.strategy.MaxAttempts {
			s.finish(StatusTimedOut, nil, nil)
		}
	}
}

// attemptFull polls the authoritative record directly (fallback mode).
func (s *session) attemptFull() {
	rec, err := s.full(s.ctx, s.key)
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		s.handleCheckError(err)
		return
	}

	attempts := s.countAttempt()
	switch {
	case rec.Result != nil:
		s.finish(StatusSucceeded, rec.Result, nil)
	case rec.NoSourceData:
		s.finish(StatusSucceededWithoutResult, nil, nil)
	default:
		// No result yet: the recompute is still running.
		if attempts >= s.strategy.MaxAttempts {
			s.finish(StatusTimedOut, nil, nil)
		}
	}
}

// resolveCompleted looks up the concrete result once the status resource
// reports completion. The job did finish, so a missing result (or a failing
// lookup) is a valid outcome, not an error.
func (s *session) resolveCompleted() {
	rec, err := s.full(s.ctx, s.key)
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Printf("[Polling] session %s: completed but result lookup failed: %v", s.id, err)
		s.finish(StatusSucceededWithoutResult, nil, nil)
		return
	}
	if rec.Result != nil {
		s.finish(StatusSucceeded, rec.Result, nil)
		return
	}
	s.finish(StatusSucceededWithoutResult, nil, nil)
}

func (s *session) handleCheckError(err error) {
	if !s.inFallback && isUnsupported(err) {
		// The status resource does not exist in this deployment. Switch to
		// the authoritative record for the rest of the session. Decided
		// once and held fixed, so the source never flaps.
		s.inFallback = true
		log.Printf("[Polling] session %s: status resource unsupported, falling back to full record", s.id)
		s.attemptFull()
		return
	}

	ce := classify(err)
	if ce.Permanent() {
		s.finish(StatusFailed, nil, ce)
		return
	}

	// Transient server fault: consumes an attempt, keeps the interval.
	if s.countAttempt() >= s.strategy.MaxAttempts {
		s.finish(StatusTimedOut, nil, nil)
		return
	}
	log.Printf("[Polling] session %s: transient check failure, will retry: %v", s.id, err)
}

func (s *session) countAttempt() int {
	s.mu.Lock()
	s.attempts++
	n := s.attempts
	s.mu.Unlock()
	if s.engine.metrics != nil {
		s.engine.metrics.attemptMade()
	}
	return n
}

// finish transitions the session into a terminal state and fires its
// callback. At most one call wins; later calls, and any call after a
// pre-terminal cancel, are no-ops.
func (s *session) finish(terminal SessionStatus, result *decimal.Decimal, cerr *ClassifiedError) {
	s.mu.Lock()
	if s.state.Terminal() || s.cancelled {
		s.mu.Unlock()
		return
	}
	s.state = terminal
	s.mu.Unlock()

	s.cancelFn()
	s.end(terminal)

	log.Printf("[Polling] session %s for %s finished: %s", s.id, s.key, terminal)

	switch terminal {
	case StatusSucceeded:
		if s.cb.OnSucceeded != nil {
			s.cb.OnSucceeded(*result)
		}
	case StatusSucceededWithoutResult:
		if s.cb.OnSucceededWithoutResult != nil {
			s.cb.OnSucceededWithoutResult()
		}
	case StatusTimedOut:
		if s.cb.OnTimedOut != nil {
			s.cb.OnTimedOut()
		}
	case StatusFailed:
		if s.cb.OnFailed != nil {
			s.cb.OnFailed(cerr)
		}
	}
}

// markSuperseded flips the cancelled flag and stops the context. It takes
// only s.mu, never the engine mutex, so Start may call it while holding e.mu.
// It reports whether the caller owes the session its end teardown; a session
// that already ended (terminally or by cancel) owes nothing.
func (s *session) markSuperseded() bool {
	s.mu.Lock()
	if s.cancelled || s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.cancelled = true
	s.mu.Unlock()
	s.cancelFn()
	return true
}

// cancel stops the session without forcing a terminal state.
func (s *session) cancel(explicit bool) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	alreadyTerminal := s.state.Terminal()
	s.cancelled = true
	s.mu.Unlock()

	s.cancelFn()
	if !alreadyTerminal {
		if explicit {
			log.Printf("[Polling] session %s for %s cancelled", s.id, s.key)
		}
		s.end("")
	}
}

// end performs the exactly-once session teardown: registry deregistration,
// metrics, and removal from the engine's table. terminal is empty for
// cancellation.
func (s *session) end(terminal SessionStatus) {
	s.endOnce.Do(func() {
		if s.engine.remove(s) {
			s.engine.registry.SessionEnded(s.key)
		}
		if s.engine.metrics != nil {
			s.engine.metrics.sessionEnded(terminal, s.currentAttempts())
		}
	})
}

func isUnsupported(err error) bool {
	return errors.Is(err, ErrStatusUnsupported)
}

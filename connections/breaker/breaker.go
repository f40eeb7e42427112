// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package breaker implements the circuit breaker that isolates each backend
// instance (and the session cache) from the rest of the process.
//
// A breaker starts closed. Every finished call records an outcome into a
// rolling window bounded both by count (WindowSize) and by age (Window).
// Once at least MinimumRequests outcomes are in the window and the failure
// percentage exceeds FailureThreshold, the breaker opens and rejects calls
// with *apperr.CircuitOpenError. After ResetTimeout it lets up to
// HalfOpenMaxTrials trial calls through; one success closes it and clears
// the window, one failure reopens it and restarts the timer.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"axonflow/tenantdb/shared/apperr"
)

// State is the breaker state.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Outcome classifies a finished call for the failure window.
type Outcome int

const (
	// Success counts toward volume but not failures.
	Success Outcome = iota
	// Failure counts toward volume and failures.
	Failure
	// Ignore is not recorded at all (for example a caller cancellation).
	Ignore
)

// Classifier maps a call error to an Outcome.
type Classifier func(err error) Outcome

// DefaultClassifier treats nil as success, caller cancellation as ignored
// and everything else, deadlines included, as a failure.
func DefaultClassifier(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, context.Canceled):
		return Ignore
	default:
		return Failure
	}
}

// Settings configure one breaker.
type Settings struct {
	// FailureThreshold is the failure percentage (0-100] that must be
	// exceeded to trip.
	FailureThreshold float64
	// MinimumRequests is the volume required before the threshold applies.
	MinimumRequests int
	// WindowSize caps how many recent outcomes are considered.
	WindowSize int
	// Window drops outcomes older than this. Zero keeps them until pushed
	// out by WindowSize.
	Window            time.Duration
	ResetTimeout      time.Duration
	HalfOpenMaxTrials int
	// CallTimeout bounds each call made through Execute. Zero means the
	// caller's deadline only.
	CallTimeout time.Duration
}

// DefaultSettings are used for any zero field.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:  50,
		MinimumRequests:   10,
		WindowSize:        20,
		Window:            30 * time.Second,
		ResetTimeout:      15 * time.Second,
		HalfOpenMaxTrials: 1,
		CallTimeout:       5 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.MinimumRequests <= 0 {
		s.MinimumRequests = d.MinimumRequests
	}
	if s.WindowSize <= 0 {
		s.WindowSize = d.WindowSize
	}
	if s.WindowSize < s.MinimumRequests {
		s.WindowSize = s.MinimumRequests
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = d.ResetTimeout
	}
	if s.HalfOpenMaxTrials <= 0 {
		s.HalfOpenMaxTrials = d.HalfOpenMaxTrials
	}
	return s
}

// Snapshot is a point-in-time copy of breaker state.
type Snapshot struct {
	Key            string    `json:"key"`
	State          string    `json:"state"`
	Requests       int       `json:"requests"`
	Failures       int       `json:"failures"`
	LastTransition time.Time `json:"last_transition"`
}

type sample struct {
	at     time.Time
	failed bool
}

// Breaker is safe for concurrent use. All state changes happen under one
// mutex so concurrent failures are aggregated before the threshold check.
type Breaker struct {
	key        string
	settings   Settings
	now        func() time.Time
	classify   Classifier
	onChange   func(key string, from, to State)
	mu         sync.Mutex
	state      State
	generation uint64
	samples    []sample
	next       int
	filled     int
	openedAt   time.Time
	changedAt  time.Time
	trials     int
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithClassifier replaces DefaultClassifier.
func WithClassifier(c Classifier) Option {
	return func(b *Breaker) { b.classify = c }
}

// WithStateChange registers a hook called after every transition. It runs
// outside the breaker lock.
func WithStateChange(fn func(key string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a closed breaker.
func New(key string, settings Settings, opts ...Option) *Breaker {
	b := &Breaker{
		key:      key,
		settings: settings.withDefaults(),
		now:      time.Now,
		classify: DefaultClassifier,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.samples = make([]sample, b.settings.WindowSize)
	b.changedAt = b.now()
	return b
}

// Key returns the breaker key.
func (b *Breaker) Key() string { return b.key }

// Settings returns the effective settings.
func (b *Breaker) Settings() Settings { return b.settings }

// Ticket is the permission for one call. Exactly one of Done or Cancel
// should be called.
type Ticket struct {
	b          *Breaker
	generation uint64
	trial      bool
	once       sync.Once
}

// Done records the call result.
func (t *Ticket) Done(err error) {
	t.once.Do(func() { t.b.record(t, t.b.classify(err)) })
}

// Record records an explicit outcome.
func (t *Ticket) Record(o Outcome) {
	t.once.Do(func() { t.b.record(t, o) })
}

// Allow asks for permission to call the backend. It fails fast with
// *apperr.CircuitOpenError while the breaker is open or while all half-open
// trial slots are taken.
func (b *Breaker) Allow() (*Ticket, error) {
	b.mu.Lock()
	now := b.now()
	from, to, changed := b.advanceLocked(now)

	var (
		ticket *Ticket
		err    error
	)
	switch b.state {
	case Closed:
		ticket = &Ticket{b: b, generation: b.generation}
	case HalfOpen:
		if b.trials < b.settings.HalfOpenMaxTrials {
			b.trials++
			ticket = &Ticket{b: b, generation: b.generation, trial: true}
		} else {
			err = &apperr.CircuitOpenError{Key: b.key, RetryAfter: b.settings.CallTimeout}
		}
	case Open:
		err = &apperr.CircuitOpenError{Key: b.key, RetryAfter: b.settings.ResetTimeout - now.Sub(b.openedAt)}
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
	return ticket, err
}

// Execute runs fn under the breaker with the configured call timeout.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	ticket, err := b.Allow()
	if err != nil {
		return err
	}
	callCtx := ctx
	if b.settings.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.settings.CallTimeout)
		defer cancel()
	}
	err = fn(callCtx)
	ticket.Done(err)
	return err
}

// State returns the current state, moving open to half-open if the reset
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	from, to, changed := b.advanceLocked(b.now())
	s := b.state
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
	return s
}

// Snapshot returns counters for the current window.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	now := b.now()
	from, to, changed := b.advanceLocked(now)
	requests, failures := b.countLocked(now)
	snap := Snapshot{
		Key:            b.key,
		State:          b.state.String(),
		Requests:       requests,
		Failures:       failures,
		LastTransition: b.changedAt,
	}
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
	return snap
}

// Reset forces the breaker closed and clears the window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.transitionLocked(Closed, b.now())
	b.mu.Unlock()
	if from != Closed {
		b.notify(from, Closed)
	}
}

func (b *Breaker) record(t *Ticket, o Outcome) {
	b.mu.Lock()
	now := b.now()
	from := b.state
	changed := false

	if t.trial && t.generation == b.generation && b.state == HalfOpen {
		b.trials--
		switch o {
		case Success:
			b.transitionLocked(Closed, now)
			changed = true
		case Failure:
			b.transitionLocked(Open, now)
			changed = true
		}
	} else if !t.trial && t.generation == b.generation && b.state == Closed && o != Ignore {
		b.samples[b.next] = sample{at: now, failed: o == Failure}
		b.next = (b.next + 1) % len(b.samples)
		if b.filled < len(b.samples) {
			b.filled++
		}
		if b.shouldTripLocked(now) {
			b.transitionLocked(Open, now)
			changed = true
		}
	}
	// Outcomes from an earlier generation belong to a window that no longer
	// exists and are dropped.
	to := b.state
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
}

func (b *Breaker) shouldTripLocked(now time.Time) bool {
	requests, failures := b.countLocked(now)
	if requests < b.settings.MinimumRequests {
		return false
	}
	return float64(failures)*100/float64(requests) > b.settings.FailureThreshold
}

func (b *Breaker) countLocked(now time.Time) (requests, failures int) {
	for i := 0; i < b.filled; i++ {
		s := b.samples[i]
		if b.settings.Window > 0 && now.Sub(s.at) > b.settings.Window {
			continue
		}
		requests++
		if s.failed {
			failures++
		}
	}
	return requests, failures
}

func (b *Breaker) advanceLocked(now time.Time) (from, to State, changed bool) {
	if b.state == Open && now.Sub(b.openedAt) >= b.settings.ResetTimeout {
		b.transitionLocked(HalfOpen, now)
		return Open, HalfOpen, true
	}
	return b.state, b.state, false
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	b.state = to
	b.generation++
	b.changedAt = now
	b.trials = 0
	switch to {
	case Open:
		b.openedAt = now
	case Closed:
		b.next = 0
		b.filled = 0
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil && from != to {
		b.onChange(b.key, from, to)
	}
}

package session

import (
	"sync"
)

// Run represents one user-turn-to-completion cycle. Both flags are
// monotonic: cancelled and finalSent only ever go false to true, and
// MarkFinalSent grants the transition to exactly one caller.
type Run struct {
	ID string

	mu        sync.Mutex
	cancelled bool
	finalSent bool
	steps     []string
	onCancel  []func()
}

// NewRun opens a run with a fresh id.
func NewRun() *Run {
	return &Run{ID: NewRunID()}
}

// Cancel flips the cancelled flag and fires the registered cancel hooks.
// Returns false if the run was already cancelled.
func (r *Run) Cancel() bool {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return false
	}
	r.cancelled = true
	hooks := r.onCancel
	r.onCancel = nil
	r.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
	return true
}

// Cancelled reports whether the run has been cancelled. Events arriving
// after cancellation are suppressed against this flag rather than erroring.
func (r *Run) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// OnCancel registers a hook invoked when the run is cancelled. If the run is
// already cancelled the hook fires immediately.
func (r *Run) OnCancel(hook func()) {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		hook()
		return
	}
	r.onCancel = append(r.onCancel, hook)
	r.mu.Unlock()
}

// MarkFinalSent claims the right to send the turn's terminal answer.
// Exactly one caller per run observes true.
func (r *Run) MarkFinalSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalSent {
		return false
	}
	r.finalSent = true
	return true
}

// FinalSent reports whether a terminal answer has been sent.
func (r *Run) FinalSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalSent
}

// Emit invokes fn only while the run is still open, holding the flag lock
// across the call. Because MarkFinalSent takes the same lock before the
// terminal answer goes out, no progress event emitted through here can
// trail it. fn must not call back into Run.
func (r *Run) Emit(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled || r.finalSent {
		return false
	}
	fn()
	return true
}

// AppendStep records one human-readable progress line.
func (r *Run) AppendStep(step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

// Steps returns a copy of the ordered step log.
func (r *Run) Steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.steps))
	copy(out, r.steps)
	return out
}

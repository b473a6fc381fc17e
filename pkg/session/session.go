// Package session owns all cross-turn mutable state of the broker process.
// Every component receives its Session or the Registry by handle; there is
// no ambient global state.
package session

import (
	"log/slog"
	"sync"

	"github.com/osheridan/pagepilot/pkg/approval"
	"github.com/osheridan/pagepilot/pkg/broker"
	"github.com/osheridan/pagepilot/pkg/observability"
	"github.com/osheridan/pagepilot/pkg/protocol"
	"github.com/osheridan/pagepilot/pkg/resolve"
)

// turnQueueDepth bounds how many user messages may wait behind the running
// turn before new ones are refused.
const turnQueueDepth = 16

// Session is the per-peer state bundle: its broker, approval gate, active
// run, last candidate set, and the serialized turn queue.
type Session struct {
	ID string

	Broker *broker.Broker
	Gate   *approval.Gate

	log *observability.Logger

	mu         sync.Mutex
	run        *Run
	candidates []resolve.Candidate
	sender     broker.Transport
	closers    []func()
	closed     bool

	queue chan func()
	// wake is closed on teardown so the worker exits even mid-queue.
	done chan struct{}
}

func newSession(id string, log *observability.Logger) *Session {
	s := &Session{
		ID:     id,
		Broker: broker.New(id, log),
		Gate:   approval.NewGate(),
		log:    log.WithSession(id),
		queue:  make(chan func(), turnQueueDepth),
		done:   make(chan struct{}),
	}
	go s.worker()
	return s
}

// worker drains the turn queue one item at a time, giving the session its
// strict turn serialization.
func (s *Session) worker() {
	for {
		select {
		case turn, ok := <-s.queue:
			if !ok {
				return
			}
			turn()
		case <-s.done:
			return
		}
	}
}

// Enqueue schedules one turn behind any turn already running. Returns false
// when the session is closed or the queue is saturated.
func (s *Session) Enqueue(turn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	select {
	case s.queue <- turn:
		return true
	default:
		s.log.Warn("turn queue saturated, refusing message")
		return false
	}
}

// SetSender installs the outbound transport for this session and hands it to
// the broker as the actuator channel.
func (s *Session) SetSender(t broker.Transport) {
	s.mu.Lock()
	s.sender = t
	s.mu.Unlock()
	s.Broker.SetTransport(t)
}

// Send delivers one outbound envelope over the session transport.
func (s *Session) Send(env protocol.Outbound) error {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender == nil || !sender.Ready() {
		return protocol.NewError(protocol.CodeExtensionNotReady, "session transport unavailable")
	}
	observability.EnvelopesSent.WithLabelValues(env.Type).Inc()
	return sender.Send(env)
}

// BeginRun opens a run for a new turn, replacing any terminated predecessor.
// At most one run is active per session; the caller must hold the turn slot
// (i.e. run inside Enqueue).
func (s *Session) BeginRun() *Run {
	r := NewRun()
	s.mu.Lock()
	s.run = r
	s.candidates = nil
	s.mu.Unlock()
	return r
}

// ActiveRun returns the session's run, or nil outside a turn.
func (s *Session) ActiveRun() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

// EndRun clears the active run if it is still r.
func (s *Session) EndRun(r *Run) {
	s.mu.Lock()
	if s.run == r {
		s.run = nil
	}
	s.mu.Unlock()
}

// SetCandidates replaces the last candidate set wholesale.
func (s *Session) SetCandidates(cands []resolve.Candidate) {
	s.mu.Lock()
	s.candidates = cands
	s.mu.Unlock()
}

// Candidates returns a copy of the last candidate set.
func (s *Session) Candidates() []resolve.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]resolve.Candidate, len(s.candidates))
	copy(out, s.candidates)
	return out
}

// SelectCandidate narrows the candidate set to the single entry with the
// given turn-scoped id.
func (s *Session) SelectCandidate(id int) (resolve.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.candidates {
		if c.ID == id {
			s.candidates = []resolve.Candidate{c}
			return c, nil
		}
	}
	return resolve.Candidate{}, protocol.NewError(protocol.CodeNotFound, "no candidate with that id")
}

// SoleCandidate returns the single member of the candidate set. Target
// actions require exactly one; zero or several is a driver-visible error.
func (s *Session) SoleCandidate() (resolve.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch len(s.candidates) {
	case 1:
		return s.candidates[0], nil
	case 0:
		return resolve.Candidate{}, protocol.NewError(protocol.CodeNotFound, "no candidates resolved; refine the query")
	default:
		return resolve.Candidate{}, protocol.NewError(protocol.CodeNotFound, "ambiguous target; select one candidate first")
	}
}

// AddCloser registers teardown work (driver subscriptions, timers) released
// exactly once when the session closes.
func (s *Session) AddCloser(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.closers = append(s.closers, fn)
	s.mu.Unlock()
}

// Close tears the session down: cancels the active run, rejects pending
// tool calls and approvals, stops the turn worker, and releases closers.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	run := s.run
	s.run = nil
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	close(s.done)
	if run != nil {
		run.Cancel()
	}
	if n := s.Broker.CancelAll(); n > 0 {
		s.log.Info("session teardown rejected pending calls", slog.Int("count", n))
	}
	s.Gate.Deny()
	for _, fn := range closers {
		fn()
	}
	s.log.Info("session closed")
}

// Registry is the process-wide session table. All lookups go through
// LookupOrCreate so no two Session objects ever share an id.
type Registry struct {
	log *observability.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(log *observability.Logger) *Registry {
	return &Registry{
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// LookupOrCreate returns the session for id, creating it on first sight.
func (r *Registry) LookupOrCreate(id string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s = newSession(id, r.log)
	r.sessions[id] = s
	r.log.Info("session created", slog.String("session_id", id))
	return s
}

// Get returns the session for id without creating it.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove tears down and forgets the session for id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close tears down every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

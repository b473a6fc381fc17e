// Package broker correlates tool requests sent to the page-side actuator
// with the results, timeouts, or cancellations that settle them. Every
// issued call settles exactly once; late or duplicate settlements for an
// action id that is no longer pending are silent no-ops.
package broker

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/osheridan/pagepilot/pkg/observability"
	"github.com/osheridan/pagepilot/pkg/protocol"
)

var actionEntropy = ulid.Monotonic(cryptorand.Reader, 0)

// NewActionID returns a fresh correlation id for one tool invocation.
func NewActionID() string {
	return "act-" + ulid.MustNew(ulid.Timestamp(time.Now()), actionEntropy).String()
}

// Transport is the outbound half of the actuator channel for one session.
type Transport interface {
	// Ready reports whether the actuator side is reachable.
	Ready() bool
	// Send delivers one envelope to the actuator side.
	Send(env protocol.Outbound) error
}

// Settlement is the terminal outcome of one tool call.
type Settlement struct {
	OK   bool
	Data json.RawMessage
	Err  *protocol.Error
}

type pendingCall struct {
	actionID string
	tool     protocol.Tool
	issuedAt time.Time
	timer    *time.Timer
	done     chan Settlement
}

// Broker owns the pending-call table for one session.
type Broker struct {
	sessionID string
	log       *observability.Logger

	// Timeouts overrides the default per-tool deadlines. Missing tools use
	// the protocol defaults.
	Timeouts map[protocol.Tool]time.Duration

	mu        sync.Mutex
	transport Transport
	pending   map[string]*pendingCall
}

// New creates a broker for the given session.
func New(sessionID string, log *observability.Logger) *Broker {
	return &Broker{
		sessionID: sessionID,
		log:       log.WithSession(sessionID),
		pending:   make(map[string]*pendingCall),
	}
}

// SetTransport installs the actuator channel. A nil transport marks the
// actuator unreachable.
func (b *Broker) SetTransport(t Transport) {
	b.mu.Lock()
	b.transport = t
	b.mu.Unlock()
}

// Issue dispatches a correlated tool request and returns the action id plus
// a channel that receives the single settlement. actionID may be empty, in
// which case one is generated. Fails immediately with EXTENSION_NOT_READY
// when no actuator channel is reachable.
func (b *Broker) Issue(actionID string, tool protocol.Tool, params map[string]any, uiLabel string) (string, <-chan Settlement, error) {
	if actionID == "" {
		actionID = NewActionID()
	}

	b.mu.Lock()
	transport := b.transport
	if transport == nil || !transport.Ready() {
		b.mu.Unlock()
		return "", nil, protocol.NewError(protocol.CodeExtensionNotReady, "actuator channel unavailable")
	}
	if _, exists := b.pending[actionID]; exists {
		b.mu.Unlock()
		return "", nil, protocol.NewError(protocol.CodeExtensionNotReady, "action id already pending: "+actionID)
	}

	call := &pendingCall{
		actionID: actionID,
		tool:     tool,
		issuedAt: time.Now(),
		done:     make(chan Settlement, 1),
	}
	timeout := tool.Timeout()
	if t, ok := b.Timeouts[tool]; ok && t > 0 {
		timeout = t
	}
	call.timer = time.AfterFunc(timeout, func() { b.expire(actionID) })
	b.pending[actionID] = call
	b.mu.Unlock()

	env := protocol.ToolRequest(b.sessionID, actionID, tool, params, uiLabel)
	if err := transport.Send(env); err != nil {
		b.take(actionID)
		return "", nil, protocol.WrapError(protocol.CodeExtensionNotReady, "tool request dispatch failed", err)
	}

	observability.ToolCallsIssued.WithLabelValues(string(tool)).Inc()
	b.log.Debug("tool request issued",
		slog.String("action_id", actionID),
		slog.String("tool", string(tool)),
	)
	return actionID, call.done, nil
}

// Settle resolves a pending call with the actuator's result. Returns false
// when the action id is not pending (already settled, timed out, or
// cancelled), which callers must treat as a normal late-result condition.
func (b *Broker) Settle(actionID string, ok bool, data json.RawMessage, code protocol.Code) bool {
	call := b.take(actionID)
	if call == nil {
		return false
	}
	s := Settlement{OK: ok, Data: data}
	if !ok {
		if !code.Valid() {
			code = protocol.CodeExtensionNotReady
		}
		s.Err = protocol.NewError(code, "tool call failed")
	}
	b.finish(call, s)
	return true
}

// CancelAll rejects every currently pending call with CANCELLED.
func (b *Broker) CancelAll() int {
	b.mu.Lock()
	calls := make([]*pendingCall, 0, len(b.pending))
	for id, call := range b.pending {
		call.timer.Stop()
		calls = append(calls, call)
		delete(b.pending, id)
	}
	b.mu.Unlock()

	for _, call := range calls {
		b.finish(call, Settlement{Err: protocol.NewError(protocol.CodeCancelled, "run cancelled")})
	}
	return len(calls)
}

// PendingCount returns the number of outstanding calls.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Await blocks until the call settles or ctx is done. A context cancellation
// settles the outcome as CANCELLED without removing the pending entry; the
// entry is owned by whichever of Settle, expire, or CancelAll fires first.
func Await(ctx context.Context, done <-chan Settlement) Settlement {
	select {
	case s := <-done:
		return s
	case <-ctx.Done():
		return Settlement{Err: protocol.NewError(protocol.CodeCancelled, "run cancelled")}
	}
}

// expire rejects a call whose deadline elapsed before any result arrived.
func (b *Broker) expire(actionID string) {
	call := b.take(actionID)
	if call == nil {
		return
	}
	b.log.Warn("tool call deadline elapsed",
		slog.String("action_id", actionID),
		slog.String("tool", string(call.tool)),
	)
	b.finish(call, Settlement{Err: protocol.NewError(protocol.CodeTimeout, "deadline elapsed")})
}

// take atomically removes and returns the pending call, stopping its timer.
// Returns nil when the id is not pending; this is the first-writer-wins
// point that makes duplicate settlements safe.
func (b *Broker) take(actionID string) *pendingCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	call, ok := b.pending[actionID]
	if !ok {
		return nil
	}
	call.timer.Stop()
	delete(b.pending, actionID)
	return call
}

func (b *Broker) finish(call *pendingCall, s Settlement) {
	outcome := "ok"
	if s.Err != nil {
		outcome = string(s.Err.Code)
	} else if !s.OK {
		outcome = "error"
	}
	observability.ToolCallsSettled.WithLabelValues(string(call.tool), outcome).Inc()
	observability.ToolCallDuration.WithLabelValues(string(call.tool)).Observe(time.Since(call.issuedAt).Seconds())
	call.done <- s
}

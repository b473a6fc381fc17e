// Package driver defines the port between the run controller and the
// external natural-language driver. The controller hands the driver a
// constrained tool surface; the driver decides which tools to invoke and
// produces the final answer.
package driver

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/osheridan/pagepilot/pkg/protocol"
)

// ToolAPI is the only way a driver can act on the page. Invoke returns the
// tool's outcome: a taxonomy-coded error is the tool failing, not the turn
// failing, and the driver chooses whether to retry, rephrase, or abort.
type ToolAPI interface {
	Invoke(ctx context.Context, tool protocol.Tool, params map[string]any) (json.RawMessage, error)
	Say(delta string)
}

// Driver runs one turn against the tool surface and returns the final
// answer text. A context cancellation is the best-effort abort signal; the
// driver should return promptly once it observes it.
type Driver interface {
	RunTurn(ctx context.Context, userText string, tools ToolAPI) (string, error)
}

// Event is a progress notification emitted by a driver while it works.
type Event struct {
	Text string
}

// Handle is a subscription registration. Unsubscribe is idempotent and must
// be called when the owning session tears down.
type Handle struct {
	once    sync.Once
	release func()
}

// Unsubscribe releases the subscription.
func (h *Handle) Unsubscribe() {
	h.once.Do(h.release)
}

// Emitter is a small fan-out for driver progress events. Drivers embed it;
// the run controller subscribes and forwards events as step lines.
type Emitter struct {
	mu   sync.Mutex
	subs map[int]func(Event)
	next int
}

// Subscribe registers fn and returns its release handle.
func (e *Emitter) Subscribe(fn func(Event)) *Handle {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[int]func(Event))
	}
	id := e.next
	e.next++
	e.subs[id] = fn
	e.mu.Unlock()

	return &Handle{release: func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}}
}

// SubscriberCount returns the number of live subscriptions.
func (e *Emitter) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Emit delivers ev to every current subscriber.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	fns := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

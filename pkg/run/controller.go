// Package run drives one end-to-end driver turn per session: it opens the
// Run, sequences gated tool calls through the broker, records the step log,
// and implements cancellation that atomically invalidates all in-flight work
// for the turn.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/osheridan/pagepilot/pkg/approval"
	"github.com/osheridan/pagepilot/pkg/broker"
	"github.com/osheridan/pagepilot/pkg/driver"
	"github.com/osheridan/pagepilot/pkg/observability"
	"github.com/osheridan/pagepilot/pkg/protocol"
	"github.com/osheridan/pagepilot/pkg/resolve"
	"github.com/osheridan/pagepilot/pkg/session"
)

// DefaultKeepAlive is how often a filler progress line is emitted while a
// turn is in flight so the transport does not appear stalled.
const DefaultKeepAlive = 10 * time.Second

// Controller sequences turns for every session.
type Controller struct {
	Driver    driver.Driver
	Policy    approval.Policy
	KeepAlive time.Duration

	log *observability.Logger
}

// NewController creates a controller using the given driver and approval
// policy.
func NewController(d driver.Driver, policy approval.Policy, log *observability.Logger) *Controller {
	return &Controller{
		Driver:    d,
		Policy:    policy,
		KeepAlive: DefaultKeepAlive,
		log:       log,
	}
}

// HandleUserMessage queues one turn behind any turn already running for the
// session. Returns false when the session cannot accept more turns.
func (c *Controller) HandleUserMessage(s *session.Session, text string) bool {
	return s.Enqueue(func() { c.runTurn(s, text) })
}

// HandleApproval resolves a pending approval. Duplicate or stale approvals
// are no-ops.
func (c *Controller) HandleApproval(s *session.Session, actionID string, approved bool) bool {
	return s.Gate.Resolve(actionID, approved)
}

// HandleToolResult settles the correlated pending call. Late or duplicate
// results are no-ops.
func (c *Controller) HandleToolResult(s *session.Session, res protocol.ToolResult) bool {
	return s.Broker.Settle(res.ActionID, res.OK, res.Data, res.ErrorCode)
}

// Cancel cancels the session's active run: flips the flag, rejects every
// pending tool call with CANCELLED, denies any pending approval, aborts the
// driver best-effort, and sends the terminal "cancelled" answer if no final
// answer has gone out yet.
func (c *Controller) Cancel(s *session.Session) bool {
	r := s.ActiveRun()
	if r == nil || !r.Cancel() {
		return false
	}
	observability.RunsCancelled.Inc()
	s.Broker.CancelAll()
	s.Gate.Deny()
	c.sendFinal(s, r, "Cancelled.")
	c.log.WithSession(s.ID).WithRun(r.ID).Info("run cancelled")
	return true
}

func (c *Controller) runTurn(s *session.Session, text string) {
	r := s.BeginRun()
	defer s.EndRun(r)
	observability.RunsStarted.Inc()
	log := c.log.WithSession(s.ID).WithRun(r.ID)
	log.Info("turn started", slog.Int("text_len", len(text)))

	ctx, abort := context.WithCancel(context.Background())
	defer abort()
	r.OnCancel(abort)

	stopKeepAlive := c.startKeepAlive(s, r)

	// The subscription lives exactly as long as the turn; events arriving
	// between driver return and release are suppressed against the run flags.
	var sub *driver.Handle
	if src, ok := c.Driver.(interface {
		Subscribe(func(driver.Event)) *driver.Handle
	}); ok {
		sub = src.Subscribe(func(ev driver.Event) {
			c.step(s, r, ev.Text)
		})
		defer sub.Unsubscribe()
	}

	api := &toolAPI{c: c, s: s, r: r}
	final, err := c.Driver.RunTurn(ctx, text, api)

	// The keep-alive must be quiet before the terminal answer goes out.
	stopKeepAlive()
	if sub != nil {
		sub.Unsubscribe()
	}

	switch {
	case r.Cancelled():
		c.sendFinal(s, r, "Cancelled.")
	case err != nil:
		log.Warn("turn failed", slog.String("error", err.Error()))
		c.sendFinal(s, r, fmt.Sprintf("The run failed: %v", err))
	default:
		c.sendFinal(s, r, final)
	}
	log.Info("turn finished", slog.Int("steps", len(r.Steps())))
}

// startKeepAlive emits periodic filler step lines until stopped. The
// returned stop function blocks until the emitter goroutine has exited so no
// filler line can race past the final answer.
func (c *Controller) startKeepAlive(s *session.Session, r *session.Run) func() {
	interval := c.KeepAlive
	if interval <= 0 {
		interval = DefaultKeepAlive
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !r.Emit(func() {
					_ = s.Send(protocol.StepEvent(s.ID, "Still working…"))
				}) {
					return
				}
			case <-stop:
				return
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// sendFinal sends the terminal answer at most once per run.
func (c *Controller) sendFinal(s *session.Session, r *session.Run, text string) {
	if !r.MarkFinalSent() {
		return
	}
	if err := s.Send(protocol.AssistantFinal(s.ID, text)); err != nil {
		c.log.WithSession(s.ID).Warn("final answer dropped", slog.String("error", err.Error()))
	}
}

// step records one progress line in the run log and mirrors it to the peer.
// Suppressed once the run is cancelled or answered; the send is atomic with
// that check so no step line can trail the terminal answer.
func (c *Controller) step(s *session.Session, r *session.Run, line string) {
	if r.Emit(func() {
		_ = s.Send(protocol.StepEvent(s.ID, line))
	}) {
		r.AppendStep(line)
	}
}

// toolAPI is the driver-facing tool surface for one run.
type toolAPI struct {
	c *Controller
	s *session.Session
	r *session.Run
}

func (a *toolAPI) Say(delta string) {
	a.r.Emit(func() {
		_ = a.s.Send(protocol.AssistantDelta(a.s.ID, delta))
	})
}

// Invoke runs one tool through the approval gate and the broker. The error,
// when non-nil, always normalizes to the closed taxonomy; it is the tool's
// outcome, never a protocol fault, and the driver decides what to do next.
func (a *toolAPI) Invoke(ctx context.Context, tool protocol.Tool, params map[string]any) (json.RawMessage, error) {
	if a.r.Cancelled() {
		return nil, protocol.NewError(protocol.CodeCancelled, "run cancelled")
	}
	if !tool.Valid() {
		return nil, protocol.NewError(protocol.CodeExtensionNotReady, "unknown tool")
	}
	if params == nil {
		params = map[string]any{}
	}

	// select_candidate narrows broker-side state and never reaches the
	// actuator.
	if tool == protocol.ToolSelectCandidate {
		return a.selectCandidate(params)
	}

	label := toolLabel(tool, params)
	target := approval.Target{}

	// Target-bearing tools require exactly one resolved candidate; the
	// candidate supplies the selector that crosses the boundary.
	if tool.TargetBearing() {
		cand, err := a.s.SoleCandidate()
		if err != nil {
			return nil, err
		}
		params["selector"] = cand.Selector
		target = approval.Target{Label: cand.Label, Selector: cand.Selector}
		label = fmt.Sprintf("%s %q", tool, cand.Label)
	}

	actionID := broker.NewActionID()
	if a.c.Policy.NeedsApproval(tool, target) {
		approved, err := a.awaitApproval(ctx, actionID, tool, label)
		if err != nil {
			return nil, err
		}
		if !approved {
			a.c.step(a.s, a.r, fmt.Sprintf("Denied: %s", label))
			return nil, protocol.NewError(protocol.CodePermissionDenied, "approval denied")
		}
	}

	if a.r.Cancelled() {
		return nil, protocol.NewError(protocol.CodeCancelled, "run cancelled")
	}

	_, done, err := a.s.Broker.Issue(actionID, tool, params, label)
	if err != nil {
		return nil, err
	}
	st := broker.Await(ctx, done)
	if a.r.Cancelled() {
		return nil, protocol.NewError(protocol.CodeCancelled, "run cancelled")
	}
	if st.Err != nil {
		a.c.step(a.s, a.r, fmt.Sprintf("Failed: %s (%s)", label, st.Err.Code))
		return nil, st.Err
	}

	if tool == protocol.ToolFind {
		a.recordCandidates(st.Data)
	}
	a.c.step(a.s, a.r, fmt.Sprintf("Done: %s", label))
	return st.Data, nil
}

// awaitApproval suspends the invocation until the human decides or the run
// dies. Requested → PendingApproval → Approved | Rejected.
func (a *toolAPI) awaitApproval(ctx context.Context, actionID string, tool protocol.Tool, label string) (bool, error) {
	decision, err := a.s.Gate.Request(actionID, tool, label)
	if err != nil {
		return false, err
	}
	a.c.step(a.s, a.r, fmt.Sprintf("Approval required: %s [%s]", label, actionID))

	select {
	case approved := <-decision:
		if a.r.Cancelled() {
			return false, protocol.NewError(protocol.CodeCancelled, "run cancelled")
		}
		return approved, nil
	case <-ctx.Done():
		a.s.Gate.Deny()
		return false, protocol.NewError(protocol.CodeCancelled, "run cancelled")
	}
}

func (a *toolAPI) selectCandidate(params map[string]any) (json.RawMessage, error) {
	id, ok := intParam(params, "id")
	if !ok {
		return nil, protocol.NewError(protocol.CodeNotFound, "select_candidate requires an id")
	}
	cand, err := a.s.SelectCandidate(id)
	if err != nil {
		return nil, err
	}
	a.c.step(a.s, a.r, fmt.Sprintf("Selected %q", cand.Label))
	data, err := json.Marshal(map[string]any{"candidate": cand})
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeExtensionNotReady, "encode candidate", err)
	}
	return data, nil
}

// recordCandidates replaces the session's candidate set wholesale with the
// find result.
func (a *toolAPI) recordCandidates(data json.RawMessage) {
	var body struct {
		Candidates []resolve.Candidate `json:"candidates"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		a.s.SetCandidates(nil)
		return
	}
	a.s.SetCandidates(body.Candidates)
}

func toolLabel(tool protocol.Tool, params map[string]any) string {
	switch tool {
	case protocol.ToolNavigate:
		if url, _ := params["url"].(string); url != "" {
			return fmt.Sprintf("navigate to %s", url)
		}
	case protocol.ToolFind:
		if q, _ := params["query"].(string); q != "" {
			return fmt.Sprintf("find %q", q)
		}
	}
	return string(tool)
}

func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

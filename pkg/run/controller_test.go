package run

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/osheridan/pagepilot/pkg/approval"
	"github.com/osheridan/pagepilot/pkg/driver"
	"github.com/osheridan/pagepilot/pkg/observability"
	"github.com/osheridan/pagepilot/pkg/protocol"
	"github.com/osheridan/pagepilot/pkg/session"
)

// fakeSender captures everything the broker sends toward the UI side.
type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Outbound
}

func (f *fakeSender) Ready() bool { return true }

func (f *fakeSender) Send(env protocol.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSender) byType(msgType string) []protocol.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Outbound
	for _, env := range f.sent {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeSender) finals() []protocol.Outbound { return f.byType("assistant_final") }

// fakeActuator answers tool requests via a programmable function. A nil
// answer function swallows requests, simulating an actuator that never
// responds.
type fakeActuator struct {
	settle func(actionID string, ok bool, data json.RawMessage, code protocol.Code) bool

	mu       sync.Mutex
	requests []protocol.Outbound
	answer   func(env protocol.Outbound) (bool, json.RawMessage, protocol.Code)
}

func (f *fakeActuator) Ready() bool { return true }

func (f *fakeActuator) Send(env protocol.Outbound) error {
	if env.Type != "tool_request" {
		return nil
	}
	f.mu.Lock()
	f.requests = append(f.requests, env)
	answer := f.answer
	f.mu.Unlock()
	if answer != nil {
		go func() {
			ok, data, code := answer(env)
			f.settle(env.ActionID, ok, data, code)
		}()
	}
	return nil
}

func (f *fakeActuator) toolRequests(tool protocol.Tool) []protocol.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Outbound
	for _, env := range f.requests {
		if env.Tool == tool {
			out = append(out, env)
		}
	}
	return out
}

type fixture struct {
	controller *Controller
	sess       *session.Session
	sender     *fakeSender
	actuator   *fakeActuator
}

func newFixture(t *testing.T, d driver.Driver, policy approval.Policy) *fixture {
	t.Helper()
	log := observability.NewLogger("test", slog.LevelError)
	registry := session.NewRegistry(log)
	t.Cleanup(registry.Close)

	sess := registry.LookupOrCreate("s1")
	sender := &fakeSender{}
	sess.SetSender(sender)

	act := &fakeActuator{settle: sess.Broker.Settle}
	sess.Broker.SetTransport(act)

	c := NewController(d, policy, log)
	c.KeepAlive = time.Hour // quiet unless a test opts in
	return &fixture{controller: c, sess: sess, sender: sender, actuator: act}
}

// candidatesJSON builds a find result payload.
func candidatesJSON(t *testing.T, cands ...map[string]any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(map[string]any{"candidates": cands})
	require.NoError(t, err)
	return data
}

func okAnswer(findData json.RawMessage) func(protocol.Outbound) (bool, json.RawMessage, protocol.Code) {
	return func(env protocol.Outbound) (bool, json.RawMessage, protocol.Code) {
		if env.Tool == protocol.ToolFind {
			return true, findData, ""
		}
		return true, json.RawMessage(`{}`), ""
	}
}

func waitForFinal(t *testing.T, f *fixture) protocol.Outbound {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.sender.finals()) > 0
	}, 2*time.Second, 5*time.Millisecond, "no final answer arrived")
	finals := f.sender.finals()
	require.Len(t, finals, 1, "exactly one final answer per turn")
	return finals[0]
}

func TestHappyPathTurn(t *testing.T) {
	d := &driver.Scripted{
		Steps: []driver.Step{
			{Tool: protocol.ToolNavigate, Params: map[string]any{"url": "https://site.test/"}},
			{Tool: protocol.ToolFind, Params: map[string]any{"query": "search box"}},
			{Tool: protocol.ToolType, Params: map[string]any{"text": "golang"}},
		},
		Final: "Typed golang into the search box.",
	}
	f := newFixture(t, d, approval.NewPolicy(true, nil))
	f.actuator.answer = okAnswer(candidatesJSON(t,
		map[string]any{"id": 1, "label": "Search", "selector": `input[name="q"]`},
	))

	require.True(t, f.controller.HandleUserMessage(f.sess, "search for golang"))
	final := waitForFinal(t, f)
	require.Equal(t, "Typed golang into the search box.", final.Text)

	// The type request carried the sole candidate's selector.
	typed := f.actuator.toolRequests(protocol.ToolType)
	require.Len(t, typed, 1)
	require.Equal(t, `input[name="q"]`, typed[0].Params["selector"])
	require.NotEmpty(t, typed[0].ActionID)

	// Progress lines were mirrored as step events.
	require.NotEmpty(t, f.sender.byType("step_event"))
}

// A click attempt with two live candidates and no intervening
// select_candidate is rejected before any actuator dispatch.
func TestAmbiguousTargetRejectedBeforeDispatch(t *testing.T) {
	d := &driver.Scripted{
		Steps: []driver.Step{
			{Tool: protocol.ToolFind, Params: map[string]any{"query": "delete"}},
			{Tool: protocol.ToolClick},
		},
	}
	f := newFixture(t, d, approval.NewPolicy(true, nil))
	f.actuator.answer = okAnswer(candidatesJSON(t,
		map[string]any{"id": 1, "label": "Delete draft", "selector": "#d1"},
		map[string]any{"id": 2, "label": "Delete account", "selector": "#d2"},
	))

	require.True(t, f.controller.HandleUserMessage(f.sess, "delete it"))
	final := waitForFinal(t, f)
	require.Contains(t, final.Text, "ambiguous")
	require.Empty(t, f.actuator.toolRequests(protocol.ToolClick), "no dispatch before disambiguation")
}

func TestSelectCandidateNarrowsThenClicks(t *testing.T) {
	d := &driver.Scripted{
		Steps: []driver.Step{
			{Tool: protocol.ToolFind, Params: map[string]any{"query": "delete"}},
			{Tool: protocol.ToolSelectCandidate, Params: map[string]any{"id": 2}},
			{Tool: protocol.ToolClick},
		},
		Final: "Deleted.",
	}
	f := newFixture(t, d, approval.NewPolicy(false, nil))
	f.actuator.answer = okAnswer(candidatesJSON(t,
		map[string]any{"id": 1, "label": "Delete draft", "selector": "#d1"},
		map[string]any{"id": 2, "label": "Delete account", "selector": "#d2"},
	))

	require.True(t, f.controller.HandleUserMessage(f.sess, "delete my account"))

	// Auto-run is off, so the click suspends for approval.
	require.Eventually(t, func() bool {
		return f.sess.Gate.Pending() != nil
	}, 2*time.Second, 5*time.Millisecond)
	pending := f.sess.Gate.Pending()
	require.Equal(t, protocol.ToolClick, pending.Tool)
	require.True(t, f.controller.HandleApproval(f.sess, pending.ActionID, true))

	final := waitForFinal(t, f)
	require.Equal(t, "Deleted.", final.Text)

	clicks := f.actuator.toolRequests(protocol.ToolClick)
	require.Len(t, clicks, 1)
	require.Equal(t, "#d2", clicks[0].Params["selector"])
	require.Equal(t, pending.ActionID, clicks[0].ActionID, "approval and dispatch share the action id")
}

// A dangerous click with auto-run enabled still requires approval and, when
// rejected, never reaches the actuator and settles with PERMISSION_DENIED.
func TestDangerousClickGatedDespiteAutoRun(t *testing.T) {
	d := &driver.Scripted{
		Steps: []driver.Step{
			{Tool: protocol.ToolFind, Params: map[string]any{"query": "submit payment"}},
			{Tool: protocol.ToolClick},
		},
	}
	f := newFixture(t, d, approval.NewPolicy(true, nil))
	f.actuator.answer = okAnswer(candidatesJSON(t,
		map[string]any{"id": 1, "label": "Submit Payment", "selector": "#pay"},
	))

	require.True(t, f.controller.HandleUserMessage(f.sess, "pay"))

	require.Eventually(t, func() bool {
		return f.sess.Gate.Pending() != nil
	}, 2*time.Second, 5*time.Millisecond)
	pending := f.sess.Gate.Pending()

	require.True(t, f.controller.HandleApproval(f.sess, pending.ActionID, false))
	// The duplicate decision is a no-op.
	require.False(t, f.controller.HandleApproval(f.sess, pending.ActionID, true))

	final := waitForFinal(t, f)
	require.Contains(t, final.Text, string(protocol.CodePermissionDenied))
	require.Empty(t, f.actuator.toolRequests(protocol.ToolClick), "denied call must never reach the actuator")
}

func TestCancelSettlesPendingAndSendsOneFinal(t *testing.T) {
	d := &driver.Scripted{
		Steps: []driver.Step{
			{Tool: protocol.ToolNavigate, Params: map[string]any{"url": "https://site.test/"}},
		},
		Final: "should never be sent",
	}
	f := newFixture(t, d, approval.NewPolicy(true, nil))
	// No answer function: the navigate request hangs pending.

	require.True(t, f.controller.HandleUserMessage(f.sess, "go"))
	require.Eventually(t, func() bool {
		return f.sess.Broker.PendingCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, f.controller.Cancel(f.sess))
	final := waitForFinal(t, f)
	require.Equal(t, "Cancelled.", final.Text)
	require.Equal(t, 0, f.sess.Broker.PendingCount())

	// Cancelling again is a no-op; the final count stays at one.
	require.False(t, f.controller.Cancel(f.sess))
	time.Sleep(20 * time.Millisecond)
	require.Len(t, f.sender.finals(), 1)
}

func TestCancelWithoutActiveRun(t *testing.T) {
	f := newFixture(t, &driver.Scripted{}, approval.NewPolicy(true, nil))
	require.False(t, f.controller.Cancel(f.sess))
}

func TestToolFailureIsDriverVisible(t *testing.T) {
	steps := make(chan error, 1)
	d := driverFunc(func(ctx context.Context, text string, tools driver.ToolAPI) (string, error) {
		_, err := tools.Invoke(ctx, protocol.ToolFind, map[string]any{"query": "x"})
		steps <- err
		return "survived", nil
	})
	f := newFixture(t, d, approval.NewPolicy(true, nil))
	f.actuator.answer = func(protocol.Outbound) (bool, json.RawMessage, protocol.Code) {
		return false, nil, protocol.CodeNotFound
	}

	require.True(t, f.controller.HandleUserMessage(f.sess, "find x"))
	final := waitForFinal(t, f)
	// The tool failed but the driver chose to answer anyway.
	require.Equal(t, "survived", final.Text)

	err := <-steps
	require.True(t, protocol.IsCode(err, protocol.CodeNotFound))
}

func TestLateToolResultIsNoOp(t *testing.T) {
	d := &driver.Scripted{Final: "ok"}
	f := newFixture(t, d, approval.NewPolicy(true, nil))
	require.True(t, f.controller.HandleUserMessage(f.sess, "hello"))
	waitForFinal(t, f)

	handled := f.controller.HandleToolResult(f.sess, protocol.ToolResult{
		SessionID: "s1", ActionID: "act-stale", OK: true,
	})
	require.False(t, handled)
}

func TestKeepAliveStopsBeforeFinal(t *testing.T) {
	release := make(chan struct{})
	d := driverFunc(func(ctx context.Context, text string, tools driver.ToolAPI) (string, error) {
		<-release
		return "done", nil
	})
	f := newFixture(t, d, approval.NewPolicy(true, nil))
	f.controller.KeepAlive = 10 * time.Millisecond

	require.True(t, f.controller.HandleUserMessage(f.sess, "slow"))
	require.Eventually(t, func() bool {
		return len(f.sender.byType("step_event")) >= 2
	}, 2*time.Second, 5*time.Millisecond, "keep-alive lines should flow while in flight")

	close(release)
	waitForFinal(t, f)
	time.Sleep(50 * time.Millisecond)

	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	finalSeen := false
	for _, env := range f.sender.sent {
		if env.Type == "assistant_final" {
			finalSeen = true
		}
		if finalSeen && env.Type == "step_event" {
			t.Fatal("step event after the final answer")
		}
	}
}

func TestDeltasSuppressedAfterCancel(t *testing.T) {
	started := make(chan driver.ToolAPI, 1)
	release := make(chan struct{})
	d := driverFunc(func(ctx context.Context, text string, tools driver.ToolAPI) (string, error) {
		started <- tools
		<-release
		tools.Say("late delta")
		return "", ctx.Err()
	})
	f := newFixture(t, d, approval.NewPolicy(true, nil))

	require.True(t, f.controller.HandleUserMessage(f.sess, "x"))
	api := <-started
	_ = api

	require.True(t, f.controller.Cancel(f.sess))
	close(release)
	waitForFinal(t, f)

	require.Empty(t, f.sender.byType("assistant_delta"), "deltas after cancel are suppressed")
}

func TestTurnsQueueBehindRunningTurn(t *testing.T) {
	var mu sync.Mutex
	var order []string
	block := make(chan struct{})
	d := driverFunc(func(ctx context.Context, text string, tools driver.ToolAPI) (string, error) {
		if text == "first" {
			<-block
		}
		mu.Lock()
		order = append(order, text)
		mu.Unlock()
		return "ok: " + text, nil
	})
	f := newFixture(t, d, approval.NewPolicy(true, nil))

	require.True(t, f.controller.HandleUserMessage(f.sess, "first"))
	require.True(t, f.controller.HandleUserMessage(f.sess, "second"))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	require.Empty(t, order, "second turn must wait for the first")
	mu.Unlock()

	close(block)
	require.Eventually(t, func() bool {
		return len(f.sender.finals()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, []string{"first", "second"}, order)
	mu.Unlock()
}

func TestScriptedDriverEventsBecomeSteps(t *testing.T) {
	d := &driver.Scripted{
		Steps: []driver.Step{{Tool: protocol.ToolNavigate, Params: map[string]any{"url": "https://x.test"}}},
		Final: "ok",
	}
	f := newFixture(t, d, approval.NewPolicy(true, nil))
	f.actuator.answer = okAnswer(nil)

	require.True(t, f.controller.HandleUserMessage(f.sess, "go"))
	waitForFinal(t, f)

	var sawDriverEvent bool
	for _, env := range f.sender.byType("step_event") {
		if strings.Contains(env.Step, "step 1: navigate") {
			sawDriverEvent = true
		}
	}
	require.True(t, sawDriverEvent, "driver progress events surface as step lines")
}

// An external cancel must not let a racing keep-alive line trail the
// "Cancelled." answer.
func TestNoFillerAfterCancelledFinal(t *testing.T) {
	release := make(chan struct{})
	d := driverFunc(func(ctx context.Context, text string, tools driver.ToolAPI) (string, error) {
		<-ctx.Done()
		<-release
		return "", ctx.Err()
	})
	f := newFixture(t, d, approval.NewPolicy(true, nil))
	f.controller.KeepAlive = time.Millisecond

	require.True(t, f.controller.HandleUserMessage(f.sess, "slow"))
	require.Eventually(t, func() bool {
		return len(f.sender.byType("step_event")) >= 2
	}, 2*time.Second, time.Millisecond, "keep-alive lines should flow while in flight")

	require.True(t, f.controller.Cancel(f.sess))
	close(release)
	final := waitForFinal(t, f)
	require.Equal(t, "Cancelled.", final.Text)
	time.Sleep(50 * time.Millisecond)

	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	finalSeen := false
	for _, env := range f.sender.sent {
		if env.Type == "assistant_final" {
			finalSeen = true
			continue
		}
		if finalSeen {
			t.Fatalf("%s envelope after the final answer", env.Type)
		}
	}
}

func TestDriverSubscriptionReleasedPerTurn(t *testing.T) {
	d := &driver.Scripted{
		Steps: []driver.Step{{Tool: protocol.ToolNavigate, Params: map[string]any{"url": "https://site.test/"}}},
		Final: "ok",
	}
	f := newFixture(t, d, approval.NewPolicy(true, nil))
	f.actuator.answer = okAnswer(nil)

	for i := 0; i < 3; i++ {
		require.True(t, f.controller.HandleUserMessage(f.sess, "go"))
	}
	require.Eventually(t, func() bool {
		return len(f.sender.finals()) == 3
	}, 2*time.Second, 5*time.Millisecond, "all queued turns should answer")

	require.Equal(t, 0, d.SubscriberCount(), "subscription must not outlive its turn")
}

// driverFunc adapts a function to the Driver interface.
type driverFunc func(ctx context.Context, userText string, tools driver.ToolAPI) (string, error)

func (f driverFunc) RunTurn(ctx context.Context, userText string, tools driver.ToolAPI) (string, error) {
	return f(ctx, userText, tools)
}

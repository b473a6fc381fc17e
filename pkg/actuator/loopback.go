package actuator

import (
	"context"
	"encoding/json"

	"github.com/osheridan/pagepilot/pkg/protocol"
)

// SettleFunc delivers an actuator response back to the broker. The result
// reports whether the action id was still pending; the loopback ignores it.
type SettleFunc func(actionID string, ok bool, data json.RawMessage, code protocol.Code) bool

// Loopback is an in-process actuator channel. It satisfies the broker's
// transport contract by executing tool requests against the embedded
// executor and settling the correlated call, letting the broker run without
// a connected extension.
type Loopback struct {
	exec   *Executor
	settle SettleFunc
}

// NewLoopback wires an executor to a settle callback.
func NewLoopback(exec *Executor, settle SettleFunc) *Loopback {
	return &Loopback{exec: exec, settle: settle}
}

// Ready always holds: the embedded executor cannot disconnect.
func (l *Loopback) Ready() bool { return true }

// Send executes tool requests asynchronously and ignores every other
// envelope kind, which in loopback mode has no consumer.
func (l *Loopback) Send(env protocol.Outbound) error {
	if env.Type != "tool_request" {
		return nil
	}
	cmd, ok := CommandFromToolRequest(env)
	if !ok {
		go l.settle(env.ActionID, false, nil, protocol.CodeExtensionNotReady)
		return nil
	}
	go func() {
		resp := l.exec.Execute(context.Background(), cmd)
		var data json.RawMessage
		if resp.Data != nil {
			data, _ = json.Marshal(resp.Data)
		}
		l.settle(env.ActionID, resp.OK, data, resp.Error)
	}()
	return nil
}

// CommandFromToolRequest maps a wire tool request onto the actuator-local
// command contract. select_candidate never reaches the actuator; it narrows
// broker-side state only.
func CommandFromToolRequest(env protocol.Outbound) (Command, bool) {
	str := func(key string) string {
		if env.Params == nil {
			return ""
		}
		v, _ := env.Params[key].(string)
		return v
	}
	switch env.Tool {
	case protocol.ToolNavigate:
		return Command{Action: "navigate", URL: str("url")}, true
	case protocol.ToolFind:
		return Command{Action: "find", Query: str("query")}, true
	case protocol.ToolHighlight:
		return Command{Action: "highlight", Selector: str("selector"), Label: str("label")}, true
	case protocol.ToolClick:
		return Command{Action: "click", Selector: str("selector")}, true
	case protocol.ToolType:
		return Command{Action: "type", Selector: str("selector"), Text: str("text")}, true
	case protocol.ToolSelectCandidate:
		return Command{}, false
	}
	return Command{}, false
}

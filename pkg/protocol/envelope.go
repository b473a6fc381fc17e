package protocol

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
)

// Protocol-level faults. The router closes the offending connection instead
// of reporting these to the peer.
var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrBadToken          = errors.New("shared secret mismatch")
)

// envelopeHead is the part every inbound envelope must carry.
type envelopeHead struct {
	Type      *string `json:"type"`
	SessionID *string `json:"sessionId"`
	Token     *string `json:"token"`
}

// Inbound is a validated, tagged inbound message. The concrete type is one
// of UserMessage, UserApproval, Cancel, or ToolResult.
type Inbound interface {
	Session() string
	inbound()
}

// UserMessage begins a new driver turn.
type UserMessage struct {
	SessionID string
	Text      string
}

// UserApproval resolves a pending approval.
type UserApproval struct {
	SessionID string
	ActionID  string
	Approved  bool
}

// Cancel cancels the session's active run.
type Cancel struct {
	SessionID string
}

// ToolResult settles a pending tool call. ErrorCode is only meaningful when
// OK is false and is already normalized to the taxonomy.
type ToolResult struct {
	SessionID string
	ActionID  string
	OK        bool
	Data      json.RawMessage
	ErrorCode Code
}

func (m UserMessage) Session() string  { return m.SessionID }
func (m UserApproval) Session() string { return m.SessionID }
func (m Cancel) Session() string       { return m.SessionID }
func (m ToolResult) Session() string   { return m.SessionID }

func (UserMessage) inbound()  {}
func (UserApproval) inbound() {}
func (Cancel) inbound()       {}
func (ToolResult) inbound()   {}

// ParseInbound validates a raw envelope against the shared secret and decodes
// it into a tagged message. Any violation returns ErrMalformedEnvelope or
// ErrBadToken; the caller is expected to drop the message and close the
// underlying channel.
func ParseInbound(raw []byte, secret string) (Inbound, error) {
	var head envelopeHead
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, ErrMalformedEnvelope
	}
	if head.Type == nil || head.SessionID == nil || head.Token == nil {
		return nil, ErrMalformedEnvelope
	}
	if subtle.ConstantTimeCompare([]byte(*head.Token), []byte(secret)) != 1 {
		return nil, ErrBadToken
	}

	sid := *head.SessionID
	switch *head.Type {
	case "user_message":
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, ErrMalformedEnvelope
		}
		return UserMessage{SessionID: sid, Text: body.Text}, nil

	case "user_approval":
		var body struct {
			ActionID string `json:"actionId"`
			Approved bool   `json:"approved"`
		}
		if err := json.Unmarshal(raw, &body); err != nil || body.ActionID == "" {
			return nil, ErrMalformedEnvelope
		}
		return UserApproval{SessionID: sid, ActionID: body.ActionID, Approved: body.Approved}, nil

	case "cancel":
		return Cancel{SessionID: sid}, nil

	case "tool_result":
		var body struct {
			ActionID string          `json:"actionId"`
			OK       bool            `json:"ok"`
			Data     json.RawMessage `json:"data"`
			Error    string          `json:"error"`
		}
		if err := json.Unmarshal(raw, &body); err != nil || body.ActionID == "" {
			return nil, ErrMalformedEnvelope
		}
		res := ToolResult{SessionID: sid, ActionID: body.ActionID, OK: body.OK, Data: body.Data}
		if !body.OK {
			res.ErrorCode = NormalizeCode(body.Error)
		}
		return res, nil

	default:
		return nil, ErrMalformedEnvelope
	}
}

// UIHint carries the human-readable label shown beside a tool request.
type UIHint struct {
	Label string `json:"label"`
}

// Outbound is a broker-to-peer envelope. The zero fields of the variant not
// in use are omitted on the wire.
type Outbound struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	TextDelta string          `json:"textDelta,omitempty"`
	Text      string          `json:"text,omitempty"`
	Step      string          `json:"step,omitempty"`
	ActionID  string          `json:"actionId,omitempty"`
	Tool      Tool            `json:"tool,omitempty"`
	Params    map[string]any  `json:"params,omitempty"`
	UI        *UIHint         `json:"ui,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// AssistantDelta is incremental answer text.
func AssistantDelta(sessionID, delta string) Outbound {
	return Outbound{Type: "assistant_delta", SessionID: sessionID, TextDelta: delta}
}

// AssistantFinal is the terminal answer for a turn.
func AssistantFinal(sessionID, text string) Outbound {
	return Outbound{Type: "assistant_final", SessionID: sessionID, Text: text}
}

// StepEvent is a human-readable progress line.
func StepEvent(sessionID, step string) Outbound {
	return Outbound{Type: "step_event", SessionID: sessionID, Step: step}
}

// ToolRequest is a correlated command for the actuator.
func ToolRequest(sessionID, actionID string, tool Tool, params map[string]any, label string) Outbound {
	return Outbound{
		Type:      "tool_request",
		SessionID: sessionID,
		ActionID:  actionID,
		Tool:      tool,
		Params:    params,
		UI:        &UIHint{Label: label},
		TimeoutMs: tool.Timeout().Milliseconds(),
	}
}

package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Tool identifies one of the closed set of actuator commands the driver may
// request. The set is deliberately tiny so every dispatch site can switch
// over it exhaustively.
type Tool string

const (
	ToolNavigate        Tool = "navigate"
	ToolFind            Tool = "find"
	ToolSelectCandidate Tool = "select_candidate"
	ToolHighlight       Tool = "highlight"
	ToolClick           Tool = "click"
	ToolType            Tool = "type"
)

// Tools lists every member in declaration order.
func Tools() []Tool {
	return []Tool{ToolNavigate, ToolFind, ToolSelectCandidate, ToolHighlight, ToolClick, ToolType}
}

// ParseTool converts a wire string to a Tool.
func ParseTool(s string) (Tool, error) {
	switch t := Tool(strings.ToLower(strings.TrimSpace(s))); t {
	case ToolNavigate, ToolFind, ToolSelectCandidate, ToolHighlight, ToolClick, ToolType:
		return t, nil
	default:
		return "", fmt.Errorf("unknown tool: %q", s)
	}
}

// Valid reports whether t is a member of the tool set.
func (t Tool) Valid() bool {
	_, err := ParseTool(string(t))
	return err == nil
}

// TargetBearing reports whether t acts on a resolved element and therefore
// requires the session's candidate set to contain exactly one member.
func (t Tool) TargetBearing() bool {
	switch t {
	case ToolHighlight, ToolClick, ToolType:
		return true
	case ToolNavigate, ToolFind, ToolSelectCandidate:
		return false
	}
	return false
}

// Per-tool wall-clock deadlines. Lookup and highlight round-trips are cheap;
// navigation waits on page load; click and type may trigger arbitrary page
// work and get the longest budget.
const (
	LookupTimeout   = 5 * time.Second
	NavigateTimeout = 15 * time.Second
	InteractTimeout = 25 * time.Second
)

// Timeout returns the deadline budget for one invocation of t.
func (t Tool) Timeout() time.Duration {
	switch t {
	case ToolNavigate:
		return NavigateTimeout
	case ToolClick, ToolType:
		return InteractTimeout
	case ToolFind, ToolSelectCandidate, ToolHighlight:
		return LookupTimeout
	}
	return LookupTimeout
}

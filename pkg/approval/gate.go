// Package approval provides human-in-the-loop gating for risky page actions.
//
// Only click and type are ever gated. With auto-run disabled every click and
// type waits for sign-off; with auto-run enabled type runs freely but clicks
// whose target wording matches the dangerous-action vocabulary still wait.
// The vocabulary override cannot be disabled by auto-run.
package approval

import (
	"strings"
	"sync"

	"github.com/osheridan/pagepilot/pkg/observability"
	"github.com/osheridan/pagepilot/pkg/protocol"
)

// DefaultDangerWords is the built-in dangerous-action vocabulary. Matching
// is case-insensitive substring containment against the target's label and
// selector.
var DefaultDangerWords = []string{
	"delete", "remove", "destroy",
	"purchase", "buy", "pay", "order", "checkout",
	"submit", "confirm", "transfer", "send",
}

// Target describes the element a gated tool would act on.
type Target struct {
	Label    string
	Selector string
}

// Policy decides which tool invocations require human sign-off.
type Policy struct {
	AutoRun     bool
	DangerWords []string
}

// NewPolicy returns a policy with the given auto-run setting and vocabulary;
// an empty vocabulary falls back to DefaultDangerWords.
func NewPolicy(autoRun bool, dangerWords []string) Policy {
	if len(dangerWords) == 0 {
		dangerWords = DefaultDangerWords
	}
	return Policy{AutoRun: autoRun, DangerWords: dangerWords}
}

// NeedsApproval reports whether one invocation of tool against target must
// wait for explicit human sign-off.
func (p Policy) NeedsApproval(tool protocol.Tool, target Target) bool {
	switch tool {
	case protocol.ToolClick:
		if !p.AutoRun {
			return true
		}
		return p.Dangerous(target)
	case protocol.ToolType:
		return !p.AutoRun
	case protocol.ToolNavigate, protocol.ToolFind, protocol.ToolSelectCandidate, protocol.ToolHighlight:
		return false
	}
	return false
}

// Dangerous reports whether the target's wording matches the vocabulary.
func (p Policy) Dangerous(target Target) bool {
	haystack := strings.ToLower(target.Label + " " + target.Selector)
	for _, word := range p.DangerWords {
		if strings.Contains(haystack, strings.ToLower(word)) {
			return true
		}
	}
	return false
}

// Pending is one suspended tool invocation awaiting a human decision.
type Pending struct {
	ActionID string
	Tool     protocol.Tool
	Label    string

	decision chan bool
}

// Gate holds at most one pending approval per session. Turns are serialized,
// so a second request while one is pending indicates a controller bug and is
// rejected rather than queued here.
type Gate struct {
	mu      sync.Mutex
	pending *Pending
}

// NewGate creates an empty gate.
func NewGate() *Gate {
	return &Gate{}
}

// Request suspends a gated invocation and returns the channel that receives
// the human decision exactly once.
func (g *Gate) Request(actionID string, tool protocol.Tool, label string) (<-chan bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		return nil, protocol.NewError(protocol.CodeExtensionNotReady, "approval already pending for "+g.pending.ActionID)
	}
	p := &Pending{
		ActionID: actionID,
		Tool:     tool,
		Label:    label,
		decision: make(chan bool, 1),
	}
	g.pending = p
	return p.decision, nil
}

// Resolve delivers the human decision for actionID. Unknown or already
// resolved action ids are no-ops so duplicate user_approval messages are
// harmless.
func (g *Gate) Resolve(actionID string, approved bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil || g.pending.ActionID != actionID {
		return false
	}
	p := g.pending
	g.pending = nil

	decision := "rejected"
	if approved {
		decision = "approved"
	}
	observability.ApprovalDecisions.WithLabelValues(string(p.Tool), decision).Inc()
	p.decision <- approved
	return true
}

// Deny resolves any pending approval as rejected. Used on cancellation and
// session teardown so the suspended turn always unblocks.
func (g *Gate) Deny() bool {
	g.mu.Lock()
	p := g.pending
	g.pending = nil
	g.mu.Unlock()
	if p == nil {
		return false
	}
	observability.ApprovalDecisions.WithLabelValues(string(p.Tool), "rejected").Inc()
	p.decision <- false
	return true
}

// Pending returns the suspended invocation, or nil.
func (g *Gate) Pending() *Pending {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

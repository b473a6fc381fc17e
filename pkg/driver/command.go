package driver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/osheridan/pagepilot/pkg/protocol"
)

// CommandDriver is a deterministic stand-in for the natural-language driver:
// it understands a small imperative grammar, one instruction per line or
// semicolon-separated. Useful for demos and as a fallback when no agent
// runtime is wired in.
//
//	go to https://example.org
//	find search box
//	select 2
//	highlight
//	type hello world
//	click
type CommandDriver struct {
	Emitter
}

// RunTurn interprets each instruction in order. A tool failure ends the turn
// with an answer describing the failure; cancellation propagates as an
// error.
func (d *CommandDriver) RunTurn(ctx context.Context, userText string, tools ToolAPI) (string, error) {
	var answers []string

	for _, instr := range splitInstructions(userText) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		tool, params, echo, ok := parseInstruction(instr)
		if !ok {
			answers = append(answers, fmt.Sprintf("I don't understand %q.", instr))
			continue
		}

		data, err := tools.Invoke(ctx, tool, params)
		if err != nil {
			if protocol.IsCode(err, protocol.CodeCancelled) {
				return "", err
			}
			return fmt.Sprintf("%s failed: %v", echo, err), nil
		}

		if tool == protocol.ToolFind {
			if cands, cerr := ResultCandidates(data); cerr == nil {
				answers = append(answers, fmt.Sprintf("%s: %d candidate(s).", echo, len(cands)))
				continue
			}
		}
		answers = append(answers, echo+": done.")
	}

	if len(answers) == 0 {
		return "Nothing to do. Try: go to <url> / find <text> / select <n> / highlight / click / type <text>.", nil
	}
	return strings.Join(answers, " "), nil
}

func splitInstructions(text string) []string {
	raw := strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == ';' })
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseInstruction(instr string) (protocol.Tool, map[string]any, string, bool) {
	lower := strings.ToLower(instr)
	rest := func(prefix string) string {
		return strings.TrimSpace(instr[len(prefix):])
	}

	switch {
	case strings.HasPrefix(lower, "go to "):
		url := rest("go to ")
		return protocol.ToolNavigate, map[string]any{"url": url}, "navigate to " + url, true
	case strings.HasPrefix(lower, "open "):
		url := rest("open ")
		return protocol.ToolNavigate, map[string]any{"url": url}, "navigate to " + url, true
	case strings.HasPrefix(lower, "find "):
		q := rest("find ")
		return protocol.ToolFind, map[string]any{"query": q}, fmt.Sprintf("find %q", q), true
	case strings.HasPrefix(lower, "select "):
		n, err := strconv.Atoi(rest("select "))
		if err != nil {
			return "", nil, "", false
		}
		return protocol.ToolSelectCandidate, map[string]any{"id": n}, fmt.Sprintf("select %d", n), true
	case lower == "highlight":
		return protocol.ToolHighlight, map[string]any{}, "highlight", true
	case lower == "click":
		return protocol.ToolClick, map[string]any{}, "click", true
	case strings.HasPrefix(lower, "type "):
		text := rest("type ")
		return protocol.ToolType, map[string]any{"text": text}, fmt.Sprintf("type %q", text), true
	}
	return "", nil, "", false
}

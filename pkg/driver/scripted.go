package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/osheridan/pagepilot/pkg/protocol"
)

// Step is one instruction of a scripted turn: either a tool invocation or a
// text delta.
type Step struct {
	Tool   protocol.Tool
	Params map[string]any
	Say    string

	// ContinueOnError lets the script keep going when this step's tool
	// fails instead of aborting the turn.
	ContinueOnError bool
}

// Scripted replays a fixed step list and answers with Final. It stands in
// for the natural-language driver in tests and in the loopback demo mode.
type Scripted struct {
	Emitter

	Steps []Step
	Final string
}

// RunTurn executes the script. Tool failures abort the turn unless the step
// opts out; the context aborts between steps.
func (d *Scripted) RunTurn(ctx context.Context, userText string, tools ToolAPI) (string, error) {
	for i, step := range d.Steps {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if step.Say != "" {
			tools.Say(step.Say)
			continue
		}
		d.Emit(Event{Text: fmt.Sprintf("step %d: %s", i+1, step.Tool)})
		if _, err := tools.Invoke(ctx, step.Tool, step.Params); err != nil {
			if step.ContinueOnError {
				continue
			}
			return "", err
		}
	}
	if d.Final != "" {
		return d.Final, nil
	}
	return "Done.", nil
}

// ResultCandidates decodes the candidate list from a find outcome. Script
// authors use it to assert on resolution results.
func ResultCandidates(data json.RawMessage) ([]json.RawMessage, error) {
	var body struct {
		Candidates []json.RawMessage `json:"candidates"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	return body.Candidates, nil
}

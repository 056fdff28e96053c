package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/magiccat/magiccat/internal/agent"
	"github.com/magiccat/magiccat/internal/calendar"
)

// ToolCaller makes one forced tool call and returns its input.
type ToolCaller interface {
	CallTool(ctx context.Context, system, prompt string, tool agent.Tool) (map[string]any, error)
}

// SelectEventTool is the forced tool the model answers with.
var SelectEventTool = agent.Tool{
	Name: "select_event",
	Description: `Selects the single calendar event that best matches the user's request.
The id MUST be copied verbatim from the candidate list. If two or more candidates
match equally well, or none matches, set undecided to true and leave id empty.`,
	InputSchema: agent.BuildJSONSchema("object", map[string]any{
		"id":        agent.PropertyString("The id of the matching event, copied from the candidates"),
		"isAllDay":  agent.PropertyBool("The isAllDay flag of the matching event"),
		"undecided": agent.PropertyBool("True when no single candidate can be chosen"),
	}, []string{"id", "isAllDay"}),
}

const selectSystemPrompt = `You match a user's description of a calendar event against a list of
existing events. Answer only by calling the select_event tool. Current time: %s.`

// ModelDisambiguator asks a language model to pick the candidate.
type ModelDisambiguator struct {
	caller ToolCaller
	now    func() time.Time
}

func NewModelDisambiguator(caller ToolCaller) *ModelDisambiguator {
	return &ModelDisambiguator{caller: caller, now: time.Now}
}

type candidateView struct {
	ID          string `json:"id"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Start       any    `json:"start"`
	End         any    `json:"end"`
	IsAllDay    bool   `json:"isAllDay"`
}

func (m *ModelDisambiguator) Choose(ctx context.Context, hint Hint, candidates []calendar.EventRecord) (Choice, error) {
	views := make([]candidateView, len(candidates))
	for i, c := range candidates {
		views[i] = candidateView{
			ID:          c.ID,
			Summary:     c.Summary,
			Description: c.Description,
			Start:       c.Start,
			End:         c.End,
			IsAllDay:    c.IsAllDay,
		}
	}
	listing, err := json.Marshal(map[string]any{"events": views})
	if err != nil {
		return Choice{}, fmt.Errorf("failed to marshal candidates: %w", err)
	}

	prompt := fmt.Sprintf("User request: %s\n\nCandidate events: %s", hint.String(), listing)
	system := fmt.Sprintf(selectSystemPrompt, m.now().Format(time.RFC3339))

	input, err := m.caller.CallTool(ctx, system, prompt, SelectEventTool)
	if err != nil {
		return Choice{}, fmt.Errorf("select_event call failed: %w", err)
	}

	if undecided, _ := input["undecided"].(bool); undecided {
		return Choice{}, ErrNoDecision
	}
	choice := Choice{}
	if v, ok := input["id"].(string); ok {
		choice.ID = v
	}
	if v, ok := input["isAllDay"].(bool); ok {
		choice.IsAllDay = v
	}
	return choice, nil
}

package turnengine

import (
	"strings"
	"testing"
	"time"

	"github.com/duskward/automaton/internal/automaton/domain"
	"github.com/duskward/automaton/internal/automaton/router"
)

func TestComposeSystemPromptLayerOrder(t *testing.T) {
	got := composeSystemPrompt(promptInputs{
		genesis: "Trade compute for value.",
		soul:    "I prefer short answers.",
		skills: []domain.Skill{
			{Name: "weather", Instructions: "Use the weather API.", Enabled: true, AutoActivate: true},
			{Name: "disabled", Instructions: "NEVER", Enabled: false, AutoActivate: true},
			{Name: "manual", Instructions: "NEVER", Enabled: true, AutoActivate: false},
		},
		tier:     domain.TierNormal,
		name:     "tester",
		parent:   "0xparent",
		children: 2,
	})

	order := []string{
		"Rules that override everything below",
		"Trade compute for value.",
		"I prefer short answers.",
		"## Skill: weather",
		"Tier: normal",
		"Parent: 0xparent",
		"Children: 2",
	}
	last := -1
	for _, want := range order {
		idx := strings.Index(got, want)
		if idx < 0 {
			t.Fatalf("prompt missing %q:\n%s", want, got)
		}
		if idx < last {
			t.Fatalf("layer %q out of order", want)
		}
		last = idx
	}
	if strings.Contains(got, "NEVER") {
		t.Fatalf("disabled or non-auto-activating skills must not be injected")
	}
}

func TestExpandTurnsToolResultsAndErrors(t *testing.T) {
	turns := []domain.AgentTurn{{
		ID:        "t1",
		Timestamp: time.Now(),
		Input:     "[Message from @a:x]:\nhi",
		Thinking:  "checking disk",
		ToolCalls: []domain.ToolCall{
			{ID: "c1", Seq: 0, Name: "sandbox_exec", Arguments: `{"command":["df"]}`, Result: "ok", Completed: true},
			{ID: "c2", Seq: 1, Name: "sandbox_read_file", Arguments: `{"path":"/x"}`, Error: "no such file", Completed: true},
		},
	}}

	msgs := expandTurns(turns)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4 (user, assistant, 2 tool)", len(msgs))
	}
	assistant := msgs[1]
	if assistant.Role != router.RoleAssistant || len(assistant.ToolCalls) != 2 {
		t.Fatalf("assistant message malformed: %+v", assistant)
	}
	if assistant.ToolCalls[0].ID != "c1" || assistant.ToolCalls[1].ID != "c2" {
		t.Fatalf("tool-call ids must be preserved in order")
	}
	if msgs[2].Role != router.RoleTool || msgs[2].ToolCallID != "c1" || msgs[2].Content != "ok" {
		t.Fatalf("first tool message = %+v", msgs[2])
	}
	if msgs[3].Content != "Error: no such file" {
		t.Fatalf("failed call must surface as an Error: line, got %q", msgs[3].Content)
	}
}

package harness

import (
	"strings"
	"time"

	"github.com/fetchcore/fetch/model"
)

// CopilotAdapter drives the copilot CLI: plain text, no structured
// markers, so it leans entirely on the shared base patterns.
type CopilotAdapter struct {
	BaseAdapter
}

// NewCopilot returns the copilot adapter.
func NewCopilot() *CopilotAdapter { return &CopilotAdapter{} }

func (a *CopilotAdapter) Agent() string { return model.AgentCopilot }

func (a *CopilotAdapter) BuildConfig(goal, cwd string, timeout time.Duration) ExecConfig {
	return ExecConfig{
		Command: "copilot",
		Args:    []string{"-p", goal, "--allow-all-tools"},
		Cwd:     cwd,
		Timeout: timeout,
	}
}

func (a *CopilotAdapter) ParseOutputLine(line string) *Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	if a.MatchQuestion(trimmed) {
		return &Event{Type: EventQuestion, Text: trimmed}
	}
	if a.MatchCompletion(trimmed) {
		return &Event{Type: EventComplete, Text: trimmed}
	}
	return nil
}

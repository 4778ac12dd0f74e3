package harness

import (
	"regexp"
	"strings"
	"time"

	"github.com/fetchcore/fetch/model"
)

// GeminiAdapter drives the gemini CLI, which prints plain text with
// explicit file markers ("Created: path", "Updated: path", ...).
type GeminiAdapter struct {
	BaseAdapter
}

// NewGemini returns the gemini adapter.
func NewGemini() *GeminiAdapter { return &GeminiAdapter{} }

var geminiFileRe = regexp.MustCompile(`(?i)^\s*(?:[-*✓]\s*)?(created|wrote|modified|updated|edited|deleted|removed)\s*(?:file)?\s*:?\s+(\S+?)\.?$`)

func (a *GeminiAdapter) Agent() string { return model.AgentGemini }

func (a *GeminiAdapter) BuildConfig(goal, cwd string, timeout time.Duration) ExecConfig {
	return ExecConfig{
		Command: "gemini",
		Args:    []string{"-p", goal, "--yolo"},
		Cwd:     cwd,
		Timeout: timeout,
	}
}

func (a *GeminiAdapter) ParseOutputLine(line string) *Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	if m := geminiFileRe.FindStringSubmatch(trimmed); m != nil {
		return &Event{Type: EventFileOp, Op: geminiOp(m[1]), Path: m[2]}
	}
	if a.MatchQuestion(trimmed) {
		return &Event{Type: EventQuestion, Text: trimmed}
	}
	if a.MatchCompletion(trimmed) {
		return &Event{Type: EventComplete, Text: trimmed}
	}
	return nil
}

func geminiOp(verb string) string {
	switch strings.ToLower(verb) {
	case "created", "wrote":
		return OpCreate
	case "deleted", "removed":
		return OpDelete
	default:
		return OpModify
	}
}

func (a *GeminiAdapter) ExtractFileOperations(full string) model.FileOperations {
	var ops model.FileOperations
	for _, line := range strings.Split(full, "\n") {
		m := geminiFileRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		switch geminiOp(m[1]) {
		case OpCreate:
			ops.Created = dedupeAppend(ops.Created, m[2])
		case OpModify:
			ops.Modified = dedupeAppend(ops.Modified, m[2])
		case OpDelete:
			ops.Deleted = dedupeAppend(ops.Deleted, m[2])
		}
	}
	return ops
}

package harness

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/fetchcore/fetch/model"
)

// ClaudeAdapter drives the claude CLI in print mode with stream-json
// output: every stdout line is a JSON envelope.
type ClaudeAdapter struct {
	BaseAdapter
}

// NewClaude returns the claude adapter.
func NewClaude() *ClaudeAdapter { return &ClaudeAdapter{} }

func (a *ClaudeAdapter) Agent() string { return model.AgentClaude }

func (a *ClaudeAdapter) BuildConfig(goal, cwd string, timeout time.Duration) ExecConfig {
	return ExecConfig{
		Command: "claude",
		Args: []string{
			"-p", goal,
			"--output-format", "stream-json",
			"--verbose",
			"--dangerously-skip-permissions",
		},
		Cwd:     cwd,
		Timeout: timeout,
	}
}

// claudeLine is the loose shape of one stream-json envelope. Only the
// fields we route on are declared.
type claudeLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Message struct {
		Content []claudeContent `json:"content"`
	} `json:"message"`
}

type claudeContent struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Name  string `json:"name"`
	Input struct {
		FilePath string `json:"file_path"`
	} `json:"input"`
}

func (a *ClaudeAdapter) ParseOutputLine(line string) *Event {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		if a.MatchQuestion(trimmed) {
			return &Event{Type: EventQuestion, Text: trimmed}
		}
		return nil
	}
	var ev claudeLine
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return nil
	}
	switch ev.Type {
	case "assistant":
		for _, c := range ev.Message.Content {
			if op, path := claudeFileOp(c); op != "" {
				return &Event{Type: EventFileOp, Op: op, Path: path}
			}
		}
		for _, c := range ev.Message.Content {
			if c.Type == "text" && strings.TrimSpace(c.Text) != "" {
				return &Event{Type: EventProgress, Text: model.Truncate(strings.TrimSpace(c.Text), 500)}
			}
		}
	case "result":
		if ev.IsError {
			return &Event{Type: EventError, Text: model.Truncate(ev.Result, 1000)}
		}
		return &Event{Type: EventComplete, Text: model.Truncate(ev.Result, 1000)}
	}
	return nil
}

// claudeFileOp maps a tool_use block to a file operation.
func claudeFileOp(c claudeContent) (op, path string) {
	if c.Type != "tool_use" || c.Input.FilePath == "" {
		return "", ""
	}
	switch c.Name {
	case "Write":
		return OpCreate, c.Input.FilePath
	case "Edit", "MultiEdit", "NotebookEdit":
		return OpModify, c.Input.FilePath
	}
	return "", ""
}

func (a *ClaudeAdapter) ExtractFileOperations(full string) model.FileOperations {
	var ops model.FileOperations
	for _, line := range strings.Split(full, "\n") {
		ev := a.ParseOutputLine(line)
		if ev == nil || ev.Type != EventFileOp {
			continue
		}
		switch ev.Op {
		case OpCreate:
			ops.Created = dedupeAppend(ops.Created, ev.Path)
		case OpModify:
			ops.Modified = dedupeAppend(ops.Modified, ev.Path)
		case OpDelete:
			ops.Deleted = dedupeAppend(ops.Deleted, ev.Path)
		}
	}
	return ops
}

// ExtractSummary prefers the final result envelope over raw tail lines.
func (a *ClaudeAdapter) ExtractSummary(full string) string {
	lines := strings.Split(full, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		ev := a.ParseOutputLine(lines[i])
		if ev == nil {
			continue
		}
		if ev.Type == EventComplete || ev.Type == EventError {
			return ev.Text
		}
	}
	return a.BaseAdapter.ExtractSummary(full)
}

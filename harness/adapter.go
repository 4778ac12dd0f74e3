// Package harness runs coding-assistant CLIs inside the sandbox and
// turns their output streams into structured events. Each supported CLI
// gets an Adapter that knows how to launch it, parse its output and
// answer its interactive questions; the Engine owns process lifecycle,
// question pause/resume and the kill policy.
package harness

import (
	"regexp"
	"strings"
	"time"

	"github.com/fetchcore/fetch/model"
)

// EventType classifies one parsed output event.
type EventType string

const (
	EventLine     EventType = "line"
	EventProgress EventType = "progress"
	EventFileOp   EventType = "file_op"
	EventQuestion EventType = "question"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// File operation verbs carried by EventFileOp.
const (
	OpCreate = "create"
	OpModify = "modify"
	OpDelete = "delete"
)

// Event is one structured occurrence in a harness output stream.
type Event struct {
	Type EventType
	Text string
	// Op and Path are set for EventFileOp.
	Op   string
	Path string
}

// ExecConfig describes how to launch a harness CLI.
type ExecConfig struct {
	Command string
	Args    []string
	Env     []string
	Cwd     string
	Timeout time.Duration
}

// Adapter abstracts one coding-assistant CLI.
type Adapter interface {
	// Agent returns the adapter's registry key ("claude", "gemini", ...).
	Agent() string
	// BuildConfig prepares the process invocation for a goal.
	BuildConfig(goal, cwd string, timeout time.Duration) ExecConfig
	// ParseOutputLine classifies one output line. nil means a plain line
	// with no special meaning.
	ParseOutputLine(line string) *Event
	// DetectQuestion inspects recent output (newest last) for an
	// interactive prompt and returns its text, or "".
	DetectQuestion(recent []string) string
	// FormatResponse encodes a user answer for the CLI's stdin.
	FormatResponse(text string) []byte
	// ExtractFileOperations scans the full output for files touched.
	ExtractFileOperations(full string) model.FileOperations
	// ExtractSummary pulls a closing summary out of the full output.
	ExtractSummary(full string) string
}

// Question and completion patterns shared by all adapters. Interactive
// CLIs phrase prompts differently but converge on these shapes.
var (
	questionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\?\s*$`),
		regexp.MustCompile(`(?i)\[y/n\]`),
		regexp.MustCompile(`(?i)\(yes/no\)`),
		regexp.MustCompile(`(?i)\b(continue|proceed|confirm)\b`),
	}
	completionPattern = regexp.MustCompile(`(?i)^\s*(done|completed|finished)\b`)
)

// BaseAdapter supplies the shared question/completion behavior. Concrete
// adapters embed it and override what their CLI does differently.
type BaseAdapter struct{}

// MatchQuestion reports whether a single line looks like a prompt.
func (BaseAdapter) MatchQuestion(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	for _, re := range questionPatterns {
		if re.MatchString(trimmed) {
			return true
		}
	}
	return false
}

// MatchCompletion reports whether a line announces completion.
func (BaseAdapter) MatchCompletion(line string) bool {
	return completionPattern.MatchString(strings.TrimSpace(line))
}

// DetectQuestion scans the newest lines first and returns the first one
// that looks like a prompt.
func (b BaseAdapter) DetectQuestion(recent []string) string {
	for i := len(recent) - 1; i >= 0 && i >= len(recent)-5; i-- {
		if b.MatchQuestion(recent[i]) {
			return strings.TrimSpace(recent[i])
		}
	}
	return ""
}

// FormatResponse terminates the answer so line-oriented CLIs read it.
func (BaseAdapter) FormatResponse(text string) []byte {
	return []byte(text + "\n")
}

// ExtractFileOperations is empty by default; adapters with explicit file
// markers override it.
func (BaseAdapter) ExtractFileOperations(string) model.FileOperations {
	return model.FileOperations{}
}

// ExtractSummary returns the last non-empty paragraph, bounded.
func (BaseAdapter) ExtractSummary(full string) string {
	lines := strings.Split(strings.TrimRight(full, "\n"), "\n")
	var tail []string
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			if len(tail) > 0 {
				break
			}
			continue
		}
		tail = append([]string{line}, tail...)
		if len(tail) >= 8 {
			break
		}
	}
	return model.Truncate(strings.Join(tail, "\n"), 1000)
}

// dedupeAppend adds path to ops if not already present.
func dedupeAppend(ops []string, path string) []string {
	for _, p := range ops {
		if p == path {
			return ops
		}
	}
	return append(ops, path)
}

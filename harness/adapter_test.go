package harness

import (
	"strings"
	"testing"
)

func TestBaseQuestionPatterns(t *testing.T) {
	base := BaseAdapter{}
	questions := []string{
		"Should I overwrite the existing file?",
		"Overwrite? [y/n]",
		"Apply these changes? (yes/no)",
		"Press y to confirm",
		"Do you want to proceed",
	}
	for _, q := range questions {
		if !base.MatchQuestion(q) {
			t.Errorf("expected question match for %q", q)
		}
	}
	notQuestions := []string{
		"Installing dependencies",
		"",
		"   ",
	}
	for _, l := range notQuestions {
		if base.MatchQuestion(l) {
			t.Errorf("unexpected question match for %q", l)
		}
	}
}

func TestBaseDetectQuestionScansNewestFirst(t *testing.T) {
	base := BaseAdapter{}
	recent := []string{
		"old prompt? [y/n]",
		"doing work",
		"more work",
		"Overwrite README.md? [y/n]",
	}
	if got := base.DetectQuestion(recent); got != "Overwrite README.md? [y/n]" {
		t.Fatalf("DetectQuestion = %q", got)
	}
	if got := base.DetectQuestion([]string{"all quiet", "still working"}); got != "" {
		t.Fatalf("expected no question, got %q", got)
	}
}

func TestBaseFormatResponse(t *testing.T) {
	base := BaseAdapter{}
	if got := string(base.FormatResponse("yes")); got != "yes\n" {
		t.Fatalf("FormatResponse = %q", got)
	}
	if got := string(base.FormatResponse("")); got != "\n" {
		t.Fatalf("empty FormatResponse = %q", got)
	}
}

func TestClaudeParseStreamJSON(t *testing.T) {
	a := NewClaude()

	ev := a.ParseOutputLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"Reading the project layout"}]}}`)
	if ev == nil || ev.Type != EventProgress || !strings.Contains(ev.Text, "Reading the project") {
		t.Fatalf("assistant text parsed wrong: %+v", ev)
	}

	ev = a.ParseOutputLine(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Write","input":{"file_path":"README.md"}}]}}`)
	if ev == nil || ev.Type != EventFileOp || ev.Op != OpCreate || ev.Path != "README.md" {
		t.Fatalf("Write tool_use parsed wrong: %+v", ev)
	}

	ev = a.ParseOutputLine(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Edit","input":{"file_path":"main.go"}}]}}`)
	if ev == nil || ev.Type != EventFileOp || ev.Op != OpModify {
		t.Fatalf("Edit tool_use parsed wrong: %+v", ev)
	}

	ev = a.ParseOutputLine(`{"type":"result","subtype":"success","is_error":false,"result":"Added a README"}`)
	if ev == nil || ev.Type != EventComplete || ev.Text != "Added a README" {
		t.Fatalf("result parsed wrong: %+v", ev)
	}

	ev = a.ParseOutputLine(`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"boom"}`)
	if ev == nil || ev.Type != EventError {
		t.Fatalf("error result parsed wrong: %+v", ev)
	}

	if ev := a.ParseOutputLine("not json at all"); ev != nil {
		t.Fatalf("plain line should be nil, got %+v", ev)
	}
}

func TestClaudeExtracts(t *testing.T) {
	a := NewClaude()
	full := strings.Join([]string{
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Write","input":{"file_path":"README.md"}}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Edit","input":{"file_path":"main.go"}}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Write","input":{"file_path":"README.md"}}]}}`,
		`{"type":"result","is_error":false,"result":"Wrote README and touched main.go"}`,
	}, "\n")

	ops := a.ExtractFileOperations(full)
	if len(ops.Created) != 1 || ops.Created[0] != "README.md" {
		t.Fatalf("created = %v", ops.Created)
	}
	if len(ops.Modified) != 1 || ops.Modified[0] != "main.go" {
		t.Fatalf("modified = %v", ops.Modified)
	}
	if got := a.ExtractSummary(full); got != "Wrote README and touched main.go" {
		t.Fatalf("summary = %q", got)
	}
}

func TestGeminiFileMarkers(t *testing.T) {
	a := NewGemini()
	cases := []struct {
		line string
		op   string
		path string
	}{
		{"Created: src/app.py", OpCreate, "src/app.py"},
		{"✓ Wrote file: README.md", OpCreate, "README.md"},
		{"Updated: config.yaml", OpModify, "config.yaml"},
		{"Modified main.go", OpModify, "main.go"},
		{"Deleted: old.txt", OpDelete, "old.txt"},
	}
	for _, tc := range cases {
		ev := a.ParseOutputLine(tc.line)
		if ev == nil || ev.Type != EventFileOp {
			t.Errorf("%q: expected file_op, got %+v", tc.line, ev)
			continue
		}
		if ev.Op != tc.op || ev.Path != tc.path {
			t.Errorf("%q: got op=%s path=%s", tc.line, ev.Op, ev.Path)
		}
	}

	if ev := a.ParseOutputLine("Overwrite existing venv? [y/n]"); ev == nil || ev.Type != EventQuestion {
		t.Fatalf("question not detected: %+v", ev)
	}
	if ev := a.ParseOutputLine("Done. All changes applied."); ev == nil || ev.Type != EventComplete {
		t.Fatalf("completion not detected: %+v", ev)
	}
}

func TestCopilotPlainText(t *testing.T) {
	a := NewCopilot()
	if ev := a.ParseOutputLine("Shall I continue?"); ev == nil || ev.Type != EventQuestion {
		t.Fatalf("question not detected: %+v", ev)
	}
	if ev := a.ParseOutputLine("Finished applying the patch"); ev == nil || ev.Type != EventComplete {
		t.Fatalf("completion not detected: %+v", ev)
	}
	if ev := a.ParseOutputLine("working on it"); ev != nil {
		t.Fatalf("plain line should be nil, got %+v", ev)
	}
}

func TestBuildConfigs(t *testing.T) {
	for _, a := range []Adapter{NewClaude(), NewGemini(), NewCopilot()} {
		cfg := a.BuildConfig("add a README", "/workspaces/demo", 0)
		if cfg.Command == "" {
			t.Errorf("%s: empty command", a.Agent())
		}
		if cfg.Cwd != "/workspaces/demo" {
			t.Errorf("%s: cwd = %q", a.Agent(), cfg.Cwd)
		}
		found := false
		for _, arg := range cfg.Args {
			if arg == "add a README" {
				found = true
			}
		}
		if !found {
			t.Errorf("%s: goal missing from args %v", a.Agent(), cfg.Args)
		}
	}
}

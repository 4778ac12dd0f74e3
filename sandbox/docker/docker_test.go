package docker

import "testing"

func TestShellJoinQuoting(t *testing.T) {
	got := shellJoin("claude", []string{"-p", "add a README; explain it's minimal"})
	want := `'claude' '-p' 'add a README; explain it'\''s minimal'`
	if got != want {
		t.Fatalf("shellJoin mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestShellQuoteEmpty(t *testing.T) {
	if got := shellQuote(""); got != "''" {
		t.Fatalf("expected quoted empty string, got %s", got)
	}
}

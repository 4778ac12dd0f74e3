package transport

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitShortTextUntouched(t *testing.T) {
	if got := Split("hello", 4096); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("Split = %v", got)
	}
	if got := Split("", 10); got != nil {
		t.Fatalf("Split(\"\") = %v, want nil", got)
	}
}

func TestSplitPrefersNewlines(t *testing.T) {
	text := strings.Repeat("line one\n", 3) + "tail"
	got := Split(text, 20)
	if len(got) != 2 {
		t.Fatalf("chunks = %v", got)
	}
	for _, c := range got {
		if len(c) > 20 {
			t.Fatalf("chunk over limit: %q", c)
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk keeps boundary newline: %q", c)
		}
	}
	if got[1] != "line one\ntail" {
		t.Fatalf("second chunk = %q", got[1])
	}
}

func TestSplitHardCutStaysValidUTF8(t *testing.T) {
	text := strings.Repeat("🟢", 100) // 4 bytes each, no newlines
	for _, c := range Split(text, 10) {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk is not valid UTF-8: %q", c)
		}
		if len(c) > 10 {
			t.Fatalf("chunk over limit: %d bytes", len(c))
		}
	}
}

func TestSplitLosesNoText(t *testing.T) {
	text := "alpha beta gamma\ndelta epsilon\nzeta"
	joined := strings.Join(Split(text, 12), "")
	for _, w := range strings.Fields(text) {
		if !strings.Contains(joined, w) {
			t.Fatalf("word %q lost in %q", w, joined)
		}
	}
}

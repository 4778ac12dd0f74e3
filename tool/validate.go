package tool

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Argument bounds shared by the tool schemas and the handlers.
const (
	MaxGoalLen     = 2000
	MaxQuestionLen = 500
	MaxResponseLen = 1000
	MaxProgressLen = 500

	MinTimeout     = time.Second
	MaxTimeout     = 30 * time.Minute
	DefaultTimeout = 5 * time.Minute
)

var (
	taskIDRe      = regexp.MustCompile(`^tsk_[A-Za-z0-9_-]{10}$`)
	sessionIDRe   = regexp.MustCompile(`^ses_[A-Za-z0-9_-]{8}$`)
	harnessIDRe   = regexp.MustCompile(`^hrn_[A-Za-z0-9_-]{8}$`)
	workspaceName = `^[A-Za-z0-9][A-Za-z0-9._-]{0,99}$`
)

// ValidTaskID reports whether s is a well-formed task identifier.
func ValidTaskID(s string) bool { return taskIDRe.MatchString(s) }

// ValidSessionID reports whether s is a well-formed session identifier.
func ValidSessionID(s string) bool { return sessionIDRe.MatchString(s) }

// ValidHarnessID reports whether s is a well-formed harness identifier.
func ValidHarnessID(s string) bool { return harnessIDRe.MatchString(s) }

// SafePath rejects traversal and absolute paths that escape root.
func SafePath(root, p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return fmt.Errorf("path %q contains ..", p)
		}
	}
	if strings.HasPrefix(p, "/") {
		if p != root && !strings.HasPrefix(p, root+"/") {
			return fmt.Errorf("absolute path %q is outside %s", p, root)
		}
	}
	return nil
}

// ClampTimeout converts a millisecond argument into the allowed range.
// Zero or missing yields the default.
func ClampTimeout(ms int64) time.Duration {
	if ms <= 0 {
		return DefaultTimeout
	}
	d := time.Duration(ms) * time.Millisecond
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// argString pulls a string argument; missing keys yield "".
func argString(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// argInt pulls an integer argument decoded from JSON (float64).
func argInt(args map[string]any, key string) int64 {
	v, ok := args[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	}
	return 0
}

// argBool pulls a boolean argument with a default for missing keys.
func argBool(args map[string]any, key string, def bool) bool {
	v, ok := args[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

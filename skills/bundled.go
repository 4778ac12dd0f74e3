package skills

import (
	"os"
	"path/filepath"
)

// Bundled skills written on first run so a fresh install has something
// to discover.
var bundled = map[string]string{
	"commit-message.md": `---
name: commit-message
description: Write conventional commit messages for staged changes
triggers:
  - commit message
  - write a commit
enabled: true
---

When asked for a commit message, inspect the change summary and produce a
single conventional commit line: type(scope): imperative summary under 72
characters. Use feat, fix, refactor, docs, test or chore. Add a short body
only when the change needs context beyond the summary line.
`,
	"code-review.md": `---
name: code-review
description: Review a diff for correctness, clarity and missing tests
triggers:
  - review this
  - code review
  - /review\s/
enabled: true
---

When reviewing changes, report findings in priority order: correctness
bugs first, then error handling, then naming and clarity, then missing
tests. Quote the smallest relevant snippet for each finding. End with an
overall verdict of approve, approve-with-nits, or needs-work.
`,
}

func writeBundled(dir string) error {
	for name, content := range bundled {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

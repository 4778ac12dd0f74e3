package workspace

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/sandbox"
)

var (
	aheadRe  = regexp.MustCompile(`\[ahead (\d+)`)
	behindRe = regexp.MustCompile(`behind (\d+)\]`)
)

// gitStatus collects branch, divergence and file counts for one
// workspace. Returns nil when the directory is not a git repository.
func (m *Manager) gitStatus(ctx context.Context, path string) *model.GitStatus {
	porcelain, err := m.git(ctx, path, "status", "--porcelain=v1", "--branch")
	if err != nil {
		return nil
	}
	st := parsePorcelain(porcelain)

	if out, err := m.git(ctx, path, "log", "-1", "--format=%h %s"); err == nil {
		st.LastCommit = strings.TrimSpace(out)
	}
	if out, err := m.git(ctx, path, "remote", "get-url", "origin"); err == nil {
		st.RemoteURL = strings.TrimSpace(out)
	}
	return st
}

// git runs one git subcommand in the sandbox and returns stdout.
// Nonzero exit or timeout is reported as an error.
func (m *Manager) git(ctx context.Context, path string, args ...string) (string, error) {
	full := append([]string{"-C", path}, args...)
	res, err := m.rt.Exec(ctx, "git", full, sandbox.ExecOptions{Timeout: m.gitTimeout})
	if err != nil {
		return "", err
	}
	if res.TimedOut {
		return "", errGitTimeout
	}
	if res.ExitCode != 0 {
		return "", &gitError{args: args, stderr: strings.TrimSpace(res.Stderr)}
	}
	return res.Stdout, nil
}

// parsePorcelain reads `git status --porcelain=v1 --branch` output.
func parsePorcelain(out string) *model.GitStatus {
	st := &model.GitStatus{}
	for i, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if i == 0 && strings.HasPrefix(line, "## ") {
			parseBranchLine(line[3:], st)
			continue
		}
		if strings.HasPrefix(line, "??") {
			st.Untracked++
			continue
		}
		if len(line) < 2 {
			continue
		}
		if line[0] != ' ' && line[0] != '?' {
			st.Staged++
		}
		if line[1] != ' ' {
			st.Modified++
		}
	}
	return st
}

// parseBranchLine handles "main...origin/main [ahead 1, behind 2]" and
// its degenerate forms ("main", "HEAD (no branch)", "No commits yet on main").
func parseBranchLine(s string, st *model.GitStatus) {
	if rest, ok := strings.CutPrefix(s, "No commits yet on "); ok {
		st.Branch = rest
		return
	}
	branch, rest, found := strings.Cut(s, "...")
	st.Branch = branch
	if !found {
		// No upstream; strip any trailing decoration.
		if i := strings.Index(branch, " "); i >= 0 {
			st.Branch = branch[:i]
		}
		return
	}
	if q := aheadRe.FindStringSubmatch(rest); q != nil {
		st.Ahead, _ = strconv.Atoi(q[1])
	}
	if q := behindRe.FindStringSubmatch(rest); q != nil {
		st.Behind, _ = strconv.Atoi(q[1])
	}
}

type gitError struct {
	args   []string
	stderr string
}

func (e *gitError) Error() string {
	if e.stderr == "" {
		return "git " + strings.Join(e.args, " ") + " failed"
	}
	return "git " + strings.Join(e.args, " ") + ": " + e.stderr
}

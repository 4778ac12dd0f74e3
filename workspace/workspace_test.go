package workspace

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/sandbox"
)

// fakeRuntime scripts Exec responses keyed on the full command line.
type fakeRuntime struct {
	mu        sync.Mutex
	responses map[string]sandbox.ExecResult
	calls     []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{responses: make(map[string]sandbox.ExecResult)}
}

func (f *fakeRuntime) script(cmdline string, res sandbox.ExecResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[cmdline] = res
}

func (f *fakeRuntime) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeRuntime) Exec(_ context.Context, command string, args []string, _ sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	key := command + " " + strings.Join(args, " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	if res, ok := f.responses[key]; ok {
		out := res
		return &out, nil
	}
	return &sandbox.ExecResult{ExitCode: 1, Stderr: "unscripted: " + key}, nil
}

func (f *fakeRuntime) Spawn(_ context.Context, _ string, _ []string, _ sandbox.SpawnOptions) (sandbox.Process, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRuntime) Ready(_ context.Context) error { return nil }
func (f *fakeRuntime) Close() error                  { return nil }

func newTestManager(t *testing.T, rt sandbox.Runtime, ttl time.Duration) *Manager {
	t.Helper()
	return New(rt, nil, nil, Options{Root: "/workspaces", CacheTTL: ttl, GitTimeout: time.Second})
}

func TestDetectProjectType(t *testing.T) {
	cases := []struct {
		entries []string
		want    string
	}{
		{[]string{"src", "package.json", "tsconfig.json"}, "typescript"},
		{[]string{"package.json", "index.js"}, "node"},
		{[]string{"Cargo.toml", "src"}, "rust"},
		{[]string{"go.mod", "main.go"}, "go"},
		{[]string{"requirements.txt"}, "python"},
		{[]string{"pyproject.toml"}, "python"},
		{[]string{"App.csproj", "Program.cs"}, "dotnet"},
		{[]string{"README.md"}, "unknown"},
		{nil, "unknown"},
	}
	for _, tc := range cases {
		if got := DetectProjectType(tc.entries); got != tc.want {
			t.Errorf("DetectProjectType(%v) = %q, want %q", tc.entries, got, tc.want)
		}
	}
}

func TestParsePorcelain(t *testing.T) {
	out := strings.Join([]string{
		"## main...origin/main [ahead 2, behind 1]",
		" M internal/app.go",
		"M  cmd/main.go",
		"MM pkg/util.go",
		"?? notes.txt",
		"?? tmp/",
	}, "\n")

	st := parsePorcelain(out)
	if st.Branch != "main" {
		t.Fatalf("branch = %q, want main", st.Branch)
	}
	if st.Ahead != 2 || st.Behind != 1 {
		t.Fatalf("ahead/behind = %d/%d, want 2/1", st.Ahead, st.Behind)
	}
	if st.Modified != 2 {
		t.Fatalf("modified = %d, want 2", st.Modified)
	}
	if st.Staged != 2 {
		t.Fatalf("staged = %d, want 2", st.Staged)
	}
	if st.Untracked != 2 {
		t.Fatalf("untracked = %d, want 2", st.Untracked)
	}
}

func TestParsePorcelainNoUpstream(t *testing.T) {
	st := parsePorcelain("## feature-x\n")
	if st.Branch != "feature-x" || st.Ahead != 0 || st.Behind != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}

	st = parsePorcelain("## No commits yet on main\n")
	if st.Branch != "main" {
		t.Fatalf("branch = %q, want main", st.Branch)
	}
}

func TestListDetectsAndCaches(t *testing.T) {
	rt := newFakeRuntime()
	rt.script("ls -1p /workspaces", sandbox.ExecResult{Stdout: "proj-a/\nproj-b/\nstray.txt\n"})
	rt.script("ls -1 /workspaces/proj-a", sandbox.ExecResult{Stdout: "package.json\ntsconfig.json\nsrc\n"})
	rt.script("ls -1 /workspaces/proj-b", sandbox.ExecResult{Stdout: "go.mod\nmain.go\n"})
	rt.script("git -C /workspaces/proj-a status --porcelain=v1 --branch",
		sandbox.ExecResult{Stdout: "## main...origin/main [ahead 1]\n M src/app.ts\n"})
	rt.script("git -C /workspaces/proj-a log -1 --format=%h %s",
		sandbox.ExecResult{Stdout: "abc1234 initial commit\n"})
	rt.script("git -C /workspaces/proj-a remote get-url origin",
		sandbox.ExecResult{Stdout: "git@github.com:me/proj-a.git\n"})
	// proj-b is not a git repo; status command stays unscripted (exit 1).

	m := newTestManager(t, rt, time.Minute)
	list, err := m.List(context.Background(), false)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 workspaces, got %d", len(list))
	}

	a, b := list[0], list[1]
	if a.ID != "proj-a" || a.ProjectType != "typescript" {
		t.Fatalf("proj-a mis-detected: %+v", a)
	}
	if a.GitStatus == nil || a.GitStatus.Branch != "main" || a.GitStatus.Ahead != 1 {
		t.Fatalf("proj-a git status wrong: %+v", a.GitStatus)
	}
	if a.GitStatus.LastCommit != "abc1234 initial commit" {
		t.Fatalf("last commit = %q", a.GitStatus.LastCommit)
	}
	if b.ID != "proj-b" || b.ProjectType != "go" {
		t.Fatalf("proj-b mis-detected: %+v", b)
	}
	if b.GitStatus != nil {
		t.Fatalf("proj-b should have no git status, got %+v", b.GitStatus)
	}

	// Second list within the TTL must not re-run ls.
	before := rt.callCount("ls -1p")
	if _, err := m.List(context.Background(), false); err != nil {
		t.Fatalf("cached List failed: %v", err)
	}
	if rt.callCount("ls -1p") != before {
		t.Fatal("cached listing still hit the sandbox")
	}

	// Forced list bypasses the cache.
	if _, err := m.List(context.Background(), true); err != nil {
		t.Fatalf("forced List failed: %v", err)
	}
	if rt.callCount("ls -1p") != before+1 {
		t.Fatal("forced listing did not hit the sandbox")
	}
}

func TestCreateValidation(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, rt, 0)

	if _, err := m.Create(context.Background(), "../escape", "empty", false); err == nil {
		t.Fatal("expected invalid name error")
	}
	if _, err := m.Create(context.Background(), "ok-name", "no-such-template", false); !errors.Is(err, ErrUnknownTemplate) {
		t.Fatalf("expected ErrUnknownTemplate, got %v", err)
	}

	rt.script("test -d /workspaces/taken", sandbox.ExecResult{ExitCode: 0})
	if _, err := m.Create(context.Background(), "taken", "empty", false); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestCreateScaffoldsTemplate(t *testing.T) {
	rt := newFakeRuntime()
	rt.script("mkdir -p /workspaces/api", sandbox.ExecResult{ExitCode: 0})
	rt.script("npm init -y", sandbox.ExecResult{ExitCode: 0, Stdout: "{}"})
	rt.script("git -C /workspaces/api init -q", sandbox.ExecResult{ExitCode: 0})
	rt.script("ls -1 /workspaces/api", sandbox.ExecResult{Stdout: "package.json\n"})
	rt.script("git -C /workspaces/api status --porcelain=v1 --branch",
		sandbox.ExecResult{Stdout: "## No commits yet on main\n?? package.json\n"})

	m := newTestManager(t, rt, 0)
	ws, err := m.Create(context.Background(), "api", "node", true)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if ws.ProjectType != "node" {
		t.Fatalf("project type = %q, want node", ws.ProjectType)
	}
	if ws.GitStatus == nil || ws.GitStatus.Untracked != 1 {
		t.Fatalf("git status wrong: %+v", ws.GitStatus)
	}
	if rt.callCount("npm init -y") != 1 {
		t.Fatal("scaffold command never ran")
	}
}

func TestDeleteRefusesActive(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, rt, 0)

	if err := m.Delete(context.Background(), "proj-a", "proj-a"); !errors.Is(err, ErrActive) {
		t.Fatalf("expected ErrActive, got %v", err)
	}

	rt.script("test -d /workspaces/proj-b", sandbox.ExecResult{ExitCode: 0})
	rt.script("rm -rf /workspaces/proj-b", sandbox.ExecResult{ExitCode: 0})
	if err := m.Delete(context.Background(), "proj-b", "proj-a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if rt.callCount("rm -rf /workspaces/proj-b") != 1 {
		t.Fatal("rm never ran")
	}
}

func TestMarkActive(t *testing.T) {
	list := []model.Workspace{{ID: "a"}, {ID: "b"}}
	MarkActive(list, "b")
	if list[0].IsActive || !list[1].IsActive {
		t.Fatalf("MarkActive wrong: %+v", list)
	}
}

// Package workspace manages project directories under the sandbox
// workspace root: enumeration with project-type detection, git status,
// template scaffolding and deletion. Listings are cached briefly because
// chat traffic tends to ask for them in bursts.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fetchcore/fetch/eventbus"
	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/sandbox"
)

var (
	// ErrNotFound is returned when the named workspace does not exist.
	ErrNotFound = errors.New("workspace: not found")
	// ErrExists is returned by Create when the name is taken.
	ErrExists = errors.New("workspace: already exists")
	// ErrActive is returned by Delete for the session's active workspace.
	ErrActive = errors.New("workspace: refusing to delete the active workspace")
	// ErrUnknownTemplate is returned by Create for unrecognized templates.
	ErrUnknownTemplate = errors.New("workspace: unknown template")

	errGitTimeout = errors.New("workspace: git timed out")

	// validName matches workspace directory names: a leading alphanumeric
	// then up to 99 of [A-Za-z0-9._-]. Rejects path traversal by shape.
	validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,99}$`)
)

const listConcurrency = 4

// Options configures a Manager.
type Options struct {
	// Root is the directory inside the sandbox that holds workspaces.
	Root string
	// CacheTTL bounds how stale a cached listing may be. Zero disables
	// caching.
	CacheTTL time.Duration
	// GitTimeout bounds each git invocation.
	GitTimeout time.Duration
}

// Manager inspects and mutates workspaces through the sandbox runtime.
type Manager struct {
	rt         sandbox.Runtime
	bus        eventbus.Bus
	log        *logger.Logger
	root       string
	cacheTTL   time.Duration
	gitTimeout time.Duration

	mu       sync.Mutex
	cached   []model.Workspace
	cachedAt time.Time
}

// New builds a Manager. bus may be nil for callers that do not care
// about workspace events.
func New(rt sandbox.Runtime, bus eventbus.Bus, log *logger.Logger, opts Options) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	if opts.GitTimeout <= 0 {
		opts.GitTimeout = 10 * time.Second
	}
	return &Manager{
		rt:         rt,
		bus:        bus,
		log:        log.Named("workspace"),
		root:       strings.TrimRight(opts.Root, "/"),
		cacheTTL:   opts.CacheTTL,
		gitTimeout: opts.GitTimeout,
	}
}

// Root returns the workspace root path inside the sandbox.
func (m *Manager) Root() string { return m.root }

// PathFor returns the absolute sandbox path of a workspace.
func (m *Manager) PathFor(id string) string { return m.root + "/" + id }

// ValidName reports whether s is an acceptable workspace name.
func ValidName(s string) bool { return validName.MatchString(s) }

// List enumerates workspaces with project type and git status. Results
// are cached for the configured TTL unless force is set.
func (m *Manager) List(ctx context.Context, force bool) ([]model.Workspace, error) {
	m.mu.Lock()
	if !force && m.cacheTTL > 0 && time.Since(m.cachedAt) < m.cacheTTL && m.cached != nil {
		out := append([]model.Workspace(nil), m.cached...)
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	names, err := m.listDirs(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]model.Workspace, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, name := range names {
		g.Go(func() error {
			ws, err := m.inspect(gctx, name)
			if err != nil {
				return err
			}
			out[i] = *ws
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cached = append([]model.Workspace(nil), out...)
	m.cachedAt = time.Now()
	m.mu.Unlock()
	return out, nil
}

// Get returns one workspace from the listing, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*model.Workspace, error) {
	list, err := m.List(ctx, false)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == id {
			return &list[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Select validates that the workspace exists and announces the switch.
// The caller owns persisting the choice on the session.
func (m *Manager) Select(ctx context.Context, id string) (*model.Workspace, error) {
	ws, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.emit("workspace:selected", id, nil)
	return ws, nil
}

// Status re-inspects a single workspace, bypassing the cache.
func (m *Manager) Status(ctx context.Context, id string) (*model.Workspace, error) {
	if !ValidName(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !m.exists(ctx, id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.inspect(ctx, id)
}

// Create makes a new workspace directory, scaffolds it from a template
// and optionally initializes git.
func (m *Manager) Create(ctx context.Context, name, tplName string, initGit bool) (*model.Workspace, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("workspace: invalid name %q", name)
	}
	if tplName == "" {
		tplName = "empty"
	}
	if _, ok := templates[tplName]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, tplName)
	}
	if m.exists(ctx, name) {
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	}

	path := m.PathFor(name)
	if res, err := m.rt.Exec(ctx, "mkdir", []string{"-p", path}, sandbox.ExecOptions{}); err != nil {
		return nil, fmt.Errorf("workspace: mkdir: %w", err)
	} else if res.ExitCode != 0 {
		return nil, fmt.Errorf("workspace: mkdir exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	if err := m.scaffold(ctx, name, tplName, path); err != nil {
		// Leave the directory for inspection; the user can delete it.
		return nil, err
	}
	if initGit {
		if _, err := m.git(ctx, path, "init", "-q"); err != nil {
			return nil, fmt.Errorf("workspace: git init: %w", err)
		}
	}

	m.Invalidate()
	m.emit("workspace:created", name, map[string]any{"template": tplName, "git": initGit})
	m.log.Info("created workspace", zap.String("name", name), zap.String("template", tplName))
	return m.inspect(ctx, name)
}

// Delete removes a workspace. activeID is the caller's currently active
// workspace; deleting it is refused so an agent cannot pull the rug out
// from under a running task.
func (m *Manager) Delete(ctx context.Context, id, activeID string) error {
	if !ValidName(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if id == activeID {
		return ErrActive
	}
	if !m.exists(ctx, id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	res, err := m.rt.Exec(ctx, "rm", []string{"-rf", m.PathFor(id)}, sandbox.ExecOptions{Timeout: time.Minute})
	if err != nil {
		return fmt.Errorf("workspace: rm: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("workspace: rm exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	m.Invalidate()
	m.emit("workspace:deleted", id, nil)
	m.log.Info("deleted workspace", zap.String("name", id))
	return nil
}

// HeadCommit returns the current HEAD hash, or "" for repos without
// commits and non-repos.
func (m *Manager) HeadCommit(ctx context.Context, id string) string {
	out, err := m.git(ctx, m.PathFor(id), "rev-parse", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// ResetTo hard-resets a workspace to the given commit. Used by the undo
// path to roll back everything a task changed.
func (m *Manager) ResetTo(ctx context.Context, id, commit string) error {
	if !ValidName(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if commit == "" {
		return errors.New("workspace: no commit to reset to")
	}
	if _, err := m.git(ctx, m.PathFor(id), "reset", "--hard", commit); err != nil {
		return err
	}
	if _, err := m.git(ctx, m.PathFor(id), "clean", "-fd"); err != nil {
		return err
	}
	m.Invalidate()
	m.emit("workspace:reset", id, map[string]any{"commit": commit})
	return nil
}

// Invalidate drops the cached listing.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.cachedAt = time.Time{}
	m.mu.Unlock()
}

// MarkActive flags the workspace matching activeID in a listing.
func MarkActive(list []model.Workspace, activeID string) {
	for i := range list {
		list[i].IsActive = list[i].ID == activeID
	}
}

// inspect classifies one workspace and collects its git status.
func (m *Manager) inspect(ctx context.Context, name string) (*model.Workspace, error) {
	path := m.PathFor(name)
	res, err := m.rt.Exec(ctx, "ls", []string{"-1", path}, sandbox.ExecOptions{})
	if err != nil {
		return nil, fmt.Errorf("workspace: list %s: %w", name, err)
	}
	entries := splitLines(res.Stdout)
	return &model.Workspace{
		ID:          name,
		Path:        path,
		ProjectType: DetectProjectType(entries),
		GitStatus:   m.gitStatus(ctx, path),
	}, nil
}

// listDirs enumerates workspace directories under the root.
func (m *Manager) listDirs(ctx context.Context) ([]string, error) {
	res, err := m.rt.Exec(ctx, "ls", []string{"-1p", m.root}, sandbox.ExecOptions{})
	if err != nil {
		return nil, fmt.Errorf("workspace: list root: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("workspace: list root exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	var names []string
	for _, line := range splitLines(res.Stdout) {
		name, isDir := strings.CutSuffix(line, "/")
		if isDir && ValidName(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *Manager) exists(ctx context.Context, id string) bool {
	res, err := m.rt.Exec(ctx, "test", []string{"-d", m.PathFor(id)}, sandbox.ExecOptions{})
	return err == nil && res.ExitCode == 0
}

func (m *Manager) emit(typ, workspaceID string, data map[string]any) {
	if m.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["workspace"] = workspaceID
	m.bus.Publish(eventbus.TopicWorkspace, model.Event{
		Type: typ,
		Data: data,
		At:   time.Now(),
	})
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Package github provides a GitHub issue channel for Fetch.
//
// The channel polls a single repository for open issues carrying a
// trigger label (default: "fetch"). Each labeled issue becomes a coding
// task; progress lines and the final outcome are posted back as issue
// comments, and the trigger label is swapped for "fetch:done" or
// "fetch:failed" when the task ends.
//
// Setup:
//  1. Set GITHUB_TOKEN to a token with issues:write on the repo
//  2. Set GITHUB_REPO to "owner/repo"
//  3. Optionally set GITHUB_LABEL (default: "fetch")
//  4. Label an issue and wait for the next poll
package github

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gogh "github.com/google/go-github/v68/github"
	"go.uber.org/zap"

	"github.com/fetchcore/fetch/eventbus"
	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/task"
)

// DefaultInterval is the poll spacing when Options.Interval is zero.
const DefaultInterval = 60 * time.Second

// TaskStarter is the slice of the task manager the channel drives.
type TaskStarter interface {
	Create(ctx context.Context, req task.CreateRequest) (*model.Task, error)
}

// SessionSource yields the synthetic session issues run under.
type SessionSource interface {
	GetOrCreateSession(userID string) (*model.Session, error)
}

// WorkspacePather resolves workspace IDs to sandbox paths.
type WorkspacePather interface {
	PathFor(id string) string
}

// Options configures the channel.
type Options struct {
	Token string
	Repo  string // "owner/repo"
	// Label is the trigger label (default "fetch").
	Label    string
	Interval time.Duration
	Log      *logger.Logger
}

// Channel polls GitHub issues and turns them into tasks.
type Channel struct {
	gh       *gogh.Client
	owner    string
	repo     string
	label    string
	interval time.Duration

	sessions   SessionSource
	tasks      TaskStarter
	workspaces WorkspacePather
	bus        eventbus.Bus
	log        *logger.Logger

	mu      sync.Mutex
	seen    map[int]bool   // issue number -> already started
	pending map[string]int // task ID -> issue number
}

// New creates the channel. Token and repo are required.
func New(opts Options, sessions SessionSource, tasks TaskStarter, workspaces WorkspacePather, bus eventbus.Bus) (*Channel, error) {
	if opts.Token == "" {
		return nil, errors.New("github: token is required")
	}
	owner, repo, err := splitRepo(opts.Repo)
	if err != nil {
		return nil, err
	}
	if opts.Label == "" {
		opts.Label = "fetch"
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	return &Channel{
		gh:         gogh.NewClient(nil).WithAuthToken(opts.Token),
		owner:      owner,
		repo:       repo,
		label:      strings.ToLower(opts.Label),
		interval:   opts.Interval,
		sessions:   sessions,
		tasks:      tasks,
		workspaces: workspaces,
		bus:        bus,
		log:        opts.Log.Named("github"),
		seen:       make(map[int]bool),
		pending:    make(map[string]int),
	}, nil
}

// Name returns the channel name.
func (c *Channel) Name() string { return "github" }

// Run polls until ctx is done. The first poll happens immediately.
func (c *Channel) Run(ctx context.Context) error {
	events := c.bus.Subscribe(eventbus.TopicTask)
	defer c.bus.Unsubscribe(eventbus.TopicTask, events)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.watch(ctx, events)
	}()

	c.log.Info("github channel polling",
		zap.String("repo", c.owner+"/"+c.repo),
		zap.String("label", c.label),
		zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

// poll lists open trigger-labeled issues and starts tasks for new ones.
func (c *Channel) poll(ctx context.Context) {
	issues, _, err := c.gh.Issues.ListByRepo(ctx, c.owner, c.repo, &gogh.IssueListByRepoOptions{
		State:       "open",
		Labels:      []string{c.label},
		ListOptions: gogh.ListOptions{PerPage: 50},
	})
	if err != nil {
		c.log.Warn("issue poll failed", zap.Error(err))
		return
	}

	for _, issue := range issues {
		if issue.IsPullRequest() {
			continue
		}
		num := issue.GetNumber()
		if c.isSeen(num) {
			continue
		}
		c.process(ctx, issue)
	}
}

// process starts one task for an issue. The issue stays unseen while the
// task slot is busy so the next poll retries it.
func (c *Channel) process(ctx context.Context, issue *gogh.Issue) {
	num := issue.GetNumber()
	goal := strings.TrimSpace(issue.GetTitle())
	if body := strings.TrimSpace(issue.GetBody()); body != "" {
		goal += "\n\n" + body
	}
	goal = model.Truncate(goal, 2000)

	sess, err := c.sessions.GetOrCreateSession("github:" + c.owner + "/" + c.repo)
	if err != nil {
		c.log.Error("session lookup failed", zap.Int("issue", num), zap.Error(err))
		return
	}

	var cwd string
	if sess.ActiveWorkspaceID != "" {
		cwd = c.workspaces.PathFor(sess.ActiveWorkspaceID)
	}

	t, err := c.tasks.Create(ctx, task.CreateRequest{
		Session:     sess,
		Goal:        goal,
		Agent:       model.AgentAuto,
		WorkspaceID: sess.ActiveWorkspaceID,
		Cwd:         cwd,
		OnProgress: func(line string) {
			c.comment(num, line)
		},
	})
	if errors.Is(err, task.ErrQueueFull) {
		c.log.Debug("task slot busy, retrying issue next poll", zap.Int("issue", num))
		return
	}
	if err != nil {
		c.log.Error("task start failed", zap.Int("issue", num), zap.Error(err))
		c.comment(num, "Could not start a task: "+err.Error())
		c.swapLabel(num, c.label+":failed")
		c.markSeen(num)
		return
	}

	c.markSeen(num)
	c.trackTask(t.ID, num)
	c.comment(num, fmt.Sprintf("On it. Task %s started.", t.ID))
	c.log.Info("task started from issue",
		zap.Int("issue", num),
		zap.String("task", t.ID))
}

// watch consumes task bus events and swaps labels when tracked tasks
// reach a terminal state.
func (c *Channel) watch(ctx context.Context, events chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			num, tracked := c.takeTerminal(ev)
			if !tracked {
				continue
			}
			if ev.Type == "task:"+string(model.TaskCompleted) {
				c.swapLabel(num, c.label+":done")
			} else {
				c.swapLabel(num, c.label+":failed")
			}
		}
	}
}

// takeTerminal removes and returns the issue tracked under a terminal
// task event.
func (c *Channel) takeTerminal(ev model.Event) (int, bool) {
	suffix, ok := strings.CutPrefix(ev.Type, "task:")
	if !ok || !model.TaskStatus(suffix).Terminal() {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	num, tracked := c.pending[ev.TaskID]
	if tracked {
		delete(c.pending, ev.TaskID)
	}
	return num, tracked
}

func (c *Channel) isSeen(num int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[num]
}

func (c *Channel) markSeen(num int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[num] = true
}

func (c *Channel) trackTask(taskID string, num int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[taskID] = num
}

// comment posts one issue comment. Failures are logged, not retried;
// the task itself is unaffected.
func (c *Channel) comment(num int, body string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, num, &gogh.IssueComment{
		Body: gogh.Ptr(body),
	})
	if err != nil {
		c.log.Warn("comment failed", zap.Int("issue", num), zap.Error(err))
	}
}

// swapLabel replaces the trigger label with a terminal one.
func (c *Channel) swapLabel(num int, to string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := c.gh.Issues.RemoveLabelForIssue(ctx, c.owner, c.repo, num, c.label); err != nil {
		c.log.Warn("label removal failed", zap.Int("issue", num), zap.Error(err))
	}
	if _, _, err := c.gh.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, num, []string{to}); err != nil {
		c.log.Warn("label add failed", zap.Int("issue", num), zap.Error(err))
	}
}

func splitRepo(fullName string) (owner, repo string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("github: invalid repo %q, expected \"owner/repo\"", fullName)
	}
	return parts[0], parts[1], nil
}

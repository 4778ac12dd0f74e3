// Package task owns the single-slot task queue: accepting coding tasks,
// driving them through the harness engine, persisting every state
// transition and forwarding progress back to the chat session.
package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fetchcore/fetch/eventbus"
	"github.com/fetchcore/fetch/harness"
	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/internal/metrics"
	"github.com/fetchcore/fetch/mode"
	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/store"
)

var (
	// ErrQueueFull is returned by Create while another task is live.
	ErrQueueFull = errors.New("task: a task is already running")
	// ErrNotWaiting is returned by Respond when no question is pending.
	ErrNotWaiting = errors.New("task: task is not waiting for input")
	// ErrFinished is returned when acting on a terminal task.
	ErrFinished = errors.New("task: task already finished")
)

// Runner abstracts the harness engine.
type Runner interface {
	Execute(ctx context.Context, req harness.Request, cb harness.Callbacks) (*harness.Result, error)
	Respond(harnessID, text string) error
	Stop(ctx context.Context, harnessID string) error
}

// Options configures a Manager.
type Options struct {
	// ProgressThrottle is the minimum spacing between forwarded progress
	// messages. Default 3s.
	ProgressThrottle time.Duration
	// DefaultTimeout applies to tasks created without one. Default 5m.
	DefaultTimeout time.Duration
	// Retention is how long terminal tasks are kept before startup
	// pruning. Default 7 days.
	Retention time.Duration
}

// CreateRequest carries everything needed to start a task.
type CreateRequest struct {
	Session     *model.Session
	Goal        string
	Agent       string
	WorkspaceID string
	// Cwd is the harness working directory inside the sandbox.
	Cwd     string
	Timeout time.Duration
	// OnProgress receives user-facing lines (progress, questions, the
	// final outcome). May be nil.
	OnProgress func(text string)
}

// Manager serializes task execution: one live task per process.
type Manager struct {
	st     store.Store
	bus    eventbus.Bus
	runner Runner
	modes  *mode.Manager
	log    *logger.Logger

	throttle       time.Duration
	defaultTimeout time.Duration
	retention      time.Duration

	mu      sync.Mutex
	current *model.Task
	cancel  context.CancelFunc
	muted   bool

	wg sync.WaitGroup
}

// New builds a Manager.
func New(st store.Store, bus eventbus.Bus, runner Runner, modes *mode.Manager, log *logger.Logger, opts Options) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	if opts.ProgressThrottle <= 0 {
		opts.ProgressThrottle = 3 * time.Second
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	return &Manager{
		st:             st,
		bus:            bus,
		runner:         runner,
		modes:          modes,
		log:            log.Named("task"),
		throttle:       opts.ProgressThrottle,
		defaultTimeout: opts.DefaultTimeout,
		retention:      opts.Retention,
	}
}

// Recover reconciles persisted task state after a restart: in-flight
// rows are failed (their processes are gone), stale terminal rows are
// pruned and dangling session task pointers cleared. Returns how many
// tasks were failed.
func (m *Manager) Recover() (int, error) {
	failed, err := m.st.FailNonTerminalTasks("process restarted")
	if err != nil {
		return 0, fmt.Errorf("task: fail orphans: %w", err)
	}
	if failed > 0 {
		m.log.Warn("failed orphaned tasks from previous run", zap.Int("count", failed))
	}

	pruned, err := m.st.PruneTerminalTasks(time.Now().Add(-m.retention))
	if err != nil {
		return failed, fmt.Errorf("task: prune: %w", err)
	}
	if pruned > 0 {
		m.log.Info("pruned old terminal tasks", zap.Int("count", pruned))
	}

	sessions, err := m.st.ListSessions()
	if err != nil {
		return failed, fmt.Errorf("task: list sessions: %w", err)
	}
	for _, sess := range sessions {
		if sess.ActiveTaskID == "" {
			continue
		}
		sess.ActiveTaskID = ""
		if err := m.st.UpdateSession(sess); err != nil {
			return failed, fmt.Errorf("task: clear active task: %w", err)
		}
	}
	return failed, nil
}

// Create enqueues and starts a task. The queue has one slot: a second
// task while one is live returns ErrQueueFull.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.Task, error) {
	if req.Session == nil {
		return nil, errors.New("task: session required")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	m.mu.Lock()
	if m.current != nil && !m.current.Status.Terminal() {
		id := m.current.ID
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (%s)", ErrQueueFull, id)
	}

	t := &model.Task{
		ID:          model.NewTaskID(),
		SessionID:   req.Session.ID,
		Goal:        req.Goal,
		Agent:       req.Agent,
		WorkspaceID: req.WorkspaceID,
		Status:      model.TaskPending,
		CreatedAt:   time.Now().UTC(),
		Timeout:     timeout,
		HarnessID:   model.NewHarnessID(),
	}
	if err := m.st.CreateTask(t); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("task: persist: %w", err)
	}
	m.current = t

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	req.Session.ActiveTaskID = t.ID
	if err := m.st.UpdateSession(req.Session); err != nil {
		m.log.Warn("failed to pin task on session", zap.Error(err))
	}

	m.emit("task:created", t, map[string]any{"goal": model.Truncate(t.Goal, 200)})

	out := *t
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(runCtx, t, req)
	}()

	return &out, nil
}

// Current returns a copy of the task in the slot, which may be terminal.
func (m *Manager) Current() *model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	out := *m.current
	return &out
}

// Get loads a task by ID.
func (m *Manager) Get(id string) (*model.Task, error) {
	return m.st.GetTask(id)
}

// Cancel stops a pending, running or waiting task.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	t := m.current
	if t == nil || t.ID != id {
		m.mu.Unlock()
		stored, err := m.st.GetTask(id)
		if err != nil {
			return err
		}
		if stored.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrFinished, id)
		}
		// Non-terminal but not in the slot: orphan from a crash.
		return fmt.Errorf("task: %s is not running in this process", id)
	}
	if t.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFinished, id)
	}
	cancel := m.cancel
	harnessID := t.HarnessID
	m.mu.Unlock()

	m.log.Info("cancelling task", zap.String("task", id))
	if err := m.runner.Stop(ctx, harnessID); err != nil && !errors.Is(err, harness.ErrNotRunning) {
		m.log.Warn("harness stop failed", zap.String("task", id), zap.Error(err))
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Respond forwards an answer to a waiting task and resumes it.
func (m *Manager) Respond(ctx context.Context, id, text string) error {
	m.mu.Lock()
	t := m.current
	if t == nil || t.ID != id || t.Status != model.TaskWaitingInput {
		m.mu.Unlock()
		return ErrNotWaiting
	}
	harnessID := t.HarnessID
	m.mu.Unlock()

	if err := m.runner.Respond(harnessID, text); err != nil {
		return err
	}

	m.mu.Lock()
	t.Status = model.TaskRunning
	t.PendingQuestion = ""
	t.AppendProgress("answered: " + model.Truncate(text, 200))
	m.persistLocked(t)
	m.mu.Unlock()

	m.toMode(model.ModeWorking, "task resumed")
	m.emit("task:resumed", t, nil)
	return nil
}

// SetMuted suppresses progress forwarding (the pause reflex). Progress
// still lands in the task's progress log.
func (m *Manager) SetMuted(v bool) {
	m.mu.Lock()
	m.muted = v
	m.mu.Unlock()
}

// Muted reports whether progress forwarding is suppressed.
func (m *Manager) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// StopAll cancels the live task and waits for its goroutine. Used on
// shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	t := m.current
	cancel := m.cancel
	m.mu.Unlock()

	if t != nil && !t.Status.Terminal() {
		if err := m.runner.Stop(ctx, t.HarnessID); err != nil && !errors.Is(err, harness.ErrNotRunning) {
			m.log.Warn("harness stop failed on shutdown", zap.Error(err))
		}
		if cancel != nil {
			cancel()
		}
	}
	m.wg.Wait()
}

// run drives one task to a terminal state.
func (m *Manager) run(ctx context.Context, t *model.Task, req CreateRequest) {
	m.transition(t, model.TaskRunning, func(t *model.Task) {
		now := time.Now().UTC()
		t.StartedAt = &now
	})
	m.toMode(model.ModeWorking, "task started")
	m.emit("task:started", t, map[string]any{"agent": t.Agent})

	th := newThrottler(m.throttle, func(text string) {
		if m.Muted() || req.OnProgress == nil {
			return
		}
		req.OnProgress(text)
	})

	cb := harness.Callbacks{
		OnProgress: func(text string) {
			m.appendProgress(t, text)
			th.offer("⋯ " + model.Truncate(text, 300))
		},
		OnFileOp: func(op, path string) {
			entry := fmt.Sprintf("%s %s", op, path)
			m.appendProgress(t, entry)
			th.offer("📄 " + entry)
		},
		OnQuestion: func(text string) {
			m.onQuestion(t, text, req.OnProgress, th)
		},
	}

	res, err := m.runner.Execute(ctx, harness.Request{
		HarnessID: t.HarnessID,
		TaskID:    t.ID,
		Agent:     t.Agent,
		Goal:      t.Goal,
		Cwd:       req.Cwd,
		Timeout:   t.Timeout,
	}, cb)

	th.stop()
	m.finalize(t, req, res, err)
}

// onQuestion parks the task on user input.
func (m *Manager) onQuestion(t *model.Task, text string, send func(string), th *throttler) {
	m.mu.Lock()
	if t.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	t.Status = model.TaskWaitingInput
	t.PendingQuestion = text
	t.AppendProgress("question: " + model.Truncate(text, 200))
	m.persistLocked(t)
	m.mu.Unlock()

	m.toMode(model.ModeWaiting, "task waiting for input")
	m.emit("task:waiting", t, map[string]any{"question": text})

	// Flush queued progress first so the question reads in order, then
	// deliver it immediately: questions are never throttled.
	th.flush()
	if send != nil {
		send(fmt.Sprintf("❓ %s needs input:\n%s", t.ID, text))
	}
}

// finalize records the terminal state and tells the user how it ended.
func (m *Manager) finalize(t *model.Task, req CreateRequest, res *harness.Result, err error) {
	var status model.TaskStatus
	var closing string

	switch {
	case err != nil:
		status = model.TaskFailed
		m.transition(t, status, func(t *model.Task) {
			t.Error = err.Error()
			m.stamp(t)
		})
		closing = fmt.Sprintf("❌ Task %s failed to start: %s", t.ID, err.Error())
	case res.Stopped:
		status = model.TaskCancelled
		m.transition(t, status, func(t *model.Task) {
			m.stamp(t)
			t.ExitCode = &res.ExitCode
		})
		closing = fmt.Sprintf("🛑 Task %s cancelled", t.ID)
	case res.TimedOut:
		status = model.TaskTimedOut
		m.transition(t, status, func(t *model.Task) {
			t.Error = fmt.Sprintf("no output within %s", t.Timeout)
			m.stamp(t)
			t.ExitCode = &res.ExitCode
		})
		closing = fmt.Sprintf("⏱ Task %s timed out after %s of silence", t.ID, t.Timeout)
	case res.ExitCode == 0:
		status = model.TaskCompleted
		m.transition(t, status, func(t *model.Task) {
			m.stamp(t)
			t.ExitCode = &res.ExitCode
			t.Summary = res.Summary
			t.FilesModified = res.Files
		})
		closing = completionMessage(t, res)
	default:
		status = model.TaskFailed
		m.transition(t, status, func(t *model.Task) {
			m.stamp(t)
			t.ExitCode = &res.ExitCode
			t.Error = failureReason(res)
			t.FilesModified = res.Files
		})
		closing = fmt.Sprintf("❌ Task %s failed (exit %d): %s",
			t.ID, res.ExitCode, model.Truncate(failureReason(res), 300))
	}

	metrics.TasksTotal.WithLabelValues(string(status)).Inc()
	m.emit("task:"+string(status), t, map[string]any{
		"summary": model.Truncate(t.Summary, 300),
		"error":   model.Truncate(t.Error, 300),
	})
	m.clearSessionTask(t)
	m.toMode(model.ModeListening, "task "+string(status))

	// Outcome messages bypass the pause mute: the user always learns how
	// a task ended.
	if req.OnProgress != nil {
		req.OnProgress(closing)
	}
	m.log.Info("task finished",
		zap.String("task", t.ID),
		zap.String("status", string(status)))
}

func completionMessage(t *model.Task, res *harness.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Task %s completed", t.ID)
	if s := strings.TrimSpace(res.Summary); s != "" {
		b.WriteString("\n")
		b.WriteString(model.Truncate(s, 500))
	}
	if !res.Files.Empty() {
		b.WriteString("\n")
		b.WriteString(filesLine(res.Files))
	}
	return b.String()
}

func filesLine(f model.FileOperations) string {
	var parts []string
	if len(f.Created) > 0 {
		parts = append(parts, "created "+strings.Join(f.Created, ", "))
	}
	if len(f.Modified) > 0 {
		parts = append(parts, "modified "+strings.Join(f.Modified, ", "))
	}
	if len(f.Deleted) > 0 {
		parts = append(parts, "deleted "+strings.Join(f.Deleted, ", "))
	}
	return "Files: " + strings.Join(parts, "; ")
}

func failureReason(res *harness.Result) string {
	if s := strings.TrimSpace(res.Stderr); s != "" {
		return s
	}
	if s := strings.TrimSpace(res.Summary); s != "" {
		return s
	}
	return "harness exited with an error"
}

// transition applies a status change plus edits and persists the row.
func (m *Manager) transition(t *model.Task, status model.TaskStatus, edit func(*model.Task)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Status = status
	if edit != nil {
		edit(t)
	}
	m.persistLocked(t)
}

func (m *Manager) appendProgress(t *model.Task, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Status.Terminal() {
		return
	}
	t.AppendProgress(model.Truncate(text, 500))
	m.persistLocked(t)
}

func (m *Manager) persistLocked(t *model.Task) {
	if err := m.st.UpdateTask(t); err != nil {
		m.log.Error("task persist failed", zap.String("task", t.ID), zap.Error(err))
	}
}

func (m *Manager) stamp(t *model.Task) {
	now := time.Now().UTC()
	t.EndedAt = &now
}

func (m *Manager) clearSessionTask(t *model.Task) {
	sess, err := m.st.GetSession(t.SessionID)
	if err != nil {
		return
	}
	if sess.ActiveTaskID != t.ID {
		return
	}
	sess.ActiveTaskID = ""
	if err := m.st.UpdateSession(sess); err != nil {
		m.log.Warn("failed to clear active task", zap.Error(err))
	}
}

func (m *Manager) toMode(target model.Mode, reason string) {
	if m.modes == nil {
		return
	}
	if err := m.modes.To(target, reason); err != nil {
		m.log.Debug("mode transition skipped", zap.String("target", string(target)), zap.Error(err))
	}
}

func (m *Manager) emit(typ string, t *model.Task, data map[string]any) {
	if m.bus == nil {
		return
	}
	m.mu.Lock()
	status := string(t.Status)
	m.mu.Unlock()
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = status
	m.bus.Publish(eventbus.TopicTask, model.Event{
		Type:      typ,
		SessionID: t.SessionID,
		TaskID:    t.ID,
		Data:      data,
		At:        time.Now(),
	})
}

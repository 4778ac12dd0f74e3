// Package model defines the core domain types shared across all Fetch packages.
// It has zero dependencies on other Fetch packages.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskRunning      TaskStatus = "running"
	TaskWaitingInput TaskStatus = "waiting_input"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
	TaskCancelled    TaskStatus = "cancelled"
	TaskTimedOut     TaskStatus = "timed_out"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimedOut:
		return true
	}
	return false
}

// Mode is the coarse operational state of the orchestrator.
type Mode string

const (
	// ModeListening is the default mode; any input is accepted.
	ModeListening Mode = "LISTENING"
	// ModeWorking means a task is active; new tasks queue.
	ModeWorking Mode = "WORKING"
	// ModeWaiting means a pending approval or harness question awaits a reply.
	ModeWaiting Mode = "WAITING"
	// ModeGuarding means a dangerous proposal is pending; only yes/no is accepted.
	ModeGuarding Mode = "GUARDING"
	// ModeResting is entered after a period of inactivity.
	ModeResting Mode = "RESTING"
)

// Glyph returns the emoji prefix for outgoing chat lines in this mode.
func (m Mode) Glyph() string {
	switch m {
	case ModeWorking:
		return "🔵"
	case ModeWaiting:
		return "🟡"
	case ModeGuarding:
		return "🔴"
	case ModeResting:
		return "💤"
	default:
		return "🟢"
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeListening, ModeWorking, ModeWaiting, ModeGuarding, ModeResting:
		return true
	}
	return false
}

// Autonomy controls how much confirmation the orchestrator asks for.
type Autonomy string

const (
	AutonomyManual Autonomy = "manual"
	AutonomyGuided Autonomy = "guided"
	AutonomyFull   Autonomy = "full"
)

// ThreadStatus represents the lifecycle state of a conversation thread.
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadPaused   ThreadStatus = "paused"
	ThreadArchived ThreadStatus = "archived"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Agent names accepted by task_create.
const (
	AgentClaude  = "claude"
	AgentGemini  = "gemini"
	AgentCopilot = "copilot"
	AgentAuto    = "auto"
)

// Preferences are per-session behavior switches.
type Preferences struct {
	Autonomy   Autonomy `json:"autonomy"`
	Verbose    bool     `json:"verbose"`
	AutoCommit bool     `json:"auto_commit"`
}

// PendingApproval is a proposed write-tool call awaiting a yes/no from the user.
type PendingApproval struct {
	ToolName    string         `json:"tool_name"`
	Args        map[string]any `json:"args"`
	Description string         `json:"description"`
	Diff        string         `json:"diff,omitempty"`
}

// Session is the durable per-user state. Created on first message, never deleted.
type Session struct {
	ID                string           `json:"id"`
	UserID            string           `json:"user_id"`
	CreatedAt         time.Time        `json:"created_at"`
	LastActivityAt    time.Time        `json:"last_activity_at"`
	Preferences       Preferences      `json:"preferences"`
	ActiveWorkspaceID string           `json:"active_workspace_id,omitempty"`
	ActiveTaskID      string           `json:"active_task_id,omitempty"`
	ActiveThreadID    string           `json:"active_thread_id,omitempty"`
	ActiveFiles       []string         `json:"active_files,omitempty"`
	PendingApproval   *PendingApproval `json:"pending_approval,omitempty"`
	GitStartCommit    string           `json:"git_start_commit,omitempty"`
}

// Thread is one logical conversation within a session.
type Thread struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Title     string       `json:"title"`
	Status    ThreadStatus `json:"status"`
	Summary   string       `json:"summary,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Message is a single entry in a thread. Append-only, ordered by timestamp.
type Message struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ProgressEntry is one line of task progress.
type ProgressEntry struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// MaxProgressEntries bounds a task's progress log; oldest entries are evicted.
const MaxProgressEntries = 100

// FileOperations records files touched by a harness run.
type FileOperations struct {
	Created  []string `json:"created,omitempty"`
	Modified []string `json:"modified,omitempty"`
	Deleted  []string `json:"deleted,omitempty"`
}

// Empty reports whether no file operations were recorded.
func (f FileOperations) Empty() bool {
	return len(f.Created) == 0 && len(f.Modified) == 0 && len(f.Deleted) == 0
}

// Task is a user-requested coding job carried out by one harness execution.
type Task struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	Goal            string          `json:"goal"`
	Agent           string          `json:"agent"`
	WorkspaceID     string          `json:"workspace_id"`
	Status          TaskStatus      `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	PendingQuestion string          `json:"pending_question,omitempty"`
	ProgressLog     []ProgressEntry `json:"progress_log,omitempty"`
	FilesModified   FileOperations  `json:"files_modified"`
	ExitCode        *int            `json:"exit_code,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	Error           string          `json:"error,omitempty"`
	Timeout         time.Duration   `json:"timeout"`
	HarnessID       string          `json:"harness_id,omitempty"`
}

// AppendProgress adds an entry to the progress ring, evicting the oldest
// entry when the ring is full.
func (t *Task) AppendProgress(text string) {
	t.ProgressLog = append(t.ProgressLog, ProgressEntry{At: time.Now().UTC(), Text: text})
	if len(t.ProgressLog) > MaxProgressEntries {
		t.ProgressLog = t.ProgressLog[len(t.ProgressLog)-MaxProgressEntries:]
	}
}

// HarnessExecution tracks a live child process. It exists only in memory.
type HarnessExecution struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	AdapterName  string    `json:"adapter_name"`
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
	LastOutputAt time.Time `json:"last_output_at"`
}

// GitStatus is a parsed snapshot of a workspace's git state.
type GitStatus struct {
	Branch     string   `json:"branch"`
	Ahead      int      `json:"ahead"`
	Behind     int      `json:"behind"`
	Modified   []string `json:"modified,omitempty"`
	Staged     []string `json:"staged,omitempty"`
	Untracked  []string `json:"untracked,omitempty"`
	LastCommit string   `json:"last_commit,omitempty"`
	RemoteURL  string   `json:"remote_url,omitempty"`
}

// Workspace is a project directory inside the sandbox.
type Workspace struct {
	ID          string     `json:"id"`
	Path        string     `json:"path"`
	ProjectType string     `json:"project_type"`
	GitStatus   *GitStatus `json:"git_status,omitempty"`
	IsActive    bool       `json:"is_active"`
}

// ModeState is the persisted mode machine state.
type ModeState struct {
	Mode            Mode      `json:"mode"`
	Since           time.Time `json:"since"`
	Previous        Mode      `json:"previous,omitempty"`
	TransitionCount int       `json:"transition_count"`
}

// Event is a single bus event. Data is free-form: short text for simple
// transitions, a map for structured payloads.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	At        time.Time `json:"at"`
}

// Note is a durable memory fragment written by the summarizer or the
// "remember" reflex and surfaced again by recall.
type Note struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Source    string    `json:"source"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Note sources.
const (
	NoteSourceUser    = "user"
	NoteSourceSummary = "summary"
)

// Schedule is a durable reminder or recurring cron entry. One-shot
// reminders have an empty Spec and a non-zero At.
type Schedule struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Spec      string    `json:"spec,omitempty"`
	At        time.Time `json:"at,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Recurring reports whether the schedule is a cron entry rather than a
// one-shot reminder.
func (s Schedule) Recurring() bool { return s.Spec != "" }

// ID prefixes. IDs are opaque; the prefix identifies the kind.
const (
	TaskIDPrefix    = "tsk_"
	SessionIDPrefix = "ses_"
	HarnessIDPrefix = "hrn_"
	ThreadIDPrefix  = "thr_"
	MessageIDPrefix = "msg_"
)

func randomID(prefix string, n int) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(raw) {
		n = len(raw)
	}
	return prefix + raw[:n]
}

// NewTaskID returns a fresh task identifier ("tsk_" + 10 chars).
func NewTaskID() string { return randomID(TaskIDPrefix, 10) }

// NewSessionID returns a fresh session identifier ("ses_" + 8 chars).
func NewSessionID() string { return randomID(SessionIDPrefix, 8) }

// NewHarnessID returns a fresh harness identifier ("hrn_" + 8 chars).
func NewHarnessID() string { return randomID(HarnessIDPrefix, 8) }

// NewThreadID returns a fresh thread identifier ("thr_" + 8 chars).
func NewThreadID() string { return randomID(ThreadIDPrefix, 8) }

// NewMessageID returns a fresh message identifier ("msg_" + 10 chars).
func NewMessageID() string { return randomID(MessageIDPrefix, 10) }

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		r := []rune(s)
		if len(r) <= maxLen {
			return s
		}
		return string(r[:maxLen])
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

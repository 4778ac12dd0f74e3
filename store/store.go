// Package store defines the persistence contracts for Fetch state.
package store

import (
	"errors"
	"time"

	"github.com/fetchcore/fetch/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Sessions persists per-user session state.
type Sessions interface {
	GetOrCreateSession(userID string) (*model.Session, error)
	GetSession(id string) (*model.Session, error)
	ListSessions() ([]*model.Session, error)
	UpdateSession(sess *model.Session) error
}

// Threads persists conversation threads. A session has at most one
// active thread at a time.
type Threads interface {
	CreateThread(th *model.Thread) error
	GetThread(id string) (*model.Thread, error)
	ListThreads(sessionID string) ([]*model.Thread, error)
	UpdateThread(th *model.Thread) error
	ActivateThread(sessionID, threadID string) error
}

// Messages persists the append-only conversation log.
type Messages interface {
	AddMessage(msg *model.Message) error
	GetMessages(threadID string) ([]*model.Message, error)
	GetRecentMessages(threadID string, n int) ([]*model.Message, error)
	CountMessages(threadID string) (int, error)
	ReplaceMessages(threadID string, removedIDs []string, summary *model.Message) error
}

// Tasks persists task records.
type Tasks interface {
	CreateTask(t *model.Task) error
	GetTask(id string) (*model.Task, error)
	UpdateTask(t *model.Task) error
	ListTasks(limit int) ([]*model.Task, error)
	ListSessionTasks(sessionID string) ([]*model.Task, error)
	ListNonTerminalTasks() ([]*model.Task, error)
	FailNonTerminalTasks(reason string) (int, error)
	PruneTerminalTasks(before time.Time) (int, error)
}

// Modes persists the singleton mode-machine state.
type Modes interface {
	GetModeState() (*model.ModeState, error)
	SetModeState(st *model.ModeState) error
}

// Notes persists memory notes for recall.
type Notes interface {
	AddNote(n *model.Note) error
	ListNotes(userID string, limit int) ([]*model.Note, error)
}

// Schedules persists reminders and cron entries.
type Schedules interface {
	AddSchedule(s *model.Schedule) error
	ListSchedules(userID string) ([]*model.Schedule, error)
	ListAllSchedules() ([]*model.Schedule, error)
	DeleteSchedule(userID string, id int64) error
}

// Store is the full persistence surface.
type Store interface {
	Sessions
	Threads
	Messages
	Tasks
	Modes
	Notes
	Schedules
	Close() error
}

// Package sqlite implements store.Store using SQLite.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/store"
)

// Store manages all durable Fetch state in a single SQLite database.
// Reads run concurrently against the pool; every mutation is serialized
// through one writer goroutine so SQLite never sees two writers.
type Store struct {
	db        *sql.DB
	writes    chan writeOp
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type writeOp struct {
	fn   func(db *sql.DB) error
	done chan error
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL lets readers proceed while the writer goroutine commits.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s := &Store{
		db:     db,
		writes: make(chan writeOp, 16),
		closed: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL UNIQUE,
			data             TEXT NOT NULL DEFAULT '{}',
			created_at       DATETIME NOT NULL,
			last_activity_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS threads (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			title      TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'active',
			summary    TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_threads_session_id
			ON threads(session_id);

		CREATE TABLE IF NOT EXISTS messages (
			id           TEXT PRIMARY KEY,
			thread_id    TEXT NOT NULL,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL,
			tool_call_id TEXT NOT NULL DEFAULT '',
			name         TEXT NOT NULL DEFAULT '',
			timestamp    DATETIME NOT NULL,
			FOREIGN KEY (thread_id) REFERENCES threads(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_thread_id
			ON messages(thread_id);

		CREATE TABLE IF NOT EXISTS tasks (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			status     TEXT NOT NULL,
			data       TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_session_id
			ON tasks(session_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_status
			ON tasks(status);

		CREATE TABLE IF NOT EXISTS mode (
			id               INTEGER PRIMARY KEY CHECK (id = 1),
			mode             TEXT NOT NULL,
			since            DATETIME NOT NULL,
			previous         TEXT NOT NULL DEFAULT '',
			transition_count INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS notes (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    TEXT NOT NULL,
			source     TEXT NOT NULL DEFAULT 'user',
			content    TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_notes_user_id
			ON notes(user_id);

		CREATE TABLE IF NOT EXISTS schedules (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    TEXT NOT NULL,
			spec       TEXT NOT NULL DEFAULT '',
			fire_at    DATETIME,
			text       TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
	`)
	return err
}

// writer serializes all mutations. It drains queued ops on close so no
// caller blocks forever.
func (s *Store) writer() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writes:
			op.done <- op.fn(s.db)
		case <-s.closed:
			for {
				select {
				case op := <-s.writes:
					op.done <- errClosed
				default:
					return
				}
			}
		}
	}
}

var errClosed = errors.New("store is closed")

func (s *Store) write(fn func(db *sql.DB) error) error {
	op := writeOp{fn: fn, done: make(chan error, 1)}
	select {
	case s.writes <- op:
		return <-op.done
	case <-s.closed:
		return errClosed
	}
}

// Close stops the writer goroutine and closes the database.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.wg.Wait()
	return s.db.Close()
}

// --- Sessions ---

// GetOrCreateSession returns the session for a user, creating it on first
// contact.
func (s *Store) GetOrCreateSession(userID string) (*model.Session, error) {
	if sess, err := s.getSessionByUser(userID); err == nil {
		return sess, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &model.Session{
		ID:             model.NewSessionID(),
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
		Preferences:    model.Preferences{Autonomy: model.AutonomyGuided},
	}
	err := s.write(func(db *sql.DB) error {
		// Another create may have won the race through the writer queue.
		var id string
		if err := db.QueryRow(`SELECT id FROM sessions WHERE user_id = ?`, userID).Scan(&id); err == nil {
			return errAlreadyExists
		}
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		_, err = db.Exec(
			`INSERT INTO sessions (id, user_id, data, created_at, last_activity_at)
			 VALUES (?, ?, ?, ?, ?)`,
			sess.ID, sess.UserID, string(data), sess.CreatedAt, sess.LastActivityAt,
		)
		return err
	})
	if errors.Is(err, errAlreadyExists) {
		return s.getSessionByUser(userID)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

var errAlreadyExists = errors.New("already exists")

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (*model.Session, error) {
	row := s.db.QueryRow(`SELECT data FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *Store) getSessionByUser(userID string) (*model.Session, error) {
	row := s.db.QueryRow(`SELECT data FROM sessions WHERE user_id = ?`, userID)
	return scanSession(row)
}

// ListSessions returns all sessions, most recently active first.
func (s *Store) ListSessions() ([]*model.Session, error) {
	rows, err := s.db.Query(`SELECT data FROM sessions ORDER BY last_activity_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession rewrites a session's stored state and bumps its activity
// timestamp.
func (s *Store) UpdateSession(sess *model.Session) error {
	sess.LastActivityAt = time.Now().UTC()
	return s.write(func(db *sql.DB) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		res, err := db.Exec(
			`UPDATE sessions SET data = ?, last_activity_at = ? WHERE id = ?`,
			string(data), sess.LastActivityAt, sess.ID,
		)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// --- Threads ---

// CreateThread inserts a thread. Creating an active thread pauses any
// thread that was active in the same session.
func (s *Store) CreateThread(th *model.Thread) error {
	return s.write(func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if th.Status == model.ThreadActive {
			if _, err := tx.Exec(
				`UPDATE threads SET status = ?, updated_at = ? WHERE session_id = ? AND status = ?`,
				model.ThreadPaused, time.Now().UTC(), th.SessionID, model.ThreadActive,
			); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(
			`INSERT INTO threads (id, session_id, title, status, summary, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			th.ID, th.SessionID, th.Title, th.Status, th.Summary, th.CreatedAt, th.UpdatedAt,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// GetThread retrieves a thread by ID.
func (s *Store) GetThread(id string) (*model.Thread, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, title, status, summary, created_at, updated_at
		 FROM threads WHERE id = ?`, id,
	)
	return scanThread(row)
}

// ListThreads returns a session's threads, newest first.
func (s *Store) ListThreads(sessionID string) ([]*model.Thread, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, title, status, summary, created_at, updated_at
		 FROM threads WHERE session_id = ? ORDER BY created_at DESC`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []*model.Thread
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, th)
	}
	return threads, rows.Err()
}

// UpdateThread updates a thread's mutable fields.
func (s *Store) UpdateThread(th *model.Thread) error {
	th.UpdatedAt = time.Now().UTC()
	return s.write(func(db *sql.DB) error {
		res, err := db.Exec(
			`UPDATE threads SET title = ?, status = ?, summary = ?, updated_at = ? WHERE id = ?`,
			th.Title, th.Status, th.Summary, th.UpdatedAt, th.ID,
		)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// ActivateThread makes the given thread the session's single active
// thread, pausing whichever thread held that slot.
func (s *Store) ActivateThread(sessionID, threadID string) error {
	return s.write(func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now().UTC()
		if _, err := tx.Exec(
			`UPDATE threads SET status = ?, updated_at = ? WHERE session_id = ? AND status = ? AND id != ?`,
			model.ThreadPaused, now, sessionID, model.ThreadActive, threadID,
		); err != nil {
			return err
		}
		res, err := tx.Exec(
			`UPDATE threads SET status = ?, updated_at = ? WHERE id = ? AND session_id = ?`,
			model.ThreadActive, now, threadID, sessionID,
		)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// --- Messages ---

// AddMessage appends a message to a thread.
func (s *Store) AddMessage(msg *model.Message) error {
	return s.write(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO messages (id, thread_id, role, content, tool_call_id, name, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ThreadID, msg.Role, msg.Content, msg.ToolCallID, msg.Name, msg.Timestamp,
		)
		return err
	})
}

// GetMessages returns all messages in a thread, oldest first.
func (s *Store) GetMessages(threadID string) ([]*model.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, thread_id, role, content, tool_call_id, name, timestamp
		 FROM messages WHERE thread_id = ?
		 ORDER BY timestamp ASC, rowid ASC`, threadID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// GetRecentMessages returns the last n messages in a thread, oldest first.
func (s *Store) GetRecentMessages(threadID string, n int) ([]*model.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, thread_id, role, content, tool_call_id, name, timestamp
		 FROM messages WHERE thread_id = ?
		 ORDER BY timestamp DESC, rowid DESC LIMIT ?`, threadID, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// CountMessages returns the number of messages in a thread.
func (s *Store) CountMessages(threadID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE thread_id = ?`, threadID).Scan(&n)
	return n, err
}

// ReplaceMessages atomically deletes the summarized messages and inserts
// the summary in their place. The caller stamps the summary with a
// timestamp no later than the oldest kept message so ordering holds.
func (s *Store) ReplaceMessages(threadID string, removedIDs []string, summary *model.Message) error {
	if len(removedIDs) == 0 {
		return nil
	}
	return s.write(func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`DELETE FROM messages WHERE thread_id = ? AND id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range removedIDs {
			if _, err := stmt.Exec(threadID, id); err != nil {
				return err
			}
		}

		if summary != nil {
			if _, err := tx.Exec(
				`INSERT INTO messages (id, thread_id, role, content, tool_call_id, name, timestamp)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				summary.ID, summary.ThreadID, summary.Role, summary.Content,
				summary.ToolCallID, summary.Name, summary.Timestamp,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// --- Tasks ---

// CreateTask inserts a task.
func (s *Store) CreateTask(t *model.Task) error {
	return s.write(func(db *sql.DB) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		_, err = db.Exec(
			`INSERT INTO tasks (id, session_id, status, data, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			t.ID, t.SessionID, t.Status, string(data), t.CreatedAt,
		)
		return err
	})
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(id string) (*model.Task, error) {
	row := s.db.QueryRow(`SELECT data FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// UpdateTask rewrites a task's stored state.
func (s *Store) UpdateTask(t *model.Task) error {
	return s.write(func(db *sql.DB) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		res, err := db.Exec(
			`UPDATE tasks SET status = ?, data = ? WHERE id = ?`,
			t.Status, string(data), t.ID,
		)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// ListTasks returns tasks newest first, up to limit (0 means all).
func (s *Store) ListTasks(limit int) ([]*model.Task, error) {
	q := `SELECT data FROM tasks ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListSessionTasks returns a session's tasks, newest first.
func (s *Store) ListSessionTasks(sessionID string) ([]*model.Task, error) {
	rows, err := s.db.Query(
		`SELECT data FROM tasks WHERE session_id = ? ORDER BY created_at DESC`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListNonTerminalTasks returns tasks still in flight, oldest first.
func (s *Store) ListNonTerminalTasks() ([]*model.Task, error) {
	rows, err := s.db.Query(
		`SELECT data FROM tasks WHERE status IN (?, ?, ?) ORDER BY created_at ASC`,
		model.TaskPending, model.TaskRunning, model.TaskWaitingInput,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// FailNonTerminalTasks marks every in-flight task failed with the given
// reason. Called once on startup to account for tasks orphaned by a
// process restart.
func (s *Store) FailNonTerminalTasks(reason string) (int, error) {
	var count int
	err := s.write(func(db *sql.DB) error {
		tasks, err := s.ListNonTerminalTasks()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, t := range tasks {
			t.Status = model.TaskFailed
			t.Error = reason
			t.EndedAt = &now
			data, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if _, err := db.Exec(
				`UPDATE tasks SET status = ?, data = ? WHERE id = ?`,
				t.Status, string(data), t.ID,
			); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// PruneTerminalTasks deletes finished tasks created before the cutoff.
func (s *Store) PruneTerminalTasks(before time.Time) (int, error) {
	var count int
	err := s.write(func(db *sql.DB) error {
		res, err := db.Exec(
			`DELETE FROM tasks WHERE created_at < ? AND status IN (?, ?, ?, ?)`,
			before.UTC(),
			model.TaskCompleted, model.TaskFailed, model.TaskCancelled, model.TaskTimedOut,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		count = int(n)
		return nil
	})
	return count, err
}

// --- Mode ---

// GetModeState returns the persisted mode state, or store.ErrNotFound if
// the process has never run.
func (s *Store) GetModeState() (*model.ModeState, error) {
	st := &model.ModeState{}
	var prev string
	err := s.db.QueryRow(
		`SELECT mode, since, previous, transition_count FROM mode WHERE id = 1`,
	).Scan(&st.Mode, &st.Since, &prev, &st.TransitionCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.Previous = model.Mode(prev)
	return st, nil
}

// SetModeState upserts the singleton mode row.
func (s *Store) SetModeState(st *model.ModeState) error {
	return s.write(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO mode (id, mode, since, previous, transition_count)
			 VALUES (1, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				mode = excluded.mode,
				since = excluded.since,
				previous = excluded.previous,
				transition_count = excluded.transition_count`,
			st.Mode, st.Since, string(st.Previous), st.TransitionCount,
		)
		return err
	})
}

// --- Notes ---

// AddNote inserts a note and assigns its ID.
func (s *Store) AddNote(n *model.Note) error {
	return s.write(func(db *sql.DB) error {
		res, err := db.Exec(
			`INSERT INTO notes (user_id, source, content, created_at)
			 VALUES (?, ?, ?, ?)`,
			n.UserID, n.Source, n.Content, n.CreatedAt,
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		n.ID = id
		return nil
	})
}

// ListNotes returns a user's notes, newest first, up to limit (0 means all).
func (s *Store) ListNotes(userID string, limit int) ([]*model.Note, error) {
	q := `SELECT id, user_id, source, content, created_at
	      FROM notes WHERE user_id = ? ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []*model.Note
	for rows.Next() {
		n := &model.Note{}
		if err := rows.Scan(&n.ID, &n.UserID, &n.Source, &n.Content, &n.CreatedAt); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// --- Schedules ---

// AddSchedule inserts a schedule and assigns its ID.
func (s *Store) AddSchedule(sch *model.Schedule) error {
	return s.write(func(db *sql.DB) error {
		var fireAt any
		if !sch.At.IsZero() {
			fireAt = sch.At
		}
		res, err := db.Exec(
			`INSERT INTO schedules (user_id, spec, fire_at, text, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			sch.UserID, sch.Spec, fireAt, sch.Text, sch.CreatedAt,
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		sch.ID = id
		return nil
	})
}

// ListSchedules returns a user's schedules, oldest first.
func (s *Store) ListSchedules(userID string) ([]*model.Schedule, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, spec, fire_at, text, created_at
		 FROM schedules WHERE user_id = ? ORDER BY id ASC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// ListAllSchedules returns every schedule. Used to rebuild the runner on
// startup.
func (s *Store) ListAllSchedules() ([]*model.Schedule, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, spec, fire_at, text, created_at
		 FROM schedules ORDER BY id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// DeleteSchedule removes a schedule owned by the given user.
func (s *Store) DeleteSchedule(userID string, id int64) error {
	return s.write(func(db *sql.DB) error {
		res, err := db.Exec(`DELETE FROM schedules WHERE id = ? AND user_id = ?`, id, userID)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.Session, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sess := &model.Session{}
	if err := json.Unmarshal([]byte(data), sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return sess, nil
}

func scanThread(row scannable) (*model.Thread, error) {
	th := &model.Thread{}
	err := row.Scan(&th.ID, &th.SessionID, &th.Title, &th.Status, &th.Summary,
		&th.CreatedAt, &th.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return th, nil
}

func scanTask(row scannable) (*model.Task, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	t := &model.Task{}
	if err := json.Unmarshal([]byte(data), t); err != nil {
		return nil, fmt.Errorf("decoding task: %w", err)
	}
	return t, nil
}

func collectMessages(rows *sql.Rows) ([]*model.Message, error) {
	var msgs []*model.Message
	for rows.Next() {
		m := &model.Message{}
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content,
			&m.ToolCallID, &m.Name, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func collectTasks(rows *sql.Rows) ([]*model.Task, error) {
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func collectSchedules(rows *sql.Rows) ([]*model.Schedule, error) {
	var schedules []*model.Schedule
	for rows.Next() {
		sch := &model.Schedule{}
		var fireAt sql.NullTime
		if err := rows.Scan(&sch.ID, &sch.UserID, &sch.Spec, &fireAt,
			&sch.Text, &sch.CreatedAt); err != nil {
			return nil, err
		}
		if fireAt.Valid {
			sch.At = fireAt.Time
		}
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

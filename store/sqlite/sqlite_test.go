package sqlite

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := New(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func newTestSession(t *testing.T, st *Store, userID string) *model.Session {
	t.Helper()
	sess, err := st.GetOrCreateSession(userID)
	if err != nil {
		t.Fatalf("get or create session: %v", err)
	}
	return sess
}

func newTestThread(t *testing.T, st *Store, sessionID string) *model.Thread {
	t.Helper()
	now := time.Now().UTC()
	th := &model.Thread{
		ID:        model.NewThreadID(),
		SessionID: sessionID,
		Title:     "main",
		Status:    model.ThreadActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateThread(th); err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return th
}

func TestGetOrCreateSession(t *testing.T) {
	st := newTestStore(t)

	sess := newTestSession(t, st, "u1")
	if sess.UserID != "u1" {
		t.Fatalf("unexpected user: %q", sess.UserID)
	}
	if sess.Preferences.Autonomy != model.AutonomyGuided {
		t.Fatalf("expected guided autonomy default, got %q", sess.Preferences.Autonomy)
	}

	again := newTestSession(t, st, "u1")
	if again.ID != sess.ID {
		t.Fatalf("second call created a new session: %s vs %s", again.ID, sess.ID)
	}

	other := newTestSession(t, st, "u2")
	if other.ID == sess.ID {
		t.Fatal("distinct users must get distinct sessions")
	}
}

func TestUpdateSessionRoundTrip(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "u1")

	sess.ActiveWorkspaceID = "myapp"
	sess.ActiveFiles = []string{"main.go", "go.mod"}
	sess.GitStartCommit = "abc1234"
	sess.PendingApproval = &model.PendingApproval{
		ToolName:    "workspace_create",
		Args:        map[string]any{"name": "myapp"},
		Description: "create workspace myapp",
	}
	if err := st.UpdateSession(sess); err != nil {
		t.Fatalf("update session: %v", err)
	}

	got, err := st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.ActiveWorkspaceID != "myapp" {
		t.Fatalf("workspace not persisted: %q", got.ActiveWorkspaceID)
	}
	if len(got.ActiveFiles) != 2 || got.ActiveFiles[0] != "main.go" {
		t.Fatalf("active files not persisted: %+v", got.ActiveFiles)
	}
	if got.PendingApproval == nil || got.PendingApproval.ToolName != "workspace_create" {
		t.Fatalf("pending approval not persisted: %+v", got.PendingApproval)
	}
}

func TestUpdateMissingSession(t *testing.T) {
	st := newTestStore(t)
	err := st.UpdateSession(&model.Session{ID: "ses_missing"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestThreadSingleActive(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "u1")

	first := newTestThread(t, st, sess.ID)
	second := newTestThread(t, st, sess.ID)

	got1, err := st.GetThread(first.ID)
	if err != nil {
		t.Fatalf("get first thread: %v", err)
	}
	if got1.Status != model.ThreadPaused {
		t.Fatalf("creating a second active thread should pause the first, got %q", got1.Status)
	}
	got2, _ := st.GetThread(second.ID)
	if got2.Status != model.ThreadActive {
		t.Fatalf("second thread should be active, got %q", got2.Status)
	}

	// Switch back.
	if err := st.ActivateThread(sess.ID, first.ID); err != nil {
		t.Fatalf("activate thread: %v", err)
	}
	got1, _ = st.GetThread(first.ID)
	got2, _ = st.GetThread(second.ID)
	if got1.Status != model.ThreadActive || got2.Status != model.ThreadPaused {
		t.Fatalf("activation did not flip statuses: %q / %q", got1.Status, got2.Status)
	}
}

func TestActivateUnknownThread(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "u1")
	if err := st.ActivateThread(sess.ID, "thr_missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListThreadsNewestFirst(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "u1")

	now := time.Now().UTC()
	for i, title := range []string{"one", "two", "three"} {
		th := &model.Thread{
			ID:        fmt.Sprintf("thr_%d", i),
			SessionID: sess.ID,
			Title:     title,
			Status:    model.ThreadPaused,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			UpdatedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := st.CreateThread(th); err != nil {
			t.Fatalf("create thread %s: %v", title, err)
		}
	}

	threads, err := st.ListThreads(sess.ID)
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	if len(threads) != 3 {
		t.Fatalf("expected 3 threads, got %d", len(threads))
	}
	if threads[0].Title != "three" || threads[2].Title != "one" {
		t.Fatalf("unexpected order: %s .. %s", threads[0].Title, threads[2].Title)
	}
}

func TestMessageOrderingAndWindow(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "u1")
	th := newTestThread(t, st, sess.ID)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		msg := &model.Message{
			ID:        fmt.Sprintf("msg_%d", i),
			ThreadID:  th.ID,
			Role:      model.RoleUser,
			Content:   fmt.Sprintf("line %d", i),
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}
		if err := st.AddMessage(msg); err != nil {
			t.Fatalf("add message %d: %v", i, err)
		}
	}

	all, err := st.GetMessages(th.ID)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(all) != 5 || all[0].Content != "line 0" || all[4].Content != "line 4" {
		t.Fatalf("unexpected order: %+v", all)
	}

	n, err := st.CountMessages(th.ID)
	if err != nil || n != 5 {
		t.Fatalf("count = %d, %v, want 5", n, err)
	}

	recent, err := st.GetRecentMessages(th.ID, 2)
	if err != nil {
		t.Fatalf("get recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Content != "line 3" || recent[1].Content != "line 4" {
		t.Fatalf("unexpected window: %+v", recent)
	}
}

func TestReplaceMessagesCompaction(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "u1")
	th := newTestThread(t, st, sess.ID)

	now := time.Now().UTC()
	var removed []string
	for i := 0; i < 4; i++ {
		msg := &model.Message{
			ID:        fmt.Sprintf("msg_%d", i),
			ThreadID:  th.ID,
			Role:      model.RoleUser,
			Content:   fmt.Sprintf("line %d", i),
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}
		if err := st.AddMessage(msg); err != nil {
			t.Fatalf("add message: %v", err)
		}
		if i < 2 {
			removed = append(removed, msg.ID)
		}
	}

	summary := &model.Message{
		ID:        model.NewMessageID(),
		ThreadID:  th.ID,
		Role:      model.RoleSystem,
		Content:   "Summary: two lines happened",
		Timestamp: now,
	}
	if err := st.ReplaceMessages(th.ID, removed, summary); err != nil {
		t.Fatalf("replace messages: %v", err)
	}

	msgs, _ := st.GetMessages(th.ID)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages after compaction, got %d", len(msgs))
	}
	if msgs[0].Role != model.RoleSystem || msgs[0].Content != "Summary: two lines happened" {
		t.Fatalf("summary should lead the thread: %+v", msgs[0])
	}
	if msgs[1].Content != "line 2" || msgs[2].Content != "line 3" {
		t.Fatalf("kept messages wrong: %+v", msgs[1:])
	}
}

func TestTaskCRUD(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "u1")

	task := &model.Task{
		ID:          model.NewTaskID(),
		SessionID:   sess.ID,
		Goal:        "create a README",
		Agent:       model.AgentClaude,
		WorkspaceID: "myapp",
		Status:      model.TaskPending,
		CreatedAt:   time.Now().UTC(),
		Timeout:     5 * time.Minute,
	}
	if err := st.CreateTask(task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	started := time.Now().UTC()
	task.Status = model.TaskRunning
	task.StartedAt = &started
	task.AppendProgress("Reading files...")
	task.FilesModified.Created = []string{"README.md"}
	if err := st.UpdateTask(task); err != nil {
		t.Fatalf("update task: %v", err)
	}

	got, err := st.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != model.TaskRunning || got.StartedAt == nil {
		t.Fatalf("status not persisted: %+v", got)
	}
	if len(got.ProgressLog) != 1 || got.ProgressLog[0].Text != "Reading files..." {
		t.Fatalf("progress not persisted: %+v", got.ProgressLog)
	}
	if len(got.FilesModified.Created) != 1 || got.FilesModified.Created[0] != "README.md" {
		t.Fatalf("file ops not persisted: %+v", got.FilesModified)
	}
	if got.Timeout != 5*time.Minute {
		t.Fatalf("timeout not persisted: %v", got.Timeout)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.GetTask("tsk_missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFailNonTerminalTasksOnRestart(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "u1")

	now := time.Now().UTC()
	statuses := []model.TaskStatus{
		model.TaskPending, model.TaskRunning, model.TaskWaitingInput, model.TaskCompleted,
	}
	for i, status := range statuses {
		task := &model.Task{
			ID:        fmt.Sprintf("tsk_%d", i),
			SessionID: sess.ID,
			Goal:      "g",
			Status:    status,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := st.CreateTask(task); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}

	inflight, err := st.ListNonTerminalTasks()
	if err != nil {
		t.Fatalf("list non-terminal: %v", err)
	}
	if len(inflight) != 3 {
		t.Fatalf("expected 3 in-flight tasks, got %d", len(inflight))
	}

	n, err := st.FailNonTerminalTasks("process restarted")
	if err != nil {
		t.Fatalf("fail non-terminal: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 failed, got %d", n)
	}

	got, _ := st.GetTask("tsk_0")
	if got.Status != model.TaskFailed || got.Error != "process restarted" {
		t.Fatalf("task not marked failed: %+v", got)
	}
	if got.EndedAt == nil {
		t.Fatal("EndedAt not stamped")
	}

	done, _ := st.GetTask("tsk_3")
	if done.Status != model.TaskCompleted {
		t.Fatalf("terminal task must not be touched: %q", done.Status)
	}
}

func TestPruneTerminalTasks(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "u1")

	now := time.Now().UTC()
	old := &model.Task{
		ID: "tsk_old", SessionID: sess.ID, Goal: "g",
		Status: model.TaskCompleted, CreatedAt: now.Add(-48 * time.Hour),
	}
	fresh := &model.Task{
		ID: "tsk_fresh", SessionID: sess.ID, Goal: "g",
		Status: model.TaskCompleted, CreatedAt: now,
	}
	running := &model.Task{
		ID: "tsk_running", SessionID: sess.ID, Goal: "g",
		Status: model.TaskRunning, CreatedAt: now.Add(-48 * time.Hour),
	}
	for _, task := range []*model.Task{old, fresh, running} {
		if err := st.CreateTask(task); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}

	n, err := st.PruneTerminalTasks(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if _, err := st.GetTask("tsk_old"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old task should be gone, got %v", err)
	}
	if _, err := st.GetTask("tsk_fresh"); err != nil {
		t.Fatalf("fresh task should survive: %v", err)
	}
	if _, err := st.GetTask("tsk_running"); err != nil {
		t.Fatalf("running task should survive: %v", err)
	}
}

func TestListTasksLimit(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "u1")

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		task := &model.Task{
			ID: fmt.Sprintf("tsk_%d", i), SessionID: sess.ID, Goal: "g",
			Status: model.TaskCompleted, CreatedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := st.CreateTask(task); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}

	tasks, err := st.ListTasks(2)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "tsk_4" {
		t.Fatalf("unexpected page: %+v", tasks)
	}

	all, _ := st.ListTasks(0)
	if len(all) != 5 {
		t.Fatalf("expected all 5, got %d", len(all))
	}
}

func TestModeStatePersistence(t *testing.T) {
	st := newTestStore(t)

	if _, err := st.GetModeState(); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first write, got %v", err)
	}

	state := &model.ModeState{
		Mode:            model.ModeWorking,
		Since:           time.Now().UTC(),
		Previous:        model.ModeListening,
		TransitionCount: 7,
	}
	if err := st.SetModeState(state); err != nil {
		t.Fatalf("set mode state: %v", err)
	}

	got, err := st.GetModeState()
	if err != nil {
		t.Fatalf("get mode state: %v", err)
	}
	if got.Mode != model.ModeWorking || got.Previous != model.ModeListening || got.TransitionCount != 7 {
		t.Fatalf("unexpected state: %+v", got)
	}

	// Upsert replaces the singleton row.
	state.Mode = model.ModeListening
	state.Previous = model.ModeWorking
	state.TransitionCount = 8
	if err := st.SetModeState(state); err != nil {
		t.Fatalf("second set: %v", err)
	}
	got, _ = st.GetModeState()
	if got.Mode != model.ModeListening || got.TransitionCount != 8 {
		t.Fatalf("upsert did not replace: %+v", got)
	}
}

func TestNotes(t *testing.T) {
	st := newTestStore(t)

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		n := &model.Note{
			UserID:    "u1",
			Source:    model.NoteSourceUser,
			Content:   fmt.Sprintf("note %d", i),
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := st.AddNote(n); err != nil {
			t.Fatalf("add note: %v", err)
		}
		if n.ID == 0 {
			t.Fatal("AddNote did not assign an ID")
		}
	}

	notes, err := st.ListNotes("u1", 0)
	if err != nil {
		t.Fatalf("list notes: %v", err)
	}
	if len(notes) != 3 || notes[0].Content != "note 2" {
		t.Fatalf("unexpected notes: %+v", notes)
	}

	limited, _ := st.ListNotes("u1", 1)
	if len(limited) != 1 {
		t.Fatalf("limit ignored: %d", len(limited))
	}

	other, _ := st.ListNotes("u2", 0)
	if len(other) != 0 {
		t.Fatalf("notes leaked across users: %+v", other)
	}
}

func TestSchedules(t *testing.T) {
	st := newTestStore(t)

	now := time.Now().UTC()
	oneShot := &model.Schedule{
		UserID:    "u1",
		At:        now.Add(time.Hour),
		Text:      "check the build",
		CreatedAt: now,
	}
	if err := st.AddSchedule(oneShot); err != nil {
		t.Fatalf("add one-shot: %v", err)
	}
	cron := &model.Schedule{
		UserID:    "u1",
		Spec:      "0 9 * * *",
		Text:      "daily standup notes",
		CreatedAt: now,
	}
	if err := st.AddSchedule(cron); err != nil {
		t.Fatalf("add cron: %v", err)
	}

	list, err := st.ListSchedules("u1")
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 schedules, got %d", len(list))
	}
	if list[0].Recurring() {
		t.Fatalf("first entry should be the one-shot: %+v", list[0])
	}
	if list[0].At.IsZero() {
		t.Fatal("one-shot fire time not persisted")
	}
	if !list[1].Recurring() || list[1].Spec != "0 9 * * *" {
		t.Fatalf("cron spec not persisted: %+v", list[1])
	}

	all, _ := st.ListAllSchedules()
	if len(all) != 2 {
		t.Fatalf("expected 2 in global list, got %d", len(all))
	}

	// Ownership enforced on delete.
	if err := st.DeleteSchedule("u2", oneShot.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign delete, got %v", err)
	}
	if err := st.DeleteSchedule("u1", oneShot.ID); err != nil {
		t.Fatalf("delete schedule: %v", err)
	}
	list, _ = st.ListSchedules("u1")
	if len(list) != 1 {
		t.Fatalf("expected 1 schedule after delete, got %d", len(list))
	}
}

func TestConcurrentWrites(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "u1")
	th := newTestThread(t, st, sess.ID)

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			msg := &model.Message{
				ID:        fmt.Sprintf("msg_c%d", i),
				ThreadID:  th.ID,
				Role:      model.RoleUser,
				Content:   "c",
				Timestamp: time.Now().UTC(),
			}
			done <- st.AddMessage(msg)
		}(i)
	}
	for i := 0; i < 10; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent add: %v", err)
		}
	}

	n, err := st.CountMessages(th.ID)
	if err != nil || n != 10 {
		t.Fatalf("count = %d, %v, want 10", n, err)
	}
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fetchcore/fetch/eventbus"
	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/mode"
	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/resilience"
	"github.com/fetchcore/fetch/store"
	sqliteStore "github.com/fetchcore/fetch/store/sqlite"
	"github.com/fetchcore/fetch/task"
)

type fakeTasks struct {
	current   *model.Task
	cancelErr error
	cancelled []string
}

func (f *fakeTasks) Current() *model.Task { return f.current }

func (f *fakeTasks) Cancel(ctx context.Context, id string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeWorkspaces struct {
	list []model.Workspace
	err  error
}

func (f *fakeWorkspaces) List(ctx context.Context, force bool) ([]model.Workspace, error) {
	return f.list, f.err
}

type testEnv struct {
	handler    *Handler
	store      *sqliteStore.Store
	bus        *eventbus.InMemoryBus
	tasks      *fakeTasks
	workspaces *fakeWorkspaces
	breaker    *resilience.CircuitBreaker
}

// newEnv wires the handler to a real SQLite store and mode manager with
// fakes for the live-task and workspace surfaces.
func newEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := sqliteStore.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.NewInMemoryBus()
	t.Cleanup(bus.Close)

	modes, err := mode.New(st, bus, logger.Nop(), time.Hour)
	if err != nil {
		t.Fatalf("new mode manager: %v", err)
	}

	env := &testEnv{
		store:      st,
		bus:        bus,
		tasks:      &fakeTasks{},
		workspaces: &fakeWorkspaces{},
		breaker:    resilience.NewCircuitBreaker(3, time.Minute),
	}
	env.handler = New(Deps{
		Store:      st,
		Tasks:      env.tasks,
		Workspaces: env.workspaces,
		Modes:      modes,
		Breaker:    env.breaker,
		Bus:        bus,
		StartedAt:  time.Now().Add(-90 * time.Second),
		Version:    "test",
		Log:        logger.Nop(),
	})
	return env
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	e.handler.Router().ServeHTTP(w, req)
	return w
}

func (e *testEnv) post(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	w := httptest.NewRecorder()
	e.handler.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data any) (ok bool, errMsg string) {
	t.Helper()
	var resp struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if data != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, data); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return resp.OK, resp.Error
}

func TestHealthz(t *testing.T) {
	env := newEnv(t)

	w := env.get(t, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var data map[string]string
	ok, _ := decode(t, w, &data)
	if !ok || data["status"] != "ok" {
		t.Fatalf("unexpected healthz body: %s", w.Body.String())
	}
}

func TestStatusIdle(t *testing.T) {
	env := newEnv(t)

	w := env.get(t, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var data statusPayload
	decode(t, w, &data)
	if data.Mode != string(model.ModeListening) {
		t.Fatalf("expected LISTENING, got %q", data.Mode)
	}
	if data.Circuit != resilience.CircuitClosed {
		t.Fatalf("expected closed circuit, got %q", data.Circuit)
	}
	if data.Task != nil {
		t.Fatalf("expected no current task, got %+v", data.Task)
	}
	if data.UptimeSeconds < 90 {
		t.Fatalf("expected uptime >= 90s, got %d", data.UptimeSeconds)
	}
}

func TestStatusWithRunningTask(t *testing.T) {
	env := newEnv(t)
	env.tasks.current = &model.Task{
		ID:     "tsk_abc",
		Status: model.TaskRunning,
		Goal:   "add tests",
	}
	for i := 0; i < 3; i++ {
		env.breaker.RecordFailure()
	}

	var data statusPayload
	decode(t, env.get(t, "/api/status"), &data)
	if data.Task == nil || data.Task.ID != "tsk_abc" {
		t.Fatalf("expected current task tsk_abc, got %+v", data.Task)
	}
	if data.Circuit != resilience.CircuitOpen {
		t.Fatalf("expected open circuit, got %q", data.Circuit)
	}
}

func TestListSessionsEmpty(t *testing.T) {
	env := newEnv(t)

	w := env.get(t, "/api/sessions")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var sessions []*model.Session
	decode(t, w, &sessions)
	if len(sessions) != 0 {
		t.Fatalf("expected 0 sessions, got %d", len(sessions))
	}
}

func TestListSessions(t *testing.T) {
	env := newEnv(t)
	if _, err := env.store.GetOrCreateSession("42"); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	var sessions []*model.Session
	decode(t, env.get(t, "/api/sessions"), &sessions)
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].UserID != "42" {
		t.Fatalf("expected user 42, got %q", sessions[0].UserID)
	}
}

func TestSessionMessagesNotFound(t *testing.T) {
	env := newEnv(t)

	w := env.get(t, "/api/sessions/ses_missing/messages")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	ok, errMsg := decode(t, w, nil)
	if ok || errMsg == "" {
		t.Fatalf("expected error envelope, got ok=%v error=%q", ok, errMsg)
	}
}

func TestSessionMessages(t *testing.T) {
	env := newEnv(t)
	sess, err := env.store.GetOrCreateSession("42")
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	th := &model.Thread{
		ID:        model.NewThreadID(),
		SessionID: sess.ID,
		Title:     "hello",
		Status:    model.ThreadActive,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := env.store.CreateThread(th); err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	sess.ActiveThreadID = th.ID
	if err := env.store.UpdateSession(sess); err != nil {
		t.Fatalf("update session: %v", err)
	}
	base := time.Now().UTC()
	for i, content := range []string{"first", "second", "third"} {
		msg := &model.Message{
			ID:        model.NewMessageID(),
			ThreadID:  th.ID,
			Role:      model.RoleUser,
			Content:   content,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if err := env.store.AddMessage(msg); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	var msgs []*model.Message
	decode(t, env.get(t, "/api/sessions/"+sess.ID+"/messages"), &msgs)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "first" || msgs[2].Content != "third" {
		t.Fatalf("messages out of order: %q .. %q", msgs[0].Content, msgs[2].Content)
	}

	msgs = nil
	decode(t, env.get(t, "/api/sessions/"+sess.ID+"/messages?limit=2"), &msgs)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages with limit, got %d", len(msgs))
	}
	if msgs[0].Content != "second" || msgs[1].Content != "third" {
		t.Fatalf("expected the two most recent, got %q and %q", msgs[0].Content, msgs[1].Content)
	}
}

func TestListTasks(t *testing.T) {
	env := newEnv(t)
	for _, id := range []string{"tsk_one", "tsk_two"} {
		err := env.store.CreateTask(&model.Task{
			ID:        id,
			SessionID: "ses_x",
			Goal:      "goal " + id,
			Status:    model.TaskCompleted,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("seed task: %v", err)
		}
	}

	var tasks []*model.Task
	w := env.get(t, "/api/tasks")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	decode(t, w, &tasks)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestGetTask(t *testing.T) {
	env := newEnv(t)
	err := env.store.CreateTask(&model.Task{
		ID:        "tsk_get",
		SessionID: "ses_x",
		Goal:      "inspect me",
		Status:    model.TaskRunning,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}

	var got model.Task
	w := env.get(t, "/api/tasks/tsk_get")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	decode(t, w, &got)
	if got.Goal != "inspect me" {
		t.Fatalf("expected goal 'inspect me', got %q", got.Goal)
	}

	if w := env.get(t, "/api/tasks/tsk_missing"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing task, got %d", w.Code)
	}
}

func TestCancelTask(t *testing.T) {
	env := newEnv(t)

	w := env.post(t, "/api/tasks/tsk_run/cancel")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(env.tasks.cancelled) != 1 || env.tasks.cancelled[0] != "tsk_run" {
		t.Fatalf("cancel not forwarded: %v", env.tasks.cancelled)
	}
}

func TestCancelTaskNotFound(t *testing.T) {
	env := newEnv(t)
	env.tasks.cancelErr = store.ErrNotFound

	if w := env.post(t, "/api/tasks/tsk_gone/cancel"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCancelTaskFinished(t *testing.T) {
	env := newEnv(t)
	env.tasks.cancelErr = task.ErrFinished

	w := env.post(t, "/api/tasks/tsk_done/cancel")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	ok, errMsg := decode(t, w, nil)
	if ok || !strings.Contains(errMsg, "finished") {
		t.Fatalf("expected finished error, got ok=%v error=%q", ok, errMsg)
	}
}

func TestListWorkspaces(t *testing.T) {
	env := newEnv(t)
	env.workspaces.list = []model.Workspace{
		{ID: "proj-a", Path: "/workspaces/proj-a", ProjectType: "go"},
		{ID: "proj-b", Path: "/workspaces/proj-b", ProjectType: "node"},
	}

	var list []model.Workspace
	w := env.get(t, "/api/workspaces")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	decode(t, w, &list)
	if len(list) != 2 || list[0].ID != "proj-a" {
		t.Fatalf("unexpected workspace list: %+v", list)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newEnv(t)

	w := env.get(t, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "fetch_") {
		t.Fatal("expected fetch_ metrics in exposition")
	}
}

func TestSlackMountAbsent(t *testing.T) {
	env := newEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	env.handler.Router().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound && w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected no slack mount, got %d", w.Code)
	}
}

func TestEventsWebsocket(t *testing.T) {
	env := newEnv(t)
	srv := httptest.NewServer(env.handler.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the subscription a beat to land before publishing.
	time.Sleep(50 * time.Millisecond)
	env.bus.Publish(eventbus.TopicTask, model.Event{
		Type:   "task:created",
		TaskID: "tsk_ws",
		At:     time.Now().UTC(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev model.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != "task:created" || ev.TaskID != "tsk_ws" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		raw  string
		def  int
		max  int
		want int
	}{
		{"", 50, 200, 50},
		{"10", 50, 200, 10},
		{"999", 50, 200, 200},
		{"0", 50, 200, 50},
		{"-3", 50, 200, 50},
		{"abc", 50, 200, 50},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/?limit="+tt.raw, nil)
		if got := queryInt(req, "limit", tt.def, tt.max); got != tt.want {
			t.Errorf("queryInt(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fetchcore/fetch/eventbus"
	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/task"
)

type fakeSessions struct {
	sess *model.Session
}

func (f *fakeSessions) GetOrCreateSession(userID string) (*model.Session, error) {
	f.sess.UserID = userID
	return f.sess, nil
}

type fakeStarter struct {
	mu   sync.Mutex
	reqs []task.CreateRequest
	err  error
}

func (f *fakeStarter) Create(ctx context.Context, req task.CreateRequest) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &model.Task{ID: "tsk_issue", Status: model.TaskPending}, nil
}

func (f *fakeStarter) calls() []task.CreateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]task.CreateRequest(nil), f.reqs...)
}

type fakePaths struct{}

func (fakePaths) PathFor(id string) string { return "/workspaces/" + id }

// apiStub emulates the slice of the GitHub REST API the channel touches.
type apiStub struct {
	mu       sync.Mutex
	issues   string // JSON array served for issue lists
	comments []string
	removed  []string
	added    []string
}

func (a *apiStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/site/issues", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(a.issues))
	})
	mux.HandleFunc("POST /repos/acme/site/issues/{num}/comments", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Body string `json:"body"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		a.mu.Lock()
		a.comments = append(a.comments, body.Body)
		a.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("DELETE /repos/acme/site/issues/{num}/labels/{label}", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.removed = append(a.removed, r.PathValue("label"))
		a.mu.Unlock()
		w.Write([]byte(`[]`))
	})
	mux.HandleFunc("POST /repos/acme/site/issues/{num}/labels", func(w http.ResponseWriter, r *http.Request) {
		var labels []string
		json.NewDecoder(r.Body).Decode(&labels)
		a.mu.Lock()
		a.added = append(a.added, labels...)
		a.mu.Unlock()
		w.Write([]byte(`[]`))
	})
	return mux
}

func (a *apiStub) commentLines() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.comments...)
}

func newChannel(t *testing.T, stub *apiStub, starter *fakeStarter) (*Channel, *eventbus.InMemoryBus) {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	bus := eventbus.NewInMemoryBus()
	t.Cleanup(bus.Close)

	ch, err := New(Options{
		Token: "tok",
		Repo:  "acme/site",
		Log:   logger.Nop(),
	}, &fakeSessions{sess: &model.Session{ID: "ses_gh", ActiveWorkspaceID: "proj-a"}}, starter, fakePaths{}, bus)
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	base, _ := url.Parse(srv.URL + "/")
	ch.gh.BaseURL = base
	return ch, bus
}

func TestPollStartsTask(t *testing.T) {
	stub := &apiStub{issues: `[
		{"number": 7, "title": "Fix login", "body": "Users get a 500.", "labels": [{"name": "fetch"}]}
	]`}
	starter := &fakeStarter{}
	ch, _ := newChannel(t, stub, starter)

	ch.poll(context.Background())

	reqs := starter.calls()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 task, got %d", len(reqs))
	}
	if !strings.HasPrefix(reqs[0].Goal, "Fix login") || !strings.Contains(reqs[0].Goal, "Users get a 500.") {
		t.Fatalf("unexpected goal: %q", reqs[0].Goal)
	}
	if reqs[0].Agent != model.AgentAuto {
		t.Fatalf("expected auto agent, got %q", reqs[0].Agent)
	}
	if reqs[0].Cwd != "/workspaces/proj-a" {
		t.Fatalf("expected active workspace cwd, got %q", reqs[0].Cwd)
	}
	if reqs[0].Session.UserID != "github:acme/site" {
		t.Fatalf("unexpected synthetic user: %q", reqs[0].Session.UserID)
	}

	comments := stub.commentLines()
	if len(comments) != 1 || !strings.Contains(comments[0], "Task tsk_issue started") {
		t.Fatalf("expected start comment, got %v", comments)
	}
	if !ch.isSeen(7) {
		t.Fatal("issue should be marked seen")
	}
}

func TestPollSkipsSeenAndPullRequests(t *testing.T) {
	stub := &apiStub{issues: `[
		{"number": 7, "title": "Old", "labels": [{"name": "fetch"}]},
		{"number": 9, "title": "A PR", "labels": [{"name": "fetch"}],
		 "pull_request": {"url": "https://api.github.com/repos/acme/site/pulls/9"}}
	]`}
	starter := &fakeStarter{}
	ch, _ := newChannel(t, stub, starter)
	ch.markSeen(7)

	ch.poll(context.Background())

	if n := len(starter.calls()); n != 0 {
		t.Fatalf("expected no tasks, got %d", n)
	}
}

func TestQueueFullRetriesNextPoll(t *testing.T) {
	stub := &apiStub{issues: `[
		{"number": 3, "title": "Add tests", "labels": [{"name": "fetch"}]}
	]`}
	starter := &fakeStarter{err: task.ErrQueueFull}
	ch, _ := newChannel(t, stub, starter)

	ch.poll(context.Background())
	if ch.isSeen(3) {
		t.Fatal("busy issue must stay unseen")
	}
	if len(stub.commentLines()) != 0 {
		t.Fatalf("expected no comments while queued, got %v", stub.commentLines())
	}

	starter.err = nil
	ch.poll(context.Background())
	if !ch.isSeen(3) {
		t.Fatal("issue should start once the slot frees")
	}
	if n := len(starter.calls()); n != 2 {
		t.Fatalf("expected 2 create attempts, got %d", n)
	}
}

func TestProgressPostedAsComments(t *testing.T) {
	stub := &apiStub{issues: `[
		{"number": 4, "title": "Rename package", "labels": [{"name": "fetch"}]}
	]`}
	starter := &fakeStarter{}
	ch, _ := newChannel(t, stub, starter)

	ch.poll(context.Background())
	reqs := starter.calls()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 task, got %d", len(reqs))
	}
	reqs[0].OnProgress("⋯ compiling")
	reqs[0].OnProgress("✅ Task tsk_issue completed")

	comments := stub.commentLines()
	if len(comments) != 3 {
		t.Fatalf("expected 3 comments, got %v", comments)
	}
	if comments[1] != "⋯ compiling" || !strings.HasPrefix(comments[2], "✅") {
		t.Fatalf("unexpected progress comments: %v", comments)
	}
}

func TestTerminalEventSwapsLabel(t *testing.T) {
	stub := &apiStub{issues: `[]`}
	starter := &fakeStarter{}
	ch, bus := newChannel(t, stub, starter)
	ch.trackTask("tsk_ok", 11)
	ch.trackTask("tsk_bad", 12)

	ctx, cancel := context.WithCancel(context.Background())
	events := bus.Subscribe(eventbus.TopicTask)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch.watch(ctx, events)
	}()

	bus.Publish(eventbus.TopicTask, model.Event{Type: "task:started", TaskID: "tsk_ok"})
	bus.Publish(eventbus.TopicTask, model.Event{Type: "task:completed", TaskID: "tsk_ok"})
	bus.Publish(eventbus.TopicTask, model.Event{Type: "task:timed_out", TaskID: "tsk_bad"})
	bus.Publish(eventbus.TopicTask, model.Event{Type: "task:completed", TaskID: "tsk_unknown"})

	deadline := time.After(2 * time.Second)
	for {
		stub.mu.Lock()
		added := len(stub.added)
		stub.mu.Unlock()
		if added >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for label swaps")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.removed) != 2 || stub.removed[0] != "fetch" {
		t.Fatalf("expected trigger label removed twice, got %v", stub.removed)
	}
	got := strings.Join(stub.added, ",")
	if !strings.Contains(got, "fetch:done") || !strings.Contains(got, "fetch:failed") {
		t.Fatalf("expected done and failed labels, got %v", stub.added)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	bus := eventbus.NewInMemoryBus()
	defer bus.Close()

	if _, err := New(Options{Repo: "acme/site"}, nil, nil, nil, bus); err == nil {
		t.Fatal("expected error for missing token")
	}
	if _, err := New(Options{Token: "tok", Repo: "noslash"}, nil, nil, nil, bus); err == nil {
		t.Fatal("expected error for malformed repo")
	}
}

package summarize

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/llm"
	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/store/sqlite"
)

type fakeLM struct {
	mu   sync.Mutex
	reqs []llm.Request
	text string
	err  error
}

func (f *fakeLM) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	f.reqs = append(f.reqs, cp)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Text: f.text, StopReason: "end_turn"}, nil
}

type noteSink struct {
	mu    sync.Mutex
	notes []string
}

func (n *noteSink) Remember(_, _, content string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, content)
	return nil
}

func seedThread(t *testing.T, st *sqlite.Store, sess *model.Session, count int) {
	t.Helper()
	now := time.Now().UTC()
	th := &model.Thread{
		ID: model.NewThreadID(), SessionID: sess.ID,
		Title: "main", Status: model.ThreadActive, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateThread(th); err != nil {
		t.Fatalf("thread: %v", err)
	}
	sess.ActiveThreadID = th.ID
	if err := st.UpdateSession(sess); err != nil {
		t.Fatalf("session: %v", err)
	}
	for i := 0; i < count; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		msg := &model.Message{
			ID: model.NewMessageID(), ThreadID: th.ID, Role: role,
			Content:   fmt.Sprintf("turn %d", i),
			Timestamp: now.Add(time.Duration(i-3600) * time.Second),
		}
		if err := st.AddMessage(msg); err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
	}
}

func newStore(t *testing.T) (*sqlite.Store, *model.Session) {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "sum.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	sess, err := st.GetOrCreateSession("u1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return st, sess
}

func TestCompactFoldsOldMessages(t *testing.T) {
	st, sess := newStore(t)
	seedThread(t, st, sess, 50)

	lm := &fakeLM{text: "User built proj-a; tests green; prefers pnpm."}
	notes := &noteSink{}
	s := New(lm, st, notes, logger.Nop(), Options{Threshold: 40, Window: 20, MaxTokens: 500})

	ran, err := s.MaybeCompact(context.Background(), sess)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !ran {
		t.Fatal("expected a compaction")
	}

	msgs, err := st.GetMessages(sess.ActiveThreadID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 21 {
		t.Fatalf("expected 20 kept + 1 summary, got %d", len(msgs))
	}
	if msgs[0].Role != model.RoleSystem || !strings.HasPrefix(msgs[0].Content, "Summary: ") {
		t.Fatalf("summary message malformed: %+v", msgs[0])
	}
	if msgs[1].Content != "turn 30" {
		t.Fatalf("wrong window kept; first kept = %q", msgs[1].Content)
	}

	if len(lm.reqs) != 1 || lm.reqs[0].MaxTokens != 500 {
		t.Fatalf("unexpected LM usage: %+v", lm.reqs)
	}
	doc := lm.reqs[0].Messages[0].Content
	if !strings.Contains(doc, "user: turn 0") || !strings.Contains(doc, "turn 29") {
		t.Fatalf("transcript incomplete:\n%s", doc)
	}
	if strings.Contains(doc, "turn 30") {
		t.Fatal("transcript leaked kept messages")
	}

	th, err := st.GetThread(sess.ActiveThreadID)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if !strings.Contains(th.Summary, "proj-a") {
		t.Fatalf("thread summary not recorded: %q", th.Summary)
	}
	if len(notes.notes) != 1 || !strings.Contains(notes.notes[0], "pnpm") {
		t.Fatalf("summary note not recorded: %v", notes.notes)
	}
}

func TestCompactSkipsBelowThreshold(t *testing.T) {
	st, sess := newStore(t)
	seedThread(t, st, sess, 30)

	lm := &fakeLM{text: "never called"}
	s := New(lm, st, nil, logger.Nop(), Options{Threshold: 40, Window: 20})

	ran, err := s.MaybeCompact(context.Background(), sess)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if ran || len(lm.reqs) != 0 {
		t.Fatalf("compaction should not run below threshold (ran=%v calls=%d)", ran, len(lm.reqs))
	}
}

func TestCompactFoldsPreviousSummary(t *testing.T) {
	st, sess := newStore(t)
	seedThread(t, st, sess, 50)

	lm := &fakeLM{text: "first pass"}
	s := New(lm, st, nil, logger.Nop(), Options{Threshold: 40, Window: 20})
	if _, err := s.MaybeCompact(context.Background(), sess); err != nil {
		t.Fatalf("first compact: %v", err)
	}

	// Grow past the threshold again; the old summary must ride along.
	now := time.Now().UTC()
	for i := 0; i < 25; i++ {
		msg := &model.Message{
			ID: model.NewMessageID(), ThreadID: sess.ActiveThreadID, Role: model.RoleUser,
			Content:   fmt.Sprintf("later %d", i),
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}
		if err := st.AddMessage(msg); err != nil {
			t.Fatalf("grow thread: %v", err)
		}
	}
	lm.text = "second pass"
	if _, err := s.MaybeCompact(context.Background(), sess); err != nil {
		t.Fatalf("second compact: %v", err)
	}

	doc := lm.reqs[1].Messages[0].Content
	if !strings.Contains(doc, "Summary: first pass") {
		t.Fatalf("previous summary not folded into transcript:\n%s", doc)
	}
	msgs, err := st.GetMessages(sess.ActiveThreadID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 21 || !strings.Contains(msgs[0].Content, "second pass") {
		t.Fatalf("second summary malformed: %d msgs, head %+v", len(msgs), msgs[0])
	}
}

func TestCompactSurfacesLMFailure(t *testing.T) {
	st, sess := newStore(t)
	seedThread(t, st, sess, 50)

	lm := &fakeLM{err: &llm.StatusError{Status: 500, Err: fmt.Errorf("upstream")}}
	s := New(lm, st, nil, logger.Nop(), Options{Threshold: 40, Window: 20})

	ran, err := s.MaybeCompact(context.Background(), sess)
	if ran || err == nil {
		t.Fatalf("expected failure to surface, got ran=%v err=%v", ran, err)
	}
	n, _ := st.CountMessages(sess.ActiveThreadID)
	if n != 50 {
		t.Fatalf("failed compaction must not drop messages: %d left", n)
	}
}

func TestAmbiguous(t *testing.T) {
	flagged := []string{
		"fix it",
		"Fix it!",
		"do it again",
		"the usual",
		"same as before",
		"deploy that",
		"run it now please",
	}
	for _, in := range flagged {
		if Ambiguous(in) == "" {
			t.Fatalf("%q should be flagged as ambiguous", in)
		}
	}

	clear := []string{
		"",
		"fix the login bug in auth.go",
		"what is this repo",
		"delete proj-a",
		"cancel tsk_0123456789",
		"add a readme to the project and describe the build steps",
		"run ./scripts/test.sh",
	}
	for _, in := range clear {
		if d := Ambiguous(in); d != "" {
			t.Fatalf("%q should not be flagged: %q", in, d)
		}
	}
}

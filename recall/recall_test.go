package recall

import (
	"strings"
	"testing"
	"time"

	"github.com/fetchcore/fetch/model"
)

type fakeNotes struct {
	notes  []*model.Note
	nextID int64
}

func (f *fakeNotes) AddNote(n *model.Note) error {
	f.nextID++
	n.ID = f.nextID
	cp := *n
	f.notes = append(f.notes, &cp)
	return nil
}

func (f *fakeNotes) ListNotes(userID string, limit int) ([]*model.Note, error) {
	var out []*model.Note
	for _, n := range f.notes {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func seedNote(f *fakeNotes, userID, content string, age time.Duration) {
	f.nextID++
	f.notes = append(f.notes, &model.Note{
		ID:        f.nextID,
		UserID:    userID,
		Source:    model.NoteSourceUser,
		Content:   content,
		CreatedAt: time.Now().UTC().Add(-age),
	})
}

func TestRecallRanksByOverlap(t *testing.T) {
	fn := &fakeNotes{}
	seedNote(fn, "u1", "the project uses postgres for storage", time.Hour)
	seedNote(fn, "u1", "deploy target is fly.io", time.Hour)
	seedNote(fn, "u1", "postgres migrations live under db/migrations, postgres 16", time.Hour)

	r := New(fn, 5, 300, 0.1)
	matches, err := r.Recall("u1", "where are the postgres migrations?")
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if !strings.Contains(matches[0].Note.Content, "migrations") {
		t.Fatalf("best match should mention migrations: %q", matches[0].Note.Content)
	}
}

func TestRecallDecayPrefersFresh(t *testing.T) {
	fn := &fakeNotes{}
	seedNote(fn, "u1", "use the staging database", 40*24*time.Hour)
	seedNote(fn, "u1", "use the production database", time.Hour)

	r := New(fn, 5, 300, 0.1)
	matches, err := r.Recall("u1", "which database?")
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if !strings.Contains(matches[0].Note.Content, "production") {
		t.Fatalf("fresh note should outrank stale: %q", matches[0].Note.Content)
	}
	if matches[1].Score >= matches[0].Score {
		t.Fatalf("decay did not lower the old note: %v >= %v", matches[1].Score, matches[0].Score)
	}
}

func TestRecallExcludesUnrelated(t *testing.T) {
	fn := &fakeNotes{}
	seedNote(fn, "u1", "lunch is at noon", time.Hour)

	r := New(fn, 5, 300, 0.1)
	matches, err := r.Recall("u1", "kubernetes ingress")
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no matches, got %+v", matches)
	}
}

func TestRecallLimit(t *testing.T) {
	fn := &fakeNotes{}
	for i := 0; i < 10; i++ {
		seedNote(fn, "u1", "docker compose setup notes", time.Duration(i)*time.Hour)
	}

	r := New(fn, 3, 300, 0.1)
	matches, _ := r.Recall("u1", "docker compose")
	if len(matches) != 3 {
		t.Fatalf("expected limit of 3, got %d", len(matches))
	}
}

func TestRecallIgnoresShortTerms(t *testing.T) {
	fn := &fakeNotes{}
	seedNote(fn, "u1", "a note about it", time.Hour)

	r := New(fn, 5, 300, 0.1)
	matches, _ := r.Recall("u1", "it is a go")
	if len(matches) != 0 {
		t.Fatalf("two-letter terms should not match, got %+v", matches)
	}
}

func TestRememberStoresTrimmed(t *testing.T) {
	fn := &fakeNotes{}
	r := New(fn, 5, 300, 0.1)
	if err := r.Remember("u1", model.NoteSourceUser, "  tabs not spaces  "); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if len(fn.notes) != 1 || fn.notes[0].Content != "tabs not spaces" {
		t.Fatalf("unexpected note: %+v", fn.notes)
	}
	if err := r.Remember("u1", model.NoteSourceUser, "   "); err == nil {
		t.Fatal("empty note should be rejected")
	}
}

func TestFormatContext(t *testing.T) {
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	matches := []Match{
		{Note: model.Note{Content: "prefers tabs", CreatedAt: at}, Score: 1},
	}
	got := FormatContext(matches, 300)
	if !strings.HasPrefix(got, "<recalled_context>") || !strings.HasSuffix(got, "</recalled_context>") {
		t.Fatalf("missing wrapper: %q", got)
	}
	if !strings.Contains(got, "[2025-06-01] prefers tabs") {
		t.Fatalf("missing entry: %q", got)
	}
	if FormatContext(nil, 300) != "" {
		t.Fatal("empty matches should render nothing")
	}
}

func TestFormatContextClipsLongNotes(t *testing.T) {
	long := strings.Repeat("x", 5000)
	matches := []Match{
		{Note: model.Note{Content: long, CreatedAt: time.Now()}, Score: 1},
	}
	got := FormatContext(matches, 100)
	if len(got) > 500 {
		t.Fatalf("snippet not clipped: %d chars", len(got))
	}
	if !strings.Contains(got, "...") {
		t.Fatal("clipped snippet should end with ellipsis")
	}
}

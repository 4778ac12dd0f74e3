// Package summarize compacts long conversation threads into a single
// summary message and flags requests too vague to act on.
package summarize

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/llm"
	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/store"
)

// Compaction defaults.
const (
	DefaultThreshold = 40
	DefaultWindow    = 20
	DefaultMaxTokens = 500

	// maxTranscriptChars bounds the document sent to the summarizer.
	maxTranscriptChars = 24000
	// maxMessageChars bounds each transcript line.
	maxMessageChars = 600
)

const summaryPrompt = "You compress chat history for a coding orchestrator. " +
	"Write a dense summary within the token budget: decisions made, tasks run and their outcomes, " +
	"workspace and file names, user preferences, open questions. " +
	"Fold the content of any earlier \"Summary:\" line into the new summary. " +
	"Output the summary text only."

// Noter receives produced summaries so they survive as recallable notes.
type Noter interface {
	Remember(userID, source, content string) error
}

// Options tunes compaction; zero values pick the defaults.
type Options struct {
	// Model overrides the client default; summaries run fine on a
	// smaller model.
	Model     string
	Threshold int
	Window    int
	MaxTokens int
}

// Summarizer owns thread compaction.
type Summarizer struct {
	lm    llm.Client
	st    store.Store
	notes Noter
	log   *logger.Logger
	opts  Options
}

// New builds a Summarizer. notes may be nil.
func New(lm llm.Client, st store.Store, notes Noter, log *logger.Logger, opts Options) *Summarizer {
	if log == nil {
		log = logger.Nop()
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return &Summarizer{lm: lm, st: st, notes: notes, log: log.Named("summarize"), opts: opts}
}

// MaybeCompact folds everything older than the history window into one
// role=system "Summary:" message once the thread passes the threshold.
// Returns true when a compaction ran.
func (s *Summarizer) MaybeCompact(ctx context.Context, sess *model.Session) (bool, error) {
	if sess.ActiveThreadID == "" {
		return false, nil
	}
	count, err := s.st.CountMessages(sess.ActiveThreadID)
	if err != nil {
		return false, fmt.Errorf("counting messages: %w", err)
	}
	if count <= s.opts.Threshold {
		return false, nil
	}

	msgs, err := s.st.GetMessages(sess.ActiveThreadID)
	if err != nil {
		return false, fmt.Errorf("loading messages: %w", err)
	}
	if len(msgs) <= s.opts.Window {
		return false, nil
	}
	old := msgs[:len(msgs)-s.opts.Window]

	resp, err := s.lm.Complete(ctx, &llm.Request{
		Model:     s.opts.Model,
		System:    summaryPrompt,
		Messages:  []llm.Message{{Role: model.RoleUser, Content: transcript(old)}},
		MaxTokens: s.opts.MaxTokens,
	})
	if err != nil {
		return false, fmt.Errorf("summarizing: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return false, fmt.Errorf("summarizer returned no text")
	}

	ids := make([]string, len(old))
	for i, m := range old {
		ids[i] = m.ID
	}
	summary := &model.Message{
		ID:        model.NewMessageID(),
		ThreadID:  sess.ActiveThreadID,
		Role:      model.RoleSystem,
		Content:   "Summary: " + text,
		Timestamp: old[len(old)-1].Timestamp,
	}
	if err := s.st.ReplaceMessages(sess.ActiveThreadID, ids, summary); err != nil {
		return false, fmt.Errorf("replacing messages: %w", err)
	}

	if th, err := s.st.GetThread(sess.ActiveThreadID); err == nil {
		th.Summary = text
		if err := s.st.UpdateThread(th); err != nil {
			s.log.Warn("thread summary not saved", zap.Error(err))
		}
	}
	if s.notes != nil {
		if err := s.notes.Remember(sess.UserID, model.NoteSourceSummary, text); err != nil {
			s.log.Warn("summary note not saved", zap.Error(err))
		}
	}

	s.log.Info("compacted thread",
		zap.String("thread", sess.ActiveThreadID),
		zap.Int("folded", len(old)),
		zap.Int("kept", s.opts.Window))
	return true, nil
}

// transcript renders messages as "role: content" lines, newest last.
// When the document exceeds the budget it keeps the freshest lines, plus
// a leading "Summary:" line when present — that one carries everything a
// previous compaction already folded.
func transcript(msgs []*model.Message) string {
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = fmt.Sprintf("%s: %s", m.Role, model.Truncate(m.Content, maxMessageChars))
	}

	var head string
	start := 0
	if len(msgs) > 0 && msgs[0].Role == model.RoleSystem && strings.HasPrefix(msgs[0].Content, "Summary:") {
		head = lines[0]
		start = 1
	}

	budget := maxTranscriptChars - len(head)
	total := 0
	from := len(lines)
	for i := len(lines) - 1; i >= start; i-- {
		total += len(lines[i]) + 1
		if total > budget {
			break
		}
		from = i
	}

	var b strings.Builder
	if head != "" {
		b.WriteString(head)
		b.WriteString("\n")
	}
	for _, l := range lines[from:] {
		b.WriteString(l)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

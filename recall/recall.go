// Package recall surfaces durable notes relevant to the current message.
//
// Notes accumulate from two sources: explicit "remember ..." requests and
// conversation summaries. Recall ranks them by query-term overlap damped
// by an exponential age decay, so fresh knowledge outranks stale.
package recall

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/store"
)

// Match is a retrieval result combining a note with its relevance score.
type Match struct {
	Note  model.Note
	Score float64
}

// Recaller ranks stored notes against a query.
type Recaller struct {
	notes         store.Notes
	limit         int
	snippetTokens int
	decayPerDay   float64
	now           func() time.Time
}

// New creates a Recaller. limit caps the number of returned matches,
// snippetTokens clips each snippet, decayPerDay is the exponential decay
// rate applied per day of note age.
func New(notes store.Notes, limit, snippetTokens int, decayPerDay float64) *Recaller {
	if limit <= 0 {
		limit = 5
	}
	if snippetTokens <= 0 {
		snippetTokens = 300
	}
	if decayPerDay < 0 {
		decayPerDay = 0
	}
	return &Recaller{
		notes:         notes,
		limit:         limit,
		snippetTokens: snippetTokens,
		decayPerDay:   decayPerDay,
		now:           time.Now,
	}
}

// Remember stores a note for later recall.
func (r *Recaller) Remember(userID, source, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("empty note")
	}
	return r.notes.AddNote(&model.Note{
		UserID:    userID,
		Source:    source,
		Content:   content,
		CreatedAt: r.now().UTC(),
	})
}

// Recall returns the user's notes most relevant to the query, best first.
// Notes sharing no terms with the query are excluded.
func (r *Recaller) Recall(userID, query string) ([]Match, error) {
	words := queryTerms(query)
	if len(words) == 0 {
		return nil, nil
	}

	notes, err := r.notes.ListNotes(userID, 0)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	var matches []Match
	for _, n := range notes {
		lower := strings.ToLower(n.Content)
		overlap := 0
		for _, w := range words {
			if strings.Contains(lower, w) {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		ageDays := now.Sub(n.CreatedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		score := float64(overlap) * math.Exp(-r.decayPerDay*ageDays)
		matches = append(matches, Match{Note: *n, Score: score})
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > r.limit {
		matches = matches[:r.limit]
	}
	return matches, nil
}

// Context builds the recalled-context block injected into the agent's
// system prompt, or "" when nothing matched.
func (r *Recaller) Context(userID, query string) (string, error) {
	matches, err := r.Recall(userID, query)
	if err != nil {
		return "", err
	}
	return FormatContext(matches, r.snippetTokens), nil
}

// FormatContext renders matches as a <recalled_context> block. Each
// snippet is clipped to roughly maxTokens tokens.
func FormatContext(matches []Match, maxTokens int) string {
	if len(matches) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<recalled_context>\n")
	for _, m := range matches {
		b.WriteString("- [")
		b.WriteString(m.Note.CreatedAt.Format("2006-01-02"))
		b.WriteString("] ")
		b.WriteString(clipTokens(m.Note.Content, maxTokens))
		b.WriteString("\n")
	}
	b.WriteString("</recalled_context>")
	return b.String()
}

// queryTerms lowercases and splits a query, dropping terms too short to
// be meaningful.
func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?:;\"'()")
		if len(f) >= 3 {
			terms = append(terms, f)
		}
	}
	return terms
}

// clipTokens truncates s to about maxTokens tokens using the usual
// four-chars-per-token estimate.
func clipTokens(s string, maxTokens int) string {
	maxChars := maxTokens * 4
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	return string(r[:maxChars]) + "..."
}

// EstimateTokens approximates the token count of a string.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

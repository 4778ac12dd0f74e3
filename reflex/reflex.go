// Package reflex matches incoming text against fast deterministic
// handlers so common requests (stop, status, greetings) never cost a
// language-model call.
package reflex

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fetchcore/fetch/internal/metrics"
	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/skills"
	"github.com/fetchcore/fetch/tool"
)

// Action is a side effect the router performs on behalf of a reflex.
type Action string

const (
	ActionNone    Action = ""
	ActionStop    Action = "stop"
	ActionUndo    Action = "undo"
	ActionClear   Action = "clear"
	ActionPause   Action = "pause"
	ActionResume  Action = "resume"
	ActionSetMode Action = "set_mode"
)

// Categories group reflexes for priority conventions.
const (
	CategorySafety = "safety"
	CategoryInfo   = "info"
	CategoryMeta   = "meta"
	CategorySystem = "system"
)

// Result is what a handler returns once its reflex triggered.
type Result struct {
	Matched  bool
	Response string
	Action   Action
	// Mode is the target for ActionSetMode.
	Mode model.Mode
	// ContinueProcessing sends the text on to the agent with Response
	// prepended instead of ending the turn.
	ContinueProcessing bool
}

// Context carries the message into a handler.
type Context struct {
	Session *model.Session
	// Text is the trimmed original message; Lower its lowercase form.
	Text  string
	Lower string
}

// Handler runs after a trigger or pattern hit. Returning Matched=false
// passes the message to lower-priority reflexes.
type Handler func(rc *Context) Result

// Reflex is one deterministic responder.
type Reflex struct {
	Name     string
	Category string
	// Triggers are exact lowercase strings; Patterns are tried when no
	// trigger matches.
	Triggers []string
	Patterns []*regexp.Regexp
	Priority int
	Handler  Handler
}

func (r *Reflex) hits(rc *Context) bool {
	for _, t := range r.Triggers {
		if rc.Lower == t {
			return true
		}
	}
	for _, p := range r.Patterns {
		if p.MatchString(rc.Text) {
			return true
		}
	}
	return false
}

// TaskReader exposes the live task to info and safety reflexes.
type TaskReader interface {
	Current() *model.Task
}

// ModeReader exposes the current orchestrator mode.
type ModeReader interface {
	Current() model.Mode
}

// SkillReader lists loaded skills.
type SkillReader interface {
	All() []skills.Skill
}

// ToolReader lists registered tools.
type ToolReader interface {
	List() []*tool.Tool
}

// ScheduleReader lists a user's reminders and cron entries.
type ScheduleReader interface {
	ListSchedules(userID string) ([]*model.Schedule, error)
}

// Rememberer stores a user note for later recall.
type Rememberer interface {
	Remember(userID, source, content string) error
}

// Deps gives the built-in reflexes read access to the subsystems they
// report on. Any field may be nil; the affected reflexes degrade to a
// short "not available" answer.
type Deps struct {
	Tasks     TaskReader
	Modes     ModeReader
	Skills    SkillReader
	Tools     ToolReader
	Schedules ScheduleReader
	Memory    Rememberer
	// Identity returns the persona block shown by the identity reflex.
	Identity  func() string
	Version   string
	StartedAt time.Time
}

// Registry holds reflexes sorted by priority (highest first).
type Registry struct {
	reflexes []Reflex
}

// New builds a registry with the built-in reflex set.
func New(deps Deps) *Registry {
	r := &Registry{}
	for _, rf := range builtins(deps) {
		r.Register(rf)
	}
	return r
}

// Register adds a reflex, keeping priority order.
func (r *Registry) Register(rf Reflex) {
	r.reflexes = append(r.reflexes, rf)
	sort.SliceStable(r.reflexes, func(i, j int) bool {
		if r.reflexes[i].Priority != r.reflexes[j].Priority {
			return r.reflexes[i].Priority > r.reflexes[j].Priority
		}
		return r.reflexes[i].Name < r.reflexes[j].Name
	})
}

// Names lists registered reflexes in priority order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.reflexes))
	for i, rf := range r.reflexes {
		out[i] = rf.Name
	}
	return out
}

// Handle tries the reflexes in priority order. The boolean reports
// whether any reflex claimed the message.
func (r *Registry) Handle(session *model.Session, text string) (Result, bool) {
	trimmed := strings.TrimSpace(text)
	rc := &Context{
		Session: session,
		Text:    trimmed,
		Lower:   strings.ToLower(trimmed),
	}
	for i := range r.reflexes {
		rf := &r.reflexes[i]
		if !rf.hits(rc) {
			continue
		}
		res := rf.Handler(rc)
		if !res.Matched {
			continue
		}
		metrics.ReflexHitsTotal.WithLabelValues(rf.Name).Inc()
		return res, true
	}
	return Result{}, false
}

package reflex

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fetchcore/fetch/model"
)

var rememberRe = regexp.MustCompile(`(?i)^remember[:,]?\s+(.+)$`)

func builtins(deps Deps) []Reflex {
	return []Reflex{
		stopReflex(deps),
		undoReflex(),
		clearReflex(),
		pauseReflex(),
		resumeReflex(),
		rememberReflex(deps),
		greetingReflex(),
		helpReflex(),
		statusReflex(deps),
		skillsReflex(deps),
		toolsReflex(deps),
		schedulesReflex(deps),
		whoamiReflex(),
		identityReflex(deps),
		threadReflex(),
	}
}

func stopReflex(deps Deps) Reflex {
	return Reflex{
		Name:     "stop",
		Category: CategorySafety,
		Priority: 100,
		Triggers: []string{"stop", "cancel", "abort", "halt", "stop it", "cancel task"},
		Patterns: []*regexp.Regexp{regexp.MustCompile(`(?i)^(stop|cancel|abort)[.!]*$`)},
		Handler: func(rc *Context) Result {
			var t *model.Task
			if deps.Tasks != nil {
				t = deps.Tasks.Current()
			}
			if t == nil || t.Status.Terminal() {
				// With an approval pending, "stop"/"cancel" are deny
				// tokens; let the approval flow consume them.
				if rc.Session != nil && rc.Session.PendingApproval != nil {
					return Result{}
				}
				return Result{Matched: true, Response: "No task is running."}
			}
			return Result{
				Matched:  true,
				Action:   ActionStop,
				Response: fmt.Sprintf("Cancelling task %s.", t.ID),
			}
		},
	}
}

func undoReflex() Reflex {
	return Reflex{
		Name:     "undo",
		Category: CategorySafety,
		Priority: 90,
		Triggers: []string{"undo", "undo that", "revert", "roll back", "rollback"},
		Handler: func(rc *Context) Result {
			s := rc.Session
			if s == nil || s.GitStartCommit == "" || s.ActiveWorkspaceID == "" {
				return Result{Matched: true, Response: "Nothing to undo — no task baseline recorded."}
			}
			return Result{
				Matched: true,
				Action:  ActionUndo,
				Response: fmt.Sprintf("Rolling %s back to %s.",
					s.ActiveWorkspaceID, shortCommit(s.GitStartCommit)),
			}
		},
	}
}

func clearReflex() Reflex {
	return Reflex{
		Name:     "clear",
		Category: CategorySafety,
		Priority: 85,
		Triggers: []string{"clear", "clear context", "start over", "start fresh"},
		Handler: func(rc *Context) Result {
			return Result{
				Matched:  true,
				Action:   ActionClear,
				Response: "Context cleared. Starting fresh.",
			}
		},
	}
}

func pauseReflex() Reflex {
	return Reflex{
		Name:     "pause",
		Category: CategorySafety,
		Priority: 80,
		Triggers: []string{"pause", "mute", "quiet", "shh"},
		Handler: func(rc *Context) Result {
			return Result{
				Matched:  true,
				Action:   ActionPause,
				Response: "Progress updates paused. Say resume to turn them back on.",
			}
		},
	}
}

func resumeReflex() Reflex {
	return Reflex{
		Name:     "resume",
		Category: CategorySafety,
		Priority: 80,
		Triggers: []string{"resume", "unmute", "unpause"},
		Handler: func(rc *Context) Result {
			return Result{
				Matched:  true,
				Action:   ActionResume,
				Response: "Progress updates resumed.",
			}
		},
	}
}

func rememberReflex(deps Deps) Reflex {
	return Reflex{
		Name:     "remember",
		Category: CategorySystem,
		Priority: 30,
		Patterns: []*regexp.Regexp{rememberRe},
		Handler: func(rc *Context) Result {
			m := rememberRe.FindStringSubmatch(rc.Text)
			if len(m) < 2 || deps.Memory == nil || rc.Session == nil {
				return Result{}
			}
			content := strings.TrimSpace(m[1])
			if err := deps.Memory.Remember(rc.Session.UserID, model.NoteSourceUser, content); err != nil {
				return Result{Matched: true, Response: "Couldn't save that: " + err.Error()}
			}
			return Result{
				Matched:  true,
				Response: "Noted: " + model.Truncate(content, 120),
			}
		},
	}
}

func greetingReflex() Reflex {
	return Reflex{
		Name:     "greeting",
		Category: CategoryInfo,
		Priority: 20,
		Triggers: []string{
			"hi", "hello", "hey", "yo", "sup",
			"good morning", "good afternoon", "good evening",
		},
		Patterns: []*regexp.Regexp{regexp.MustCompile(`(?i)^(hi|hello|hey)[.!\s]*$`)},
		Handler: func(rc *Context) Result {
			return Result{
				Matched:  true,
				Response: "Hey! Tell me what to build, or say help for what I can do.",
			}
		},
	}
}

func helpReflex() Reflex {
	return Reflex{
		Name:     "help",
		Category: CategoryInfo,
		Priority: 10,
		Triggers: []string{"help", "usage", "commands", "what can you do", "what can you do?"},
		Handler: func(rc *Context) Result {
			return Result{Matched: true, Response: helpText}
		},
	}
}

const helpText = `I turn chat into code changes. Describe a coding task and I'll run it in your workspace.

Quick words: stop · undo · clear · pause · resume · status · skills · tools · schedules · remember <fact>
Slash commands: /workspace /files /add /drop /thread /clear /skills /tools /remind /schedule /cron /identity`

func statusReflex(deps Deps) Reflex {
	return Reflex{
		Name:     "status",
		Category: CategoryInfo,
		Priority: 10,
		Triggers: []string{"status", "state", "what's up", "whats up", "how's it going"},
		Handler: func(rc *Context) Result {
			var b strings.Builder
			if deps.Modes != nil {
				m := deps.Modes.Current()
				fmt.Fprintf(&b, "Mode: %s %s\n", m, m.Glyph())
			}
			if rc.Session != nil && rc.Session.ActiveWorkspaceID != "" {
				fmt.Fprintf(&b, "Workspace: %s\n", rc.Session.ActiveWorkspaceID)
			} else {
				b.WriteString("Workspace: none selected\n")
			}
			b.WriteString(taskLine(deps))
			if !deps.StartedAt.IsZero() {
				fmt.Fprintf(&b, "Uptime: %s", time.Since(deps.StartedAt).Round(time.Second))
			}
			return Result{Matched: true, Response: strings.TrimRight(b.String(), "\n")}
		},
	}
}

func taskLine(deps Deps) string {
	if deps.Tasks == nil {
		return "Task: none\n"
	}
	t := deps.Tasks.Current()
	switch {
	case t == nil:
		return "Task: none\n"
	case t.Status.Terminal():
		return fmt.Sprintf("Last task: %s (%s)\n", t.ID, t.Status)
	default:
		return fmt.Sprintf("Task: %s (%s) — %s\n", t.ID, t.Status, model.Truncate(t.Goal, 80))
	}
}

func skillsReflex(deps Deps) Reflex {
	return Reflex{
		Name:     "skills",
		Category: CategorySystem,
		Priority: 10,
		Triggers: []string{"skills", "list skills"},
		Handler: func(rc *Context) Result {
			if deps.Skills == nil {
				return Result{Matched: true, Response: "No skills loaded."}
			}
			all := deps.Skills.All()
			if len(all) == 0 {
				return Result{Matched: true, Response: "No skills loaded."}
			}
			var b strings.Builder
			b.WriteString("Skills:\n")
			for _, sk := range all {
				state := ""
				if !sk.Enabled {
					state = " (disabled)"
				}
				fmt.Fprintf(&b, "- %s%s: %s\n", sk.Name, state, sk.Description)
			}
			return Result{Matched: true, Response: strings.TrimRight(b.String(), "\n")}
		},
	}
}

func toolsReflex(deps Deps) Reflex {
	return Reflex{
		Name:     "tools",
		Category: CategorySystem,
		Priority: 10,
		Triggers: []string{"tools", "list tools"},
		Handler: func(rc *Context) Result {
			if deps.Tools == nil {
				return Result{Matched: true, Response: "No tools registered."}
			}
			var b strings.Builder
			b.WriteString("Tools:\n")
			for _, t := range deps.Tools.List() {
				fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
			}
			return Result{Matched: true, Response: strings.TrimRight(b.String(), "\n")}
		},
	}
}

func schedulesReflex(deps Deps) Reflex {
	return Reflex{
		Name:     "schedules",
		Category: CategorySystem,
		Priority: 10,
		Triggers: []string{"schedules", "reminders", "list schedules", "list reminders"},
		Handler: func(rc *Context) Result {
			if deps.Schedules == nil || rc.Session == nil {
				return Result{Matched: true, Response: "No reminders set."}
			}
			list, err := deps.Schedules.ListSchedules(rc.Session.UserID)
			if err != nil {
				return Result{Matched: true, Response: "Couldn't read schedules: " + err.Error()}
			}
			if len(list) == 0 {
				return Result{Matched: true, Response: "No reminders set."}
			}
			var b strings.Builder
			b.WriteString("Schedules:\n")
			for _, s := range list {
				if s.Recurring() {
					fmt.Fprintf(&b, "- #%d cron %s — %s\n", s.ID, s.Spec, s.Text)
				} else {
					fmt.Fprintf(&b, "- #%d at %s — %s\n", s.ID, s.At.Format(time.RFC3339), s.Text)
				}
			}
			return Result{Matched: true, Response: strings.TrimRight(b.String(), "\n")}
		},
	}
}

func whoamiReflex() Reflex {
	return Reflex{
		Name:     "whoami",
		Category: CategoryMeta,
		Priority: 5,
		Triggers: []string{"whoami", "who am i", "who am i?"},
		Handler: func(rc *Context) Result {
			s := rc.Session
			if s == nil {
				return Result{Matched: true, Response: "No session yet."}
			}
			return Result{
				Matched: true,
				Response: fmt.Sprintf("User %s · session %s · autonomy %s",
					s.UserID, s.ID, s.Preferences.Autonomy),
			}
		},
	}
}

func identityReflex(deps Deps) Reflex {
	return Reflex{
		Name:     "identity",
		Category: CategoryMeta,
		Priority: 5,
		Triggers: []string{"identity", "who are you", "who are you?"},
		Handler: func(rc *Context) Result {
			if deps.Identity != nil {
				if id := strings.TrimSpace(deps.Identity()); id != "" {
					return Result{Matched: true, Response: id}
				}
			}
			resp := "Fetch — a coding orchestrator."
			if deps.Version != "" {
				resp += " v" + deps.Version
			}
			return Result{Matched: true, Response: resp}
		},
	}
}

func threadReflex() Reflex {
	return Reflex{
		Name:     "thread",
		Category: CategoryMeta,
		Priority: 5,
		Triggers: []string{"thread", "current thread", "which thread"},
		Handler: func(rc *Context) Result {
			s := rc.Session
			if s == nil || s.ActiveThreadID == "" {
				return Result{Matched: true, Response: "No active thread. Use /thread new to start one."}
			}
			return Result{
				Matched:  true,
				Response: fmt.Sprintf("Active thread: %s. Use /thread new|list|switch to manage.", s.ActiveThreadID),
			}
		},
	}
}

func shortCommit(c string) string {
	if len(c) > 7 {
		return c[:7]
	}
	return c
}

// Package command parses and executes slash commands. Anything it does
// not recognize falls through to the agent loop.
package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/skills"
	"github.com/fetchcore/fetch/store"
	"github.com/fetchcore/fetch/tool"
)

// Outcome reports whether a line was handled and what to send back.
type Outcome struct {
	Handled   bool
	Responses []string
}

// Scheduler is the surface the reminder commands drive.
type Scheduler interface {
	Remind(userID string, at time.Time, text string) (*model.Schedule, error)
	Schedule(userID, spec, text string) (*model.Schedule, error)
	List(userID string) ([]*model.Schedule, error)
	Remove(userID string, id int64) error
}

// SkillToggler lists and toggles skills.
type SkillToggler interface {
	All() []skills.Skill
	SetEnabled(name string, enabled bool) error
}

// WorkspaceSelector resolves workspace names for /workspace.
type WorkspaceSelector interface {
	List(ctx context.Context, force bool) ([]model.Workspace, error)
	Select(ctx context.Context, id string) (*model.Workspace, error)
}

// ToolLister exposes the registered tools for /tools.
type ToolLister interface {
	List() []*tool.Tool
}

// Deps wires the command handlers.
type Deps struct {
	Store      store.Store
	Workspaces WorkspaceSelector
	Skills     SkillToggler
	Tools      ToolLister
	Scheduler  Scheduler
	Identity   func() string
	// Root is the sandbox workspace root, used to validate /add paths.
	Root string
	Log  *logger.Logger
}

// Handler dispatches slash commands.
type Handler struct {
	deps Deps
	log  *logger.Logger
}

// New builds a Handler.
func New(deps Deps) *Handler {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	return &Handler{deps: deps, log: deps.Log.Named("command")}
}

// Parse splits a slash line into its command name and argument string.
// Returns "" when the line is not a command.
func Parse(line string) (name, rest string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", ""
	}
	head, tail, _ := strings.Cut(line[1:], " ")
	return strings.ToLower(head), strings.TrimSpace(tail)
}

// Handle executes the command in line. Unknown commands return
// Handled=false so the router can hand the text to the agent.
func (h *Handler) Handle(ctx context.Context, sess *model.Session, line string) Outcome {
	name, rest := Parse(line)
	if name == "" {
		return Outcome{}
	}
	h.log.Debug("command", zap.String("name", name), zap.String("user", sess.UserID))

	switch name {
	case "add":
		return h.add(sess, rest)
	case "drop":
		return h.drop(sess, rest)
	case "files":
		return h.files(sess)
	case "clear":
		return h.clear(sess)
	case "workspace", "ws":
		return h.workspace(ctx, sess, rest)
	case "thread", "threads":
		return h.thread(sess, rest)
	case "skill", "skills":
		return h.skills(rest)
	case "tool", "tools":
		return h.tools()
	case "remind":
		return h.remind(sess, rest)
	case "schedule":
		return h.schedule(sess, rest)
	case "cron":
		return h.cron(sess, rest)
	case "identity":
		return h.identity()
	}
	return Outcome{}
}

func respond(lines ...string) Outcome {
	return Outcome{Handled: true, Responses: lines}
}

func (h *Handler) add(sess *model.Session, rest string) Outcome {
	path := strings.TrimSpace(rest)
	if path == "" {
		return respond("Usage: /add <path>")
	}
	if err := tool.SafePath(h.deps.Root, path); err != nil {
		return respond("Can't add that path: " + err.Error())
	}
	for _, f := range sess.ActiveFiles {
		if f == path {
			return respond(path + " is already in context.")
		}
	}
	sess.ActiveFiles = append(sess.ActiveFiles, path)
	if err := h.deps.Store.UpdateSession(sess); err != nil {
		return respond("Failed to save: " + err.Error())
	}
	return respond(fmt.Sprintf("Added %s (%d file(s) in context).", path, len(sess.ActiveFiles)))
}

func (h *Handler) drop(sess *model.Session, rest string) Outcome {
	path := strings.TrimSpace(rest)
	if path == "" {
		return respond("Usage: /drop <path>")
	}
	kept := sess.ActiveFiles[:0]
	found := false
	for _, f := range sess.ActiveFiles {
		if f == path {
			found = true
			continue
		}
		kept = append(kept, f)
	}
	if !found {
		return respond(path + " is not in context.")
	}
	sess.ActiveFiles = kept
	if err := h.deps.Store.UpdateSession(sess); err != nil {
		return respond("Failed to save: " + err.Error())
	}
	return respond(fmt.Sprintf("Dropped %s (%d file(s) in context).", path, len(sess.ActiveFiles)))
}

func (h *Handler) files(sess *model.Session) Outcome {
	if len(sess.ActiveFiles) == 0 {
		return respond("No files in context. Use /add <path>.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d file(s) in context:\n", len(sess.ActiveFiles))
	for _, f := range sess.ActiveFiles {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	return respond(strings.TrimRight(b.String(), "\n"))
}

// clear wipes the active thread's messages and the active-files set.
// The session row itself survives.
func (h *Handler) clear(sess *model.Session) Outcome {
	removed := 0
	if sess.ActiveThreadID != "" {
		msgs, err := h.deps.Store.GetMessages(sess.ActiveThreadID)
		if err != nil {
			return respond("Failed to read messages: " + err.Error())
		}
		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		if err := h.deps.Store.ReplaceMessages(sess.ActiveThreadID, ids, nil); err != nil {
			return respond("Failed to clear messages: " + err.Error())
		}
		removed = len(ids)
	}

	files := len(sess.ActiveFiles)
	sess.ActiveFiles = nil
	if err := h.deps.Store.UpdateSession(sess); err != nil {
		return respond("Failed to save: " + err.Error())
	}
	return respond(fmt.Sprintf("Cleared %d message(s) and %d file(s).", removed, files))
}

func (h *Handler) workspace(ctx context.Context, sess *model.Session, rest string) Outcome {
	if h.deps.Workspaces == nil {
		return respond("Workspaces are not available.")
	}
	name := strings.TrimSpace(rest)
	if name == "" {
		list, err := h.deps.Workspaces.List(ctx, false)
		if err != nil {
			return respond("Failed to list workspaces: " + err.Error())
		}
		var b strings.Builder
		if sess.ActiveWorkspaceID != "" {
			fmt.Fprintf(&b, "Active workspace: %s\n", sess.ActiveWorkspaceID)
		} else {
			b.WriteString("No active workspace.\n")
		}
		if len(list) > 0 {
			b.WriteString("Available:\n")
			for _, ws := range list {
				fmt.Fprintf(&b, "- %s (%s)\n", ws.ID, ws.ProjectType)
			}
		}
		return respond(strings.TrimRight(b.String(), "\n"))
	}

	ws, err := h.deps.Workspaces.Select(ctx, name)
	if err != nil {
		return respond(fmt.Sprintf("Can't select %q: %v", name, err))
	}
	sess.ActiveWorkspaceID = ws.ID
	if err := h.deps.Store.UpdateSession(sess); err != nil {
		return respond("Failed to save: " + err.Error())
	}
	return respond(fmt.Sprintf("Active workspace: %s (%s)", ws.ID, ws.ProjectType))
}

func (h *Handler) thread(sess *model.Session, rest string) Outcome {
	sub, arg, _ := strings.Cut(rest, " ")
	sub = strings.ToLower(strings.TrimSpace(sub))
	arg = strings.TrimSpace(arg)

	switch sub {
	case "", "list":
		threads, err := h.deps.Store.ListThreads(sess.ID)
		if err != nil {
			return respond("Failed to list threads: " + err.Error())
		}
		if len(threads) == 0 {
			return respond("No threads yet. /thread new starts one.")
		}
		var b strings.Builder
		b.WriteString("Threads:\n")
		for _, th := range threads {
			marker := ""
			if th.ID == sess.ActiveThreadID {
				marker = " (active)"
			}
			fmt.Fprintf(&b, "- %s %s%s\n", th.ID, th.Title, marker)
		}
		return respond(strings.TrimRight(b.String(), "\n"))

	case "new":
		title := arg
		if title == "" {
			title = "thread " + time.Now().Format("Jan 2 15:04")
		}
		now := time.Now().UTC()
		th := &model.Thread{
			ID:        model.NewThreadID(),
			SessionID: sess.ID,
			Title:     title,
			Status:    model.ThreadActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := h.deps.Store.CreateThread(th); err != nil {
			return respond("Failed to create thread: " + err.Error())
		}
		if err := h.deps.Store.ActivateThread(sess.ID, th.ID); err != nil {
			return respond("Failed to activate thread: " + err.Error())
		}
		sess.ActiveThreadID = th.ID
		if err := h.deps.Store.UpdateSession(sess); err != nil {
			return respond("Failed to save: " + err.Error())
		}
		return respond(fmt.Sprintf("Switched to new thread %s (%s).", th.ID, title))

	case "switch":
		if arg == "" {
			return respond("Usage: /thread switch <id>")
		}
		th, err := h.deps.Store.GetThread(arg)
		if err != nil || th.SessionID != sess.ID {
			return respond("No such thread: " + arg)
		}
		if err := h.deps.Store.ActivateThread(sess.ID, th.ID); err != nil {
			return respond("Failed to switch: " + err.Error())
		}
		sess.ActiveThreadID = th.ID
		if err := h.deps.Store.UpdateSession(sess); err != nil {
			return respond("Failed to save: " + err.Error())
		}
		return respond(fmt.Sprintf("Switched to thread %s (%s).", th.ID, th.Title))
	}
	return respond("Usage: /thread [new [title] | list | switch <id>]")
}

func (h *Handler) skills(rest string) Outcome {
	if h.deps.Skills == nil {
		return respond("Skills are not available.")
	}
	sub, arg, _ := strings.Cut(rest, " ")
	sub = strings.ToLower(strings.TrimSpace(sub))
	arg = strings.TrimSpace(arg)

	switch sub {
	case "", "list":
		all := h.deps.Skills.All()
		if len(all) == 0 {
			return respond("No skills loaded.")
		}
		var b strings.Builder
		b.WriteString("Skills:\n")
		for _, sk := range all {
			state := "on"
			if !sk.Enabled {
				state = "off"
			}
			fmt.Fprintf(&b, "- %s [%s]: %s\n", sk.Name, state, sk.Description)
		}
		return respond(strings.TrimRight(b.String(), "\n"))

	case "enable", "disable":
		if arg == "" {
			return respond(fmt.Sprintf("Usage: /skill %s <name>", sub))
		}
		if err := h.deps.Skills.SetEnabled(arg, sub == "enable"); err != nil {
			return respond("Failed: " + err.Error())
		}
		return respond(fmt.Sprintf("Skill %s %sd.", arg, sub))
	}
	return respond("Usage: /skill [list | enable <name> | disable <name>]")
}

func (h *Handler) tools() Outcome {
	if h.deps.Tools == nil {
		return respond("No tools registered.")
	}
	var b strings.Builder
	b.WriteString("Tools:\n")
	for _, t := range h.deps.Tools.List() {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return respond(strings.TrimRight(b.String(), "\n"))
}

func (h *Handler) remind(sess *model.Session, rest string) Outcome {
	if h.deps.Scheduler == nil {
		return respond("Scheduling is not available.")
	}
	durStr, text, _ := strings.Cut(rest, " ")
	text = strings.TrimSpace(text)
	if durStr == "" || text == "" {
		return respond("Usage: /remind <duration> <text> — e.g. /remind 45m check the build")
	}
	d, err := time.ParseDuration(durStr)
	if err != nil || d <= 0 {
		return respond(fmt.Sprintf("Can't parse %q as a duration (try 10m, 2h30m).", durStr))
	}
	s, err := h.deps.Scheduler.Remind(sess.UserID, time.Now().Add(d), text)
	if err != nil {
		return respond("Failed to set reminder: " + err.Error())
	}
	return respond(fmt.Sprintf("Reminder #%d set for %s.", s.ID, s.At.Local().Format("Jan 2 15:04")))
}

func (h *Handler) schedule(sess *model.Session, rest string) Outcome {
	if h.deps.Scheduler == nil {
		return respond("Scheduling is not available.")
	}
	fields := strings.Fields(rest)
	if len(fields) < 6 {
		return respond("Usage: /schedule <m h dom mon dow> <text> — e.g. /schedule 0 9 * * 1 standup notes")
	}
	spec := strings.Join(fields[:5], " ")
	text := strings.Join(fields[5:], " ")
	s, err := h.deps.Scheduler.Schedule(sess.UserID, spec, text)
	if err != nil {
		return respond("Failed to schedule: " + err.Error())
	}
	return respond(fmt.Sprintf("Cron #%d scheduled (%s).", s.ID, spec))
}

func (h *Handler) cron(sess *model.Session, rest string) Outcome {
	if h.deps.Scheduler == nil {
		return respond("Scheduling is not available.")
	}
	sub, arg, _ := strings.Cut(rest, " ")
	sub = strings.ToLower(strings.TrimSpace(sub))
	arg = strings.TrimSpace(arg)

	switch sub {
	case "", "list":
		list, err := h.deps.Scheduler.List(sess.UserID)
		if err != nil {
			return respond("Failed to list schedules: " + err.Error())
		}
		if len(list) == 0 {
			return respond("No schedules set.")
		}
		var b strings.Builder
		b.WriteString("Schedules:\n")
		for _, s := range list {
			if s.Recurring() {
				fmt.Fprintf(&b, "- #%d cron %s — %s\n", s.ID, s.Spec, s.Text)
			} else {
				fmt.Fprintf(&b, "- #%d at %s — %s\n", s.ID, s.At.Local().Format("Jan 2 15:04"), s.Text)
			}
		}
		return respond(strings.TrimRight(b.String(), "\n"))

	case "remove", "rm", "delete":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return respond("Usage: /cron remove <id>")
		}
		if err := h.deps.Scheduler.Remove(sess.UserID, id); err != nil {
			return respond("Failed to remove: " + err.Error())
		}
		return respond(fmt.Sprintf("Schedule #%d removed.", id))
	}
	return respond("Usage: /cron [list | remove <id>]")
}

func (h *Handler) identity() Outcome {
	if h.deps.Identity != nil {
		if id := strings.TrimSpace(h.deps.Identity()); id != "" {
			return respond(id)
		}
	}
	return respond("No identity configured.")
}

package agent

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fetchcore/fetch/model"
)

const defaultIdentity = "You are Fetch, a coding orchestrator. You manage sandboxed " +
	"workspaces and delegate coding work to CLI agents running inside a container. " +
	"You talk to one user over chat."

const toolDirective = "Act through tools. Never describe what a tool would do — call it. " +
	"Keep chat replies to a few short lines; progress streams to the user separately."

// modeInstructions tells the model how to behave in each mode.
var modeInstructions = map[model.Mode]string{
	model.ModeListening: "No task is running. Inspect workspaces or start work when asked.",
	model.ModeWorking:   "A task is already running. Report on it or adjust it; do not start a second task.",
	model.ModeWaiting:   "The running task is waiting for the user's answer. Relay it with task_respond when it arrives.",
	model.ModeGuarding:  "A dangerous action awaits explicit approval. Take no further write actions until it is resolved.",
	model.ModeResting:   "The session has been quiet for a while. Respond normally.",
}

// systemPrompt assembles the single system prompt for a turn: identity,
// mode instruction, session context, skill catalogue, activated skill
// bodies, recalled notes, and the tool directive.
func (l *Loop) systemPrompt(sess *model.Session, text string) string {
	var b strings.Builder

	identity := defaultIdentity
	if l.deps.Identity != nil {
		if id := strings.TrimSpace(l.deps.Identity()); id != "" {
			identity = id
		}
	}
	b.WriteString(identity)
	b.WriteString("\n\n")

	m := l.deps.Modes.Current()
	fmt.Fprintf(&b, "Current mode: %s. %s\n", m, modeInstructions[m])

	b.WriteString("\n## Session\n")
	fmt.Fprintf(&b, "- time: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- user: %s\n", sess.UserID)
	fmt.Fprintf(&b, "- autonomy: %s\n", sess.Preferences.Autonomy)
	if sess.ActiveWorkspaceID != "" {
		fmt.Fprintf(&b, "- workspace: %s\n", sess.ActiveWorkspaceID)
	} else {
		b.WriteString("- workspace: none selected\n")
	}
	if sess.ActiveTaskID != "" {
		fmt.Fprintf(&b, "- active task: %s\n", sess.ActiveTaskID)
	}
	if len(sess.ActiveFiles) > 0 {
		fmt.Fprintf(&b, "- files in context: %s\n", strings.Join(sess.ActiveFiles, ", "))
	}

	if l.deps.Skills != nil {
		if s := l.deps.Skills.Summaries(); s != "" {
			b.WriteString("\n")
			b.WriteString(s)
			b.WriteString("\n")
		}
		if a := l.deps.Skills.Activated(text); a != "" {
			b.WriteString("\n")
			b.WriteString(a)
			b.WriteString("\n")
		}
	}

	if l.deps.Memory != nil {
		recalled, err := l.deps.Memory.Context(sess.UserID, text)
		switch {
		case err != nil:
			l.log.Warn("recall failed", zap.Error(err))
		case recalled != "":
			b.WriteString("\n")
			b.WriteString(recalled)
			b.WriteString("\n")
		}
	}

	if l.deps.Ambiguity != nil {
		if d := l.deps.Ambiguity(text); d != "" {
			b.WriteString("\n")
			b.WriteString(d)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(toolDirective)
	return b.String()
}

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fetchcore/fetch/agent"
	"github.com/fetchcore/fetch/internal/metrics"
	"github.com/fetchcore/fetch/llm"
	"github.com/fetchcore/fetch/mode"
	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/reflex"
	"github.com/fetchcore/fetch/resilience"
	"github.com/fetchcore/fetch/task"
	"github.com/fetchcore/fetch/tool"
)

var (
	acceptTokens = map[string]bool{"yes": true, "y": true, "ok": true, "confirm": true}
	denyTokens   = map[string]bool{"no": true, "n": true, "cancel": true, "stop": true}
)

// process runs the full pipeline for one message. Routing failures come
// back as a user-visible line; only storage failures surface as errors.
func (r *Router) process(ctx context.Context, userID, text string, onProgress func(string)) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if r.deps.Auth != nil && !r.deps.Auth(userID) {
		metrics.MessagesTotal.WithLabelValues("unauthorized").Inc()
		r.log.Warn("unauthorized message dropped", zap.String("user", userID))
		return nil, nil
	}
	if r.dedup.Seen(userID, text) {
		metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
		r.log.Debug("duplicate message dropped", zap.String("user", userID))
		return nil, nil
	}
	if !r.limiter.Allow(userID) {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		after := r.limiter.RetryAfter(userID).Round(time.Second)
		if after < time.Second {
			after = time.Second
		}
		return r.wrap(fmt.Sprintf("Easy there — rate limit hit. Try again in %s.", after)), nil
	}

	sess, err := r.deps.Store.GetOrCreateSession(userID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	sess.LastActivityAt = time.Now().UTC()
	r.deps.Modes.Touch()
	if err := r.ensureThread(sess); err != nil {
		return nil, err
	}

	outcome := "ok"
	lines, err := r.route(ctx, sess, text, onProgress)
	if err != nil {
		outcome = "error"
		r.log.Error("message routing failed", zap.String("user", userID), zap.Error(err))
		lines = []string{errorText(err)}
	}

	// The turn is appended only after routing so the agent's history
	// window never sees a half-written exchange.
	if err := r.record(sess, text, lines); err != nil {
		return nil, err
	}
	if err := r.deps.Store.UpdateSession(sess); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}
	if r.deps.Summarizer != nil {
		if _, err := r.deps.Summarizer.MaybeCompact(ctx, sess); err != nil {
			r.log.Warn("compaction failed", zap.Error(err))
		}
	}
	metrics.MessagesTotal.WithLabelValues(outcome).Inc()
	return r.wrapAll(lines), nil
}

// route picks the pipeline stage that answers the message: slash
// command, reflex, pending approval, then the agent loop.
func (r *Router) route(ctx context.Context, sess *model.Session, text string, onProgress func(string)) ([]string, error) {
	if strings.HasPrefix(text, "/") {
		if out := r.deps.Commands.Handle(ctx, sess, text); out.Handled {
			return out.Responses, nil
		}
		// Unknown command: let the agent make sense of it.
	}

	if res, ok := r.deps.Reflexes.Handle(sess, text); ok {
		lines := r.act(ctx, sess, res)
		if !res.ContinueProcessing {
			return lines, nil
		}
		more, err := r.agentTurn(ctx, sess, text, onProgress)
		if err != nil {
			return nil, err
		}
		return append(lines, more...), nil
	}

	if sess.PendingApproval != nil {
		if m := r.deps.Modes.Current(); m == model.ModeWaiting || m == model.ModeGuarding {
			if lines, handled := r.approval(ctx, sess, text, onProgress); handled {
				return lines, nil
			}
		}
	}

	return r.agentTurn(ctx, sess, text, onProgress)
}

// act carries out a reflex side effect and collects its response lines.
func (r *Router) act(ctx context.Context, sess *model.Session, res reflex.Result) []string {
	var lines []string
	if res.Response != "" {
		lines = append(lines, res.Response)
	}
	switch res.Action {
	case reflex.ActionStop:
		if cur := r.deps.Tasks.Current(); cur != nil {
			if err := r.deps.Tasks.Cancel(ctx, cur.ID); err != nil && !errors.Is(err, task.ErrFinished) {
				lines = append(lines, "Cancellation failed: "+err.Error())
			}
		}
	case reflex.ActionUndo:
		if err := r.undo(ctx, sess); err != nil {
			lines = append(lines, "Rollback failed: "+err.Error())
		}
	case reflex.ActionClear:
		if err := r.clearContext(sess); err != nil {
			r.log.Error("clear failed", zap.Error(err))
			lines = append(lines, "Clearing history failed: "+err.Error())
		}
	case reflex.ActionPause:
		r.deps.Tasks.SetMuted(true)
	case reflex.ActionResume:
		r.deps.Tasks.SetMuted(false)
	case reflex.ActionSetMode:
		if err := r.deps.Modes.To(res.Mode, "reflex request"); err != nil {
			lines = append(lines, "Mode change failed: "+err.Error())
		}
	}
	return lines
}

// undo rolls the active workspace back to the commit captured when the
// last task started.
func (r *Router) undo(ctx context.Context, sess *model.Session) error {
	if sess.ActiveWorkspaceID == "" || sess.GitStartCommit == "" {
		return errors.New("no rollback point recorded")
	}
	if r.deps.Workspaces == nil {
		return errors.New("workspace service unavailable")
	}
	if err := r.deps.Workspaces.ResetTo(ctx, sess.ActiveWorkspaceID, sess.GitStartCommit); err != nil {
		return err
	}
	sess.GitStartCommit = ""
	return nil
}

// clearContext wipes the active thread's messages and the file list,
// same as the /clear command.
func (r *Router) clearContext(sess *model.Session) error {
	if sess.ActiveThreadID != "" {
		msgs, err := r.deps.Store.GetMessages(sess.ActiveThreadID)
		if err != nil {
			return err
		}
		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		if err := r.deps.Store.ReplaceMessages(sess.ActiveThreadID, ids, nil); err != nil {
			return err
		}
	}
	sess.ActiveFiles = nil
	return nil
}

// approval interprets the message as a verdict on the pending write
// proposal. In GUARDING anything that is not a clear yes or no gets a
// re-prompt; in WAITING it falls through to the agent instead.
func (r *Router) approval(ctx context.Context, sess *model.Session, text string, onProgress func(string)) ([]string, bool) {
	pa := sess.PendingApproval
	token := strings.ToLower(strings.Trim(text, " .,!?"))
	switch {
	case acceptTokens[token]:
		sess.PendingApproval = nil
		raw, err := json.Marshal(pa.Args)
		if err != nil {
			raw = []byte("{}")
		}
		r.log.Info("approval accepted", zap.String("tool", pa.ToolName))
		res := r.deps.Tools.Execute(ctx, pa.ToolName, raw, tool.Invocation{Session: sess, OnProgress: onProgress})
		r.settleMode("approval accepted")
		if !res.Success {
			return []string{fmt.Sprintf("%s failed: %s", pa.ToolName, res.Error)}, true
		}
		return []string{res.Output}, true
	case denyTokens[token]:
		sess.PendingApproval = nil
		r.log.Info("approval denied", zap.String("tool", pa.ToolName))
		r.settleMode("approval denied")
		return []string{fmt.Sprintf("Okay, I won't run %s.", pa.ToolName)}, true
	case r.deps.Modes.Current() == model.ModeGuarding:
		desc := strings.TrimSuffix(pa.Description, ".")
		return []string{fmt.Sprintf("Still waiting on the pending proposal — %s: %s. Reply yes or no.", pa.ToolName, desc)}, true
	default:
		return nil, false
	}
}

// settleMode leaves GUARDING/WAITING for whatever the task state
// demands once an approval is resolved.
func (r *Router) settleMode(reason string) {
	target := model.ModeListening
	if cur := r.deps.Tasks.Current(); cur != nil && !cur.Status.Terminal() {
		target = model.ModeWorking
		if cur.Status == model.TaskWaitingInput {
			target = model.ModeWaiting
		}
	}
	if err := r.deps.Modes.To(target, reason); err != nil && !errors.Is(err, mode.ErrInvalidTransition) {
		r.log.Warn("mode change failed", zap.Error(err))
	}
}

func (r *Router) agentTurn(ctx context.Context, sess *model.Session, text string, onProgress func(string)) ([]string, error) {
	reply, err := r.deps.Agent.Run(ctx, sess, text, onProgress)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(reply) == "" {
		return nil, nil
	}
	return []string{reply}, nil
}

// ensureThread guarantees the session has a live thread to append to.
func (r *Router) ensureThread(sess *model.Session) error {
	if sess.ActiveThreadID != "" {
		if _, err := r.deps.Store.GetThread(sess.ActiveThreadID); err == nil {
			return nil
		}
	}
	now := time.Now().UTC()
	th := &model.Thread{
		ID:        model.NewThreadID(),
		SessionID: sess.ID,
		Title:     "main",
		Status:    model.ThreadActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.deps.Store.CreateThread(th); err != nil {
		return fmt.Errorf("creating thread: %w", err)
	}
	if err := r.deps.Store.ActivateThread(sess.ID, th.ID); err != nil {
		return fmt.Errorf("activating thread: %w", err)
	}
	sess.ActiveThreadID = th.ID
	return nil
}

// record appends the user message and the reply lines to the thread.
// Stored text carries no glyph; prefixes belong to the chat boundary.
func (r *Router) record(sess *model.Session, text string, lines []string) error {
	now := time.Now().UTC()
	if err := r.deps.Store.AddMessage(&model.Message{
		ID:        model.NewMessageID(),
		ThreadID:  sess.ActiveThreadID,
		Role:      model.RoleUser,
		Content:   text,
		Timestamp: now,
	}); err != nil {
		return fmt.Errorf("recording message: %w", err)
	}
	for i, l := range lines {
		if l == "" {
			continue
		}
		if err := r.deps.Store.AddMessage(&model.Message{
			ID:        model.NewMessageID(),
			ThreadID:  sess.ActiveThreadID,
			Role:      model.RoleAssistant,
			Content:   l,
			Timestamp: now.Add(time.Duration(i+1) * time.Millisecond),
		}); err != nil {
			return fmt.Errorf("recording message: %w", err)
		}
	}
	return nil
}

// errorText turns a routing failure into one chat line with a next step.
func errorText(err error) string {
	switch {
	case errors.Is(err, agent.ErrCircuitOpen):
		return "circuit open; retry shortly"
	case llm.StatusOf(err) == 401 || llm.StatusOf(err) == 403:
		return "The language model rejected my credentials. Check the configured API key."
	case errors.Is(err, resilience.ErrRetriesExhausted):
		return "The language model is unreachable right now. Give it a minute and try again."
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long and I gave up. Try a narrower request."
	default:
		return "Something went wrong: " + model.Truncate(err.Error(), 200) + ". Try again, or /clear if it persists."
	}
}

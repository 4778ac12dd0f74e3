// Package agent drives the language-model loop: it assembles the system
// prompt, calls the model with the tool registry attached, resolves tool
// calls in order, and wraps every call in the retry policy and the
// circuit breaker.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/internal/metrics"
	"github.com/fetchcore/fetch/llm"
	"github.com/fetchcore/fetch/mode"
	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/resilience"
	"github.com/fetchcore/fetch/store"
	"github.com/fetchcore/fetch/tool"
)

// ErrCircuitOpen is returned instead of calling the model while the
// breaker is open.
var ErrCircuitOpen = errors.New("agent: circuit open")

// Loop tuning defaults.
const (
	DefaultHistoryWindow = 20
	DefaultMaxToolCalls  = 5
	DefaultMaxTokens     = 4096

	// trimmedWindow is how many trailing messages survive the one
	// bad-request retry.
	trimmedWindow = 4
)

// DefaultRetrySchedule spaces the attempts of one logical LM call.
var DefaultRetrySchedule = []time.Duration{0, time.Second, 3 * time.Second, 10 * time.Second}

// SkillSource supplies the two prompt injections from the skill
// registry: the compact catalogue and the full bodies of skills whose
// triggers matched the user text.
type SkillSource interface {
	Summaries() string
	Activated(text string) string
}

// Memory recalls stored notes relevant to the current text.
type Memory interface {
	Context(userID, query string) (string, error)
}

// Deps wires the loop. Skills, Memory, Identity and Ambiguity may be
// nil; the corresponding prompt sections are simply omitted.
type Deps struct {
	LM       llm.Client
	Tools    *tool.Registry
	Store    store.Store
	Modes    *mode.Manager
	Skills   SkillSource
	Memory   Memory
	Identity func() string
	// Ambiguity inspects the user text and returns a directive (ask a
	// clarifying question) when the request names no concrete referent.
	Ambiguity func(text string) string
	Log       *logger.Logger
}

// Options tunes the loop; zero values pick the defaults.
type Options struct {
	Model         string
	MaxTokens     int
	HistoryWindow int
	MaxToolCalls  int
	RetrySchedule []time.Duration
	CBThreshold   int
	CBReset       time.Duration
}

// Loop runs one agent turn per routed user message.
type Loop struct {
	deps    Deps
	opts    Options
	breaker *resilience.CircuitBreaker
	log     *logger.Logger
}

// New builds a Loop.
func New(deps Deps, opts Options) *Loop {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if opts.MaxToolCalls <= 0 {
		opts.MaxToolCalls = DefaultMaxToolCalls
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if len(opts.RetrySchedule) == 0 {
		opts.RetrySchedule = DefaultRetrySchedule
	}
	return &Loop{
		deps:    deps,
		opts:    opts,
		breaker: resilience.NewCircuitBreaker(opts.CBThreshold, opts.CBReset),
		log:     deps.Log.Named("agent"),
	}
}

// Breaker exposes the circuit state for status reporting.
func (l *Loop) Breaker() *resilience.CircuitBreaker { return l.breaker }

// Run executes one turn and returns the assistant reply. The history
// window comes from the session's active thread; the current text is
// appended in-flight when it is not stored yet. The caller persists
// the exchange afterwards.
func (l *Loop) Run(ctx context.Context, sess *model.Session, text string, onProgress func(string)) (string, error) {
	if !l.breaker.Allow() {
		metrics.CircuitOpen.Set(1)
		return "", ErrCircuitOpen
	}

	msgs, err := l.history(sess, text)
	if err != nil {
		return "", err
	}
	req := &llm.Request{
		Model:     l.opts.Model,
		System:    l.systemPrompt(sess, text),
		Messages:  msgs,
		Tools:     l.deps.Tools.Defs(),
		MaxTokens: l.opts.MaxTokens,
	}

	var lastText string
	for round := 0; ; round++ {
		resp, err := l.complete(ctx, req)
		if err != nil {
			return "", err
		}
		if resp.Text != "" {
			lastText = resp.Text
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Text, nil
		}
		if round >= l.opts.MaxToolCalls {
			l.log.Warn("tool budget exhausted",
				zap.Int("rounds", round),
				zap.String("session", sess.ID))
			break
		}

		req.Messages = append(req.Messages, llm.Message{
			Role:      model.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			reply, gated, err := l.gate(sess, call)
			if err != nil {
				return "", err
			}
			if gated {
				return reply, nil
			}
			res := l.deps.Tools.Execute(ctx, call.Name, call.Args, tool.Invocation{
				Session:    sess,
				OnProgress: onProgress,
			})
			req.Messages = append(req.Messages, toolMessage(call.ID, res))
		}
	}

	if lastText != "" {
		return lastText, nil
	}
	return "I hit the tool budget for this turn. Say continue and I'll pick it up from here.", nil
}

// history converts the stored window into LM messages and makes sure the
// turn ends with the current user text.
func (l *Loop) history(sess *model.Session, text string) ([]llm.Message, error) {
	var out []llm.Message
	if sess.ActiveThreadID != "" {
		stored, err := l.deps.Store.GetRecentMessages(sess.ActiveThreadID, l.opts.HistoryWindow)
		if err != nil {
			return nil, fmt.Errorf("loading history: %w", err)
		}
		for _, m := range stored {
			if m.Role == model.RoleTool {
				// Tool rounds are not replayable outside the turn that
				// produced them.
				continue
			}
			out = append(out, llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	if n := len(out); n == 0 || out[n-1].Role != model.RoleUser || out[n-1].Content != text {
		out = append(out, llm.Message{Role: model.RoleUser, Content: text})
	}
	return out, nil
}

// gate intercepts write-danger tool calls when the session demands
// approval: manual autonomy, or an approval already pending (GUARDING).
// The proposal is stored on the session and surfaced as a yes/no prompt.
func (l *Loop) gate(sess *model.Session, call llm.ToolCall) (string, bool, error) {
	t, ok := l.deps.Tools.Lookup(call.Name)
	if !ok || t.Danger != tool.DangerWrite {
		return "", false, nil
	}
	if sess.Preferences.Autonomy != model.AutonomyManual &&
		l.deps.Modes.Current() != model.ModeGuarding {
		return "", false, nil
	}

	args := map[string]any{}
	if len(call.Args) > 0 {
		_ = json.Unmarshal(call.Args, &args)
	}
	sess.PendingApproval = &model.PendingApproval{
		ToolName:    call.Name,
		Args:        args,
		Description: t.Description,
	}
	if err := l.deps.Store.UpdateSession(sess); err != nil {
		return "", false, fmt.Errorf("storing approval: %w", err)
	}
	if err := l.deps.Modes.To(model.ModeGuarding, "write tool proposed"); err != nil {
		l.log.Debug("mode transition refused", zap.Error(err))
	}
	l.log.Info("write tool held for approval",
		zap.String("tool", call.Name),
		zap.String("session", sess.ID))

	return fmt.Sprintf("⚠ Proposed %s: %s\nArguments: %s\nReply yes or no.",
		call.Name, t.Description, compactArgs(args)), true, nil
}

// complete wraps one logical LM call: the retry schedule for retryable
// failures, plus a single trimmed-history retry on a 400.
func (l *Loop) complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	resp, err := l.attempt(ctx, req)
	if err == nil {
		return resp, nil
	}
	if llm.StatusOf(err) == 400 && len(req.Messages) > trimmedWindow {
		trimmed := *req
		trimmed.Messages = trimTail(req.Messages, trimmedWindow)
		l.log.Warn("bad request; retrying with trimmed history",
			zap.Int("dropped", len(req.Messages)-len(trimmed.Messages)))
		return l.attempt(ctx, &trimmed)
	}
	return nil, err
}

// attempt runs the retry schedule around the raw call and feeds the
// circuit breaker.
func (l *Loop) attempt(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	retryable := func(err error) bool {
		return !errors.Is(err, ErrCircuitOpen) && llm.Retryable(err)
	}
	var resp *llm.Response
	err := resilience.Retry(ctx, l.opts.RetrySchedule, retryable, func(ctx context.Context) error {
		if !l.breaker.Allow() {
			metrics.CircuitOpen.Set(1)
			return ErrCircuitOpen
		}
		start := time.Now()
		r, err := l.deps.LM.Complete(ctx, req)
		metrics.LMLatency.Observe(time.Since(start).Seconds())
		metrics.LMCallsTotal.WithLabelValues(statusLabel(err)).Inc()
		if err != nil {
			if llm.Retryable(err) {
				l.breaker.RecordFailure()
				if l.breaker.State() == resilience.CircuitOpen {
					metrics.CircuitOpen.Set(1)
					l.log.Warn("circuit opened after repeated failures")
				}
			}
			return err
		}
		l.breaker.RecordSuccess()
		metrics.CircuitOpen.Set(0)
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// trimTail keeps the last n messages, extending backwards when the cut
// would open on a tool result without its requesting assistant turn.
func trimTail(msgs []llm.Message, n int) []llm.Message {
	if len(msgs) <= n {
		return msgs
	}
	start := len(msgs) - n
	for start > 0 && msgs[start].Role == model.RoleTool {
		start--
	}
	return msgs[start:]
}

func toolMessage(callID string, res *tool.Result) llm.Message {
	payload, err := json.Marshal(res)
	if err != nil {
		payload = []byte(`{"success":false,"error":"unencodable tool result"}`)
	}
	return llm.Message{
		Role:       model.RoleTool,
		ToolCallID: callID,
		Content:    string(payload),
		IsError:    !res.Success,
	}
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if status := llm.StatusOf(err); status != 0 {
		return strconv.Itoa(status)
	}
	return "network"
}

func compactArgs(args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil || len(args) == 0 {
		return "{}"
	}
	return model.Truncate(string(raw), 200)
}

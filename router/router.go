// Package router dispatches incoming chat messages through the
// orchestrator pipeline: authorization, dedup, rate limiting, slash
// commands, reflexes, pending approvals, and the agent loop. Messages
// from the same user are processed strictly in order by a per-user
// worker; workers are torn down after an idle period.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fetchcore/fetch/agent"
	"github.com/fetchcore/fetch/command"
	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/mode"
	"github.com/fetchcore/fetch/reflex"
	"github.com/fetchcore/fetch/resilience"
	"github.com/fetchcore/fetch/store"
	"github.com/fetchcore/fetch/summarize"
	"github.com/fetchcore/fetch/task"
	"github.com/fetchcore/fetch/tool"
	"github.com/fetchcore/fetch/workspace"
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("router: closed")
	// errBusy means a user's queue is full; Handle turns it into a
	// polite line instead of surfacing it.
	errBusy = errors.New("router: user queue full")
)

// Deps wires the pipeline stages. Auth may be nil (allow everyone);
// Summarizer may be nil (no compaction).
type Deps struct {
	Store      store.Store
	Modes      *mode.Manager
	Commands   *command.Handler
	Reflexes   *reflex.Registry
	Agent      *agent.Loop
	Tools      *tool.Registry
	Tasks      *task.Manager
	Workspaces *workspace.Manager
	Summarizer *summarize.Summarizer
	Auth       func(userID string) bool
	Log        *logger.Logger
}

// Options tunes the router; zero values pick the defaults.
type Options struct {
	DedupTTL        time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	// WorkerIdle tears down a user's worker after this much silence.
	WorkerIdle time.Duration
	QueueSize  int
}

// Router is the message entry point shared by all transports.
type Router struct {
	deps    Deps
	opts    Options
	dedup   *resilience.DedupCache
	limiter *resilience.RateLimiter
	log     *logger.Logger

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

type worker struct {
	ch chan work
}

type work struct {
	ctx        context.Context
	text       string
	onProgress func(string)
	reply      chan result
}

type result struct {
	lines []string
	err   error
}

// New builds a Router.
func New(deps Deps, opts Options) *Router {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 30 * time.Second
	}
	if opts.WorkerIdle <= 0 {
		opts.WorkerIdle = 5 * time.Minute
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	return &Router{
		deps:    deps,
		opts:    opts,
		dedup:   resilience.NewDedupCache(opts.DedupTTL),
		limiter: resilience.NewRateLimiter(opts.RateLimitMax, opts.RateLimitWindow),
		log:     deps.Log.Named("router"),
		workers: make(map[string]*worker),
	}
}

// Handle routes one message and blocks until the user's worker has
// processed it. Every returned line is prefixed with the mode glyph.
func (r *Router) Handle(ctx context.Context, userID, text string, onProgress func(string)) ([]string, error) {
	w := work{ctx: ctx, text: text, onProgress: onProgress, reply: make(chan result, 1)}
	if err := r.enqueue(userID, w); err != nil {
		if errors.Is(err, errBusy) {
			return r.wrap("I'm still working through your previous messages — give me a moment."), nil
		}
		return nil, err
	}
	select {
	case res := <-w.reply:
		return res.lines, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueue hands work to the user's worker, spawning one when needed.
// Queueing happens under the lock so a worker tearing itself down can
// never strand a message.
func (r *Router) enqueue(userID string, w work) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	wk, ok := r.workers[userID]
	if !ok {
		wk = &worker{ch: make(chan work, r.opts.QueueSize)}
		r.workers[userID] = wk
		r.wg.Add(1)
		go r.pump(userID, wk)
	}
	select {
	case wk.ch <- w:
		return nil
	default:
		return errBusy
	}
}

// pump serializes one user's messages. It exits when idle long enough or
// when Close drains it.
func (r *Router) pump(userID string, wk *worker) {
	defer r.wg.Done()
	idle := time.NewTimer(r.opts.WorkerIdle)
	defer idle.Stop()
	for {
		select {
		case w, ok := <-wk.ch:
			if !ok {
				return
			}
			lines, err := r.process(w.ctx, userID, w.text, w.onProgress)
			w.reply <- result{lines: lines, err: err}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.opts.WorkerIdle)
		case <-idle.C:
			r.mu.Lock()
			if len(wk.ch) > 0 {
				r.mu.Unlock()
				idle.Reset(r.opts.WorkerIdle)
				continue
			}
			delete(r.workers, userID)
			r.mu.Unlock()
			return
		}
	}
}

// Close drains in-flight work and stops all workers. Subsequent Handle
// calls return ErrClosed.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, wk := range r.workers {
		close(wk.ch)
	}
	r.workers = make(map[string]*worker)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Router) wrap(line string) []string {
	return []string{r.deps.Modes.Prefix(line)}
}

func (r *Router) wrapAll(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l == "" {
			continue
		}
		out = append(out, r.deps.Modes.Prefix(l))
	}
	return out
}

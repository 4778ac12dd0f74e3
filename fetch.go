// Package fetch is the top-level entry point for the Fetch orchestrator.
//
// Use the Builder to compose an application from environment defaults:
//
//	app, err := fetch.NewBuilder().Build()
//	app.Start(ctx)
//
// Or inject custom components:
//
//	app, err := fetch.NewBuilder().
//	    WithStore(myStore).
//	    WithSandbox(myRuntime).
//	    WithLM(myClient).
//	    Build()
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fetchcore/fetch/agent"
	githubchannel "github.com/fetchcore/fetch/channel/github"
	"github.com/fetchcore/fetch/command"
	"github.com/fetchcore/fetch/eventbus"
	"github.com/fetchcore/fetch/harness"
	"github.com/fetchcore/fetch/httpapi"
	"github.com/fetchcore/fetch/internal/config"
	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/llm"
	"github.com/fetchcore/fetch/mode"
	"github.com/fetchcore/fetch/recall"
	"github.com/fetchcore/fetch/reflex"
	"github.com/fetchcore/fetch/router"
	"github.com/fetchcore/fetch/sandbox"
	"github.com/fetchcore/fetch/scheduler"
	"github.com/fetchcore/fetch/skills"
	"github.com/fetchcore/fetch/store"
	"github.com/fetchcore/fetch/summarize"
	"github.com/fetchcore/fetch/task"
	"github.com/fetchcore/fetch/tool"
	"github.com/fetchcore/fetch/transport"
	"github.com/fetchcore/fetch/workspace"
)

// shutdownGrace bounds how long Stop waits for the HTTP server and for
// running tasks before giving up on them.
const shutdownGrace = 10 * time.Second

// Channel is an inbound work source that is not a chat surface: it
// produces tasks on its own schedule (GitHub issues, webhooks) instead
// of routing per-message. Run blocks until ctx is cancelled.
type Channel interface {
	Name() string
	Run(ctx context.Context) error
}

// Builder assembles a Fetch App. Missing components are filled with
// environment-driven defaults at Build time.
type Builder struct {
	cfg        *config.Config
	log        *logger.Logger
	st         store.Store
	bus        eventbus.Bus
	rt         sandbox.Runtime
	lm         llm.Client
	identity   func() string
	transports []transport.Transport
	channels   []Channel
	version    string
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the configuration instead of loading it from the
// environment.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.cfg = cfg
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(log *logger.Logger) *Builder {
	b.log = log
	return b
}

// WithStore sets the persistence layer.
func (b *Builder) WithStore(st store.Store) *Builder {
	b.st = st
	return b
}

// WithBus sets the event bus.
func (b *Builder) WithBus(bus eventbus.Bus) *Builder {
	b.bus = bus
	return b
}

// WithSandbox sets the sandbox runtime.
func (b *Builder) WithSandbox(rt sandbox.Runtime) *Builder {
	b.rt = rt
	return b
}

// WithLM sets the language model client used by the agent loop and the
// summarizer.
func (b *Builder) WithLM(client llm.Client) *Builder {
	b.lm = client
	return b
}

// WithIdentity overrides the persona text injected into prompts and
// shown by the identity reflex.
func (b *Builder) WithIdentity(fn func() string) *Builder {
	b.identity = fn
	return b
}

// WithTransport adds a chat surface. When none are added, Build wires
// Telegram and Slack from configuration.
func (b *Builder) WithTransport(t transport.Transport) *Builder {
	b.transports = append(b.transports, t)
	return b
}

// WithChannel adds an inbound work source alongside the built-in ones.
func (b *Builder) WithChannel(ch Channel) *Builder {
	b.channels = append(b.channels, ch)
	return b
}

// WithVersion stamps the build version reported by /api/status and the
// status reflex.
func (b *Builder) WithVersion(v string) *Builder {
	b.version = v
	return b
}

// Build composes the App. Components not supplied via With* are created
// from configuration; see applyDefaults for the exact fill order.
func (b *Builder) Build() (*App, error) {
	if err := applyDefaults(b); err != nil {
		return nil, err
	}
	cfg := b.cfg
	startedAt := time.Now()

	modes, err := mode.New(b.st, b.bus, b.log, mode.DefaultIdleAfter)
	if err != nil {
		return nil, fmt.Errorf("fetch: mode manager: %w", err)
	}

	workspaces := workspace.New(b.rt, b.bus, b.log, workspace.Options{
		Root:       cfg.WorkspaceRoot,
		CacheTTL:   cfg.WorkspaceCacheTTL(),
		GitTimeout: cfg.GitTimeout(),
	})

	harnesses := harness.New(b.rt, b.bus, b.log, harness.Options{
		Order:          cfg.AgentList(),
		DefaultTimeout: cfg.HarnessTimeout(),
	})

	tasks := task.New(b.st, b.bus, harnesses, modes, b.log, task.Options{
		ProgressThrottle: cfg.ProgressThrottle(),
		DefaultTimeout:   cfg.TaskTimeout(),
	})

	tools, err := tool.NewRegistry(tool.Deps{
		Workspaces: workspaces,
		Tasks:      tasks,
		Sessions:   b.st,
		Bus:        b.bus,
		Log:        b.log,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch: tools: %w", err)
	}

	skillReg, err := skills.NewRegistry(cfg.SkillsDir, b.log)
	if err != nil {
		return nil, fmt.Errorf("fetch: skills: %w", err)
	}

	memory := recall.New(b.st, cfg.RecallLimit, cfg.RecallSnippetTokens, cfg.RecallDecay)

	summarizer := summarize.New(b.lm, b.st, memory, b.log, summarize.Options{
		Model:     cfg.SummaryModel,
		Threshold: cfg.CompactionThreshold,
		Window:    cfg.HistoryWindow,
	})

	backoff, err := cfg.RetryBackoff()
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	loop := agent.New(agent.Deps{
		LM:        b.lm,
		Tools:     tools,
		Store:     b.st,
		Modes:     modes,
		Skills:    skillReg,
		Memory:    memory,
		Identity:  b.identity,
		Ambiguity: summarize.Ambiguous,
		Log:       b.log,
	}, agent.Options{
		Model:         cfg.Model,
		HistoryWindow: cfg.HistoryWindow,
		MaxToolCalls:  cfg.MaxToolCalls,
		RetrySchedule: backoff,
		CBThreshold:   cfg.CBThreshold,
		CBReset:       cfg.CBReset(),
	})

	app := &App{
		cfg:        cfg,
		log:        b.log,
		st:         b.st,
		bus:        b.bus,
		rt:         b.rt,
		modes:      modes,
		workspaces: workspaces,
		harnesses:  harnesses,
		tasks:      tasks,
		skills:     skillReg,
		monitor:    sandbox.NewMonitor(b.rt, 0, b.log),
		transports: b.transports,
		channels:   b.channels,
		version:    b.version,
	}

	// The scheduler delivers through the app so reminder lines pick up
	// the current mode glyph and instruction-like text re-enters the
	// message pipeline.
	sched, err := scheduler.New(scheduler.Deps{
		Store: b.st,
		Send:  app.push,
		Route: app.route,
		Bus:   b.bus,
		Log:   b.log,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	app.scheduler = sched

	commands := command.New(command.Deps{
		Store:      b.st,
		Workspaces: workspaces,
		Skills:     skillReg,
		Tools:      tools,
		Scheduler:  sched,
		Identity:   b.identity,
		Root:       cfg.WorkspaceRoot,
		Log:        b.log,
	})

	reflexes := reflex.New(reflex.Deps{
		Tasks:     tasks,
		Modes:     modes,
		Skills:    skillReg,
		Tools:     tools,
		Schedules: b.st,
		Memory:    memory,
		Identity:  b.identity,
		Version:   b.version,
		StartedAt: startedAt,
	})

	// Transports enforce their own inbound filtering (Telegram owner
	// check, Slack allow list), so the router accepts whatever they let
	// through.
	app.router = router.New(router.Deps{
		Store:      b.st,
		Modes:      modes,
		Commands:   commands,
		Reflexes:   reflexes,
		Agent:      loop,
		Tools:      tools,
		Tasks:      tasks,
		Workspaces: workspaces,
		Summarizer: summarizer,
		Log:        b.log,
	}, router.Options{
		DedupTTL:        cfg.DedupTTL(),
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow(),
	})

	app.api = httpapi.New(httpapi.Deps{
		Store:      b.st,
		Tasks:      tasks,
		Workspaces: workspaces,
		Modes:      modes,
		Breaker:    loop.Breaker(),
		Bus:        b.bus,
		Slack:      slackHandler(b.transports),
		StartedAt:  startedAt,
		Version:    b.version,
		Log:        b.log,
	})

	if cfg.GitHubEnabled() {
		gh, err := githubchannel.New(githubchannel.Options{
			Token: cfg.GitHubToken,
			Repo:  cfg.GitHubRepo,
			Label: cfg.GitHubLabel,
			Log:   b.log,
		}, b.st, tasks, workspaces, b.bus)
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		app.channels = append(app.channels, gh)
	}

	return app, nil
}

// slackHandler returns the events endpoint of the first transport that
// exposes one, or nil when no Slack surface is wired.
func slackHandler(transports []transport.Transport) http.Handler {
	for _, t := range transports {
		if h, ok := t.(interface{ HTTPHandler() http.Handler }); ok {
			return h.HTTPHandler()
		}
	}
	return nil
}

// App is a composed Fetch application.
type App struct {
	cfg        *config.Config
	log        *logger.Logger
	st         store.Store
	bus        eventbus.Bus
	rt         sandbox.Runtime
	modes      *mode.Manager
	workspaces *workspace.Manager
	harnesses  *harness.Engine
	tasks      *task.Manager
	router     *router.Router
	scheduler  *scheduler.Scheduler
	skills     *skills.Registry
	monitor    *sandbox.Monitor
	api        *httpapi.Handler
	transports []transport.Transport
	channels   []Channel
	version    string

	stopOnce sync.Once
}

// Router returns the message router, the entry point shared by all
// surfaces.
func (a *App) Router() *router.Router { return a.router }

// Store returns the persistence layer.
func (a *App) Store() store.Store { return a.st }

// Tasks returns the task manager.
func (a *App) Tasks() *task.Manager { return a.tasks }

// Start brings the application up and blocks until ctx is cancelled or
// a chat surface fails fatally. Interrupted tasks are re-marked, durable
// schedules re-armed, and the control plane served on cfg.HTTPAddr.
// Stop runs before Start returns.
func (a *App) Start(ctx context.Context) error {
	if n, err := a.tasks.Recover(); err != nil {
		a.log.Warn("task recovery failed", zap.Error(err))
	} else if n > 0 {
		a.log.Info("marked interrupted tasks as failed", zap.Int("count", n))
	}

	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	a.monitor.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.modes.Run(ctx)
		return nil
	})

	g.Go(func() error {
		if err := a.skills.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("skill watcher stopped", zap.Error(err))
		}
		return nil
	})

	// A transport failing fatally takes the app down; a channel failing
	// only loses that work source.
	for _, t := range a.transports {
		g.Go(func() error {
			if err := t.Start(ctx, a.handle); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s transport: %w", t.Name(), err)
			}
			return nil
		})
	}
	for _, ch := range a.channels {
		g.Go(func() error {
			if err := ch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("channel stopped", zap.String("channel", ch.Name()), zap.Error(err))
			}
			return nil
		})
	}

	srv := &http.Server{Addr: a.cfg.HTTPAddr, Handler: a.api.Router()}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.log.Info("control plane listening", zap.String("addr", a.cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	err := g.Wait()
	a.Stop()
	return err
}

// Stop tears the application down: schedules stop firing, surfaces stop
// accepting, in-flight messages drain, running harnesses are killed, and
// only then do the bus, store, and runtime close. Safe to call more than
// once and concurrently with Start returning.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		a.scheduler.Stop()
		for _, t := range a.transports {
			if err := t.Close(); err != nil {
				a.log.Warn("transport close failed", zap.String("transport", t.Name()), zap.Error(err))
			}
		}
		a.router.Close()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		a.tasks.StopAll(ctx)
		cancel()
		a.harnesses.StopAll()

		a.monitor.Stop()
		a.bus.Close()
		if err := a.st.Close(); err != nil {
			a.log.Warn("store close failed", zap.Error(err))
		}
		if err := a.rt.Close(); err != nil {
			a.log.Warn("sandbox close failed", zap.Error(err))
		}
		_ = a.log.Sync()
	})
}

// handle adapts the router to the transport contract. Routing failures
// are reported inside the reply lines; only infrastructure failures
// (persistence, shutdown) reach the error path here.
func (a *App) handle(ctx context.Context, userID, text string) []string {
	lines, err := a.router.Handle(ctx, userID, text, func(line string) {
		a.push(userID, line)
	})
	if err != nil {
		a.log.Error("message handling failed", zap.String("user", userID), zap.Error(err))
		return []string{a.modes.Prefix("Something went wrong on my end. Please try again.")}
	}
	return lines
}

// push delivers one asynchronous line (task progress, reminders) with
// the current mode glyph applied.
func (a *App) push(userID, line string) {
	a.send(userID, a.modes.Prefix(line))
}

// send tries each transport in order until one delivers.
func (a *App) send(userID, text string) {
	var lastErr error
	for _, t := range a.transports {
		if err := t.Send(userID, text); err != nil {
			lastErr = err
			continue
		}
		return
	}
	if lastErr != nil {
		a.log.Warn("push undelivered", zap.String("user", userID), zap.Error(lastErr))
	}
}

// route feeds scheduler-originated text through the normal message
// pipeline. Reply lines come back already glyph-prefixed.
func (a *App) route(userID, text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.TaskTimeout())
	defer cancel()
	lines, err := a.router.Handle(ctx, userID, text, func(line string) {
		a.push(userID, line)
	})
	if err != nil {
		return err
	}
	for _, line := range lines {
		a.send(userID, line)
	}
	return nil
}

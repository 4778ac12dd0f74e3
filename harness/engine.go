package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fetchcore/fetch/eventbus"
	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/sandbox"
)

var (
	// ErrUnknownAgent is returned for agents no adapter is registered for.
	ErrUnknownAgent = errors.New("harness: unknown agent")
	// ErrNoAdapter is returned when auto-resolution finds no usable CLI.
	ErrNoAdapter = errors.New("harness: no harness CLI available in the sandbox")
	// ErrNotRunning is returned when addressing a finished execution.
	ErrNotRunning = errors.New("harness: execution not running")
)

const (
	killGrace     = 2 * time.Second
	stallDebounce = 2 * time.Second
	watchTick     = 500 * time.Millisecond
	readChunk     = 4096
	stderrRing    = 64 << 10
)

// Options configures the Engine.
type Options struct {
	// Order is the auto-resolution probe order (agent names).
	Order []string
	// DefaultTimeout applies to requests that carry none.
	DefaultTimeout time.Duration
	// MaxLine and RingSize tune the OutputParser; zero means defaults.
	MaxLine  int
	RingSize int
}

// Callbacks deliver execution milestones to the task layer. All fields
// are optional.
type Callbacks struct {
	OnQuestion func(text string)
	OnProgress func(text string)
	OnFileOp   func(op, path string)
}

// Request describes one harness execution.
type Request struct {
	HarnessID string
	TaskID    string
	Agent     string
	Goal      string
	Cwd       string
	Timeout   time.Duration
}

// Result is the terminal outcome of one execution.
type Result struct {
	ExitCode int
	Output   string
	Files    model.FileOperations
	Summary  string
	// TimedOut reports the inactivity timer fired and the process was
	// killed. Stopped reports an external cancel.
	TimedOut bool
	Stopped  bool
	Stderr   string
}

// Engine runs harness CLIs in the sandbox and owns their lifecycle.
type Engine struct {
	rt  sandbox.Runtime
	bus eventbus.Bus
	log *logger.Logger

	order          []string
	defaultTimeout time.Duration
	maxLine        int
	ringSize       int

	mu       sync.Mutex
	adapters map[string]Adapter
	running  map[string]*execution
}

// New builds an Engine with the three bundled adapters registered.
func New(rt sandbox.Runtime, bus eventbus.Bus, log *logger.Logger, opts Options) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	if len(opts.Order) == 0 {
		opts.Order = []string{model.AgentClaude, model.AgentGemini, model.AgentCopilot}
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	e := &Engine{
		rt:             rt,
		bus:            bus,
		log:            log.Named("harness"),
		order:          opts.Order,
		defaultTimeout: opts.DefaultTimeout,
		maxLine:        opts.MaxLine,
		ringSize:       opts.RingSize,
		adapters:       make(map[string]Adapter),
		running:        make(map[string]*execution),
	}
	e.Register(NewClaude())
	e.Register(NewGemini())
	e.Register(NewCopilot())
	return e
}

// Register adds or replaces an adapter.
func (e *Engine) Register(a Adapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters[a.Agent()] = a
}

// Resolve picks the adapter for an agent name. "auto" (or empty) probes
// the configured order and returns the first adapter whose CLI exists in
// the sandbox.
func (e *Engine) Resolve(ctx context.Context, agent string) (Adapter, error) {
	if agent == "" || agent == model.AgentAuto {
		for _, name := range e.order {
			a := e.adapter(name)
			if a == nil {
				continue
			}
			if e.probe(ctx, a) {
				return a, nil
			}
		}
		return nil, ErrNoAdapter
	}
	a := e.adapter(agent)
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}
	return a, nil
}

func (e *Engine) adapter(name string) Adapter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.adapters[name]
}

// probe checks that the adapter's CLI is on PATH inside the sandbox.
func (e *Engine) probe(ctx context.Context, a Adapter) bool {
	cmd := a.BuildConfig("", "", 0).Command
	res, err := e.rt.Exec(ctx, "sh", []string{"-c", "command -v " + cmd}, sandbox.ExecOptions{Timeout: 5 * time.Second})
	return err == nil && res.ExitCode == 0
}

// Execute runs one harness to a terminal state. It blocks until the
// process exits, times out on inactivity or the context is cancelled.
func (e *Engine) Execute(ctx context.Context, req Request, cb Callbacks) (*Result, error) {
	if req.HarnessID == "" {
		req.HarnessID = model.NewHarnessID()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	adapter, err := e.Resolve(ctx, req.Agent)
	if err != nil {
		return nil, err
	}
	if err := e.rt.Ready(ctx); err != nil {
		return nil, err
	}

	cfg := adapter.BuildConfig(req.Goal, req.Cwd, timeout)
	proc, err := e.rt.Spawn(ctx, cfg.Command, cfg.Args, sandbox.SpawnOptions{
		ID:  req.HarnessID,
		Cwd: cfg.Cwd,
		Env: cfg.Env,
	})
	if err != nil {
		return nil, fmt.Errorf("harness: spawn %s: %w", cfg.Command, err)
	}

	ex := &execution{
		id:      req.HarnessID,
		taskID:  req.TaskID,
		adapter: adapter,
		proc:    proc,
		engine:  e,
		cb:      cb,
		timeout: timeout,
		stdout:  NewOutputParser(adapter, e.maxLine, e.ringSize),
		stderr:  NewOutputParser(adapter, e.maxLine, stderrRing),
		events:  make(chan Event, 64),
		resume:  make(chan struct{}, 1),
		record: model.HarnessExecution{
			ID:           req.HarnessID,
			TaskID:       req.TaskID,
			AdapterName:  adapter.Agent(),
			StartedAt:    time.Now(),
			LastOutputAt: time.Now(),
		},
	}
	ex.lastOutput = time.Now()

	e.track(ex)
	defer e.untrack(ex.id)

	e.publish("harness:started", ex, map[string]any{
		"agent": adapter.Agent(),
		"goal":  model.Truncate(req.Goal, 200),
	})
	e.log.Info("harness started",
		zap.String("harness", ex.id),
		zap.String("task", ex.taskID),
		zap.String("agent", adapter.Agent()),
		zap.String("cwd", cfg.Cwd))

	go func() {
		if pid := proc.PID(); pid > 0 {
			ex.setPID(pid)
		}
	}()

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		ex.pump(proc.Stdout(), ex.stdout)
	}()
	go func() {
		defer pumps.Done()
		ex.pump(proc.Stderr(), ex.stderr)
	}()

	var watch sync.WaitGroup
	watch.Add(1)
	go func() {
		defer watch.Done()
		ex.watch(watchCtx)
	}()

	// Propagate caller cancellation into the kill policy.
	go func() {
		select {
		case <-ctx.Done():
			ex.markStopped()
			e.kill(ex)
		case <-watchCtx.Done():
		}
	}()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		ex.dispatchLoop()
	}()

	pumps.Wait()
	stopWatch()
	watch.Wait()
	close(ex.events)
	<-dispatchDone

	waitCtx, cancelWait := context.WithTimeout(context.Background(), 30*time.Second)
	exitCode, werr := proc.Wait(waitCtx)
	cancelWait()
	proc.Close()
	if werr != nil {
		e.log.Warn("harness exit code unavailable", zap.String("harness", ex.id), zap.Error(werr))
		exitCode = -1
	}

	full := ex.stdout.Snapshot()
	res := &Result{
		ExitCode: exitCode,
		Output:   full,
		Files:    adapter.ExtractFileOperations(full),
		Summary:  adapter.ExtractSummary(full),
		TimedOut: ex.isTimedOut(),
		Stopped:  ex.isStopped(),
		Stderr:   tailOf(ex.stderr.Snapshot(), 2000),
	}
	if res.Summary == "" {
		res.Summary = ex.finalText()
	}

	switch {
	case res.TimedOut, res.Stopped:
		// harness:timeout was published when the timer fired; stopped
		// executions are reported by the task layer.
	case exitCode == 0:
		e.publish("harness:completed", ex, map[string]any{
			"exitCode": exitCode,
			"summary":  model.Truncate(res.Summary, 500),
			"files":    len(res.Files.Created) + len(res.Files.Modified) + len(res.Files.Deleted),
		})
	default:
		e.publish("harness:failed", ex, map[string]any{
			"exitCode": exitCode,
			"error":    model.Truncate(res.Stderr, 500),
		})
	}

	e.log.Info("harness finished",
		zap.String("harness", ex.id),
		zap.Int("exitCode", exitCode),
		zap.Bool("timedOut", res.TimedOut),
		zap.Bool("stopped", res.Stopped),
		zap.Int("lines", ex.stdout.Lines()))
	return res, nil
}

// Respond writes an answer to a waiting execution's stdin and resumes
// its event dispatch.
func (e *Engine) Respond(harnessID, text string) error {
	ex := e.get(harnessID)
	if ex == nil {
		return ErrNotRunning
	}
	if _, err := ex.proc.Stdin().Write(ex.adapter.FormatResponse(text)); err != nil {
		return fmt.Errorf("harness: write stdin: %w", err)
	}
	select {
	case ex.resume <- struct{}{}:
	default:
	}
	return nil
}

// Stop cancels one execution: terminate, 2 s grace, then kill.
func (e *Engine) Stop(ctx context.Context, harnessID string) error {
	ex := e.get(harnessID)
	if ex == nil {
		return ErrNotRunning
	}
	ex.markStopped()
	e.kill(ex)
	return nil
}

// StopAll kills every running execution. Used on shutdown.
func (e *Engine) StopAll() {
	e.mu.Lock()
	exs := make([]*execution, 0, len(e.running))
	for _, ex := range e.running {
		exs = append(exs, ex)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, ex := range exs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ex.markStopped()
			e.kill(ex)
		}()
	}
	wg.Wait()
}

// Running lists in-flight execution records.
func (e *Engine) Running() []model.HarnessExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.HarnessExecution, 0, len(e.running))
	for _, ex := range e.running {
		out = append(out, ex.snapshot())
	}
	return out
}

func (e *Engine) track(ex *execution) {
	e.mu.Lock()
	e.running[ex.id] = ex
	e.mu.Unlock()
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

func (e *Engine) get(id string) *execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[id]
}

// kill applies the terminate → grace → kill policy.
func (e *Engine) kill(ex *execution) {
	ctx, cancel := context.WithTimeout(context.Background(), killGrace+10*time.Second)
	defer cancel()

	if err := ex.proc.Terminate(ctx); err != nil {
		e.log.Debug("terminate failed, killing", zap.String("harness", ex.id), zap.Error(err))
		_ = ex.proc.Kill(ctx)
		return
	}
	graceCtx, cancelGrace := context.WithTimeout(ctx, killGrace)
	_, err := ex.proc.Wait(graceCtx)
	cancelGrace()
	if err != nil {
		e.log.Debug("grace elapsed, killing", zap.String("harness", ex.id))
		_ = ex.proc.Kill(ctx)
	}
}

func (e *Engine) publish(typ string, ex *execution, data map[string]any) {
	if e.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["harness"] = ex.id
	e.bus.Publish(eventbus.TopicHarness, model.Event{
		Type:   typ,
		TaskID: ex.taskID,
		Data:   data,
		At:     time.Now(),
	})
}

// execution tracks one live harness process.
type execution struct {
	id      string
	taskID  string
	adapter Adapter
	proc    sandbox.Process
	engine  *Engine
	cb      Callbacks
	timeout time.Duration
	stdout  *OutputParser
	stderr  *OutputParser

	events chan Event
	resume chan struct{}

	mu           sync.Mutex
	record       model.HarnessExecution
	lastOutput   time.Time
	paused       bool
	question     string
	stallChecked bool
	timedOut     bool
	stopped      bool
	resultText   string
	errText      string
}

// pump reads one stream to EOF, feeding the parser and forwarding events.
func (ex *execution) pump(r io.Reader, parser *OutputParser) {
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(buf[:n]) {
				ex.events <- ev
			}
		}
		if err != nil {
			for _, ev := range parser.Flush() {
				ex.events <- ev
			}
			return
		}
	}
}

// dispatchLoop serializes event delivery and owns question pause/resume.
// While paused, events queue until the user's answer arrives.
func (ex *execution) dispatchLoop() {
	var queue []Event
	for {
		select {
		case ev, ok := <-ex.events:
			if !ok {
				for _, q := range queue {
					if q.Type != EventQuestion {
						ex.deliver(q)
					}
				}
				return
			}
			ex.touch()
			if ex.isPaused() {
				if ev.Type == EventQuestion && ev.Text == ex.currentQuestion() {
					continue
				}
				queue = append(queue, ev)
				continue
			}
			if ev.Type == EventQuestion {
				ex.ask(ev.Text)
				continue
			}
			ex.deliver(ev)
		case <-ex.resume:
			if !ex.isPaused() {
				continue
			}
			ex.setPaused(false, "")
			pending := queue
			queue = nil
			for i, q := range pending {
				if q.Type == EventQuestion {
					queue = append(queue, pending[i+1:]...)
					ex.ask(q.Text)
					break
				}
				ex.deliver(q)
			}
		}
	}
}

func (ex *execution) ask(text string) {
	ex.setPaused(true, text)
	ex.engine.publish("harness:question", ex, map[string]any{"text": text})
	if ex.cb.OnQuestion != nil {
		ex.cb.OnQuestion(text)
	}
}

func (ex *execution) deliver(ev Event) {
	switch ev.Type {
	case EventLine:
		if ev.Text != "" {
			ex.engine.publish("harness:output", ex, map[string]any{"line": model.Truncate(ev.Text, 500)})
		}
	case EventProgress:
		ex.engine.publish("harness:progress", ex, map[string]any{"text": ev.Text})
		if ex.cb.OnProgress != nil {
			ex.cb.OnProgress(ev.Text)
		}
	case EventFileOp:
		ex.engine.publish("harness:output", ex, map[string]any{"op": ev.Op, "path": ev.Path})
		if ex.cb.OnFileOp != nil {
			ex.cb.OnFileOp(ev.Op, ev.Path)
		}
	case EventComplete:
		ex.mu.Lock()
		ex.resultText = ev.Text
		ex.mu.Unlock()
	case EventError:
		ex.mu.Lock()
		ex.errText = ev.Text
		ex.mu.Unlock()
	}
}

// watch fires the inactivity timeout and runs stall-based question
// detection for prompts that never print a newline.
func (ex *execution) watch(ctx context.Context) {
	ticker := time.NewTicker(watchTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ex.isPaused() {
				// A waiting question pauses the clock; the user may take
				// as long as they like.
				ex.touch()
				continue
			}
			idle := time.Since(ex.last())
			if idle >= ex.timeout {
				ex.markTimedOut()
				ex.engine.publish("harness:timeout", ex, map[string]any{
					"idle": idle.Round(time.Second).String(),
				})
				ex.engine.log.Warn("harness inactivity timeout",
					zap.String("harness", ex.id),
					zap.Duration("idle", idle))
				ex.engine.kill(ex)
				return
			}
			if idle >= stallDebounce && !ex.isStallChecked() {
				ex.setStallChecked()
				if q := ex.detectStalledQuestion(); q != "" {
					select {
					case ex.events <- Event{Type: EventQuestion, Text: q}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}
}

// detectStalledQuestion looks at trailing output, including partial
// lines that never got their newline, for an interactive prompt.
func (ex *execution) detectStalledQuestion() string {
	recent := ex.stdout.Recent()
	if pending := ex.stdout.Pending(); pending != "" {
		recent = append(recent, pending)
	}
	if q := ex.adapter.DetectQuestion(recent); q != "" {
		return q
	}
	recent = ex.stderr.Recent()
	if pending := ex.stderr.Pending(); pending != "" {
		recent = append(recent, pending)
	}
	return ex.adapter.DetectQuestion(recent)
}

func (ex *execution) touch() {
	ex.mu.Lock()
	ex.lastOutput = time.Now()
	ex.record.LastOutputAt = ex.lastOutput
	ex.stallChecked = false
	ex.mu.Unlock()
}

func (ex *execution) last() time.Time {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.lastOutput
}

func (ex *execution) isPaused() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.paused
}

func (ex *execution) setPaused(v bool, question string) {
	ex.mu.Lock()
	ex.paused = v
	ex.question = question
	ex.mu.Unlock()
}

func (ex *execution) currentQuestion() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.question
}

func (ex *execution) isStallChecked() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.stallChecked
}

func (ex *execution) setStallChecked() {
	ex.mu.Lock()
	ex.stallChecked = true
	ex.mu.Unlock()
}

func (ex *execution) markTimedOut() {
	ex.mu.Lock()
	ex.timedOut = true
	ex.mu.Unlock()
}

func (ex *execution) isTimedOut() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.timedOut
}

func (ex *execution) markStopped() {
	ex.mu.Lock()
	ex.stopped = true
	ex.mu.Unlock()
}

func (ex *execution) isStopped() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.stopped
}

func (ex *execution) setPID(pid int) {
	ex.mu.Lock()
	ex.record.PID = pid
	ex.mu.Unlock()
}

func (ex *execution) snapshot() model.HarnessExecution {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.record
}

// finalText returns the recorded completion or error text.
func (ex *execution) finalText() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.resultText != "" {
		return ex.resultText
	}
	return ex.errText
}

func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

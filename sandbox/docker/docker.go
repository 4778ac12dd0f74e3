// Package docker implements the sandbox contract against a named
// long-lived container via the Docker Engine API. One-shot commands use
// exec create/attach/inspect; streaming processes additionally wrap the
// command in a pidfile stub so they can be signalled later (the engine
// API cannot kill an exec directly).
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/sandbox"
)

const (
	pidDir       = "/tmp/.fetch"
	reapInterval = 200 * time.Millisecond
)

// Runtime executes commands inside one named container.
type Runtime struct {
	cli       *client.Client
	container string
	baseEnv   []string
	log       *logger.Logger
}

var _ sandbox.Runtime = (*Runtime)(nil)

// New connects to the Docker daemon from the environment and targets the
// given container name. baseEnv is injected into every command.
func New(containerName string, baseEnv []string, log *logger.Logger) (*Runtime, error) {
	if containerName == "" {
		return nil, fmt.Errorf("docker: container name required")
	}
	if log == nil {
		log = logger.Nop()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: create client: %w", err)
	}
	return &Runtime{
		cli:       cli,
		container: containerName,
		baseEnv:   baseEnv,
		log:       log.Named("sandbox.docker"),
	}, nil
}

// Ready pings the daemon and checks that the container is running.
func (r *Runtime) Ready(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: daemon unreachable: %v", sandbox.ErrNotReady, err)
	}
	insp, err := r.cli.ContainerInspect(ctx, r.container)
	if err != nil {
		return fmt.Errorf("%w: inspect %s: %v", sandbox.ErrNotReady, r.container, err)
	}
	if insp.State == nil || !insp.State.Running {
		return fmt.Errorf("%w: container %s is not running", sandbox.ErrNotReady, r.container)
	}
	return nil
}

// Exec runs a command to completion and collects stdout/stderr.
func (r *Runtime) Exec(ctx context.Context, command string, args []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = sandbox.DefaultExecTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execID, err := r.createExec(cctx, append([]string{command}, args...), opts.Cwd, opts.Env, opts.User, false)
	if err != nil {
		return nil, err
	}
	att, err := r.cli.ContainerExecAttach(cctx, execID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("docker: attach exec: %w", err)
	}

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, att.Reader)
		done <- copyErr
	}()

	timedOut := false
	select {
	case <-cctx.Done():
		// Force the copier off the hijacked stream, then collect what we
		// have. The in-container process is abandoned; callers keep
		// timeouts tight for exactly this reason.
		att.Close()
		<-done
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		timedOut = true
	case copyErr := <-done:
		att.Close()
		if copyErr != nil && copyErr != io.EOF {
			return nil, fmt.Errorf("docker: stream exec output: %w", copyErr)
		}
	}

	res := &sandbox.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
		TimedOut: timedOut,
	}
	if timedOut {
		return res, nil
	}

	code, err := r.reapExitCode(ctx, execID)
	if err != nil {
		return nil, err
	}
	res.ExitCode = code
	return res, nil
}

// Spawn starts a streaming process. The command runs under a shell stub
// that records its PID so Terminate/Kill can signal it in-container.
func (r *Runtime) Spawn(ctx context.Context, command string, args []string, opts sandbox.SpawnOptions) (sandbox.Process, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("docker: spawn requires an ID")
	}
	pidPath := pidDir + "/" + opts.ID + ".pid"
	script := fmt.Sprintf("mkdir -p %s && echo $$ >%s && exec %s",
		pidDir, shellQuote(pidPath), shellJoin(command, args))

	execID, err := r.createExec(ctx, []string{"sh", "-c", script}, opts.Cwd, opts.Env, opts.User, true)
	if err != nil {
		return nil, err
	}
	att, err := r.cli.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("docker: attach exec: %w", err)
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	p := &process{
		rt:      r,
		execID:  execID,
		pidPath: pidPath,
		closer:  att,
		stdin:   att.Conn,
		stdout:  outR,
		stderr:  errR,
	}
	go func() {
		_, copyErr := stdcopy.StdCopy(outW, errW, att.Reader)
		outW.CloseWithError(copyErr)
		errW.CloseWithError(copyErr)
	}()

	r.log.Debug("spawned process",
		zap.String("id", opts.ID),
		zap.String("command", command),
		zap.String("cwd", opts.Cwd))
	return p, nil
}

// Close releases the daemon connection.
func (r *Runtime) Close() error {
	return r.cli.Close()
}

func (r *Runtime) createExec(ctx context.Context, cmd []string, cwd string, env []string, user string, stdin bool) (string, error) {
	created, err := r.cli.ContainerExecCreate(ctx, r.container, container.ExecOptions{
		User:         user,
		Tty:          false,
		AttachStdin:  stdin,
		AttachStdout: true,
		AttachStderr: true,
		Env:          append(append([]string{}, r.baseEnv...), env...),
		WorkingDir:   cwd,
		Cmd:          cmd,
	})
	if err != nil {
		return "", fmt.Errorf("docker: create exec: %w", err)
	}
	return created.ID, nil
}

// reapExitCode waits for the exec to be marked stopped. The daemon can
// lag a beat behind stream EOF, so poll briefly.
func (r *Runtime) reapExitCode(ctx context.Context, execID string) (int, error) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		insp, err := r.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1, fmt.Errorf("docker: inspect exec: %w", err)
		}
		if !insp.Running {
			return insp.ExitCode, nil
		}
		if time.Now().After(deadline) {
			return -1, fmt.Errorf("docker: exec still running after stream EOF")
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// process tracks one spawned exec.
type process struct {
	rt      *Runtime
	execID  string
	pidPath string
	closer  io.Closer
	stdout  io.Reader
	stderr  io.Reader

	stdinMu sync.Mutex
	stdin   io.Writer

	pidOnce sync.Once
	pid     int

	waitMu   sync.Mutex
	exited   bool
	exitCode int
}

func (p *process) Stdout() io.Reader { return p.stdout }
func (p *process) Stderr() io.Reader { return p.stderr }

func (p *process) Stdin() io.Writer { return stdinFunc(p.write) }

func (p *process) write(b []byte) (int, error) {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin == nil {
		return 0, io.ErrClosedPipe
	}
	return p.stdin.Write(b)
}

// PID resolves the in-container PID from the stub's pidfile. The write
// races the first read, so retry briefly.
func (p *process) PID() int {
	p.pidOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := 0; i < 5; i++ {
			res, err := p.rt.Exec(ctx, "cat", []string{p.pidPath}, sandbox.ExecOptions{Timeout: time.Second})
			if err == nil && res.ExitCode == 0 {
				if pid, perr := strconv.Atoi(strings.TrimSpace(res.Stdout)); perr == nil && pid > 0 {
					p.pid = pid
					return
				}
			}
			time.Sleep(100 * time.Millisecond)
		}
	})
	return p.pid
}

func (p *process) Wait(ctx context.Context) (int, error) {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	if p.exited {
		return p.exitCode, nil
	}
	for {
		insp, err := p.rt.cli.ContainerExecInspect(ctx, p.execID)
		if err != nil {
			return -1, fmt.Errorf("docker: inspect exec: %w", err)
		}
		if !insp.Running {
			p.exited = true
			p.exitCode = insp.ExitCode
			return p.exitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(reapInterval):
		}
	}
}

func (p *process) Terminate(ctx context.Context) error {
	return p.signal(ctx, "-TERM")
}

func (p *process) Kill(ctx context.Context) error {
	return p.signal(ctx, "-KILL")
}

func (p *process) signal(ctx context.Context, sig string) error {
	pid := p.PID()
	if pid == 0 {
		return fmt.Errorf("docker: no PID recorded for exec %s", p.execID)
	}
	res, err := p.rt.Exec(ctx, "kill", []string{sig, strconv.Itoa(pid)}, sandbox.ExecOptions{Timeout: 5 * time.Second})
	if err != nil {
		return err
	}
	// kill exits nonzero when the process is already gone, which is fine.
	_ = res
	return nil
}

func (p *process) Close() error {
	p.stdinMu.Lock()
	p.stdin = nil
	p.stdinMu.Unlock()
	return p.closer.Close()
}

type stdinFunc func([]byte) (int, error)

func (f stdinFunc) Write(b []byte) (int, error) { return f(b) }

// shellJoin quotes a command and its arguments for sh -c.
func shellJoin(command string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(command))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

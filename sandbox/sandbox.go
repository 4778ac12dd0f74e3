// Package sandbox defines the execution contract against the single
// long-lived container that all agentic work runs inside. Two primitives
// cover every caller: Exec for bounded one-shot commands (git, ls,
// scaffolding) and Spawn for long-running streaming processes (coding
// harnesses). Implementations live in subpackages; sandbox/docker is the
// bundled one.
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotReady is returned when the sandbox container is not running or
// the runtime cannot reach it. Callers should surface this to the user
// rather than retry blindly.
var ErrNotReady = errors.New("sandbox: container not ready")

// DefaultExecTimeout bounds one-shot commands that do not set their own.
const DefaultExecTimeout = 30 * time.Second

// ExecOptions controls a one-shot command execution.
type ExecOptions struct {
	// Cwd is the working directory inside the container. Empty means the
	// container's default.
	Cwd string
	// Env is extra environment in KEY=VALUE form.
	Env []string
	// Timeout bounds the call. Zero means DefaultExecTimeout.
	Timeout time.Duration
	// User overrides the exec user (e.g. "agent"). Empty means the
	// container's default user.
	User string
}

// ExecResult is the collected outcome of a one-shot execution.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// TimedOut reports that the timeout elapsed before the command
	// finished. Stdout/Stderr hold whatever was captured up to that
	// point and ExitCode is -1.
	TimedOut bool
}

// SpawnOptions controls a long-running streaming process.
type SpawnOptions struct {
	// ID tags the process so the runtime can track and signal it later
	// (harness execution IDs in practice). Required.
	ID  string
	Cwd string
	Env []string
	User string
}

// Process is a running command inside the sandbox. Output streams stay
// open until the process exits; Wait reaps the exit code.
type Process interface {
	// PID returns the in-container process ID, or 0 if it could not be
	// resolved yet.
	PID() int
	// Stdout and Stderr stream demultiplexed output. Both reach EOF when
	// the process exits.
	Stdout() io.Reader
	Stderr() io.Reader
	// Stdin accepts input for the process (answers to interactive
	// questions). Writes after exit return an error.
	Stdin() io.Writer
	// Wait blocks until the process exits and returns its exit code.
	// Safe to call more than once.
	Wait(ctx context.Context) (int, error)
	// Terminate asks the process to stop (SIGTERM). Kill is the
	// escalation (SIGKILL) for processes that ignore Terminate.
	Terminate(ctx context.Context) error
	Kill(ctx context.Context) error
	// Close releases streams without signalling the process.
	Close() error
}

// Runtime executes commands inside the sandbox container.
type Runtime interface {
	// Exec runs a command to completion and collects its output.
	Exec(ctx context.Context, command string, args []string, opts ExecOptions) (*ExecResult, error)
	// Spawn starts a streaming process and returns immediately.
	Spawn(ctx context.Context, command string, args []string, opts SpawnOptions) (Process, error)
	// Ready reports whether the container is up and reachable. A nil
	// error means work can be dispatched right now.
	Ready(ctx context.Context) error
	Close() error
}

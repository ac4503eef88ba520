// Package runner starts and stops individual agent processes on a deployment
// target. Two runners are provided: LocalRunner launches child processes on
// the orchestrator host, SshRunner launches detached processes on remote
// hosts over SSH.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/config"
)

var (
	// ErrConnectionFailed indicates the target host could not be reached.
	ErrConnectionFailed = errors.New("connection to target failed")

	// ErrAuthFailed indicates SSH authentication was rejected.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrTransferFailed indicates the source tree could not be copied to the
	// remote workdir.
	ErrTransferFailed = errors.New("file transfer failed")

	// ErrNotAlive indicates an operation on a handle whose process has exited.
	ErrNotAlive = errors.New("process is not alive")

	// ErrStopFailed indicates the process could not be terminated.
	ErrStopFailed = errors.New("failed to stop process")
)

// StartError carries the exit code and stderr tail of a process that failed
// to launch.
type StartError struct {
	ExitCode   int
	StderrTail string
	Err        error
}

// Error returns the formatted message.
func (e *StartError) Error() string {
	if e.StderrTail != "" {
		return fmt.Sprintf("process failed to start (exit %d): %v: %s", e.ExitCode, e.Err, e.StderrTail)
	}
	return fmt.Sprintf("process failed to start (exit %d): %v", e.ExitCode, e.Err)
}

// Unwrap returns the underlying error.
func (e *StartError) Unwrap() error { return e.Err }

// Signal is the kind of signal to deliver to a managed process.
type Signal string

// Supported signal kinds.
const (
	SignalTerm Signal = "term"
	SignalKill Signal = "kill"
)

// Spec describes a single agent process to launch.
type Spec struct {
	JobID   string
	AgentID string

	// Command is the argv to execute. For remote targets only Command[0] is
	// used as the binary name; the agent subcommand and arguments are
	// appended verbatim.
	Command []string

	// Env is the fully composed environment for the agent process,
	// overlaid on the target's inherited environment.
	Env map[string]string

	Target config.Target
	SSH    config.SSHOptions

	// LogDir is the local directory for captured stdout/stderr
	// (logs/jobs/<job_id>/). Remote targets log under the remote workdir.
	LogDir string

	// SourceDir, when set, is transferred to the remote workdir before
	// launch. Ignored for local targets.
	SourceDir string
}

// Handle references a started agent process. Handles are owned by the
// orchestrator's DeployedJob and must not be shared across jobs.
type Handle struct {
	AgentID string
	PID     int

	// StdoutPath and StderrPath locate the captured log streams. Empty for
	// remote processes until logs are fetched.
	StdoutPath string
	StderrPath string

	local  *localProcess
	remote *remoteProcess
}

// Runner starts and stops agent processes on one kind of target.
type Runner interface {
	// Start launches the process described by spec and returns a handle.
	Start(ctx context.Context, spec Spec) (*Handle, error)

	// Stop terminates the process gracefully, escalating to a kill after
	// timeout. Stopping an already-stopped handle returns nil.
	Stop(ctx context.Context, h *Handle, timeout time.Duration) error

	// Signal delivers a signal to the process.
	Signal(ctx context.Context, h *Handle, sig Signal) error

	// Alive reports whether the process is still running.
	Alive(ctx context.Context, h *Handle) bool
}

// ForTarget selects the runner responsible for a target. The SSH runner is
// shared so its connection pool is reused across agents on the same host.
func ForTarget(target config.Target, local *LocalRunner, remote *SshRunner) (Runner, error) {
	switch {
	case target.IsLocal():
		return local, nil
	case target.Type == config.TargetRemote:
		return remote, nil
	default:
		return nil, fmt.Errorf("no runner for target type %q", string(target.Type))
	}
}

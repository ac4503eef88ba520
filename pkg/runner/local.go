package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// stderrTailBytes bounds how much stderr is read back into a StartError.
const stderrTailBytes = 2048

// LocalRunner launches agents as child processes of the orchestrator.
// Processes are placed in their own process group so a stop never leaks
// grandchildren.
type LocalRunner struct {
	logger *slog.Logger
}

// NewLocalRunner creates a local runner.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{logger: slog.With("runner", "local")}
}

type localProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	// waitErr is valid after done is closed.
	waitErr error
}

// Start launches the agent process with stdout/stderr captured to per-agent
// log files under spec.LogDir.
func (r *LocalRunner) Start(ctx context.Context, spec Spec) (*Handle, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("empty command for agent %s", spec.AgentID)
	}
	if err := os.MkdirAll(spec.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	stdoutPath := filepath.Join(spec.LogDir, spec.AgentID+".stdout.log")
	stderrPath := filepath.Join(spec.LogDir, spec.AgentID+".stderr.log")
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return nil, fmt.Errorf("creating stdout log: %w", err)
	}
	stderr, err := os.Create(stderrPath)
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("creating stderr log: %w", err)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = mergedEnviron(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, &StartError{ExitCode: -1, Err: err}
	}

	proc := &localProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		proc.waitErr = cmd.Wait()
		_ = stdout.Close()
		_ = stderr.Close()
		close(proc.done)
	}()

	r.logger.Info("Agent process started",
		"agent_id", spec.AgentID, "job_id", spec.JobID, "pid", cmd.Process.Pid)

	return &Handle{
		AgentID:    spec.AgentID,
		PID:        cmd.Process.Pid,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
		local:      proc,
	}, nil
}

// Recover rebuilds a handle for a local process started by an earlier run and
// known only by PID. Recovered handles have no wait channel; Stop and Alive
// fall back to signal probing.
func (r *LocalRunner) Recover(agentID string, pid int, logDir string) *Handle {
	h := &Handle{AgentID: agentID, PID: pid}
	if logDir != "" {
		h.StdoutPath = filepath.Join(logDir, agentID+".stdout.log")
		h.StderrPath = filepath.Join(logDir, agentID+".stderr.log")
	}
	return h
}

// Stop sends SIGTERM to the process group and escalates to SIGKILL once the
// timeout elapses.
func (r *LocalRunner) Stop(ctx context.Context, h *Handle, timeout time.Duration) error {
	if h.local == nil {
		return r.stopRecovered(ctx, h, timeout)
	}
	select {
	case <-h.local.done:
		return nil // already exited
	default:
	}

	// Negative PID signals the whole process group.
	if err := syscall.Kill(-h.PID, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("%w: %v", ErrStopFailed, err)
	}

	select {
	case <-h.local.done:
		r.logger.Info("Agent stopped gracefully", "agent_id", h.AgentID, "pid", h.PID)
		return nil
	case <-time.After(timeout):
	case <-ctx.Done():
	}

	r.logger.Warn("Agent did not stop in time, killing", "agent_id", h.AgentID, "pid", h.PID)
	if err := syscall.Kill(-h.PID, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("%w: %v", ErrStopFailed, err)
	}
	<-h.local.done
	return nil
}

// stopRecovered terminates a process the runner did not start itself, polling
// liveness by signal instead of waiting on the child.
func (r *LocalRunner) stopRecovered(ctx context.Context, h *Handle, timeout time.Duration) error {
	if h.PID <= 0 {
		return fmt.Errorf("%w: handle has no pid", ErrStopFailed)
	}
	if !r.Alive(ctx, h) {
		return nil
	}
	if err := syscall.Kill(-h.PID, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("%w: %v", ErrStopFailed, err)
	}
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			r.logger.Warn("Agent did not stop in time, killing", "agent_id", h.AgentID, "pid", h.PID)
			if err := syscall.Kill(-h.PID, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
				return fmt.Errorf("%w: %v", ErrStopFailed, err)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
			if !r.Alive(ctx, h) {
				r.logger.Info("Agent stopped gracefully", "agent_id", h.AgentID, "pid", h.PID)
				return nil
			}
		}
	}
}

// Signal delivers a single signal without waiting.
func (r *LocalRunner) Signal(_ context.Context, h *Handle, sig Signal) error {
	if h.PID <= 0 {
		return fmt.Errorf("%w: handle has no pid", ErrStopFailed)
	}
	var s syscall.Signal
	switch sig {
	case SignalTerm:
		s = syscall.SIGTERM
	case SignalKill:
		s = syscall.SIGKILL
	default:
		return fmt.Errorf("unknown signal %q", string(sig))
	}
	if err := syscall.Kill(-h.PID, s); err != nil {
		if err == syscall.ESRCH {
			return ErrNotAlive
		}
		return err
	}
	return nil
}

// Alive reports whether the child is still running. Recovered handles are
// probed with a null signal.
func (r *LocalRunner) Alive(_ context.Context, h *Handle) bool {
	if h.local == nil {
		if h.PID <= 0 {
			return false
		}
		return syscall.Kill(h.PID, 0) == nil
	}
	select {
	case <-h.local.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code after the process has terminated, or -1.
func (h *Handle) ExitCode() int {
	if h.local == nil {
		return -1
	}
	select {
	case <-h.local.done:
		if h.local.cmd.ProcessState != nil {
			return h.local.cmd.ProcessState.ExitCode()
		}
		return -1
	default:
		return -1
	}
}

// StderrTail returns up to stderrTailBytes of the captured stderr, for
// inclusion in StartError messages.
func (h *Handle) StderrTail() string {
	if h.StderrPath == "" {
		return ""
	}
	f, err := os.Open(h.StderrPath)
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - stderrTailBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// mergedEnviron overlays spec env on the inherited environment with
// deterministic ordering.
func mergedEnviron(overlay map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

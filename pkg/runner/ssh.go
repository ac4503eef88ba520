package runner

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/config"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshDialTimeout bounds a single TCP+handshake attempt; dials are retried
// with exponential backoff up to sshDialMaxElapsed.
const (
	sshDialTimeout    = 10 * time.Second
	sshDialMaxElapsed = 30 * time.Second
)

// transferSkipDirs are directory names never copied to a remote workdir.
var transferSkipDirs = map[string]bool{
	".git":         true,
	".venv":        true,
	"__pycache__":  true,
	"node_modules": true,
	"logs":         true,
}

// SshRunner launches detached agent processes on remote hosts. Connections
// are pooled per host and user so agents sharing a target reuse one session.
type SshRunner struct {
	opts   config.SSHOptions
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSshRunner creates an SSH runner with the job's SSH defaults.
func NewSshRunner(opts config.SSHOptions) *SshRunner {
	return &SshRunner{
		opts:    opts,
		logger:  slog.With("runner", "ssh"),
		clients: make(map[string]*ssh.Client),
	}
}

type remoteProcess struct {
	host    string
	user    string
	workdir string
	pidFile string
	exited  bool
}

// Start connects to the target host, transfers the source tree when
// configured, and launches the agent detached under nohup. The remote PID is
// captured from the launch shell and written to a pidfile in the workdir.
func (r *SshRunner) Start(ctx context.Context, spec Spec) (*Handle, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("empty command for agent %s", spec.AgentID)
	}

	ep, err := r.endpoint(spec.Target)
	if err != nil {
		return nil, err
	}
	client, err := r.client(ctx, ep)
	if err != nil {
		return nil, err
	}

	workdir := spec.Target.Workdir
	if workdir == "" {
		workdir = path.Join("~", ".fleet", "jobs", spec.JobID)
	}
	quotedWorkdir := quoteRemotePath(workdir)

	if _, err := runRemote(client, "mkdir -p "+quotedWorkdir); err != nil {
		return nil, fmt.Errorf("creating remote workdir %s: %w", workdir, err)
	}

	if spec.SourceDir != "" {
		if err := r.transfer(client, spec.SourceDir, workdir); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	binary := spec.Command[0]
	if binary == "" {
		binary = r.opts.RemoteBinary
	}
	stdoutLog := spec.AgentID + ".stdout.log"
	stderrLog := spec.AgentID + ".stderr.log"

	var b strings.Builder
	b.WriteString("cd " + quotedWorkdir + " && ")
	b.WriteString("env")
	for _, k := range sortedKeys(spec.Env) {
		b.WriteString(" " + k + "=" + shellQuote(spec.Env[k]))
	}
	b.WriteString(" nohup " + shellQuote(binary))
	if len(spec.Command) > 1 {
		b.WriteString(" " + shellQuoteAll(spec.Command[1:]))
	}
	b.WriteString(" > " + shellQuote(stdoutLog))
	b.WriteString(" 2> " + shellQuote(stderrLog))
	b.WriteString(" < /dev/null & echo $!")

	out, err := runRemote(client, b.String())
	if err != nil {
		return nil, &StartError{ExitCode: -1, StderrTail: out, Err: err}
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lastLine(out)))
	if err != nil {
		return nil, &StartError{ExitCode: -1, Err: fmt.Errorf("parsing remote pid from %q: %w", out, err)}
	}

	pidFile := path.Join(workdir, spec.AgentID+".pid")
	if _, err := runRemote(client, fmt.Sprintf("echo %d > %s", pid, quoteRemotePath(pidFile))); err != nil {
		r.logger.Warn("Failed to write remote pidfile", "agent_id", spec.AgentID, "error", err)
	}

	r.logger.Info("Remote agent started",
		"agent_id", spec.AgentID, "job_id", spec.JobID,
		"host", ep.host, "user", ep.user, "pid", pid)

	return &Handle{
		AgentID: spec.AgentID,
		PID:     pid,
		remote: &remoteProcess{
			host:    ep.host,
			user:    ep.user,
			workdir: workdir,
			pidFile: pidFile,
		},
	}, nil
}

// Stop sends TERM to the remote process and escalates to KILL if it is still
// running after the timeout. The pidfile is removed on success.
func (r *SshRunner) Stop(ctx context.Context, h *Handle, timeout time.Duration) error {
	if h.remote == nil {
		return fmt.Errorf("%w: not a remote handle", ErrStopFailed)
	}
	if h.remote.exited {
		return nil
	}
	client, err := r.clientFor(ctx, h.remote.host, h.remote.user)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStopFailed, err)
	}

	// kill failing means the process is already gone.
	if _, err := runRemote(client, fmt.Sprintf("kill -TERM %d", h.PID)); err != nil {
		h.remote.exited = true
		return nil
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		if !r.Alive(ctx, h) {
			r.cleanupPidfile(client, h)
			return nil
		}
	}

	r.logger.Warn("Remote agent did not stop in time, killing",
		"agent_id", h.AgentID, "host", h.remote.host, "pid", h.PID)
	_, _ = runRemote(client, fmt.Sprintf("kill -KILL %d", h.PID))
	h.remote.exited = true
	r.cleanupPidfile(client, h)
	return nil
}

// Signal delivers a single signal to the remote process.
func (r *SshRunner) Signal(ctx context.Context, h *Handle, sig Signal) error {
	if h.remote == nil {
		return fmt.Errorf("%w: not a remote handle", ErrStopFailed)
	}
	var name string
	switch sig {
	case SignalTerm:
		name = "TERM"
	case SignalKill:
		name = "KILL"
	default:
		return fmt.Errorf("unknown signal %q", string(sig))
	}
	client, err := r.clientFor(ctx, h.remote.host, h.remote.user)
	if err != nil {
		return err
	}
	if _, err := runRemote(client, fmt.Sprintf("kill -%s %d", name, h.PID)); err != nil {
		return ErrNotAlive
	}
	return nil
}

// Alive probes the remote process with a null signal.
func (r *SshRunner) Alive(ctx context.Context, h *Handle) bool {
	if h.remote == nil || h.remote.exited {
		return false
	}
	client, err := r.clientFor(ctx, h.remote.host, h.remote.user)
	if err != nil {
		return false
	}
	if _, err := runRemote(client, fmt.Sprintf("kill -0 %d", h.PID)); err != nil {
		h.remote.exited = true
		return false
	}
	return true
}

// Tail reads up to maxBytes from the end of a remote agent's captured log
// stream ("stdout" or "stderr").
func (r *SshRunner) Tail(ctx context.Context, h *Handle, stream string, maxBytes int64) (string, error) {
	if h.remote == nil {
		return "", fmt.Errorf("not a remote handle")
	}
	if stream != "stdout" && stream != "stderr" {
		return "", fmt.Errorf("unknown log stream %q", stream)
	}
	client, err := r.clientFor(ctx, h.remote.host, h.remote.user)
	if err != nil {
		return "", err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return "", fmt.Errorf("opening sftp session: %w", err)
	}
	defer sftpClient.Close()

	logPath := path.Join(h.remote.workdir, h.AgentID+"."+stream+".log")
	f, err := sftpClient.Open(expandRemoteHome(sftpClient, logPath))
	if err != nil {
		return "", fmt.Errorf("opening remote log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	offset := info.Size() - maxBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Close tears down all pooled connections.
func (r *SshRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for key, c := range r.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.clients, key)
	}
	return firstErr
}

// Recover rebuilds a handle for a remote process started by an earlier run,
// using the recorded host, workdir, and PID.
func (r *SshRunner) Recover(agentID string, pid int, host, user, workdir string) *Handle {
	return &Handle{
		AgentID: agentID,
		PID:     pid,
		remote: &remoteProcess{
			host:    host,
			user:    user,
			workdir: workdir,
			pidFile: path.Join(workdir, agentID+".pid"),
		},
	}
}

func (r *SshRunner) cleanupPidfile(client *ssh.Client, h *Handle) {
	if _, err := runRemote(client, "rm -f "+quoteRemotePath(h.remote.pidFile)); err != nil {
		r.logger.Debug("Failed to remove remote pidfile", "agent_id", h.AgentID, "error", err)
	}
}

// endpoint is a fully resolved SSH destination.
type endpoint struct {
	host    string
	user    string
	port    int
	keyPath string
}

// endpoint resolves the target's host alias, user, port, and key against the
// job SSH options and the local ~/.ssh/config.
func (r *SshRunner) endpoint(target config.Target) (endpoint, error) {
	if target.Host == "" {
		return endpoint{}, fmt.Errorf("%w: remote target has no host", ErrConnectionFailed)
	}
	hc := lookupSSHConfig(target.Host)

	ep := endpoint{host: target.Host, port: config.DefaultSSHPort}
	if hc.Hostname != "" {
		ep.host = hc.Hostname
	}
	if target.Port != 0 {
		ep.port = target.Port
	} else if hc.Port != "" {
		if p, err := strconv.Atoi(hc.Port); err == nil {
			ep.port = p
		}
	}

	switch {
	case target.User != "":
		ep.user = target.User
	case r.opts.User != "":
		ep.user = r.opts.User
	case hc.User != "":
		ep.user = hc.User
	default:
		u, err := user.Current()
		if err != nil {
			return endpoint{}, fmt.Errorf("resolving ssh user: %w", err)
		}
		ep.user = u.Username
	}

	switch {
	case target.SSHKey != "":
		ep.keyPath = expandHomePath(target.SSHKey)
	case r.opts.KeyPath != "":
		ep.keyPath = expandHomePath(r.opts.KeyPath)
	default:
		ep.keyPath = hc.IdentityFile
	}
	return ep, nil
}

func (r *SshRunner) client(ctx context.Context, ep endpoint) (*ssh.Client, error) {
	key := fmt.Sprintf("%s@%s:%d", ep.user, ep.host, ep.port)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	c, err := r.dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	r.clients[key] = c
	return c, nil
}

// clientFor returns the pooled client for a host already connected by Start.
func (r *SshRunner) clientFor(ctx context.Context, host, user string) (*ssh.Client, error) {
	ep, err := r.endpoint(config.Target{Type: config.TargetRemote, Host: host, User: user})
	if err != nil {
		return nil, err
	}
	return r.client(ctx, ep)
}

func (r *SshRunner) dial(ctx context.Context, ep endpoint) (*ssh.Client, error) {
	auth, err := r.authMethods(ep)
	if err != nil {
		return nil, err
	}
	hostKey, err := r.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            ep.user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         sshDialTimeout,
	}
	addr := net.JoinHostPort(ep.host, strconv.Itoa(ep.port))

	var client *ssh.Client
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(sshDialMaxElapsed)), ctx)
	err = backoff.Retry(func() error {
		c, dialErr := ssh.Dial("tcp", addr, cfg)
		if dialErr != nil {
			r.logger.Debug("SSH dial failed, retrying", "addr", addr, "error", dialErr)
			return dialErr
		}
		client = c
		return nil
	}, policy)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %s: %v", ErrAuthFailed, addr, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, addr, err)
	}
	r.logger.Info("SSH connection established", "addr", addr, "user", ep.user)
	return client, nil
}

// authMethods builds the auth chain: explicit key, then a running SSH agent,
// with each candidate appended rather than exclusive so the server picks.
func (r *SshRunner) authMethods(ep endpoint) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if ep.keyPath != "" {
		pem, err := os.ReadFile(ep.keyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: reading key %s: %v", ErrAuthFailed, ep.keyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing key %s: %v", ErrAuthFailed, ep.keyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no SSH key configured and no agent available", ErrAuthFailed)
	}
	return methods, nil
}

func (r *SshRunner) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if r.opts.InsecureSkipHostKey {
		r.logger.Warn("Host key verification disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving known_hosts: %w", err)
	}
	cb, err := knownhosts.New(filepath.Join(home, ".ssh", "known_hosts"))
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}
	return cb, nil
}

// transfer copies the local source tree into the remote workdir over SFTP,
// skipping VCS and cache directories.
func (r *SshRunner) transfer(client *ssh.Client, srcDir, destDir string) error {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("opening sftp session: %w", err)
	}
	defer sftpClient.Close()

	dest := expandRemoteHome(sftpClient, destDir)
	return filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if transferSkipDirs[d.Name()] && rel != "." {
				return fs.SkipDir
			}
			if rel == "." {
				return nil
			}
			return sftpClient.MkdirAll(path.Join(dest, filepath.ToSlash(rel)))
		}
		return copyFileTo(sftpClient, p, path.Join(dest, filepath.ToSlash(rel)))
	})
}

func copyFileTo(sftpClient *sftp.Client, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := sftpClient.Create(remotePath)
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	if info, err := src.Stat(); err == nil {
		_ = sftpClient.Chmod(remotePath, info.Mode().Perm())
	}
	return nil
}

// runRemote executes a command in a fresh session and returns combined output.
func runRemote(client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening session: %w", err)
	}
	defer session.Close()
	out, err := session.CombinedOutput(cmd)
	if err != nil {
		return string(out), fmt.Errorf("remote command %q: %w", cmd, err)
	}
	return string(out), nil
}

// quoteRemotePath quotes a path for the remote shell while letting a leading
// ~/ expand to the remote home directory.
func quoteRemotePath(p string) string {
	if p == "~" {
		return `"$HOME"`
	}
	if strings.HasPrefix(p, "~/") {
		return `"$HOME"/` + shellQuote(strings.TrimPrefix(p, "~/"))
	}
	return shellQuote(p)
}

// expandRemoteHome resolves a leading ~/ against the SFTP session's working
// directory, which starts at the remote home.
func expandRemoteHome(sftpClient *sftp.Client, p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := sftpClient.Getwd()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	return path.Join(home, strings.TrimPrefix(p, "~/"))
}

// lastLine returns the final non-empty line of shell output, where the
// launch command echoes the background PID.
func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return lines[len(lines)-1]
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

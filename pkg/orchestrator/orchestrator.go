// Package orchestrator executes deployment plans: it launches agents stage by
// stage through runners, gates each stage on health, persists job state to
// the registry, and tears jobs down in reverse order.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/config"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/health"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/runner"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/topology"
)

// ErrNotReady indicates an agent never answered its health gate during deploy.
var ErrNotReady = errors.New("agent never became healthy")

// DefaultStopGrace bounds graceful agent shutdown before escalation.
const DefaultStopGrace = 5 * time.Second

// DeployOptions carry per-invocation deployment inputs.
type DeployOptions struct {
	// ConfigPath is recorded in the registry for later inspection.
	ConfigPath string

	// SourceDir, when set, is transferred to remote workdirs before launch.
	SourceDir string

	// LogRoot is the local directory for per-job log directories.
	// Defaults to logs/jobs.
	LogRoot string

	// TraceDir is the local span output directory. Defaults to traces.
	TraceDir string

	// AgentBinary overrides the binary launched for local agents. Defaults
	// to the running executable.
	AgentBinary string
}

type deployedAgent struct {
	cfg    config.AgentConfig
	url    string
	stage  int
	run    runner.Runner
	spec   runner.Spec
	handle *runner.Handle
}

// DeployedJob is a live job owned by the orchestrator process. Handles exist
// only here; the registry persists summaries.
type DeployedJob struct {
	JobID  string
	Def    *config.JobDefinition
	Plan   *topology.Plan
	LogDir string

	mu     sync.Mutex
	state  JobState
	agents []*deployedAgent // in start order
	remote *runner.SshRunner
}

// State returns the job's current lifecycle state.
func (j *DeployedJob) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// MonitorAgents adapts the job's live handles for the health monitor.
func (j *DeployedJob) MonitorAgents() []health.Agent {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]health.Agent, 0, len(j.agents))
	for _, a := range j.agents {
		out = append(out, health.Agent{
			ID:     a.cfg.ID,
			URL:    a.url,
			Runner: a.run,
			Spec:   a.spec,
			Handle: a.handle,
		})
	}
	return out
}

// Orchestrator deploys and manages jobs against the persistent registry.
type Orchestrator struct {
	registry *Registry
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an orchestrator over a registry.
func New(registry *Registry) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		client:   &http.Client{},
		logger:   slog.With("component", "orchestrator"),
		now:      time.Now,
	}
}

// Deploy resolves the plan and launches every stage in order. Each stage is
// started concurrently and gated on health before the next begins. Any
// failure tears down already-started agents in reverse order and leaves the
// job in the failed state.
func (o *Orchestrator) Deploy(ctx context.Context, def *config.JobDefinition, opts DeployOptions) (*DeployedJob, error) {
	plan, err := topology.Resolve(def)
	if err != nil {
		return nil, err
	}

	jobID := o.newJobID(def.Job.Name)
	logRoot := opts.LogRoot
	if logRoot == "" {
		logRoot = filepath.Join("logs", "jobs")
	}
	logDir := filepath.Join(logRoot, jobID)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating job log dir: %w", err)
	}

	job := &DeployedJob{
		JobID:  jobID,
		Def:    def,
		Plan:   plan,
		LogDir: logDir,
		state:  StateDeploying,
	}
	if hasRemoteTargets(def) {
		job.remote = runner.NewSshRunner(def.Deployment.SSH)
	}
	hash := definitionHash(def)
	o.persist(job, opts.ConfigPath, hash, nil)

	timeout := def.Deployment.Timeout.Std()
	if timeout <= 0 {
		timeout = config.DefaultDeployTimeout
	}
	deployCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	local := runner.NewLocalRunner()
	o.logger.Info("Deploying job",
		"job_id", jobID, "agents", plan.AgentCount(), "stages", len(plan.Stages))

	for stageIdx, stage := range plan.Stages {
		if err := o.deployStage(deployCtx, job, local, stageIdx, stage, opts); err != nil {
			o.logger.Error("Stage failed, tearing down",
				"job_id", jobID, "stage", stageIdx, "error", err)
			o.teardown(ctx, job)
			job.mu.Lock()
			job.state = StateFailed
			job.mu.Unlock()
			o.persist(job, opts.ConfigPath, hash, timePtr(o.now()))
			return nil, fmt.Errorf("deploying stage %d: %w", stageIdx, err)
		}
		o.logger.Info("Stage healthy", "job_id", jobID, "stage", stageIdx, "agents", stage)
	}

	job.mu.Lock()
	job.state = StateRunning
	job.mu.Unlock()
	o.persist(job, opts.ConfigPath, hash, nil)
	return job, nil
}

func (o *Orchestrator) deployStage(ctx context.Context, job *DeployedJob, local *runner.LocalRunner, stageIdx int, ids []string, opts DeployOptions) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	setErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for _, id := range ids {
		cfg, ok := job.Def.AgentByID(id)
		if !ok {
			return fmt.Errorf("plan references unknown agent %q", id)
		}
		wg.Add(1)
		go func(cfg config.AgentConfig) {
			defer wg.Done()
			run, err := runner.ForTarget(cfg.Target, local, job.remote)
			if err != nil {
				setErr(fmt.Errorf("agent %s: %w", cfg.ID, err))
				return
			}
			spec := o.specFor(job, cfg, opts)
			handle, err := run.Start(ctx, spec)
			if err != nil {
				setErr(fmt.Errorf("starting agent %s: %w", cfg.ID, err))
				return
			}
			da := &deployedAgent{
				cfg:    cfg,
				url:    job.Plan.URLs[cfg.ID],
				stage:  stageIdx,
				run:    run,
				spec:   spec,
				handle: handle,
			}
			job.mu.Lock()
			job.agents = append(job.agents, da)
			job.mu.Unlock()

			if err := o.awaitHealthy(ctx, da.url, job.Def.Deployment.HealthCheck); err != nil {
				setErr(fmt.Errorf("agent %s: %w", cfg.ID, err))
			}
		}(cfg)
	}
	wg.Wait()
	return firstErr
}

// awaitHealthy polls the agent's /health endpoint until it answers or the
// retry budget is exhausted.
func (o *Orchestrator) awaitHealthy(ctx context.Context, url string, hc config.HealthCheckOptions) error {
	interval := hc.Interval.Std()
	if interval <= 0 {
		interval = config.DefaultHealthCheckInterval
	}
	retries := hc.Retries
	if retries <= 0 {
		retries = config.DefaultHealthCheckRetries
	}
	probeTimeout := hc.Timeout.Std()
	if probeTimeout <= 0 {
		probeTimeout = config.DefaultHealthCheckTimeout
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if lastErr = health.Probe(ctx, o.client, url, probeTimeout); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrNotReady, retries, lastErr)
}

// Stop terminates a live job in reverse start order and persists the result.
// Stopping an already-stopped job is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, job *DeployedJob, grace time.Duration) error {
	job.mu.Lock()
	if job.state == StateStopped {
		job.mu.Unlock()
		return nil
	}
	job.state = StateStopping
	job.mu.Unlock()
	o.persist(job, "", "", nil)

	if grace <= 0 {
		grace = DefaultStopGrace
	}
	o.teardownGrace(ctx, job, grace)

	job.mu.Lock()
	job.state = StateStopped
	job.mu.Unlock()
	o.persist(job, "", "", timePtr(o.now()))
	return nil
}

// StopJobID stops a job recorded by an earlier orchestrator process by
// recovering handles from its persisted agent records.
func (o *Orchestrator) StopJobID(ctx context.Context, jobID string, grace time.Duration) error {
	rec, err := o.registry.Get(jobID)
	if err != nil {
		return err
	}
	if rec.State == StateStopped || rec.State == StateFailed {
		return nil
	}
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	rec.State = StateStopping
	if err := o.registry.Append(rec); err != nil {
		return err
	}

	local := runner.NewLocalRunner()
	var remote *runner.SshRunner

	// Reverse stage order: clients stop before the agents they depend on.
	agents := append([]AgentRecord(nil), rec.Agents...)
	sort.SliceStable(agents, func(i, j int) bool { return agents[i].Stage > agents[j].Stage })

	for _, a := range agents {
		var run runner.Runner
		var h *runner.Handle
		if a.TargetType == string(config.TargetRemote) {
			if remote == nil {
				remote = runner.NewSshRunner(config.SSHOptions{})
			}
			run = remote
			h = remote.Recover(a.ID, a.PID, a.Host, a.User, a.Workdir)
		} else {
			run = local
			h = local.Recover(a.ID, a.PID, rec.LogDir)
		}
		if err := run.Stop(ctx, h, grace); err != nil {
			o.logger.Warn("Failed to stop agent", "job_id", jobID, "agent_id", a.ID, "error", err)
		}
	}
	if remote != nil {
		_ = remote.Close()
	}

	rec.State = StateStopped
	now := o.now()
	rec.StoppedAt = &now
	return o.registry.Append(rec)
}

// List returns the latest record per job. Jobs recorded as running are probed
// and presented as stopped when no agent answers.
func (o *Orchestrator) List(ctx context.Context) ([]JobRecord, error) {
	records, err := o.registry.List()
	if err != nil {
		return nil, err
	}
	for i, rec := range records {
		if rec.State != StateRunning && rec.State != StateDeploying {
			continue
		}
		if !o.anyAgentAlive(ctx, rec) {
			records[i].State = StateStopped
		}
	}
	return records, nil
}

// AgentStatus is one agent's live view within a job status report.
type AgentStatus struct {
	Record  AgentRecord
	Healthy bool
}

// JobStatus combines the persisted record with live health probes.
type JobStatus struct {
	Job    JobRecord
	Agents []AgentStatus
}

// Status reports the job record plus a live health probe per agent.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (JobStatus, error) {
	rec, err := o.registry.Get(jobID)
	if err != nil {
		return JobStatus{}, err
	}
	out := JobStatus{Job: rec, Agents: make([]AgentStatus, len(rec.Agents))}
	var wg sync.WaitGroup
	for i, a := range rec.Agents {
		wg.Add(1)
		go func(i int, a AgentRecord) {
			defer wg.Done()
			healthy := health.Probe(ctx, o.client, a.URL, 2*time.Second) == nil
			out.Agents[i] = AgentStatus{Record: a, Healthy: healthy}
		}(i, a)
	}
	wg.Wait()
	return out, nil
}

// LogChunk is a tail of one captured agent stream.
type LogChunk struct {
	AgentID string
	Stream  string
	Content string
}

// Logs returns log tails for one agent or, with an empty agentID, for all
// agents of the job. Remote logs are fetched over SFTP.
func (o *Orchestrator) Logs(ctx context.Context, jobID, agentID string, tailBytes int64) ([]LogChunk, error) {
	rec, err := o.registry.Get(jobID)
	if err != nil {
		return nil, err
	}
	if tailBytes <= 0 {
		tailBytes = 16 * 1024
	}

	var remote *runner.SshRunner
	defer func() {
		if remote != nil {
			_ = remote.Close()
		}
	}()

	var chunks []LogChunk
	for _, a := range rec.Agents {
		if agentID != "" && a.ID != agentID {
			continue
		}
		for _, stream := range []string{"stdout", "stderr"} {
			var content string
			if a.TargetType == string(config.TargetRemote) {
				if remote == nil {
					remote = runner.NewSshRunner(config.SSHOptions{})
				}
				h := remote.Recover(a.ID, a.PID, a.Host, a.User, a.Workdir)
				content, err = remote.Tail(ctx, h, stream, tailBytes)
				if err != nil {
					content = fmt.Sprintf("(unavailable: %v)", err)
				}
			} else {
				content = tailFile(filepath.Join(rec.LogDir, a.ID+"."+stream+".log"), tailBytes)
			}
			chunks = append(chunks, LogChunk{AgentID: a.ID, Stream: stream, Content: content})
		}
	}
	if agentID != "" && len(chunks) == 0 {
		return nil, fmt.Errorf("job %s has no agent %q", jobID, agentID)
	}
	return chunks, nil
}

// FollowLogs streams new log output for a job's local agents to w until ctx
// is canceled, starting from the current end of each file. Remote agents are
// skipped; their logs live on the remote host and are served by Logs as
// snapshots.
func (o *Orchestrator) FollowLogs(ctx context.Context, jobID, agentID string, w io.Writer) error {
	rec, err := o.registry.Get(jobID)
	if err != nil {
		return err
	}

	type cursor struct {
		path   string
		offset int64
	}
	var cursors []*cursor
	for _, a := range rec.Agents {
		if agentID != "" && a.ID != agentID {
			continue
		}
		if a.TargetType == string(config.TargetRemote) {
			continue
		}
		for _, stream := range []string{"stdout", "stderr"} {
			c := &cursor{path: filepath.Join(rec.LogDir, a.ID+"."+stream+".log")}
			if info, err := os.Stat(c.path); err == nil {
				c.offset = info.Size()
			}
			cursors = append(cursors, c)
		}
	}
	if len(cursors) == 0 {
		return fmt.Errorf("job %s has no local agent logs to follow", jobID)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for _, c := range cursors {
			info, err := os.Stat(c.path)
			if err != nil || info.Size() <= c.offset {
				continue
			}
			f, err := os.Open(c.path)
			if err != nil {
				continue
			}
			if _, err := f.Seek(c.offset, io.SeekStart); err == nil {
				n, _ := io.Copy(w, f)
				c.offset += n
			}
			_ = f.Close()
		}
	}
}

// Cleanup removes stopped and failed jobs from the registry, returning the
// number removed.
func (o *Orchestrator) Cleanup() (int, error) {
	return o.registry.Compact(func(rec JobRecord) bool {
		return rec.State != StateStopped && rec.State != StateFailed
	})
}

// Monitor builds a health monitor over a live job using the job's restart
// policy and health-check options.
func (o *Orchestrator) Monitor(job *DeployedJob, onChange health.ChangeFunc) *health.Monitor {
	hc := job.Def.Deployment.HealthCheck
	return health.NewMonitor(health.Options{
		Interval: hc.Interval.Std(),
		Timeout:  hc.Timeout.Std(),
		Retries:  hc.Retries,
		Restart:  job.Def.Deployment.Restart,
		OnChange: onChange,
		Client:   o.client,
	}, job.MonitorAgents())
}

func (o *Orchestrator) teardown(ctx context.Context, job *DeployedJob) {
	o.teardownGrace(ctx, job, DefaultStopGrace)
}

// teardownGrace stops started agents in reverse start order.
func (o *Orchestrator) teardownGrace(ctx context.Context, job *DeployedJob, grace time.Duration) {
	job.mu.Lock()
	agents := append([]*deployedAgent(nil), job.agents...)
	job.mu.Unlock()

	for i := len(agents) - 1; i >= 0; i-- {
		a := agents[i]
		o.logger.Info("Stopping agent", "job_id", job.JobID, "agent_id", a.cfg.ID)
		if err := a.run.Stop(ctx, a.handle, grace); err != nil {
			o.logger.Warn("Failed to stop agent",
				"job_id", job.JobID, "agent_id", a.cfg.ID, "error", err)
		}
	}
	if job.remote != nil {
		_ = job.remote.Close()
	}
}

func (o *Orchestrator) anyAgentAlive(ctx context.Context, rec JobRecord) bool {
	for _, a := range rec.Agents {
		if health.Probe(ctx, o.client, a.URL, time.Second) == nil {
			return true
		}
	}
	return false
}

// specFor composes the runner spec and full agent environment for one agent.
func (o *Orchestrator) specFor(job *DeployedJob, cfg config.AgentConfig, opts DeployOptions) runner.Spec {
	binary := opts.AgentBinary
	target := cfg.Target
	if target.IsLocal() {
		if binary == "" {
			if exe, err := os.Executable(); err == nil {
				binary = exe
			} else {
				binary = "fleet"
			}
		}
	} else {
		binary = job.Def.Deployment.SSH.RemoteBinary
		if binary == "" {
			binary = config.DefaultRemoteBinary
		}
		if target.Workdir == "" {
			target.Workdir = path.Join("~", ".fleet", "jobs", job.JobID)
		}
	}

	return runner.Spec{
		JobID:     job.JobID,
		AgentID:   cfg.ID,
		Command:   []string{binary, "agent"},
		Env:       o.composeEnv(job, cfg, opts),
		Target:    target,
		SSH:       job.Def.Deployment.SSH,
		LogDir:    job.LogDir,
		SourceDir: opts.SourceDir,
	}
}

// composeEnv builds the agent environment: identity and topology first, then
// the job-level overlay, then the agent-level overlay.
func (o *Orchestrator) composeEnv(job *DeployedJob, cfg config.AgentConfig, opts DeployOptions) map[string]string {
	net := job.Def.Deployment.Network
	allowed := append([]string(nil), job.Plan.AllowedHosts...)
	allowed = append(allowed, net.AllowedHosts...)
	sort.Strings(allowed)
	allowed = dedupe(allowed)

	env := map[string]string{
		"AGENT_PORT":          strconv.Itoa(cfg.Config.Port),
		"AGENT_NAME":          cfg.ID,
		"AGENT_ID":            cfg.ID,
		"AGENT_JOB_ID":        job.JobID,
		"AGENT_TYPE":          cfg.Type,
		"CONNECTED_AGENTS":    strings.Join(job.Plan.Connections[cfg.ID], ","),
		"AGENT_ALLOWED_HOSTS": strings.Join(allowed, ","),
	}
	if net.MinPort > 0 {
		env["AGENT_MIN_PORT"] = strconv.Itoa(net.MinPort)
	}
	if net.MaxPort > 0 {
		env["AGENT_MAX_PORT"] = strconv.Itoa(net.MaxPort)
	}
	if cfg.Target.IsLocal() {
		traceDir := opts.TraceDir
		if traceDir == "" {
			traceDir = "traces"
		}
		if abs, err := filepath.Abs(traceDir); err == nil {
			traceDir = abs
		}
		env["AGENT_TRACE_DIR"] = traceDir
	}

	for k, v := range job.Def.Environment {
		env[k] = v
	}
	for k, v := range cfg.Environment {
		env[k] = v
	}
	return env
}

// persist writes the job's current summary to the registry. Config path and
// hash are kept from the previous record when empty.
func (o *Orchestrator) persist(job *DeployedJob, configPath, hash string, stoppedAt *time.Time) {
	job.mu.Lock()
	rec := JobRecord{
		JobID:          job.JobID,
		Name:           job.Def.Job.Name,
		State:          job.state,
		DefinitionHash: hash,
		ConfigPath:     configPath,
		LogDir:         job.LogDir,
		StartedAt:      o.now(),
		StoppedAt:      stoppedAt,
	}
	for _, a := range job.agents {
		ar := AgentRecord{
			ID:         a.cfg.ID,
			URL:        a.url,
			Stage:      a.stage,
			TargetType: string(config.TargetLocalhost),
		}
		if a.handle != nil {
			ar.PID = a.handle.PID
		}
		if !a.cfg.Target.IsLocal() {
			ar.TargetType = string(a.cfg.Target.Type)
			ar.Host = a.spec.Target.Host
			ar.User = a.spec.Target.User
			ar.Workdir = a.spec.Target.Workdir
		}
		if a.handle != nil && a.run != nil {
			if code := a.handle.ExitCode(); code >= 0 {
				ar.ExitCode = &code
			}
		}
		rec.Agents = append(rec.Agents, ar)
	}
	job.mu.Unlock()

	if prev, err := o.registry.Get(rec.JobID); err == nil {
		if rec.ConfigPath == "" {
			rec.ConfigPath = prev.ConfigPath
		}
		if rec.DefinitionHash == "" {
			rec.DefinitionHash = prev.DefinitionHash
		}
		rec.StartedAt = prev.StartedAt
	}
	if err := o.registry.Append(rec); err != nil {
		o.logger.Error("Failed to persist job record", "job_id", rec.JobID, "error", err)
	}
}

func (o *Orchestrator) newJobID(name string) string {
	return sanitizeName(name) + "-" + o.now().UTC().Format("20060102-150405")
}

func sanitizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "job"
	}
	return out
}

func definitionHash(def *config.JobDefinition) string {
	data, err := config.Dump(def)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}

func hasRemoteTargets(def *config.JobDefinition) bool {
	for _, a := range def.Agents {
		if !a.Target.IsLocal() {
			return true
		}
	}
	return false
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

func tailFile(path string, maxBytes int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - maxBytes
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return ""
	}
	return string(buf)
}

func timePtr(t time.Time) *time.Time { return &t }

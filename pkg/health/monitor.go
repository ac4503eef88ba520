package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/config"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/runner"
)

// State is the monitor's view of one agent process.
type State string

// Agent lifecycle states. Failed is terminal.
const (
	StateStarting    State = "starting"
	StateHealthy     State = "healthy"
	StateUnreachable State = "unreachable"
	StateRestarting  State = "restarting"
	StateFailed      State = "failed"
)

// Monitoring defaults.
const (
	DefaultInterval    = 10 * time.Second
	DefaultRetries     = 3
	DefaultMaxRestarts = 3
	defaultStopTimeout = 5 * time.Second
)

// Agent is one monitored process. The monitor replaces Handle on restart but
// never changes ID or URL.
type Agent struct {
	ID     string
	URL    string
	Runner runner.Runner
	Spec   runner.Spec
	Handle *runner.Handle
}

// ChangeFunc receives state transitions as they happen. Callbacks run on the
// probe goroutine and must return quickly.
type ChangeFunc func(agentID string, from, to State)

// Options configure the monitor loop.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
	Restart  config.RestartPolicy
	OnChange ChangeFunc
	Client   *http.Client
}

// Status is a point-in-time snapshot for one agent.
type Status struct {
	State    State
	Restarts int
}

type agentState struct {
	agent Agent
	// mu serializes restarts with snapshot reads for this agent.
	mu       sync.Mutex
	state    State
	restarts int
	delay    *backoff.ExponentialBackOff
}

// Monitor probes a fixed set of agents on an interval and applies the restart
// policy to agents that stop responding.
type Monitor struct {
	opts   Options
	client *http.Client
	logger *slog.Logger
	agents []*agentState
}

// NewMonitor builds a monitor over the given agents. All agents begin in the
// starting state.
func NewMonitor(opts Options, agents []Agent) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProbeTimeout
	}
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Restart.Enabled && opts.Restart.MaxRestarts <= 0 {
		opts.Restart.MaxRestarts = DefaultMaxRestarts
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	m := &Monitor{
		opts:   opts,
		client: client,
		logger: slog.With("component", "health"),
	}
	for _, a := range agents {
		delay := backoff.NewExponentialBackOff()
		delay.InitialInterval = 500 * time.Millisecond
		delay.MaxElapsedTime = 0
		m.agents = append(m.agents, &agentState{agent: a, state: StateStarting, delay: delay})
	}
	return m
}

// Run probes until ctx is canceled. The first cycle starts immediately.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		m.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Snapshot returns the current state of every monitored agent keyed by id.
func (m *Monitor) Snapshot() map[string]Status {
	out := make(map[string]Status, len(m.agents))
	for _, st := range m.agents {
		st.mu.Lock()
		out[st.agent.ID] = Status{State: st.state, Restarts: st.restarts}
		st.mu.Unlock()
	}
	return out
}

func (m *Monitor) cycle(ctx context.Context) {
	var wg sync.WaitGroup
	for _, st := range m.agents {
		wg.Add(1)
		go func(st *agentState) {
			defer wg.Done()
			m.check(ctx, st)
		}(st)
	}
	wg.Wait()
}

func (m *Monitor) check(ctx context.Context, st *agentState) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.state == StateFailed {
		return
	}

	var err error
	for attempt := 0; attempt < m.opts.Retries; attempt++ {
		if err = Probe(ctx, m.client, st.agent.URL, m.opts.Timeout); err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
	}
	if err == nil {
		if st.state != StateHealthy {
			m.setStateLocked(st, StateHealthy)
			st.delay.Reset()
		}
		return
	}

	m.logger.Warn("Agent unreachable",
		"agent_id", st.agent.ID, "url", st.agent.URL, "error", err)
	if st.state != StateUnreachable {
		m.setStateLocked(st, StateUnreachable)
	}

	if !m.opts.Restart.Enabled {
		return
	}
	if st.restarts >= m.opts.Restart.MaxRestarts {
		m.setStateLocked(st, StateFailed)
		return
	}
	m.setStateLocked(st, StateRestarting)
	m.restartLocked(ctx, st)
}

// restartLocked stops and relaunches the agent process. On a successful
// relaunch the agent is probed once; a passing probe moves it straight back
// to healthy, otherwise the next cycle re-evaluates it.
func (m *Monitor) restartLocked(ctx context.Context, st *agentState) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(st.delay.NextBackOff()):
	}

	if st.agent.Handle != nil {
		if err := st.agent.Runner.Stop(ctx, st.agent.Handle, defaultStopTimeout); err != nil {
			m.logger.Debug("Stopping unreachable agent", "agent_id", st.agent.ID, "error", err)
		}
	}

	st.restarts++
	handle, err := st.agent.Runner.Start(ctx, st.agent.Spec)
	if err != nil {
		m.logger.Error("Agent restart failed",
			"agent_id", st.agent.ID, "attempt", st.restarts, "error", err)
		return
	}
	st.agent.Handle = handle
	m.logger.Info("Agent restarted",
		"agent_id", st.agent.ID, "pid", handle.PID, "attempt", st.restarts)

	if err := Probe(ctx, m.client, st.agent.URL, m.opts.Timeout); err == nil {
		m.setStateLocked(st, StateHealthy)
		st.delay.Reset()
	}
}

func (m *Monitor) setStateLocked(st *agentState, to State) {
	from := st.state
	if from == to {
		return
	}
	st.state = to
	m.logger.Info("Agent state changed", "agent_id", st.agent.ID, "from", string(from), "to", string(to))
	if m.opts.OnChange != nil {
		m.opts.OnChange(st.agent.ID, from, to)
	}
}

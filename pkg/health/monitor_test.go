package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/config"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/runner"
)

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := Probe(context.Background(), srv.Client(), srv.URL, time.Second)
	assert.NoError(t, err)
}

func TestProbe_NonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := Probe(context.Background(), srv.Client(), srv.URL, time.Second)
	assert.ErrorContains(t, err, "unexpected status 503")
}

func TestProbe_Unreachable(t *testing.T) {
	err := Probe(context.Background(), &http.Client{}, "http://127.0.0.1:1", 200*time.Millisecond)
	assert.Error(t, err)
}

type transition struct {
	from, to State
}

// flipServer serves /health with a switchable status.
type flipServer struct {
	healthy atomic.Bool
	srv     *httptest.Server
}

func newFlipServer(t *testing.T, healthy bool) *flipServer {
	t.Helper()
	f := &flipServer{}
	f.healthy.Store(healthy)
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func waitForState(t *testing.T, ch <-chan transition, want State) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case tr := <-ch:
			if tr.to == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q", want)
		}
	}
}

type fakeRunner struct {
	mu         sync.Mutex
	startCalls int
	stopCalls  int
	onStart    func()
}

func (f *fakeRunner) Start(ctx context.Context, spec runner.Spec) (*runner.Handle, error) {
	f.mu.Lock()
	f.startCalls++
	f.mu.Unlock()
	if f.onStart != nil {
		f.onStart()
	}
	return &runner.Handle{AgentID: spec.AgentID, PID: 4242}, nil
}

func (f *fakeRunner) Stop(ctx context.Context, h *runner.Handle, timeout time.Duration) error {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeRunner) Signal(ctx context.Context, h *runner.Handle, sig runner.Signal) error {
	return nil
}

func (f *fakeRunner) Alive(ctx context.Context, h *runner.Handle) bool { return true }

func (f *fakeRunner) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, f.stopCalls
}

func runMonitor(t *testing.T, opts Options, agents []Agent) (*Monitor, <-chan transition, context.CancelFunc) {
	t.Helper()
	ch := make(chan transition, 64)
	opts.OnChange = func(id string, from, to State) {
		ch <- transition{from: from, to: to}
	}
	m := NewMonitor(opts, agents)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, ch, cancel
}

func TestMonitor_HealthyUnreachableRecovery(t *testing.T) {
	f := newFlipServer(t, true)
	agents := []Agent{{ID: "a1", URL: f.srv.URL}}

	m, ch, _ := runMonitor(t, Options{
		Interval: 20 * time.Millisecond,
		Timeout:  500 * time.Millisecond,
		Retries:  1,
	}, agents)

	waitForState(t, ch, StateHealthy)

	f.healthy.Store(false)
	waitForState(t, ch, StateUnreachable)

	// Restart policy disabled: a passing probe alone recovers the agent.
	f.healthy.Store(true)
	waitForState(t, ch, StateHealthy)

	snap := m.Snapshot()
	require.Contains(t, snap, "a1")
	assert.Equal(t, StateHealthy, snap["a1"].State)
	assert.Equal(t, 0, snap["a1"].Restarts)
}

func TestMonitor_RestartRecovers(t *testing.T) {
	f := newFlipServer(t, false)
	fr := &fakeRunner{onStart: func() { f.healthy.Store(true) }}
	agents := []Agent{{
		ID:     "a1",
		URL:    f.srv.URL,
		Runner: fr,
		Spec:   runner.Spec{AgentID: "a1"},
		Handle: &runner.Handle{AgentID: "a1", PID: 1000},
	}}

	m, ch, _ := runMonitor(t, Options{
		Interval: 20 * time.Millisecond,
		Timeout:  500 * time.Millisecond,
		Retries:  1,
		Restart:  config.RestartPolicy{Enabled: true, MaxRestarts: 3},
	}, agents)

	waitForState(t, ch, StateRestarting)
	waitForState(t, ch, StateHealthy)

	starts, stops := fr.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)

	snap := m.Snapshot()
	assert.Equal(t, 1, snap["a1"].Restarts)
}

func TestMonitor_RestartExhaustionFails(t *testing.T) {
	f := newFlipServer(t, false)
	fr := &fakeRunner{}
	agents := []Agent{{
		ID:     "a1",
		URL:    f.srv.URL,
		Runner: fr,
		Spec:   runner.Spec{AgentID: "a1"},
	}}

	m, ch, _ := runMonitor(t, Options{
		Interval: 20 * time.Millisecond,
		Timeout:  500 * time.Millisecond,
		Retries:  1,
		Restart:  config.RestartPolicy{Enabled: true, MaxRestarts: 1},
	}, agents)

	waitForState(t, ch, StateFailed)

	starts, _ := fr.counts()
	assert.Equal(t, 1, starts)

	// Failed is terminal: no further restarts even if probing would recover.
	f.healthy.Store(true)
	time.Sleep(100 * time.Millisecond)
	snap := m.Snapshot()
	assert.Equal(t, StateFailed, snap["a1"].State)
	assert.Equal(t, 1, snap["a1"].Restarts)
}

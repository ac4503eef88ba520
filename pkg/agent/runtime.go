package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/a2a"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/agentregistry"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/backend"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/observability"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/session"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/version"
)

// Runtime is one running agent process: backend, tools, peer registry,
// session store, and the HTTP server in front of them.
type Runtime struct {
	cfg      Config
	server   *Server
	toolset  *a2a.Toolset
	registry *agentregistry.Registry
	logger   *slog.Logger

	shutdownTracing func(context.Context) error
}

// NewRuntime initializes an agent from its environment: tracing, backend
// selection, A2A toolset, peer discovery, and system-prompt synthesis.
func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	class, ok := LookupClass(cfg.ClassType)
	if !ok {
		return nil, fmt.Errorf("unknown agent class %q (registered: %v)", cfg.ClassType, ClassTypes())
	}

	shutdownTracing, err := observability.Init(ctx, observability.Options{
		ServiceName: cfg.Name,
		JobID:       cfg.JobID,
		TraceDir:    cfg.TraceDir,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	be, err := backend.New(cfg.Backend)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("initializing backend: %w", err)
	}

	clientOpts := a2a.ClientOptionsFromEnv()
	a2aClient := a2a.NewClient(clientOpts)
	toolset, err := a2a.NewToolset(ctx, a2aClient, cfg.Name)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("initializing a2a tools: %w", err)
	}

	registry := agentregistry.New(a2aClient, agentregistry.ConnectedAgentURLs())
	registry.Refresh(ctx)

	prompt := registry.RenderPrompt(class.BasePrompt())
	store := session.NewStore(cfg.Session)

	r := &Runtime{
		cfg:             cfg,
		toolset:         toolset,
		registry:        registry,
		logger:          slog.With("agent", cfg.Name, "job_id", cfg.JobID),
		shutdownTracing: shutdownTracing,
	}
	r.server = NewServer(cfg, class, be, store, toolset.BackendTools(), clientOpts.Guard, registry, prompt)
	return r, nil
}

// Run serves HTTP until ctx is canceled, then drains in-flight queries up to
// the configured grace period.
func (r *Runtime) Run(ctx context.Context) error {
	_, startSpan := observability.StartSpan(ctx, observability.KindAgentStart, "agent:start")
	addr := net.JoinHostPort("", strconv.Itoa(r.cfg.Port))
	srv := &http.Server{Addr: addr, Handler: r.server.Handler()}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("Agent listening",
			"port", r.cfg.Port, "class", r.cfg.ClassType,
			"backend", r.cfg.Backend.Type, "peers", len(r.registry.URLs()),
			"version", version.String())
		startSpan.End()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		r.close()
		return err
	case <-ctx.Done():
	}

	r.logger.Info("Agent shutting down", "drain_timeout", r.cfg.DrainTimeout.String())
	drainCtx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
	defer cancel()
	err := srv.Shutdown(drainCtx)
	r.close()
	return err
}

func (r *Runtime) close() {
	if err := r.toolset.Close(); err != nil {
		r.logger.Debug("Closing toolset", "error", err)
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.shutdownTracing(flushCtx); err != nil {
		r.logger.Debug("Flushing traces", "error", err)
	}
}

package agent

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/backend"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/session"
)

// Default runtime limits.
const (
	DefaultQueryTimeout   = 30 * time.Second
	DefaultMaxInFlight    = 16
	DefaultDrainTimeout   = 5 * time.Second
	DefaultAgentPort      = 9000
	defaultRuntimeVersion = "1.0.0"
)

// Config is the agent process configuration, resolved from the environment
// the orchestrator composed for it.
type Config struct {
	Name      string
	ID        string
	JobID     string
	Port      int
	ClassType string

	AuthRequired bool
	APIKey       string

	QueryTimeout time.Duration
	MaxInFlight  int
	DrainTimeout time.Duration

	TraceDir string

	Backend backend.Settings
	Session session.Options
}

// ConfigFromEnv reads the AGENT_* environment contract.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Name:         os.Getenv("AGENT_NAME"),
		ID:           os.Getenv("AGENT_ID"),
		JobID:        os.Getenv("AGENT_JOB_ID"),
		Port:         DefaultAgentPort,
		ClassType:    os.Getenv("AGENT_TYPE"),
		AuthRequired: envBool("AGENT_AUTH_REQUIRED"),
		APIKey:       os.Getenv("AGENT_API_KEY"),
		QueryTimeout: DefaultQueryTimeout,
		MaxInFlight:  DefaultMaxInFlight,
		DrainTimeout: DefaultDrainTimeout,
		TraceDir:     os.Getenv("AGENT_TRACE_DIR"),
		Backend:      backend.SettingsFromEnv(),
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.ClassType == "" {
		cfg.ClassType = "assistant"
	}
	if v := os.Getenv("AGENT_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			return Config{}, fmt.Errorf("invalid AGENT_PORT %q", v)
		}
		cfg.Port = p
	}
	if d, err := time.ParseDuration(os.Getenv("AGENT_HTTP_TIMEOUT")); err == nil && d > 0 {
		cfg.QueryTimeout = d
	}
	if v := os.Getenv("AGENT_MAX_INFLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxInFlight = n
		}
	}
	if cfg.AuthRequired && cfg.APIKey == "" {
		return Config{}, fmt.Errorf("AGENT_AUTH_REQUIRED is set but AGENT_API_KEY is empty")
	}

	cfg.Session = session.Options{JobID: cfg.JobID, AgentID: cfg.ID}
	if v := os.Getenv("AGENT_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Session.MaxSessions = n
		}
	}
	if v := os.Getenv("AGENT_MAX_HISTORY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Session.MaxHistory = n
		}
	}
	if d, err := time.ParseDuration(os.Getenv("AGENT_SESSION_TTL")); err == nil && d > 0 {
		cfg.Session.TTL = d
	}
	return cfg, nil
}

func envBool(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	}
	return false
}

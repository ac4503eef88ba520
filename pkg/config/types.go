package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// JobDefinition is the validated, immutable description of a multi-agent job.
// It is produced by Load and never mutated afterwards.
type JobDefinition struct {
	Job         JobMeta           `yaml:"job"`
	Agents      []AgentConfig     `yaml:"agents"`
	Topology    Topology          `yaml:"topology"`
	Deployment  DeploymentOptions `yaml:"deployment"`
	Execution   *ExecutionConfig  `yaml:"execution,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
}

// JobMeta identifies a job.
type JobMeta struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
}

// ExecutionConfig holds optional execution hints.
type ExecutionConfig struct {
	// EntryPoint names the agent that receives client queries by default.
	EntryPoint string `yaml:"entry_point,omitempty"`
}

// TargetType discriminates deployment targets.
type TargetType string

// Supported target types. Container and Kubernetes parse but are rejected by
// validation; only Localhost and Remote are deployable.
const (
	TargetLocalhost  TargetType = "localhost"
	TargetRemote     TargetType = "remote"
	TargetContainer  TargetType = "container"
	TargetKubernetes TargetType = "kubernetes"
)

// Target describes where an agent process runs.
type Target struct {
	Type     TargetType `yaml:"type,omitempty"`
	Host     string     `yaml:"host,omitempty"`
	User     string     `yaml:"user,omitempty"`
	SSHKey   string     `yaml:"ssh_key,omitempty"`
	Password string     `yaml:"password,omitempty"`
	Port     int        `yaml:"port,omitempty"`
	Python   string     `yaml:"python,omitempty"`
	Workdir  string     `yaml:"workdir,omitempty"`
}

// IsLocal reports whether the target runs on the orchestrator host.
func (t Target) IsLocal() bool {
	return t.Type == "" || t.Type == TargetLocalhost
}

// Resources holds advisory resource hints. They are recorded but not enforced.
type Resources struct {
	CPU    string `yaml:"cpu,omitempty"`
	Memory string `yaml:"memory,omitempty"`
}

// AgentSettings is the per-agent config block: a required port plus arbitrary
// agent-specific keys preserved for the agent class.
type AgentSettings struct {
	Port  int
	Extra map[string]any
}

// UnmarshalYAML pulls the required port out of the free-form config map.
func (s *AgentSettings) UnmarshalYAML(value *yaml.Node) error {
	raw := make(map[string]any)
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if p, ok := raw["port"]; ok {
		port, ok := p.(int)
		if !ok {
			return fmt.Errorf("config.port must be an integer, got %T", p)
		}
		s.Port = port
		delete(raw, "port")
	}
	s.Extra = raw
	return nil
}

// MarshalYAML re-merges port into the free-form map so Load(Dump(def)) == def.
func (s AgentSettings) MarshalYAML() (any, error) {
	out := make(map[string]any, len(s.Extra)+1)
	for k, v := range s.Extra {
		out[k] = v
	}
	out["port"] = s.Port
	return out, nil
}

// AgentConfig describes a single agent in a job.
type AgentConfig struct {
	ID          string            `yaml:"id"`
	Type        string            `yaml:"type"`
	Module      string            `yaml:"module,omitempty"`
	Config      AgentSettings     `yaml:"config"`
	Target      Target            `yaml:"target,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Resources   *Resources        `yaml:"resources,omitempty"`
}

// Host returns the host the agent runs on, for port-conflict checks and URL
// resolution. Localhost agents share the loopback host.
func (a AgentConfig) Host() string {
	if a.Target.IsLocal() {
		return "127.0.0.1"
	}
	return a.Target.Host
}

// DeploymentStrategy selects how stages are executed.
type DeploymentStrategy string

// Deployment strategies.
const (
	StrategySequential DeploymentStrategy = "sequential"
	StrategyParallel   DeploymentStrategy = "parallel"
	StrategyStaged     DeploymentStrategy = "staged"
)

// IsValid reports whether the strategy is one of the known values.
func (s DeploymentStrategy) IsValid() bool {
	switch s {
	case StrategySequential, StrategyParallel, StrategyStaged:
		return true
	}
	return false
}

// Duration wraps time.Duration with YAML support for "30s"-style strings.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML emits the canonical duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// HealthCheckOptions configure the deploy-time health gate and the runtime
// health monitor defaults.
type HealthCheckOptions struct {
	Interval Duration `yaml:"interval,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
	Retries  int      `yaml:"retries,omitempty"`
}

// RestartPolicy configures automatic restarts of unreachable agents.
type RestartPolicy struct {
	Enabled     bool `yaml:"enabled"`
	MaxRestarts int  `yaml:"max_restarts,omitempty"`
}

// SSHOptions hold job-level SSH defaults, overridable per target.
type SSHOptions struct {
	User   string `yaml:"user,omitempty"`
	KeyPath string `yaml:"key_path,omitempty"`
	// InsecureSkipHostKey disables known-hosts verification. Rejecting
	// unknown hosts is the hard default; weakening it requires this flag.
	InsecureSkipHostKey bool `yaml:"insecure_skip_host_key,omitempty"`
	// RemoteBinary is the agent binary to invoke on remote hosts.
	RemoteBinary string `yaml:"remote_binary,omitempty"`
}

// NetworkOptions hold connectivity settings propagated to agents.
type NetworkOptions struct {
	// AllowedHosts are merged with the hosts derived from the plan and
	// propagated as AGENT_ALLOWED_HOSTS.
	AllowedHosts []string `yaml:"allowed_hosts,omitempty"`
	MinPort      int      `yaml:"min_port,omitempty"`
	MaxPort      int      `yaml:"max_port,omitempty"`
}

// DeploymentOptions configure how the job is rolled out.
type DeploymentOptions struct {
	Strategy    DeploymentStrategy `yaml:"strategy,omitempty"`
	Timeout     Duration           `yaml:"timeout,omitempty"`
	HealthCheck HealthCheckOptions `yaml:"health_check,omitempty"`
	Restart     RestartPolicy      `yaml:"restart,omitempty"`
	SSH         SSHOptions         `yaml:"ssh,omitempty"`
	Network     NetworkOptions     `yaml:"network,omitempty"`
}

// AgentByID returns the agent config with the given id.
func (d *JobDefinition) AgentByID(id string) (AgentConfig, bool) {
	for _, a := range d.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// AgentIDs returns agent ids in declaration order.
func (d *JobDefinition) AgentIDs() []string {
	ids := make([]string, len(d.Agents))
	for i, a := range d.Agents {
		ids[i] = a.ID
	}
	return ids
}

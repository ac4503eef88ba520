package config

import (
	"fmt"
	"os"
)

// validator collects every problem in a definition before returning.
// Unlike fail-fast validation, operators see the complete list at once.
type validator struct {
	def    *JobDefinition
	issues []Issue
}

func newValidator(def *JobDefinition) *validator {
	return &validator{def: def}
}

func (v *validator) errorf(kind IssueKind, path, format string, args ...any) {
	v.issues = append(v.issues, Issue{
		Severity: SeverityError,
		Kind:     kind,
		Path:     path,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (v *validator) warnf(kind IssueKind, path, format string, args ...any) {
	v.issues = append(v.issues, Issue{
		Severity: SeverityWarning,
		Kind:     kind,
		Path:     path,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (v *validator) validateAll() []Issue {
	v.validateSchema()
	v.validateAgentIDs()
	v.validatePortLayout()
	v.validateTopology()
	v.validateTargets()
	v.validateExecution()
	return v.issues
}

// validateSchema checks required fields and basic types (rule 1).
func (v *validator) validateSchema() {
	if v.def.Job.Name == "" {
		v.errorf(KindSchema, "job.name", "job name is required")
	}
	if len(v.def.Agents) == 0 {
		v.errorf(KindSchema, "agents", "no agents defined")
	}
	for i, a := range v.def.Agents {
		path := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" {
			v.errorf(KindSchema, path+".id", "agent id is required")
		}
		if a.Type == "" {
			v.errorf(KindSchema, path+".type", "agent type is required")
		}
		if a.Config.Port == 0 {
			v.errorf(KindSchema, path+".config.port", "agent port is required")
		}
	}
	if !v.def.Topology.Type.IsValid() {
		v.errorf(KindSchema, "topology.type", "invalid topology type: %q", string(v.def.Topology.Type))
	}
	if v.def.Deployment.Strategy != "" && !v.def.Deployment.Strategy.IsValid() {
		v.errorf(KindSchema, "deployment.strategy", "invalid strategy: %q", string(v.def.Deployment.Strategy))
	}
}

// validateAgentIDs checks uniqueness (rule 2).
func (v *validator) validateAgentIDs() {
	seen := make(map[string]bool, len(v.def.Agents))
	for i, a := range v.def.Agents {
		if a.ID == "" {
			continue
		}
		if seen[a.ID] {
			v.errorf(KindDuplicateID, fmt.Sprintf("agents[%d].id", i), "duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
	}
}

// validatePortLayout checks per-host port uniqueness and the allowed port
// range (rules 3 and 8).
func (v *validator) validatePortLayout() {
	minPort := v.def.Deployment.Network.MinPort
	maxPort := v.def.Deployment.Network.MaxPort
	if minPort == 0 {
		minPort = DefaultMinPort
	}
	if maxPort == 0 {
		maxPort = DefaultMaxPort
	}

	type hostPort struct {
		host string
		port int
	}
	claimed := make(map[hostPort]string)
	for i, a := range v.def.Agents {
		if a.Config.Port == 0 {
			continue // already reported by schema rule
		}
		path := fmt.Sprintf("agents[%d].config.port", i)
		if a.Config.Port < minPort || a.Config.Port > maxPort {
			v.errorf(KindPortRange, path,
				"port %d outside allowed range %d..%d", a.Config.Port, minPort, maxPort)
		}
		key := hostPort{host: a.Host(), port: a.Config.Port}
		if other, ok := claimed[key]; ok {
			v.errorf(KindPortConflict, path,
				"agents %q and %q both use port %d on host %s", other, a.ID, a.Config.Port, key.host)
			continue
		}
		claimed[key] = a.ID
	}
}

// validateTopology checks references, DAG acyclicity, and hierarchy shape
// (rules 4, 5, 6).
func (v *validator) validateTopology() {
	known := make(map[string]bool, len(v.def.Agents))
	for _, a := range v.def.Agents {
		known[a.ID] = true
	}
	for _, id := range v.def.Topology.ReferencedIDs() {
		if !known[id] {
			v.errorf(KindTopologyReference, "topology",
				"topology references unknown agent %q", id)
		}
	}

	switch v.def.Topology.Type {
	case TopologyHubSpoke:
		if v.def.Topology.Hub == "" {
			v.errorf(KindSchema, "topology.hub", "hub is required for hub_spoke topology")
		}
	case TopologyPipeline:
		if len(v.def.Topology.Stages) == 0 {
			v.errorf(KindSchema, "topology.stages", "at least one stage required for pipeline topology")
		}
	case TopologyDag:
		v.validateDagAcyclic()
	case TopologyMesh:
		if len(v.def.Topology.Members) == 0 {
			v.errorf(KindSchema, "topology.members", "at least one member required for mesh topology")
		}
	case TopologyHierarchical:
		v.validateHierarchy()
	}
}

// validateDagAcyclic runs Kahn's algorithm over the edge set. Any node left
// with a nonzero in-degree sits on a cycle.
func (v *validator) validateDagAcyclic() {
	indegree := make(map[string]int)
	adjacent := make(map[string][]string)
	for _, e := range v.def.Topology.Edges {
		if _, ok := indegree[e.From]; !ok {
			indegree[e.From] = 0
		}
		for _, to := range e.To {
			adjacent[e.From] = append(adjacent[e.From], to)
			indegree[to]++
		}
	}

	queue := make([]string, 0, len(indegree))
	for node, deg := range indegree {
		if deg == 0 {
			queue = append(queue, node)
		}
	}
	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacent[node] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited < len(indegree) {
		var cyclic []string
		for node, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, node)
			}
		}
		v.errorf(KindCycle, "topology.edges", "edge set contains a cycle involving %d agents", len(cyclic))
	}
}

// validateHierarchy checks each non-root id appears in exactly one level and
// the root appears in none.
func (v *validator) validateHierarchy() {
	t := v.def.Topology
	if t.Root == "" {
		v.errorf(KindSchema, "topology.root", "root is required for hierarchical topology")
	}
	seen := make(map[string]int)
	for _, level := range t.Levels {
		for _, id := range level {
			seen[id]++
		}
	}
	for id, count := range seen {
		if id == t.Root {
			v.errorf(KindHierarchy, "topology.levels", "root %q must not appear in levels", id)
			continue
		}
		if count > 1 {
			v.errorf(KindHierarchy, "topology.levels", "agent %q appears in %d levels, expected exactly one", id, count)
		}
	}
	for _, a := range v.def.Agents {
		if a.ID == t.Root {
			continue
		}
		if seen[a.ID] == 0 {
			v.errorf(KindHierarchy, "topology.levels", "agent %q does not appear in any level", a.ID)
		}
	}
}

// validateTargets checks SSH reachability requirements and rejects
// unsupported target types (rule 7).
func (v *validator) validateTargets() {
	for i, a := range v.def.Agents {
		path := fmt.Sprintf("agents[%d].target", i)
		switch a.Target.Type {
		case "", TargetLocalhost:
			// nothing to check
		case TargetRemote:
			if a.Target.Host == "" {
				v.errorf(KindSSH, path+".host", "remote target requires a host")
			}
			key := a.Target.SSHKey
			if key == "" {
				key = v.def.Deployment.SSH.KeyPath
			}
			if key != "" {
				if _, err := os.Stat(expandHome(key)); err != nil {
					v.errorf(KindSSH, path+".ssh_key", "ssh key %s not readable: %v", key, err)
				}
			}
			if a.Target.Password != "" {
				v.warnf(KindSSH, path+".password",
					"password auth configured for %q; prefer key-based auth", a.ID)
			}
		case TargetContainer, TargetKubernetes:
			v.errorf(KindUnsupportedTarget, path+".type",
				"target type %q is not supported yet", string(a.Target.Type))
		default:
			v.errorf(KindSchema, path+".type", "unknown target type %q", string(a.Target.Type))
		}
	}
}

// validateExecution checks the entry point reference.
func (v *validator) validateExecution() {
	if v.def.Execution == nil || v.def.Execution.EntryPoint == "" {
		return
	}
	if _, ok := v.def.AgentByID(v.def.Execution.EntryPoint); !ok {
		v.errorf(KindTopologyReference, "execution.entry_point",
			"entry point %q is not a defined agent", v.def.Execution.EntryPoint)
	}
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}

package topology

import (
	"fmt"
	"net/url"
	"sort"

	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/config"
)

// Resolve translates a validated job definition into a deployment plan.
// The general ordering rule: if agent A must connect to agent B at startup,
// B deploys in an earlier stage than A.
func Resolve(def *config.JobDefinition) (*Plan, error) {
	r := &resolver{def: def, urls: make(map[string]string, len(def.Agents))}
	for _, a := range def.Agents {
		r.urls[a.ID] = fmt.Sprintf("http://%s:%d", a.Host(), a.Config.Port)
	}

	var err error
	switch def.Topology.Type {
	case config.TopologyHubSpoke:
		err = r.resolveHubSpoke()
	case config.TopologyPipeline:
		err = r.resolvePipeline()
	case config.TopologyDag:
		err = r.resolveDag()
	case config.TopologyMesh:
		err = r.resolveMesh()
	case config.TopologyHierarchical:
		err = r.resolveHierarchical()
	default:
		err = fmt.Errorf("unknown topology type %q", string(def.Topology.Type))
	}
	if err != nil {
		return nil, &PlanError{Topology: def.Topology.Type, Err: err}
	}

	r.includeUnreferencedAgents()
	if len(r.stages) == 0 {
		return nil, &PlanError{Topology: def.Topology.Type, Err: ErrEmptyPlan}
	}
	return r.finish(), nil
}

type resolver struct {
	def         *config.JobDefinition
	urls        map[string]string
	stages      [][]string
	connections map[string][]string
}

func (r *resolver) addStage(ids ...string) {
	stage := append([]string(nil), ids...)
	sort.Strings(stage)
	r.stages = append(r.stages, stage)
}

func (r *resolver) connect(from string, to ...string) {
	if r.connections == nil {
		r.connections = make(map[string][]string)
	}
	for _, id := range to {
		r.connections[from] = append(r.connections[from], r.urls[id])
	}
}

// resolveHubSpoke deploys spokes first, then the hub connecting to all of
// them. With zero spokes the plan is a single hub stage with no connections.
func (r *resolver) resolveHubSpoke() error {
	t := r.def.Topology
	if len(t.Spokes) > 0 {
		r.addStage(t.Spokes...)
	}
	r.addStage(t.Hub)
	r.connect(t.Hub, t.Spokes...)
	return nil
}

// resolvePipeline deploys tiers in listed order; every agent in tier k
// connects to every agent in tier k+1.
func (r *resolver) resolvePipeline() error {
	t := r.def.Topology
	for _, stage := range t.Stages {
		r.addStage(stage...)
	}
	for k := 0; k+1 < len(t.Stages); k++ {
		for _, from := range t.Stages[k] {
			r.connect(from, t.Stages[k+1]...)
		}
	}
	return nil
}

// resolveDag deploys leaves (no outbound edges) first. The stage index of a
// node is the length of its longest outbound path, so every edge targets an
// agent in a strictly earlier stage.
func (r *resolver) resolveDag() error {
	t := r.def.Topology
	adjacent := make(map[string][]string)
	nodes := make(map[string]bool)
	for _, e := range t.Edges {
		nodes[e.From] = true
		for _, to := range e.To {
			nodes[to] = true
			adjacent[e.From] = append(adjacent[e.From], to)
		}
	}

	const unvisited, visiting = -1, -2
	depth := make(map[string]int, len(nodes))
	for n := range nodes {
		depth[n] = unvisited
	}
	var walk func(n string) (int, error)
	walk = func(n string) (int, error) {
		switch depth[n] {
		case visiting:
			return 0, fmt.Errorf("cycle detected at %q", n)
		case unvisited:
		default:
			return depth[n], nil
		}
		depth[n] = visiting
		d := 0
		for _, next := range adjacent[n] {
			nd, err := walk(next)
			if err != nil {
				return 0, err
			}
			if nd+1 > d {
				d = nd + 1
			}
		}
		depth[n] = d
		return d, nil
	}

	maxDepth := 0
	for n := range nodes {
		d, err := walk(n)
		if err != nil {
			return err
		}
		if d > maxDepth {
			maxDepth = d
		}
	}

	generations := make([][]string, maxDepth+1)
	for n, d := range depth {
		generations[d] = append(generations[d], n)
	}
	for _, gen := range generations {
		r.addStage(gen...)
	}
	for _, e := range t.Edges {
		r.connect(e.From, e.To...)
	}
	return nil
}

// resolveMesh deploys all members in a single stage; each connects to every
// other member.
func (r *resolver) resolveMesh() error {
	t := r.def.Topology
	r.addStage(t.Members...)
	for _, from := range t.Members {
		for _, to := range t.Members {
			if to != from {
				r.connect(from, to)
			}
		}
	}
	return nil
}

// resolveHierarchical deploys bottom-up: deepest level first, root last.
// Each parent level connects to its children one level down.
func (r *resolver) resolveHierarchical() error {
	t := r.def.Topology
	for i := len(t.Levels) - 1; i >= 0; i-- {
		r.addStage(t.Levels[i]...)
	}
	r.addStage(t.Root)

	if len(t.Levels) > 0 {
		r.connect(t.Root, t.Levels[0]...)
	}
	for i := 0; i+1 < len(t.Levels); i++ {
		for _, parent := range t.Levels[i] {
			r.connect(parent, t.Levels[i+1]...)
		}
	}
	return nil
}

// includeUnreferencedAgents folds agents the topology never mentions into
// the earliest stage so every defined agent is deployed.
func (r *resolver) includeUnreferencedAgents() {
	placed := make(map[string]bool)
	for _, stage := range r.stages {
		for _, id := range stage {
			placed[id] = true
		}
	}
	var missing []string
	for _, a := range r.def.Agents {
		if !placed[a.ID] {
			missing = append(missing, a.ID)
		}
	}
	if len(missing) == 0 {
		return
	}
	if len(r.stages) == 0 {
		r.addStage(missing...)
		return
	}
	merged := append(append([]string(nil), r.stages[0]...), missing...)
	sort.Strings(merged)
	r.stages[0] = merged
}

// finish normalizes connection sets and computes the allowed-host union.
func (r *resolver) finish() *Plan {
	connections := make(map[string][]string, len(r.urls))
	for id := range r.urls {
		urls := append([]string(nil), r.connections[id]...)
		sort.Strings(urls)
		connections[id] = dedupeSorted(urls)
	}

	hostSet := make(map[string]bool)
	for _, raw := range r.urls {
		if u, err := url.Parse(raw); err == nil {
			hostSet[u.Hostname()] = true
		}
	}
	hosts := make([]string, 0, len(hostSet))
	for h := range hostSet {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	return &Plan{
		Stages:       r.stages,
		URLs:         r.urls,
		Connections:  connections,
		AllowedHosts: hosts,
	}
}

func dedupeSorted(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

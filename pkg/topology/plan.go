// Package topology turns a job's topology specification into an ordered
// deployment plan: which agents launch in which stage, what URL each agent is
// reachable at, and which peers each agent is expected to talk to.
package topology

import (
	"errors"
	"fmt"

	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/config"
)

var (
	// ErrEmptyPlan indicates the topology produced no deployable stages.
	ErrEmptyPlan = errors.New("topology produced an empty plan")
)

// PlanError wraps topology resolution failures.
type PlanError struct {
	Topology config.TopologyType
	Err      error
}

// Error returns the formatted message.
func (e *PlanError) Error() string {
	return fmt.Sprintf("cannot plan %s topology: %v", e.Topology, e.Err)
}

// Unwrap returns the underlying error.
func (e *PlanError) Unwrap() error { return e.Err }

// Plan is the resolved deployment plan. It is pure data: resolving the same
// definition always yields a byte-identical plan.
type Plan struct {
	// Stages is the ordered launch sequence. All agents within one stage may
	// launch concurrently; stage k+1 begins only after stage k is healthy.
	Stages [][]string `json:"stages"`

	// URLs maps agent id to its base URL.
	URLs map[string]string `json:"urls"`

	// Connections maps agent id to the sorted set of base URLs it is
	// permitted and expected to talk to.
	Connections map[string][]string `json:"connections"`

	// AllowedHosts is the sorted union of hosts appearing in URLs, used to
	// seed each agent's outbound allow-list.
	AllowedHosts []string `json:"allowed_hosts"`
}

// StageOf returns the index of the stage containing the agent, or -1.
func (p *Plan) StageOf(id string) int {
	for i, stage := range p.Stages {
		for _, a := range stage {
			if a == id {
				return i
			}
		}
	}
	return -1
}

// AgentCount returns the number of agents across all stages.
func (p *Plan) AgentCount() int {
	n := 0
	for _, stage := range p.Stages {
		n += len(stage)
	}
	return n
}

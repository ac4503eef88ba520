package topology

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/config"
)

func defWith(topo config.Topology, ids ...string) *config.JobDefinition {
	def := &config.JobDefinition{
		Job:      config.JobMeta{Name: "test"},
		Topology: topo,
	}
	for i, id := range ids {
		def.Agents = append(def.Agents, config.AgentConfig{
			ID:     id,
			Type:   "assistant",
			Config: config.AgentSettings{Port: 9000 + i},
		})
	}
	return def
}

func TestResolve_HubSpoke(t *testing.T) {
	def := defWith(config.Topology{
		Type:   config.TopologyHubSpoke,
		Hub:    "controller",
		Spokes: []string{"weather", "news"},
	}, "controller", "weather", "news")

	plan, err := Resolve(def)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"news", "weather"}, {"controller"}}, plan.Stages)
	assert.Equal(t, []string{
		"http://127.0.0.1:9002",
		"http://127.0.0.1:9001",
	}, []string{plan.URLs["news"], plan.URLs["weather"]})
	assert.ElementsMatch(t, []string{plan.URLs["weather"], plan.URLs["news"]}, plan.Connections["controller"])
	assert.Empty(t, plan.Connections["weather"])
	assert.Empty(t, plan.Connections["news"])
}

func TestResolve_HubSpokeZeroSpokes(t *testing.T) {
	def := defWith(config.Topology{
		Type: config.TopologyHubSpoke,
		Hub:  "hub",
	}, "hub")

	plan, err := Resolve(def)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"hub"}}, plan.Stages)
	assert.Empty(t, plan.Connections["hub"])
}

func TestResolve_PipelineListedOrder(t *testing.T) {
	def := defWith(config.Topology{
		Type:   config.TopologyPipeline,
		Stages: []config.PipelineStage{{"a"}, {"b"}, {"c"}, {"d"}},
	}, "a", "b", "c", "d")

	plan, err := Resolve(def)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a"}, {"b"}, {"c"}, {"d"}}, plan.Stages)
	assert.Equal(t, []string{"http://127.0.0.1:9001"}, plan.Connections["a"])
	assert.Equal(t, []string{"http://127.0.0.1:9002"}, plan.Connections["b"])
	assert.Equal(t, []string{"http://127.0.0.1:9003"}, plan.Connections["c"])
	assert.Empty(t, plan.Connections["d"])
}

func TestResolve_PipelineParallelTier(t *testing.T) {
	def := defWith(config.Topology{
		Type:   config.TopologyPipeline,
		Stages: []config.PipelineStage{{"src"}, {"p1", "p2"}, {"sink"}},
	}, "src", "p1", "p2", "sink")

	plan, err := Resolve(def)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"src"}, {"p1", "p2"}, {"sink"}}, plan.Stages)
	assert.ElementsMatch(t, []string{plan.URLs["p1"], plan.URLs["p2"]}, plan.Connections["src"])
	assert.Equal(t, []string{plan.URLs["sink"]}, plan.Connections["p1"])
	assert.Equal(t, []string{plan.URLs["sink"]}, plan.Connections["p2"])
}

func TestResolve_DagParallelTier(t *testing.T) {
	def := defWith(config.Topology{
		Type: config.TopologyDag,
		Edges: []config.DagEdge{
			{From: "src", To: config.EdgeTargets{"p1", "p2"}},
			{From: "p1", To: config.EdgeTargets{"sink"}},
			{From: "p2", To: config.EdgeTargets{"sink"}},
		},
	}, "src", "p1", "p2", "sink")

	plan, err := Resolve(def)
	require.NoError(t, err)

	// Leaves deploy first; src deploys last once both paths are up.
	assert.Equal(t, [][]string{{"sink"}, {"p1", "p2"}, {"src"}}, plan.Stages)
	assert.ElementsMatch(t, []string{plan.URLs["p1"], plan.URLs["p2"]}, plan.Connections["src"])
	assert.Equal(t, []string{plan.URLs["sink"]}, plan.Connections["p1"])
	assert.Equal(t, []string{plan.URLs["sink"]}, plan.Connections["p2"])
	assert.Empty(t, plan.Connections["sink"])
}

func TestResolve_DagCycle(t *testing.T) {
	def := defWith(config.Topology{
		Type: config.TopologyDag,
		Edges: []config.DagEdge{
			{From: "a", To: config.EdgeTargets{"b"}},
			{From: "b", To: config.EdgeTargets{"c"}},
			{From: "c", To: config.EdgeTargets{"a"}},
		},
	}, "a", "b", "c")

	_, err := Resolve(def)
	require.Error(t, err)
	var planErr *PlanError
	require.ErrorAs(t, err, &planErr)
	assert.Equal(t, config.TopologyDag, planErr.Topology)
	assert.Contains(t, err.Error(), "cycle")
}

func TestResolve_MeshSingleMember(t *testing.T) {
	def := defWith(config.Topology{
		Type:    config.TopologyMesh,
		Members: []string{"solo"},
	}, "solo")

	plan, err := Resolve(def)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"solo"}}, plan.Stages)
	assert.Empty(t, plan.Connections["solo"])
}

func TestResolve_MeshAllToAll(t *testing.T) {
	def := defWith(config.Topology{
		Type:    config.TopologyMesh,
		Members: []string{"a", "b", "c"},
	}, "a", "b", "c")

	plan, err := Resolve(def)
	require.NoError(t, err)
	require.Len(t, plan.Stages, 1)
	for _, id := range []string{"a", "b", "c"} {
		assert.Len(t, plan.Connections[id], 2)
		assert.NotContains(t, plan.Connections[id], plan.URLs[id])
	}
}

func TestResolve_HierarchicalBottomUp(t *testing.T) {
	def := defWith(config.Topology{
		Type:   config.TopologyHierarchical,
		Root:   "root",
		Levels: [][]string{{"mid1", "mid2"}, {"leaf1", "leaf2"}},
	}, "root", "mid1", "mid2", "leaf1", "leaf2")

	plan, err := Resolve(def)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"leaf1", "leaf2"}, {"mid1", "mid2"}, {"root"}}, plan.Stages)
	assert.ElementsMatch(t, []string{plan.URLs["mid1"], plan.URLs["mid2"]}, plan.Connections["root"])
	assert.ElementsMatch(t, []string{plan.URLs["leaf1"], plan.URLs["leaf2"]}, plan.Connections["mid1"])
	assert.ElementsMatch(t, []string{plan.URLs["leaf1"], plan.URLs["leaf2"]}, plan.Connections["mid2"])
	assert.Empty(t, plan.Connections["leaf1"])
}

func TestResolve_UnreferencedAgentsFoldIntoFirstStage(t *testing.T) {
	def := defWith(config.Topology{
		Type:   config.TopologyHubSpoke,
		Hub:    "hub",
		Spokes: []string{"spoke"},
	}, "hub", "spoke", "stray")

	plan, err := Resolve(def)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"spoke", "stray"}, {"hub"}}, plan.Stages)
	assert.Empty(t, plan.Connections["stray"])
}

func TestResolve_RemoteURLs(t *testing.T) {
	def := defWith(config.Topology{
		Type:    config.TopologyMesh,
		Members: []string{"local", "far"},
	}, "local", "far")
	def.Agents[1].Target = config.Target{Type: config.TargetRemote, Host: "node-7"}

	plan, err := Resolve(def)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9000", plan.URLs["local"])
	assert.Equal(t, "http://node-7:9001", plan.URLs["far"])
	assert.Equal(t, []string{"127.0.0.1", "node-7"}, plan.AllowedHosts)
}

func TestResolve_Deterministic(t *testing.T) {
	def := defWith(config.Topology{
		Type: config.TopologyDag,
		Edges: []config.DagEdge{
			{From: "src", To: config.EdgeTargets{"p2", "p1"}},
			{From: "p2", To: config.EdgeTargets{"sink"}},
			{From: "p1", To: config.EdgeTargets{"sink"}},
		},
	}, "sink", "p2", "src", "p1")

	first, err := Resolve(def)
	require.NoError(t, err)
	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		again, err := Resolve(def)
		require.NoError(t, err)
		againJSON, err := json.Marshal(again)
		require.NoError(t, err)
		assert.Equal(t, string(firstJSON), string(againJSON))
	}
}

func TestPlan_Helpers(t *testing.T) {
	plan := &Plan{Stages: [][]string{{"a", "b"}, {"c"}}}
	assert.Equal(t, 0, plan.StageOf("b"))
	assert.Equal(t, 1, plan.StageOf("c"))
	assert.Equal(t, -1, plan.StageOf("x"))
	assert.Equal(t, 3, plan.AgentCount())
}

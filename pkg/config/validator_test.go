package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDef() *JobDefinition {
	return &JobDefinition{
		Job: JobMeta{Name: "test"},
		Agents: []AgentConfig{
			{ID: "a", Type: "assistant", Config: AgentSettings{Port: 9000}},
			{ID: "b", Type: "assistant", Config: AgentSettings{Port: 9001}},
		},
		Topology: Topology{Type: TopologyMesh, Members: []string{"a", "b"}},
	}
}

func kinds(issues []Issue) []IssueKind {
	out := make([]IssueKind, len(issues))
	for i, issue := range issues {
		out[i] = issue.Kind
	}
	return out
}

func TestValidate_CleanDefinition(t *testing.T) {
	assert.Empty(t, Validate(validDef()))
}

func TestValidate_Schema(t *testing.T) {
	def := &JobDefinition{Topology: Topology{Type: "ring"}}
	issues := Validate(def)

	assert.Contains(t, kinds(issues), KindSchema)
	var messages []string
	for _, issue := range issues {
		messages = append(messages, issue.Message)
	}
	assert.Contains(t, messages, "job name is required")
	assert.Contains(t, messages, "no agents defined")
}

func TestValidate_MissingAgentFields(t *testing.T) {
	def := validDef()
	def.Agents = append(def.Agents, AgentConfig{})
	issues := Validate(def)

	paths := make(map[string]bool)
	for _, issue := range issues {
		paths[issue.Path] = true
	}
	assert.True(t, paths["agents[2].id"])
	assert.True(t, paths["agents[2].type"])
	assert.True(t, paths["agents[2].config.port"])
}

func TestValidate_DuplicateIDs(t *testing.T) {
	def := validDef()
	def.Agents[1].ID = "a"
	def.Topology.Members = []string{"a"}
	issues := Validate(def)
	assert.Contains(t, kinds(issues), KindDuplicateID)
}

func TestValidate_PortConflictSameHost(t *testing.T) {
	def := validDef()
	def.Agents[1].Config.Port = 9000
	issues := Validate(def)
	assert.Contains(t, kinds(issues), KindPortConflict)
}

func TestValidate_SamePortDifferentRemoteHosts(t *testing.T) {
	def := validDef()
	def.Agents[0].Target = Target{Type: TargetRemote, Host: "node-1"}
	def.Agents[1].Target = Target{Type: TargetRemote, Host: "node-2"}
	def.Agents[1].Config.Port = def.Agents[0].Config.Port
	issues := Validate(def)
	assert.NotContains(t, kinds(issues), KindPortConflict)
}

func TestValidate_PortRange(t *testing.T) {
	def := validDef()
	def.Agents[0].Config.Port = 80
	issues := Validate(def)
	assert.Contains(t, kinds(issues), KindPortRange)

	// A widened range admits the same port.
	def.Deployment.Network.MinPort = 1
	def.Deployment.Network.MaxPort = 65535
	assert.Empty(t, Validate(def))
}

func TestValidate_UnknownTopologyReference(t *testing.T) {
	def := validDef()
	def.Topology.Members = []string{"a", "b", "ghost"}
	issues := Validate(def)
	require.Contains(t, kinds(issues), KindTopologyReference)
	assert.Contains(t, issues[0].Message, "ghost")
}

func TestValidate_DagCycle(t *testing.T) {
	def := validDef()
	def.Agents = append(def.Agents, AgentConfig{ID: "c", Type: "assistant", Config: AgentSettings{Port: 9002}})
	def.Topology = Topology{
		Type: TopologyDag,
		Edges: []DagEdge{
			{From: "a", To: EdgeTargets{"b"}},
			{From: "b", To: EdgeTargets{"c"}},
			{From: "c", To: EdgeTargets{"a"}},
		},
	}
	issues := Validate(def)
	assert.Contains(t, kinds(issues), KindCycle)
}

func TestValidate_DagAcyclicDiamond(t *testing.T) {
	def := validDef()
	def.Agents = append(def.Agents,
		AgentConfig{ID: "c", Type: "assistant", Config: AgentSettings{Port: 9002}},
		AgentConfig{ID: "d", Type: "assistant", Config: AgentSettings{Port: 9003}},
	)
	def.Topology = Topology{
		Type: TopologyDag,
		Edges: []DagEdge{
			{From: "a", To: EdgeTargets{"b", "c"}},
			{From: "b", To: EdgeTargets{"d"}},
			{From: "c", To: EdgeTargets{"d"}},
		},
	}
	assert.Empty(t, Validate(def))
}

func TestValidate_Hierarchy(t *testing.T) {
	def := validDef()
	def.Agents = append(def.Agents, AgentConfig{ID: "c", Type: "assistant", Config: AgentSettings{Port: 9002}})

	t.Run("valid", func(t *testing.T) {
		def.Topology = Topology{Type: TopologyHierarchical, Root: "a", Levels: [][]string{{"b", "c"}}}
		assert.Empty(t, Validate(def))
	})

	t.Run("agent in two levels", func(t *testing.T) {
		def.Topology = Topology{Type: TopologyHierarchical, Root: "a", Levels: [][]string{{"b"}, {"b", "c"}}}
		assert.Contains(t, kinds(Validate(def)), KindHierarchy)
	})

	t.Run("root listed in levels", func(t *testing.T) {
		def.Topology = Topology{Type: TopologyHierarchical, Root: "a", Levels: [][]string{{"a", "b", "c"}}}
		assert.Contains(t, kinds(Validate(def)), KindHierarchy)
	})

	t.Run("agent missing from levels", func(t *testing.T) {
		def.Topology = Topology{Type: TopologyHierarchical, Root: "a", Levels: [][]string{{"b"}}}
		assert.Contains(t, kinds(Validate(def)), KindHierarchy)
	})
}

func TestValidate_RemoteTargets(t *testing.T) {
	t.Run("missing host", func(t *testing.T) {
		def := validDef()
		def.Agents[0].Target = Target{Type: TargetRemote}
		assert.Contains(t, kinds(Validate(def)), KindSSH)
	})

	t.Run("unreadable key", func(t *testing.T) {
		def := validDef()
		def.Agents[0].Target = Target{Type: TargetRemote, Host: "node-1", SSHKey: "/definitely/missing/id_ed25519"}
		assert.Contains(t, kinds(Validate(def)), KindSSH)
	})

	t.Run("password warns but does not fail", func(t *testing.T) {
		def := validDef()
		def.Agents[0].Target = Target{Type: TargetRemote, Host: "node-1", Password: "hunter2"}
		issues := Validate(def)
		require.Len(t, issues, 1)
		assert.Equal(t, SeverityWarning, issues[0].Severity)
		assert.Equal(t, KindSSH, issues[0].Kind)
	})

	t.Run("container rejected", func(t *testing.T) {
		def := validDef()
		def.Agents[0].Target = Target{Type: TargetContainer}
		assert.Contains(t, kinds(Validate(def)), KindUnsupportedTarget)
	})
}

func TestValidate_EntryPoint(t *testing.T) {
	def := validDef()
	def.Execution = &ExecutionConfig{EntryPoint: "ghost"}
	issues := Validate(def)
	require.Len(t, issues, 1)
	assert.Equal(t, KindTopologyReference, issues[0].Kind)
}

func TestValidate_CollectsAllIssues(t *testing.T) {
	def := &JobDefinition{
		Job: JobMeta{Name: ""},
		Agents: []AgentConfig{
			{ID: "a", Type: "assistant", Config: AgentSettings{Port: 9000}},
			{ID: "a", Type: "assistant", Config: AgentSettings{Port: 9000}},
		},
		Topology: Topology{Type: TopologyMesh, Members: []string{"a", "ghost"}},
	}
	issues := Validate(def)
	ks := kinds(issues)
	assert.Contains(t, ks, KindSchema)
	assert.Contains(t, ks, KindDuplicateID)
	assert.Contains(t, ks, KindPortConflict)
	assert.Contains(t, ks, KindTopologyReference)
}

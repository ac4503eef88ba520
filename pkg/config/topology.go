package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// TopologyType discriminates the five supported topology patterns.
type TopologyType string

// Supported topology types.
const (
	TopologyHubSpoke     TopologyType = "hub_spoke"
	TopologyPipeline     TopologyType = "pipeline"
	TopologyDag          TopologyType = "dag"
	TopologyMesh         TopologyType = "mesh"
	TopologyHierarchical TopologyType = "hierarchical"
)

// IsValid reports whether the topology type is known.
func (t TopologyType) IsValid() bool {
	switch t {
	case TopologyHubSpoke, TopologyPipeline, TopologyDag, TopologyMesh, TopologyHierarchical:
		return true
	}
	return false
}

// Topology is the tagged variant describing how agents connect.
// Only the fields matching Type are meaningful.
type Topology struct {
	Type TopologyType `yaml:"type"`

	// HubSpoke
	Hub    string   `yaml:"hub,omitempty"`
	Spokes []string `yaml:"spokes,omitempty"`

	// Pipeline: each stage is one id or a parallel tier of ids.
	Stages []PipelineStage `yaml:"stages,omitempty"`

	// Dag
	Edges []DagEdge `yaml:"edges,omitempty"`

	// Mesh
	Members []string `yaml:"members,omitempty"`

	// Hierarchical: levels ordered root-adjacent first, deepest last.
	Root   string     `yaml:"root,omitempty"`
	Levels [][]string `yaml:"levels,omitempty"`
}

// PipelineStage is a tier of the pipeline. A scalar YAML entry becomes a
// singleton tier.
type PipelineStage []string

// UnmarshalYAML accepts either a single id or a list of ids.
func (p *PipelineStage) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var id string
		if err := value.Decode(&id); err != nil {
			return err
		}
		*p = PipelineStage{id}
		return nil
	case yaml.SequenceNode:
		var ids []string
		if err := value.Decode(&ids); err != nil {
			return err
		}
		*p = PipelineStage(ids)
		return nil
	default:
		return fmt.Errorf("pipeline stage must be an agent id or a list of ids")
	}
}

// MarshalYAML emits a scalar for singleton tiers to keep dumps round-trippable.
func (p PipelineStage) MarshalYAML() (any, error) {
	if len(p) == 1 {
		return p[0], nil
	}
	return []string(p), nil
}

// DagEdge is one directed edge of a DAG topology. To accepts a single id or a
// list of ids fanning out from From.
type DagEdge struct {
	From string      `yaml:"from"`
	To   EdgeTargets `yaml:"to"`
}

// EdgeTargets is the destination set of a DAG edge.
type EdgeTargets []string

// UnmarshalYAML accepts either a single id or a list of ids.
func (e *EdgeTargets) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var id string
		if err := value.Decode(&id); err != nil {
			return err
		}
		*e = EdgeTargets{id}
		return nil
	case yaml.SequenceNode:
		var ids []string
		if err := value.Decode(&ids); err != nil {
			return err
		}
		*e = EdgeTargets(ids)
		return nil
	default:
		return fmt.Errorf("edge target must be an agent id or a list of ids")
	}
}

// MarshalYAML emits a scalar for single targets.
func (e EdgeTargets) MarshalYAML() (any, error) {
	if len(e) == 1 {
		return e[0], nil
	}
	return []string(e), nil
}

// ReferencedIDs returns every agent id the topology mentions, in encounter
// order with duplicates preserved (validation reports each bad reference).
func (t Topology) ReferencedIDs() []string {
	var ids []string
	switch t.Type {
	case TopologyHubSpoke:
		if t.Hub != "" {
			ids = append(ids, t.Hub)
		}
		ids = append(ids, t.Spokes...)
	case TopologyPipeline:
		for _, stage := range t.Stages {
			ids = append(ids, stage...)
		}
	case TopologyDag:
		for _, e := range t.Edges {
			ids = append(ids, e.From)
			ids = append(ids, e.To...)
		}
	case TopologyMesh:
		ids = append(ids, t.Members...)
	case TopologyHierarchical:
		if t.Root != "" {
			ids = append(ids, t.Root)
		}
		for _, level := range t.Levels {
			ids = append(ids, level...)
		}
	}
	return ids
}

package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// knownTopLevelKeys are the job YAML keys the schema understands. Anything
// else produces a warning-severity issue rather than a hard failure.
var knownTopLevelKeys = map[string]bool{
	"job":         true,
	"agents":      true,
	"topology":    true,
	"deployment":  true,
	"execution":   true,
	"environment": true,
}

// Load reads, expands, parses, and validates a job file.
//
// Steps performed:
//  1. Read the YAML file
//  2. Expand ${VAR} references from the host environment (unresolved → error)
//  3. Parse YAML into the job definition
//  4. Merge built-in deployment defaults (YAML overrides built-in)
//  5. Validate; all issues are collected before returning
//
// Warnings found during validation are logged but do not fail the load.
func Load(path string) (*JobDefinition, error) {
	def, issues, err := load(path)
	if err != nil {
		return nil, err
	}

	for _, issue := range issues {
		if issue.Severity == SeverityWarning {
			slog.Warn("Job definition warning",
				"path", issue.Path, "kind", string(issue.Kind), "message", issue.Message)
		}
	}
	if hasErrors(issues) {
		return nil, NewLoadError(path, &ValidationError{Issues: issues})
	}

	log := slog.With("job", def.Job.Name)
	log.Info("Job definition loaded", "agents", len(def.Agents), "topology", string(def.Topology.Type))
	return def, nil
}

// Validate runs every validation rule against a definition and returns the
// ordered list of issues, fatal and warning alike. It never partially
// succeeds: all rules run even after the first failure.
func Validate(def *JobDefinition) []Issue {
	v := newValidator(def)
	return v.validateAll()
}

// load parses without failing on validation errors so callers (the CLI
// validate command) can show the full issue list.
func load(path string) (*JobDefinition, []Issue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, NewLoadError(path, fmt.Errorf("%w: %s", ErrConfigNotFound, path))
		}
		return nil, nil, NewLoadError(path, err)
	}

	expanded, err := ExpandEnv(data)
	if err != nil {
		return nil, nil, NewLoadError(path, err)
	}

	def, unknownKeys, err := parse(expanded)
	if err != nil {
		return nil, nil, NewLoadError(path, err)
	}

	// Merge built-in deployment defaults under the user-provided values.
	defaults := DefaultDeploymentOptions()
	if err := mergo.Merge(&def.Deployment, defaults); err != nil {
		return nil, nil, NewLoadError(path, fmt.Errorf("merging deployment defaults: %w", err))
	}

	issues := Validate(def)
	for _, key := range unknownKeys {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Kind:     KindUnknownKey,
			Path:     key,
			Message:  fmt.Sprintf("unknown top-level key %q ignored", key),
		})
	}
	return def, issues, nil
}

// LoadWithIssues is Load without the fatal-on-error policy: it returns the
// parsed definition (which may be incomplete) together with every issue.
// Used by the CLI validate and plan commands.
func LoadWithIssues(path string) (*JobDefinition, []Issue, error) {
	return load(path)
}

func parse(data []byte) (*JobDefinition, []string, error) {
	// First pass: detect unknown top-level keys for warning issues.
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	var unknown []string
	for key := range doc {
		if !knownTopLevelKeys[key] {
			unknown = append(unknown, key)
		}
	}

	var def JobDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&def); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &def, unknown, nil
}

// Dump serializes a definition back to YAML such that Load(Dump(def))
// yields an equal definition.
func Dump(def *JobDefinition) ([]byte, error) {
	return yaml.Marshal(def)
}

func hasErrors(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

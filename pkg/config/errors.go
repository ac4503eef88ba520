package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfigNotFound indicates the job file was not found.
	ErrConfigNotFound = errors.New("job file not found")

	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrUnresolvedVariable indicates a ${VAR} reference with no value in the
	// host environment.
	ErrUnresolvedVariable = errors.New("unresolved environment variable")

	// ErrValidationFailed indicates the job definition failed validation.
	ErrValidationFailed = errors.New("job validation failed")
)

// Severity classifies an Issue.
type Severity string

// Issue severities. Warnings never fail a load on their own.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// IssueKind names the validation rule an Issue maps to.
type IssueKind string

// Issue kinds, one per validation rule.
const (
	KindSchema            IssueKind = "schema"
	KindDuplicateID       IssueKind = "duplicate_id"
	KindPortConflict      IssueKind = "port_conflict"
	KindPortRange         IssueKind = "port_range"
	KindTopologyReference IssueKind = "topology_reference"
	KindCycle             IssueKind = "cycle"
	KindHierarchy         IssueKind = "hierarchy"
	KindSSH               IssueKind = "ssh"
	KindUnknownKey        IssueKind = "unknown_key"
	KindUnsupportedTarget IssueKind = "unsupported_target"
)

// Issue is one concrete problem found during validation.
type Issue struct {
	Severity Severity  `json:"severity"`
	Kind     IssueKind `json:"kind"`
	Path     string    `json:"path"`
	Message  string    `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s [%s] %s: %s", i.Severity, i.Kind, i.Path, i.Message)
}

// ValidationError aggregates every issue found in one validation pass.
// It is returned only when at least one error-severity issue exists.
type ValidationError struct {
	Issues []Issue
}

// Error lists every issue, not just the first.
func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v (%d issues):", ErrValidationFailed, len(e.Issues))
	for _, issue := range e.Issues {
		b.WriteString("\n  - ")
		b.WriteString(issue.String())
	}
	return b.String()
}

// Unwrap lets callers match with errors.Is(err, ErrValidationFailed).
func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// LoadError wraps job loading failures with file context.
type LoadError struct {
	File string
	Err  error
}

// Error returns the formatted message.
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error { return e.Err }

// NewLoadError creates a LoadError.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}

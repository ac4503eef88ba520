package orchestrator

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
)

// JobState tracks a job through its lifecycle.
type JobState string

// Job lifecycle states.
const (
	StateDeploying JobState = "deploying"
	StateRunning   JobState = "running"
	StateStopping  JobState = "stopping"
	StateStopped   JobState = "stopped"
	StateFailed    JobState = "failed"
)

// ErrJobNotFound indicates the registry has no entry for a job id.
var ErrJobNotFound = errors.New("job not found")

// RegistryError wraps persistence failures of the job registry file.
type RegistryError struct {
	Op  string
	Err error
}

// Error returns the formatted message.
func (e *RegistryError) Error() string {
	return fmt.Sprintf("job registry %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *RegistryError) Unwrap() error { return e.Err }

// AgentRecord is the persisted summary of one deployed agent. It carries
// enough target information to recover a stop handle in a later process.
type AgentRecord struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	PID        int    `json:"pid,omitempty"`
	Stage      int    `json:"stage"`
	TargetType string `json:"target_type"`
	Host       string `json:"host,omitempty"`
	User       string `json:"user,omitempty"`
	Workdir    string `json:"workdir,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
}

// JobRecord is one registry entry. The file holds the full history of a job;
// the latest line per job_id wins.
type JobRecord struct {
	JobID          string        `json:"job_id"`
	Name           string        `json:"name"`
	State          JobState      `json:"state"`
	DefinitionHash string        `json:"definition_hash"`
	ConfigPath     string        `json:"config_path,omitempty"`
	LogDir         string        `json:"log_dir,omitempty"`
	Agents         []AgentRecord `json:"agents"`
	StartedAt      time.Time     `json:"started_at"`
	StoppedAt      *time.Time    `json:"stopped_at,omitempty"`
}

// Registry persists job records as one JSON object per line. Writers take an
// exclusive file lock for the append window; readers snapshot the whole file.
type Registry struct {
	path string
	lock *flock.Flock
}

// DefaultRegistryPath places the registry under the user config directory.
func DefaultRegistryPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving user config dir: %w", err)
	}
	return filepath.Join(dir, "fleet", "jobs.jsonl"), nil
}

// NewRegistry opens a registry at path, creating parent directories.
func NewRegistry(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &RegistryError{Op: "init", Err: err}
	}
	return &Registry{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Append writes one record under the exclusive lock.
func (r *Registry) Append(rec JobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &RegistryError{Op: "encode", Err: err}
	}
	if err := r.lock.Lock(); err != nil {
		return &RegistryError{Op: "lock", Err: err}
	}
	defer func() { _ = r.lock.Unlock() }()

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &RegistryError{Op: "open", Err: err}
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return &RegistryError{Op: "write", Err: err}
	}
	return nil
}

// List returns the latest record per job, oldest start first.
func (r *Registry) List() ([]JobRecord, error) {
	if err := r.lock.RLock(); err != nil {
		return nil, &RegistryError{Op: "lock", Err: err}
	}
	defer func() { _ = r.lock.Unlock() }()

	records, err := r.readAll()
	if err != nil {
		return nil, err
	}
	latest := make(map[string]JobRecord, len(records))
	for _, rec := range records {
		latest[rec.JobID] = rec
	}
	out := make([]JobRecord, 0, len(latest))
	for _, rec := range latest {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// Get returns the latest record for a job id.
func (r *Registry) Get(jobID string) (JobRecord, error) {
	records, err := r.List()
	if err != nil {
		return JobRecord{}, err
	}
	for _, rec := range records {
		if rec.JobID == jobID {
			return rec, nil
		}
	}
	return JobRecord{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
}

// Compact rewrites the registry keeping only jobs accepted by keep, and
// collapses each kept job to its latest record. Returns the number of jobs
// removed.
func (r *Registry) Compact(keep func(JobRecord) bool) (int, error) {
	if err := r.lock.Lock(); err != nil {
		return 0, &RegistryError{Op: "lock", Err: err}
	}
	defer func() { _ = r.lock.Unlock() }()

	records, err := r.readAll()
	if err != nil {
		return 0, err
	}
	latest := make(map[string]JobRecord, len(records))
	order := make([]string, 0, len(records))
	for _, rec := range records {
		if _, seen := latest[rec.JobID]; !seen {
			order = append(order, rec.JobID)
		}
		latest[rec.JobID] = rec
	}

	tmp := r.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, &RegistryError{Op: "rewrite", Err: err}
	}
	removed := 0
	for _, jobID := range order {
		rec := latest[jobID]
		if !keep(rec) {
			removed++
			continue
		}
		data, err := json.Marshal(rec)
		if err != nil {
			_ = f.Close()
			return 0, &RegistryError{Op: "encode", Err: err}
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			_ = f.Close()
			return 0, &RegistryError{Op: "rewrite", Err: err}
		}
	}
	if err := f.Close(); err != nil {
		return 0, &RegistryError{Op: "rewrite", Err: err}
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return 0, &RegistryError{Op: "rewrite", Err: err}
	}
	return removed, nil
}

func (r *Registry) readAll() ([]JobRecord, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &RegistryError{Op: "read", Err: err}
	}
	defer f.Close()

	var records []JobRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec JobRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn write on the final line must not poison the registry.
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, &RegistryError{Op: "read", Err: err}
	}
	return records, nil
}

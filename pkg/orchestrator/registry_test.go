package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "nested", "jobs.jsonl"))
	require.NoError(t, err)
	return reg
}

func record(jobID string, state JobState, started time.Time) JobRecord {
	return JobRecord{
		JobID:     jobID,
		Name:      jobID,
		State:     state,
		StartedAt: started,
	}
}

func TestRegistry_EmptyFile(t *testing.T) {
	reg := newRegistry(t)

	records, err := reg.List()
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRegistry_LastLineWins(t *testing.T) {
	reg := newRegistry(t)
	started := time.Now()

	require.NoError(t, reg.Append(record("j1", StateDeploying, started)))
	require.NoError(t, reg.Append(record("j1", StateRunning, started)))
	require.NoError(t, reg.Append(record("j1", StateStopped, started)))

	rec, err := reg.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, rec.State)

	records, err := reg.List()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRegistry_ListOrderedByStart(t *testing.T) {
	reg := newRegistry(t)
	base := time.Now()

	require.NoError(t, reg.Append(record("newer", StateRunning, base.Add(time.Hour))))
	require.NoError(t, reg.Append(record("older", StateStopped, base)))

	records, err := reg.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "older", records[0].JobID)
	assert.Equal(t, "newer", records[1].JobID)
}

func TestRegistry_Compact(t *testing.T) {
	reg := newRegistry(t)
	started := time.Now()

	require.NoError(t, reg.Append(record("keep", StateRunning, started)))
	require.NoError(t, reg.Append(record("drop", StateRunning, started)))
	require.NoError(t, reg.Append(record("drop", StateStopped, started)))

	removed, err := reg.Compact(func(rec JobRecord) bool {
		return rec.State != StateStopped
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	records, err := reg.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "keep", records[0].JobID)

	// Compaction collapses history to one line per kept job.
	data, err := os.ReadFile(reg.path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
}

func TestRegistry_SkipsTornLine(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Append(record("ok", StateRunning, time.Now())))

	f, err := os.OpenFile(reg.path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"job_id":"torn","sta`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	records, err := reg.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ok", records[0].JobID)
}

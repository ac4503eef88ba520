package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_GetOrCreateMintsID(t *testing.T) {
	s := NewStore(Options{JobID: "job-1", AgentID: "hub"})

	id, sess := s.GetOrCreate("")
	require.NotEmpty(t, id)
	assert.Equal(t, id, sess.ID)
	assert.Equal(t, "job-1", sess.JobID)
	assert.Equal(t, "hub", sess.AgentID)
	assert.Empty(t, sess.Messages)

	// Unknown id also mints a fresh session.
	id2, _ := s.GetOrCreate("not-a-session")
	assert.NotEqual(t, "not-a-session", id2)
	assert.NotEqual(t, id, id2)
}

func TestStore_GetOrCreateReturnsExisting(t *testing.T) {
	s := NewStore(Options{})
	id, _ := s.GetOrCreate("")

	got, sess := s.GetOrCreate(id)
	assert.Equal(t, id, got)
	assert.Equal(t, id, sess.ID)
	assert.Equal(t, 1, s.Len())
}

func TestStore_AppendAndHistory(t *testing.T) {
	s := NewStore(Options{})
	id, _ := s.GetOrCreate("")

	now := time.Now()
	s.Append(id, RoleUser, "hello", now)
	s.Append(id, RoleAssistant, "hi there", now.Add(time.Second))

	history := s.History(id)
	require.Len(t, history, 2)
	assert.Equal(t, RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[0].Text)
	assert.Equal(t, RoleAssistant, history[1].Role)
}

func TestStore_AppendUnknownSessionNoop(t *testing.T) {
	s := NewStore(Options{})
	s.Append("ghost", RoleUser, "hello", time.Now())
	assert.Equal(t, 0, s.Len())
}

func TestStore_HistoryTruncatesToMaxHistory(t *testing.T) {
	s := NewStore(Options{MaxHistory: 3})
	id, _ := s.GetOrCreate("")

	for i := 0; i < 10; i++ {
		s.Append(id, RoleUser, fmt.Sprintf("msg-%d", i), time.Now())
	}

	history := s.History(id)
	require.Len(t, history, 3)
	assert.Equal(t, "msg-7", history[0].Text)
	assert.Equal(t, "msg-9", history[2].Text)
}

func TestStore_LRUEvictionOverMaxSessions(t *testing.T) {
	s := NewStore(Options{MaxSessions: 2})
	clock := time.Now()
	s.now = func() time.Time { return clock }

	first, _ := s.GetOrCreate("")
	clock = clock.Add(time.Second)
	second, _ := s.GetOrCreate("")

	// Touch the first so the second becomes the LRU candidate.
	clock = clock.Add(time.Second)
	s.GetOrCreate(first)

	clock = clock.Add(time.Second)
	third, _ := s.GetOrCreate("")

	assert.Equal(t, 2, s.Len())
	got, _ := s.GetOrCreate(second)
	assert.NotEqual(t, second, got, "LRU session should have been evicted")

	// first and third survived; fetching them must not mint new ids.
	gotFirst, _ := s.GetOrCreate(first)
	assert.Equal(t, first, gotFirst)
	gotThird, _ := s.GetOrCreate(third)
	assert.Equal(t, third, gotThird)
}

func TestStore_TTLEvictionOnAccess(t *testing.T) {
	s := NewStore(Options{TTL: time.Minute})
	clock := time.Now()
	s.now = func() time.Time { return clock }

	id, _ := s.GetOrCreate("")
	s.Append(id, RoleUser, "hello", clock)

	clock = clock.Add(2 * time.Minute)

	assert.Nil(t, s.History(id))
	got, sess := s.GetOrCreate(id)
	assert.NotEqual(t, id, got, "expired session should mint a new id")
	assert.Empty(t, sess.Messages)
}

func TestStore_SnapshotIsolation(t *testing.T) {
	s := NewStore(Options{})
	id, _ := s.GetOrCreate("")

	s.Append(id, RoleUser, "one", time.Now())
	history := s.History(id)
	history[0].Text = "mutated"

	assert.Equal(t, "one", s.History(id)[0].Text)
}

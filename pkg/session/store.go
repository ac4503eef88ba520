// Package session keeps per-agent conversation history in memory. State is
// process-local and intentionally lost on restart.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store defaults, overridable per agent through Options.
const (
	DefaultMaxSessions = 1000
	DefaultMaxHistory  = 50
	DefaultTTL         = time.Hour
)

// Options tunes the store's eviction behavior. Zero values fall back to the
// package defaults.
type Options struct {
	MaxSessions int
	MaxHistory  int
	TTL         time.Duration

	// JobID and AgentID stamp every session created by the store.
	JobID   string
	AgentID string
}

// Store is an in-memory session map with LRU eviction over MaxSessions and
// lazy TTL eviction on access.
type Store struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	// now is replaceable in tests.
	now func() time.Time
}

// NewStore creates a session store.
func NewStore(opts Options) *Store {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Store{
		opts:     opts,
		logger:   slog.With("component", "session_store"),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// GetOrCreate returns the session for id, minting a fresh one when id is
// empty, unknown, or expired. The returned id is always valid.
func (s *Store) GetOrCreate(id string) (string, *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if id != "" {
		if sess, ok := s.sessions[id]; ok {
			if now.Sub(sess.LastAccessed) > s.opts.TTL {
				delete(s.sessions, id)
			} else {
				sess.LastAccessed = now
				return id, s.snapshot(sess)
			}
		}
	}

	id = uuid.New().String()
	sess := &Session{
		ID:           id,
		JobID:        s.opts.JobID,
		AgentID:      s.opts.AgentID,
		CreatedAt:    now,
		LastAccessed: now,
	}
	s.sessions[id] = sess
	s.evictOverCapLocked()
	return id, s.snapshot(sess)
}

// Append records a message on the session. Unknown ids are a no-op so a
// session evicted mid-query degrades to losing history, not to an error.
func (s *Store) Append(id string, role Role, text string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	sess.Messages = append(sess.Messages, Message{Role: role, Text: text, Timestamp: at})
	sess.LastAccessed = s.now()
}

// History returns up to MaxHistory most recent messages for the session.
// Expired sessions are evicted and report empty history.
func (s *Store) History(id string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	now := s.now()
	if now.Sub(sess.LastAccessed) > s.opts.TTL {
		delete(s.sessions, id)
		return nil
	}
	sess.LastAccessed = now

	msgs := sess.Messages
	if len(msgs) > s.opts.MaxHistory {
		msgs = msgs[len(msgs)-s.opts.MaxHistory:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// evictOverCapLocked drops least-recently-accessed sessions until the store
// is back under MaxSessions. Caller holds s.mu.
func (s *Store) evictOverCapLocked() {
	for len(s.sessions) > s.opts.MaxSessions {
		var oldestID string
		var oldest time.Time
		for id, sess := range s.sessions {
			if oldestID == "" || sess.LastAccessed.Before(oldest) {
				oldestID = id
				oldest = sess.LastAccessed
			}
		}
		s.logger.Debug("Evicting session over capacity", "session_id", oldestID)
		delete(s.sessions, oldestID)
	}
}

// snapshot copies a session so callers never share the store's backing slice.
func (s *Store) snapshot(sess *Session) *Session {
	out := *sess
	out.Messages = make([]Message, len(sess.Messages))
	copy(out.Messages, sess.Messages)
	return &out
}

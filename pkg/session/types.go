package session

import "time"

// Role identifies a message sender within a session.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation entry.
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a per-agent conversation. Messages are append-only; the store
// evicts whole sessions, never individual messages.
type Session struct {
	ID           string    `json:"session_id"`
	JobID        string    `json:"job_id,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

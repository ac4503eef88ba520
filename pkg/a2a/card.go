// Package a2a implements the agent-to-agent protocol surface: the discovery
// card, the outbound HTTP client with its SSRF guard, and the query_agent /
// discover_agent tools exposed to the backend through an in-process MCP
// server.
package a2a

import (
	"fmt"
	"strings"
)

// AgentCard is the discovery document served at
// /.well-known/agent-configuration.
type AgentCard struct {
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	URL          string       `json:"url"`
	Version      string       `json:"version"`
	Capabilities Capabilities `json:"capabilities"`
	Skills       []Skill      `json:"skills,omitempty"`
}

// Capabilities flags optional protocol features.
type Capabilities struct {
	Streaming         bool `json:"streaming,omitempty"`
	PushNotifications bool `json:"push_notifications,omitempty"`
}

// Skill describes one capability advertised on the card.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// Summary renders the card as prompt-friendly text.
func (c AgentCard) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s): %s", c.Name, c.URL, c.Description)
	if len(c.Skills) > 0 {
		names := make([]string, len(c.Skills))
		for i, s := range c.Skills {
			names[i] = s.Name
		}
		fmt.Fprintf(&b, " [skills: %s]", strings.Join(names, ", "))
	}
	return b.String()
}

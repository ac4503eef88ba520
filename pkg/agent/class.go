package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/a2a"
)

// Class defines one kind of agent. Classes are compiled in and registered by
// type name; the job YAML's `type` field selects one.
type Class interface {
	// Type is the registry key, matching agents[].type in job YAML.
	Type() string

	// Description is used on the agent card.
	Description() string

	// BasePrompt is the system prompt before peer information is appended.
	BasePrompt() string

	// Skills advertise capabilities on the agent card.
	Skills() []a2a.Skill
}

var (
	classMu sync.RWMutex
	classes = make(map[string]Class)
)

// RegisterClass adds a class to the build-time registry. Duplicate types
// panic; registration happens in init functions where a conflict is a
// programming error.
func RegisterClass(c Class) {
	classMu.Lock()
	defer classMu.Unlock()
	if _, exists := classes[c.Type()]; exists {
		panic(fmt.Sprintf("agent class %q registered twice", c.Type()))
	}
	classes[c.Type()] = c
}

// LookupClass finds a registered class by type.
func LookupClass(typeName string) (Class, bool) {
	classMu.RLock()
	defer classMu.RUnlock()
	c, ok := classes[typeName]
	return c, ok
}

// ClassTypes lists registered class types, sorted.
func ClassTypes() []string {
	classMu.RLock()
	defer classMu.RUnlock()
	types := make([]string, 0, len(classes))
	for t := range classes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

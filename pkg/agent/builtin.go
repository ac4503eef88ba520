package agent

import "github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/a2a"

func init() {
	RegisterClass(assistantClass{})
	RegisterClass(echoClass{})
}

// assistantClass is the general-purpose LLM agent.
type assistantClass struct{}

func (assistantClass) Type() string { return "assistant" }

func (assistantClass) Description() string {
	return "General-purpose assistant that answers queries and can delegate to connected agents."
}

func (assistantClass) BasePrompt() string {
	return "You are a helpful assistant running as part of a multi-agent deployment. " +
		"Answer the user's query directly when you can. When a connected agent is " +
		"better suited, delegate to it with the query_agent tool and incorporate " +
		"its answer."
}

func (assistantClass) Skills() []a2a.Skill {
	return []a2a.Skill{
		{
			ID:          "answer",
			Name:        "answer",
			Description: "Answer natural-language queries",
			Examples:    []string{"Summarize the deployment status"},
		},
		{
			ID:          "delegate",
			Name:        "delegate",
			Description: "Route sub-queries to connected agents",
		},
	}
}

// echoClass is a deterministic demo agent used in examples and tests.
type echoClass struct{}

func (echoClass) Type() string { return "echo" }

func (echoClass) Description() string {
	return "Deterministic agent that echoes queries back, for wiring checks."
}

func (echoClass) BasePrompt() string {
	return "You repeat the user's message back verbatim."
}

func (echoClass) Skills() []a2a.Skill {
	return []a2a.Skill{{ID: "echo", Name: "echo", Description: "Echo the query text"}}
}

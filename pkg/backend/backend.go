// Package backend abstracts the LLM provider behind an agent. A backend
// consumes a system prompt, conversation history, and tool definitions, and
// yields a stream of messages ending in a terminal Done.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies backend failures.
type ErrorKind string

const (
	// KindUnavailable means the model endpoint rejected or never answered.
	KindUnavailable ErrorKind = "unavailable"
	// KindProtocol means the model violated the tool-call protocol.
	KindProtocol ErrorKind = "protocol"
	// KindNetwork means transport-level failure talking to the provider.
	KindNetwork ErrorKind = "network"
)

// Error is a classified backend failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend error (%s): %v", string(e.Kind), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrTooManyToolTurns guards against a model looping on tool calls forever.
var ErrTooManyToolTurns = errors.New("tool-call turn limit exceeded")

// MessageKind discriminates the stream message variants.
type MessageKind string

const (
	AssistantText  MessageKind = "assistant_text"
	ToolInvocation MessageKind = "tool_invocation"
	ToolResult     MessageKind = "tool_result"
	SystemInfo     MessageKind = "system_info"
	Done           MessageKind = "done"
)

// Message is one element of the backend response stream. Exactly one Done is
// sent last on a successful query; its Text carries the final answer.
type Message struct {
	Kind MessageKind

	// Text for AssistantText and Done.
	Text string

	// Tool fields for ToolInvocation and ToolResult.
	ToolName  string
	ToolInput json.RawMessage
	Result    string
	IsError   bool

	// Info for SystemInfo.
	Info map[string]any
}

// HistoryEntry is a prior conversation turn passed to the backend.
type HistoryEntry struct {
	Role string // "user" or "assistant"
	Text string
}

// Tool is a callable exposed to the model. Execute returns the result text
// and whether it represents a tool-level error.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Execute     func(ctx context.Context, input json.RawMessage) (string, bool)
}

// Request is one query invocation. History includes the current user message
// as its final entry.
type Request struct {
	SystemPrompt string
	History      []HistoryEntry
	Tools        []Tool
}

// Backend answers queries. Each Query call builds a fresh provider client;
// credentials and model selection are resolved once at construction.
type Backend interface {
	// Query streams messages for one request. The channel is closed after
	// the terminal message. Errors that prevent any response are returned
	// from Query; mid-stream failures arrive as a Done with IsError set.
	Query(ctx context.Context, req Request) (<-chan Message, error)

	// Name identifies the backend variant.
	Name() string
}

package backend

import (
	"context"
	"fmt"
	"strings"
)

// Echo is a deterministic backend for demos and tests. It repeats the last
// user message and never calls tools.
type Echo struct{}

// NewEcho creates the echo backend.
func NewEcho() *Echo { return &Echo{} }

// Name identifies the backend variant.
func (b *Echo) Name() string { return TypeEcho }

// Query echoes the final user entry, prefixed so responses are recognizable
// in multi-agent traces.
func (b *Echo) Query(ctx context.Context, req Request) (<-chan Message, error) {
	var last string
	for _, h := range req.History {
		if h.Role == "user" {
			last = h.Text
		}
	}
	text := fmt.Sprintf("echo: %s", strings.TrimSpace(last))

	out := make(chan Message, 2)
	go func() {
		defer close(out)
		emit(ctx, out, Message{Kind: AssistantText, Text: text})
		emit(ctx, out, Message{Kind: Done, Text: text})
	}()
	return out, nil
}

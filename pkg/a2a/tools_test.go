package a2a

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestToolset(t *testing.T) *Toolset {
	t.Helper()
	client := NewClient(ClientOptions{Guard: permissiveGuard()})
	ts, err := NewToolset(context.Background(), client, "test-agent")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })
	return ts
}

func findTool(t *testing.T, ts *Toolset, name string) func(context.Context, json.RawMessage) (string, bool) {
	t.Helper()
	for _, tool := range ts.BackendTools() {
		if tool.Name == name {
			return tool.Execute
		}
	}
	t.Fatalf("tool %s not found", name)
	return nil
}

func TestToolset_QueryAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"response": "42", "session_id": "s"})
	}))
	defer srv.Close()

	ts := newTestToolset(t)
	execute := findTool(t, ts, ToolQueryAgent)

	input, _ := json.Marshal(map[string]string{"agent_url": srv.URL, "query": "meaning of life"})
	result, isErr := execute(context.Background(), input)
	assert.False(t, isErr)
	assert.Equal(t, "42", result)
}

func TestToolset_QueryAgentDisallowedURL(t *testing.T) {
	ts := newTestToolset(t)
	execute := findTool(t, ts, ToolQueryAgent)

	// Error comes back as a tool result, not a Go error.
	input, _ := json.Marshal(map[string]string{"agent_url": "http://evil.internal:9001", "query": "q"})
	result, isErr := execute(context.Background(), input)
	assert.True(t, isErr)
	assert.Contains(t, result, "not allowed")
}

func TestToolset_QueryAgentMissingArgs(t *testing.T) {
	ts := newTestToolset(t)
	execute := findTool(t, ts, ToolQueryAgent)

	result, isErr := execute(context.Background(), json.RawMessage(`{"agent_url": "http://127.0.0.1:9001"}`))
	assert.True(t, isErr)
	assert.Contains(t, result, "required")
}

func TestToolset_DiscoverAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(AgentCard{Name: "hub", Description: "coordinator", Version: "1.0.0"})
	}))
	defer srv.Close()

	ts := newTestToolset(t)
	execute := findTool(t, ts, ToolDiscoverAgent)

	input, _ := json.Marshal(map[string]string{"agent_url": srv.URL})
	result, isErr := execute(context.Background(), input)
	assert.False(t, isErr)
	assert.Contains(t, result, "hub")
	assert.Contains(t, result, "coordinator")
}

func TestToolset_DiscoverAgentUnreachable(t *testing.T) {
	ts := newTestToolset(t)
	execute := findTool(t, ts, ToolDiscoverAgent)

	// Port is in range and host allowed, but nothing listens there.
	input, _ := json.Marshal(map[string]string{"agent_url": "http://127.0.0.1:59999"})
	result, isErr := execute(context.Background(), input)
	assert.True(t, isErr)
	assert.Contains(t, result, "failed")
}

func TestToolset_BackendToolsShape(t *testing.T) {
	ts := newTestToolset(t)
	tools := ts.BackendTools()
	require.Len(t, tools, 2)
	for _, tool := range tools {
		assert.NotEmpty(t, tool.Description)
		assert.Equal(t, "object", tool.InputSchema["type"])
		assert.NotNil(t, tool.Execute)
	}
}

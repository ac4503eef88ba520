package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/backend"
)

// Tool names exposed to the backend.
const (
	ToolQueryAgent    = "query_agent"
	ToolDiscoverAgent = "discover_agent"
)

var queryAgentSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "agent_url": {"type": "string", "description": "Base URL of the target agent"},
    "query": {"type": "string", "description": "Natural-language query to send"},
    "session_id": {"type": "string", "description": "Optional session to continue on the target agent"}
  },
  "required": ["agent_url", "query"]
}`)

var discoverAgentSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "agent_url": {"type": "string", "description": "Base URL of the agent to discover"}
  },
  "required": ["agent_url"]
}`)

// Toolset hosts the A2A tools on an in-process MCP server and exposes them
// to the backend as executable tool definitions. Tool failures always come
// back as error results, never as Go errors into the model loop.
type Toolset struct {
	client  *Client
	session *mcpsdk.ClientSession
	logger  *slog.Logger
}

// NewToolset builds the MCP server, wires it over an in-memory transport,
// and connects a client session. Close the toolset when the agent shuts down.
func NewToolset(ctx context.Context, client *Client, agentName string) (*Toolset, error) {
	t := &Toolset{client: client, logger: slog.With("component", "a2a_tools")}

	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    agentName + "-a2a",
		Version: "1.0.0",
	}, nil)
	server.AddTool(&mcpsdk.Tool{
		Name:        ToolQueryAgent,
		Description: "Send a query to another agent and return its response text.",
		InputSchema: queryAgentSchema,
	}, t.handleQueryAgent)
	server.AddTool(&mcpsdk.Tool{
		Name:        ToolDiscoverAgent,
		Description: "Fetch another agent's discovery card and summarize its capabilities.",
		InputSchema: discoverAgentSchema,
	}, t.handleDiscoverAgent)

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	go func() {
		if err := server.Run(context.Background(), serverTransport); err != nil {
			t.logger.Warn("A2A tool server stopped", "error", err)
		}
	}()

	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    agentName,
		Version: "1.0.0",
	}, nil)
	session, err := sdkClient.Connect(ctx, clientTransport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting a2a tool session: %w", err)
	}
	t.session = session
	return t, nil
}

// Close terminates the tool session.
func (t *Toolset) Close() error {
	if t.session == nil {
		return nil
	}
	return t.session.Close()
}

// BackendTools adapts the MCP tools into backend tool definitions. Execution
// routes through the MCP session so tool calls share one code path with any
// externally mounted MCP servers.
func (t *Toolset) BackendTools() []backend.Tool {
	return []backend.Tool{
		{
			Name:        ToolQueryAgent,
			Description: "Send a query to another agent and return its response text.",
			InputSchema: rawSchemaToMap(queryAgentSchema),
			Execute:     t.execute(ToolQueryAgent),
		},
		{
			Name:        ToolDiscoverAgent,
			Description: "Fetch another agent's discovery card and summarize its capabilities.",
			InputSchema: rawSchemaToMap(discoverAgentSchema),
			Execute:     t.execute(ToolDiscoverAgent),
		},
	}
}

func (t *Toolset) execute(name string) func(ctx context.Context, input json.RawMessage) (string, bool) {
	return func(ctx context.Context, input json.RawMessage) (string, bool) {
		var args map[string]any
		if len(input) > 0 {
			if err := json.Unmarshal(input, &args); err != nil {
				return fmt.Sprintf("invalid tool input: %v", err), true
			}
		}
		result, err := t.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
		if err != nil {
			return fmt.Sprintf("tool call failed: %v", err), true
		}
		return extractText(result), result.IsError
	}
}

type queryAgentArgs struct {
	AgentURL  string `json:"agent_url"`
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

func (t *Toolset) handleQueryAgent(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args queryAgentArgs
	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.AgentURL == "" || args.Query == "" {
		return errorResult("agent_url and query are required"), nil
	}

	response, err := t.client.Query(ctx, args.AgentURL, args.Query, args.SessionID)
	if err != nil {
		t.logger.Warn("query_agent failed", "target", args.AgentURL, "error", err)
		return errorResult(fmt.Sprintf("query to %s failed: %v", args.AgentURL, err)), nil
	}
	return textResult(response), nil
}

type discoverAgentArgs struct {
	AgentURL string `json:"agent_url"`
}

func (t *Toolset) handleDiscoverAgent(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args discoverAgentArgs
	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.AgentURL == "" {
		return errorResult("agent_url is required"), nil
	}

	card, err := t.client.Discover(ctx, args.AgentURL)
	if err != nil {
		t.logger.Warn("discover_agent failed", "target", args.AgentURL, "error", err)
		return errorResult(fmt.Sprintf("discovery of %s failed: %v", args.AgentURL, err)), nil
	}
	return textResult(card.Summary()), nil
}

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}

func errorResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
		IsError: true,
	}
}

func extractText(result *mcpsdk.CallToolResult) string {
	var out string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}

func rawSchemaToMap(raw json.RawMessage) map[string]any {
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAI answers queries through the Chat Completions API. The same adapter
// serves OpenAI-compatible local servers when a base URL is configured.
type OpenAI struct {
	settings Settings
	name     string
	logger   *slog.Logger
}

// NewOpenAI validates credentials for the hosted OpenAI API.
func NewOpenAI(settings Settings) (*OpenAI, error) {
	if settings.APIKey == "" {
		return nil, &Error{Kind: KindUnavailable, Err: errors.New("OPENAI_API_KEY is not set")}
	}
	if settings.Model == "" {
		settings.Model = defaultOpenAIModel
	}
	return &OpenAI{settings: settings, name: TypeOpenAI, logger: slog.With("backend", TypeOpenAI)}, nil
}

// NewLocal targets an OpenAI-compatible endpoint such as Ollama or vLLM.
// No API key is required; AGENT_BACKEND_URL must point at the server.
func NewLocal(settings Settings) (*OpenAI, error) {
	if settings.BaseURL == "" {
		return nil, &Error{Kind: KindUnavailable, Err: errors.New("AGENT_BACKEND_URL is not set for local backend")}
	}
	if settings.APIKey == "" {
		settings.APIKey = "unused"
	}
	if settings.Model == "" {
		return nil, &Error{Kind: KindUnavailable, Err: errors.New("AGENT_MODEL is required for local backend")}
	}
	return &OpenAI{settings: settings, name: TypeLocal, logger: slog.With("backend", TypeLocal)}, nil
}

// Name identifies the backend variant.
func (b *OpenAI) Name() string { return b.name }

// Query runs the request against a fresh client.
func (b *OpenAI) Query(ctx context.Context, req Request) (<-chan Message, error) {
	if len(req.History) == 0 {
		return nil, &Error{Kind: KindProtocol, Err: errors.New("empty history")}
	}
	cfg := openai.DefaultConfig(b.settings.APIKey)
	if b.settings.BaseURL != "" {
		cfg.BaseURL = b.settings.BaseURL
	}
	client := openai.NewClientWithConfig(cfg)

	out := make(chan Message, 16)
	go func() {
		defer close(out)
		b.run(ctx, client, req, out)
	}()
	return out, nil
}

func (b *OpenAI) run(ctx context.Context, client *openai.Client, req Request, out chan<- Message) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt,
		})
	}
	for _, h := range req.History {
		role := openai.ChatMessageRoleUser
		if h.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: h.Text})
	}

	toolsByName := make(map[string]Tool, len(req.Tools))
	var toolDefs []openai.Tool
	for _, t := range req.Tools {
		toolsByName[t.Name] = t
		toolDefs = append(toolDefs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	var finalText string
	for turn := 0; ; turn++ {
		if turn >= maxToolTurns {
			emit(ctx, out, Message{Kind: Done, Text: finalText, IsError: true})
			b.logger.Warn("Tool-use loop exceeded turn limit", "limit", maxToolTurns)
			return
		}

		resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       b.settings.Model,
			Messages:    messages,
			Temperature: float32(b.settings.Temperature),
			MaxTokens:   b.settings.MaxTokens,
			Tools:       toolDefs,
		})
		if err != nil {
			emit(ctx, out, Message{Kind: Done, Text: fmt.Sprintf("backend error: %v", err), IsError: true})
			return
		}
		if len(resp.Choices) == 0 {
			emit(ctx, out, Message{Kind: Done, Text: "backend returned no choices", IsError: true})
			return
		}

		choice := resp.Choices[0]
		if choice.Message.Content != "" {
			finalText = choice.Message.Content
			emit(ctx, out, Message{Kind: AssistantText, Text: choice.Message.Content})
		}
		if len(choice.Message.ToolCalls) == 0 {
			emit(ctx, out, Message{Kind: Done, Text: finalText})
			return
		}

		messages = append(messages, choice.Message)
		for _, call := range choice.Message.ToolCalls {
			input := json.RawMessage(call.Function.Arguments)
			emit(ctx, out, Message{Kind: ToolInvocation, ToolName: call.Function.Name, ToolInput: input})

			result, isErr := executeTool(ctx, toolsByName, call.Function.Name, input)
			emit(ctx, out, Message{
				Kind: ToolResult, ToolName: call.Function.Name,
				ToolInput: input, Result: result, IsError: isErr,
			})
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}
}

func executeTool(ctx context.Context, tools map[string]Tool, name string, input json.RawMessage) (string, bool) {
	tool, ok := tools[name]
	if !ok || tool.Execute == nil {
		return fmt.Sprintf("unknown tool %q", name), true
	}
	return tool.Execute(ctx, input)
}

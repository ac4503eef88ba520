package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// maxToolTurns bounds the tool-use loop within a single query.
const maxToolTurns = 10

const defaultClaudeModel = "claude-sonnet-4-20250514"

// Claude answers queries through the Anthropic Messages API, running the
// tool-use loop until the model stops asking for tools.
type Claude struct {
	settings Settings
	logger   *slog.Logger
}

// NewClaude validates credentials at startup. The SDK client itself is
// rebuilt per query.
func NewClaude(settings Settings) (*Claude, error) {
	if settings.APIKey == "" {
		return nil, &Error{Kind: KindUnavailable, Err: errors.New("ANTHROPIC_API_KEY is not set")}
	}
	if settings.Model == "" {
		settings.Model = defaultClaudeModel
	}
	return &Claude{settings: settings, logger: slog.With("backend", TypeClaude)}, nil
}

// Name identifies the backend variant.
func (b *Claude) Name() string { return TypeClaude }

// Query runs the request against a fresh Anthropic client.
func (b *Claude) Query(ctx context.Context, req Request) (<-chan Message, error) {
	if len(req.History) == 0 {
		return nil, &Error{Kind: KindProtocol, Err: errors.New("empty history")}
	}
	client := sdk.NewClient(option.WithAPIKey(b.settings.APIKey))

	out := make(chan Message, 16)
	go func() {
		defer close(out)
		b.run(ctx, &client, req, out)
	}()
	return out, nil
}

func (b *Claude) run(ctx context.Context, client *sdk.Client, req Request, out chan<- Message) {
	params := sdk.MessageNewParams{
		MaxTokens: int64(b.settings.MaxTokens),
		Model:     sdk.Model(b.settings.Model),
		Messages:  encodeClaudeHistory(req.History),
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if b.settings.Temperature > 0 {
		params.Temperature = sdk.Float(b.settings.Temperature)
	}
	toolsByName := make(map[string]Tool, len(req.Tools))
	for _, t := range req.Tools {
		toolsByName[t.Name] = t
		params.Tools = append(params.Tools, encodeClaudeTool(t))
	}

	var finalText string
	for turn := 0; ; turn++ {
		if turn >= maxToolTurns {
			emit(ctx, out, Message{Kind: Done, Text: finalText, IsError: true})
			b.logger.Warn("Tool-use loop exceeded turn limit", "limit", maxToolTurns)
			return
		}

		msg, err := client.Messages.New(ctx, params)
		if err != nil {
			emit(ctx, out, Message{Kind: Done, Text: fmt.Sprintf("backend error: %v", err), IsError: true})
			return
		}

		var assistantBlocks []sdk.ContentBlockParamUnion
		var resultBlocks []sdk.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				if block.Text == "" {
					continue
				}
				finalText = block.Text
				assistantBlocks = append(assistantBlocks, sdk.NewTextBlock(block.Text))
				emit(ctx, out, Message{Kind: AssistantText, Text: block.Text})
			case "tool_use":
				assistantBlocks = append(assistantBlocks, sdk.NewToolUseBlock(block.ID, block.Input, block.Name))
				emit(ctx, out, Message{Kind: ToolInvocation, ToolName: block.Name, ToolInput: json.RawMessage(block.Input)})

				result, isErr := executeTool(ctx, toolsByName, block.Name, json.RawMessage(block.Input))
				resultBlocks = append(resultBlocks, sdk.NewToolResultBlock(block.ID, result, isErr))
				emit(ctx, out, Message{
					Kind: ToolResult, ToolName: block.Name,
					ToolInput: json.RawMessage(block.Input), Result: result, IsError: isErr,
				})
			}
		}

		if msg.StopReason != "tool_use" || len(resultBlocks) == 0 {
			emit(ctx, out, Message{Kind: Done, Text: finalText})
			return
		}
		params.Messages = append(params.Messages,
			sdk.NewAssistantMessage(assistantBlocks...),
			sdk.NewUserMessage(resultBlocks...))
	}
}

func encodeClaudeHistory(history []HistoryEntry) []sdk.MessageParam {
	msgs := make([]sdk.MessageParam, 0, len(history))
	for _, h := range history {
		if h.Text == "" {
			continue
		}
		if h.Role == "assistant" {
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(h.Text)))
		} else {
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(h.Text)))
		}
	}
	return msgs
}

func encodeClaudeTool(t Tool) sdk.ToolUnionParam {
	schema := sdk.ToolInputSchemaParam{}
	if len(t.InputSchema) > 0 {
		schema.ExtraFields = t.InputSchema
	}
	u := sdk.ToolUnionParamOfTool(schema, t.Name)
	if u.OfTool != nil && t.Description != "" {
		u.OfTool.Description = sdk.String(t.Description)
	}
	return u
}

// emit delivers a message unless the caller has gone away.
func emit(ctx context.Context, out chan<- Message, msg Message) {
	select {
	case out <- msg:
	case <-ctx.Done():
	}
}

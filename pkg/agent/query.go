package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/a2a"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/backend"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/observability"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/session"
)

type queryRequest struct {
	Query     string         `json:"query"`
	SessionID string         `json:"session_id"`
	Context   map[string]any `json:"context"`
}

type queryResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("bad_input", "invalid JSON body"))
		return
	}
	if req.Query == "" {
		c.JSON(http.StatusUnprocessableEntity, errorBody("bad_input", "query is required"))
		return
	}
	// A target embedded in the request context is validated up front so a
	// disallowed URL fails before any backend work.
	if target, ok := req.Context["target_url"].(string); ok && target != "" {
		if err := s.guard.Validate(target); err != nil {
			c.JSON(http.StatusForbidden, errorBody("url_not_allowed", err.Error()))
			return
		}
	}

	// Join the caller's trace when the request carries W3C context.
	ctx := otel.GetTextMapPropagator().Extract(
		c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	sessionID, _ := s.store.GetOrCreate(req.SessionID)
	history := s.store.History(sessionID)
	s.store.Append(sessionID, session.RoleUser, req.Query, time.Now())

	response, err := s.runQuery(ctx, sessionID, req.Query, history)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusRequestTimeout, errorBody("timeout", "query timed out"))
		case errors.Is(err, context.Canceled):
			// Client went away; nothing useful to send.
			c.Status(http.StatusInternalServerError)
		default:
			s.logger.Error("Query failed", "session_id", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, errorBody("backend", err.Error()))
		}
		return
	}

	s.store.Append(sessionID, session.RoleAssistant, response, time.Now())
	c.JSON(http.StatusOK, queryResponse{Response: response, SessionID: sessionID})
}

// runQuery drives one backend invocation under a query root span. Each Query
// call constructs a fresh provider client inside the backend; nothing from a
// previous query is reused.
func (s *Server) runQuery(ctx context.Context, sessionID, query string, history []session.Message) (string, error) {
	maxLen := observability.MaxContentLength()
	ctx, querySpan := observability.StartSpan(ctx, observability.KindQuery, "query",
		attribute.String("agent.name", s.cfg.Name),
		attribute.String("session.id", sessionID),
		attribute.Int("query.length", len(query)),
	)
	var retErr error
	defer func() { observability.EndSpan(querySpan, retErr) }()

	entries := make([]backend.HistoryEntry, 0, len(history)+1)
	for _, m := range history {
		entries = append(entries, backend.HistoryEntry{Role: string(m.Role), Text: m.Text})
	}
	entries = append(entries, backend.HistoryEntry{Role: "user", Text: query})

	llmCtx, llmSpan := observability.StartSpan(ctx, observability.KindLLM, "llm",
		attribute.String("backend.type", s.backend.Name()),
		attribute.Int("history.length", len(entries)),
	)

	stream, err := s.backend.Query(llmCtx, backend.Request{
		SystemPrompt: s.systemPrompt,
		History:      entries,
		Tools:        s.tools,
	})
	if err != nil {
		observability.EndSpan(llmSpan, err)
		retErr = err
		return "", err
	}

	var finalText string
	var llmErr error
	toolSpans := make(map[string]trace.Span)
	for msg := range stream {
		switch msg.Kind {
		case backend.AssistantText:
			llmSpan.AddEvent("assistant_text",
				trace.WithAttributes(attribute.String("text", observability.Truncate(msg.Text, maxLen))))
		case backend.ToolInvocation:
			_, span := observability.StartSpan(llmCtx, observability.KindTool, "tool."+msg.ToolName,
				attribute.String("tool.name", msg.ToolName),
				attribute.Int("input.length", len(msg.ToolInput)),
			)
			toolSpans[msg.ToolName] = span
		case backend.ToolResult:
			if span, ok := toolSpans[msg.ToolName]; ok {
				span.SetAttributes(
					attribute.Int("result.length", len(msg.Result)),
					attribute.Bool("is_error", msg.IsError),
				)
				if card := s.cardForResult(msg); card != nil {
					span.SetAttributes(attribute.String("target.name", card.Name))
				}
				span.End()
				delete(toolSpans, msg.ToolName)
			}
		case backend.Done:
			if msg.IsError {
				llmErr = &backend.Error{Kind: backend.KindUnavailable, Err: errors.New(msg.Text)}
			} else if msg.Text != "" {
				finalText = msg.Text
			}
		}
	}
	// Close any tool span left open by a truncated stream.
	for _, span := range toolSpans {
		span.End()
	}

	if llmErr != nil {
		if ctx.Err() != nil {
			llmErr = ctx.Err()
		}
		observability.EndSpan(llmSpan, llmErr)
		retErr = llmErr
		return "", llmErr
	}
	if err := ctx.Err(); err != nil {
		observability.EndSpan(llmSpan, err)
		retErr = err
		return "", err
	}
	llmSpan.End()
	return finalText, nil
}

// cardForResult enriches tool spans with the discovered peer name when the
// tool input carried an agent URL.
func (s *Server) cardForResult(msg backend.Message) *a2a.AgentCard {
	if s.registry == nil || len(msg.ToolInput) == 0 {
		return nil
	}
	var args struct {
		AgentURL string `json:"agent_url"`
	}
	if err := json.Unmarshal(msg.ToolInput, &args); err != nil || args.AgentURL == "" {
		return nil
	}
	return s.registry.ByURL(args.AgentURL)
}

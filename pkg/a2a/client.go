package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/observability"
)

// Default client timeouts, overridable through the environment.
const (
	DefaultQueryTimeout     = 30 * time.Second
	DefaultDiscoveryTimeout = 5 * time.Second
)

// ClientOptions configures the outbound A2A client.
type ClientOptions struct {
	Guard            Guard
	APIKey           string
	QueryTimeout     time.Duration
	DiscoveryTimeout time.Duration
}

// ClientOptionsFromEnv reads AGENT_HTTP_TIMEOUT, AGENT_DISCOVERY_TIMEOUT,
// and AGENT_API_KEY alongside the guard settings.
func ClientOptionsFromEnv() ClientOptions {
	opts := ClientOptions{
		Guard:            GuardFromEnv(),
		APIKey:           os.Getenv("AGENT_API_KEY"),
		QueryTimeout:     DefaultQueryTimeout,
		DiscoveryTimeout: DefaultDiscoveryTimeout,
	}
	if d, err := time.ParseDuration(os.Getenv("AGENT_HTTP_TIMEOUT")); err == nil && d > 0 {
		opts.QueryTimeout = d
	}
	if d, err := time.ParseDuration(os.Getenv("AGENT_DISCOVERY_TIMEOUT")); err == nil && d > 0 {
		opts.DiscoveryTimeout = d
	}
	return opts
}

// Client performs guarded outbound calls to peer agents. Every call records
// an a2a span and propagates W3C trace context.
type Client struct {
	opts ClientOptions
	http *http.Client
}

// NewClient creates an A2A client.
func NewClient(opts ClientOptions) *Client {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	return &Client{opts: opts, http: &http.Client{}}
}

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

type queryResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

// Query POSTs to agentURL/query and returns the response text. The guard is
// consulted first; a rejection surfaces as ErrURLNotAllowed.
func (c *Client) Query(ctx context.Context, agentURL, query, sessionID string) (string, error) {
	ctx, span := observability.StartSpan(ctx, observability.KindA2A, "a2a.query_agent",
		attribute.String("target.url", agentURL))
	start := time.Now()
	var retErr error
	defer func() {
		span.SetAttributes(
			attribute.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			attribute.String("status", statusString(retErr)),
		)
		observability.EndSpan(span, retErr)
	}()

	if err := c.opts.Guard.Validate(agentURL); err != nil {
		retErr = err
		return "", err
	}

	body, err := json.Marshal(queryRequest{Query: query, SessionID: sessionID})
	if err != nil {
		retErr = err
		return "", err
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.QueryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		strings.TrimSuffix(agentURL, "/")+"/query", bytes.NewReader(body))
	if err != nil {
		retErr = err
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("X-API-Key", c.opts.APIKey)
	}
	otel.GetTextMapPropagator().Inject(reqCtx, propagation.HeaderCarrier(req.Header))
	span.SetAttributes(attribute.Bool("trace.propagated", req.Header.Get("traceparent") != ""))

	resp, err := c.http.Do(req)
	if err != nil {
		retErr = fmt.Errorf("querying %s: %w", agentURL, err)
		return "", retErr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		retErr = err
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retErr = fmt.Errorf("agent %s returned status %d: %s", agentURL, resp.StatusCode, truncateBody(data))
		return "", retErr
	}

	var qr queryResponse
	if err := json.Unmarshal(data, &qr); err != nil {
		retErr = fmt.Errorf("decoding response from %s: %w", agentURL, err)
		return "", retErr
	}
	return qr.Response, nil
}

// Discover GETs the agent card from agentURL.
func (c *Client) Discover(ctx context.Context, agentURL string) (*AgentCard, error) {
	ctx, span := observability.StartSpan(ctx, observability.KindA2A, "a2a.discover_agent",
		attribute.String("target.url", agentURL))
	start := time.Now()
	var retErr error
	var card *AgentCard
	defer func() {
		if card != nil {
			span.SetAttributes(attribute.String("target.name", card.Name))
		}
		span.SetAttributes(
			attribute.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			attribute.String("status", statusString(retErr)),
		)
		observability.EndSpan(span, retErr)
	}()

	if err := c.opts.Guard.Validate(agentURL); err != nil {
		retErr = err
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.DiscoveryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		strings.TrimSuffix(agentURL, "/")+"/.well-known/agent-configuration", nil)
	if err != nil {
		retErr = err
		return nil, err
	}
	otel.GetTextMapPropagator().Inject(reqCtx, propagation.HeaderCarrier(req.Header))
	span.SetAttributes(attribute.Bool("trace.propagated", req.Header.Get("traceparent") != ""))

	resp, err := c.http.Do(req)
	if err != nil {
		retErr = fmt.Errorf("discovering %s: %w", agentURL, err)
		return nil, retErr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		retErr = fmt.Errorf("agent %s returned status %d", agentURL, resp.StatusCode)
		return nil, retErr
	}
	var got AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		retErr = fmt.Errorf("decoding agent card from %s: %w", agentURL, err)
		return nil, retErr
	}
	card = &got
	return card, nil
}

func statusString(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func truncateBody(data []byte) string {
	const max = 256
	s := strings.TrimSpace(string(data))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// Package observability wires structured logging and distributed tracing for
// agents and the orchestrator. Spans are exported to a per-job JSONL file and
// optionally to an OTLP collector.
package observability

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// defaultMaxContentLength bounds logged message content before truncation.
const defaultMaxContentLength = 500

// SetupLogging configures the default slog logger from the environment:
// AGENT_LOG_LEVEL (debug/info/warn/error), AGENT_LOG_JSON (true for JSON
// output, text otherwise).
func SetupLogging() {
	level := parseLevel(os.Getenv("AGENT_LOG_LEVEL"))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if isTruthy(os.Getenv("AGENT_LOG_JSON")) {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// MaxContentLength returns the configured content truncation limit from
// AGENT_LOG_MAX_CONTENT_LENGTH.
func MaxContentLength() int {
	if v := os.Getenv("AGENT_LOG_MAX_CONTENT_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultMaxContentLength
}

// Truncate shortens content for log output, marking the cut.
func Truncate(content string, limit int) string {
	if limit <= 0 {
		limit = defaultMaxContentLength
	}
	if len(content) <= limit {
		return content
	}
	return content[:limit] + "...(truncated)"
}

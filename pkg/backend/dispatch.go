package backend

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Backend type names accepted in AGENT_BACKEND_TYPE.
const (
	TypeClaude = "claude"
	TypeOpenAI = "openai"
	TypeLocal  = "local"
	TypeEcho   = "echo"
)

// DefaultType is used when AGENT_BACKEND_TYPE is unset or unknown.
const DefaultType = TypeEcho

// Settings is the resolved backend configuration, fixed at agent startup.
type Settings struct {
	Type        string
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float64
}

// SettingsFromEnv reads backend configuration from the agent environment.
func SettingsFromEnv() Settings {
	s := Settings{
		Type:      strings.ToLower(strings.TrimSpace(os.Getenv("AGENT_BACKEND_TYPE"))),
		Model:     os.Getenv("AGENT_MODEL"),
		BaseURL:   os.Getenv("AGENT_BACKEND_URL"),
		MaxTokens: 4096,
	}
	if v := os.Getenv("AGENT_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.MaxTokens = n
		}
	}
	if v := os.Getenv("AGENT_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.Temperature = f
		}
	}
	switch s.Type {
	case TypeClaude:
		s.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	case TypeOpenAI:
		s.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return s
}

// New selects the backend for the configured type. Unknown types fall back
// to the echo backend with a warning so a misconfigured agent still answers.
func New(settings Settings) (Backend, error) {
	switch settings.Type {
	case TypeClaude:
		return NewClaude(settings)
	case TypeOpenAI:
		return NewOpenAI(settings)
	case TypeLocal:
		return NewLocal(settings)
	case TypeEcho, "":
		return NewEcho(), nil
	default:
		slog.Warn("Unknown backend type, falling back to echo", "backend_type", settings.Type)
		return NewEcho(), nil
	}
}

package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Message) []Message {
	t.Helper()
	var msgs []Message
	for m := range ch {
		msgs = append(msgs, m)
	}
	return msgs
}

func TestEcho_QueryRepeatsLastUserMessage(t *testing.T) {
	b := NewEcho()
	ch, err := b.Query(context.Background(), Request{
		History: []HistoryEntry{
			{Role: "user", Text: "first"},
			{Role: "assistant", Text: "echo: first"},
			{Role: "user", Text: "second"},
		},
	})
	require.NoError(t, err)

	msgs := collect(t, ch)
	require.Len(t, msgs, 2)
	assert.Equal(t, AssistantText, msgs[0].Kind)
	assert.Equal(t, "echo: second", msgs[0].Text)
	assert.Equal(t, Done, msgs[1].Kind)
	assert.Equal(t, "echo: second", msgs[1].Text)
	assert.False(t, msgs[1].IsError)
}

func TestEcho_Deterministic(t *testing.T) {
	b := NewEcho()
	req := Request{History: []HistoryEntry{{Role: "user", Text: "ping"}}}

	for i := 0; i < 3; i++ {
		ch, err := b.Query(context.Background(), req)
		require.NoError(t, err)
		msgs := collect(t, ch)
		require.Len(t, msgs, 2)
		assert.Equal(t, "echo: ping", msgs[1].Text)
	}
}

func TestNew_Dispatch(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		want     string
		wantErr  bool
	}{
		{name: "echo", settings: Settings{Type: TypeEcho}, want: TypeEcho},
		{name: "empty defaults to echo", settings: Settings{}, want: TypeEcho},
		{name: "unknown falls back to echo", settings: Settings{Type: "gemini"}, want: TypeEcho},
		{name: "claude", settings: Settings{Type: TypeClaude, APIKey: "sk-test"}, want: TypeClaude},
		{name: "claude without key", settings: Settings{Type: TypeClaude}, wantErr: true},
		{name: "openai", settings: Settings{Type: TypeOpenAI, APIKey: "sk-test"}, want: TypeOpenAI},
		{name: "openai without key", settings: Settings{Type: TypeOpenAI}, wantErr: true},
		{name: "local", settings: Settings{Type: TypeLocal, BaseURL: "http://127.0.0.1:11434/v1", Model: "llama3"}, want: TypeLocal},
		{name: "local without url", settings: Settings{Type: TypeLocal, Model: "llama3"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.settings)
			if tt.wantErr {
				require.Error(t, err)
				var be *Error
				assert.ErrorAs(t, err, &be)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, b.Name(), "dispatch must route to the configured backend")
		})
	}
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("AGENT_BACKEND_TYPE", "Claude")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("AGENT_MODEL", "claude-sonnet-4-20250514")
	t.Setenv("AGENT_MAX_TOKENS", "2048")
	t.Setenv("AGENT_TEMPERATURE", "0.3")

	s := SettingsFromEnv()
	assert.Equal(t, TypeClaude, s.Type)
	assert.Equal(t, "sk-ant-test", s.APIKey)
	assert.Equal(t, "claude-sonnet-4-20250514", s.Model)
	assert.Equal(t, 2048, s.MaxTokens)
	assert.InDelta(t, 0.3, s.Temperature, 1e-9)
}

func TestQuery_EmptyHistoryRejected(t *testing.T) {
	claude, err := NewClaude(Settings{APIKey: "sk-test"})
	require.NoError(t, err)
	_, err = claude.Query(context.Background(), Request{})
	assert.Error(t, err)

	oa, err := NewOpenAI(Settings{APIKey: "sk-test"})
	require.NoError(t, err)
	_, err = oa.Query(context.Background(), Request{})
	assert.Error(t, err)
}

func TestExecuteTool_Unknown(t *testing.T) {
	result, isErr := executeTool(context.Background(), map[string]Tool{}, "missing", nil)
	assert.True(t, isErr)
	assert.Contains(t, result, "missing")
}

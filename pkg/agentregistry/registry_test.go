package agentregistry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/a2a"
)

type fakeDiscoverer struct {
	mu    sync.Mutex
	cards map[string]*a2a.AgentCard
	errs  map[string]error
	calls int
}

func (f *fakeDiscoverer) Discover(_ context.Context, url string) (*a2a.AgentCard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if card, ok := f.cards[url]; ok {
		return card, nil
	}
	return nil, errors.New("unknown agent")
}

func TestRegistry_RefreshAndByURL(t *testing.T) {
	d := &fakeDiscoverer{cards: map[string]*a2a.AgentCard{
		"http://127.0.0.1:9001": {Name: "worker-1", Description: "first worker"},
		"http://127.0.0.1:9002": {Name: "worker-2", Description: "second worker"},
	}}
	r := New(d, []string{"http://127.0.0.1:9001", "http://127.0.0.1:9002"})

	r.Refresh(context.Background())

	card := r.ByURL("http://127.0.0.1:9001")
	require.NotNil(t, card)
	assert.Equal(t, "worker-1", card.Name)
	assert.Nil(t, r.ByURL("http://127.0.0.1:9999"))
	assert.Equal(t, 2, d.calls)
}

func TestRegistry_RefreshPartialFailure(t *testing.T) {
	d := &fakeDiscoverer{
		cards: map[string]*a2a.AgentCard{
			"http://127.0.0.1:9001": {Name: "alive", Description: "up"},
		},
		errs: map[string]error{
			"http://127.0.0.1:9002": errors.New("connection refused"),
		},
	}
	r := New(d, []string{"http://127.0.0.1:9001", "http://127.0.0.1:9002"})
	r.Refresh(context.Background())

	assert.NotNil(t, r.ByURL("http://127.0.0.1:9001"))
	assert.Nil(t, r.ByURL("http://127.0.0.1:9002"))

	prompt := r.RenderPrompt("base")
	assert.Contains(t, prompt, "alive")
	assert.Contains(t, prompt, "discovery failed: connection refused")
}

func TestRegistry_RenderPromptNoPeers(t *testing.T) {
	r := New(&fakeDiscoverer{}, nil)
	assert.Equal(t, "You are an assistant.", r.RenderPrompt("You are an assistant."))
}

func TestRegistry_RenderPromptUndiscovered(t *testing.T) {
	r := New(&fakeDiscoverer{}, []string{"http://127.0.0.1:9001"})
	prompt := r.RenderPrompt("base prompt")
	assert.Contains(t, prompt, "base prompt")
	assert.Contains(t, prompt, "Connected agents:")
	assert.Contains(t, prompt, "not yet discovered")
	assert.Contains(t, prompt, "query_agent")
}

func TestRegistry_RenderPromptDeterministicOrder(t *testing.T) {
	d := &fakeDiscoverer{cards: map[string]*a2a.AgentCard{
		"http://127.0.0.1:9002": {Name: "b"},
		"http://127.0.0.1:9001": {Name: "a"},
	}}
	r := New(d, []string{"http://127.0.0.1:9002", "http://127.0.0.1:9001"})
	r.Refresh(context.Background())

	first := r.RenderPrompt("base")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, r.RenderPrompt("base"))
	}
	// Sorted by URL, so 9001 renders before 9002.
	assert.Less(t, strings.Index(first, "9001"), strings.Index(first, "9002"))
}

func TestConnectedAgentURLs(t *testing.T) {
	t.Setenv("CONNECTED_AGENTS", "http://127.0.0.1:9001, http://127.0.0.1:9002 ,")
	assert.Equal(t,
		[]string{"http://127.0.0.1:9001", "http://127.0.0.1:9002"},
		ConnectedAgentURLs())

	t.Setenv("CONNECTED_AGENTS", "")
	assert.Empty(t, ConnectedAgentURLs())
}

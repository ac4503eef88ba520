// Package agentregistry discovers the agents named in CONNECTED_AGENTS and
// caches their cards for prompt synthesis and span enrichment.
package agentregistry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/a2a"
)

// maxConcurrentDiscoveries bounds parallel card fetches at startup.
const maxConcurrentDiscoveries = 8

// Discoverer fetches an agent card. Satisfied by *a2a.Client.
type Discoverer interface {
	Discover(ctx context.Context, agentURL string) (*a2a.AgentCard, error)
}

// Registry caches discovered agent cards keyed by URL. Reads are safe for
// concurrent use; Refresh replaces entries in place.
type Registry struct {
	discoverer Discoverer
	urls       []string
	logger     *slog.Logger

	mu     sync.RWMutex
	cards  map[string]*a2a.AgentCard
	failed map[string]string
}

// ConnectedAgentURLs parses the comma-joined CONNECTED_AGENTS variable.
// An empty or unset variable yields no URLs; the agent simply has no peers.
func ConnectedAgentURLs() []string {
	var urls []string
	for _, u := range strings.Split(os.Getenv("CONNECTED_AGENTS"), ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// New creates a registry over the given peer URLs. Call Refresh to populate.
func New(discoverer Discoverer, urls []string) *Registry {
	return &Registry{
		discoverer: discoverer,
		urls:       urls,
		logger:     slog.With("component", "agent_registry"),
		cards:      make(map[string]*a2a.AgentCard),
		failed:     make(map[string]string),
	}
}

// Refresh discovers all configured peers in parallel. Failures are recorded
// per URL and do not abort the rest; a peer that is slow to start simply
// shows up as undiscovered in the prompt.
func (r *Registry) Refresh(ctx context.Context) {
	if len(r.urls) == 0 {
		return
	}
	sem := make(chan struct{}, maxConcurrentDiscoveries)
	var wg sync.WaitGroup
	for _, url := range r.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			card, err := r.discoverer.Discover(ctx, url)
			r.mu.Lock()
			defer r.mu.Unlock()
			if err != nil {
				r.failed[url] = err.Error()
				delete(r.cards, url)
				r.logger.Warn("Agent discovery failed", "url", url, "error", err)
				return
			}
			r.cards[url] = card
			delete(r.failed, url)
			r.logger.Info("Agent discovered", "url", url, "name", card.Name)
		}(url)
	}
	wg.Wait()
}

// ByURL returns the cached card for a peer, or nil when undiscovered.
func (r *Registry) ByURL(url string) *a2a.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cards[url]
}

// URLs returns the configured peer URLs.
func (r *Registry) URLs() []string {
	return append([]string(nil), r.urls...)
}

// RenderPrompt appends a connected-agents block to the base system prompt.
// With no peers configured the base prompt is returned unchanged.
func (r *Registry) RenderPrompt(base string) string {
	if len(r.urls) == 0 {
		return base
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "\n"))
	b.WriteString("\n\nConnected agents:\n")

	sorted := append([]string(nil), r.urls...)
	sort.Strings(sorted)
	for _, url := range sorted {
		if card, ok := r.cards[url]; ok {
			fmt.Fprintf(&b, "- %s\n", card.Summary())
			continue
		}
		if reason, ok := r.failed[url]; ok {
			fmt.Fprintf(&b, "- %s (discovery failed: %s)\n", url, reason)
			continue
		}
		fmt.Fprintf(&b, "- %s (not yet discovered)\n", url)
	}
	b.WriteString("\nUse the query_agent tool to delegate work to a connected agent, and the discover_agent tool to learn more about one.")
	return b.String()
}

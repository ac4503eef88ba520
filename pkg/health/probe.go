// Package health probes deployed agents over their /health endpoint and,
// when a restart policy allows it, restarts agents that stop responding.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultProbeTimeout bounds a single /health request.
const DefaultProbeTimeout = 5 * time.Second

// Probe performs one health check against an agent base URL. It succeeds only
// on a 200 response from GET <url>/health.
func Probe(ctx context.Context, client *http.Client, baseURL string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe: unexpected status %d", resp.StatusCode)
	}
	return nil
}

package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/config"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"plain", "'plain'"},
		{"with space", "'with space'"},
		{"it's", `'it'\''s'`},
		{"$HOME", "'$HOME'"},
		{"a;rm -rf /", "'a;rm -rf /'"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shellQuote(tt.in), "input %q", tt.in)
	}
}

func TestShellQuoteAll(t *testing.T) {
	assert.Equal(t, "'agent' '--id' 'worker 1'", shellQuoteAll([]string{"agent", "--id", "worker 1"}))
}

func TestQuoteRemotePath(t *testing.T) {
	assert.Equal(t, `"$HOME"`, quoteRemotePath("~"))
	assert.Equal(t, `"$HOME"/'.fleet/jobs/j1'`, quoteRemotePath("~/.fleet/jobs/j1"))
	assert.Equal(t, "'/opt/fleet'", quoteRemotePath("/opt/fleet"))
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "12345", lastLine("12345\n"))
	assert.Equal(t, "12345", lastLine("warning: something\n12345\n"))
}

func TestParseSSHConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config")
	content := `# cluster nodes
Host nodeA
    HostName 10.0.0.11
    User deploy
    Port 2222
    IdentityFile ~/.ssh/cluster_ed25519

Host node*
    User fallback

Host other
    HostName 10.0.0.99
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	t.Run("exact match wins first", func(t *testing.T) {
		got := parseSSHConfig(cfgPath, "nodeA")
		assert.Equal(t, "10.0.0.11", got.Hostname)
		assert.Equal(t, "deploy", got.User)
		assert.Equal(t, "2222", got.Port)
		assert.Contains(t, got.IdentityFile, ".ssh/cluster_ed25519")
	})

	t.Run("wildcard match", func(t *testing.T) {
		got := parseSSHConfig(cfgPath, "nodeB")
		assert.Equal(t, "fallback", got.User)
		assert.Empty(t, got.Hostname)
	})

	t.Run("no match", func(t *testing.T) {
		got := parseSSHConfig(cfgPath, "unknown")
		assert.Equal(t, hostConfig{}, got)
	})

	t.Run("missing file", func(t *testing.T) {
		got := parseSSHConfig(filepath.Join(dir, "nope"), "nodeA")
		assert.Equal(t, hostConfig{}, got)
	})
}

func TestSshRunner_Endpoint(t *testing.T) {
	r := NewSshRunner(config.SSHOptions{User: "jobuser", KeyPath: "/keys/job_key"})

	t.Run("target overrides job defaults", func(t *testing.T) {
		ep, err := r.endpoint(config.Target{
			Type: config.TargetRemote, Host: "10.1.2.3",
			User: "alice", SSHKey: "/keys/alice_key", Port: 2200,
		})
		require.NoError(t, err)
		assert.Equal(t, "10.1.2.3", ep.host)
		assert.Equal(t, "alice", ep.user)
		assert.Equal(t, 2200, ep.port)
		assert.Equal(t, "/keys/alice_key", ep.keyPath)
	})

	t.Run("job defaults fill gaps", func(t *testing.T) {
		ep, err := r.endpoint(config.Target{Type: config.TargetRemote, Host: "10.1.2.3"})
		require.NoError(t, err)
		assert.Equal(t, "jobuser", ep.user)
		assert.Equal(t, config.DefaultSSHPort, ep.port)
		assert.Equal(t, "/keys/job_key", ep.keyPath)
	})

	t.Run("missing host", func(t *testing.T) {
		_, err := r.endpoint(config.Target{Type: config.TargetRemote})
		assert.ErrorIs(t, err, ErrConnectionFailed)
	})
}

func TestSshRunner_StopNotRemoteHandle(t *testing.T) {
	r := NewSshRunner(config.SSHOptions{})
	err := r.Stop(t.Context(), &Handle{AgentID: "a"}, 0)
	assert.ErrorIs(t, err, ErrStopFailed)
}

package runner

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// hostConfig is the subset of a client SSH config entry the runner uses.
type hostConfig struct {
	Hostname     string
	User         string
	Port         string
	IdentityFile string
}

// lookupSSHConfig resolves a host alias against ~/.ssh/config. Only the
// first matching Host block wins, mirroring OpenSSH precedence. A missing or
// unreadable config file resolves to an empty config.
func lookupSSHConfig(alias string) hostConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		return hostConfig{}
	}
	return parseSSHConfig(filepath.Join(home, ".ssh", "config"), alias)
}

func parseSSHConfig(path, alias string) hostConfig {
	f, err := os.Open(path)
	if err != nil {
		return hostConfig{}
	}
	defer f.Close()

	var cfg hostConfig
	inBlock := false
	matched := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := splitConfigLine(line)
		if !ok {
			continue
		}
		if strings.EqualFold(key, "Host") {
			if matched {
				break // first matching block wins
			}
			inBlock = hostPatternMatches(value, alias)
			if inBlock {
				matched = true
			}
			continue
		}
		if !inBlock {
			continue
		}
		switch strings.ToLower(key) {
		case "hostname":
			cfg.Hostname = value
		case "user":
			cfg.User = value
		case "port":
			cfg.Port = value
		case "identityfile":
			cfg.IdentityFile = expandHomePath(value)
		}
	}
	return cfg
}

func splitConfigLine(line string) (key, value string, ok bool) {
	if i := strings.IndexAny(line, " \t="); i > 0 {
		return line[:i], strings.TrimSpace(strings.TrimLeft(line[i:], " \t=")), true
	}
	return "", "", false
}

// hostPatternMatches checks the alias against space-separated patterns,
// supporting the common trailing-* wildcard form.
func hostPatternMatches(patterns, alias string) bool {
	for _, p := range strings.Fields(patterns) {
		if p == alias {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(alias, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

func expandHomePath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// Package version derives the fleet build version from VCS build metadata,
// with an -ldflags override for builds where .git is unavailable.
package version

import "runtime/debug"

const app = "fleet"

// commitOverride is set via -ldflags at build time. Empty means no override.
var commitOverride string

// Commit is the short VCS revision, or "dev" when build info is unavailable.
var Commit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return shorten(commitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return shorten(s.Value)
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// String returns "fleet/<commit>" for logs and user-agent strings.
func String() string {
	return app + "/" + Commit
}

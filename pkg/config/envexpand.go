package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv substitutes ${VAR} references in job YAML with values from the
// host environment. Bare $VAR is left untouched so shell fragments and regex
// patterns survive. A reference to an unset variable is an error: jobs must
// not silently deploy with empty credentials or hosts.
func ExpandEnv(data []byte) ([]byte, error) {
	var missing []string
	expanded := envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		value, ok := os.LookupEnv(string(name))
		if !ok {
			missing = append(missing, string(name))
			return match
		}
		return []byte(value)
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrUnresolvedVariable, strings.Join(dedupe(missing), ", "))
	}
	return expanded, nil
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

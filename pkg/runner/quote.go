package runner

import "strings"

// shellQuote wraps s in single quotes, escaping embedded single quotes, so
// user-supplied values are never interpolated into a remote shell unquoted.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// shellQuoteAll quotes each element and joins with spaces.
func shellQuoteAll(parts []string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = shellQuote(p)
	}
	return strings.Join(quoted, " ")
}

package utils

import "strings"

// SplitScopes splits a space separated scope string, dropping empty entries.
func SplitScopes(scope string) []string {
	return strings.Fields(scope)
}

// ContainsScope reports whether the space separated scope string carries want.
func ContainsScope(scope, want string) bool {
	for _, s := range SplitScopes(scope) {
		if s == want {
			return true
		}
	}
	return false
}

// SplitCSV splits a comma separated list and trims each value.
func SplitCSV(value string) []string {
	out := make([]string, 0)
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

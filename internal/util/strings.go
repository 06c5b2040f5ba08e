package util

import (
	"slices"
	"sort"
	"strings"
)

// SafeTruncate safely truncates a string to maxLen characters without panicking.
// Used when logging token handles, where only a prefix should be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
//	SafeTruncate("test", -1)                   // Returns: ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// SplitList splits a space-delimited parameter (scope, prompt, ui_locales, ...)
// into its non-empty entries.
func SplitList(s string) []string {
	return strings.Fields(s)
}

// NormalizeList sorts the entries of a space-delimited list and joins them
// with single spaces, so that "token code" and "code  token" compare equal.
func NormalizeList(s string) string {
	fields := strings.Fields(s)
	sort.Strings(fields)
	return strings.Join(fields, " ")
}

// Dedupe returns values with duplicates removed, keeping the first occurrence.
func Dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ContainsAll reports whether every entry of want is in have.
func ContainsAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

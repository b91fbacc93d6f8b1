// Package strutils contains small string helpers shared across the engine's
// packages.
package strutils

import (
	"strings"
	"unicode"
)

// StrListContains looks for a string in a list of strings.
func StrListContains(haystack []string, needle string) bool {
	for _, item := range haystack {
		if item == needle {
			return true
		}
	}
	return false
}

// RemoveDuplicates removes duplicate and empty elements from a slice of
// strings, keeping first-seen order.
func RemoveDuplicates(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	result := make([]string, 0, len(items))
	for _, item := range items {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		result = append(result, item)
	}
	return result
}

// SnakeCase converts a camelCase or PascalCase identifier to snake_case.
// Existing underscores and lower-case runs pass through unchanged, so keys
// that are already snake_cased are stable under conversion.
func SnakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && runes[i-1] != '_' && !unicode.IsUpper(runes[i-1]) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SnakeCaseKeys returns a copy of m with every key converted to snake_case.
func SnakeCaseKeys(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[SnakeCase(k)] = v
	}
	return out
}

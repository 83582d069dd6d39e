package domain

import "strings"

// MatchWildcard checks if input matches a pattern where * matches any
// run of characters.
// Examples:
//   - "*sonnet*" matches "claude-sonnet-4-20250514"
//   - "gpt-4*" matches "gpt-4-turbo"
//   - "*-20241022" matches "claude-3-5-sonnet-20241022"
func MatchWildcard(pattern, input string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == input
	}

	parts := strings.Split(pattern, "*")

	if len(parts) == 2 && parts[1] == "" {
		return strings.HasPrefix(input, parts[0])
	}
	if len(parts) == 2 && parts[0] == "" {
		return strings.HasSuffix(input, parts[1])
	}

	pos := 0
	for i, part := range parts {
		if part == "" {
			continue
		}

		idx := strings.Index(input[pos:], part)
		if idx < 0 {
			return false
		}

		// First part anchors to the start unless the pattern leads with *
		if i == 0 && idx != 0 {
			return false
		}

		pos += idx + len(part)
	}

	if parts[len(parts)-1] != "" && !strings.HasSuffix(input, parts[len(parts)-1]) {
		return false
	}

	return true
}

// Package redact scrubs secret-shaped substrings from container log text
// before it is persisted or streamed to a viewer, per the fixed pattern
// set in the error-handling design.
package redact

import "regexp"

var patterns = []*regexp.Regexp{
	regexp.MustCompile(`SECRET_\w+=\S+`),
	regexp.MustCompile(`API_KEY=\S+`),
	regexp.MustCompile(`PASSWORD=\S+`),
	regexp.MustCompile(`TOKEN=\S+`),
	regexp.MustCompile(`PRIVATE_KEY=\S+`),
	regexp.MustCompile(`sk_live_\S+`),
	regexp.MustCompile(`sk_test_\S+`),
}

// Text replaces every match of a known secret pattern with a same-keyed
// [REDACTED] marker, preserving the "KEY=" prefix where one is present.
func Text(s string) string {
	for _, p := range patterns {
		s = p.ReplaceAllStringFunc(s, func(match string) string {
			if i := indexOfEquals(match); i >= 0 {
				return match[:i+1] + "[REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	return s
}

func indexOfEquals(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return i
		}
	}
	return -1
}

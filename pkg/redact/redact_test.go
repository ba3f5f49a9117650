package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextRedactsKeyValuePatterns(t *testing.T) {
	cases := map[string]string{
		"SECRET_DB_PASSWORD=hunter2 starting up":   "SECRET_DB_PASSWORD=[REDACTED] starting up",
		"API_KEY=abc123":                           "API_KEY=[REDACTED]",
		"PASSWORD=hunter2":                         "PASSWORD=[REDACTED]",
		"TOKEN=ghp_abcdef":                         "TOKEN=[REDACTED]",
		"PRIVATE_KEY=-----BEGIN":                   "PRIVATE_KEY=[REDACTED]",
		"connecting with sk_live_abcdefghijklmnop": "connecting with [REDACTED]",
		"connecting with sk_test_abcdefghijklmnop": "connecting with [REDACTED]",
	}
	for input, want := range cases {
		assert.Equal(t, want, Text(input), input)
	}
}

func TestTextLeavesOrdinaryLogLinesUntouched(t *testing.T) {
	line := "listening on 0.0.0.0:8080"
	assert.Equal(t, line, Text(line))
}

func TestTextRedactsMultipleMatchesInOneLine(t *testing.T) {
	line := "API_KEY=abc TOKEN=def"
	assert.Equal(t, "API_KEY=[REDACTED] TOKEN=[REDACTED]", Text(line))
}

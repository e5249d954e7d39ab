package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "normal text",
			input:    "fetch timeout: context deadline exceeded",
			expected: "fetch timeout: context deadline exceeded",
		},
		{
			name:     "token query parameter",
			input:    `Get "https://example.test/exec?user=u1&token=abc123": dial tcp`,
			expected: `Get "https://example.test/exec?user=u1&token=[REDACTED]": dial tcp`,
		},
		{
			name:     "password pair",
			input:    "connect: password=hunter22 sslmode=disable",
			expected: "connect: password=[REDACTED] sslmode=disable",
		},
		{
			name:     "bearer header",
			input:    "Authorization: Bearer abcdefghijklmnop",
			expected: "Authorization: Bearer [REDACTED]",
		},
		{
			name:     "url credentials",
			input:    "dial postgres://app:s3cret@db:5432/state failed",
			expected: "dial postgres://app:[REDACTED]@db:5432/state failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Redact(tt.input))
		})
	}
}

func TestContainsSecrets(t *testing.T) {
	assert.False(t, ContainsSecrets(""))
	assert.False(t, ContainsSecrets("2 new shift changes detected."))
	assert.True(t, ContainsSecrets("redis://:pw@localhost:6379/0?token=x"))
	assert.True(t, ContainsSecrets("api_key=abc"))
}

func TestRedactDSN(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/home/op/.shiftwatch/shiftwatch.db", "/home/op/.shiftwatch/shiftwatch.db"},
		{"memory://", "memory://"},
		{"postgres://app:s3cret@db:5432/state?sslmode=disable", "postgres://app:[REDACTED]@db:5432/state?sslmode=disable"},
		{"redis://localhost:6379/0?prefix=sw:", "redis://localhost:6379/0?prefix=sw:"},
		{"https://example.test/exec?token=abc", "https://example.test/exec?token=[REDACTED]"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, RedactDSN(tt.input), tt.input)
	}
}

package util

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "lowercases_host",
			input:    "http://EXAMPLE.org/path",
			expected: "http://example.org/path",
		},
		{
			name:     "strips_default_http_port",
			input:    "http://example.org:80/path",
			expected: "http://example.org/path",
		},
		{
			name:     "strips_default_https_port",
			input:    "https://example.org:443/",
			expected: "https://example.org/",
		},
		{
			name:     "keeps_explicit_port",
			input:    "http://example.org:8080/path",
			expected: "http://example.org:8080/path",
		},
		{
			name:     "empty_path_becomes_root",
			input:    "http://example.org",
			expected: "http://example.org/",
		},
		{
			name:     "strips_default_wss_port",
			input:    "wss://echo.example:443/socket",
			expected: "wss://echo.example/socket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, NormalizeURL(u).String())
		})
	}
}

func TestNormalizeURLIdempotent(t *testing.T) {
	u, err := url.Parse("HTTP://User@Example.ORG:80/a%20b?z=1&a=2")
	require.NoError(t, err)

	once := NormalizeURL(u)
	twice := NormalizeURL(once)
	assert.Equal(t, once.String(), twice.String())
}

func TestPortOf(t *testing.T) {
	tests := []struct {
		raw      string
		expected int
	}{
		{"http://example.org/", 80},
		{"https://example.org/", 443},
		{"ws://example.org/", 80},
		{"wss://example.org/", 443},
		{"http://example.org:9999/", 9999},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, PortOf(u), tt.raw)
	}
}

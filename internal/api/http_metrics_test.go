package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/api/health", "/api/health"},
		{"/api/scan/01K3AAAAAAAAAAAAAAAAAAAAAA", "/api/scan/:id"},
		{"/api/scan/01K3AAAAAAAAAAAAAAAAAAAAAA/retry/status", "/api/scan/:id/retry/status"},
		{"/api/scan/not-a-real-id", "/api/scan/not-a-real-id"},
		{"/api/scan/0123456789012345678901234567890123", "/api/scan/:token"},
		{"/api/monitoring/metrics?timeRange=24h", "/api/monitoring/metrics"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeRoute(tt.path), tt.path)
	}
}

func TestLooksLikeULID(t *testing.T) {
	assert.True(t, looksLikeULID("01K3AAAAAAAAAAAAAAAAAAAAAA"))
	assert.True(t, looksLikeULID("01k3aaaaaaaaaaaaaaaaaaaaaa"))
	// I, L, O and U are excluded from the Crockford alphabet.
	assert.False(t, looksLikeULID("01K3IIIIIIIIIIIIIIIIIIIIII"))
	assert.False(t, looksLikeULID("too-short"))
	assert.False(t, looksLikeULID("01K3AAAAAAAAAAAAAAAAAAAAA-"))
}

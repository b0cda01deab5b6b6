package websocket

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-ai/paseo/internal/common/logger"
)

func newTestHandler(t *testing.T, auth AuthConfig) *Handler {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return NewHandler(nil, auth, log)
}

func TestHostAllowedDefaultsToLoopback(t *testing.T) {
	h := newTestHandler(t, AuthConfig{})

	assert.True(t, h.hostAllowed("localhost:6767"))
	assert.True(t, h.hostAllowed("127.0.0.1:6767"))
	assert.True(t, h.hostAllowed("localhost"))
	assert.False(t, h.hostAllowed("paseo.example.com:6767"))
	assert.False(t, h.hostAllowed("192.168.1.5:6767"))
}

func TestHostAllowedExplicitEntries(t *testing.T) {
	h := newTestHandler(t, AuthConfig{AllowedHosts: []string{"paseo.example.com", ".internal.example.com"}})

	assert.True(t, h.hostAllowed("paseo.example.com:6767"))
	assert.False(t, h.hostAllowed("other.example.com:6767"))
	assert.False(t, h.hostAllowed("localhost:6767"))

	// Dot prefix means suffix match, including the bare domain.
	assert.True(t, h.hostAllowed("svc.internal.example.com"))
	assert.True(t, h.hostAllowed("internal.example.com"))
	assert.False(t, h.hostAllowed("internal.example.com.evil.net"))
}

func TestHostAllowedWildcard(t *testing.T) {
	h := newTestHandler(t, AuthConfig{AllowedHosts: []string{"*"}})
	assert.True(t, h.hostAllowed("anything.example.com:9999"))
}

func TestTokenValidation(t *testing.T) {
	h := newTestHandler(t, AuthConfig{Token: "secret-token"})

	req := httptest.NewRequest("GET", "/ws", nil)
	assert.False(t, h.tokenValid(req), "missing token is rejected")

	req = httptest.NewRequest("GET", "/ws?token=secret-token", nil)
	assert.True(t, h.tokenValid(req))

	req = httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	assert.True(t, h.tokenValid(req))

	req = httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	assert.False(t, h.tokenValid(req))
}

func TestTokenNotRequiredWhenUnset(t *testing.T) {
	h := newTestHandler(t, AuthConfig{})
	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, h.tokenValid(req))
}

func TestNormalizeHost(t *testing.T) {
	assert.Equal(t, "localhost", normalizeHost("localhost:6767"))
	assert.Equal(t, "localhost", normalizeHost("localhost"))
	assert.Equal(t, "::1", normalizeHost("[::1]:6767"))
}

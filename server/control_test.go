package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logux/logux-server/config"
)

func TestStatusRouteIsUngated(t *testing.T) {
	srv, err := New(&config.Config{})
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv.setupControlRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsRouteDeniedWithoutSecret(t *testing.T) {
	srv, err := New(&config.Config{ControlSecret: "topsecret"})
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv.setupControlRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMetricsRouteAllowedWithSecret(t *testing.T) {
	srv, err := New(&config.Config{ControlSecret: "topsecret"})
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv.setupControlRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestControlMaskDeniesUnlistedAddr(t *testing.T) {
	srv, err := New(&config.Config{ControlMask: "10.0.0.0/8"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "203.0.113.5:4321"

	assert.False(t, srv.allowedControlAddr(req))
}

func TestControlMaskAllowsMatchingAddr(t *testing.T) {
	srv, err := New(&config.Config{ControlMask: "10.0.0.0/8"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "10.1.2.3:4321"

	assert.True(t, srv.allowedControlAddr(req))
}

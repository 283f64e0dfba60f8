package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logux/logux-server/config"
)

func TestNewRejectsMalformedSupportsRange(t *testing.T) {
	_, err := New(&config.Config{Supports: "not-a-range("})
	assert.Error(t, err)
}

func TestNewAcceptsEmptySupportsRange(t *testing.T) {
	srv, err := New(&config.Config{})
	require.NoError(t, err)
	assert.True(t, srv.supportsSubprotocol("0.0.1"))
}

func TestSupportsSubprotocolRespectsConstraint(t *testing.T) {
	srv, err := New(&config.Config{Supports: ">=2.0.0"})
	require.NoError(t, err)
	assert.True(t, srv.supportsSubprotocol("2.1.0"))
	assert.False(t, srv.supportsSubprotocol("1.9.0"))
	assert.False(t, srv.supportsSubprotocol("not-semver"))
}

func TestAuthenticateDefaultsToAllowWithNoAuthFunc(t *testing.T) {
	srv, err := New(&config.Config{})
	require.NoError(t, err)
	ok, err := srv.authenticate("alice", nil, "127.0.0.1:1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListenAndDestroy(t *testing.T) {
	srv, err := New(&config.Config{Host: "127.0.0.1", Port: 0})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	srv.cfg.Port = port

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen() }()

	assert.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Destroy(ctx))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after Destroy")
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	srv, err := New(&config.Config{})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, srv.Destroy(ctx))
	require.NoError(t, srv.Destroy(ctx))
}

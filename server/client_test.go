package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logux/logux-server/config"
	"github.com/logux/logux-server/wire"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(&config.Config{Supports: ">=1.0.0", Root: true})
	require.NoError(t, err)
	return srv
}

func dial(t *testing.T, srv *Server) (*wire.MemoryPeer, *Client) {
	t.Helper()
	clientPeer, serverPeer := wire.NewMemoryPeerPair("127.0.0.1:1234")
	c := newClient(srv, serverPeer)
	go c.run()
	return clientPeer, c
}

func TestConnectHandshake(t *testing.T) {
	srv := testServer(t)
	clientPeer, c := dial(t, srv)
	defer c.destroy("test done")

	require.NoError(t, clientPeer.Send(wire.MarshalCommand(
		"connect", protocolVersion, "10:client", 0,
		map[string]interface{}{"subprotocol": "1.0.0"},
	)))

	reply, err := clientPeer.Receive()
	require.NoError(t, err)
	assert.Equal(t, "connected", reply[0])

	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.state == StateAuthenticated
	}, time.Second, time.Millisecond)
}

func TestConnectRejectsUnsupportedSubprotocol(t *testing.T) {
	srv := testServer(t)
	clientPeer, c := dial(t, srv)
	defer c.destroy("test done")

	require.NoError(t, clientPeer.Send(wire.MarshalCommand(
		"connect", protocolVersion, "10:client", 0,
		map[string]interface{}{"subprotocol": "0.1.0"},
	)))

	reply, err := clientPeer.Receive()
	require.NoError(t, err)
	assert.Equal(t, "error", reply[0])
	assert.Equal(t, string(KindWrongSubprotocol), reply[1])
}

func TestConnectRejectsFailedAuth(t *testing.T) {
	srv := testServer(t)
	srv.SetAuth(func(userID string, credentials map[string]interface{}, addr string) (bool, error) {
		return false, nil
	})
	clientPeer, c := dial(t, srv)
	defer c.destroy("test done")

	require.NoError(t, clientPeer.Send(wire.MarshalCommand(
		"connect", protocolVersion, "10:client", 0,
		map[string]interface{}{"subprotocol": "1.0.0"},
	)))

	reply, err := clientPeer.Receive()
	require.NoError(t, err)
	assert.Equal(t, "error", reply[0])
	assert.Equal(t, string(KindDenied), reply[1])
}

func TestConnectRejectsServerUserID(t *testing.T) {
	srv := testServer(t)
	clientPeer, c := dial(t, srv)
	defer c.destroy("test done")

	require.NoError(t, clientPeer.Send(wire.MarshalCommand(
		"connect", protocolVersion, "server:client", 0,
		map[string]interface{}{"subprotocol": "1.0.0"},
	)))

	reply, err := clientPeer.Receive()
	require.NoError(t, err)
	assert.Equal(t, "error", reply[0])
	assert.Equal(t, string(KindDenied), reply[1])
}

func connectAndSync(t *testing.T, srv *Server, nodeID string) (*wire.MemoryPeer, *Client) {
	t.Helper()
	clientPeer, c := dial(t, srv)
	require.NoError(t, clientPeer.Send(wire.MarshalCommand(
		"connect", protocolVersion, nodeID, 0,
		map[string]interface{}{"subprotocol": "1.0.0"},
	)))
	_, err := clientPeer.Receive()
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.state == StateAuthenticated
	}, time.Second, time.Millisecond)
	return clientPeer, c
}

func TestSyncRejectsForgedNodeID(t *testing.T) {
	srv := testServer(t)
	clientPeer, c := connectAndSync(t, srv, "10:client")
	defer c.destroy("test done")

	require.NoError(t, clientPeer.Send(wire.MarshalCommand(
		"sync",
		map[string]interface{}{"type": "task/add"},
		map[string]interface{}{"id": "1 99:other 0", "time": float64(1)},
	)))

	reply, err := clientPeer.Receive()
	require.NoError(t, err)
	assert.Equal(t, "undo", reply[0])
	assert.Equal(t, string(UndoReasonDenied), reply[2])
}

func TestSyncRejectsDisallowedMetaField(t *testing.T) {
	srv := testServer(t)
	clientPeer, c := connectAndSync(t, srv, "10:client")
	defer c.destroy("test done")

	require.NoError(t, clientPeer.Send(wire.MarshalCommand(
		"sync",
		map[string]interface{}{"type": "task/add"},
		map[string]interface{}{"id": "1 10:client 0", "time": float64(1), "reasons": []string{"forged"}},
	)))

	reply, err := clientPeer.Receive()
	require.NoError(t, err)
	assert.Equal(t, "undo", reply[0])
	assert.Equal(t, string(UndoReasonDenied), reply[2])
}

func TestZombieEvictionMarksZombieAndSuppressesDisconnectReport(t *testing.T) {
	srv := testServer(t)
	firstPeer, first := dial(t, srv)
	defer first.destroy("test done")

	require.NoError(t, firstPeer.Send(wire.MarshalCommand(
		"connect", protocolVersion, "10:client", 0,
		map[string]interface{}{"subprotocol": "1.0.0"},
	)))
	_, err := firstPeer.Receive()
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, ok := srv.registry.byNodeID("10:client")
		return ok
	}, time.Second, time.Millisecond)

	secondPeer, second := dial(t, srv)
	defer second.destroy("test done")
	require.NoError(t, secondPeer.Send(wire.MarshalCommand(
		"connect", protocolVersion, "10:client", 0,
		map[string]interface{}{"subprotocol": "1.0.0"},
	)))
	_, err = secondPeer.Receive()
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		first.mu.Lock()
		defer first.mu.Unlock()
		return first.state == StateDestroyed
	}, time.Second, time.Millisecond)

	first.mu.Lock()
	zombie := first.zombie
	first.mu.Unlock()
	assert.True(t, zombie)
}

func TestZombieEvictionOnReconnect(t *testing.T) {
	srv := testServer(t)
	firstPeer, first := dial(t, srv)
	defer first.destroy("test done")

	require.NoError(t, firstPeer.Send(wire.MarshalCommand(
		"connect", protocolVersion, "10:client", 0,
		map[string]interface{}{"subprotocol": "1.0.0"},
	)))
	_, err := firstPeer.Receive()
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := srv.registry.byNodeID("10:client")
		return ok
	}, time.Second, time.Millisecond)

	secondPeer, second := dial(t, srv)
	defer second.destroy("test done")
	require.NoError(t, secondPeer.Send(wire.MarshalCommand(
		"connect", protocolVersion, "10:client", 0,
		map[string]interface{}{"subprotocol": "1.0.0"},
	)))
	_, err = secondPeer.Receive()
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		c, ok := srv.registry.byNodeID("10:client")
		return ok && c == second
	}, time.Second, time.Millisecond)
}

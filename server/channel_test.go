package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logux/logux-server/action"
)

func TestChannelPatternResolvesNamedParams(t *testing.T) {
	ch := newChannels(newTestServer(t))
	h := &ChannelHandler{}
	ch.registerPattern("users/{id}/tasks", h)

	got, params, ok := ch.resolve("users/42/tasks")
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, "42", params["id"])
}

func TestChannelExactTakesPriorityOverPattern(t *testing.T) {
	ch := newChannels(newTestServer(t))
	exact := &ChannelHandler{}
	pattern := &ChannelHandler{}
	ch.register("users/42", exact)
	ch.registerPattern("users/{id}", pattern)

	got, _, ok := ch.resolve("users/42")
	require.True(t, ok)
	assert.Same(t, exact, got)
}

func TestChannelUnknownFallsThroughToOther(t *testing.T) {
	ch := newChannels(newTestServer(t))
	_, _, ok := ch.resolve("mystery/1")
	assert.False(t, ok)

	other := &ChannelHandler{}
	ch.registerOther(other)
	got, _, ok := ch.resolve("mystery/1")
	require.True(t, ok)
	assert.Same(t, other, got)
}

func TestHandleSubscriptionDeniedByAccess(t *testing.T) {
	srv := newTestServer(t)
	srv.channels.register("private", &ChannelHandler{
		Access: func(ctx action.Context, channel string, params map[string]string) (bool, error) {
			return false, nil
		},
	})
	c := authedClient(srv, "alice:c1")

	err := srv.channels.handleSubscription(c, action.Action{"type": subscribeType, "channel": "private"}, &action.Meta{ID: "1 alice:c1"})
	require.Error(t, err)
	assert.Equal(t, KindDenied, KindOf(err))
}

func TestHandleSubscriptionLoadsInitialActions(t *testing.T) {
	srv := newTestServer(t)
	srv.channels.register("tasks", &ChannelHandler{
		Load: func(ctx action.Context, channel string, params map[string]string) ([]action.Action, error) {
			return []action.Action{{"type": "task/add", "id": "1"}}, nil
		},
	})
	c := authedClient(srv, "alice:c1")

	err := srv.channels.handleSubscription(c, action.Action{"type": subscribeType, "channel": "tasks"}, &action.Meta{ID: "1 alice:c1"})
	require.NoError(t, err)

	peer := c.peer.(*recordingPeer)
	assert.Eventually(t, func() bool { return len(peer.sentCommands()) >= 2 }, assertTimeout, assertTick)
	cmds := peer.sentCommands()
	assert.Contains(t, cmds, "sync")
	assert.Contains(t, cmds, "processed")
}

func TestHandleUnsubscribeRemovesClientFromChannel(t *testing.T) {
	srv := newTestServer(t)
	srv.channels.register("tasks", &ChannelHandler{})
	c := authedClient(srv, "alice:c1")

	require.NoError(t, srv.channels.handleSubscription(c,
		action.Action{"type": subscribeType, "channel": "tasks"}, &action.Meta{ID: "1 alice:c1"}))
	assert.Contains(t, srv.registry.clientsForChannel("tasks"), c)

	require.NoError(t, srv.channels.handleSubscription(c,
		action.Action{"type": unsubscribeType, "channel": "tasks"}, &action.Meta{ID: "2 alice:c1"}))
	assert.NotContains(t, srv.registry.clientsForChannel("tasks"), c)
}

func TestChannelFilterGatesResend(t *testing.T) {
	srv := newTestServer(t)
	srv.channels.register("tasks", &ChannelHandler{
		Filter: func(ctx action.Context, channel string, a action.Action) bool {
			return a["urgent"] == true
		},
	})
	c := authedClient(srv, "alice:c1")

	assert.True(t, srv.channels.filter(c, "tasks", action.Action{"urgent": true}))
	assert.False(t, srv.channels.filter(c, "tasks", action.Action{"urgent": false}))
}

package server

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logux/logux-server/action"
	"github.com/logux/logux-server/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(&config.Config{})
	require.NoError(t, err)
	return srv
}

func authedClient(srv *Server, nodeKey string) *Client {
	node, _ := action.ParseNodeID(nodeKey)
	c := &Client{
		server:    srv,
		peer:      newRecordingPeer(),
		state:     StateAuthenticated,
		nodeKey:   node.String(),
		clientKey: node.ClientKey(),
		userID:    node.UserID,
		channels:  make(map[string]bool),
		done:      make(chan struct{}),
	}
	srv.registry.add(c)
	return c
}

func TestPipelineAddPersistsAndSendsProcessed(t *testing.T) {
	srv := newTestServer(t)
	srv.Type("task/add", TypeHandler{})
	c := authedClient(srv, "alice:c1")

	meta := &action.Meta{ID: "1 alice:c1"}
	err := srv.pipeline.preadd(c, action.Action{"type": "task/add"}, meta)
	require.NoError(t, err)

	peer := c.peer.(*recordingPeer)
	assert.Eventually(t, func() bool {
		return len(peer.sentCommands()) > 0
	}, assertTimeout, assertTick)
	assert.Contains(t, peer.sentCommands(), "processed")

	_, ok, err := srv.store.Get(contextBG(), meta.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPipelineRejectsUnknownType(t *testing.T) {
	srv := newTestServer(t)
	c := authedClient(srv, "alice:c1")

	err := srv.pipeline.preadd(c, action.Action{"type": "mystery/type"}, &action.Meta{ID: "1 alice:c1"})
	require.Error(t, err)
	assert.Equal(t, KindUnknownType, KindOf(err))
}

func TestPipelineDeniesAccessCheck(t *testing.T) {
	srv := newTestServer(t)
	srv.Type("task/add", TypeHandler{
		Access: func(ctx action.Context, a action.Action) (bool, error) { return false, nil },
	})
	c := authedClient(srv, "alice:c1")

	err := srv.pipeline.preadd(c, action.Action{"type": "task/add"}, &action.Meta{ID: "1 alice:c1"})
	require.Error(t, err)
	assert.Equal(t, KindDenied, KindOf(err))
}

func TestPipelineDuplicateIDIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	srv.Type("task/add", TypeHandler{})
	c := authedClient(srv, "alice:c1")
	meta := &action.Meta{ID: "1 alice:c1"}

	require.NoError(t, srv.pipeline.preadd(c, action.Action{"type": "task/add"}, meta))
	require.NoError(t, srv.pipeline.preadd(c, action.Action{"type": "task/add"}, meta))

	entries, err := allEntries(srv.store)
	require.NoError(t, err)
	var copies int
	for _, e := range entries {
		if e.Action.Type() == "task/add" {
			copies++
		}
	}
	assert.Equal(t, 1, copies)
}

func TestPipelineMarkAsProcessedAppendsLogEntry(t *testing.T) {
	srv := newTestServer(t)
	srv.Type("task/add", TypeHandler{})
	c := authedClient(srv, "alice:c1")

	meta := &action.Meta{ID: "1 alice:c1"}
	require.NoError(t, srv.pipeline.preadd(c, action.Action{"type": "task/add"}, meta))

	var found *action.Meta
	assert.Eventually(t, func() bool {
		entries, err := allEntries(srv.store)
		require.NoError(t, err)
		for _, e := range entries {
			if e.Action.Type() == "logux/processed" && e.Action["id"] == meta.ID {
				found = e.Meta
				return true
			}
		}
		return false
	}, assertTimeout, assertTick)
	require.NotNil(t, found)
	assert.Equal(t, []string{c.clientKey}, found.Clients)

	stored, ok, err := srv.store.Get(contextBG(), meta.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, action.StatusProcessed, stored.Meta.Status)
}

func TestPipelineProcessFailureAppendsUndoEntry(t *testing.T) {
	srv := newTestServer(t)
	srv.Type("task/add", TypeHandler{
		Process: func(ctx action.Context, a action.Action) error {
			return errors.New("boom")
		},
	})
	c := authedClient(srv, "alice:c1")

	meta := &action.Meta{ID: "1 alice:c1"}
	require.NoError(t, srv.pipeline.preadd(c, action.Action{"type": "task/add"}, meta))

	var reason interface{}
	assert.Eventually(t, func() bool {
		entries, err := allEntries(srv.store)
		require.NoError(t, err)
		for _, e := range entries {
			if e.Action.Type() == "logux/undo" && e.Action["id"] == meta.ID {
				reason = e.Action["reason"]
				return true
			}
		}
		return false
	}, assertTimeout, assertTick)
	assert.Equal(t, string(UndoReasonError), reason)

	stored, ok, err := srv.store.Get(contextBG(), meta.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, action.StatusError, stored.Meta.Status)
}

func TestPipelineFinallyRunsAfterProcess(t *testing.T) {
	srv := newTestServer(t)
	var ran int32
	srv.Type("task/add", TypeHandler{
		Process: func(ctx action.Context, a action.Action) error { return nil },
		Finally: func(ctx action.Context, a action.Action) error {
			atomic.AddInt32(&ran, 1)
			return nil
		},
	})
	c := authedClient(srv, "alice:c1")

	meta := &action.Meta{ID: "1 alice:c1"}
	require.NoError(t, srv.pipeline.preadd(c, action.Action{"type": "task/add"}, meta))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, assertTimeout, assertTick)
}

func TestPipelineResendHookMergesTargetIntoMeta(t *testing.T) {
	srv := newTestServer(t)
	srv.Type("task/add", TypeHandler{
		Resend: func(ctx action.Context, a action.Action) (ResendTargets, error) {
			return ResendTargets{Channel: "room/1"}, nil
		},
	})
	origin := authedClient(srv, "alice:c1")
	subscriber := authedClient(srv, "bob:c2")
	srv.registry.subscribe(subscriber, "room/1")

	meta := &action.Meta{ID: "1 alice:c1"}
	require.NoError(t, srv.pipeline.preadd(origin, action.Action{"type": "task/add"}, meta))

	assert.Contains(t, meta.Channels, "room/1")
	subPeer := subscriber.peer.(*recordingPeer)
	assert.Eventually(t, func() bool { return len(subPeer.sentCommands()) > 0 }, assertTimeout, assertTick)
	assert.Contains(t, subPeer.sentCommands(), "sync")

	stored, ok, err := srv.store.Get(contextBG(), meta.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, stored.Meta.Channels, "room/1")
}

func TestPipelineResendHookFailureUndoes(t *testing.T) {
	srv := newTestServer(t)
	srv.Type("task/add", TypeHandler{
		Resend: func(ctx action.Context, a action.Action) (ResendTargets, error) {
			return ResendTargets{}, errors.New("boom")
		},
	})
	c := authedClient(srv, "alice:c1")

	meta := &action.Meta{ID: "1 alice:c1"}
	require.NoError(t, srv.pipeline.preadd(c, action.Action{"type": "task/add"}, meta))

	assert.Eventually(t, func() bool {
		entries, err := allEntries(srv.store)
		require.NoError(t, err)
		for _, e := range entries {
			if e.Action.Type() == "logux/undo" && e.Action["id"] == meta.ID {
				return true
			}
		}
		return false
	}, assertTimeout, assertTick)
}

func TestPipelineResendExcludesOrigin(t *testing.T) {
	srv := newTestServer(t)
	srv.Type("task/add", TypeHandler{})
	origin := authedClient(srv, "alice:c1")
	other := authedClient(srv, "bob:c2")

	meta := &action.Meta{ID: "1 alice:c1", Users: []string{"alice", "bob"}}
	require.NoError(t, srv.pipeline.preadd(origin, action.Action{"type": "task/add"}, meta))

	originPeer := origin.peer.(*recordingPeer)
	otherPeer := other.peer.(*recordingPeer)
	assert.Eventually(t, func() bool { return len(otherPeer.sentCommands()) > 0 }, assertTimeout, assertTick)
	assert.NotContains(t, originPeer.sentCommands(), "sync")
	assert.Contains(t, otherPeer.sentCommands(), "sync")
}

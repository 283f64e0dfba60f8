package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logux/logux-server/action"
)

func TestMemoryAddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	a := action.Action{"type": "user/add"}
	meta := &action.Meta{ID: "1 10:uuid", Reasons: []string{"test"}}

	added, err := s.Add(ctx, a, meta)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.Add(ctx, a, &action.Meta{ID: "1 10:uuid", Reasons: []string{"test"}})
	require.NoError(t, err)
	assert.False(t, added)
}

func TestMemoryGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	meta := &action.Meta{ID: "1 10:uuid", Reasons: []string{"test"}}
	_, err = s.Add(ctx, action.Action{"type": "x"}, meta)
	require.NoError(t, err)

	entry, ok, err := s.Get(ctx, "1 10:uuid")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", entry.Action.Type())
}

func TestMemoryRemoveReasonDeletesWhenEmpty(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	meta := &action.Meta{ID: "1 10:uuid", Reasons: []string{"sync"}}
	_, err := s.Add(ctx, action.Action{"type": "x"}, meta)
	require.NoError(t, err)

	err = s.RemoveReason(ctx, "sync", nil)
	require.NoError(t, err)

	_, ok, err := s.Get(ctx, "1 10:uuid")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryEachOrdersByAdded(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for i, id := range []string{"3 10:a", "1 10:a", "2 10:a"} {
		_, err := s.Add(ctx, action.Action{"type": "x", "i": i}, &action.Meta{ID: id, Reasons: []string{"r"}})
		require.NoError(t, err)
	}

	var order []string
	err := s.Each(ctx, func(e Entry) bool {
		order = append(order, e.Meta.ID)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"3 10:a", "1 10:a", "2 10:a"}, order)
}

func TestMemoryChangeMetaNotFound(t *testing.T) {
	s := NewMemory()
	err := s.ChangeMeta(context.Background(), "missing", func(*action.Meta) {})
	assert.Error(t, err)
}

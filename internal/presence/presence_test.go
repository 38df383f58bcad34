package presence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-gateway/realtime-gateway/internal/store"
)

func TestJoinThenListReturnsMember(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	p := New(st, "rt")

	require.NoError(t, p.Join(ctx, "t1", "room-1", "u1"))

	members, err := p.List(ctx, "t1", "room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, members)
}

func TestLeaveRemovesMember(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	p := New(st, "rt")

	require.NoError(t, p.Join(ctx, "t1", "room-1", "u1"))
	require.NoError(t, p.Join(ctx, "t1", "room-1", "u2"))
	require.NoError(t, p.Leave(ctx, "t1", "room-1", "u1"))

	members, err := p.List(ctx, "t1", "room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, members)
}

func TestHeartbeatIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	p := New(st, "rt")

	require.NoError(t, p.Join(ctx, "t1", "room-1", "u1"))
	require.NoError(t, p.Heartbeat(ctx, "t1", "room-1", "u1"))
	require.NoError(t, p.Heartbeat(ctx, "t1", "room-1", "u1"))

	members, err := p.List(ctx, "t1", "room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, members)
}

func TestPresenceIsolatesTopics(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	p := New(st, "rt")

	require.NoError(t, p.Join(ctx, "t1", "room-1", "u1"))
	require.NoError(t, p.Join(ctx, "t1", "room-2", "u2"))

	room1, err := p.List(ctx, "t1", "room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, room1)

	room2, err := p.List(ctx, "t1", "room-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, room2)
}

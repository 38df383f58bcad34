package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-gateway/realtime-gateway/internal/store"
)

func TestCheckAllowsWithinLimit(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	l := New(st, nil, nil)

	scope := UserActionScope("u1", "publish", time.Minute, 2)

	res, err := l.Check(ctx, scope)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Check(ctx, scope)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCheckBlocksOverLimit(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	l := New(st, nil, nil)

	scope := UserActionScope("u1", "publish", time.Minute, 1)

	res, err := l.Check(ctx, scope)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Check(ctx, scope)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestCheckIsolatesScopeKeys(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	l := New(st, nil, nil)

	userScope := UserActionScope("u1", "publish", time.Minute, 1)
	tenantScope := TenantTopicScope("rt", "t1", "room-1", time.Minute, 1)

	_, err := l.Check(ctx, userScope)
	require.NoError(t, err)

	res, err := l.Check(ctx, tenantScope)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "a different scope key should not be affected by another scope's usage")
}

func TestCheckFallsBackWhenStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	st.SetUnavailable(true)
	l := New(st, nil, nil)

	scope := UserActionScope("u1", "publish", time.Minute, 10)

	// Fallback enforces 10% of the configured limit, rounded down.
	res, err := l.Check(ctx, scope)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Limit)

	res, err = l.Check(ctx, scope)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "fallback limit of 1 should already be exhausted")
}

func TestGlobalScopeKeyIsStable(t *testing.T) {
	assert.Equal(t, GlobalScope(time.Minute, 5).Key, GlobalScope(time.Hour, 50).Key)
}

package acl

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-gateway/realtime-gateway/internal/gateway"
	"github.com/odin-gateway/realtime-gateway/internal/store"
)

func TestCheckTopicAccessWritesBitExactCacheKey(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	src := &fakeSource{allowed: true}

	c, err := New(st, "rt", src, Config{}, nil, nil)
	require.NoError(t, err)

	_, err = c.CheckTopicAccess(ctx, gateway.Principal{UserID: "u1"}, "room-1")
	require.NoError(t, err)

	v, found, err := st.StringGet(ctx, store.Keys{Prefix: "rt"}.ACL("room-1", "u1"))
	require.NoError(t, err)
	require.True(t, found, "cache must be written at the literal ACL key, not a derived one")
	assert.Equal(t, "1", v)
}

type fakeSource struct {
	allowed bool
	err     error
	calls   int
}

func (f *fakeSource) CheckTopicAccess(context.Context, gateway.Principal, string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.allowed, nil
}

func TestCheckTopicAccessConsultsSourceOnMiss(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	src := &fakeSource{allowed: true}

	c, err := New(st, "rt", src, Config{}, nil, nil)
	require.NoError(t, err)

	allowed, err := c.CheckTopicAccess(ctx, gateway.Principal{UserID: "u1"}, "room-1")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1, src.calls)
}

func TestCheckTopicAccessCachesResult(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	src := &fakeSource{allowed: true}

	c, err := New(st, "rt", src, Config{TTL: 0}, nil, nil)
	require.NoError(t, err)

	_, err = c.CheckTopicAccess(ctx, gateway.Principal{UserID: "u1"}, "room-1")
	require.NoError(t, err)
	_, err = c.CheckTopicAccess(ctx, gateway.Principal{UserID: "u1"}, "room-1")
	require.NoError(t, err)

	assert.Equal(t, 1, src.calls, "second call should hit the cache, not the source")
}

func TestCheckTopicAccessFailsOpenOutsideProduction(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	src := &fakeSource{err: errors.New("boom")}

	c, err := New(st, "rt", src, Config{Production: false}, nil, nil)
	require.NoError(t, err)

	allowed, err := c.CheckTopicAccess(ctx, gateway.Principal{UserID: "u1"}, "room-1")
	require.NoError(t, err)
	assert.True(t, allowed, "non-production should fail open when the source errors")
}

func TestCheckTopicAccessFailsClosedInProduction(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	src := &fakeSource{err: errors.New("boom")}

	c, err := New(st, "rt", src, Config{Production: true}, nil, nil)
	require.NoError(t, err)

	allowed, err := c.CheckTopicAccess(ctx, gateway.Principal{UserID: "u1"}, "room-1")
	require.NoError(t, err)
	assert.False(t, allowed, "production should fail closed when the source errors")
}

func TestCheckTopicAccessOpensBreakerAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	src := &fakeSource{err: errors.New("boom")}

	c, err := New(st, "rt", src, Config{Production: false}, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := c.CheckTopicAccess(ctx, gateway.Principal{UserID: "u1"}, "room-1")
		require.NoError(t, err)
	}

	callsBeforeOpen := src.calls
	_, err = c.CheckTopicAccess(ctx, gateway.Principal{UserID: "u1"}, "room-1")
	require.NoError(t, err)
	assert.Equal(t, callsBeforeOpen, src.calls, "breaker should short-circuit the source once open")
}

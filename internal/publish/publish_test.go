package publish

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-gateway/realtime-gateway/internal/acl"
	"github.com/odin-gateway/realtime-gateway/internal/bus"
	"github.com/odin-gateway/realtime-gateway/internal/gateway"
	"github.com/odin-gateway/realtime-gateway/internal/ratelimit"
	"github.com/odin-gateway/realtime-gateway/internal/store"
	"github.com/odin-gateway/realtime-gateway/internal/topic"
)

type allowAllSource struct{}

func (allowAllSource) CheckTopicAccess(context.Context, gateway.Principal, string) (bool, error) {
	return true, nil
}

type denyAllSource struct{}

func (denyAllSource) CheckTopicAccess(context.Context, gateway.Principal, string) (bool, error) {
	return false, nil
}

func newTestPath(t *testing.T, source acl.Source) *Path {
	t.Helper()
	st := store.NewFake()
	topics := topic.New(st, topic.Options{Prefix: "rt", ReplicaID: "r1"}, nil, nil)
	aclCache, err := acl.New(st, "rt", source, acl.Config{}, nil, nil)
	require.NoError(t, err)
	limiter := ratelimit.New(st, nil, nil)
	b := bus.New()
	return New(topics, aclCache, limiter, b, Config{Prefix: "rt"}, nil, nil)
}

func TestPublishRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := newTestPath(t, allowAllSource{})

	principal := gateway.Principal{UserID: "u1", TenantID: "t1"}
	env, err := path.Publish(ctx, principal, gateway.PublishInput{TopicID: "room-1", Type: gateway.TypeOp, Data: gateway.RawJSON(`{"x":1}`)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), env.Seq)
	assert.Equal(t, "t1", env.TenantID)
	assert.Equal(t, "u1", env.SenderID)
	assert.NotEmpty(t, env.ID)
}

func TestPublishRejectsUnauthenticated(t *testing.T) {
	ctx := context.Background()
	path := newTestPath(t, allowAllSource{})

	_, err := path.Publish(ctx, gateway.Principal{}, gateway.PublishInput{TopicID: "room-1", Type: gateway.TypeOp})
	require.Error(t, err)
	assert.Equal(t, gateway.KindUnauthorized, gateway.KindOf(err))
}

func TestPublishRejectsAccessDenied(t *testing.T) {
	ctx := context.Background()
	path := newTestPath(t, denyAllSource{})

	principal := gateway.Principal{UserID: "u1", TenantID: "t1"}
	_, err := path.Publish(ctx, principal, gateway.PublishInput{TopicID: "room-1", Type: gateway.TypeOp})
	require.Error(t, err)
	assert.Equal(t, gateway.KindAccessDenied, gateway.KindOf(err))
}

func TestPublishRejectsInvalidTopicID(t *testing.T) {
	ctx := context.Background()
	path := newTestPath(t, allowAllSource{})

	principal := gateway.Principal{UserID: "u1", TenantID: "t1"}
	_, err := path.Publish(ctx, principal, gateway.PublishInput{TopicID: "", Type: gateway.TypeOp})
	require.Error(t, err)
	assert.Equal(t, gateway.KindInvalidInput, gateway.KindOf(err))
}

func TestPublishRejectsOversizedPayload(t *testing.T) {
	ctx := context.Background()
	path := newTestPath(t, allowAllSource{})
	path.cfg.MaxPayloadBytes = 16

	principal := gateway.Principal{UserID: "u1", TenantID: "t1"}
	_, err := path.Publish(ctx, principal, gateway.PublishInput{TopicID: "room-1", Type: gateway.TypeOp, Data: gateway.RawJSON(`{"field":"this is far too long for the limit"}`)})
	require.Error(t, err)
	assert.Equal(t, gateway.KindPayloadTooLarge, gateway.KindOf(err))
}

func TestPublishEnforcesUserRateLimit(t *testing.T) {
	ctx := context.Background()
	path := newTestPath(t, allowAllSource{})
	path.cfg.UserActionLimit = 2
	path.cfg.UserActionWindow = time.Minute

	principal := gateway.Principal{UserID: "u1", TenantID: "t1"}
	for i := 0; i < 2; i++ {
		_, err := path.Publish(ctx, principal, gateway.PublishInput{TopicID: "room-1", Type: gateway.TypeOp})
		require.NoError(t, err)
	}
	_, err := path.Publish(ctx, principal, gateway.PublishInput{TopicID: "room-1", Type: gateway.TypeOp})
	require.Error(t, err)
	assert.Equal(t, gateway.KindRateLimited, gateway.KindOf(err))
}

func TestInputFrequencyGuardBlocksAfterBurst(t *testing.T) {
	g := newInputFrequencyGuard()
	for i := 0; i < 50; i++ {
		require.True(t, g.allow("u1"), "burst of 50 should be admitted")
	}
	assert.False(t, g.allow("u1"), "51st call within the same instant should be blocked")
	assert.True(t, g.allow("u2"), "the guard is per-user")
}

func TestPublishEnforcesInputFrequencyBeforeStoreRateLimit(t *testing.T) {
	ctx := context.Background()
	path := newTestPath(t, allowAllSource{})

	principal := gateway.Principal{UserID: "u1", TenantID: "t1"}
	for i := 0; i < 50; i++ {
		_, err := path.Publish(ctx, principal, gateway.PublishInput{TopicID: "room-1", Type: gateway.TypeOp})
		require.NoError(t, err)
	}
	_, err := path.Publish(ctx, principal, gateway.PublishInput{TopicID: "room-1", Type: gateway.TypeOp})
	require.Error(t, err)
	assert.Equal(t, gateway.KindRateLimited, gateway.KindOf(err))
}

func TestPublishBroadcastsOnLocalBus(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	topics := topic.New(st, topic.Options{Prefix: "rt", ReplicaID: "r1"}, nil, nil)
	aclCache, err := acl.New(st, "rt", allowAllSource{}, acl.Config{}, nil, nil)
	require.NoError(t, err)
	limiter := ratelimit.New(st, nil, nil)
	b := bus.New()
	path := New(topics, aclCache, limiter, b, Config{Prefix: "rt"}, nil, nil)

	sub := b.Subscribe(bus.TopicChannel("t1", "room-1"), 4)
	defer sub.Close()

	principal := gateway.Principal{UserID: "u1", TenantID: "t1"}
	_, err = path.Publish(ctx, principal, gateway.PublishInput{TopicID: "room-1", Type: gateway.TypeOp})
	require.NoError(t, err)

	select {
	case msg := <-sub.C():
		assert.NotEmpty(t, msg)
	case <-time.After(time.Second):
		t.Fatal("expected local bus delivery")
	}
}

package subscription

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-gateway/realtime-gateway/internal/acl"
	"github.com/odin-gateway/realtime-gateway/internal/bus"
	"github.com/odin-gateway/realtime-gateway/internal/gateway"
	"github.com/odin-gateway/realtime-gateway/internal/store"
	"github.com/odin-gateway/realtime-gateway/internal/topic"
)

type allowAll struct{}

func (allowAll) CheckTopicAccess(context.Context, gateway.Principal, string) (bool, error) {
	return true, nil
}

type denyAll struct{}

func (denyAll) CheckTopicAccess(context.Context, gateway.Principal, string) (bool, error) {
	return false, nil
}

func TestStreamTailsLiveEvents(t *testing.T) {
	st := store.NewFake()
	topics := topic.New(st, topic.Options{Prefix: "rt"}, nil, nil)
	b := bus.New()
	stream := New(topics, allowAll{}, b, Config{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan gateway.Envelope, 4)

	done := make(chan error, 1)
	go func() {
		done <- stream.Run(ctx, gateway.Principal{UserID: "u1", TenantID: "t1"}, gateway.SubscribeInput{TopicID: "room-1"}, func(env gateway.Envelope) error {
			received <- env
			return nil
		})
	}()

	// Wait for REGISTER to complete before publishing, otherwise the
	// bus subscription may not exist yet.
	deadline := time.Now().Add(time.Second)
	for stream.State() != StateTail && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	env := gateway.Envelope{ID: "e1", TenantID: "t1", TopicID: "room-1", Type: gateway.TypeOp}
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	b.Publish(bus.TopicChannel("t1", "room-1"), payload)

	select {
	case got := <-received:
		assert.Equal(t, "e1", got.ID)
	case <-time.After(time.Second):
		t.Fatal("expected delivery")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestStreamRejectsAccessDenied(t *testing.T) {
	st := store.NewFake()
	topics := topic.New(st, topic.Options{Prefix: "rt"}, nil, nil)
	b := bus.New()
	stream := New(topics, denyAll{}, b, Config{}, nil, nil)

	err := stream.Run(context.Background(), gateway.Principal{UserID: "u1", TenantID: "t1"}, gateway.SubscribeInput{TopicID: "room-1"}, func(gateway.Envelope) error {
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, gateway.KindAccessDenied, gateway.KindOf(err))
	assert.Equal(t, StateError, stream.State())
}

func TestStreamReplaysBacklogWhenDurable(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	topics := topic.New(st, topic.Options{Prefix: "rt"}, nil, nil)

	for i := 0; i < 3; i++ {
		env := &gateway.Envelope{ID: "e", TenantID: "t1", TopicID: "room-1", Type: gateway.TypeOp}
		require.NoError(t, topics.Append(ctx, env))
	}

	b := bus.New()
	stream := New(topics, allowAll{}, b, Config{DurabilityEnabled: true}, nil, nil)

	var got []gateway.Envelope
	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	_ = stream.Run(runCtx, gateway.Principal{UserID: "u1", TenantID: "t1"}, gateway.SubscribeInput{TopicID: "room-1", FromSeq: 2}, func(env gateway.Envelope) error {
		got = append(got, env)
		return nil
	})

	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Seq)
	assert.Equal(t, int64(3), got[1].Seq)
}

func TestStreamRemovesSubscriberOnCleanup(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	topics := topic.New(st, topic.Options{Prefix: "rt"}, nil, nil)
	b := bus.New()
	stream := New(topics, allowAll{}, b, Config{}, nil, nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = stream.Run(runCtx, gateway.Principal{UserID: "u1", TenantID: "t1"}, gateway.SubscribeInput{TopicID: "room-1"}, func(gateway.Envelope) error {
			return nil
		})
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for stream.State() != StateTail && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	subs, err := topics.Subscribers(ctx, "t1", "room-1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

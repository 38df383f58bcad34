package distributor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-gateway/realtime-gateway/internal/bus"
	"github.com/odin-gateway/realtime-gateway/internal/gateway"
	"github.com/odin-gateway/realtime-gateway/internal/store"
)

type fakeTopics struct {
	mu        sync.Mutex
	subs      map[string][]string
	enqueued  []string
	markedOff []string
	failFor   string
}

func newFakeTopics(subs []string) *fakeTopics {
	return &fakeTopics{subs: map[string][]string{"t1:room-1": subs}}
}

func (f *fakeTopics) Subscribers(ctx context.Context, tenant, topic string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subs[tenant+":"+topic]...), nil
}

func (f *fakeTopics) Enqueue(ctx context.Context, tenant, topic, subID string, env *gateway.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if subID == f.failFor {
		return assertErr
	}
	f.enqueued = append(f.enqueued, subID)
	return nil
}

func (f *fakeTopics) MarkSeen(ctx context.Context, tenant, subID string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !active {
		f.markedOff = append(f.markedOff, subID)
	}
	return nil
}

var assertErr = gateway.ErrInternal(nil)

func TestDistributorDeliversToAllSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewFake()
	topics := newFakeTopics([]string{"sub-a", "sub-b"})
	b := bus.New()

	d := New(st, "rt", topics, b, "replica-1", nil)
	go d.Run(ctx)

	publishOnOtherReplica(t, st, "rt", "t1", "room-1", "replica-other")

	deadline := time.Now().Add(time.Second)
	for len(topics.enqueued) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	topics.mu.Lock()
	defer topics.mu.Unlock()
	assert.ElementsMatch(t, []string{"sub-a", "sub-b"}, topics.enqueued)
}

func TestDistributorMarksFailedSubscriberInactive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewFake()
	topics := newFakeTopics([]string{"sub-a", "sub-b"})
	topics.failFor = "sub-a"
	b := bus.New()

	d := New(st, "rt", topics, b, "replica-1", nil)
	go d.Run(ctx)

	publishOnOtherReplica(t, st, "rt", "t1", "room-1", "replica-other")

	deadline := time.Now().Add(time.Second)
	for len(topics.markedOff) < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	topics.mu.Lock()
	defer topics.mu.Unlock()
	assert.Equal(t, []string{"sub-a"}, topics.markedOff)
}

func TestDistributorSkipsLocalBusForbidSelfPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewFake()
	// A probe subscriber lets the test observe that handle() has fully
	// run (deliver, then the bus-forward decision) before it inspects
	// the bus, instead of racing the Run goroutine's subscription setup.
	topics := newFakeTopics([]string{"probe"})
	b := bus.New()
	sub := b.Subscribe(bus.TopicChannel("t1", "room-1"), 4)
	defer sub.Close()

	d := New(st, "rt", topics, b, "replica-1", nil)
	go d.Run(ctx)

	publishOnOtherReplica(t, st, "rt", "t1", "room-1", "replica-1")
	waitForEnqueue(t, topics, "probe")

	select {
	case <-sub.C():
		t.Fatal("distributor should not re-broadcast its own replica's publish onto the local bus")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDistributorForwardsOtherReplicaPublishToLocalBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewFake()
	topics := newFakeTopics([]string{"probe"})
	b := bus.New()
	sub := b.Subscribe(bus.TopicChannel("t1", "room-1"), 4)
	defer sub.Close()

	d := New(st, "rt", topics, b, "replica-1", nil)
	go d.Run(ctx)

	publishOnOtherReplica(t, st, "rt", "t1", "room-1", "replica-other")

	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("expected the distributor to forward another replica's publish")
	}
}

func waitForEnqueue(t *testing.T, topics *fakeTopics, subID string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		topics.mu.Lock()
		for _, s := range topics.enqueued {
			if s == subID {
				topics.mu.Unlock()
				return
			}
		}
		topics.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for probe subscriber to be enqueued")
}

func publishOnOtherReplica(t *testing.T, st store.Store, prefix, tenant, topicID, replicaID string) {
	t.Helper()
	keys := store.Keys{Prefix: prefix}
	env := gateway.Envelope{ID: "e1", TenantID: tenant, TopicID: topicID, Type: gateway.TypeOp}
	wire := gateway.PubSubMessage{ReplicaID: replicaID, Envelope: env}
	payload, err := json.Marshal(wire)
	require.NoError(t, err)
	require.NoError(t, st.Publish(context.Background(), keys.PubChannel(tenant, topicID), payload))
}

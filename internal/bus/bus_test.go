package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe("ch1", 4)
	defer sub.Close()

	b.Publish("ch1", []byte("hello"))

	select {
	case got := <-sub.C():
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(time.Second):
		t.Fatal("expected delivery")
	}
}

func TestPublishOnlyReachesMatchingChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("ch1", 4)
	defer sub.Close()

	b.Publish("ch2", []byte("other"))

	select {
	case <-sub.C():
		t.Fatal("unexpected delivery for unrelated channel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSkipsFullSubscriberWithoutBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("ch1", 1)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish("ch1", []byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestCloseDetachesSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe("ch1", 4)
	sub.Close()
	sub.Close() // safe to call twice

	b.Publish("ch1", []byte("after close"))

	_, ok := <-sub.C()
	assert.False(t, ok, "channel should be closed")
}

func TestTopicChannelNaming(t *testing.T) {
	assert.Equal(t, "TOPIC_EVENTS:t1:room-1", TopicChannel("t1", "room-1"))
}

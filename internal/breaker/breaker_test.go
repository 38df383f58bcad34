package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerStartsClosed(t *testing.T) {
	b := New(nil)
	assert.True(t, b.Allow())
	assert.False(t, b.IsOpen())
}

func TestBreakerOpensAfterFailureLimit(t *testing.T) {
	b := New(nil)
	for i := 0; i < 5; i++ {
		require.True(t, b.Allow())
		b.Failure()
	}
	assert.True(t, b.IsOpen())
	assert.False(t, b.Allow())
}

func TestBreakerNotifiesOnStateChange(t *testing.T) {
	var events []bool
	b := New(func(isOpen bool) { events = append(events, isOpen) })

	for i := 0; i < 5; i++ {
		b.Allow()
		b.Failure()
	}

	require.NotEmpty(t, events)
	assert.True(t, events[len(events)-1])
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New(nil)
	for i := 0; i < 4; i++ {
		b.Allow()
		b.Failure()
	}
	b.Allow()
	b.Success()

	for i := 0; i < 4; i++ {
		require.True(t, b.Allow())
		b.Failure()
	}
	assert.False(t, b.IsOpen(), "failure count should have reset after Success")
}

func TestBreakerHalfOpenAfterOpenDurationElapses(t *testing.T) {
	b := New(nil)
	b.openDuration = time.Millisecond
	for i := 0; i < 5; i++ {
		b.Allow()
		b.Failure()
	}
	require.True(t, b.IsOpen())

	time.Sleep(5 * time.Millisecond)
	assert.True(t, b.Allow(), "breaker should allow a probe once open duration elapses")
}

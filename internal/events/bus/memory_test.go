package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrite/flowrite/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	b := NewMemoryEventBus(logger.Default())
	t.Cleanup(b.Close)
	return b
}

func waitForEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishSubscribeExactSubject(t *testing.T) {
	b := newTestBus(t)
	received := make(chan *Event, 1)

	_, err := b.Subscribe("agent.crashed.agent-aa", func(_ context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("agent.crashed", "agent-manager", map[string]interface{}{"kind": "crashed"})
	require.NoError(t, b.Publish(context.Background(), "agent.crashed.agent-aa", ev))

	got := waitForEvent(t, received)
	assert.Equal(t, "agent.crashed", got.Type)
	assert.Equal(t, "crashed", got.Data["kind"])
}

func TestPublishDoesNotMatchOtherSubjects(t *testing.T) {
	b := newTestBus(t)
	received := make(chan *Event, 1)

	_, err := b.Subscribe("agent.crashed.agent-aa", func(_ context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("agent.crashed", "agent-manager", nil)
	require.NoError(t, b.Publish(context.Background(), "agent.crashed.agent-bb", ev))

	select {
	case <-received:
		t.Fatal("event delivered to non-matching subscription")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWildcardSubscriptions(t *testing.T) {
	b := newTestBus(t)
	single := make(chan *Event, 4)
	multi := make(chan *Event, 4)

	_, err := b.Subscribe("agent.crashed.*", func(_ context.Context, e *Event) error {
		single <- e
		return nil
	})
	require.NoError(t, err)

	_, err = b.Subscribe("agent.>", func(_ context.Context, e *Event) error {
		multi <- e
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "agent.crashed.agent-aa", NewEvent("agent.crashed", "test", nil)))

	waitForEvent(t, single)
	waitForEvent(t, multi)

	// The single-token wildcard does not span segments.
	require.NoError(t, b.Publish(ctx, "agent.crashed.agent-aa.extra", NewEvent("agent.crashed", "test", nil)))
	waitForEvent(t, multi)
	select {
	case <-single:
		t.Fatal("single-token wildcard matched a multi-token tail")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	received := make(chan *Event, 1)

	sub, err := b.Subscribe("agent.crashed.agent-aa", func(_ context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "agent.crashed.agent-aa", NewEvent("agent.crashed", "test", nil)))
	select {
	case <-received:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQueueSubscribeDeliversToOneSubscriber(t *testing.T) {
	b := newTestBus(t)
	received := make(chan int, 8)

	for i := 0; i < 3; i++ {
		i := i
		_, err := b.QueueSubscribe("jobs.run", "workers", func(_ context.Context, _ *Event) error {
			received <- i
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(context.Background(), "jobs.run", NewEvent("job", "test", nil)))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("no queue subscriber received the event")
	}
	select {
	case <-received:
		t.Fatal("more than one queue subscriber received the event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "x", NewEvent("x", "test", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("x", func(_ context.Context, _ *Event) error { return nil })
	assert.Error(t, err)
}

package homee

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(1, 16)

	var (
		mu       sync.Mutex
		attempts []int
	)
	Subscribe(bus, func(e ReconnectEvent) {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, e.Attempt)
	})

	for i := 1; i <= 5; i++ {
		bus.Publish(ReconnectEvent{Attempt: i})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	bus.Close(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, attempts)
}

func TestBusRecoversFromPanic(t *testing.T) {
	bus := NewBus(1, 16)

	received := make(chan string, 1)
	bus.Subscribe(EventError, func(Event) { panic("boom") })
	Subscribe(bus, func(e DisconnectedEvent) { received <- e.Reason })

	bus.Publish(ErrorEvent{})
	bus.Publish(DisconnectedEvent{Reason: "bye"})

	select {
	case reason := <-received:
		assert.Equal(t, "bye", reason)
	case <-time.After(time.Second):
		t.Fatal("handler after panic was not called")
	}

	bus.Close(context.Background())
}

func TestBusPublishAfterClose(t *testing.T) {
	bus := NewBus(1, 1)
	bus.Close(context.Background())

	require.NotPanics(t, func() {
		bus.Publish(ConnectedEvent{})
	})
	bus.Close(context.Background())
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus(1, 1)

	block := make(chan struct{})
	var (
		mu    sync.Mutex
		count int
	)
	bus.Subscribe(EventMessage, func(Event) {
		<-block
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		bus.Publish(MessageEvent{Kind: "x"})
	}
	close(block)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	bus.Close(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, count, 10)
	assert.GreaterOrEqual(t, count, 1)
}

func TestParseEventType(t *testing.T) {
	for _, name := range []string{"connected", "maxRetries", "attribute", "other"} {
		got, err := ParseEventType(name)
		require.NoError(t, err)
		assert.Equal(t, EventType(name), got)
	}

	_, err := ParseEventType("max_retries")
	assert.ErrorIs(t, err, ErrValidation)
}

package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackEvent_ListenNotify(t *testing.T) {
	event := NewCallbackEvent[float64](false)

	var received []float64
	unregister := event.Listen(func(v float64) { received = append(received, v) })
	assert.Equal(t, 1, event.ListenerCount())

	event.Notify(8.5)
	event.Notify(9.0)
	assert.Equal(t, []float64{8.5, 9.0}, received)

	unregister()
	assert.Equal(t, 0, event.ListenerCount())
	event.Notify(10)
	assert.Len(t, received, 2)

	last, ok := event.Last()
	require.True(t, ok)
	assert.Equal(t, 10.0, last)
}

func TestCallbackEvent_RegistrationOrder(t *testing.T) {
	event := NewCallbackEvent[int](false)

	var order []string
	event.Listen(func(int) { order = append(order, "store") })
	unregister := event.Listen(func(int) { order = append(order, "redis") })
	event.Listen(func(int) { order = append(order, "ui") })

	event.Notify(1)
	assert.Equal(t, []string{"store", "redis", "ui"}, order)

	order = nil
	unregister()
	unregister()
	event.Notify(2)
	assert.Equal(t, []string{"store", "ui"}, order)
}

func TestCallbackEvent_Replay(t *testing.T) {
	event := NewCallbackEvent[string](true)

	var early []string
	event.Listen(func(v string) { early = append(early, v) })
	assert.Empty(t, early)

	event.Notify("Ready")

	var late []string
	event.Listen(func(v string) { late = append(late, v) })
	assert.Equal(t, []string{"Ready"}, late)
	assert.Equal(t, []string{"Ready"}, early)
}

func TestCallbackEvent_NoReplay(t *testing.T) {
	event := NewCallbackEvent[string](false)
	event.Notify("Ready")

	called := false
	event.Listen(func(string) { called = true })
	assert.False(t, called)
}

func TestCallbackEvent_ListenNil(t *testing.T) {
	assert.Panics(t, func() {
		NewCallbackEvent[int](false).Listen(nil)
	})
}

func TestCallbackEvent_ListenerMayUnregisterItself(t *testing.T) {
	event := NewCallbackEvent[int](false)

	calls := 0
	var unregister func()
	unregister = event.Listen(func(int) {
		calls++
		unregister()
	})

	event.Notify(1)
	event.Notify(2)
	assert.Equal(t, 1, calls)
}

func TestCallbackEvent_ConcurrentNotify(t *testing.T) {
	event := NewCallbackEvent[int](false)

	var mu sync.Mutex
	sum := 0
	event.Listen(func(v int) {
		mu.Lock()
		sum += v
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			event.Notify(v)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 55, sum)
}

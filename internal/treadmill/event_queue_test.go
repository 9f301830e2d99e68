package treadmill

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/treadmill-app/internal/ftms"
)

func newTestQueue(t *testing.T, maxFrames int) (*EventQueue, *bytes.Buffer) {
	t.Helper()
	var logBuf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	q := NewEventQueue(ctx, log.New(&logBuf, "", 0), "Test", maxFrames)
	t.Cleanup(func() {
		cancel()
		q.Wait()
	})
	return q, &logBuf
}

func frame(b byte) NotificationEvent {
	return NotificationEvent{Characteristic: ftms.CharUUIDTreadmillData, Data: []byte{b}}
}

func receive(t *testing.T, q *EventQueue) Event {
	t.Helper()
	select {
	case ev := <-q.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestNewEventQueue_PanicsOnNilLogger(t *testing.T) {
	assert.Panics(t, func() { NewEventQueue(context.Background(), nil, "Test", 4) })
}

func TestEventQueue_PreservesOrder(t *testing.T) {
	q, _ := newTestQueue(t, 4)
	device := DiscoveredDevice{Address: "AA", Name: "FS-34EAB5"}
	q.Post(ConnectedEvent{Device: device})
	q.Post(ServicesDiscoveredEvent{})
	q.Post(SubscribedEvent{Characteristic: ftms.CharUUIDTreadmillData})
	q.Post(frame(1))
	q.Post(frame(2))

	assert.Equal(t, ConnectedEvent{Device: device}, receive(t, q))
	assert.Equal(t, ServicesDiscoveredEvent{}, receive(t, q))
	assert.Equal(t, SubscribedEvent{Characteristic: ftms.CharUUIDTreadmillData}, receive(t, q))
	assert.Equal(t, frame(1), receive(t, q))
	assert.Equal(t, frame(2), receive(t, q))
}

func TestEventQueue_ShedsFramesBeyondLimit(t *testing.T) {
	q, logBuf := newTestQueue(t, 4)
	for i := 0; i < 10; i++ {
		q.Post(frame(byte(i)))
	}
	// the pump may already hold the first frame, freeing one slot
	assert.Contains(t, []uint64{5, 6}, q.Shed())
	assert.Contains(t, logBuf.String(), "Test: session busy, 1 treadmill frames shed so far")

	received := 0
	for {
		select {
		case <-q.Events():
			received++
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	assert.Equal(t, uint64(10), uint64(received)+q.Shed())
}

func TestEventQueue_LifecycleEventsNeverShed(t *testing.T) {
	q, _ := newTestQueue(t, 2)
	for i := 0; i < 20; i++ {
		q.Post(frame(byte(i)))
	}
	for i := 0; i < 100; i++ {
		q.Post(SubscribedEvent{Characteristic: ftms.CharUUIDTreadmillData})
	}

	subscribed := 0
	for subscribed < 100 {
		if _, ok := receive(t, q).(SubscribedEvent); ok {
			subscribed++
		}
	}
	assert.Equal(t, 100, subscribed)
}

func TestEventQueue_DisconnectPurgesQueuedFrames(t *testing.T) {
	q, _ := newTestQueue(t, DefaultMaxQueuedFrames)
	q.Post(ConnectedEvent{})
	for i := 0; i < 30; i++ {
		q.Post(frame(byte(i)))
	}
	linkErr := errors.New("link lost")
	q.Post(DisconnectedEvent{Err: linkErr})

	assert.Equal(t, ConnectedEvent{}, receive(t, q))
	ev := receive(t, q)
	if _, ok := ev.(NotificationEvent); ok {
		// one frame may have been in flight before the disconnect was posted
		ev = receive(t, q)
	}
	assert.Equal(t, DisconnectedEvent{Err: linkErr}, ev)
	assert.GreaterOrEqual(t, q.Shed(), uint64(29))

	q.Post(frame(99))
	assert.Equal(t, frame(99), receive(t, q))
}

func TestEventQueue_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewEventQueue(ctx, log.New(&bytes.Buffer{}, "", 0), "Test", 4)
	q.Post(frame(1))
	cancel()

	done := make(chan struct{})
	go func() {
		q.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery goroutine did not exit")
	}

	// posting after shutdown must not block
	require.NotPanics(t, func() { q.Post(DisconnectedEvent{}) })
}

package events

import (
	"sync"
	"sync/atomic"
)

// ChannelEvent fans values out to registered channels.
// Sends never block: a listener whose buffer is full misses the value and the
// miss is counted in Dropped.
type ChannelEvent[T any] struct {
	mu       sync.RWMutex
	channels map[uint64]chan<- T
	nextID   uint64
	replay   bool
	last     latest[T]
	dropped  atomic.Uint64
}

// NewChannelEvent creates a ChannelEvent. When replay is true the most recent
// value is sent to each new listener as soon as it registers.
func NewChannelEvent[T any](replay bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{
		channels: make(map[uint64]chan<- T),
		replay:   replay,
	}
}

// Listen registers ch and returns a function that removes it again.
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.channels[id] = ch
	value, ok := e.last.get()
	e.mu.Unlock()

	if e.replay && ok {
		e.send(ch, value)
	}

	return func() {
		e.mu.Lock()
		delete(e.channels, id)
		e.mu.Unlock()
	}
}

// Notify sends value to every registered channel.
func (e *ChannelEvent[T]) Notify(value T) {
	e.mu.Lock()
	e.last.set(value)
	targets := make([]chan<- T, 0, len(e.channels))
	for _, ch := range e.channels {
		targets = append(targets, ch)
	}
	e.mu.Unlock()

	for _, ch := range targets {
		e.send(ch, value)
	}
}

// Last returns the most recent value passed to Notify.
func (e *ChannelEvent[T]) Last() (T, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last.get()
}

// Dropped returns how many sends were skipped because a listener was full.
func (e *ChannelEvent[T]) Dropped() uint64 {
	return e.dropped.Load()
}

func (e *ChannelEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.channels)
}

func (e *ChannelEvent[T]) send(ch chan<- T, value T) {
	select {
	case ch <- value:
	default:
		e.dropped.Add(1)
	}
}

package events

import (
	"sync"
)

// CallbackEvent calls registered functions synchronously on Notify.
type CallbackEvent[T any] struct {
	mu        sync.RWMutex
	listeners map[uint64]func(T)
	order     []uint64
	nextID    uint64
	replay    bool
	last      latest[T]
}

// NewCallbackEvent creates a CallbackEvent. When replay is true a new listener
// is called with the most recent value as soon as it registers.
func NewCallbackEvent[T any](replay bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{
		listeners: make(map[uint64]func(T)),
		replay:    replay,
	}
}

// Listen registers callback and returns a function that removes it again.
// Callbacks run in registration order.
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = callback
	e.order = append(e.order, id)
	value, ok := e.last.get()
	e.mu.Unlock()

	// outside the lock, the callback may register or notify
	if e.replay && ok {
		callback(value)
	}

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.listeners[id]; !ok {
			return
		}
		delete(e.listeners, id)
		for i, v := range e.order {
			if v == id {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
	}
}

// Notify calls every listener with value on the calling goroutine.
func (e *CallbackEvent[T]) Notify(value T) {
	e.mu.Lock()
	e.last.set(value)
	callbacks := make([]func(T), 0, len(e.order))
	for _, id := range e.order {
		callbacks = append(callbacks, e.listeners[id])
	}
	e.mu.Unlock()

	for _, callback := range callbacks {
		callback(value)
	}
}

// Last returns the most recent value passed to Notify.
func (e *CallbackEvent[T]) Last() (T, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last.get()
}

func (e *CallbackEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}

// latest holds the last notified value. Callers hold the owning event's lock.
type latest[T any] struct {
	value T
	ok    bool
}

func (l *latest[T]) set(v T) {
	l.value = v
	l.ok = true
}

func (l *latest[T]) get() (T, bool) {
	return l.value, l.ok
}

package treadmill

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/lowaak/smart-trainer/treadmill-app/internal/go_func_utils"
)

// DefaultMaxQueuedFrames bounds how many notification frames an EventQueue
// holds while the session is busy.
const DefaultMaxQueuedFrames = 64

// EventQueue delivers transport events on a channel in the order they were
// posted. Post never blocks. Lifecycle events (connect, discovery,
// subscription, disconnect) are never dropped; NotificationEvents beyond the
// frame limit are shed and counted. A DisconnectedEvent discards the frames
// still waiting ahead of it so the session sees the lost link immediately.
type EventQueue struct {
	logger    *log.Logger
	name      string
	maxFrames int
	out       chan Event
	wake      chan struct{}

	mu      sync.Mutex
	pending []Event
	frames  int

	shed atomic.Uint64

	ctx context.Context
	wg  sync.WaitGroup
}

// NewEventQueue starts the delivery goroutine, which runs until ctx is done.
// name prefixes the queue's log lines.
func NewEventQueue(ctx context.Context, logger *log.Logger, name string, maxFrames int) *EventQueue {
	if logger == nil {
		panic("EventQueue: logger cannot be nil")
	}
	if maxFrames <= 0 {
		maxFrames = DefaultMaxQueuedFrames
	}
	q := &EventQueue{
		logger:    logger,
		name:      name,
		maxFrames: maxFrames,
		out:       make(chan Event),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
	}
	go_func_utils.SafeGoWG(logger, &q.wg, q.deliver)
	return q
}

// Events is the channel handed to the session through Transport.Events.
func (q *EventQueue) Events() <-chan Event {
	return q.out
}

// Shed returns how many notification frames were dropped.
func (q *EventQueue) Shed() uint64 {
	return q.shed.Load()
}

// Wait blocks until the delivery goroutine has exited.
func (q *EventQueue) Wait() {
	q.wg.Wait()
}

// Post queues ev for delivery.
func (q *EventQueue) Post(ev Event) {
	dropped := 0
	q.mu.Lock()
	switch ev.(type) {
	case NotificationEvent:
		if q.frames >= q.maxFrames {
			q.mu.Unlock()
			q.countShed(1)
			return
		}
		q.frames++
	case DisconnectedEvent:
		dropped = q.dropFramesLocked()
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()

	if dropped > 0 {
		q.countShed(dropped)
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dropFramesLocked removes queued notifications. MUST be called with mu held.
func (q *EventQueue) dropFramesLocked() int {
	kept := q.pending[:0]
	for _, ev := range q.pending {
		if _, ok := ev.(NotificationEvent); !ok {
			kept = append(kept, ev)
		}
	}
	dropped := len(q.pending) - len(kept)
	clear(q.pending[len(kept):])
	q.pending = kept
	q.frames = 0
	return dropped
}

func (q *EventQueue) countShed(n int) {
	total := q.shed.Add(uint64(n))
	// first shed and then every hundredth, a stalled sink sheds many per second
	if total == uint64(n) || total/100 != (total-uint64(n))/100 {
		q.logger.Printf("%s: session busy, %d treadmill frames shed so far", q.name, total)
	}
}

func (q *EventQueue) next() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	ev := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	if _, ok := ev.(NotificationEvent); ok {
		q.frames--
	}
	return ev, true
}

func (q *EventQueue) deliver() {
	for {
		ev, ok := q.next()
		if !ok {
			select {
			case <-q.ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		select {
		case <-q.ctx.Done():
			return
		case q.out <- ev:
		}
	}
}

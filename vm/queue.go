package vm

import (
	"slices"

	"github.com/vsariola/rendercore"
)

type (
	// eventQueue holds the scheduled events that have not fired yet, sorted
	// by time. Events with equal times keep their scheduling order. It is
	// only touched by the render thread; the control thread reaches it
	// through the engine's message channel.
	eventQueue struct {
		events []rendercore.ScheduledEvent
	}

	message struct {
		event      rendercore.ScheduledEvent
		generation uint64
	}
)

// TrySend sends v to c if c is not full. It never blocks.
func TrySend[T any](c chan<- T, v T) bool {
	select {
	case c <- v:
	default:
		return false
	}
	return true
}

func newEventQueue(capacity int) eventQueue {
	return eventQueue{events: make([]rendercore.ScheduledEvent, 0, capacity)}
}

// push inserts e after all events at or before its time. It reports false
// if the queue is full; the queue never grows on the render thread.
func (q *eventQueue) push(e rendercore.ScheduledEvent) bool {
	if len(q.events) == cap(q.events) {
		return false
	}
	i, _ := slices.BinarySearchFunc(q.events, e.AbsoluteTime, func(a rendercore.ScheduledEvent, t rendercore.SampleTime) int {
		if a.AbsoluteTime <= t {
			return -1
		}
		return 1
	})
	q.events = slices.Insert(q.events, i, e)
	return true
}

// next returns the time of the earliest event.
func (q *eventQueue) next() (rendercore.SampleTime, bool) {
	if len(q.events) == 0 {
		return 0, false
	}
	return q.events[0].AbsoluteTime, true
}

// popDue calls fire for every event at or before t, in order, and removes
// them.
func (q *eventQueue) popDue(t rendercore.SampleTime, fire func(rendercore.ScheduledEvent)) {
	n := 0
	for n < len(q.events) && q.events[n].AbsoluteTime <= t {
		fire(q.events[n])
		n++
	}
	if n > 0 {
		q.events = slices.Delete(q.events, 0, n)
	}
}

// drain calls f for every queued event, in order, and empties the queue.
func (q *eventQueue) drain(f func(rendercore.ScheduledEvent)) {
	for _, e := range q.events {
		f(e)
	}
	q.clear()
}

func (q *eventQueue) clear() {
	q.events = q.events[:0]
}

func (q *eventQueue) len() int {
	return len(q.events)
}

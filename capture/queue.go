package capture

import (
	"context"
	"time"

	"github.com/binwatch/binwatch/event"
)

// Queue is the bounded hand-off between the pipeline worker and the sink
// consumer. The worker blocks on Put when the queue is full (backpressure);
// the consumer blocks on Poll with a timeout so a stop request is serviced
// within bounded latency. Events come out in the order they went in.
type Queue struct {
	ch chan event.ChangeEvent
}

// NewQueue creates a queue holding up to capacity events.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan event.ChangeEvent, capacity)}
}

// Put enqueues ev, blocking while the queue is full. It returns ctx.Err()
// only when the context is cancelled, which the pipeline does on hard
// shutdown; a cooperative stop never interrupts an in-flight Put.
func (q *Queue) Put(ctx context.Context, ev event.ChangeEvent) error {
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll dequeues one event, waiting up to timeout. The second return is false
// when the wait expired with nothing available.
func (q *Queue) Poll(timeout time.Duration) (event.ChangeEvent, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-q.ch:
		return ev, true
	case <-timer.C:
		return event.ChangeEvent{}, false
	}
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

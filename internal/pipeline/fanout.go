// Package pipeline moves change notifications from the book engine to
// its consumers through bounded queues.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"bookpipe/internal/domain"
	"bookpipe/internal/infra"
)

// Policy controls what a full queue does to a producer.
type Policy uint8

const (
	// Block parks the producer until the consumer catches up.
	// Nothing is lost.
	Block Policy = iota

	// DropOldest evicts the oldest queued notification to make room.
	// Only acceptable for consumers that read latest state anyway.
	DropOldest
)

// ParsePolicy converts a config string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "block", "":
		return Block, nil
	case "drop_oldest":
		return DropOldest, nil
	default:
		return Block, fmt.Errorf("unknown queue policy %q", s)
	}
}

// Queue is a bounded notification queue with a single consumer and any
// number of producers. Notifications are treated as immutable once
// pushed.
type Queue struct {
	name    string
	policy  Policy
	ch      chan *domain.ChangeNotification
	metrics *infra.Metrics

	// Serializes evictions so concurrent producers cannot both pop
	// the same slot and still fail to push.
	dropMu sync.Mutex
}

// NewQueue creates a queue with the given capacity and full-queue policy.
func NewQueue(name string, capacity int, policy Policy, metrics *infra.Metrics) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		name:    name,
		policy:  policy,
		ch:      make(chan *domain.ChangeNotification, capacity),
		metrics: metrics,
	}
}

// Name returns the queue name used in logs and metrics.
func (q *Queue) Name() string {
	return q.name
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Push enqueues a notification according to the queue policy. With
// Block it waits for space and records the time spent blocked. With
// DropOldest it evicts the head until the push succeeds. Push must not
// be called after Close.
func (q *Queue) Push(n *domain.ChangeNotification) {
	// Fast path, no timing overhead while the queue has room.
	select {
	case q.ch <- n:
		return
	default:
	}

	switch q.policy {
	case DropOldest:
		q.dropMu.Lock()
		defer q.dropMu.Unlock()
		for {
			select {
			case q.ch <- n:
				return
			default:
			}
			select {
			case <-q.ch:
				q.metrics.RecordDroppedNotifications(1)
			default:
			}
		}
	default: // Block
		start := time.Now()
		q.ch <- n
		q.metrics.RecordQueueBlocked(time.Since(start).Nanoseconds())
	}
}

// Items returns the receive side for the consumer. The channel closes
// when Close is called and all queued notifications were drained.
func (q *Queue) Items() <-chan *domain.ChangeNotification {
	return q.ch
}

// Close signals the consumer that no more notifications will arrive.
// All producers must have stopped before Close.
func (q *Queue) Close() {
	close(q.ch)
}

// Fanout delivers every published notification to all registered
// queues. Queue policies decide individually how full queues behave,
// so a slow consumer with a Block queue applies backpressure to the
// producer while a DropOldest queue sheds load instead.
type Fanout struct {
	queues []*Queue
}

// NewFanout creates an empty fan-out stage.
func NewFanout() *Fanout {
	return &Fanout{}
}

// AddQueue registers a consumer queue. Not safe to call once
// publishing has started.
func (f *Fanout) AddQueue(q *Queue) {
	f.queues = append(f.queues, q)
}

// Queues returns the registered queues.
func (f *Fanout) Queues() []*Queue {
	return f.queues
}

// Publish pushes the notification to every queue in registration order.
func (f *Fanout) Publish(n *domain.ChangeNotification) {
	for _, q := range f.queues {
		q.Push(n)
	}
}

// Close closes all queues. All producers must have stopped first.
func (f *Fanout) Close() {
	for _, q := range f.queues {
		q.Close()
	}
}

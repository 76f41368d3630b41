package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vidgallery/api/internal/model"
)

type memoryItem struct {
	id       string
	body     []byte
	attempts int
	deadline time.Time
}

// MemoryQueue is an in-process queue with visibility-timeout redelivery.
// Messages do not survive a restart. The reconciler's startup sweep
// republishes PENDING jobs for non-durable queues.
type MemoryQueue struct {
	mu         sync.Mutex
	ready      []*memoryItem
	inflight   map[string]*memoryItem
	wake       chan struct{}
	visibility time.Duration
	closed     bool
	now        func() time.Time
}

func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	return &MemoryQueue{
		inflight:   make(map[string]*memoryItem),
		wake:       make(chan struct{}),
		visibility: visibility,
		now:        time.Now,
	}
}

// signalLocked wakes every blocked receiver.
func (q *MemoryQueue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *MemoryQueue) Publish(_ context.Context, msg model.QueueMessage) error {
	body, err := encode(msg)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.ready = append(q.ready, &memoryItem{id: uuid.NewString(), body: body})
	q.signalLocked()
	return nil
}

func (q *MemoryQueue) requeueExpiredLocked() time.Duration {
	now := q.now()
	var next time.Duration
	for id, item := range q.inflight {
		left := item.deadline.Sub(now)
		if left <= 0 {
			delete(q.inflight, id)
			q.ready = append(q.ready, item)
			continue
		}
		if next == 0 || left < next {
			next = left
		}
	}
	return next
}

func (q *MemoryQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		nextExpiry := q.requeueExpiredLocked()
		if len(q.ready) > 0 {
			item := q.ready[0]
			q.ready = q.ready[1:]
			item.attempts++
			item.deadline = q.now().Add(q.visibility)
			q.inflight[item.id] = item
			q.mu.Unlock()

			msg, err := decode(item.body)
			if err != nil {
				q.drop(item.id)
				return nil, fmt.Errorf("dropping malformed message: %w", err)
			}
			return &Delivery{Message: msg, Attempt: item.attempts, token: item.id}, nil
		}
		wake := q.wake
		q.mu.Unlock()

		var expiry <-chan time.Time
		var timer *time.Timer
		if nextExpiry > 0 {
			timer = time.NewTimer(nextExpiry)
			expiry = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-expiry:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *MemoryQueue) drop(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	id, _ := d.token.(string)
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[id]; !ok {
		return fmt.Errorf("delivery %s is no longer in flight", id)
	}
	delete(q.inflight, id)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, d *Delivery) error {
	id, _ := d.token.(string)
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.inflight[id]
	if !ok {
		return fmt.Errorf("delivery %s is no longer in flight", id)
	}
	delete(q.inflight, id)
	q.ready = append(q.ready, item)
	q.signalLocked()
	return nil
}

func (q *MemoryQueue) Durable() bool { return false }

func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// InFlight is the number of received but unacknowledged messages.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.signalLocked()
	}
	return nil
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vidgallery/api/internal/model"
)

// TaskTypeProcessJob is the task/message type carried by every driver.
const TaskTypeProcessJob = "job:process"

// ErrClosed is returned by Receive once the queue has been shut down.
var ErrClosed = errors.New("queue closed")

// Delivery is one received message. It stays invisible to other consumers
// until it is acked, nacked, or its visibility window lapses.
type Delivery struct {
	Message model.QueueMessage
	Attempt int
	token   any
}

// Queue is an at-least-once FIFO-ish durable queue.
type Queue interface {
	Publish(ctx context.Context, msg model.QueueMessage) error
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack makes the message visible again for redelivery.
	Nack(ctx context.Context, d *Delivery) error
	// Durable reports whether published messages survive a process restart.
	Durable() bool
	// Pending is the last known number of waiting messages. It never does I/O.
	Pending() int
	Close() error
}

func encode(msg model.QueueMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal queue message: %w", err)
	}
	return body, nil
}

func decode(body []byte) (model.QueueMessage, error) {
	var msg model.QueueMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("failed to unmarshal queue message: %w", err)
	}
	if msg.JobID <= 0 {
		return msg, fmt.Errorf("queue message without job id")
	}
	return msg, nil
}

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/vidgallery/api/internal/model"
	"go.uber.org/multierr"
)

// AMQPQueue is a RabbitMQ driver. Deliveries are manually acked; a message
// held by a consumer whose channel dies is redelivered by the broker. The
// prefetch count bounds how many unacked messages this process holds.
type AMQPQueue struct {
	conn       *amqp.Connection
	name       string
	pubMu      sync.Mutex
	pubCh      *amqp.Channel
	consCh     *amqp.Channel
	deliveries <-chan amqp.Delivery
	pending    atomic.Int64
	logger     *slog.Logger

	stopPoll  chan struct{}
	closeOnce sync.Once
}

func DialAMQP(url, name string, prefetch int, logger *slog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	q := &AMQPQueue{
		conn:     conn,
		name:     name,
		logger:   logger.With("component", "queue", "driver", "amqp"),
		stopPoll: make(chan struct{}),
	}
	if err := q.setup(prefetch); err != nil {
		conn.Close()
		return nil, err
	}
	go q.pollDepth(2 * time.Second)
	return q, nil
}

func (q *AMQPQueue) setup(prefetch int) error {
	var err error
	if q.pubCh, err = q.conn.Channel(); err != nil {
		return fmt.Errorf("failed to open publish channel: %w", err)
	}
	_, err = q.pubCh.QueueDeclare(
		q.name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if q.consCh, err = q.conn.Channel(); err != nil {
		return fmt.Errorf("failed to open consume channel: %w", err)
	}
	if err := q.consCh.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	q.deliveries, err = q.consCh.Consume(
		q.name,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}
	return nil
}

func (q *AMQPQueue) pollDepth(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		q.pubMu.Lock()
		state, err := q.pubCh.QueueDeclarePassive(q.name, true, false, false, false, nil)
		q.pubMu.Unlock()
		if err != nil {
			q.logger.Debug("queue depth poll failed", "error", err)
		} else {
			q.pending.Store(int64(state.Messages))
		}

		select {
		case <-q.stopPoll:
			return
		case <-ticker.C:
		}
	}
}

func (q *AMQPQueue) Publish(ctx context.Context, msg model.QueueMessage) error {
	body, err := encode(msg)
	if err != nil {
		return err
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	err = q.pubCh.PublishWithContext(ctx,
		"",     // default exchange
		q.name, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    msg.EnqueuedAt,
			Type:         TaskTypeProcessJob,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	q.pending.Add(1)
	return nil
}

func (q *AMQPQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-q.deliveries:
			if !ok {
				return nil, ErrClosed
			}
			msg, err := decode(d.Body)
			if err != nil {
				q.logger.Error("discarding malformed message", "error", err)
				_ = d.Nack(false, false)
				continue
			}
			if n := q.pending.Add(-1); n < 0 {
				q.pending.Store(0)
			}
			attempt := 1
			if d.Redelivered {
				attempt = 2
			}
			return &Delivery{Message: msg, Attempt: attempt, token: d}, nil
		}
	}
}

func (q *AMQPQueue) Ack(_ context.Context, d *Delivery) error {
	ad, ok := d.token.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("delivery does not belong to the amqp driver")
	}
	return ad.Ack(false)
}

func (q *AMQPQueue) Nack(_ context.Context, d *Delivery) error {
	ad, ok := d.token.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("delivery does not belong to the amqp driver")
	}
	return ad.Nack(false, true)
}

func (q *AMQPQueue) Durable() bool { return true }

func (q *AMQPQueue) Pending() int {
	return int(q.pending.Load())
}

// Healthy reports whether the broker connection is open.
func (q *AMQPQueue) Healthy() bool {
	return q.conn != nil && !q.conn.IsClosed()
}

func (q *AMQPQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.stopPoll)
		err = multierr.Combine(q.consCh.Close(), q.pubCh.Close(), q.conn.Close())
	})
	return err
}

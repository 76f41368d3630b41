package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"github.com/vidgallery/api/internal/model"
	"go.uber.org/multierr"
)

// AsynqConfig configures the Redis-backed driver.
type AsynqConfig struct {
	Redis        asynq.RedisClientOpt
	Queue        string
	Concurrency  int
	MaxRetry     int
	Visibility   time.Duration
	LogLevel     asynq.LogLevel
	PollInterval time.Duration
}

type asynqResult chan error

// AsynqQueue bridges asynq's push-style handler to the pull-style Queue
// interface. The asynq server hands a task to handle, which parks it on a
// channel until the scheduler receives it, and then waits for the ack or nack
// to decide the task outcome. asynq's task timeout plays the role of the
// visibility window.
type AsynqQueue struct {
	cfg        AsynqConfig
	client     *asynq.Client
	server     *asynq.Server
	inspector  *asynq.Inspector
	deliveries chan *Delivery
	pending    atomic.Int64
	logger     *slog.Logger

	stopPoll  chan struct{}
	closeOnce sync.Once
}

func NewAsynqQueue(cfg AsynqConfig, logger *slog.Logger) *AsynqQueue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &AsynqQueue{
		cfg:       cfg,
		client:    asynq.NewClient(cfg.Redis),
		inspector: asynq.NewInspector(cfg.Redis),
		server: asynq.NewServer(cfg.Redis, asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues:      map[string]int{cfg.Queue: 1},
			LogLevel:    cfg.LogLevel,
		}),
		deliveries: make(chan *Delivery),
		logger:     logger.With("component", "queue", "driver", "asynq"),
		stopPoll:   make(chan struct{}),
	}
}

// Start runs the asynq server and the queue-depth poller.
func (q *AsynqQueue) Start() error {
	if err := q.server.Start(asynq.HandlerFunc(q.handle)); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	go q.pollDepth()
	return nil
}

func (q *AsynqQueue) handle(ctx context.Context, task *asynq.Task) error {
	msg, err := decode(task.Payload())
	if err != nil {
		q.logger.Error("discarding malformed task", "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	attempt, _ := asynq.GetRetryCount(ctx)
	result := make(asynqResult, 1)
	select {
	case q.deliveries <- &Delivery{Message: msg, Attempt: attempt + 1, token: result}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *AsynqQueue) pollDepth() {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		info, err := q.inspector.GetQueueInfo(q.cfg.Queue)
		switch {
		case err == nil:
			q.pending.Store(int64(info.Pending + info.Retry + info.Scheduled))
		case errors.Is(err, asynq.ErrQueueNotFound):
			q.pending.Store(0)
		default:
			q.logger.Debug("queue depth poll failed", "error", err)
		}

		select {
		case <-q.stopPoll:
			return
		case <-ticker.C:
		}
	}
}

func (q *AsynqQueue) Publish(ctx context.Context, msg model.QueueMessage) error {
	body, err := encode(msg)
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskTypeProcessJob, body)
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.Queue(q.cfg.Queue),
		asynq.MaxRetry(q.cfg.MaxRetry),
		asynq.Timeout(q.cfg.Visibility),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	q.pending.Add(1)
	return nil
}

func (q *AsynqQueue) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case d := <-q.deliveries:
		if n := q.pending.Add(-1); n < 0 {
			q.pending.Store(0)
		}
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *AsynqQueue) settle(d *Delivery, outcome error) error {
	result, ok := d.token.(asynqResult)
	if !ok {
		return fmt.Errorf("delivery does not belong to the asynq driver")
	}
	select {
	case result <- outcome:
		return nil
	default:
		return fmt.Errorf("delivery for job %d already settled", d.Message.JobID)
	}
}

func (q *AsynqQueue) Ack(_ context.Context, d *Delivery) error {
	return q.settle(d, nil)
}

func (q *AsynqQueue) Nack(_ context.Context, d *Delivery) error {
	return q.settle(d, fmt.Errorf("job %d returned to queue", d.Message.JobID))
}

func (q *AsynqQueue) Durable() bool { return true }

func (q *AsynqQueue) Pending() int {
	return int(q.pending.Load())
}

func (q *AsynqQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.stopPoll)
		q.server.Shutdown()
		err = multierr.Combine(q.client.Close(), q.inspector.Close())
	})
	return err
}

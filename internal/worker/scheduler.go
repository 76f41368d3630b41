package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/vidgallery/api/internal/metrics"
	"github.com/vidgallery/api/internal/model"
	"github.com/vidgallery/api/internal/queue"
	"github.com/vidgallery/api/internal/repository"
)

// Executor runs the pipeline for one message.
type Executor interface {
	Execute(ctx context.Context, msg model.QueueMessage) error
}

const (
	receiveRetryDelay  = time.Second
	maxRedeliveryDelay = time.Minute
)

// Scheduler pulls messages from the queue and runs at most maxConcurrent
// pipelines at once. A slot is taken before receiving, so messages beyond the
// cap stay in the queue, and a finished pipeline hands its slot straight back
// to the dispatcher.
type Scheduler struct {
	queue         queue.Queue
	repo          repository.JobRepository
	exec          Executor
	maxConcurrent int
	slots         chan struct{}
	active        atomic.Int64
	wg            sync.WaitGroup
	logger        *slog.Logger
	metrics       *metrics.Metrics

	// redeliveryDelay is the first backoff before a failed message is nacked.
	redeliveryDelay time.Duration
}

func NewScheduler(q queue.Queue, repo repository.JobRepository, exec Executor, maxConcurrent int, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{
		queue:           q,
		repo:            repo,
		exec:            exec,
		maxConcurrent:   maxConcurrent,
		slots:           make(chan struct{}, maxConcurrent),
		logger:          logger.With("component", "scheduler"),
		metrics:         m,
		redeliveryDelay: receiveRetryDelay,
	}
}

// Run dispatches until ctx is done or the queue is closed, then waits for
// in-flight pipelines to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started", "max_concurrent_jobs", s.maxConcurrent)
	defer s.wg.Wait()

	for {
		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		d, err := s.queue.Receive(ctx)
		if err != nil {
			<-s.slots
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				return err
			}
			s.logger.Error("Failed to receive from queue", "error", err)
			if err := sleepCtx(ctx, receiveRetryDelay); err != nil {
				return nil
			}
			continue
		}

		s.active.Add(1)
		s.publishGauges()
		s.wg.Add(1)
		go s.dispatch(ctx, d)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, d *queue.Delivery) {
	defer s.wg.Done()
	defer func() {
		s.active.Add(-1)
		<-s.slots
		s.publishGauges()
	}()

	logger := s.logger.With("job_id", d.Message.JobID, "attempt", d.Attempt)

	var execErr error
	var pc panics.Catcher
	pc.Try(func() {
		execErr = s.exec.Execute(ctx, d.Message)
	})
	if r := pc.Recovered(); r != nil {
		logger.Error("Pipeline panicked", "panic", r.Value, "stack", string(r.Stack))
		s.failJob(ctx, d.Message.JobID, r.AsError())
		execErr = nil
	}

	settleCtx := context.WithoutCancel(ctx)
	if execErr != nil {
		delay := s.backoff(d.Attempt)
		logger.Warn("Job will be redelivered", "error", execErr, "delay", delay)
		// The slot stays taken while waiting, so a failing message cannot
		// spin the dispatcher.
		_ = sleepCtx(ctx, delay)
		if err := s.queue.Nack(settleCtx, d); err != nil {
			logger.Error("Failed to nack message", "error", err)
		}
		return
	}
	if err := s.queue.Ack(settleCtx, d); err != nil {
		logger.Error("Failed to ack message", "error", err)
	}
}

// backoff doubles the redelivery delay per attempt up to maxRedeliveryDelay.
func (s *Scheduler) backoff(attempt int) time.Duration {
	delay := s.redeliveryDelay
	for i := 1; i < attempt && delay < maxRedeliveryDelay; i++ {
		delay *= 2
	}
	if delay > maxRedeliveryDelay {
		delay = maxRedeliveryDelay
	}
	return delay
}

// failJob marks a job FAILED after an unexpected error, whatever non-terminal
// status it reached.
func (s *Scheduler) failJob(ctx context.Context, jobID int64, cause error) {
	from := append([]model.JobStatus{model.JobStatusPending}, model.ActiveStatuses...)
	update := repository.StatusUpdate{From: from, To: model.JobStatusFailed}.
		WithError(model.PublicMessage(model.NewInternalError(cause)))
	if _, err := s.repo.UpdateJob(context.WithoutCancel(ctx), jobID, update); err != nil {
		s.logger.Warn("Failed to mark job as failed", "job_id", jobID, "error", err)
		return
	}
	s.metrics.JobFinished(string(model.JobStatusFailed))
}

// QueueStatus reads the current counters without I/O.
func (s *Scheduler) QueueStatus() model.QueueStatus {
	return model.QueueStatus{
		ActiveJobs:        int(s.active.Load()),
		MaxConcurrentJobs: s.maxConcurrent,
		QueuedJobs:        s.queue.Pending(),
	}
}

func (s *Scheduler) publishGauges() {
	st := s.QueueStatus()
	s.metrics.SetQueue(st.ActiveJobs, st.QueuedJobs)
}

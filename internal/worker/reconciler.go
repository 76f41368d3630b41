package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vidgallery/api/internal/metrics"
	"github.com/vidgallery/api/internal/model"
	"github.com/vidgallery/api/internal/queue"
	"github.com/vidgallery/api/internal/repository"
)

type ReconcilerConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	// CleanupSchedule is a cron spec for retention cleanup. It only runs when
	// RetentionDays > 0 and Cleanup is set.
	CleanupSchedule string
	RetentionDays   int
	Cleanup         func(ctx context.Context, olderThanDays int) (int, error)
}

// Reconciler resets jobs whose pipeline stopped writing (crashed worker) back
// to PENDING and republishes them.
type Reconciler struct {
	repo    repository.JobRepository
	queue   queue.Queue
	cfg     ReconcilerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	cron    *cron.Cron
}

func NewReconciler(repo repository.JobRepository, q queue.Queue, cfg ReconcilerConfig, logger *slog.Logger, m *metrics.Metrics) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	logger = logger.With("component", "reconciler")
	return &Reconciler{
		repo:    repo,
		queue:   q,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
	}
}

// Start runs one sweep immediately, then schedules the periodic sweep and,
// when enabled, retention cleanup. With a non-durable queue the messages of
// PENDING jobs died with the previous process, so those jobs are republished
// first.
func (r *Reconciler) Start(ctx context.Context) error {
	if !r.queue.Durable() {
		n, err := r.RepublishPending(ctx)
		if err != nil {
			r.logger.Error("Republishing pending jobs failed", "error", err)
		} else if n > 0 {
			r.logger.Info("Republished pending jobs", "count", n)
		}
	}
	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Error("Startup sweep failed", "error", err)
	}

	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.cfg.Interval), func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("Sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	if r.cfg.RetentionDays > 0 && r.cfg.Cleanup != nil && r.cfg.CleanupSchedule != "" {
		if _, err := r.cron.AddFunc(r.cfg.CleanupSchedule, func() {
			n, err := r.cfg.Cleanup(ctx, r.cfg.RetentionDays)
			if err != nil {
				r.logger.Error("Retention cleanup failed", "error", err)
				return
			}
			r.logger.Info("Retention cleanup finished", "deleted", n, "older_than_days", r.cfg.RetentionDays)
		}); err != nil {
			return fmt.Errorf("failed to schedule cleanup: %w", err)
		}
	}

	r.cron.Start()
	r.logger.Info("Reconciler started", "interval", r.cfg.Interval, "stale_after", r.cfg.StaleAfter)
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep resets every active job not updated within StaleAfter and returns
// how many were requeued.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.StaleAfter)
	jobs, _, err := r.repo.ListJobs(ctx, repository.JobFilter{
		Statuses:      model.ActiveStatuses,
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	reset := 0
	for _, job := range jobs {
		// The cutoff guard keeps a pipeline that wrote since the listing.
		update := repository.StatusUpdate{
			From:          model.ActiveStatuses,
			To:            model.JobStatusPending,
			ClearError:    true,
			UpdatedBefore: cutoff,
		}.WithProgress(0)
		updated, err := r.repo.UpdateJob(ctx, job.ID, update)
		if err != nil {
			if errors.Is(err, repository.ErrStatusMismatch) || errors.Is(err, model.ErrNotFound) {
				continue
			}
			r.logger.Error("Failed to reset stuck job", "job_id", job.ID, "error", err)
			continue
		}
		r.logger.Warn("Reset stuck job", "job_id", job.ID, "owner_id", job.OwnerID,
			"was", job.Status, "last_update", job.UpdatedAt)
		if err := Requeue(ctx, r.repo, r.queue, updated); err != nil {
			r.logger.Error("Failed to requeue stuck job", "job_id", job.ID, "error", err)
			continue
		}
		reset++
	}

	if reset > 0 {
		r.metrics.JobsReset(reset)
	}
	return reset, nil
}

// RepublishPending publishes a message for every PENDING job, oldest first.
// A job that already has a message gets a duplicate, which the pipeline's
// claim drops.
func (r *Reconciler) RepublishPending(ctx context.Context) (int, error) {
	jobs, _, err := r.repo.ListJobs(ctx, repository.JobFilter{
		Statuses: []model.JobStatus{model.JobStatusPending},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	n := 0
	for i := len(jobs) - 1; i >= 0; i-- {
		job := jobs[i]
		if err := Requeue(ctx, r.repo, r.queue, &job); err != nil {
			r.logger.Error("Failed to republish pending job", "job_id", job.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Requeue publishes a processing message for a PENDING job. When the publish
// fails the job is failed with a queueing error, as on admission, instead of
// being left PENDING with no message.
func Requeue(ctx context.Context, repo repository.JobRepository, q queue.Queue, job *model.Job) error {
	msg := model.QueueMessage{
		JobID:            job.ID,
		RequestedFormats: job.RequestedFormats,
		EnqueuedAt:       time.Now().UTC(),
	}
	if err := q.Publish(ctx, msg); err != nil {
		qerr := model.NewQueueingError(err)
		update := repository.Transition(model.JobStatusPending, model.JobStatusFailed).WithError(model.PublicMessage(qerr))
		if _, uerr := repo.UpdateJob(context.WithoutCancel(ctx), job.ID, update); uerr != nil {
			return fmt.Errorf("%w (and failed to mark job failed: %v)", qerr, uerr)
		}
		return qerr
	}
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}

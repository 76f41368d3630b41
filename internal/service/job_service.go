package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/vidgallery/api/internal/client"
	"github.com/vidgallery/api/internal/metrics"
	"github.com/vidgallery/api/internal/model"
	"github.com/vidgallery/api/internal/queue"
	"github.com/vidgallery/api/internal/repository"
	"github.com/vidgallery/api/internal/worker"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// deletableStatuses are the statuses a job may be deleted from. Deleting a
// running job would race the pipeline's writes and uploads.
var deletableStatuses = []model.JobStatus{
	model.JobStatusPending, model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled,
}

// QueueStatusReader exposes the scheduler counters.
type QueueStatusReader interface {
	QueueStatus() model.QueueStatus
}

// JobService handles job admission, reads, deletion and admin operations
type JobService struct {
	repo       repository.JobRepository
	queue      queue.Queue
	blobs      client.BlobStore
	scheduler  QueueStatusReader
	health     *HealthService
	presignTTL time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewJobService(repo repository.JobRepository, q queue.Queue, blobs client.BlobStore, scheduler QueueStatusReader, presignTTL time.Duration, logger *slog.Logger, m *metrics.Metrics) *JobService {
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	return &JobService{
		repo:       repo,
		queue:      q,
		blobs:      blobs,
		scheduler:  scheduler,
		health:     NewHealthService(),
		presignTTL: presignTTL,
		logger:     logger.With("component", "job_service"),
		metrics:    m,
		now:        time.Now,
	}
}

// Submit validates a submission, stores the job as PENDING and publishes it.
// When publishing fails the job is kept as FAILED and a queueing error is
// returned.
func (s *JobService) Submit(ctx context.Context, p model.Principal, inputSource string, requestedFormats []string) (*model.Job, error) {
	inputSource = strings.TrimSpace(inputSource)
	if inputSource == "" {
		return nil, model.NewValidationError("inputSource is required")
	}
	formats, err := model.ParseFormats(requestedFormats)
	if err != nil {
		return nil, err
	}
	if err := checkInputSource(p, inputSource); err != nil {
		return nil, err
	}

	job := &model.Job{
		OwnerID:          p.ID,
		InputSource:      inputSource,
		RequestedFormats: formats,
		Status:           model.JobStatusPending,
		Progress:         0,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	s.metrics.JobSubmitted()

	if err := worker.Requeue(ctx, s.repo, s.queue, job); err != nil {
		s.logger.Error("Failed to enqueue job", "job_id", job.ID, "owner_id", p.ID, "error", err)
		return nil, err
	}

	s.logger.Info("Job submitted", "job_id", job.ID, "owner_id", p.ID, "formats", formats)
	return job, nil
}

// checkInputSource allows http(s) URLs and storage keys inside the caller's
// upload namespace. Admins may read any upload. Job outputs are never a
// valid source.
func checkInputSource(p model.Principal, source string) error {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return nil
	}
	if strings.HasPrefix(source, "/") || path.Clean(source) != source {
		return model.NewValidationError("inputSource must be a URL or a normalized storage key")
	}
	if client.IsOutputKey(source) {
		return model.NewForbiddenError("inputSource refers to another job's output")
	}
	allowed := client.UploadNamespace(p.ID)
	if p.IsAdmin() {
		allowed = client.UploadPrefix
	}
	if !strings.HasPrefix(source, allowed) {
		return model.NewForbiddenError("inputSource is outside your upload area")
	}
	return nil
}

// GetJob returns a job visible to the principal.
func (s *JobService) GetJob(ctx context.Context, p model.Principal, id int64) (*model.Job, error) {
	job, err := s.repo.FindJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != p.ID && !p.IsAdmin() {
		return nil, model.NewForbiddenError("job belongs to another user")
	}
	return job, nil
}

// ListJobs returns one page of the principal's jobs. Admins see every job.
// statusFilter is an optional comma-separated list of statuses.
func (s *JobService) ListJobs(ctx context.Context, p model.Principal, statusFilter string, page, limit int) (*model.JobListResponse, error) {
	statuses, err := parseStatuses(statusFilter)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	filter := repository.JobFilter{Statuses: statuses, Page: page, Limit: limit}
	if !p.IsAdmin() {
		filter.OwnerID = p.ID
	}
	jobs, total, err := s.repo.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return &model.JobListResponse{
		Jobs: jobs,
		Pagination: model.Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: (total + limit - 1) / limit,
		},
	}, nil
}

func parseStatuses(raw string) ([]model.JobStatus, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var statuses []model.JobStatus
	for _, part := range strings.Split(raw, ",") {
		st := model.JobStatus(strings.ToUpper(strings.TrimSpace(part)))
		if !st.Valid() {
			return nil, model.NewValidationError(fmt.Sprintf("unknown status %q", part))
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// GetAssets returns a job's assets with time-limited download URLs.
func (s *JobService) GetAssets(ctx context.Context, p model.Principal, id int64) ([]model.Asset, error) {
	if _, err := s.GetJob(ctx, p, id); err != nil {
		return nil, err
	}
	assets, err := s.repo.ListAssets(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	for i := range assets {
		url, err := s.blobs.Presign(ctx, assets[i].StorageKey, s.presignTTL)
		if err != nil {
			s.logger.Warn("Failed to presign asset", "job_id", id, "key", assets[i].StorageKey, "error", err)
			continue
		}
		assets[i].URL = url
	}
	return assets, nil
}

// DeleteJob removes a job and its assets. Blob deletion is best-effort.
func (s *JobService) DeleteJob(ctx context.Context, p model.Principal, id int64) error {
	job, err := s.GetJob(ctx, p, id)
	if err != nil {
		return err
	}
	if job.Status.IsActive() {
		return model.NewForbiddenError("job is being processed and cannot be deleted")
	}

	assets, err := s.repo.DeleteJob(ctx, id, deletableStatuses)
	if err != nil {
		if errors.Is(err, repository.ErrStatusMismatch) {
			return model.NewForbiddenError("job is being processed and cannot be deleted")
		}
		return err
	}
	s.deleteBlobs(ctx, id, assets)
	s.logger.Info("Job deleted", "job_id", id, "owner_id", job.OwnerID, "assets", len(assets))
	return nil
}

func (s *JobService) deleteBlobs(ctx context.Context, jobID int64, assets []model.Asset) {
	var errs error
	for _, a := range assets {
		errs = multierr.Append(errs, s.blobs.Delete(ctx, a.StorageKey))
	}
	if errs != nil {
		s.logger.Warn("Failed to delete some asset blobs", "job_id", jobID,
			"failed", len(multierr.Errors(errs)), "error", errs)
	}
}

// CancelJob stops a pending or running job. A running pipeline notices at
// its next status write.
func (s *JobService) CancelJob(ctx context.Context, p model.Principal, id int64) (*model.Job, error) {
	job, err := s.GetJob(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, model.NewValidationError(fmt.Sprintf("job already %s", strings.ToLower(string(job.Status))))
	}

	from := append([]model.JobStatus{model.JobStatusPending}, model.ActiveStatuses...)
	updated, err := s.repo.UpdateJob(ctx, id, repository.StatusUpdate{From: from, To: model.JobStatusCancelled})
	if err != nil {
		if errors.Is(err, repository.ErrStatusMismatch) {
			return nil, model.NewValidationError("job already finished")
		}
		return nil, err
	}
	s.metrics.JobFinished(string(model.JobStatusCancelled))
	s.logger.Info("Job cancelled", "job_id", id, "owner_id", job.OwnerID, "was", job.Status)
	return updated, nil
}

// GetProcessingStatus reports job counts, host health and scheduler counters.
func (s *JobService) GetProcessingStatus(ctx context.Context) (*model.ProcessingStatus, error) {
	counts, err := s.repo.CountByStatus(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	active := 0
	for _, st := range model.ActiveStatuses {
		active += counts[st]
	}

	var qs model.QueueStatus
	if s.scheduler != nil {
		qs = s.scheduler.QueueStatus()
	}

	return &model.ProcessingStatus{
		JobCounts:    counts,
		ActiveJobs:   active,
		SystemHealth: s.health.Check(ctx),
		Queue:        qs,
	}, nil
}

// RestartFailedJobs moves every FAILED job back to PENDING and republishes
// it. It returns how many jobs were requeued.
func (s *JobService) RestartFailedJobs(ctx context.Context) (int, error) {
	jobs, _, err := s.repo.ListJobs(ctx, repository.JobFilter{Statuses: []model.JobStatus{model.JobStatusFailed}})
	if err != nil {
		return 0, fmt.Errorf("failed to list failed jobs: %w", err)
	}

	restarted := 0
	for _, job := range jobs {
		update := repository.Transition(model.JobStatusFailed, model.JobStatusPending).WithProgress(0)
		update.ClearError = true
		updated, err := s.repo.UpdateJob(ctx, job.ID, update)
		if err != nil {
			if errors.Is(err, repository.ErrStatusMismatch) || errors.Is(err, model.ErrNotFound) {
				continue
			}
			return restarted, err
		}
		if err := worker.Requeue(ctx, s.repo, s.queue, updated); err != nil {
			s.logger.Error("Failed to requeue restarted job", "job_id", job.ID, "error", err)
			continue
		}
		restarted++
	}
	s.logger.Info("Restarted failed jobs", "count", restarted)
	return restarted, nil
}

// CleanupOldJobs deletes terminal jobs created more than olderThanDays ago,
// with their assets and blobs.
func (s *JobService) CleanupOldJobs(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 1 {
		return 0, model.NewValidationError("olderThanDays must be at least 1")
	}
	cutoff := s.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	jobs, _, err := s.repo.ListJobs(ctx, repository.JobFilter{
		Statuses:      model.TerminalStatuses,
		CreatedBefore: cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list old jobs: %w", err)
	}

	deleted := 0
	for _, job := range jobs {
		assets, err := s.repo.DeleteJob(ctx, job.ID, model.TerminalStatuses)
		if err != nil {
			if errors.Is(err, repository.ErrStatusMismatch) || errors.Is(err, model.ErrNotFound) {
				continue
			}
			return deleted, err
		}
		s.deleteBlobs(ctx, job.ID, assets)
		deleted++
	}
	s.logger.Info("Cleaned up old jobs", "count", deleted, "older_than_days", olderThanDays)
	return deleted, nil
}

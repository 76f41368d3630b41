package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vidgallery/api/internal/model"
	"github.com/vidgallery/api/internal/repository"
)

// Stage boundaries on the 0-100 progress scale.
const (
	progressDownloaded = 10
	progressProbed     = 20
	progressTranscoded = 80
	progressThumbnail  = 85
	progressPreview    = 90
	progressUploaded   = 99
	progressCompleted  = 100
)

// errJobCancelled means a conditional write found the job in another status,
// which only happens when it was cancelled (or reset) underneath the pipeline.
var errJobCancelled = errors.New("job no longer owned by pipeline")

// progressTracker writes status and progress for one running job. Progress
// never regresses and engine callbacks are throttled by a rate limiter.
type progressTracker struct {
	mu      sync.Mutex
	repo    repository.JobRepository
	jobID   int64
	status  model.JobStatus
	current int
	written int
	limiter *rate.Limiter
	cancel  context.CancelFunc
	stopped bool
}

func newProgressTracker(repo repository.JobRepository, job *model.Job, interval time.Duration, cancel context.CancelFunc) *progressTracker {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &progressTracker{
		repo:    repo,
		jobID:   job.ID,
		status:  job.Status,
		current: job.Progress,
		written: job.Progress,
		limiter: rate.NewLimiter(limit, 1),
		cancel:  cancel,
	}
}

// Status returns the status the tracker last wrote.
func (t *progressTracker) Status() model.JobStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Stopped reports whether a write found the job taken away.
func (t *progressTracker) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Advance moves the job to status at progress p and always writes.
func (t *progressTracker) Advance(ctx context.Context, status model.JobStatus, p int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeLocked(ctx, status, t.clampLocked(p))
}

// Report records progress within the current status. Writes are skipped when
// nothing changed or the limiter has no token; the next Advance flushes.
func (t *progressTracker) Report(ctx context.Context, p int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return errJobCancelled
	}
	p = t.clampLocked(p)
	if p == t.written || !t.limiter.Allow() {
		return nil
	}
	return t.writeLocked(ctx, t.status, p)
}

func (t *progressTracker) clampLocked(p int) int {
	if p > 100 {
		p = 100
	}
	if p < t.current {
		p = t.current
	}
	t.current = p
	return p
}

func (t *progressTracker) writeLocked(ctx context.Context, status model.JobStatus, p int) error {
	if t.stopped {
		return errJobCancelled
	}
	_, err := t.repo.UpdateJob(ctx, t.jobID, repository.Transition(t.status, status).WithProgress(p))
	if err != nil {
		if errors.Is(err, repository.ErrStatusMismatch) || errors.Is(err, model.ErrNotFound) {
			t.stopped = true
			if t.cancel != nil {
				t.cancel()
			}
			return errJobCancelled
		}
		return err
	}
	t.status = status
	t.written = p
	return nil
}

package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vidgallery/api/internal/model"
)

// MemoryRepository is an in-process JobRepository used in development mode
// and tests. It also records every status and progress value a job takes.
type MemoryRepository struct {
	mu        sync.RWMutex
	jobs      map[int64]*model.Job
	assets    map[int64][]model.Asset
	nextJob   int64
	nextAsset int64
	statuses  map[int64][]model.JobStatus
	progress  map[int64][]int
	now       func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:     make(map[int64]*model.Job),
		assets:   make(map[int64][]model.Asset),
		statuses: make(map[int64][]model.JobStatus),
		progress: make(map[int64][]int),
		now:      time.Now,
	}
}

func (r *MemoryRepository) CreateJob(_ context.Context, job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextJob++
	now := r.now()
	job.ID = r.nextJob
	job.CreatedAt = now
	job.UpdatedAt = now

	stored := cloneJob(job)
	r.jobs[job.ID] = stored
	r.statuses[job.ID] = []model.JobStatus{stored.Status}
	r.progress[job.ID] = []int{stored.Progress}
	return nil
}

func (r *MemoryRepository) FindJob(_ context.Context, id int64) (*model.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, jobNotFound(id)
	}
	return cloneJob(job), nil
}

func (r *MemoryRepository) ListJobs(_ context.Context, f JobFilter) ([]model.Job, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]model.Job, 0)
	for _, job := range r.jobs {
		if f.OwnerID != "" && job.OwnerID != f.OwnerID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, job.Status) {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !job.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		if !f.CreatedBefore.IsZero() && !job.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		matched = append(matched, *cloneJob(job))
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Limit <= 0 {
		return matched, total, nil
	}
	start := f.offset()
	if start >= total {
		return []model.Job{}, total, nil
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (r *MemoryRepository) UpdateJob(_ context.Context, id int64, u StatusUpdate) (*model.Job, error) {
	if err := u.validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, jobNotFound(id)
	}
	if !containsStatus(u.From, job.Status) {
		return nil, ErrStatusMismatch
	}
	if !u.UpdatedBefore.IsZero() && !job.UpdatedAt.Before(u.UpdatedBefore) {
		return nil, ErrStatusMismatch
	}

	if u.To != "" && u.To != job.Status {
		job.Status = u.To
		r.statuses[id] = append(r.statuses[id], u.To)
	}
	if u.Progress != nil {
		job.Progress = *u.Progress
		r.progress[id] = append(r.progress[id], *u.Progress)
	}
	if u.ClearError {
		job.ErrorText = nil
	}
	if u.ErrorText != nil {
		msg := *u.ErrorText
		job.ErrorText = &msg
	}
	job.UpdatedAt = r.now()

	return cloneJob(job), nil
}

func (r *MemoryRepository) CountByStatus(_ context.Context, ownerID string) (map[model.JobStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[model.JobStatus]int, len(model.AllJobStatuses))
	for _, s := range model.AllJobStatuses {
		counts[s] = 0
	}
	for _, job := range r.jobs {
		if ownerID != "" && job.OwnerID != ownerID {
			continue
		}
		counts[job.Status]++
	}
	return counts, nil
}

func (r *MemoryRepository) DeleteJob(_ context.Context, id int64, allowed []model.JobStatus) ([]model.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, jobNotFound(id)
	}
	if !containsStatus(allowed, job.Status) {
		return nil, ErrStatusMismatch
	}

	removed := append([]model.Asset(nil), r.assets[id]...)
	delete(r.assets, id)
	delete(r.jobs, id)
	return removed, nil
}

func (r *MemoryRepository) CreateAsset(_ context.Context, asset *model.Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[asset.JobID]; !ok {
		return jobNotFound(asset.JobID)
	}
	r.nextAsset++
	asset.ID = r.nextAsset
	asset.CreatedAt = r.now()
	r.assets[asset.JobID] = append(r.assets[asset.JobID], *asset)
	return nil
}

func (r *MemoryRepository) ListAssets(_ context.Context, jobID int64) ([]model.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]model.Asset{}, r.assets[jobID]...), nil
}

func (r *MemoryRepository) Ping(context.Context) error {
	return nil
}

// StatusHistory returns every status the job has held, in order.
func (r *MemoryRepository) StatusHistory(id int64) []model.JobStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.JobStatus(nil), r.statuses[id]...)
}

// ProgressHistory returns every progress value written for the job, in order.
func (r *MemoryRepository) ProgressHistory(id int64) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]int(nil), r.progress[id]...)
}

// Backdate moves a job's updated_at into the past.
func (r *MemoryRepository) Backdate(id int64, age time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.UpdatedAt = job.UpdatedAt.Add(-age)
		job.CreatedAt = job.CreatedAt.Add(-age)
	}
}

func cloneJob(job *model.Job) *model.Job {
	c := *job
	c.RequestedFormats = append([]model.Format(nil), job.RequestedFormats...)
	if job.ErrorText != nil {
		msg := *job.ErrorText
		c.ErrorText = &msg
	}
	return &c
}

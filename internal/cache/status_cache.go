package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vidgallery/api/internal/metrics"
	"github.com/vidgallery/api/internal/model"
	"github.com/vidgallery/api/internal/repository"
)

const systemStatsKey = "stats:system"

func jobKey(id int64) string {
	return fmt.Sprintf("job:%d", id)
}

func assetsKey(id int64) string {
	return fmt.Sprintf("job:%d:assets", id)
}

func statsKey(owner string) string {
	return "stats:owner:" + owner
}

func countsKey(owner string) string {
	if owner == "" {
		return systemStatsKey
	}
	return statsKey(owner)
}

// StatusCache is a short-TTL read-through cache in front of a JobRepository.
// It is itself a JobRepository: reads of single jobs, asset lists and status
// counts are served from the store when fresh, and every write goes to the
// repository first and then drops the keys it may have made stale. Store
// failures are logged and never surface to callers.
type StatusCache struct {
	repo    repository.JobRepository
	store   Store
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ repository.JobRepository = (*StatusCache)(nil)

func NewStatusCache(repo repository.JobRepository, store Store, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *StatusCache {
	return &StatusCache{
		repo:    repo,
		store:   store,
		ttl:     ttl,
		logger:  logger.With("component", "status_cache"),
		metrics: m,
	}
}

func (c *StatusCache) lookup(ctx context.Context, key string, dst any) bool {
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed, falling back to repository", "key", key, "error", err)
		c.metrics.CacheResult("error")
		return false
	}
	if !ok {
		c.metrics.CacheResult("miss")
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.logger.Warn("discarding undecodable cache entry", "key", key, "error", err)
		c.metrics.CacheResult("error")
		return false
	}
	c.metrics.CacheResult("hit")
	return true
}

func (c *StatusCache) populate(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

func (c *StatusCache) invalidate(ctx context.Context, keys ...string) {
	if err := c.store.Delete(ctx, keys...); err != nil {
		c.logger.Warn("cache invalidation failed", "keys", keys, "error", err)
	}
}

func (c *StatusCache) invalidateJob(ctx context.Context, job *model.Job) {
	c.invalidate(ctx, jobKey(job.ID), statsKey(job.OwnerID), systemStatsKey)
}

func (c *StatusCache) FindJob(ctx context.Context, id int64) (*model.Job, error) {
	var job model.Job
	if c.lookup(ctx, jobKey(id), &job) {
		return &job, nil
	}
	found, err := c.repo.FindJob(ctx, id)
	if err != nil {
		return nil, err
	}
	c.populate(ctx, jobKey(id), found)
	return found, nil
}

func (c *StatusCache) ListAssets(ctx context.Context, jobID int64) ([]model.Asset, error) {
	var assets []model.Asset
	if c.lookup(ctx, assetsKey(jobID), &assets) {
		return assets, nil
	}
	found, err := c.repo.ListAssets(ctx, jobID)
	if err != nil {
		return nil, err
	}
	c.populate(ctx, assetsKey(jobID), found)
	return found, nil
}

// CountByStatus caches per-owner aggregates, and the system-wide aggregate
// under a singleton key when ownerID is empty.
func (c *StatusCache) CountByStatus(ctx context.Context, ownerID string) (map[model.JobStatus]int, error) {
	key := countsKey(ownerID)
	var counts map[model.JobStatus]int
	if c.lookup(ctx, key, &counts) {
		return counts, nil
	}
	found, err := c.repo.CountByStatus(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	c.populate(ctx, key, found)
	return found, nil
}

// ListJobs is not cached: filters and pages make the key space unbounded.
func (c *StatusCache) ListJobs(ctx context.Context, f repository.JobFilter) ([]model.Job, int, error) {
	return c.repo.ListJobs(ctx, f)
}

func (c *StatusCache) CreateJob(ctx context.Context, job *model.Job) error {
	if err := c.repo.CreateJob(ctx, job); err != nil {
		return err
	}
	c.invalidateJob(ctx, job)
	return nil
}

func (c *StatusCache) UpdateJob(ctx context.Context, id int64, u repository.StatusUpdate) (*model.Job, error) {
	job, err := c.repo.UpdateJob(ctx, id, u)
	if err != nil {
		if errors.Is(err, repository.ErrStatusMismatch) {
			// Someone else moved the job; whatever is cached is suspect.
			c.invalidate(ctx, jobKey(id))
		}
		return nil, err
	}
	c.invalidateJob(ctx, job)
	return job, nil
}

func (c *StatusCache) DeleteJob(ctx context.Context, id int64, allowed []model.JobStatus) ([]model.Asset, error) {
	job, err := c.repo.FindJob(ctx, id)
	if err != nil {
		return nil, err
	}
	assets, err := c.repo.DeleteJob(ctx, id, allowed)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, jobKey(id), assetsKey(id), statsKey(job.OwnerID), systemStatsKey)
	return assets, nil
}

func (c *StatusCache) CreateAsset(ctx context.Context, asset *model.Asset) error {
	if err := c.repo.CreateAsset(ctx, asset); err != nil {
		return err
	}
	c.invalidate(ctx, assetsKey(asset.JobID))
	return nil
}

func (c *StatusCache) Ping(ctx context.Context) error {
	return c.repo.Ping(ctx)
}

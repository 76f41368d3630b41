package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vidgallery/api/internal/client"
	"github.com/vidgallery/api/internal/metrics"
	"github.com/vidgallery/api/internal/model"
	"github.com/vidgallery/api/internal/repository"
	"github.com/vidgallery/api/internal/transcoder"
)

// Fetcher materialises an input source as a local file.
type Fetcher interface {
	Fetch(ctx context.Context, source, destPath string) error
}

type PipelineConfig struct {
	WorkDir          string
	DownloadAttempts int
	DownloadBackoff  time.Duration
	DownloadTimeout  time.Duration
	ProgressInterval time.Duration
	PreviewSeconds   int
}

// Pipeline runs the stages of one job: download, probe, transcode per
// format, thumbnail and preview, upload. Local files are always removed.
type Pipeline struct {
	repo    repository.JobRepository
	blobs   client.BlobStore
	fetcher Fetcher
	engine  transcoder.Engine
	cfg     PipelineConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewPipeline(repo repository.JobRepository, blobs client.BlobStore, fetcher Fetcher, engine transcoder.Engine, cfg PipelineConfig, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if cfg.DownloadAttempts < 1 {
		cfg.DownloadAttempts = 1
	}
	if cfg.PreviewSeconds < 1 {
		cfg.PreviewSeconds = 3
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &Pipeline{
		repo:    repo,
		blobs:   blobs,
		fetcher: fetcher,
		engine:  engine,
		cfg:     cfg,
		logger:  logger.With("component", "pipeline"),
		metrics: m,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// output is one local file waiting for upload.
type output struct {
	assetType model.AssetType
	path      string
}

// run holds the working state of one execution.
type run struct {
	job     *model.Job
	dir     string
	input   string
	outputs []output
	tracker *progressTracker
	logger  *slog.Logger
}

// Execute processes one queue message. It returns an error only when the
// message should be redelivered; stage failures are recorded on the job.
func (p *Pipeline) Execute(ctx context.Context, msg model.QueueMessage) error {
	logger := p.logger.With("job_id", msg.JobID)

	// Only a PENDING job may be claimed, so a duplicate delivery is a no-op.
	job, err := p.repo.UpdateJob(ctx, msg.JobID,
		repository.Transition(model.JobStatusPending, model.JobStatusDownloading).WithProgress(0))
	if err != nil {
		if errors.Is(err, repository.ErrStatusMismatch) || errors.Is(err, model.ErrNotFound) {
			logger.Info("Skipping job that is no longer pending", "error", err)
			return nil
		}
		return fmt.Errorf("failed to claim job %d: %w", msg.JobID, err)
	}
	logger = logger.With("owner_id", job.OwnerID)
	logger.Info("Starting job", "formats", job.RequestedFormats)

	dir := filepath.Join(p.cfg.WorkDir, fmt.Sprintf("job-%d-%s", job.ID, uuid.NewString()))
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("Failed to remove work dir", "dir", dir, "error", err)
		}
	}()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		job:     job,
		dir:     dir,
		tracker: newProgressTracker(p.repo, job, p.cfg.ProgressInterval, cancel),
		logger:  logger,
	}

	err = p.stages(jobCtx, r)
	switch {
	case err == nil:
		p.metrics.JobFinished(string(model.JobStatusCompleted))
		logger.Info("Job completed")
		return nil
	case r.tracker.Stopped():
		logger.Info("Job was cancelled while running", "stage_error", err)
		return nil
	case ctx.Err() != nil:
		// Shutdown. The job stays active and is picked up by the reconciler.
		logger.Warn("Job interrupted", "status", r.tracker.Status())
		return ctx.Err()
	}

	p.fail(ctx, job.ID, err, logger)
	return nil
}

// fail records err as the job's terminal cause. The write is conditional on
// the job still being active so a concurrent cancel wins.
func (p *Pipeline) fail(ctx context.Context, jobID int64, cause error, logger *slog.Logger) {
	logger.Error("Job failed", "error", cause)
	update := repository.StatusUpdate{From: model.ActiveStatuses, To: model.JobStatusFailed}.
		WithError(model.PublicMessage(cause))
	if _, err := p.repo.UpdateJob(context.WithoutCancel(ctx), jobID, update); err != nil {
		logger.Warn("Failed to mark job as failed", "error", err)
		return
	}
	p.metrics.JobFinished(string(model.JobStatusFailed))
}

func (p *Pipeline) stages(ctx context.Context, r *run) error {
	steps := []struct {
		name string
		fn   func(context.Context, *run) error
	}{
		{"download", p.download},
		{"metadata", p.probe},
		{"transcode", p.transcode},
		{"auxiliary", p.auxiliary},
		{"upload", p.upload},
	}
	for _, step := range steps {
		start := time.Now()
		err := step.fn(ctx, r)
		p.metrics.ObserveStage(step.name, time.Since(start))
		if err != nil {
			r.logger.Debug("Stage failed", "stage", step.name, "error", err)
			return err
		}
	}
	return r.tracker.Advance(ctx, model.JobStatusCompleted, progressCompleted)
}

func (p *Pipeline) download(ctx context.Context, r *run) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return model.NewInternalError(fmt.Errorf("failed to create work dir: %w", err))
	}
	r.input = filepath.Join(r.dir, "source"+sourceExt(r.job.InputSource))

	backoff := p.cfg.DownloadBackoff
	var lastErr error
	for attempt := 1; attempt <= p.cfg.DownloadAttempts; attempt++ {
		lastErr = p.fetchOnce(ctx, r.job.InputSource, r.input)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("Download attempt failed", "stage", "download", "attempt", attempt, "error", lastErr)
		if attempt < p.cfg.DownloadAttempts {
			if err := p.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
		}
	}
	if lastErr != nil {
		return model.NewDownloadError(
			fmt.Sprintf("download failed after %d attempts", p.cfg.DownloadAttempts), lastErr)
	}

	if err := r.tracker.Advance(ctx, model.JobStatusDownloading, progressDownloaded); err != nil {
		return err
	}
	return r.tracker.Advance(ctx, model.JobStatusProcessing, progressDownloaded)
}

func (p *Pipeline) fetchOnce(ctx context.Context, source, dest string) error {
	if p.cfg.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.DownloadTimeout)
		defer cancel()
	}
	return p.fetcher.Fetch(ctx, source, dest)
}

// probe is best-effort: a failure is logged and the job carries on without
// a metadata asset.
func (p *Pipeline) probe(ctx context.Context, r *run) error {
	info, err := p.engine.Probe(ctx, r.input)
	if err == nil {
		var body []byte
		body, err = json.Marshal(info)
		if err == nil {
			path := filepath.Join(r.dir, "metadata.json")
			if err = os.WriteFile(path, body, 0o644); err == nil {
				r.outputs = append(r.outputs, output{model.AssetTypeMetadataJSON, path})
			}
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("Metadata extraction failed", "stage", "metadata", "error", err)
	}
	return r.tracker.Advance(ctx, model.JobStatusProcessing, progressProbed)
}

func (p *Pipeline) transcode(ctx context.Context, r *run) error {
	formats := r.job.RequestedFormats
	if len(formats) == 0 {
		return model.NewValidationError("job has no requested formats")
	}
	share := float64(progressTranscoded-progressProbed) / float64(len(formats))

	for i, f := range formats {
		base := float64(progressProbed) + share*float64(i)
		path := filepath.Join(r.dir, string(f)+".mp4")
		onProgress := func(frac float64) {
			_ = r.tracker.Report(ctx, int(base+share*frac))
		}
		if err := p.engine.Transcode(ctx, r.input, f.Profile(), path, onProgress); err != nil {
			if r.tracker.Stopped() || ctx.Err() != nil {
				return err
			}
			return model.NewTranscodeError(fmt.Sprintf("transcode to %s failed", f), err)
		}
		r.outputs = append(r.outputs, output{f.AssetType(), path})
		if err := r.tracker.Advance(ctx, model.JobStatusProcessing, int(base+share)); err != nil {
			return err
		}
	}
	return r.tracker.Advance(ctx, model.JobStatusProcessing, progressTranscoded)
}

func (p *Pipeline) auxiliary(ctx context.Context, r *run) error {
	thumb := filepath.Join(r.dir, "thumbnail.jpg")
	if err := p.engine.Thumbnail(ctx, r.input, thumb); err != nil {
		if r.tracker.Stopped() || ctx.Err() != nil {
			return err
		}
		return model.NewTranscodeError("thumbnail generation failed", err)
	}
	r.outputs = append(r.outputs, output{model.AssetTypeThumbnail, thumb})
	if err := r.tracker.Advance(ctx, model.JobStatusProcessing, progressThumbnail); err != nil {
		return err
	}

	preview := filepath.Join(r.dir, "preview.gif")
	if err := p.engine.ShortPreview(ctx, r.input, preview, p.cfg.PreviewSeconds); err != nil {
		if r.tracker.Stopped() || ctx.Err() != nil {
			return err
		}
		return model.NewTranscodeError("preview generation failed", err)
	}
	r.outputs = append(r.outputs, output{model.AssetTypeGIFPreview, preview})
	return r.tracker.Advance(ctx, model.JobStatusProcessing, progressPreview)
}

// upload stores every output and records its asset row once the blob exists.
// A rerun after a reset overwrites the same keys and skips rows it already has.
func (p *Pipeline) upload(ctx context.Context, r *run) error {
	if err := r.tracker.Advance(ctx, model.JobStatusUploading, progressPreview); err != nil {
		return err
	}

	existing, err := p.repo.ListAssets(ctx, r.job.ID)
	if err != nil {
		return model.NewInternalError(fmt.Errorf("failed to list assets: %w", err))
	}
	recorded := make(map[model.AssetType]bool, len(existing))
	for _, a := range existing {
		recorded[a.AssetType] = true
	}

	span := float64(progressUploaded - progressPreview)
	for i, out := range r.outputs {
		key := StorageKey(r.job.ID, out.assetType)
		size, err := p.blobs.Put(ctx, key, out.path, out.assetType.ContentType())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return model.NewInternalError(fmt.Errorf("failed to upload %s: %w", out.assetType, err))
		}
		if !recorded[out.assetType] {
			asset := &model.Asset{JobID: r.job.ID, AssetType: out.assetType, StorageKey: key, SizeBytes: &size}
			if err := p.repo.CreateAsset(ctx, asset); err != nil {
				return model.NewInternalError(fmt.Errorf("failed to record %s asset: %w", out.assetType, err))
			}
			recorded[out.assetType] = true
		}
		pct := progressPreview + int(span*float64(i+1)/float64(len(r.outputs)))
		if err := r.tracker.Report(ctx, pct); err != nil {
			return err
		}
	}
	return r.tracker.Advance(ctx, model.JobStatusUploading, progressUploaded)
}

// StorageKey is the blob key of a job's asset.
func StorageKey(jobID int64, t model.AssetType) string {
	return fmt.Sprintf("%s%d/%s%s", client.OutputPrefix, jobID, strings.ToLower(string(t)), t.Extension())
}

func sourceExt(source string) string {
	if i := strings.IndexAny(source, "?#"); i >= 0 {
		source = source[:i]
	}
	ext := filepath.Ext(source)
	if ext == "" || len(ext) > 6 || strings.ContainsAny(ext, "/\\") {
		return ".bin"
	}
	return strings.ToLower(ext)
}

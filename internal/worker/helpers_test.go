package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/vidgallery/api/internal/client"
	"github.com/vidgallery/api/internal/model"
	"github.com/vidgallery/api/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEngine writes placeholder files instead of running ffmpeg.
type fakeEngine struct {
	mu              sync.Mutex
	transcoded      []model.Format
	probeErr        error
	failFormat      model.Format
	failThumbnail   bool
	panicOnFormat   model.Format
	beforeTranscode func(f model.Format)
}

func (e *fakeEngine) Probe(_ context.Context, _ string) (*model.MediaInfo, error) {
	if e.probeErr != nil {
		return nil, e.probeErr
	}
	return &model.MediaInfo{DurationSec: 12.5, Width: 1920, Height: 1080, VideoCodec: "h264", AudioCodec: "aac"}, nil
}

func (e *fakeEngine) Transcode(ctx context.Context, _ string, profile model.Profile, output string, onProgress func(float64)) error {
	e.mu.Lock()
	e.transcoded = append(e.transcoded, profile.Format)
	hook := e.beforeTranscode
	e.mu.Unlock()

	if hook != nil {
		hook(profile.Format)
	}
	if profile.Format == e.panicOnFormat {
		panic("encoder exploded")
	}
	if profile.Format == e.failFormat {
		return errors.New("encoder exited with status 1")
	}
	onProgress(0.5)
	if err := ctx.Err(); err != nil {
		return err
	}
	onProgress(1)
	return os.WriteFile(output, []byte("video "+string(profile.Format)), 0o644)
}

func (e *fakeEngine) Thumbnail(_ context.Context, _, output string) error {
	if e.failThumbnail {
		return errors.New("no frames")
	}
	return os.WriteFile(output, []byte("jpeg"), 0o644)
}

func (e *fakeEngine) ShortPreview(_ context.Context, _, output string, _ int) error {
	return os.WriteFile(output, []byte("gif"), 0o644)
}

func (e *fakeEngine) Transcoded() []model.Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Format(nil), e.transcoded...)
}

// fakeFetcher fails the first failures calls, then writes the file.
type fakeFetcher struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (f *fakeFetcher) Fetch(_ context.Context, _, destPath string) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset by peer")
	}
	return os.WriteFile(destPath, []byte("source"), 0o644)
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type pipelineFixture struct {
	repo     *repository.MemoryRepository
	blobs    *client.LocalStore
	engine   *fakeEngine
	fetcher  *fakeFetcher
	workDir  string
	pipeline *Pipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	blobs, err := client.NewLocalStore(t.TempDir(), "http://localhost/files")
	if err != nil {
		t.Fatal(err)
	}
	f := &pipelineFixture{
		repo:    repository.NewMemoryRepository(),
		blobs:   blobs,
		engine:  &fakeEngine{},
		fetcher: &fakeFetcher{},
		workDir: t.TempDir(),
	}
	f.pipeline = NewPipeline(f.repo, f.blobs, f.fetcher, f.engine, PipelineConfig{
		WorkDir:          f.workDir,
		DownloadAttempts: 3,
		DownloadBackoff:  time.Millisecond,
		DownloadTimeout:  time.Second,
		PreviewSeconds:   3,
	}, discardLogger(), nil)
	return f
}

func (f *pipelineFixture) submit(t *testing.T, formats ...model.Format) *model.Job {
	t.Helper()
	job := &model.Job{
		OwnerID:          "user-1",
		InputSource:      "uploads/source.mp4",
		RequestedFormats: formats,
		Status:           model.JobStatusPending,
	}
	if err := f.repo.CreateJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	return job
}

func (f *pipelineFixture) job(t *testing.T, id int64) *model.Job {
	t.Helper()
	job, err := f.repo.FindJob(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func (f *pipelineFixture) assetCounts(t *testing.T, id int64) map[model.AssetType]int {
	t.Helper()
	assets, err := f.repo.ListAssets(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	counts := make(map[model.AssetType]int)
	for _, a := range assets {
		counts[a.AssetType]++
	}
	return counts
}

func (f *pipelineFixture) assertWorkDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.workDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("work dir not cleaned up: %d entries left", len(entries))
	}
}

func message(job *model.Job) model.QueueMessage {
	return model.QueueMessage{JobID: job.ID, RequestedFormats: job.RequestedFormats, EnqueuedAt: time.Now()}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

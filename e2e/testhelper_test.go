package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/vidgallery/api/internal/auth"
	"github.com/vidgallery/api/internal/cache"
	"github.com/vidgallery/api/internal/client"
	"github.com/vidgallery/api/internal/handler"
	"github.com/vidgallery/api/internal/metrics"
	"github.com/vidgallery/api/internal/middleware"
	"github.com/vidgallery/api/internal/model"
	"github.com/vidgallery/api/internal/queue"
	"github.com/vidgallery/api/internal/repository"
	"github.com/vidgallery/api/internal/service"
	ws "github.com/vidgallery/api/internal/websocket"
	"github.com/vidgallery/api/internal/worker"
)

const testJWTSecret = "test-secret-for-e2e"

var (
	alice = model.Principal{ID: "alice", Role: model.RoleUser}
	bob   = model.Principal{ID: "bob", Role: model.RoleUser}
	admin = model.Principal{ID: "root", Role: model.RoleAdmin}
)

// testApp holds all components needed for testing
type testApp struct {
	app   *fiber.App
	repo  repository.JobRepository
	blobs *client.LocalStore
}

// fakeEngine writes placeholder outputs instead of running ffmpeg.
type fakeEngine struct{}

func (fakeEngine) Probe(context.Context, string) (*model.MediaInfo, error) {
	return &model.MediaInfo{DurationSec: 4, Width: 1280, Height: 720}, nil
}

func (fakeEngine) Transcode(_ context.Context, _ string, p model.Profile, output string, onProgress func(float64)) error {
	onProgress(1)
	return os.WriteFile(output, []byte("video "+string(p.Format)), 0o644)
}

func (fakeEngine) Thumbnail(_ context.Context, _, output string) error {
	return os.WriteFile(output, []byte("jpeg"), 0o644)
}

func (fakeEngine) ShortPreview(_ context.Context, _, output string, _ int) error {
	return os.WriteFile(output, []byte("gif"), 0o644)
}

// setupApp wires the app the way main.go does, with in-memory drivers and a
// fake transcoder. When process is false no scheduler runs, so submitted jobs
// stay PENDING.
func setupApp(t *testing.T, process bool) *testApp {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	repo := cache.NewStatusCache(repository.NewMemoryRepository(), cache.NewMemoryStore(), time.Second, logger, m)
	q := queue.NewMemoryQueue(time.Minute)
	blobs, err := client.NewLocalStore(t.TempDir(), "/files")
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}

	pipeline := worker.NewPipeline(repo, blobs, client.NewFetcher(blobs, logger), fakeEngine{}, worker.PipelineConfig{
		WorkDir:          t.TempDir(),
		DownloadAttempts: 1,
		PreviewSeconds:   1,
	}, logger, m)
	scheduler := worker.NewScheduler(q, repo, pipeline, 2, logger, m)
	jobService := service.NewJobService(repo, q, blobs, scheduler, time.Minute, logger, m)
	hub := ws.NewHub(repo, scheduler, time.Second, time.Second, logger, m)

	if process {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = scheduler.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(func() {
		hub.Close()
		q.Close()
	})

	validate := handler.NewValidator()
	app := fiber.New()
	handler.Register(app, handler.Routes{
		Jobs:   handler.NewJobHandler(jobService, validate),
		Admin:  handler.NewAdminHandler(jobService),
		Auth:   handler.NewAuthHandler(nil, testJWTSecret),
		Health: handler.NewHealthHandler(repo, map[string]string{"repository": "memory", "queue": "memory", "storage": "local", "cache": "memory"}),
		Hub:    hub,
		// Legacy HMAC only; no rate limiting without Redis
		APIAuth:     middleware.NewLegacyAuthMiddleware(testJWTSecret).Authenticate(),
		Metrics:     m.Handler(),
		FilesDir:    blobs.Root(),
		FilesPrefix: "/files",
	})

	return &testApp{app: app, repo: repo, blobs: blobs}
}

// uploadKey is the storage key of an owner's uploaded file.
func uploadKey(p model.Principal, name string) string {
	return client.UploadNamespace(p.ID) + name
}

// writeSource stores an upload of p in the blob store and returns its name.
func (ta *testApp) writeSource(t *testing.T, p model.Principal, name string) string {
	t.Helper()
	path := filepath.Join(ta.blobs.Root(), uploadKey(p, name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("source video"), 0o644); err != nil {
		t.Fatal(err)
	}
	return name
}

func generateToken(t *testing.T, p model.Principal) string {
	t.Helper()
	signed, err := auth.SignLegacyToken(p, testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request as p and fails the test on transport errors.
func doAuthRequest(t *testing.T, app *fiber.App, p model.Principal, method, path, body string) *http.Response {
	t.Helper()
	resp, err := doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t, p),
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into v.
func parseJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	body := readBody(t, resp)
	if err := json.Unmarshal([]byte(body), v); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
}

// assertStatus checks the response status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body := readBody(t, resp)
		t.Fatalf("expected status %d, got %d\nbody: %s", expected, resp.StatusCode, body)
	}
}

// assertErrorCode checks the error envelope's code.
func assertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	assertStatus(t, resp, status)
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	parseJSON(t, resp, &envelope)
	if envelope.Error.Code != code {
		t.Errorf("expected error code %s, got %s", code, envelope.Error.Code)
	}
}

// submit posts a job as p for one of p's uploads and returns it.
func (ta *testApp) submit(t *testing.T, p model.Principal, name string, formats ...string) model.Job {
	t.Helper()
	source := uploadKey(p, name)
	quoted := make([]string, len(formats))
	for i, f := range formats {
		quoted[i] = fmt.Sprintf("%q", f)
	}
	body := fmt.Sprintf(`{"inputSource": %q, "requestedFormats": [%s]}`, source, strings.Join(quoted, ","))

	resp := doAuthRequest(t, ta.app, p, http.MethodPost, "/api/jobs", body)
	assertStatus(t, resp, http.StatusAccepted)
	var job model.Job
	parseJSON(t, resp, &job)
	return job
}

// getJob fetches a job as p.
func (ta *testApp) getJob(t *testing.T, p model.Principal, id int64) model.Job {
	t.Helper()
	resp := doAuthRequest(t, ta.app, p, http.MethodGet, fmt.Sprintf("/api/jobs/%d", id), "")
	assertStatus(t, resp, http.StatusOK)
	var job model.Job
	parseJSON(t, resp, &job)
	return job
}

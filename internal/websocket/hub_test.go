package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vidgallery/api/internal/model"
	"github.com/vidgallery/api/internal/repository"
)

type fakeStream struct {
	mu        sync.Mutex
	writes    []map[string]any
	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{incoming: make(chan []byte, 4), closed: make(chan struct{})}
}

func (s *fakeStream) ReadMessage() (int, []byte, error) {
	select {
	case m, ok := <-s.incoming:
		if !ok {
			return 0, nil, io.EOF
		}
		return 1, m, nil
	case <-s.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (s *fakeStream) WriteMessage(_ int, data []byte) error {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, msg)
	return nil
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) messages(typ string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, m := range s.writes {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

type staticStatus struct{}

func (staticStatus) QueueStatus() model.QueueStatus {
	return model.QueueStatus{ActiveJobs: 1, MaxConcurrentJobs: 2, QueuedJobs: 4}
}

func seed(t *testing.T, repo *repository.MemoryRepository, owner string, active bool) *model.Job {
	t.Helper()
	ctx := context.Background()
	job := &model.Job{OwnerID: owner, InputSource: "in.mp4", RequestedFormats: []model.Format{model.Format720p}, Status: model.JobStatusPending}
	if err := repo.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if active {
		u := repository.Transition(model.JobStatusPending, model.JobStatusDownloading).WithProgress(7)
		if _, err := repo.UpdateJob(ctx, job.ID, u); err != nil {
			t.Fatal(err)
		}
	}
	return job
}

func newTestHub(repo *repository.MemoryRepository) *Hub {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHub(repo, staticStatus{}, 10*time.Millisecond, 25*time.Millisecond, logger, nil)
}

func serve(h *Hub, conn *fakeStream, p model.Principal) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		h.Serve(context.Background(), conn, p)
		close(done)
	}()
	return done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestHubStreamsOwnersActiveJobsAndStats(t *testing.T) {
	repo := repository.NewMemoryRepository()
	mine := seed(t, repo, "alice", true)
	seed(t, repo, "alice", false)
	seed(t, repo, "bob", true)

	h := newTestHub(repo)
	conn := newFakeStream()
	done := serve(h, conn, model.Principal{ID: "alice", Role: model.RoleUser})

	waitFor(t, func() bool {
		return len(conn.messages(model.WSMessageTypeStats)) >= 2 && len(conn.messages(model.WSMessageTypeHeartbeat)) >= 1
	})
	if h.Clients() != 1 {
		t.Errorf("clients = %d, want 1", h.Clients())
	}

	for _, m := range conn.messages(model.WSMessageTypeJob) {
		if m["jobId"] != float64(mine.ID) {
			t.Fatalf("streamed job %v, want only %d", m["jobId"], mine.ID)
		}
		if m["status"] != string(model.JobStatusDownloading) || m["progress"] != float64(7) {
			t.Errorf("job event = %v", m)
		}
		if _, ok := m["updatedAt"]; !ok {
			t.Errorf("job event without updatedAt")
		}
	}
	if len(conn.messages(model.WSMessageTypeJob)) == 0 {
		t.Fatal("no job events")
	}

	stats := conn.messages(model.WSMessageTypeStats)[0]
	queue, _ := stats["queue"].(map[string]any)
	if queue["maxConcurrentJobs"] != float64(2) || queue["queuedJobs"] != float64(4) {
		t.Errorf("stats event = %v", stats)
	}

	close(conn.incoming)
	waitDone(t, done)
	if h.Clients() != 0 {
		t.Errorf("clients after disconnect = %d", h.Clients())
	}
}

func TestHubStreamsAllActiveJobsToAdmins(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seed(t, repo, "alice", true)
	seed(t, repo, "bob", true)
	seed(t, repo, "bob", false)

	h := newTestHub(repo)
	conn := newFakeStream()
	done := serve(h, conn, model.Principal{ID: "root", Role: model.RoleAdmin})

	waitFor(t, func() bool { return len(conn.messages(model.WSMessageTypeStats)) >= 1 })
	seen := map[float64]bool{}
	for _, m := range conn.messages(model.WSMessageTypeJob) {
		seen[m["jobId"].(float64)] = true
	}
	if len(seen) != 2 {
		t.Errorf("admin saw jobs %v, want the 2 active ones", seen)
	}

	h.Close()
	waitDone(t, done)
}

func TestHubAnswersPing(t *testing.T) {
	h := newTestHub(repository.NewMemoryRepository())
	conn := newFakeStream()
	done := serve(h, conn, model.Principal{ID: "alice"})

	conn.incoming <- []byte(`{"type":"ping"}`)
	waitFor(t, func() bool { return len(conn.messages(model.WSMessageTypePong)) == 1 })

	close(conn.incoming)
	waitDone(t, done)
}

func TestHubStopsOnContextCancel(t *testing.T) {
	h := newTestHub(repository.NewMemoryRepository())
	conn := newFakeStream()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Serve(ctx, conn, model.Principal{ID: "alice"})
		close(done)
	}()

	waitFor(t, func() bool { return h.Clients() == 1 })
	cancel()
	waitDone(t, done)

	select {
	case <-conn.closed:
	default:
		t.Error("connection not closed after Serve returned")
	}
	if h.Clients() != 0 {
		t.Errorf("clients = %d, want 0", h.Clients())
	}
}

package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"github.com/vidgallery/api/internal/metrics"
	"github.com/vidgallery/api/internal/model"
	"github.com/vidgallery/api/internal/repository"
)

// maxStreamedJobs bounds the job events sent per tick.
const maxStreamedJobs = 100

// Stream is one client connection. *websocket.Conn satisfies it.
type Stream interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// JobLister is the read side the hub samples on every tick.
type JobLister interface {
	ListJobs(ctx context.Context, f repository.JobFilter) ([]model.Job, int, error)
}

// QueueStatusReader exposes the scheduler counters.
type QueueStatusReader interface {
	QueueStatus() model.QueueStatus
}

// Client represents a WebSocket client
type Client struct {
	ID        string
	Principal model.Principal
	Send      chan []byte
}

// Hub streams active-job status and scheduler counters to every connected
// client. Each client has its own tickers, owned by its Serve call.
type Hub struct {
	jobs      JobLister
	scheduler QueueStatusReader
	interval  time.Duration
	heartbeat time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.RWMutex
	clients map[string]*Client

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a new Hub
func NewHub(jobs JobLister, scheduler QueueStatusReader, interval, heartbeat time.Duration, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		jobs:      jobs,
		scheduler: scheduler,
		interval:  interval,
		heartbeat: heartbeat,
		logger:    logger.With("component", "notifier"),
		metrics:   m,
		clients:   make(map[string]*Client),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()
	h.metrics.ClientConnected(1)
	h.logger.Debug("Client registered", "client_id", client.ID, "owner_id", client.Principal.ID)
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client.ID]
	delete(h.clients, client.ID)
	h.mu.Unlock()
	if ok {
		h.metrics.ClientConnected(-1)
		h.logger.Debug("Client unregistered", "client_id", client.ID)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close ends every open stream.
func (h *Hub) Close() {
	h.cancel()
}

// Handler upgrades the request and serves the stream for the principal put
// in locals by the auth middleware.
func (h *Hub) Handler(principal func(c *websocket.Conn) model.Principal) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		h.Serve(h.ctx, c, principal(c))
	}
}

// Serve pushes snapshots to one client until it disconnects or ctx is done.
func (h *Hub) Serve(ctx context.Context, conn Stream, p model.Principal) {
	client := &Client{
		ID:        uuid.NewString(),
		Principal: p,
		Send:      make(chan []byte, 16),
	}
	h.Register(client)
	defer h.Unregister(client)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		h.readLoop(ctx, conn, client)
	}()
	defer func() {
		conn.Close()
		<-readerDone
	}()

	tick := time.NewTicker(h.interval)
	defer tick.Stop()
	beat := time.NewTicker(h.heartbeat)
	defer beat.Stop()

	if err := h.push(ctx, conn, p); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-client.Send:
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-tick.C:
			if err := h.push(ctx, conn, p); err != nil {
				return
			}
		case now := <-beat.C:
			if err := writeJSON(conn, model.WSHeartbeatMessage{Type: model.WSMessageTypeHeartbeat, Time: now.UTC()}); err != nil {
				return
			}
		}
	}
}

// readLoop answers pings and returns when the client goes away.
func (h *Hub) readLoop(ctx context.Context, conn Stream, client *Client) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", "client_id", client.ID, "error", err)
			}
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case client.Send <- data:
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

// push sends one event per visible active job followed by a stats event.
func (h *Hub) push(ctx context.Context, conn Stream, p model.Principal) error {
	filter := repository.JobFilter{Statuses: model.ActiveStatuses, Page: 1, Limit: maxStreamedJobs}
	if !p.IsAdmin() {
		filter.OwnerID = p.ID
	}

	jobs, _, err := h.jobs.ListJobs(ctx, filter)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		h.logger.Warn("Failed to sample active jobs", "owner_id", p.ID, "error", err)
		msg := model.WSErrorMessage{
			Type:  model.WSMessageTypeError,
			Error: model.WSError{Code: "STATUS_UNAVAILABLE", Message: "job status is temporarily unavailable"},
		}
		if err := writeJSON(conn, msg); err != nil {
			return err
		}
	}

	for _, job := range jobs {
		msg := model.WSJobMessage{
			Type:      model.WSMessageTypeJob,
			JobID:     job.ID,
			Status:    job.Status,
			Progress:  job.Progress,
			UpdatedAt: job.UpdatedAt,
		}
		if err := writeJSON(conn, msg); err != nil {
			return err
		}
	}

	var qs model.QueueStatus
	if h.scheduler != nil {
		qs = h.scheduler.QueueStatus()
	}
	return writeJSON(conn, model.WSStatsMessage{Type: model.WSMessageTypeStats, Queue: qs})
}

func writeJSON(conn Stream, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

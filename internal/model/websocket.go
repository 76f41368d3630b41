package model

import "time"

// WebSocket message types
const (
	WSMessageTypeJob       = "job"
	WSMessageTypeStats     = "stats"
	WSMessageTypeHeartbeat = "heartbeat"
	WSMessageTypeError     = "error"
	WSMessageTypePing      = "ping"
	WSMessageTypePong      = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSJobMessage carries the state of one active job
type WSJobMessage struct {
	Type      string    `json:"type"`
	JobID     int64     `json:"jobId"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// WSStatsMessage carries scheduler counters
type WSStatsMessage struct {
	Type  string      `json:"type"`
	Queue QueueStatus `json:"queue"`
}

// WSHeartbeatMessage keeps idle connections open through proxies
type WSHeartbeatMessage struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type  string  `json:"type"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

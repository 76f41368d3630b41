package model

import "time"

// Job represents one video-processing request
type Job struct {
	ID               int64     `json:"id"`
	OwnerID          string    `json:"ownerId"`
	InputSource      string    `json:"inputSource"`
	RequestedFormats []Format  `json:"requestedFormats"`
	Status           JobStatus `json:"status"`
	Progress         int       `json:"progress"`
	ErrorText        *string   `json:"errorText,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Asset is one artifact produced for a job
type Asset struct {
	ID         int64     `json:"id"`
	JobID      int64     `json:"jobId"`
	AssetType  AssetType `json:"assetType"`
	StorageKey string    `json:"storageKey"`
	SizeBytes  *int64    `json:"sizeBytes,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	URL        string    `json:"url,omitempty"`
}

// QueueMessage is published once per admission and once per reset
type QueueMessage struct {
	JobID            int64     `json:"jobId"`
	RequestedFormats []Format  `json:"requestedFormats"`
	EnqueuedAt       time.Time `json:"enqueuedAt"`
}

// MediaInfo is the probe result persisted as the METADATA_JSON asset
type MediaInfo struct {
	DurationSec float64 `json:"durationSec"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	VideoCodec  string  `json:"videoCodec,omitempty"`
	AudioCodec  string  `json:"audioCodec,omitempty"`
	BitRate     int64   `json:"bitRate,omitempty"`
	FormatName  string  `json:"formatName,omitempty"`
}

// Principal is the authenticated caller
type Principal struct {
	ID   string
	Role string
}

// IsAdmin reports whether the principal may see every job.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// SubmitJobRequest is the body of POST /api/jobs
type SubmitJobRequest struct {
	InputSource      string   `json:"inputSource" validate:"required,max=2048"`
	RequestedFormats []string `json:"requestedFormats" validate:"required,min=1,max=4,dive,videoformat"`
}

// Pagination describes one page of a listing
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// JobListResponse is returned by GET /api/jobs
type JobListResponse struct {
	Jobs       []Job      `json:"jobs"`
	Pagination Pagination `json:"pagination"`
}

// QueueStatus is a snapshot of scheduler counters
type QueueStatus struct {
	ActiveJobs        int `json:"activeJobs"`
	MaxConcurrentJobs int `json:"maxConcurrentJobs"`
	QueuedJobs        int `json:"queuedJobs"`
}

// SystemHealth is host telemetry reported to admins
type SystemHealth struct {
	Status     string  `json:"status"`
	CPUPercent float64 `json:"cpuPercent"`
	MemPercent float64 `json:"memPercent"`
	Goroutines int     `json:"goroutines"`
}

// ProcessingStatus is returned by GET /api/admin/status
type ProcessingStatus struct {
	JobCounts    map[JobStatus]int `json:"jobCounts"`
	ActiveJobs   int               `json:"activeJobs"`
	SystemHealth SystemHealth      `json:"systemHealth"`
	Queue        QueueStatus       `json:"queue"`
}

// JobStats are aggregate counts for one owner
type JobStats struct {
	OwnerID string            `json:"ownerId"`
	Counts  map[JobStatus]int `json:"counts"`
	Total   int               `json:"total"`
}

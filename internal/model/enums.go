package model

import (
	"fmt"
	"strings"
)

// Job status
type JobStatus string

const (
	JobStatusPending     JobStatus = "PENDING"
	JobStatusDownloading JobStatus = "DOWNLOADING"
	JobStatusProcessing  JobStatus = "PROCESSING"
	JobStatusUploading   JobStatus = "UPLOADING"
	JobStatusCompleted   JobStatus = "COMPLETED"
	JobStatusFailed      JobStatus = "FAILED"
	JobStatusCancelled   JobStatus = "CANCELLED"
)

var AllJobStatuses = []JobStatus{
	JobStatusPending, JobStatusDownloading, JobStatusProcessing, JobStatusUploading,
	JobStatusCompleted, JobStatusFailed, JobStatusCancelled,
}

// ActiveStatuses are the statuses a job holds while a pipeline owns it.
var ActiveStatuses = []JobStatus{
	JobStatusDownloading, JobStatusProcessing, JobStatusUploading,
}

// TerminalStatuses are final; a job in one of them is only ever deleted.
var TerminalStatuses = []JobStatus{
	JobStatusCompleted, JobStatusFailed, JobStatusCancelled,
}

// IsActive reports whether the status belongs to a running pipeline.
func (s JobStatus) IsActive() bool {
	switch s {
	case JobStatusDownloading, JobStatusProcessing, JobStatusUploading:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	for _, v := range AllJobStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// CanTransition enforces the job state machine. The two reset edges back to
// PENDING (stuck-job sweep and admin restart) are included.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusDownloading || to == JobStatusFailed || to == JobStatusCancelled
	case JobStatusDownloading:
		return to == JobStatusProcessing || to == JobStatusFailed || to == JobStatusCancelled || to == JobStatusPending
	case JobStatusProcessing:
		return to == JobStatusUploading || to == JobStatusFailed || to == JobStatusCancelled || to == JobStatusPending
	case JobStatusUploading:
		return to == JobStatusCompleted || to == JobStatusFailed || to == JobStatusCancelled || to == JobStatusPending
	case JobStatusFailed:
		return to == JobStatusPending
	default:
		return false
	}
}

// Format is a supported transcode target. Requested formats are parsed into
// this type once, at admission; everything downstream trusts it.
type Format string

const (
	Format1080p Format = "1080p"
	Format720p  Format = "720p"
	Format480p  Format = "480p"
	Format360p  Format = "360p"
)

var SupportedFormats = []Format{Format1080p, Format720p, Format480p, Format360p}

// Profile is the encoder target for a format.
type Profile struct {
	Format       Format `json:"format"`
	Height       int    `json:"height"`
	VideoBitrate string `json:"videoBitrate"`
	AudioBitrate string `json:"audioBitrate"`
}

var profiles = map[Format]Profile{
	Format1080p: {Format: Format1080p, Height: 1080, VideoBitrate: "5000k", AudioBitrate: "192k"},
	Format720p:  {Format: Format720p, Height: 720, VideoBitrate: "2800k", AudioBitrate: "128k"},
	Format480p:  {Format: Format480p, Height: 480, VideoBitrate: "1400k", AudioBitrate: "128k"},
	Format360p:  {Format: Format360p, Height: 360, VideoBitrate: "800k", AudioBitrate: "96k"},
}

// Profile returns the encoder profile for f.
func (f Format) Profile() Profile {
	return profiles[f]
}

// Valid reports whether f is a supported format.
func (f Format) Valid() bool {
	_, ok := profiles[f]
	return ok
}

// AssetType returns the asset type produced by transcoding to f.
func (f Format) AssetType() AssetType {
	return AssetType("TRANSCODE_" + strings.TrimSuffix(string(f), "p"))
}

// ParseFormats validates raw format labels against the supported set.
// Duplicates are dropped while keeping the first-seen order.
func ParseFormats(raw []string) ([]Format, error) {
	if len(raw) == 0 {
		return nil, NewValidationError("requestedFormats must not be empty")
	}

	seen := make(map[Format]bool, len(raw))
	formats := make([]Format, 0, len(raw))
	for _, r := range raw {
		f := Format(strings.ToLower(strings.TrimSpace(r)))
		if !f.Valid() {
			return nil, NewValidationError(fmt.Sprintf("unsupported format %q", r))
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		formats = append(formats, f)
	}
	return formats, nil
}

// Asset types
type AssetType string

const (
	AssetTypeTranscode1080 AssetType = "TRANSCODE_1080"
	AssetTypeTranscode720  AssetType = "TRANSCODE_720"
	AssetTypeTranscode480  AssetType = "TRANSCODE_480"
	AssetTypeTranscode360  AssetType = "TRANSCODE_360"
	AssetTypeGIFPreview    AssetType = "GIF_PREVIEW"
	AssetTypeThumbnail     AssetType = "THUMBNAIL"
	AssetTypeMetadataJSON  AssetType = "METADATA_JSON"
)

// Extension returns the file extension used for the asset's blob.
func (t AssetType) Extension() string {
	switch t {
	case AssetTypeGIFPreview:
		return ".gif"
	case AssetTypeThumbnail:
		return ".jpg"
	case AssetTypeMetadataJSON:
		return ".json"
	default:
		return ".mp4"
	}
}

// ContentType returns the MIME type used when storing the asset.
func (t AssetType) ContentType() string {
	switch t {
	case AssetTypeGIFPreview:
		return "image/gif"
	case AssetTypeThumbnail:
		return "image/jpeg"
	case AssetTypeMetadataJSON:
		return "application/json"
	default:
		return "video/mp4"
	}
}

// Roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

package client

import (
	"context"
	"path"
	"strings"
	"time"
)

// Key namespaces. Users upload sources under UploadPrefix/<owner>/ and the
// pipeline writes outputs under OutputPrefix.
const (
	UploadPrefix = "uploads/"
	OutputPrefix = "jobs/"
)

// UploadNamespace is the key prefix an owner's sources live under.
func UploadNamespace(ownerID string) string {
	return UploadPrefix + ownerID + "/"
}

// IsOutputKey reports whether key names a pipeline output.
func IsOutputKey(key string) bool {
	clean := path.Clean("/" + key)
	return clean+"/" == "/"+OutputPrefix || strings.HasPrefix(clean, "/"+OutputPrefix)
}

// BlobStore defines the object storage operations used by the pipeline and
// the job service.
type BlobStore interface {
	// Put uploads the file at localPath under key and returns its size.
	Put(ctx context.Context, key, localPath, contentType string) (int64, error)
	// GetLocal downloads key into destPath.
	GetLocal(ctx context.Context, key, destPath string) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Presign returns a time-limited download URL.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

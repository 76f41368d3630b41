package transcoder

import (
	"context"

	"github.com/vidgallery/api/internal/model"
)

// Engine is the codec capability used by the pipeline. Implementations
// report transcode progress as a fraction in [0, 1].
type Engine interface {
	Probe(ctx context.Context, input string) (*model.MediaInfo, error)
	Transcode(ctx context.Context, input string, profile model.Profile, output string, onProgress func(float64)) error
	Thumbnail(ctx context.Context, input, output string) error
	ShortPreview(ctx context.Context, input, output string, seconds int) error
}

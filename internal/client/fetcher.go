package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
)

// Fetcher materialises a job's input source as a local file. http(s) URLs are
// downloaded; anything else is treated as a key in the blob store.
type Fetcher struct {
	httpClient *retryablehttp.Client
	blobs      BlobStore
}

func NewFetcher(blobs BlobStore, logger *slog.Logger) *Fetcher {
	retryClient := retryablehttp.NewClient()
	// One transport-level retry; the pipeline owns the attempt budget.
	retryClient.RetryMax = 1
	retryClient.Logger = logger.With("component", "fetcher")

	return &Fetcher{httpClient: retryClient, blobs: blobs}
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

func (f *Fetcher) Fetch(ctx context.Context, source, destPath string) error {
	if !isRemote(source) {
		if IsOutputKey(source) {
			return fmt.Errorf("source %q is a job output", source)
		}
		return f.blobs.GetLocal(ctx, source, destPath)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("source returned status %d", resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("failed to read source body: %w", err)
	}
	return out.Close()
}

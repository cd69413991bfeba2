// Package publisher turns queued tasks into published notes: it stages
// media, holds the session lock, and walks each task through the state
// machine.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"xhs-toolkit/internal/browser"
	"xhs-toolkit/internal/platform"
	"xhs-toolkit/pkg/types"
)

// ErrRemoteVideo is returned when a video ref points at a URL; the platform
// flow only accepts local video files.
var ErrRemoteVideo = errors.New("remote video refs are not supported")

// DownloadError wraps a single failed image download after retries.
type DownloadError struct {
	Ref string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.Ref, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Downloader stages task media on the local filesystem. Remote images are
// fetched with bounded parallelism; each is independently retried.
type Downloader struct {
	client      *http.Client
	baseDir     string
	concurrency int
	maxRetries  int
	backoff     time.Duration
	maxBytes    int64
	logger      *slog.Logger
}

// DownloaderOptions configures a Downloader.
type DownloaderOptions struct {
	Client      *http.Client
	BaseDir     string
	Concurrency int
	MaxRetries  int
	Backoff     time.Duration
	MaxBytes    int64
	Logger      *slog.Logger
}

// NewDownloader constructs a Downloader with defaults filled in.
func NewDownloader(opts DownloaderOptions) *Downloader {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 20 * 1024 * 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Downloader{
		client:      opts.Client,
		baseDir:     opts.BaseDir,
		concurrency: opts.Concurrency,
		maxRetries:  opts.MaxRetries,
		backoff:     opts.Backoff,
		maxBytes:    opts.MaxBytes,
		logger:      opts.Logger,
	}
}

// Stage resolves every media ref in the note to a local file path, preserving
// image order. The returned cleanup removes downloaded files and must be
// called once the upload is done.
func (d *Downloader) Stage(ctx context.Context, note types.NoteContent) (browser.StagedMedia, func(), error) {
	cleanup := func() {}
	var media browser.StagedMedia

	if note.Video != nil {
		if note.Video.IsRemote() {
			return media, cleanup, ErrRemoteVideo
		}
		path, err := resolveLocal(note.Video.Ref, platform.SupportedVideoFile, "video")
		if err != nil {
			return media, cleanup, err
		}
		media.VideoPath = path
		return media, cleanup, nil
	}

	if len(note.Images) == 0 {
		return media, cleanup, nil
	}

	var tempDir string
	needsDownload := false
	for _, img := range note.Images {
		if img.IsRemote() {
			needsDownload = true
			break
		}
	}
	if needsDownload {
		dir, err := os.MkdirTemp(d.baseDir, "xhs-media-")
		if err != nil {
			return media, cleanup, fmt.Errorf("create staging dir: %w", err)
		}
		tempDir = dir
		cleanup = func() { _ = os.RemoveAll(dir) }
	}

	// Local refs are validated before any download goroutine starts, so an
	// early error return never leaves downloads in flight behind cleanup.
	paths := make([]string, len(note.Images))
	for i, img := range note.Images {
		if img.IsRemote() {
			continue
		}
		path, err := resolveLocal(img.Ref, platform.SupportedImageFile, "image")
		if err != nil {
			cleanup()
			return browser.StagedMedia{}, func() {}, err
		}
		paths[i] = path
	}

	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, img := range note.Images {
		if !img.IsRemote() {
			continue
		}
		wg.Add(1)
		go func(i int, ref string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				if firstErr == nil {
					firstErr = ctx.Err()
				}
				mu.Unlock()
				return
			}
			path, err := d.downloadImage(ctx, ref, tempDir, i)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = &DownloadError{Ref: ref, Err: err}
				}
				return
			}
			paths[i] = path
		}(i, img.Ref)
	}
	wg.Wait()

	if firstErr != nil {
		cleanup()
		return browser.StagedMedia{}, func() {}, firstErr
	}
	media.ImagePaths = paths
	return media, cleanup, nil
}

// downloadImage fetches a single remote image with retries and writes it
// into the staging dir.
func (d *Downloader) downloadImage(ctx context.Context, ref, dir string, index int) (string, error) {
	var lastErr error
	backoff := d.backoff
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			d.logger.Debug("retrying image download", "ref", ref, "attempt", attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			backoff *= 2
		}

		path, err := d.fetchOnce(ctx, ref, dir, index)
		if err == nil {
			return path, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

func (d *Downloader) fetchOnce(ctx context.Context, ref, dir string, index int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, d.maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > d.maxBytes {
		return "", fmt.Errorf("image exceeds limit of %d bytes", d.maxBytes)
	}
	if len(data) == 0 {
		return "", errors.New("empty response body")
	}

	ext := pickImageExtension(resp.Header.Get("Content-Type"), ref)
	if ext == "" {
		ext = "jpg"
	}
	path := filepath.Join(dir, fmt.Sprintf("img_%02d.%s", index, ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write staged image: %w", err)
	}
	return path, nil
}

// resolveLocal validates a local media ref and returns its absolute path.
func resolveLocal(ref string, supported func(string) bool, kind string) (string, error) {
	abs, err := filepath.Abs(ref)
	if err != nil {
		return "", fmt.Errorf("resolve %s path %q: %w", kind, ref, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%s file %q: %w", kind, ref, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s ref %q is a directory", kind, ref)
	}
	if !supported(abs) {
		return "", fmt.Errorf("%s ref %q has an unsupported extension", kind, ref)
	}
	return abs, nil
}

func pickImageExtension(contentType, sourceURL string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct != "" {
		if exts, err := mime.ExtensionsByType(ct); err == nil {
			for _, ext := range exts {
				if ext != "" {
					return strings.TrimPrefix(ext, ".")
				}
			}
		}
	}
	if idx := strings.Index(sourceURL, "?"); idx >= 0 {
		sourceURL = sourceURL[:idx]
	}
	if dot := strings.LastIndex(sourceURL, "."); dot >= 0 && dot < len(sourceURL)-1 {
		ext := strings.ToLower(sourceURL[dot+1:])
		if len(ext) <= 5 && !strings.Contains(ext, "/") {
			return ext
		}
	}
	return ""
}

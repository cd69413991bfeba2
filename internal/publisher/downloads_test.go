package publisher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"xhs-toolkit/pkg/types"
)

func writeTempImage(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("fake image bytes"), 0o644); err != nil {
		t.Fatalf("write temp image: %v", err)
	}
	return path
}

func TestStageLocalImagesPreservesOrder(t *testing.T) {
	a := writeTempImage(t, "a.jpg")
	b := writeTempImage(t, "b.png")
	d := NewDownloader(DownloaderOptions{})

	media, cleanup, err := d.Stage(context.Background(), types.NoteContent{
		Images: []types.MediaRef{
			{Kind: types.MediaLocal, Ref: a},
			{Kind: types.MediaLocal, Ref: b},
		},
	})
	defer cleanup()
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if len(media.ImagePaths) != 2 {
		t.Fatalf("paths = %v", media.ImagePaths)
	}
	if filepath.Base(media.ImagePaths[0]) != "a.jpg" || filepath.Base(media.ImagePaths[1]) != "b.png" {
		t.Fatalf("order lost: %v", media.ImagePaths)
	}
}

func TestStageDownloadsRemoteImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png bytes"))
	}))
	defer srv.Close()

	local := writeTempImage(t, "local.jpg")
	d := NewDownloader(DownloaderOptions{Client: srv.Client()})

	media, cleanup, err := d.Stage(context.Background(), types.NoteContent{
		Images: []types.MediaRef{
			{Kind: types.MediaRemote, Ref: srv.URL + "/one.png"},
			{Kind: types.MediaLocal, Ref: local},
			{Kind: types.MediaRemote, Ref: srv.URL + "/two.png"},
		},
	})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if len(media.ImagePaths) != 3 {
		t.Fatalf("paths = %v", media.ImagePaths)
	}
	if media.ImagePaths[1] != local {
		t.Fatalf("local image moved: %v", media.ImagePaths)
	}
	for _, i := range []int{0, 2} {
		if _, err := os.Stat(media.ImagePaths[i]); err != nil {
			t.Fatalf("downloaded file missing: %v", err)
		}
	}

	staged := media.ImagePaths[0]
	cleanup()
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Fatalf("cleanup left staged file behind: %v", err)
	}
	if _, err := os.Stat(local); err != nil {
		t.Fatalf("cleanup must not touch caller files: %v", err)
	}
}

func TestStageRetriesTransientDownloadFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("png bytes"))
	}))
	defer srv.Close()

	d := NewDownloader(DownloaderOptions{
		Client:     srv.Client(),
		MaxRetries: 2,
		Backoff:    time.Millisecond,
	})
	_, cleanup, err := d.Stage(context.Background(), types.NoteContent{
		Images: []types.MediaRef{{Kind: types.MediaRemote, Ref: srv.URL + "/x.png"}},
	})
	defer cleanup()
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestStageSurfacesDownloadErrorAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := NewDownloader(DownloaderOptions{
		Client:     srv.Client(),
		MaxRetries: 1,
		Backoff:    time.Millisecond,
	})
	_, _, err := d.Stage(context.Background(), types.NoteContent{
		Images: []types.MediaRef{{Kind: types.MediaRemote, Ref: srv.URL + "/gone.png"}},
	})
	var dlErr *DownloadError
	if !errors.As(err, &dlErr) {
		t.Fatalf("err = %v, want DownloadError", err)
	}
	if !strings.Contains(dlErr.Ref, "/gone.png") {
		t.Fatalf("ref = %s", dlErr.Ref)
	}
}

func TestStageRejectsRemoteVideo(t *testing.T) {
	d := NewDownloader(DownloaderOptions{})
	_, _, err := d.Stage(context.Background(), types.NoteContent{
		Video: &types.MediaRef{Kind: types.MediaRemote, Ref: "https://h/v.mp4"},
	})
	if !errors.Is(err, ErrRemoteVideo) {
		t.Fatalf("err = %v, want ErrRemoteVideo", err)
	}
}

func TestStageRejectsMissingLocalFile(t *testing.T) {
	d := NewDownloader(DownloaderOptions{})
	_, _, err := d.Stage(context.Background(), types.NoteContent{
		Images: []types.MediaRef{{Kind: types.MediaLocal, Ref: "/no/such/file.jpg"}},
	})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestStageValidatesLocalRefsBeforeDownloading(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte("png bytes"))
	}))
	defer srv.Close()

	d := NewDownloader(DownloaderOptions{Client: srv.Client()})
	_, _, err := d.Stage(context.Background(), types.NoteContent{
		Images: []types.MediaRef{
			{Kind: types.MediaRemote, Ref: srv.URL + "/one.png"},
			{Kind: types.MediaLocal, Ref: "/no/such/file.jpg"},
		},
	})
	if err == nil {
		t.Fatal("expected error for missing local file")
	}
	// The bad local ref must abort staging before any download starts, so
	// nothing is left racing the cleanup.
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("download requests = %d, want 0", got)
	}
}

func TestStageRejectsUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d := NewDownloader(DownloaderOptions{})
	_, _, err := d.Stage(context.Background(), types.NoteContent{
		Images: []types.MediaRef{{Kind: types.MediaLocal, Ref: path}},
	})
	if err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestPickImageExtension(t *testing.T) {
	cases := []struct {
		contentType string
		url         string
		want        string
	}{
		{"image/png", "https://h/a", "png"},
		{"", "https://h/a.webp?size=large", "webp"},
		{"", "https://h/a", ""},
	}
	for _, tc := range cases {
		if got := pickImageExtension(tc.contentType, tc.url); got != tc.want {
			t.Errorf("pickImageExtension(%q, %q) = %q, want %q", tc.contentType, tc.url, got, tc.want)
		}
	}
}

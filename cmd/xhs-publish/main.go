// Command xhs-publish performs one-shot operations against xiaohongshu from
// the terminal: log in, publish a single note, or parse a page URL.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"xhs-toolkit/internal/browser"
	"xhs-toolkit/internal/config"
	"xhs-toolkit/internal/content"
	"xhs-toolkit/internal/cookiestore"
	"xhs-toolkit/internal/extractor"
	"xhs-toolkit/internal/fetcher"
	"xhs-toolkit/internal/platform"
	"xhs-toolkit/internal/publisher"
	"xhs-toolkit/internal/session"
	"xhs-toolkit/internal/task"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to toolkit configuration")
	login := flag.Bool("login", false, "Ensure a valid login session and exit")
	force := flag.Bool("force-relogin", false, "Discard the cached session before logging in")
	quick := flag.Bool("quick", false, "Trust unexpired persisted cookies without a remote check")
	parseURL := flag.String("parse", "", "Parse the given page URL and print the result as JSON")
	rawHTML := flag.Bool("raw-html", false, "Include raw HTML in the parse output")
	title := flag.String("title", "", "Note title")
	body := flag.String("content", "", "Note body text")
	images := flag.String("images", "", "Comma-separated image paths or URLs")
	video := flag.String("video", "", "Local video file path")
	topics := flag.String("topics", "", "Comma-separated topics")
	location := flag.String("location", "", "Location tag")
	commercial := flag.Bool("commercial", false, "Mark the note as commercial content")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatalf("failed to load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := cookiestore.NewFileStore(cfg.Auth.CookiesFile)
	if err != nil {
		fatalf("failed to open cookie store: %v", err)
	}
	defer store.Close()

	pacer := platform.NewPacer(cfg.Pacing.ActionDelay.Duration, platform.PacerSettings{
		Requests: cfg.Pacing.RateLimit.Requests,
		Window:   cfg.Pacing.RateLimit.Window.Duration,
	})
	driver := browser.NewDriver(cfg.Browser, pacer, nil)
	sessions := session.NewManager(session.Options{
		Backend:      driver,
		Store:        store,
		SessionTTL:   cfg.Auth.SessionTTL.Duration,
		LoginTimeout: cfg.Auth.LoginTimeout.Duration,
	})

	switch {
	case *parseURL != "":
		runParse(ctx, cfg, sessions, *parseURL, *rawHTML)
	case *login:
		runLogin(ctx, sessions, *force, *quick)
	default:
		runPublish(ctx, cfg, sessions, driver, content.PublishInput{
			Title:        *title,
			Content:      *body,
			Images:       splitFlag(*images),
			Videos:       splitFlag(*video),
			Topics:       splitFlag(*topics),
			Location:     *location,
			IsCommercial: *commercial,
		})
	}
}

func runLogin(ctx context.Context, sessions *session.Manager, force, quick bool) {
	outcome, err := sessions.Login(ctx, session.LoginOptions{ForceRelogin: force, QuickMode: quick})
	printJSON(outcome)
	if err != nil || !outcome.Success {
		os.Exit(1)
	}
}

func runParse(ctx context.Context, cfg *config.Config, sessions *session.Manager, rawURL string, includeRawHTML bool) {
	httpFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:    cfg.Browser.UserAgent,
		Timeout:      cfg.Extract.RequestTimeout.Duration,
		MaxBodyBytes: cfg.Extract.MaxBodyBytes,
	})
	if err != nil {
		fatalf("failed to initialise fetcher: %v", err)
	}
	renderer := fetcher.NewChromedpRenderer(fetcher.RenderOptions{
		Timeout:         cfg.Extract.Timeout.Duration,
		WaitForDOMReady: cfg.Extract.WaitForDOM,
		CaptureDelay:    cfg.Extract.CaptureDelay.Duration,
		UserAgent:       cfg.Browser.UserAgent,
		MaxBodyBytes:    cfg.Extract.MaxBodyBytes,
		DisableHeadless: cfg.Browser.DisableHeadless,
	})
	parser := extractor.New(extractor.Options{
		Fetcher:  fetcher.NewComposite(httpFetcher, renderer, nil),
		Sessions: sessions,
	})

	page := parser.Extract(ctx, rawURL, includeRawHTML)
	printJSON(page)
	if !page.Success {
		os.Exit(1)
	}
}

func runPublish(ctx context.Context, cfg *config.Config, sessions *session.Manager, driver *browser.Driver, input content.PublishInput) {
	if input.Title == "" {
		fatalf("a note needs -title (or use -login / -parse)")
	}
	note, warnings, err := content.Normalize(input)
	if err != nil {
		fatalf("invalid note: %v", err)
	}
	if err := content.Validate(note); err != nil {
		fatalf("invalid note: %v", err)
	}

	registry := task.NewRegistry(task.Options{QueueSize: 1})
	downloader := publisher.NewDownloader(publisher.DownloaderOptions{
		Client:      &http.Client{Timeout: cfg.Publish.DownloadTimeout.Duration},
		BaseDir:     cfg.Publish.MediaDir,
		Concurrency: cfg.Publish.DownloadConcurrency,
		MaxRetries:  cfg.Publish.MaxRetries,
		Backoff:     cfg.Publish.RetryBackoff.Duration,
		MaxBytes:    cfg.Publish.MaxImageBytes,
	})
	worker := publisher.NewWorker(publisher.WorkerOptions{
		Registry:   registry,
		Sessions:   sessions,
		Backend:    driver,
		Downloader: downloader,
		MaxRetries: cfg.Publish.MaxRetries,
		Backoff:    cfg.Publish.RetryBackoff.Duration,
	})

	taskID, err := registry.Create(note, warnings)
	if err != nil {
		fatalf("failed to queue note: %v", err)
	}
	<-registry.Queue()

	taskCtx, cancel := context.WithTimeout(ctx, cfg.Publish.TaskTimeout.Duration)
	defer cancel()
	worker.Process(taskCtx, taskID)

	snap, err := registry.Snapshot(taskID)
	if err != nil {
		fatalf("task vanished: %v", err)
	}
	printJSON(snap)
	if snap.Error != nil {
		os.Exit(1)
	}
}

func splitFlag(raw string) []string {
	return content.SplitList(raw)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"xhs-toolkit/internal/api"
	"xhs-toolkit/internal/browser"
	"xhs-toolkit/internal/config"
	"xhs-toolkit/internal/cookiestore"
	"xhs-toolkit/internal/extractor"
	"xhs-toolkit/internal/fetcher"
	"xhs-toolkit/internal/platform"
	"xhs-toolkit/internal/publisher"
	"xhs-toolkit/internal/robots"
	"xhs-toolkit/internal/session"
	"xhs-toolkit/internal/storage"
	"xhs-toolkit/internal/task"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to toolkit configuration")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildCookieStore(cfg.Auth, logger)
	if err != nil {
		log.Fatalf("failed to initialise cookie store: %v", err)
	}
	defer store.Close()

	pacer := platform.NewPacer(cfg.Pacing.ActionDelay.Duration, platform.PacerSettings{
		Requests: cfg.Pacing.RateLimit.Requests,
		Window:   cfg.Pacing.RateLimit.Window.Duration,
	})
	driver := browser.NewDriver(cfg.Browser, pacer, logger)

	sessions := session.NewManager(session.Options{
		Backend:      driver,
		Store:        store,
		SessionTTL:   cfg.Auth.SessionTTL.Duration,
		LoginTimeout: cfg.Auth.LoginTimeout.Duration,
		Logger:       logger,
	})

	var archive *storage.TaskArchive
	if cfg.DB.DSN != "" {
		archive, err = storage.NewTaskArchive(cfg.DB)
		if err != nil {
			log.Fatalf("failed to initialise task archive: %v", err)
		}
		defer archive.Close()
		logger.Info("task archive enabled", "driver", cfg.DB.Driver)
	}

	registry := task.NewRegistry(task.Options{
		QueueSize: cfg.Publish.QueueSize,
		Archive:   archiveSink(archive),
	})

	downloader := publisher.NewDownloader(publisher.DownloaderOptions{
		Client:      &http.Client{Timeout: cfg.Publish.DownloadTimeout.Duration},
		BaseDir:     cfg.Publish.MediaDir,
		Concurrency: cfg.Publish.DownloadConcurrency,
		MaxRetries:  cfg.Publish.MaxRetries,
		Backoff:     cfg.Publish.RetryBackoff.Duration,
		MaxBytes:    cfg.Publish.MaxImageBytes,
		Logger:      logger,
	})
	worker := publisher.NewWorker(publisher.WorkerOptions{
		Registry:   registry,
		Sessions:   sessions,
		Backend:    driver,
		Downloader: downloader,
		MaxRetries: cfg.Publish.MaxRetries,
		Backoff:    cfg.Publish.RetryBackoff.Duration,
		Workers:    cfg.Publish.Workers,
		Logger:     logger,
	})
	go worker.Run(ctx)

	watchdog := task.NewWatchdog(registry, cfg.Publish.TaskTimeout.Duration, cfg.Publish.TaskRetention.Duration, logger)
	go watchdog.Run(ctx)

	parser, err := buildExtractor(cfg, sessions, logger)
	if err != nil {
		log.Fatalf("failed to initialise extractor: %v", err)
	}

	server := api.NewServer(api.ServerOptions{
		Registry: registry,
		Sessions: sessions,
		Parser:   parser,
		Archive:  archiveReader(archive),
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
	}()

	logger.Info("api server listening", "addr", cfg.Server.Addr, "workers", cfg.Publish.Workers)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	logger.Info("api server stopped")
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Structured {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func buildCookieStore(cfg config.AuthConfig, logger *slog.Logger) (cookiestore.Store, error) {
	store, err := cookiestore.NewRedisStoreFromEnv()
	if err != nil {
		return nil, err
	}
	if store != nil {
		logger.Info("using redis cookie store")
		return store, nil
	}
	return cookiestore.NewFileStore(cfg.CookiesFile)
}

func buildExtractor(cfg *config.Config, sessions *session.Manager, logger *slog.Logger) (*extractor.Extractor, error) {
	httpFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:    cfg.Browser.UserAgent,
		Timeout:      cfg.Extract.RequestTimeout.Duration,
		MaxBodyBytes: cfg.Extract.MaxBodyBytes,
	})
	if err != nil {
		return nil, err
	}
	renderer := fetcher.NewChromedpRenderer(fetcher.RenderOptions{
		Timeout:         cfg.Extract.Timeout.Duration,
		WaitForDOMReady: cfg.Extract.WaitForDOM,
		CaptureDelay:    cfg.Extract.CaptureDelay.Duration,
		UserAgent:       cfg.Browser.UserAgent,
		MaxBodyBytes:    cfg.Extract.MaxBodyBytes,
		DisableHeadless: cfg.Browser.DisableHeadless,
	})

	var fallback fetcher.Fetcher
	var gate fetcher.Gate
	if cfg.Extract.HTTPFallback {
		fallback = httpFetcher
		if cfg.Robots.Respect {
			gate = robots.NewAgent(cfg.Robots, httpFetcher.Client())
		}
	}
	pageFetcher := fetcher.NewComposite(fallback, renderer, gate)

	return extractor.New(extractor.Options{
		Fetcher:  pageFetcher,
		Sessions: sessions,
		Logger:   logger,
	}), nil
}

// archiveSink adapts an optional archive to the registry without handing it a
// typed-nil interface value.
func archiveSink(archive *storage.TaskArchive) task.ArchiveSink {
	if archive == nil {
		return nil
	}
	return archive
}

func archiveReader(archive *storage.TaskArchive) api.ArchiveReader {
	if archive == nil {
		return nil
	}
	return archive
}

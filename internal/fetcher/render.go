package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"xhs-toolkit/internal/cookiestore"
)

const fallbackUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120 Safari/537.36"

// RenderOptions configures the JavaScript rendering pipeline.
type RenderOptions struct {
	Timeout            time.Duration
	WaitForSelector    string
	WaitForDOMReady    bool
	UserAgent          string
	MaxBodyBytes       int64
	DisableHeadless    bool
	ConcurrentSessions int
	CaptureDelay       time.Duration
	CookieDomain       string
}

// ChromedpRenderer executes headless Chrome sessions using chromedp.
type ChromedpRenderer struct {
	opts   RenderOptions
	slots  chan struct{}
	logger *slog.Logger
}

// NewChromedpRenderer constructs a renderer with bounded concurrency.
func NewChromedpRenderer(opts RenderOptions) *ChromedpRenderer {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 << 20
	}
	if opts.ConcurrentSessions <= 0 {
		opts.ConcurrentSessions = 1
	}
	return &ChromedpRenderer{
		opts:   opts,
		slots:  make(chan struct{}, opts.ConcurrentSessions),
		logger: slog.Default(),
	}
}

// Render navigates to the target URL and exports the final DOM outer HTML.
// Session cookies on the request are installed before navigation so the page
// renders as the logged-in user.
func (r *ChromedpRenderer) Render(parentCtx context.Context, req Request) (*Page, error) {
	if req.URL == nil {
		return nil, fmt.Errorf("render request URL is nil")
	}
	logger := r.logger.With("url", req.URL.String(), "cookies", len(req.Cookies))

	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	case <-parentCtx.Done():
		return nil, parentCtx.Err()
	}

	ctx, cancel := context.WithTimeout(parentCtx, r.opts.Timeout)
	defer cancel()
	chromeCtx, release := r.browserContext(ctx)
	defer release()

	var html, location string
	actions := r.renderActions(req, logger, &html, &location)

	start := time.Now()
	if err := chromedp.Run(chromeCtx, actions...); err != nil {
		logger.Error("chromedp run failed", "error", err)
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	latency := time.Since(start)

	if int64(len(html)) > r.opts.MaxBodyBytes {
		html = html[:r.opts.MaxBodyBytes]
	}
	final := req.URL
	if location != "" {
		if u, err := url.Parse(location); err == nil {
			final = u
		}
	}

	logger.Debug("chromedp render complete",
		"latency_ms", latency.Milliseconds(), "final_url", final.String(), "html_bytes", len(html))
	return &Page{
		URL:         req.URL,
		FinalURL:    final,
		Body:        []byte(html),
		ContentType: "text/html; charset=utf-8",
		StatusCode:  200,
		FetchedAt:   time.Now(),
		Rendered:    true,
		Latency:     latency,
	}, nil
}

func (r *ChromedpRenderer) browserContext(ctx context.Context) (context.Context, func()) {
	execOpts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", !r.opts.DisableHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	}
	ua := strings.TrimSpace(r.opts.UserAgent)
	if ua == "" {
		ua = fallbackUserAgent
	}
	execOpts = append(execOpts, chromedp.UserAgent(ua))

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, execOpts...)
	chromeCtx, cancelChrome := chromedp.NewContext(allocCtx)
	return chromeCtx, func() {
		cancelChrome()
		cancelAlloc()
	}
}

func (r *ChromedpRenderer) renderActions(req Request, logger *slog.Logger, html, location *string) []chromedp.Action {
	var actions []chromedp.Action
	if len(req.Cookies) > 0 {
		actions = append(actions, r.installCookies(req.Cookies))
	}
	actions = append(actions, chromedp.Navigate(req.URL.String()))

	var waitMode string
	switch {
	case r.opts.WaitForDOMReady:
		waitMode = "dom_ready"
		actions = append(actions, waitForDocumentReady(), chromedp.Sleep(250*time.Millisecond))
	case strings.TrimSpace(r.opts.WaitForSelector) != "":
		waitMode = "selector"
		actions = append(actions,
			chromedp.WaitReady(strings.TrimSpace(r.opts.WaitForSelector), chromedp.ByQuery),
			chromedp.Sleep(250*time.Millisecond))
	default:
		waitMode = "delay"
		delay := r.opts.CaptureDelay
		if delay <= 0 {
			delay = 1500 * time.Millisecond
		}
		actions = append(actions, chromedp.Sleep(delay))
	}
	logger.Debug("chromedp starting render", "wait_mode", waitMode)

	return append(actions,
		chromedp.OuterHTML("html", html, chromedp.ByQuery),
		chromedp.Location(location))
}

func (r *ChromedpRenderer) installCookies(cookies []cookiestore.Cookie) chromedp.Action {
	fallbackDomain := r.opts.CookieDomain
	if fallbackDomain == "" {
		fallbackDomain = ".xiaohongshu.com"
	}
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			domain, path := c.Domain, c.Path
			if domain == "" {
				domain = fallbackDomain
			}
			if path == "" {
				path = "/"
			}
			err := network.SetCookie(c.Name, c.Value).
				WithDomain(domain).
				WithPath(path).
				WithHTTPOnly(c.HTTPOnly).
				WithSecure(c.Secure).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	})
}

func waitForDocumentReady() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			var state string
			if err := chromedp.Evaluate(`document.readyState`, &state).Do(ctx); err != nil {
				return err
			}
			if state == "complete" {
				return nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// Package fetcher retrieves note and profile pages, either over plain HTTP
// or through a headless browser when the page needs JavaScript.
package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"xhs-toolkit/internal/cookiestore"
)

// Request describes a single page fetch.
type Request struct {
	URL     *url.URL
	Render  bool
	Cookies []cookiestore.Cookie
}

// Page is the outcome of a fetch.
type Page struct {
	URL         *url.URL
	FinalURL    *url.URL
	Body        []byte
	ContentType string
	StatusCode  int
	FetchedAt   time.Time
	Rendered    bool
	Latency     time.Duration
}

// Fetcher retrieves a web page.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Page, error)
}

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent    string
	Headers      map[string]string
	Timeout      time.Duration
	MaxBodyBytes int64
	ProxyURL     string
}

// HTTPFetcher implements Fetcher via the Go http.Client.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	headers   map[string]string
	maxBytes  int64
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 << 20
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if proxy := strings.TrimSpace(opts.ProxyURL); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &HTTPFetcher{
		client:    &http.Client{Timeout: opts.Timeout, Transport: transport},
		userAgent: opts.UserAgent,
		headers:   headers,
		maxBytes:  opts.MaxBodyBytes,
	}, nil
}

// Fetch downloads a single URL over HTTP. Session cookies on the request are
// forwarded so note pages render the logged-in variant where possible.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Page, error) {
	if req.URL == nil {
		return nil, errors.New("request URL is nil")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	f.applyHeaders(httpReq, req.Cookies)

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http fetch failed: %w", err)
	}

	body, err := f.readBody(resp)
	if err != nil {
		return nil, err
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	return &Page{
		URL:         req.URL,
		FinalURL:    finalURL,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
		FetchedAt:   time.Now(),
		Latency:     time.Since(start),
	}, nil
}

func (f *HTTPFetcher) applyHeaders(req *http.Request, cookies []cookiestore.Cookie) {
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}
	for _, c := range cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
}

func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}
	defer resp.Body.Close()

	reader, err := decompressor(resp)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(reader, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", f.maxBytes)
	}
	return body, nil
}

// decompressor wraps the response body according to Content-Encoding. The
// manually-set Accept-Encoding disables the transport's transparent gzip.
func decompressor(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		return gz, nil
	case "br":
		return brotli.NewReader(resp.Body), nil
	case "deflate":
		return flate.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

// Client exposes the underlying HTTP client for reuse (eg. robots.txt fetches).
func (f *HTTPFetcher) Client() *http.Client {
	if f == nil {
		return nil
	}
	return f.client
}

// Renderer executes JavaScript and returns the rendered DOM.
type Renderer interface {
	Render(ctx context.Context, req Request) (*Page, error)
}

// ErrDisallowed is returned when the fallback gate rejects a URL.
var ErrDisallowed = errors.New("fetch disallowed by robots.txt")

// Gate vets URLs immediately before a raw HTTP fetch. Rendered fetches
// bypass it: the browser session acts as a logged-in user, not a crawler.
type Gate interface {
	Allowed(ctx context.Context, u *url.URL) bool
}

// Composite prefers the browser renderer and falls back to raw HTTP when
// rendering fails, so extraction degrades instead of erroring outright.
type Composite struct {
	httpFetcher Fetcher
	renderer    Renderer
	gate        Gate
}

// NewComposite builds a composite fetcher from HTTP and optional renderer
// parts. A non-nil gate is consulted on the HTTP path only.
func NewComposite(httpFetcher Fetcher, renderer Renderer, gate Gate) *Composite {
	return &Composite{httpFetcher: httpFetcher, renderer: renderer, gate: gate}
}

// Fetch delegates to either the renderer (if requested) or the HTTP fetcher.
// With no HTTP fetcher configured, render failures surface directly.
func (c *Composite) Fetch(ctx context.Context, req Request) (*Page, error) {
	if req.Render && c.renderer != nil {
		page, err := c.renderer.Render(ctx, req)
		if err == nil {
			return page, nil
		}
		if c.httpFetcher == nil {
			return nil, err
		}
		slog.Warn("renderer failed, falling back to HTTP fetch", "url", req.URL.String(), "error", err)
	}
	if c.gate != nil && !c.gate.Allowed(ctx, req.URL) {
		return nil, ErrDisallowed
	}
	req.Render = false
	return c.httpFetcher.Fetch(ctx, req)
}

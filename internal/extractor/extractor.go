// Package extractor turns xiaohongshu URLs into structured page data. Every
// field is best-effort: a missing like-count never fails the call, and the
// stats block reports what was actually found.
package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"xhs-toolkit/internal/fetcher"
	"xhs-toolkit/internal/platform"
	"xhs-toolkit/internal/session"
	"xhs-toolkit/pkg/types"
)

const errUnsupportedDomain = "unsupported domain"

// Extractor fetches and parses pages from the two whitelisted domains.
type Extractor struct {
	fetcher  fetcher.Fetcher
	sessions *session.Manager
	logger   *slog.Logger
}

// Options configures an Extractor.
type Options struct {
	Fetcher  fetcher.Fetcher
	Sessions *session.Manager
	Logger   *slog.Logger
}

// New constructs an Extractor.
func New(opts Options) *Extractor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Extractor{
		fetcher:  opts.Fetcher,
		sessions: opts.Sessions,
		logger:   opts.Logger,
	}
}

// Extract fetches the URL and returns whatever could be parsed out of it.
// Failures are reported in-band via Success and ErrorMessage; partial
// extraction is a normal outcome, not an error.
func (e *Extractor) Extract(ctx context.Context, rawURL string, includeRawHTML bool) types.ParsedPage {
	result := types.ParsedPage{URL: strings.TrimSpace(rawURL)}

	target, ok := platform.AllowedURL(rawURL)
	if !ok {
		result.ErrorMessage = errUnsupportedDomain
		return result
	}
	result.PageType = classifyURL(target.Path)

	req := fetcher.Request{URL: target, Render: true}

	// The browser is a shared resource; extraction waits its turn like
	// login and publish do.
	if e.sessions != nil {
		if err := e.sessions.Acquire(ctx); err != nil {
			result.ErrorMessage = "fetch not attempted: " + err.Error()
			return result
		}
		req.Cookies = e.sessions.Jar().Cookies
		defer e.sessions.Release()
	}

	page, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		e.logger.Warn("page fetch failed", "url", target.String(), "error", err)
		result.ErrorMessage = err.Error()
		return result
	}
	if page.StatusCode >= 400 {
		result.ErrorMessage = fmt.Sprintf("page returned status %d", page.StatusCode)
		return result
	}

	parsePage(&result, page.Body)

	// A short link or redirect may reveal the real page type only in the
	// final URL.
	if result.PageType == types.PageUnknown && page.FinalURL != nil {
		result.PageType = classifyURL(page.FinalURL.Path)
	}

	if includeRawHTML {
		result.RawHTML = string(page.Body)
	}
	result.Success = true
	return result
}

// classifyURL maps URL paths onto page types.
func classifyURL(path string) types.PageType {
	path = strings.ToLower(path)
	switch {
	case strings.Contains(path, "/explore/"), strings.Contains(path, "/discovery/"):
		return types.PageNote
	case strings.Contains(path, "/user/"), strings.Contains(path, "/profile/"):
		return types.PageUser
	case strings.Contains(path, "/topic/"):
		return types.PageTopic
	default:
		return types.PageUnknown
	}
}

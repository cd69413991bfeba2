// Package robots gates the extractor's plain-HTTP fallback on robots.txt.
// The browser-driven paths never consult it.
package robots

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"xhs-toolkit/internal/config"
)

const maxRobotsBytes = 512 * 1024

// Agent evaluates robots.txt rules with a per-host TTL cache and host
// overrides. Fetch and parse failures fail open.
type Agent struct {
	client    *http.Client
	agent     string
	ttl       time.Duration
	respect   bool
	overrides map[string]bool

	mu    sync.Mutex
	cache map[string]hostRules
}

type hostRules struct {
	expires time.Time
	data    *robotstxt.RobotsData
}

// NewAgent constructs a robots agent from configuration.
func NewAgent(cfg config.RobotsConfig, client *http.Client) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ttl := cfg.CacheTTL.Duration
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	overrides := make(map[string]bool, len(cfg.Overrides))
	for _, host := range cfg.Overrides {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			overrides[host] = true
		}
	}
	a := &Agent{
		client:    client,
		agent:     cfg.UserAgent,
		ttl:       ttl,
		respect:   cfg.Respect,
		overrides: overrides,
		cache:     make(map[string]hostRules),
	}
	return a
}

// Allowed reports whether the target URL may be fetched over plain HTTP.
func (a *Agent) Allowed(ctx context.Context, target *url.URL) bool {
	if target == nil || !target.IsAbs() {
		return false
	}
	if !a.respect || a.overrides[strings.ToLower(target.Hostname())] {
		return true
	}

	data := a.rulesFor(ctx, target)
	if data == nil {
		return true
	}
	group := data.FindGroup(a.agent)
	if group == nil {
		if group = data.FindGroup("*"); group == nil {
			return true
		}
	}
	return group.Test(target.Path)
}

func (a *Agent) rulesFor(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	host := strings.ToLower(target.Host)

	a.mu.Lock()
	cached, ok := a.cache[host]
	a.mu.Unlock()
	if ok && time.Now().Before(cached.expires) {
		return cached.data
	}

	data := a.fetch(ctx, target.Scheme+"://"+target.Host+"/robots.txt")
	if data == nil {
		return nil
	}
	a.mu.Lock()
	a.cache[host] = hostRules{expires: time.Now().Add(a.ttl), data: data}
	a.mu.Unlock()
	return data
}

func (a *Agent) fetch(ctx context.Context, robotsURL string) *robotstxt.RobotsData {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	if a.agent != "" {
		req.Header.Set("User-Agent", a.agent)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil
	}
	return data
}

// Purge evicts cached rules for a host.
func (a *Agent) Purge(host string) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return
	}
	a.mu.Lock()
	delete(a.cache, host)
	a.mu.Unlock()
}

package platform

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PacerSettings configures token-bucket throttling of backend interactions.
type PacerSettings struct {
	Requests int
	Window   time.Duration
}

// Pacer spaces interactions with the automation backend. The platform is
// rate-sensitive: bursts of logins or submissions get accounts flagged, so
// every backend round-trip waits here first.
type Pacer struct {
	delay       time.Duration
	rateEnabled bool

	mu      sync.Mutex
	last    time.Time
	limiter *rate.Limiter
}

// NewPacer creates a pacer with a minimum inter-action delay and an optional
// rate limit over a longer window.
func NewPacer(delay time.Duration, cfg PacerSettings) *Pacer {
	p := &Pacer{delay: delay}
	if cfg.Requests > 0 && cfg.Window > 0 {
		interval := cfg.Window / time.Duration(cfg.Requests)
		if interval <= 0 {
			interval = time.Millisecond
		}
		p.rateEnabled = true
		p.limiter = rate.NewLimiter(rate.Every(interval), cfg.Requests)
	}
	return p
}

// Wait blocks until the next backend interaction is permitted.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.delay <= 0 && !p.rateEnabled {
		return nil
	}

	var sleep time.Duration
	now := time.Now()

	p.mu.Lock()
	if p.delay > 0 && !p.last.IsZero() {
		rest := p.last.Add(p.delay).Sub(now)
		if rest > 0 {
			sleep = rest
		}
	}
	limiter := p.limiter
	p.mu.Unlock()

	if sleep > 0 {
		timer := time.NewTimer(sleep)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.last = time.Now()
	p.mu.Unlock()
	return nil
}

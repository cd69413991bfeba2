package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration required to run the publisher and
// the URL extraction pipeline.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Browser BrowserConfig `yaml:"browser"`
	Auth    AuthConfig    `yaml:"auth"`
	Publish PublishConfig `yaml:"publish"`
	Extract ExtractConfig `yaml:"extract"`
	Robots  RobotsConfig  `yaml:"robots"`
	Pacing  PacingConfig  `yaml:"pacing"`
	DB      SQLConfig     `yaml:"db"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// BrowserConfig controls the chromedp automation backend.
type BrowserConfig struct {
	UserAgent          string   `yaml:"user_agent"`
	DisableHeadless    bool     `yaml:"disable_headless"`
	NavigationTimeout  Duration `yaml:"navigation_timeout"`
	ActionDelay        Duration `yaml:"action_delay"`
	VideoUploadTimeout Duration `yaml:"video_upload_timeout"`
	PrePublishDelay    Duration `yaml:"pre_publish_delay"`
}

// AuthConfig controls cookie persistence and session validity.
type AuthConfig struct {
	CookiesFile  string   `yaml:"cookies_file"`
	SessionTTL   Duration `yaml:"session_ttl"`
	LoginTimeout Duration `yaml:"login_timeout"`
}

// PublishConfig controls the task worker, retries, and media handling.
type PublishConfig struct {
	Workers             int      `yaml:"workers"`
	QueueSize           int      `yaml:"queue_size"`
	MaxRetries          int      `yaml:"max_retries"`
	RetryBackoff        Duration `yaml:"retry_backoff"`
	DownloadConcurrency int      `yaml:"download_concurrency"`
	DownloadTimeout     Duration `yaml:"download_timeout"`
	TaskTimeout         Duration `yaml:"task_timeout"`
	TaskRetention       Duration `yaml:"task_retention"`
	MediaDir            string   `yaml:"media_dir"`
	MaxImageBytes       int64    `yaml:"max_image_bytes"`
}

// ExtractConfig controls the URL extraction pipeline.
type ExtractConfig struct {
	Timeout        Duration `yaml:"timeout"`
	WaitForDOM     bool     `yaml:"wait_for_dom"`
	CaptureDelay   Duration `yaml:"capture_delay"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
	HTTPFallback   bool     `yaml:"http_fallback"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// RobotsConfig configures robots.txt handling on the extractor's HTTP
// fallback path. The browser path is exempt; it behaves as a regular user.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// PacingConfig throttles interactions with the automation backend.
type PacingConfig struct {
	ActionDelay Duration        `yaml:"action_delay"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig applies a token bucket over a time window.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// Enabled reports whether rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

// SQLConfig describes the optional relational archive for finished tasks.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	CreateIfMissing bool     `yaml:"create_if_missing"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: DurationFrom(15 * time.Second),
		},
		Browser: BrowserConfig{
			NavigationTimeout:  DurationFrom(60 * time.Second),
			ActionDelay:        DurationFrom(2 * time.Second),
			VideoUploadTimeout: DurationFrom(2 * time.Minute),
			PrePublishDelay:    DurationFrom(3 * time.Second),
		},
		Auth: AuthConfig{
			CookiesFile:  "xhs_cookies.json",
			SessionTTL:   DurationFrom(12 * time.Hour),
			LoginTimeout: DurationFrom(5 * time.Minute),
		},
		Publish: PublishConfig{
			Workers:             1,
			QueueSize:           64,
			MaxRetries:          3,
			RetryBackoff:        DurationFrom(2 * time.Second),
			DownloadConcurrency: 3,
			DownloadTimeout:     DurationFrom(30 * time.Second),
			TaskTimeout:         DurationFrom(10 * time.Minute),
			TaskRetention:       DurationFrom(time.Hour),
			MaxImageBytes:       20 * 1024 * 1024,
		},
		Extract: ExtractConfig{
			Timeout:        DurationFrom(45 * time.Second),
			WaitForDOM:     true,
			CaptureDelay:   DurationFrom(1500 * time.Millisecond),
			MaxBodyBytes:   6 * 1024 * 1024,
			HTTPFallback:   true,
			RequestTimeout: DurationFrom(10 * time.Second),
		},
		Robots: RobotsConfig{
			Respect:   false,
			Overrides: []string{},
			UserAgent: "xhs-toolkit/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Pacing: PacingConfig{
			ActionDelay: DurationFrom(3 * time.Second),
		},
		DB: SQLConfig{
			AutoMigrate: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader. Fields not
// present in the document keep their defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces required invariants for the toolkit configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	if strings.TrimSpace(c.Auth.CookiesFile) == "" {
		return errors.New("auth.cookies_file must be set")
	}
	if c.Auth.SessionTTL.Duration <= 0 {
		return fmt.Errorf("auth.session_ttl must be > 0 (got %s)", c.Auth.SessionTTL)
	}
	if c.Publish.Workers <= 0 {
		return fmt.Errorf("publish.workers must be > 0 (got %d)", c.Publish.Workers)
	}
	if c.Publish.QueueSize <= 0 {
		return fmt.Errorf("publish.queue_size must be > 0 (got %d)", c.Publish.QueueSize)
	}
	if c.Publish.MaxRetries < 0 {
		return fmt.Errorf("publish.max_retries must be >= 0 (got %d)", c.Publish.MaxRetries)
	}
	if c.Publish.DownloadConcurrency <= 0 {
		return fmt.Errorf("publish.download_concurrency must be > 0 (got %d)", c.Publish.DownloadConcurrency)
	}
	if c.Publish.TaskTimeout.Duration <= 0 {
		return fmt.Errorf("publish.task_timeout must be > 0 (got %s)", c.Publish.TaskTimeout)
	}
	if c.Publish.MaxImageBytes <= 0 {
		return fmt.Errorf("publish.max_image_bytes must be > 0 (got %d)", c.Publish.MaxImageBytes)
	}
	if c.Extract.MaxBodyBytes <= 0 {
		return fmt.Errorf("extract.max_body_bytes must be > 0 (got %d)", c.Extract.MaxBodyBytes)
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set when robots.respect is true")
	}
	if rl := c.Pacing.RateLimit; rl.Requests < 0 {
		return fmt.Errorf("pacing.rate_limit.requests must be >= 0 (got %d)", rl.Requests)
	}
	return nil
}

func (c *Config) normalise() {
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Auth.CookiesFile = strings.TrimSpace(c.Auth.CookiesFile)
	c.Publish.MediaDir = strings.TrimSpace(c.Publish.MediaDir)
	c.Browser.UserAgent = strings.TrimSpace(c.Browser.UserAgent)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)

	if len(c.Robots.Overrides) > 0 {
		c.Robots.Overrides = dedupeLower(c.Robots.Overrides)
	}
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	return cleaned
}

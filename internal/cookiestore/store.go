// Package cookiestore persists browser session cookies so logins survive
// process restarts.
package cookiestore

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"
)

// Cookie is one persisted browser cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only"`
	Secure   bool    `json:"secure"`
}

// Jar captures a full cookie snapshot plus when it was taken, so callers can
// decide whether a cached session is still worth trusting.
type Jar struct {
	Cookies  []Cookie  `json:"cookies"`
	SavedAt  time.Time `json:"saved_at"`
	UserID   string    `json:"user_id,omitempty"`
	UserName string    `json:"user_name,omitempty"`
}

// Age reports how long ago the jar was saved.
func (j Jar) Age(now time.Time) time.Duration {
	return now.Sub(j.SavedAt)
}

// Empty reports whether the jar holds no cookies.
func (j Jar) Empty() bool {
	return len(j.Cookies) == 0
}

// Store persists cookie jars across process restarts.
type Store interface {
	Save(ctx context.Context, jar Jar) error
	Load(ctx context.Context) (Jar, bool, error)
	Exists(ctx context.Context) (bool, error)
	Remove(ctx context.Context) error
	Close() error
}

// RedisConfig configures a Redis-backed store.
type RedisConfig struct {
	Host     string
	Port     string
	DB       int
	Password string
	Key      string
	Timeout  time.Duration
}

// NewRedisStoreFromEnv initialises a Redis store using standard env vars.
// It returns (nil, nil) when REDIS_HOST is unset, meaning "use the file
// store instead".
func NewRedisStoreFromEnv() (Store, error) {
	host := strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if host == "" {
		return nil, nil
	}
	port := strings.TrimSpace(os.Getenv("REDIS_PORT"))
	if port == "" {
		port = "6379"
	}
	db := 0
	if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return nil, err
		}
		db = value
	}
	password := os.Getenv("REDIS_PASSWORD")
	return NewRedisStore(RedisConfig{
		Host:     host,
		Port:     port,
		DB:       db,
		Password: password,
	})
}

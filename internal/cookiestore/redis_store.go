package cookiestore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	defaultRedisKey     = "xhs:cookies"
	defaultRedisTimeout = 5 * time.Second
)

// errNilReply marks a Redis nil bulk reply so callers can distinguish a
// missing key from a transport failure.
var errNilReply = errors.New("redis: nil reply")

// RedisStore keeps the cookie jar under a single Redis key so multiple
// processes can share one login. It speaks RESP directly over a short-lived
// connection per operation, which is enough for the handful of calls the
// session manager makes.
type RedisStore struct {
	addr     string
	password string
	db       int
	key      string
	timeout  time.Duration
}

// NewRedisStore creates a store backed by Redis.
func NewRedisStore(cfg RedisConfig) (Store, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("redis host is required")
	}
	s := &RedisStore{
		addr:     net.JoinHostPort(cfg.Host, cfg.Port),
		password: cfg.Password,
		db:       cfg.DB,
		key:      cfg.Key,
		timeout:  cfg.Timeout,
	}
	if cfg.Port == "" {
		s.addr = net.JoinHostPort(cfg.Host, "6379")
	}
	if s.key == "" {
		s.key = defaultRedisKey
	}
	if s.timeout == 0 {
		s.timeout = defaultRedisTimeout
	}
	return s, nil
}

func (s *RedisStore) Save(ctx context.Context, jar Jar) error {
	data, err := json.Marshal(jar)
	if err != nil {
		return err
	}
	_, err = s.execute(ctx, "SET", s.key, string(data))
	return err
}

func (s *RedisStore) Load(ctx context.Context) (Jar, bool, error) {
	var jar Jar
	raw, err := s.execute(ctx, "GET", s.key)
	if errors.Is(err, errNilReply) {
		return jar, false, nil
	}
	if err != nil {
		return jar, false, err
	}
	if err := json.Unmarshal([]byte(raw), &jar); err != nil {
		return jar, false, err
	}
	return jar, true, nil
}

func (s *RedisStore) Exists(ctx context.Context) (bool, error) {
	raw, err := s.execute(ctx, "EXISTS", s.key)
	if err != nil {
		return false, err
	}
	return raw == "1", nil
}

func (s *RedisStore) Remove(ctx context.Context) error {
	_, err := s.execute(ctx, "DEL", s.key)
	return err
}

func (s *RedisStore) Close() error {
	return nil
}

// execute dials, authenticates, runs one command and returns the reply as a
// string. Integer replies come back in decimal form.
func (s *RedisStore) execute(ctx context.Context, args ...string) (string, error) {
	dialer := net.Dialer{Timeout: s.timeout}
	raw, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return "", err
	}
	defer raw.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
	} else {
		_ = raw.SetDeadline(time.Now().Add(s.timeout))
	}
	conn := bufio.NewReadWriter(bufio.NewReader(raw), bufio.NewWriter(raw))

	if s.password != "" {
		if _, err := roundTrip(conn, "AUTH", s.password); err != nil {
			return "", fmt.Errorf("redis auth: %w", err)
		}
	}
	if s.db != 0 {
		if _, err := roundTrip(conn, "SELECT", strconv.Itoa(s.db)); err != nil {
			return "", fmt.Errorf("redis select: %w", err)
		}
	}
	return roundTrip(conn, args...)
}

func roundTrip(conn *bufio.ReadWriter, args ...string) (string, error) {
	fmt.Fprintf(conn, "*%d\r\n", len(args))
	for _, arg := range args {
		fmt.Fprintf(conn, "$%d\r\n%s\r\n", len(arg), arg)
	}
	if err := conn.Flush(); err != nil {
		return "", err
	}
	return readReply(conn.Reader)
}

func readReply(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	line, err := readLine(r)
	if err != nil {
		return "", err
	}
	switch prefix {
	case '+', ':':
		return line, nil
	case '-':
		return "", errors.New("redis: " + line)
	case '$':
		size, err := strconv.Atoi(line)
		if err != nil {
			return "", err
		}
		if size < 0 {
			return "", errNilReply
		}
		buf := make([]byte, size+2) // payload plus trailing CRLF
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		return string(buf[:size]), nil
	default:
		return "", fmt.Errorf("redis: unsupported reply type %q", prefix)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

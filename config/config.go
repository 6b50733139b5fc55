package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	SinkEcho      = "echo"
	SinkBroadcast = "broadcast"
	SinkRedis     = "redis"
)

type Config struct {
	Addr     string
	LogLevel slog.Level
	// LogFrames enables per-frame debug logging, including liveness probes.
	LogFrames bool

	ProbeInterval    time.Duration
	TimeoutThreshold time.Duration
	WriteWait        time.Duration
	MaxMessageSize   int64
	SendQueueSize    int

	Sink         string
	RedisAddr    string
	RedisChannel string

	AllowedOrigins []string
	CORSMaxAge     time.Duration
}

func Default() Config {
	return Config{
		Addr:             ":8080",
		LogLevel:         slog.LevelInfo,
		ProbeInterval:    5 * time.Second,
		TimeoutThreshold: 10 * time.Second,
		WriteWait:        10 * time.Second,
		MaxMessageSize:   64 * 1024,
		SendQueueSize:    256,
		Sink:             SinkEcho,
		RedisAddr:        "localhost:6379",
		RedisChannel:     "textsync",
		AllowedOrigins:   []string{"*"},
		CORSMaxAge:       10 * time.Minute,
	}
}

// Load reads a .env file if one exists and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, falling back to defaults for unset
// variables.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	if v, ok := lookup("ADDR"); ok && v != "" {
		cfg.Addr = v
	} else if v, ok := lookup("PORT"); ok && v != "" {
		cfg.Addr = ":" + v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.LogLevel = parseLevel(v)
	}
	p.setBool("LOG_FRAMES", &cfg.LogFrames)
	p.setDuration("PROBE_INTERVAL", &cfg.ProbeInterval)
	p.setDuration("TIMEOUT_THRESHOLD", &cfg.TimeoutThreshold)
	p.setDuration("WRITE_WAIT", &cfg.WriteWait)
	p.setDuration("CORS_MAX_AGE", &cfg.CORSMaxAge)
	p.setInt64("MAX_MESSAGE_SIZE", &cfg.MaxMessageSize)
	p.setInt("SEND_QUEUE_SIZE", &cfg.SendQueueSize)
	p.setString("SINK", &cfg.Sink)
	p.setString("REDIS_ADDR", &cfg.RedisAddr)
	p.setString("REDIS_CHANNEL", &cfg.RedisChannel)
	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		cfg.AllowedOrigins = splitList(v)
	}

	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.ProbeInterval <= 0 {
		errs = append(errs, errors.New("PROBE_INTERVAL must be positive"))
	}
	if c.TimeoutThreshold <= 0 {
		errs = append(errs, errors.New("TIMEOUT_THRESHOLD must be positive"))
	}
	if c.WriteWait <= 0 {
		errs = append(errs, errors.New("WRITE_WAIT must be positive"))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("MAX_MESSAGE_SIZE must be positive"))
	}
	if c.SendQueueSize <= 0 {
		errs = append(errs, errors.New("SEND_QUEUE_SIZE must be positive"))
	}
	switch c.Sink {
	case SinkEcho, SinkBroadcast:
	case SinkRedis:
		if c.RedisAddr == "" || c.RedisChannel == "" {
			errs = append(errs, errors.New("SINK=redis needs REDIS_ADDR and REDIS_CHANNEL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SINK %q", c.Sink))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser records the first malformed variable and skips the rest.
type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) get(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (p *parser) fail(key, v string, err error) {
	p.err = fmt.Errorf("config: %s=%q: %w", key, v, err)
}

func (p *parser) setString(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) setBool(key string, dst *bool) {
	if v, ok := p.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (p *parser) setDuration(key string, dst *time.Duration) {
	if v, ok := p.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (p *parser) setInt(key string, dst *int) {
	if v, ok := p.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (p *parser) setInt64(key string, dst *int64) {
	if v, ok := p.get(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = n
	}
}

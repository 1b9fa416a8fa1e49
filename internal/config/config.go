// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port      string
	DBPath    string
	LogLevel  string
	LogFormat string

	PongWait          time.Duration
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int

	UnclaimedRoomTTL    time.Duration
	Retention           time.Duration
	RetentionInterval   time.Duration
	CreateRoomRate      float64
	CreateRoomBurst     int
	ShutdownGracePeriod time.Duration
}

func Default() Config {
	return Config{
		Port:                "8080",
		DBPath:              "./data/sketchroom.db",
		LogLevel:            "info",
		LogFormat:           "console",
		PongWait:            60 * time.Second,
		MaxMessageBytes:     8 << 20,
		MessagesPerSecond:   100,
		MessageBurst:        200,
		UnclaimedRoomTTL:    10 * time.Minute,
		Retention:           7 * 24 * time.Hour,
		RetentionInterval:   time.Hour,
		CreateRoomRate:      1,
		CreateRoomBurst:     5,
		ShutdownGracePeriod: 10 * time.Second,
	}
}

// Load reads the environment on top of Default
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	c := Default()
	l := loader{getenv: getenv}

	l.str("PORT", &c.Port)
	l.str("SKETCHROOM_DB_PATH", &c.DBPath)
	l.str("LOG_LEVEL", &c.LogLevel)
	l.str("LOG_FORMAT", &c.LogFormat)

	l.duration("SKETCHROOM_PONG_WAIT", &c.PongWait)
	l.int64("SKETCHROOM_MAX_MESSAGE_BYTES", &c.MaxMessageBytes)
	l.float("SKETCHROOM_MESSAGES_PER_SECOND", &c.MessagesPerSecond)
	l.int("SKETCHROOM_MESSAGE_BURST", &c.MessageBurst)
	l.duration("SKETCHROOM_UNCLAIMED_ROOM_TTL", &c.UnclaimedRoomTTL)
	l.duration("SKETCHROOM_RETENTION", &c.Retention)
	l.duration("SKETCHROOM_RETENTION_INTERVAL", &c.RetentionInterval)
	l.rate("SKETCHROOM_CREATE_ROOM_RATE", &c.CreateRoomRate, &c.CreateRoomBurst)
	l.duration("SKETCHROOM_SHUTDOWN_GRACE", &c.ShutdownGracePeriod)

	if l.err != nil {
		return Config{}, l.err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	switch {
	case c.PongWait <= 0:
		return fmt.Errorf("SKETCHROOM_PONG_WAIT must be positive, got %v", c.PongWait)
	case c.MaxMessageBytes <= 0:
		return fmt.Errorf("SKETCHROOM_MAX_MESSAGE_BYTES must be positive, got %d", c.MaxMessageBytes)
	case c.MessagesPerSecond <= 0 || c.MessageBurst <= 0:
		return fmt.Errorf("message rate and burst must be positive")
	case c.RetentionInterval <= 0:
		return fmt.Errorf("SKETCHROOM_RETENTION_INTERVAL must be positive, got %v", c.RetentionInterval)
	case c.CreateRoomRate <= 0 || c.CreateRoomBurst <= 0:
		return fmt.Errorf("SKETCHROOM_CREATE_ROOM_RATE must be positive")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.LogFormat)
	}
	return nil
}

// loader keeps the first parse error so call sites stay flat
type loader struct {
	getenv func(string) string
	err    error
}

func (l *loader) lookup(key string) (string, bool) {
	if l.err != nil {
		return "", false
	}
	v := strings.TrimSpace(l.getenv(key))
	return v, v != ""
}

func (l *loader) fail(key, value string, err error) {
	l.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
}

func (l *loader) str(key string, dst *string) {
	if v, ok := l.lookup(key); ok {
		*dst = v
	}
}

func (l *loader) duration(key string, dst *time.Duration) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.fail(key, v, err)
		return
	}
	*dst = d
}

func (l *loader) int(key string, dst *int) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(key, v, err)
		return
	}
	*dst = n
}

func (l *loader) int64(key string, dst *int64) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		l.fail(key, v, err)
		return
	}
	*dst = n
}

func (l *loader) float(key string, dst *float64) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.fail(key, v, err)
		return
	}
	*dst = f
}

// rate parses "<per-second>" or "<per-second>/<burst>", e.g. "1/5"
func (l *loader) rate(key string, rate *float64, burst *int) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	perSecond, burstPart, hasBurst := strings.Cut(v, "/")
	f, err := strconv.ParseFloat(perSecond, 64)
	if err != nil {
		l.fail(key, v, err)
		return
	}
	*rate = f
	if hasBurst {
		n, err := strconv.Atoi(burstPart)
		if err != nil {
			l.fail(key, v, err)
			return
		}
		*burst = n
	}
}

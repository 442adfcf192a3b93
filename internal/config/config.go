package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

type Config struct {
	ListenAddr     string
	CoordinatorURL string
	DatabaseURL    string
	ClientKey      string

	GracePeriod      time.Duration
	GraceTick        time.Duration
	Heartbeat        time.Duration
	CommandDebounce  time.Duration
	StartGuard       time.Duration
	PrecedenceWindow time.Duration

	ReconnectAttempts  int
	ReconnectBaseDelay time.Duration

	HandoffBaseURL string
	HandoffSecret  string
	ReturnURL      string

	LogLevel  string
	LogFormat string
}

// Load reads .env if present, then the environment. Every malformed value is
// reported, not just the first.
func Load() (Config, error) {
	_ = godotenv.Load()

	c := Config{
		ListenAddr:     str("LISTEN_ADDR", ":8080"),
		CoordinatorURL: str("COORDINATOR_URL", "ws://localhost:9000/ws"),
		DatabaseURL:    str("DATABASE_URL", ""),
		ClientKey:      str("CLIENT_KEY", "default"),
		HandoffBaseURL: str("HANDOFF_BASE_URL", "http://localhost:3000/play"),
		HandoffSecret:  str("HANDOFF_SECRET", ""),
		ReturnURL:      str("RETURN_URL", ""),
		LogLevel:       str("LOG_LEVEL", "info"),
		LogFormat:      str("LOG_FORMAT", "json"),
	}

	var err error
	c.GracePeriod = dur("GRACE_PERIOD", 10*time.Second, &err)
	c.GraceTick = dur("GRACE_TICK", time.Second, &err)
	c.Heartbeat = dur("HEARTBEAT_INTERVAL", 30*time.Second, &err)
	c.CommandDebounce = dur("COMMAND_DEBOUNCE", time.Second, &err)
	c.StartGuard = dur("START_GUARD_TIMEOUT", 5*time.Second, &err)
	c.PrecedenceWindow = dur("PRECEDENCE_WINDOW", 2*time.Second, &err)
	c.ReconnectAttempts = num("RECONNECT_ATTEMPTS", 5, &err)
	c.ReconnectBaseDelay = dur("RECONNECT_BASE_DELAY", 500*time.Millisecond, &err)

	switch c.LogFormat {
	case "json", "console":
	default:
		err = multierr.Append(err, fmt.Errorf("LOG_FORMAT: want json or console, got %q", c.LogFormat))
	}
	if err != nil {
		return Config{}, err
	}
	return c, nil
}

func str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func dur(key string, def time.Duration, errs *error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*errs = multierr.Append(*errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func num(key string, def int, errs *error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		*errs = multierr.Append(*errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return n
}

package api

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/trellis/internal/config"
)

const (
	// DefaultAddr is the loopback address used when nothing else is configured.
	DefaultAddr = "127.0.0.1:8765"
	// DefaultMaxBodyBytes limits submission payloads to 1 MB.
	DefaultMaxBodyBytes int64 = 1 << 20
	// DefaultMaxConnections caps concurrent client connections.
	DefaultMaxConnections = 64
	// DefaultReadTimeout guards hung clients.
	DefaultReadTimeout = 15 * time.Second
	// DefaultIdleTimeout bounds keep-alive connections.
	DefaultIdleTimeout = 60 * time.Second
)

// Settings captures runtime configuration for the HTTP control server.
type Settings struct {
	Addr           string
	MaxConnections int
	MaxBodyBytes   int64
	ReadTimeout    time.Duration
	// WriteTimeout of zero keeps event streams open indefinitely.
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// AccessLog enables per-request logging to stdout.
	AccessLog bool
}

// SettingsFromConfig builds Settings from the project config and the
// TRELLIS_API_ACCESS_LOG override.
func SettingsFromConfig(cfg *config.Config) Settings {
	settings := Settings{
		Addr:           DefaultAddr,
		MaxConnections: DefaultMaxConnections,
		MaxBodyBytes:   DefaultMaxBodyBytes,
		ReadTimeout:    DefaultReadTimeout,
		IdleTimeout:    DefaultIdleTimeout,
		AccessLog:      true,
	}
	if cfg != nil {
		if addr := strings.TrimSpace(cfg.Project.API.Addr); addr != "" {
			settings.Addr = addr
		}
		if cfg.Project.API.MaxConnections > 0 {
			settings.MaxConnections = cfg.Project.API.MaxConnections
		}
	}
	if value := strings.TrimSpace(os.Getenv(config.EnvPrefix + "API_ACCESS_LOG")); value != "" {
		if enabled, err := strconv.ParseBool(value); err == nil {
			settings.AccessLog = enabled
		}
	}
	settings.normalize()
	return settings
}

func (s *Settings) normalize() {
	s.Addr = strings.TrimSpace(s.Addr)
	if s.Addr == "" {
		s.Addr = DefaultAddr
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
}

// URL returns the HTTP base URL for the configured address.
func (s Settings) URL() string {
	return BaseURL(s.Addr)
}

// BaseURL turns a host:port into an http URL, mapping wildcard hosts to
// loopback so clients can dial it.
func BaseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	} else if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1" + strings.TrimPrefix(addr, "0.0.0.0")
	}
	return "http://" + addr
}

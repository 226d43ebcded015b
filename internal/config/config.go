// Package config loads lifesync settings from the environment, an optional
// .env file, and JSONC reminder files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/tailscale/hujson"

	"github.com/agentworkforce/lifesync/internal/reminders"
)

const EnvPrefix = "LIFESYNC"

// Config holds every setting shared by the lifesync binaries. Variables are
// read with the LIFESYNC_ prefix, e.g. LIFESYNC_STORE_DSN.
type Config struct {
	// Local store: file://dir, sqlite:///path/db, memory://. Empty resolves
	// to a file store under the user config directory.
	StoreDSN string `envconfig:"STORE_DSN"`

	// Remote sync: https://host, postgres://..., memory://
	RemoteDSN     string        `envconfig:"REMOTE_DSN"`
	APIKey        string        `envconfig:"API_KEY"`
	DebounceDelay time.Duration `envconfig:"DEBOUNCE_DELAY" default:"2s"`
	PushTimeout   time.Duration `envconfig:"PUSH_TIMEOUT" default:"30s"`

	// Background worker
	WorkerAddr    string   `envconfig:"WORKER_ADDR" default:"127.0.0.1:8787"`
	AppScope      string   `envconfig:"APP_SCOPE" default:"http://localhost:5173/"`
	CacheVersion  string   `envconfig:"CACHE_VERSION" default:"v1"`
	CacheDSN      string   `envconfig:"CACHE_DSN" default:"memory://"`
	ShellURLs     []string `envconfig:"SHELL_URLS"`
	DenyHosts     []string `envconfig:"DENY_HOSTS" default:"generativelanguage.googleapis.com"`
	RemindersFile string   `envconfig:"REMINDERS_FILE"`

	// user_data server
	ListenAddr      string        `envconfig:"LISTEN_ADDR" default:":8080"`
	JWTSecret       string        `envconfig:"JWT_SECRET" default:"dev-secret"`
	RateLimitMax    int           `envconfig:"RATE_LIMIT_MAX" default:"0"`
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	MaxBodyBytes    int64         `envconfig:"MAX_BODY_BYTES" default:"1048576"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads the given files (default ".env") without overriding
// variables already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) ResolveDefaults() error {
	if strings.TrimSpace(c.StoreDSN) == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("resolve store directory: %w", err)
		}
		c.StoreDSN = "file://" + filepath.Join(base, "lifesync")
	}
	if strings.TrimSpace(c.CacheVersion) == "" {
		return errors.New("LIFESYNC_CACHE_VERSION must not be empty")
	}
	if c.AppScope != "" {
		scope, err := url.Parse(c.AppScope)
		if err != nil || scope.Scheme == "" || scope.Host == "" {
			return fmt.Errorf("invalid LIFESYNC_APP_SCOPE: %q", c.AppScope)
		}
	}
	c.ShellURLs = compact(c.ShellURLs)
	c.DenyHosts = compact(c.DenyHosts)
	return nil
}

// StoreDir returns the directory behind a file:// store DSN.
func (c *Config) StoreDir() (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(c.StoreDSN))
	if err != nil {
		return "", false
	}
	switch strings.ToLower(parsed.Scheme) {
	case "":
		return strings.TrimSpace(c.StoreDSN), true
	case "file":
		dir := parsed.Path
		if dir == "" {
			dir = parsed.Opaque
		}
		if dir == "" {
			dir = parsed.Host
		}
		return dir, dir != ""
	default:
		return "", false
	}
}

func (c *Config) LogSummary(log zerolog.Logger) {
	log.Info().
		Str("store_dsn", c.StoreDSN).
		Bool("remote_configured", c.RemoteDSN != "").
		Dur("debounce_delay", c.DebounceDelay).
		Str("worker_addr", c.WorkerAddr).
		Str("cache_version", c.CacheVersion).
		Strs("deny_hosts", c.DenyHosts).
		Str("listen_addr", c.ListenAddr).
		Msg("configuration loaded")
}

// LoadReminderSettings reads a JSONC file mapping reminder type to schedule:
//
//	{
//	  // nightly
//	  "sleep": {"enabled": true, "time": "22:30"},
//	  "workout": {"enabled": true, "time": "07:00", "days": [1, 3, 5]},
//	}
func LoadReminderSettings(path string) (reminders.Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	settings, err := ParseReminderSettings(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return settings, nil
}

func ParseReminderSettings(data []byte) (reminders.Settings, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONC: %w", err)
	}
	var settings reminders.Settings
	if err := json.Unmarshal(standardized, &settings); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if settings == nil {
		settings = reminders.Settings{}
	}
	for kind, cfg := range settings {
		if !knownReminder(kind) {
			return nil, fmt.Errorf("%w: %s", reminders.ErrUnknownType, kind)
		}
		if !cfg.Enabled {
			continue
		}
		if _, _, err := reminders.ParseClock(cfg.Time); err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		for _, day := range cfg.Days {
			if day < time.Sunday || day > time.Saturday {
				return nil, fmt.Errorf("%s: %w", kind, reminders.ErrInvalidDays)
			}
		}
	}
	return settings, nil
}

func knownReminder(kind reminders.Type) bool {
	for _, known := range reminders.Types {
		if known == kind {
			return true
		}
	}
	return false
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

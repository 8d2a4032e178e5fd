package portalchat

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Config types
// ============================================================================

// Config is the on-disk client configuration (TOML). Durations are Go
// duration strings such as "10s".
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Cache    ConfigCache    `toml:"cache"`
	Realtime ConfigRealtime `toml:"realtime"`
	Timing   ConfigTiming   `toml:"timing"`
}

// ConfigDefault holds connection and logging settings.
type ConfigDefault struct {
	Token    string `toml:"token"`
	BaseURL  string `toml:"base_url"`
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
}

// ConfigCache selects and tunes the cache backend.
type ConfigCache struct {
	Backend    string `toml:"backend"` // memory, sqlite, redis
	SQLitePath string `toml:"sqlite_path"`
	RedisURL   string `toml:"redis_url"`
	Version    string `toml:"version"`
	TTL        string `toml:"ttl"`
	RosterTTL  string `toml:"roster_ttl"`
}

// ConfigRealtime selects the push transport.
type ConfigRealtime struct {
	Transport string `toml:"transport"` // ws, nats, none
	NATSURL   string `toml:"nats_url"`
}

// ConfigTiming tunes the pipeline timers.
type ConfigTiming struct {
	PageSize       int    `toml:"page_size"`
	SendRefresh    string `toml:"send_refresh"`
	SendFallback   string `toml:"send_fallback"`
	PollInterval   string `toml:"poll_interval"`
	ErrorPollDelay string `toml:"error_poll_delay"`
	TypingTTL      string `toml:"typing_ttl"`
}

// ============================================================================
// Loading
// ============================================================================

// LoadConfig reads path (a missing file yields a zero Config), loads .env if
// present and applies PORTALCHAT_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("cannot read config: %w", err)
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("cannot parse config: %w", err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// SaveConfig writes cfg to path as TOML.
func SaveConfig(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Default.Token = getEnv("PORTALCHAT_TOKEN", c.Default.Token)
	c.Default.BaseURL = getEnv("PORTALCHAT_BASE_URL", c.Default.BaseURL)
	c.Default.Env = getEnv("PORTALCHAT_ENV", c.Default.Env)
	c.Default.LogLevel = getEnv("PORTALCHAT_LOG_LEVEL", c.Default.LogLevel)
	c.Cache.Backend = getEnv("PORTALCHAT_CACHE_BACKEND", c.Cache.Backend)
	c.Cache.SQLitePath = getEnv("PORTALCHAT_SQLITE_PATH", c.Cache.SQLitePath)
	c.Cache.RedisURL = getEnv("PORTALCHAT_REDIS_URL", c.Cache.RedisURL)
	c.Realtime.Transport = getEnv("PORTALCHAT_TRANSPORT", c.Realtime.Transport)
	c.Realtime.NATSURL = getEnv("PORTALCHAT_NATS_URL", c.Realtime.NATSURL)
	if v := os.Getenv("PORTALCHAT_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Timing.PageSize = n
		}
	}
	c.Timing.PollInterval = getEnv("PORTALCHAT_POLL_INTERVAL", c.Timing.PollInterval)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsDevelopment reports whether the config targets a development setup.
func (c *Config) IsDevelopment() bool {
	return c.Default.Env == "" || c.Default.Env == "development"
}

// Options maps the config onto engine options. Backends, transport and
// logger are left for the caller to attach.
func (c *Config) Options() (Options, error) {
	var o Options
	var err error
	o.CacheVersion = c.Cache.Version
	o.PageSize = c.Timing.PageSize
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"cache.ttl", c.Cache.TTL, &o.CacheTTL},
		{"cache.roster_ttl", c.Cache.RosterTTL, &o.RosterTTL},
		{"timing.send_refresh", c.Timing.SendRefresh, &o.SendRefreshDelay},
		{"timing.send_fallback", c.Timing.SendFallback, &o.SendFallbackDelay},
		{"timing.poll_interval", c.Timing.PollInterval, &o.PollInterval},
		{"timing.error_poll_delay", c.Timing.ErrorPollDelay, &o.ErrorPollDelay},
		{"timing.typing_ttl", c.Timing.TypingTTL, &o.TypingTTL},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		if *d.dst, err = time.ParseDuration(d.raw); err != nil {
			return Options{}, fmt.Errorf("%s: %w", d.name, err)
		}
	}
	o.defaults()
	return o, nil
}

// Set assigns a config field by dotted key (e.g. "cache.backend").
func (c *Config) Set(key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	fields := map[string]map[string]*string{
		"default": {
			"token":     &c.Default.Token,
			"base_url":  &c.Default.BaseURL,
			"env":       &c.Default.Env,
			"log_level": &c.Default.LogLevel,
		},
		"cache": {
			"backend":     &c.Cache.Backend,
			"sqlite_path": &c.Cache.SQLitePath,
			"redis_url":   &c.Cache.RedisURL,
			"version":     &c.Cache.Version,
			"ttl":         &c.Cache.TTL,
			"roster_ttl":  &c.Cache.RosterTTL,
		},
		"realtime": {
			"transport": &c.Realtime.Transport,
			"nats_url":  &c.Realtime.NATSURL,
		},
		"timing": {
			"send_refresh":     &c.Timing.SendRefresh,
			"send_fallback":    &c.Timing.SendFallback,
			"poll_interval":    &c.Timing.PollInterval,
			"error_poll_delay": &c.Timing.ErrorPollDelay,
			"typing_ttl":       &c.Timing.TypingTTL,
		},
	}
	section, field := parts[0], parts[1]
	if section == "timing" && field == "page_size" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("timing.page_size: %w", err)
		}
		c.Timing.PageSize = n
		return nil
	}
	sec, ok := fields[section]
	if !ok {
		return fmt.Errorf("unknown config section %q (valid: default, cache, realtime, timing)", section)
	}
	dst, ok := sec[field]
	if !ok {
		return fmt.Errorf("unknown field %q in section [%s]", field, section)
	}
	*dst = value
	return nil
}

package session

import (
	"time"

	"github.com/go-go-golems/jiminy/pkg/cache"
	"github.com/go-go-golems/jiminy/pkg/safety"
	"github.com/go-go-golems/jiminy/pkg/transport"
)

// CachePolicy controls the response cache.
type CachePolicy struct {
	Enabled    bool          `yaml:"enabled"`
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
	// FilePath persists the cache as a JSON blob. Empty disables persistence.
	FilePath string `yaml:"file_path"`
}

// ReconnectPolicy controls the persistent transport's recovery behavior.
type ReconnectPolicy struct {
	MaxAttempts       int           `yaml:"reconnect_attempts"`
	BaseInterval      time.Duration `yaml:"reconnect_interval"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Accessibility options are recognized and stored for the embedding UI layer;
// the core session does not act on them.
type Accessibility struct {
	Announcements bool `yaml:"announcements"`
	HighContrast  bool `yaml:"high_contrast"`
}

// Config is the immutable session configuration, built once by merging caller
// overrides onto DefaultConfig. After initialization only the cache-enabled
// and streaming-enabled toggles may change, through their Session setters.
type Config struct {
	// ContainerID identifies the embedding surface (for the UI layer).
	ContainerID string `yaml:"container_id"`
	// HTTPEndpoint is the one-shot request/response URL. Required.
	HTTPEndpoint string `yaml:"http_endpoint"`
	// WSEndpoint is the persistent connection URL. Empty disables the
	// persistent transport entirely.
	WSEndpoint string `yaml:"ws_endpoint"`
	APIKey     string `yaml:"api_key"`

	// Streaming enables the persistent transport when a WSEndpoint is set.
	Streaming bool `yaml:"streaming"`

	Cache     CachePolicy     `yaml:"cache"`
	Reconnect ReconnectPolicy `yaml:"reconnect"`

	// SanitizerMode is "strict" (allow-list tree walker) or "escape"
	// (plain text). Both guarantee no executable output.
	SanitizerMode string        `yaml:"sanitizer_mode"`
	Safety        safety.Policy `yaml:"-"`
	// BlockLinks rejects user messages containing bare URLs.
	BlockLinks bool `yaml:"block_links"`

	Theme         string        `yaml:"theme"`
	Accessibility Accessibility `yaml:"accessibility"`

	// FeedbackPath is the JSON-lines feedback log. Empty disables it.
	FeedbackPath string `yaml:"feedback_path"`
	// HistoryPath mirrors chat history into a sqlite file. Empty disables it.
	HistoryPath string `yaml:"history_path"`

	// CacheBackend overrides the file-based cache persistence, e.g. with the
	// Redis backend. Takes precedence over Cache.FilePath.
	CacheBackend cache.Backend `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Streaming: true,
		Cache: CachePolicy{
			Enabled:    true,
			MaxEntries: 50,
			TTL:        time.Hour,
		},
		Reconnect: ReconnectPolicy{
			MaxAttempts:       5,
			BaseInterval:      3 * time.Second,
			ConnectionTimeout: 10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
		},
		SanitizerMode: "strict",
		Safety:        safety.DefaultPolicy(),
		Theme:         "light",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = def.Cache.MaxEntries
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = def.Cache.TTL
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	if c.Reconnect.BaseInterval <= 0 {
		c.Reconnect.BaseInterval = def.Reconnect.BaseInterval
	}
	if c.Reconnect.ConnectionTimeout <= 0 {
		c.Reconnect.ConnectionTimeout = def.Reconnect.ConnectionTimeout
	}
	if c.Reconnect.HeartbeatInterval <= 0 {
		c.Reconnect.HeartbeatInterval = def.Reconnect.HeartbeatInterval
	}
	if c.SanitizerMode == "" {
		c.SanitizerMode = def.SanitizerMode
	}
	if c.Safety.MaxLength <= 0 {
		c.Safety.MaxLength = def.Safety.MaxLength
	}
	if c.Safety.MaxRepeatRun <= 0 {
		c.Safety.MaxRepeatRun = def.Safety.MaxRepeatRun
	}
	if c.Safety.ProfanityThreshold <= 0 {
		c.Safety.ProfanityThreshold = def.Safety.ProfanityThreshold
	}
	c.Safety.BlockLinks = c.Safety.BlockLinks || c.BlockLinks
	if c.Theme == "" {
		c.Theme = def.Theme
	}
	return c
}

func (c Config) sanitizerMode() safety.Mode {
	if c.SanitizerMode == "escape" {
		return safety.ModeEscape
	}
	return safety.ModeStrict
}

func (c Config) transportConfig() transport.Config {
	return transport.Config{
		URL:               c.WSEndpoint,
		APIKey:            c.APIKey,
		MaxAttempts:       c.Reconnect.MaxAttempts,
		BaseInterval:      c.Reconnect.BaseInterval,
		ConnectionTimeout: c.Reconnect.ConnectionTimeout,
		HeartbeatInterval: c.Reconnect.HeartbeatInterval,
	}
}

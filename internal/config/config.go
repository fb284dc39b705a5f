// ABOUTME: Configuration loading and parsing for muse-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete muse-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Discord    DiscordConfig    `yaml:"discord"`
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Generation GenerationConfig `yaml:"generation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	BearerToken string `yaml:"bearer_token"`
}

// DiscordConfig holds credentials and channel routing for the automation bot
type DiscordConfig struct {
	GatewayURL     string `yaml:"gateway_url"`
	APIBase        string `yaml:"api_base"`
	Token          string `yaml:"token"`
	BotID          string `yaml:"bot_id"`
	GuildID        string `yaml:"guild_id"`
	ChannelID      string `yaml:"channel_id"`
	CommandID      string `yaml:"command_id"`
	CommandVersion string `yaml:"command_version"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig holds artifact storage configuration
type StorageConfig struct {
	Dir     string `yaml:"dir"`
	BaseURL string `yaml:"base_url"`
}

// GatewayConfig holds connection policy for the gateway session.
// Zero values are replaced with defaults by Load.
type GatewayConfig struct {
	ConnectTimeout       time.Duration `yaml:"-"`
	ReadyTimeout         time.Duration `yaml:"-"`
	ReconnectDelay       time.Duration `yaml:"-"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`

	// Raw string values for YAML unmarshaling
	ConnectTimeoutRaw string `yaml:"connect_timeout"`
	ReadyTimeoutRaw   string `yaml:"ready_timeout"`
	ReconnectDelayRaw string `yaml:"reconnect_delay"`
}

// GenerationConfig holds timing policy for the generation pipeline.
type GenerationConfig struct {
	ClickInterval  time.Duration `yaml:"-"`
	CleanupGrace   time.Duration `yaml:"-"`
	StuckTimeout   time.Duration `yaml:"-"`
	ReadRetryDelay time.Duration `yaml:"-"`
	ReadRetryMax   int           `yaml:"read_retry_max"`

	ClickIntervalRaw  string `yaml:"click_interval"`
	CleanupGraceRaw   string `yaml:"cleanup_grace"`
	StuckTimeoutRaw   string `yaml:"stuck_timeout"`
	ReadRetryDelayRaw string `yaml:"read_retry_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Policy defaults. The reconnect and click timings are deliberately fixed-delay
// (not exponential): 5 attempts x 30s bounds total retry time to 2.5 minutes.
const (
	DefaultConnectTimeout       = 30 * time.Second
	DefaultReadyTimeout         = 30 * time.Second
	DefaultReconnectDelay       = 30 * time.Second
	DefaultReconnectMaxAttempts = 5
	DefaultClickInterval        = 10 * time.Second
	DefaultCleanupGrace         = 1 * time.Second
	DefaultStuckTimeout         = 10 * time.Minute
	DefaultReadRetryDelay       = 1 * time.Second
	DefaultReadRetryMax         = 3
)

// DefaultGatewayURL is the wire endpoint for the bot gateway.
const DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// DefaultAPIBase is the out-of-band HTTP API used for interactions.
const DefaultAPIBase = "https://discord.com/api/v10"

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued policy fields.
func (c *Config) applyDefaults() {
	if c.Discord.GatewayURL == "" {
		c.Discord.GatewayURL = DefaultGatewayURL
	}
	if c.Discord.APIBase == "" {
		c.Discord.APIBase = DefaultAPIBase
	}
	if c.Gateway.ConnectTimeout == 0 {
		c.Gateway.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Gateway.ReadyTimeout == 0 {
		c.Gateway.ReadyTimeout = DefaultReadyTimeout
	}
	if c.Gateway.ReconnectDelay == 0 {
		c.Gateway.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Gateway.ReconnectMaxAttempts == 0 {
		c.Gateway.ReconnectMaxAttempts = DefaultReconnectMaxAttempts
	}
	if c.Generation.ClickInterval == 0 {
		c.Generation.ClickInterval = DefaultClickInterval
	}
	if c.Generation.CleanupGrace == 0 {
		c.Generation.CleanupGrace = DefaultCleanupGrace
	}
	if c.Generation.StuckTimeout == 0 {
		c.Generation.StuckTimeout = DefaultStuckTimeout
	}
	if c.Generation.ReadRetryDelay == 0 {
		c.Generation.ReadRetryDelay = DefaultReadRetryDelay
	}
	if c.Generation.ReadRetryMax == 0 {
		c.Generation.ReadRetryMax = DefaultReadRetryMax
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Server.BearerToken == "" {
		return fmt.Errorf("server.bearer_token is required")
	}
	if c.Discord.Token == "" {
		return fmt.Errorf("discord.token is required")
	}
	if c.Discord.BotID == "" {
		return fmt.Errorf("discord.bot_id is required")
	}
	if c.Discord.GuildID == "" {
		return fmt.Errorf("discord.guild_id is required")
	}
	if c.Discord.ChannelID == "" {
		return fmt.Errorf("discord.channel_id is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is required")
	}
	if c.Storage.BaseURL == "" {
		return fmt.Errorf("storage.base_url is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Gateway.ConnectTimeoutRaw, &cfg.Gateway.ConnectTimeout, "gateway.connect_timeout"},
		{cfg.Gateway.ReadyTimeoutRaw, &cfg.Gateway.ReadyTimeout, "gateway.ready_timeout"},
		{cfg.Gateway.ReconnectDelayRaw, &cfg.Gateway.ReconnectDelay, "gateway.reconnect_delay"},
		{cfg.Generation.ClickIntervalRaw, &cfg.Generation.ClickInterval, "generation.click_interval"},
		{cfg.Generation.CleanupGraceRaw, &cfg.Generation.CleanupGrace, "generation.cleanup_grace"},
		{cfg.Generation.StuckTimeoutRaw, &cfg.Generation.StuckTimeout, "generation.stuck_timeout"},
		{cfg.Generation.ReadRetryDelayRaw, &cfg.Generation.ReadRetryDelay, "generation.read_retry_delay"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

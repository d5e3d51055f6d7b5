// Package config loads the chat client configuration from YAML with
// environment variable expansion and overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the chat client.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Chat    ChatConfig    `yaml:"chat"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	// BaseURL is the REST API root, e.g. https://tasks.example.com/api
	BaseURL string `yaml:"base_url"`

	// WSURL is the real-time channel endpoint, e.g. wss://tasks.example.com/ws.
	// When empty it is derived from BaseURL.
	WSURL string `yaml:"ws_url"`

	// RequestTimeout bounds each REST call.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type AuthConfig struct {
	// Token is the bearer credential. Usually supplied via $TASKCHAT_TOKEN
	// rather than written into the file.
	Token string `yaml:"token"`
}

type ChatConfig struct {
	// PageSize is the number of messages fetched per history page.
	PageSize int `yaml:"page_size"`

	// TypingDebounce is the silence window after which a typing_stop is
	// sent automatically.
	TypingDebounce time.Duration `yaml:"typing_debounce"`

	// TypingExpiry is the hard TTL on a remote typing indicator.
	TypingExpiry time.Duration `yaml:"typing_expiry"`

	// SendConfirmTimeout is how long a channel-sent message may wait for
	// its echo before the client falls back to REST confirmation.
	SendConfirmTimeout time.Duration `yaml:"send_confirm_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path, expands $VAR references, applies
// defaults and environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads path when the file exists. When path is empty or the
// file is missing, defaults plus environment overrides are used instead, so
// a fully env-configured client needs no file at all.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := Default()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = 10 * time.Second
	}
	if cfg.Chat.PageSize <= 0 {
		cfg.Chat.PageSize = 50
	}
	if cfg.Chat.TypingDebounce <= 0 {
		cfg.Chat.TypingDebounce = 3 * time.Second
	}
	if cfg.Chat.TypingExpiry <= 0 {
		cfg.Chat.TypingExpiry = 5 * time.Second
	}
	if cfg.Chat.SendConfirmTimeout <= 0 {
		cfg.Chat.SendConfirmTimeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// applyEnvOverrides lets the environment win over the file for the values
// that differ between deployments.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TASKCHAT_BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("TASKCHAT_WS_URL"); v != "" {
		cfg.Server.WSURL = v
	}
	if v := os.Getenv("TASKCHAT_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("TASKCHAT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration and derives WSURL when absent.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if c.Server.WSURL == "" {
		c.Server.WSURL = deriveWSURL(c.Server.BaseURL)
	}
	if c.Chat.PageSize > 500 {
		return fmt.Errorf("chat.page_size must be at most 500")
	}
	return nil
}

// deriveWSURL maps an http(s) API root to the ws(s) endpoint on the same host.
func deriveWSURL(baseURL string) string {
	ws := baseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimRight(ws, "/") + "/socket"
}

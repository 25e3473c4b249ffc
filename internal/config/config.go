// Package config loads server and client settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// ServerConfig configures the mcpsse serve command. ENV names are given per field.
type ServerConfig struct {
	// Host to listen on. ENV: MCP_SERVER_HOST
	Host string `env:"MCP_SERVER_HOST,default=127.0.0.1"`
	// Port to listen on. ENV: MCP_SERVER_PORT
	Port int `env:"MCP_SERVER_PORT,default=12000,strict"`
	// PublicURL is the externally reachable base URL used in endpoint announcements.
	// Derived from Host and Port when empty. ENV: MCP_PUBLIC_URL
	PublicURL string `env:"MCP_PUBLIC_URL"`
	// HandlerTimeout bounds a single handler invocation. ENV: MCP_HANDLER_TIMEOUT
	HandlerTimeout time.Duration `env:"MCP_HANDLER_TIMEOUT,default=30s,strict"`
	// HeartbeatInterval between heartbeat events, 0 disables them. ENV: MCP_HEARTBEAT_INTERVAL
	HeartbeatInterval time.Duration `env:"MCP_HEARTBEAT_INTERVAL,default=30s,strict"`
	// MaxBodyBytes bounds posted request bodies. ENV: MCP_MAX_BODY_BYTES
	MaxBodyBytes int64 `env:"MCP_MAX_BODY_BYTES,default=1048576,strict"`
	// RedisAddr like "localhost:6379" selects the Redis prompt store. ENV: MCP_REDIS_ADDR
	RedisAddr string `env:"MCP_REDIS_ADDR"`
	// RedisKeyPrefix for prompt keys. ENV: MCP_REDIS_KEY_PREFIX
	RedisKeyPrefix string `env:"MCP_REDIS_KEY_PREFIX,default=mcp:prompts:"`
	// PromptsFile selects the file prompt store when RedisAddr is empty. ENV: MCP_PROMPTS_FILE
	PromptsFile string `env:"MCP_PROMPTS_FILE"`
	// LogLevel is one of debug, info, warn, error. ENV: MCP_LOG_LEVEL
	LogLevel slog.Level `env:"MCP_LOG_LEVEL,default=info"`
	// Tracing exports dispatcher spans to stderr. ENV: MCP_TRACING
	Tracing bool `env:"MCP_TRACING,default=false"`
}

// ClientConfig configures the mcpsse client command.
type ClientConfig struct {
	// ServerURL is the base URL of the server. ENV: MCP_SERVER_URL
	ServerURL string `env:"MCP_SERVER_URL,default=http://127.0.0.1:12000"`
	// Prompt sent with the sample call. ENV: MCP_CLIENT_PROMPT
	Prompt string `env:"MCP_CLIENT_PROMPT,default=Explain the Model Context Protocol in one sentence."`
	// Timeout for the whole exchange. ENV: MCP_CLIENT_TIMEOUT
	Timeout time.Duration `env:"MCP_CLIENT_TIMEOUT,default=30s,strict"`
	// LogLevel is one of debug, info, warn, error. ENV: MCP_LOG_LEVEL
	LogLevel slog.Level `env:"MCP_LOG_LEVEL,default=info"`
}

// LoadServer decodes a ServerConfig from the environment.
func LoadServer() (ServerConfig, error) {
	var cfg ServerConfig
	if err := decode(&cfg); err != nil {
		return ServerConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// LoadClient decodes a ClientConfig from the environment.
func LoadClient() (ClientConfig, error) {
	var cfg ClientConfig
	if err := decode(&cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func decode(target any) error {
	if err := envdecode.Decode(target); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to decode environment: %w", err)
	}
	return nil
}

// Validate checks value ranges that the environment decoder cannot express.
func (c ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.HandlerTimeout < 0 {
		return fmt.Errorf("handler timeout must not be negative, got %s", c.HandlerTimeout)
	}
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("heartbeat interval must not be negative, got %s", c.HeartbeatInterval)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive, got %d", c.MaxBodyBytes)
	}
	return nil
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// BaseURL returns PublicURL, or a URL derived from the listen address.
func (c ServerConfig) BaseURL() string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}
	return "http://" + c.Addr()
}

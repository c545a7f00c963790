// Package config provides configuration management for the acprelay broker.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/acprelay/acprelay/internal/common/logger"
)

// Config holds all configuration sections for the broker.
type Config struct {
	Server  ServerConfig         `mapstructure:"server"`
	Git     GitConfig            `mapstructure:"git"`
	NATS    NATSConfig           `mapstructure:"nats"`
	Agents  AgentsConfig         `mapstructure:"agents"`
	Logging logger.LoggingConfig `mapstructure:"logging"`
	RPCLog  RPCLogConfig         `mapstructure:"rpclog"`
}

// ServerConfig holds WebSocket/HTTP server configuration.
type ServerConfig struct {
	Port              int    `mapstructure:"port"`
	Path              string `mapstructure:"path"`              // WebSocket path prefix
	BindHost          string `mapstructure:"bindHost"`          // listen address
	AdvertiseHost     string `mapstructure:"advertiseHost"`     // host used in logged URLs
	AdvertiseProtocol string `mapstructure:"advertiseProtocol"` // ws or wss
	Token             string `mapstructure:"token"`             // empty disables auth
	RequestTimeoutMs  int    `mapstructure:"requestTimeoutMs"`
	SessionIdleTtlMs  int    `mapstructure:"sessionIdleTtlMs"`
}

// GitConfig holds git workspace configuration.
type GitConfig struct {
	Root      string            `mapstructure:"root"`    // default parent dir for clones and worktrees
	RootMap   map[string]string `mapstructure:"rootMap"` // repo key -> root dir overrides
	UserName  string            `mapstructure:"userName"`
	UserEmail string            `mapstructure:"userEmail"`
	Push      bool              `mapstructure:"push"` // false skips git push (commit still occurs)
}

// NATSConfig holds optional NATS event bus configuration. An empty URL means
// the in-memory bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentsConfig locates the agent-servers definition file.
type AgentsConfig struct {
	File string `mapstructure:"file"`
}

// RPCLogConfig shapes JSON-RPC payload logging.
type RPCLogConfig struct {
	PayloadLimit int `mapstructure:"payloadLimit"` // bytes, 0 = unlimited
	CoalesceMs   int `mapstructure:"coalesceMs"`   // session/update coalescing window
}

// RequestTimeout returns the per-request timeout as a time.Duration.
func (s *ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMs) * time.Millisecond
}

// SessionIdleTTL returns the idle session TTL as a time.Duration.
func (s *ServerConfig) SessionIdleTTL() time.Duration {
	return time.Duration(s.SessionIdleTtlMs) * time.Millisecond
}

// NormalizedPath returns the WebSocket path with trailing slashes stripped.
func (s *ServerConfig) NormalizedPath() string {
	p := strings.TrimRight(s.Path, "/")
	if p == "" {
		p = "/acp"
	}
	return p
}

// AdvertiseURL returns the URL logged at startup for clients to connect to.
func (s *ServerConfig) AdvertiseURL() string {
	host := s.AdvertiseHost
	if host == "" {
		host = "localhost"
	}
	proto := s.AdvertiseProtocol
	if proto == "" {
		proto = "ws"
	}
	return fmt.Sprintf("%s://%s:%d%s", proto, host, s.Port, s.NormalizedPath())
}

// CoalesceWindow returns the session/update coalescing window.
func (r *RPCLogConfig) CoalesceWindow() time.Duration {
	return time.Duration(r.CoalesceMs) * time.Millisecond
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8137)
	v.SetDefault("server.path", "/acp")
	v.SetDefault("server.bindHost", "0.0.0.0")
	v.SetDefault("server.advertiseHost", "localhost")
	v.SetDefault("server.advertiseProtocol", "ws")
	v.SetDefault("server.token", "")
	v.SetDefault("server.requestTimeoutMs", 60_000)
	v.SetDefault("server.sessionIdleTtlMs", 300_000)

	v.SetDefault("git.root", "")
	v.SetDefault("git.rootMap", map[string]string{})
	v.SetDefault("git.userName", "ACP Remote")
	v.SetDefault("git.userEmail", "acp-remote@localhost")
	v.SetDefault("git.push", true)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "acprelay")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("agents.file", "agents.json")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("rpclog.payloadLimit", 2048)
	v.SetDefault("rpclog.coalesceMs", 1000)
}

// Load reads configuration from environment variables, an optional config
// file, and defaults. Environment variables use the prefix ACPRELAY_ and win
// over file values.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified directory or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ACPRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase config keys, so bind the ones
	// whose env spelling differs.
	_ = v.BindEnv("server.bindHost", "ACPRELAY_SERVER_BIND_HOST")
	_ = v.BindEnv("server.advertiseHost", "ACPRELAY_SERVER_ADVERTISE_HOST")
	_ = v.BindEnv("server.advertiseProtocol", "ACPRELAY_SERVER_ADVERTISE_PROTOCOL")
	_ = v.BindEnv("server.requestTimeoutMs", "ACPRELAY_SERVER_REQUEST_TIMEOUT_MS")
	_ = v.BindEnv("server.sessionIdleTtlMs", "ACPRELAY_SERVER_SESSION_IDLE_TTL_MS")
	_ = v.BindEnv("git.userName", "ACPRELAY_GIT_USER_NAME")
	_ = v.BindEnv("git.userEmail", "ACPRELAY_GIT_USER_EMAIL")
	_ = v.BindEnv("agents.file", "ACPRELAY_AGENTS_FILE")

	v.SetConfigName("config")
	v.SetConfigType("json")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/acprelay/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// Relative git roots are resolved against the working directory.
	if cfg.Git.Root != "" && !filepath.IsAbs(cfg.Git.Root) {
		abs, err := filepath.Abs(cfg.Git.Root)
		if err == nil {
			cfg.Git.Root = abs
		}
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.RequestTimeoutMs <= 0 {
		errs = append(errs, "server.requestTimeoutMs must be positive")
	}
	if cfg.Server.SessionIdleTtlMs <= 0 {
		errs = append(errs, "server.sessionIdleTtlMs must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

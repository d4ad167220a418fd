package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Transport kinds for MCP servers.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Config root configuration
type Config struct {
	MCP MCPConfig `mapstructure:"mcp"`
	Log LogConfig `mapstructure:"log"`
}

// MCPConfig holds the configured MCP server set.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `mapstructure:"servers"`
}

// MCPServerConfig describes one MCP server endpoint. Immutable once loaded.
type MCPServerConfig struct {
	Transport string `mapstructure:"transport"` // stdio | http; inferred when empty

	// Subprocess transport.
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Dir     string            `mapstructure:"dir"`

	// HTTP transport.
	URL          string            `mapstructure:"url"`
	Headers      map[string]string `mapstructure:"headers"`
	AllowedHosts []string          `mapstructure:"allowed_hosts"`

	Enabled       *bool  `mapstructure:"enabled"`
	Authorization string `mapstructure:"authorization"` // pre_approved | ask
	MaxFrameBytes int    `mapstructure:"max_frame_bytes"`
}

// Kind returns the effective transport, inferring it from the populated
// fields when the transport key is omitted.
func (c MCPServerConfig) Kind() string {
	switch strings.ToLower(strings.TrimSpace(c.Transport)) {
	case TransportStdio:
		return TransportStdio
	case TransportHTTP:
		return TransportHTTP
	case "":
		if strings.TrimSpace(c.Command) != "" {
			return TransportStdio
		}
		if strings.TrimSpace(c.URL) != "" {
			return TransportHTTP
		}
	}
	return strings.ToLower(strings.TrimSpace(c.Transport))
}

// IsMCPServerEnabled reports whether the server participates; servers are
// enabled unless the config says otherwise.
func IsMCPServerEnabled(cfg MCPServerConfig) bool {
	return cfg.Enabled == nil || *cfg.Enabled
}

// LogConfig application logging settings
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		MCP: MCPConfig{Servers: map[string]MCPServerConfig{}},
		Log: LogConfig{Level: "info"},
	}
}

// ConfigDir returns the wisp configuration directory.
func ConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".wisp")
}

// ConfigPath returns the configuration file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load reads config from disk, creating the default file on first run.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := ConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := Save(cfg); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("WISP")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to file
func Save(cfg *Config) error {
	configPath := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks that the configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	for name, server := range c.MCP.Servers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("mcp.servers contains an entry with an empty name")
		}
		switch server.Kind() {
		case TransportStdio:
			if strings.TrimSpace(server.Command) == "" {
				return fmt.Errorf("mcp.servers.%s: stdio transport requires command", name)
			}
		case TransportHTTP:
			if strings.TrimSpace(server.URL) == "" {
				return fmt.Errorf("mcp.servers.%s: http transport requires url", name)
			}
		default:
			return fmt.Errorf("mcp.servers.%s: set transport to stdio or http, or provide command or url", name)
		}
		if server.MaxFrameBytes < 0 {
			return fmt.Errorf("mcp.servers.%s: max_frame_bytes must not be negative, got %d", name, server.MaxFrameBytes)
		}
		auth := strings.ToLower(strings.TrimSpace(server.Authorization))
		if auth != "" && auth != "pre_approved" && auth != "ask" {
			return fmt.Errorf("mcp.servers.%s: authorization must be pre_approved or ask; got %q", name, server.Authorization)
		}
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	return nil
}

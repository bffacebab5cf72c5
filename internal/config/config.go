package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zep-us/cacheproxy/pkg/logger"
)

// Config holds all configuration values for the proxy
type Config struct {
	Port                   int    `mapstructure:"port"`                     // Client-facing listen port
	OpsPort                int    `mapstructure:"ops_port"`                 // Health/readiness/metrics listen port
	ProxyServer            string `mapstructure:"proxy_server"`             // Upstream proxy host; empty means talk to origins directly
	ProxyPort              int    `mapstructure:"proxy_port"`               // Upstream proxy port
	ClearCache             bool   `mapstructure:"clear_cache"`              // Empty the cache directory before serving
	MaxAgeSeconds          int64  `mapstructure:"max_age"`                  // Default freshness window for cached entries
	CacheDir               string `mapstructure:"cache_dir"`                // Root directory for cached responses
	BlacklistFile          string `mapstructure:"blacklist"`                // File of one host regex per line; optional
	Workers                int    `mapstructure:"workers"`                  // Width of the connection-servicing pool
	ShutdownDrainSeconds   int    `mapstructure:"shutdown_drain_seconds"`   // Readiness-off window before closing the listener
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"` // Deadline for shutting down the ops server
}

// Flags builds the pflag set understood by the proxy binary.
// Kept separate from Load so tests and main parse the same surface.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("proxy", pflag.ContinueOnError)
	fs.Int("port", 8080, "port to accept client connections on")
	fs.Int("ops-port", 8081, "port for health, readiness, and metrics endpoints")
	fs.String("proxy-server", "", "chain to this upstream proxy host instead of contacting origins")
	fs.Int("proxy-port", 80, "port of the upstream proxy")
	fs.Bool("clear-cache", false, "remove all cached entries before accepting traffic")
	fs.Int64("max-age", 3600, "default cache freshness window in seconds")
	fs.String("cache-dir", "cache", "directory holding cached responses")
	fs.String("blacklist", "blocked-domains.txt", "file of disallowed server patterns, one regex per line")
	fs.Int("workers", 64, "number of connection-servicing workers")
	fs.String("config", "", "optional config file (toml)")
	return fs
}

// Load resolves configuration with precedence flags > config file > defaults
// Returns error if the configuration is unusable
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Set default values
	v.SetDefault("port", 8080)
	v.SetDefault("ops_port", 8081)
	v.SetDefault("proxy_server", "")
	v.SetDefault("proxy_port", 80)
	v.SetDefault("clear_cache", false)
	v.SetDefault("max_age", 3600)
	v.SetDefault("cache_dir", "cache")
	v.SetDefault("blacklist", "blocked-domains.txt")
	v.SetDefault("workers", 64)
	v.SetDefault("shutdown_drain_seconds", 2)
	v.SetDefault("shutdown_timeout_seconds", 10)

	// Flag spellings use dashes; config keys use underscores
	bindings := map[string]string{
		"port":         "port",
		"ops_port":     "ops-port",
		"proxy_server": "proxy-server",
		"proxy_port":   "proxy-port",
		"clear_cache":  "clear-cache",
		"max_age":      "max-age",
		"cache_dir":    "cache-dir",
		"blacklist":    "blacklist",
		"workers":      "workers",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logger.Info("Configuration file loaded from %s", v.ConfigFileUsed())
	} else if err := v.ReadInConfig(); err != nil {
		// A discoverable config file is optional; only a malformed one is fatal
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate required configuration
	if config.Port <= 0 || config.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range", config.Port)
	}
	if config.OpsPort <= 0 || config.OpsPort > 65535 {
		return nil, fmt.Errorf("ops_port %d out of range", config.OpsPort)
	}
	if config.OpsPort == config.Port {
		return nil, fmt.Errorf("ops_port must differ from port (both %d)", config.Port)
	}
	if config.ProxyServer != "" && (config.ProxyPort <= 0 || config.ProxyPort > 65535) {
		logger.Warn("proxy_port %d out of range, defaulting to 80", config.ProxyPort)
		config.ProxyPort = 80
	}
	if config.MaxAgeSeconds <= 0 {
		logger.Warn("max_age <= 0 (%d), defaulting to 3600", config.MaxAgeSeconds)
		config.MaxAgeSeconds = 3600
	}
	if config.Workers <= 0 {
		logger.Warn("workers <= 0 (%d), defaulting to 64", config.Workers)
		config.Workers = 64
	}
	if config.CacheDir == "" {
		return nil, fmt.Errorf("cache_dir is required")
	}

	logger.Info("Configuration loaded successfully")
	logger.Info("  port: %d", config.Port)
	logger.Info("  ops_port: %d", config.OpsPort)
	if config.ProxyServer != "" {
		logger.Info("  upstream proxy: %s:%d", config.ProxyServer, config.ProxyPort)
	}
	logger.Info("  clear_cache: %v", config.ClearCache)
	logger.Info("  max_age: %ds", config.MaxAgeSeconds)
	logger.Info("  cache_dir: %s", config.CacheDir)
	logger.Info("  blacklist: %s", config.BlacklistFile)
	logger.Info("  workers: %d", config.Workers)

	return &config, nil
}

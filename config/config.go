package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Fetcher backends selectable through FETCHER_BACKEND.
const (
	BackendNaive       = "naive"
	BackendAccelerated = "accelerated"
)

// Config holds the complete application configuration
type Config struct {
	// HTTP server settings
	HTTP struct {
		Address string `yaml:"address"`
		Port    string `yaml:"port"`
	} `yaml:"http"`

	// Fetch history database
	DB struct {
		Path string `yaml:"path"`
	} `yaml:"db"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	// Fetcher settings
	Fetcher struct {
		Backend         string   `yaml:"backend"`
		Concurrency     int      `yaml:"concurrency"`
		BypassCacheURLs []string `yaml:"bypass_cache_urls"`
	} `yaml:"fetcher"`

	// Network stack settings used by the accelerated backend
	Network struct {
		CacheMode     string `yaml:"cache_mode"`
		CacheMaxBytes int64  `yaml:"cache_max_bytes"`
		EnableHTTP2   bool   `yaml:"enable_http2"`
		UserAgent     string `yaml:"user_agent"`
		MaxRedirects  int    `yaml:"max_redirects"`
	} `yaml:"network"`

	// Fetch history settings
	History struct {
		Window          time.Duration `yaml:"window"`
		Retention       time.Duration `yaml:"retention"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
	} `yaml:"history"`
}

var (
	validBackends   = map[string]bool{BackendNaive: true, BackendAccelerated: true}
	validCacheModes = map[string]bool{"disabled": true, "memory": true, "disk": true}
	validLogLevels  = map[string]bool{"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true}
)

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	var errors []string

	// Validate HTTP settings
	if c.HTTP.Address == "" {
		errors = append(errors, "HTTP address is required")
	}
	if c.HTTP.Port == "" {
		errors = append(errors, "HTTP port is required")
	}

	if c.DB.Path == "" {
		errors = append(errors, "DB path is required")
	}

	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		errors = append(errors, "Log level must be one of: DEBUG, INFO, WARN, ERROR")
	}

	// Validate fetcher settings
	if !validBackends[c.Fetcher.Backend] {
		errors = append(errors, fmt.Sprintf("Fetcher backend must be %q or %q, got %q", BackendNaive, BackendAccelerated, c.Fetcher.Backend))
	}
	if c.Fetcher.Concurrency <= 0 {
		errors = append(errors, "Fetcher concurrency must be positive")
	}
	for i, u := range c.Fetcher.BypassCacheURLs {
		if strings.TrimSpace(u) == "" {
			errors = append(errors, fmt.Sprintf("Bypass cache URL %d is empty", i))
		}
	}

	// Validate network settings
	if !validCacheModes[strings.ToLower(c.Network.CacheMode)] {
		errors = append(errors, "Network cache mode must be one of: disabled, memory, disk")
	}
	if c.Network.CacheMaxBytes <= 0 {
		errors = append(errors, "Network cache max bytes must be positive")
	}
	if c.Network.MaxRedirects <= 0 {
		errors = append(errors, "Network max redirects must be positive")
	}
	if c.Network.UserAgent == "" {
		errors = append(errors, "Network user agent is required")
	}

	// Validate history settings
	if c.History.Window <= 0 {
		errors = append(errors, "History window must be positive")
	}
	if c.History.Retention <= 0 {
		errors = append(errors, "History retention must be positive")
	}
	if c.History.Retention < c.History.Window {
		errors = append(errors, "History retention must be greater than or equal to history window")
	}
	if c.History.CleanupInterval <= 0 {
		errors = append(errors, "History cleanup interval must be positive")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// Default returns a Config with sensible default values
func Default() *Config {
	cfg := &Config{}

	// HTTP defaults
	cfg.HTTP.Address = "127.0.0.1"
	cfg.HTTP.Port = "8080"

	cfg.DB.Path = "image-fetcher.db"
	cfg.Log.Level = "INFO"

	// Fetcher defaults
	cfg.Fetcher.Backend = BackendAccelerated
	cfg.Fetcher.Concurrency = 4

	// Network defaults
	cfg.Network.CacheMode = "memory"
	cfg.Network.CacheMaxBytes = 10 * 1024 * 1024 // 10MiB
	cfg.Network.EnableHTTP2 = true
	cfg.Network.UserAgent = "image-fetcher/1.0"
	cfg.Network.MaxRedirects = 20

	// History defaults
	cfg.History.Window = time.Hour
	cfg.History.Retention = 7 * 24 * time.Hour
	cfg.History.CleanupInterval = time.Hour

	return cfg
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Load loads configuration from a file (if provided) and applies environment variable overrides
func Load() (*Config, error) {
	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = "config.yaml"
	}

	var cfg *Config

	// Try to load from file if it exists
	if _, err := os.Stat(configPath); err == nil {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	} else {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	// Plain string settings
	if val := os.Getenv("HTTP_ADDRESS"); val != "" {
		cfg.HTTP.Address = val
	}
	if val := os.Getenv("HTTP_PORT"); val != "" {
		cfg.HTTP.Port = val
	}
	if val := os.Getenv("DB_PATH"); val != "" {
		cfg.DB.Path = val
	}
	if val := os.Getenv("USER_AGENT"); val != "" {
		cfg.Network.UserAgent = val
	}
	if val := os.Getenv("BYPASS_CACHE_URLS"); val != "" {
		cfg.Fetcher.BypassCacheURLs = splitList(val)
	}

	parser := &envParser{}
	parser.parseEnum("LOG_LEVEL", &cfg.Log.Level, validLogLevels, strings.ToUpper)
	parser.parseEnum("FETCHER_BACKEND", &cfg.Fetcher.Backend, validBackends, strings.ToLower)
	parser.parseEnum("CACHE_MODE", &cfg.Network.CacheMode, validCacheModes, strings.ToLower)
	parser.parseByteSize("CACHE_MAX_BYTES", &cfg.Network.CacheMaxBytes)
	parser.parseBool("ENABLE_HTTP2", &cfg.Network.EnableHTTP2)
	parser.parseInt("MAX_REDIRECTS", &cfg.Network.MaxRedirects)
	parser.parseInt("FETCH_CONCURRENCY", &cfg.Fetcher.Concurrency)
	parser.parseDuration("HISTORY_WINDOW", &cfg.History.Window)
	parser.parseDuration("HISTORY_RETENTION", &cfg.History.Retention)
	parser.parseDuration("HISTORY_CLEANUP_INTERVAL", &cfg.History.CleanupInterval)

	return parser.err()
}

// splitList splits a comma separated value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Print outputs the configuration to stdout
func (c *Config) Print() {
	fmt.Printf("httpAddress: %v\n", c.HTTP.Address)
	fmt.Printf("httpPort: %v\n", c.HTTP.Port)
	fmt.Printf("dbPath: %v\n", c.DB.Path)
	fmt.Printf("logLevel: %v\n", c.Log.Level)
	fmt.Printf("fetcherBackend: %v\n", c.Fetcher.Backend)
	fmt.Printf("fetchConcurrency: %v\n", c.Fetcher.Concurrency)
	fmt.Printf("bypassCacheUrls: %d\n", len(c.Fetcher.BypassCacheURLs))
	for _, u := range c.Fetcher.BypassCacheURLs {
		fmt.Printf("  - %s\n", u)
	}
	fmt.Printf("cacheMode: %v\n", c.Network.CacheMode)
	fmt.Printf("cacheMaxBytes: %v\n", humanize.IBytes(uint64(c.Network.CacheMaxBytes)))
	fmt.Printf("enableHttp2: %v\n", c.Network.EnableHTTP2)
	fmt.Printf("userAgent: %v\n", c.Network.UserAgent)
	fmt.Printf("maxRedirects: %v\n", c.Network.MaxRedirects)
	fmt.Printf("historyWindow: %v\n", c.History.Window)
	fmt.Printf("historyRetention: %v\n", c.History.Retention)
	fmt.Printf("historyCleanupInterval: %v\n", c.History.CleanupInterval)
}

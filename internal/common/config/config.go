package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/amoylab/polyroom/pkg/helper"
	"github.com/amoylab/polyroom/pkg/trace"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxAttempts   = 5
	DefaultBaseInterval  = 2000 * time.Millisecond
	DefaultLanguage      = "en"
	defaultWSURL         = "ws://localhost:8000"
	defaultHTTPURL       = "http://localhost:8000"
	defaultHandshake     = 10 * time.Second
	defaultFetchTimeout  = 10 * time.Second
	defaultMetricsNS     = "polyroom"
	defaultHistoryLength = 500
)

type (
	// ClientConfig is the root configuration of the polyroom client
	ClientConfig struct {
		Server    ServerConfig    `yaml:"server" toml:"server"`
		Session   SessionConfig   `yaml:"session" toml:"session"`
		Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
		History   HistoryConfig   `yaml:"history" toml:"history"`
		Logger    LoggerConfig    `yaml:"logger" toml:"logger"`
		Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
		Tracing   trace.Config    `yaml:"tracing" toml:"tracing"`
		I18n      I18nConfig      `yaml:"i18n" toml:"i18n"`
	}

	// ServerConfig locates the room service
	ServerConfig struct {
		WSURL            string        `yaml:"ws_url" toml:"ws_url"`     // ws(s)://host[:port]
		HTTPURL          string        `yaml:"http_url" toml:"http_url"` // http(s)://host[:port]
		HandshakeTimeout time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
		FetchTimeout     time.Duration `yaml:"fetch_timeout" toml:"fetch_timeout"`
	}

	// SessionConfig holds the default membership used by the CLI
	SessionConfig struct {
		Room        string `yaml:"room" toml:"room"`
		Participant string `yaml:"participant" toml:"participant"`
		Language    string `yaml:"language" toml:"language"`
	}

	// ReconnectConfig tunes the reconnect scheduler
	ReconnectConfig struct {
		MaxAttempts  int           `yaml:"max_attempts" toml:"max_attempts"`
		BaseInterval time.Duration `yaml:"base_interval" toml:"base_interval"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level" toml:"level"`             // debug, info, warn, error
		Format     string `yaml:"format" toml:"format"`           // json, console
		Output     string `yaml:"output" toml:"output"`           // stdout, stderr, file
		FilePath   string `yaml:"file_path" toml:"file_path"`     // path to log file when output is file
		MaxSize    int    `yaml:"max_size" toml:"max_size"`       // max size of log file in MB
		MaxBackups int    `yaml:"max_backups" toml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age" toml:"max_age"`         // max age of backup files in days
		Compress   bool   `yaml:"compress" toml:"compress"`       // whether to compress backup files
		Color      bool   `yaml:"color" toml:"color"`             // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace" toml:"stacktrace"`   // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone" toml:"time_zone"`     // e.g. "UTC", default is local
		TimeFormat string `yaml:"time_format" toml:"time_format"` // default is "2006-01-02 15:04:05"
	}

	// MetricsConfig controls the prometheus registry and the status server
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled" toml:"enabled"`
		Namespace string    `yaml:"namespace" toml:"namespace"`
		Addr      string    `yaml:"addr" toml:"addr"` // status server listen address, empty disables it
		Buckets   []float64 `yaml:"buckets" toml:"buckets"`
	}

	// I18nConfig selects the fallback language of CLI notices
	I18nConfig struct {
		Default string `yaml:"default" toml:"default"`
		Dir     string `yaml:"dir" toml:"dir"` // extra or overriding *.toml catalogs
	}
)

// LoadConfig loads configuration from a YAML or TOML file with environment variable support
func LoadConfig(filename string) (*ClientConfig, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	data = resolveEnv(data)
	var cfg ClientConfig
	if strings.EqualFold(filepath.Ext(cfgPath), ".toml") {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, cfgPath, err
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, err
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, err
	}
	return &cfg, cfgPath, nil
}

// Default returns a configuration with every default applied, used when no file is given
func Default() *ClientConfig {
	cfg := &ClientConfig{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero values
func (c *ClientConfig) SetDefaults() {
	if c.Server.WSURL == "" {
		c.Server.WSURL = defaultWSURL
	}
	if c.Server.HTTPURL == "" {
		c.Server.HTTPURL = defaultHTTPURL
	}
	if c.Server.HandshakeTimeout <= 0 {
		c.Server.HandshakeTimeout = defaultHandshake
	}
	if c.Server.FetchTimeout <= 0 {
		c.Server.FetchTimeout = defaultFetchTimeout
	}
	if c.Session.Language == "" {
		c.Session.Language = DefaultLanguage
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	if c.Reconnect.BaseInterval <= 0 {
		c.Reconnect.BaseInterval = DefaultBaseInterval
	}
	if c.History.Type == "" {
		c.History.Type = "memory"
	}
	if c.History.MaxEntries <= 0 {
		c.History.MaxEntries = defaultHistoryLength
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = defaultMetricsNS
	}
	if c.I18n.Default == "" {
		c.I18n.Default = DefaultLanguage
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "polyroom"
	}
}

// resolveEnv replaces environment variable placeholders in config content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}

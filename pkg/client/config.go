package client

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Config holds the runtime settings of a Client.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Host is the XMPP domain sent in <open to=...>. Defaults to the URL host.
	Host string

	ReconnectBase      time.Duration
	ReconnectCap       time.Duration
	MaxOfflineAttempts int

	ConnectTimeout time.Duration
	PingIdle       time.Duration
	PongTimeout    time.Duration
	RequestTimeout time.Duration
	// QueueRetry is the delay before the send queue retries a stalled drain.
	QueueRetry time.Duration

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
}

// DefaultConfig returns the runtime defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectBase:      2 * time.Second,
		ReconnectCap:       30 * time.Second,
		MaxOfflineAttempts: 10,
		ConnectTimeout:     15 * time.Second,
		PingIdle:           60 * time.Second,
		PongTimeout:        20 * time.Second,
		RequestTimeout:     30 * time.Second,
		QueueRetry:         500 * time.Millisecond,
		EventBuffer:        256,
	}
}

// withDefaults fills every zero field from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = d.ReconnectBase
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = d.ReconnectCap
	}
	if c.MaxOfflineAttempts <= 0 {
		c.MaxOfflineAttempts = d.MaxOfflineAttempts
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.PingIdle <= 0 {
		c.PingIdle = d.PingIdle
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.QueueRetry <= 0 {
		c.QueueRetry = d.QueueRetry
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.Host == "" {
		if u, err := url.Parse(c.URL); err == nil {
			c.Host = u.Hostname()
		}
	}
	return c
}

// TOMLConfig represents the structure of the client config file
type TOMLConfig struct {
	Connection ConnectionSection `toml:"connection"`
	History    HistorySection    `toml:"history"`
	Local      LocalSection      `toml:"local"`
	Logging    LoggingSection    `toml:"logging"`
}

type ConnectionSection struct {
	URL                      string `toml:"url"`
	Host                     string `toml:"host"`
	Resource                 string `toml:"resource"`
	ReconnectBaseSeconds     int    `toml:"reconnect_base_seconds"`
	ReconnectMaxDelaySeconds int    `toml:"reconnect_max_delay_seconds"`
	MaxOfflineAttempts       int    `toml:"max_offline_attempts"`
	ConnectTimeoutSeconds    int    `toml:"connect_timeout_seconds"`
	PingIdleSeconds          int    `toml:"ping_idle_seconds"`
	PongTimeoutSeconds       int    `toml:"pong_timeout_seconds"`
}

type HistorySection struct {
	TargetCount           int `toml:"target_count"`
	PageSize              int `toml:"page_size"`
	BatchSize             int `toml:"batch_size"`
	BatchDelayMillis      int `toml:"batch_delay_ms"`
	PollIntervalSeconds   int `toml:"poll_interval_seconds"`
	RequestTimeoutSeconds int `toml:"request_timeout_seconds"`
}

type LocalSection struct {
	CacheDB     string `toml:"cache_db"`
	CacheWindow int    `toml:"cache_window"`
}

type LoggingSection struct {
	Level string `toml:"level"` // logrus level name
}

// ConfigError represents a structured configuration error
type ConfigError struct {
	Path       string
	Message    string
	LineNumber int // 0 if not a parse error
}

func (e *ConfigError) Error() string {
	if e.LineNumber > 0 {
		return fmt.Sprintf("%s (line %d)", e.Message, e.LineNumber)
	}
	return e.Message
}

// getXDGDataHome returns the XDG data directory
func getXDGDataHome() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return xdg
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".local", "share")
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Connection: ConnectionSection{
			URL:                      "wss://localhost:5443/ws",
			Resource:                 "chatcore",
			ReconnectBaseSeconds:     2,
			ReconnectMaxDelaySeconds: 30,
			MaxOfflineAttempts:       10,
			ConnectTimeoutSeconds:    15,
			PingIdleSeconds:          60,
			PongTimeoutSeconds:       20,
		},
		History: HistorySection{
			TargetCount:           50,
			PageSize:              50,
			BatchSize:             5,
			BatchDelayMillis:      1000,
			PollIntervalSeconds:   5,
			RequestTimeoutSeconds: 30,
		},
		Local: LocalSection{
			CacheDB:     filepath.Join(getXDGDataHome(), "chatcore", "messages.db"),
			CacheWindow: 200,
		},
		Logging: LoggingSection{
			Level: "info",
		},
	}
}

// LoadClientConfig loads configuration from a TOML file, creates default if not found
func LoadClientConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// If we can't write, just return defaults without error
			// (might be a permissions issue, but we can still run)
			return config, nil
		}
		return config, nil
	}

	// Unset keys keep their defaults
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, &ConfigError{
			Path:       path,
			Message:    cleanErrorMessage(err.Error()),
			LineNumber: extractLineNumber(err.Error()),
		}
	}

	if err := validateConfig(&config); err != nil {
		return TOMLConfig{}, &ConfigError{
			Path:    path,
			Message: err.Error(),
		}
	}

	return config, nil
}

var lineNumberPattern = regexp.MustCompile(`line (\d+)`)

// extractLineNumber tries to extract a line number from a TOML parse error
func extractLineNumber(errMsg string) int {
	// TOML errors typically format like "line 12: ..." or "at line 12"
	matches := lineNumberPattern.FindStringSubmatch(errMsg)
	if len(matches) > 1 {
		if num, err := strconv.Atoi(matches[1]); err == nil {
			return num
		}
	}
	return 0
}

// cleanErrorMessage removes redundant parts from error messages
func cleanErrorMessage(errMsg string) string {
	return strings.TrimPrefix(errMsg, "toml: ")
}

// validateConfig validates configuration values
func validateConfig(config *TOMLConfig) error {
	var errors []string

	if u, err := url.Parse(config.Connection.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errors = append(errors, fmt.Sprintf("Invalid server url: %q (must be ws:// or wss://)", config.Connection.URL))
	}

	if config.Connection.ReconnectBaseSeconds < 0 || config.Connection.ReconnectMaxDelaySeconds < 0 {
		errors = append(errors, "Reconnect delays cannot be negative")
	} else if config.Connection.ReconnectMaxDelaySeconds < config.Connection.ReconnectBaseSeconds {
		errors = append(errors, "Reconnect max delay cannot be less than the base delay")
	}

	if config.Connection.MaxOfflineAttempts < 0 {
		errors = append(errors, "Max offline attempts cannot be negative")
	}

	if config.History.PageSize < 0 || config.History.PageSize > 500 {
		errors = append(errors, fmt.Sprintf("Invalid history page size: %d (must be 0-500)", config.History.PageSize))
	}

	if config.History.BatchSize < 0 {
		errors = append(errors, "History batch size cannot be negative")
	}

	if config.Local.CacheWindow < 0 {
		errors = append(errors, "Cache window cannot be negative")
	}

	if config.Logging.Level != "" {
		if _, err := logrus.ParseLevel(config.Logging.Level); err != nil {
			errors = append(errors, fmt.Sprintf("Invalid log level: %q", config.Logging.Level))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("Configuration validation failed:\n  • %s", strings.Join(errors, "\n  • "))
	}

	return nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# chatcore client configuration
# This file was auto-generated with default values
# Edit as needed - changes take effect on next client start

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ClientConfig converts the file settings into runtime settings.
func (c *TOMLConfig) ClientConfig() Config {
	seconds := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return Config{
		URL:                c.Connection.URL,
		Host:               c.Connection.Host,
		ReconnectBase:      seconds(c.Connection.ReconnectBaseSeconds),
		ReconnectCap:       seconds(c.Connection.ReconnectMaxDelaySeconds),
		MaxOfflineAttempts: c.Connection.MaxOfflineAttempts,
		ConnectTimeout:     seconds(c.Connection.ConnectTimeoutSeconds),
		PingIdle:           seconds(c.Connection.PingIdleSeconds),
		PongTimeout:        seconds(c.Connection.PongTimeoutSeconds),
		RequestTimeout:     seconds(c.History.RequestTimeoutSeconds),
	}.withDefaults()
}

// GetCacheDBPath returns the cache database path with ~ expanded
func (c *TOMLConfig) GetCacheDBPath() (string, error) {
	return expandHome(c.Local.CacheDB)
}

// LogLevel returns the configured logrus level, info when unset.
func (c *TOMLConfig) LogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// ResetConfigToDefault resets the config file to default values
// If backup is true and the file exists, creates a backup with timestamp
func ResetConfigToDefault(path string, backup bool) error {
	path, err := expandHome(path)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); backup && err == nil {
		backupPath := fmt.Sprintf("%s.backup-%s", path, time.Now().Format("2006-01-02"))
		if err := copyFile(path, backupPath); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
	}

	if err := writeDefaultConfig(path, DefaultTOMLConfig()); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	return nil
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}

// copyFile copies a file from src to dst
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

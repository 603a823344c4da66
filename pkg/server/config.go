package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Listener ListenerSection `toml:"listener"`
	Handler  HandlerSection  `toml:"handler"`
	Metrics  MetricsSection  `toml:"metrics"`
	Journal  JournalSection  `toml:"journal"`
	Log      LogSection      `toml:"log"`
}

type ListenerSection struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	IPv6         bool   `toml:"ipv6"`
	Backlog      int    `toml:"backlog"`
	ReuseAddress *bool  `toml:"reuse_address"`
}

type HandlerSection struct {
	BufferSize          int    `toml:"buffer_size"`
	Reply               string `toml:"reply"`
	ReadTimeoutSeconds  int    `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds"`
}

type MetricsSection struct {
	Addr string `toml:"addr"`
}

type JournalSection struct {
	Path           string `toml:"path"`
	RetentionHours int    `toml:"retention_hours"`
}

type LogSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	reuse := true
	return TOMLConfig{
		Listener: ListenerSection{
			Host:         "127.0.0.1",
			Port:         7878,
			Backlog:      128,
			ReuseAddress: &reuse,
		},
		Handler: HandlerSection{
			BufferSize: 64,
			Reply:      "world",
		},
		Journal: JournalSection{
			RetentionHours: 168, // 7 days
		},
		Log: LogSection{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// A read-only home directory should not stop the server from starting.
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# memdb-socket server configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values fall back
// to DefaultConfig.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Listener.Host) != "" {
		cfg.Host = strings.TrimSpace(c.Listener.Host)
	}
	if c.Listener.Port != 0 {
		cfg.Port = c.Listener.Port
	}
	cfg.IPv6 = c.Listener.IPv6
	if c.Listener.Backlog != 0 {
		cfg.Backlog = c.Listener.Backlog
	}
	if c.Listener.ReuseAddress != nil {
		cfg.ReuseAddress = *c.Listener.ReuseAddress
	}

	if c.Handler.BufferSize != 0 {
		cfg.BufferSize = c.Handler.BufferSize
	}
	if c.Handler.Reply != "" {
		cfg.Reply = c.Handler.Reply
	}
	if c.Handler.ReadTimeoutSeconds != 0 {
		cfg.ReadTimeout = time.Duration(c.Handler.ReadTimeoutSeconds) * time.Second
	}
	if c.Handler.WriteTimeoutSeconds != 0 {
		cfg.WriteTimeout = time.Duration(c.Handler.WriteTimeoutSeconds) * time.Second
	}

	cfg.MetricsAddr = c.Metrics.Addr
	cfg.JournalPath = c.Journal.Path
	if c.Journal.RetentionHours != 0 {
		cfg.JournalRetention = time.Duration(c.Journal.RetentionHours) * time.Hour
	}

	if c.Log.Level != "" {
		cfg.LogLevel = c.Log.Level
	}
	if c.Log.Format != "" {
		cfg.LogFormat = c.Log.Format
	}

	return cfg
}

// GetJournalPath returns the journal path with ~ expanded
func (c *TOMLConfig) GetJournalPath() (string, error) {
	if c.Journal.Path == "" {
		return "", nil
	}
	return expandHome(c.Journal.Path)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

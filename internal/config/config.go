// Package config handles configuration loading, validation, and
// persistence for the Adjutant console.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 5800
	DefaultRCONPort   = 27015
)

// Config is the root configuration structure for Adjutant.
type Config struct {
	mu   sync.RWMutex
	path string

	Servers         []ServerEntry   `json:"servers"`
	ApplicationData ApplicationData `json:"application_data"`
}

// ServerEntry describes one game server console the manager can
// address by name.
type ServerEntry struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Password string `json:"rcon_password"`
	Default  bool   `json:"default"`
}

// ApplicationData contains application-level configuration.
type ApplicationData struct {
	Timeouts TimeoutConfig `json:"timeouts"`
	API      APIConfig     `json:"api"`
	MQTT     MQTTConfig    `json:"mqtt"`
	History  HistoryConfig `json:"history"`
	Watch    WatchConfig   `json:"watch"`
	Logging  LoggingConfig `json:"logging"`
}

// TimeoutConfig bounds whole protocol operations, in seconds.
type TimeoutConfig struct {
	ConnectSeconds int `json:"connect_sec"`
	CommandSeconds int `json:"command_sec"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	Enabled            bool     `json:"enabled"`
	Port               int      `json:"port"`
	AllowedOrigins     []string `json:"allowed_origins"`
	StatusCacheSeconds int      `json:"status_cache_sec"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	ClientID  string `json:"client_id"`
	BaseTopic string `json:"base_topic"`
}

// HistoryConfig holds command history settings.
type HistoryConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// WatchConfig holds the periodic watch-command settings.
type WatchConfig struct {
	Enabled     bool     `json:"enabled"`
	IntervalSec int      `json:"interval_sec"`
	Commands    []string `json:"commands"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level"`
	Directory string `json:"directory"`
}

// DefaultConfig returns a configuration with sensible defaults and no
// servers; servers come from the file or the setup wizard.
func DefaultConfig() *Config {
	return &Config{
		ApplicationData: ApplicationData{
			Timeouts: TimeoutConfig{
				ConnectSeconds: 30,
				CommandSeconds: 30,
			},
			API: APIConfig{
				Enabled:            true,
				Port:               DefaultAPIPort,
				StatusCacheSeconds: 15,
			},
			MQTT: MQTTConfig{
				Port:      8883,
				UseTLS:    true,
				BaseTopic: "adjutant",
			},
			History: HistoryConfig{
				Enabled:       true,
				Path:          filepath.Join(DefaultConfigDir, "history.db"),
				RetentionDays: 30,
			},
			Watch: WatchConfig{
				IntervalSec: 60,
				Commands:    []string{"status"},
			},
			Logging: LoggingConfig{
				Level:     "info",
				Directory: "logs",
			},
		},
	}
}

// Load reads configuration from a JSON file, overlaying the file's
// contents over the defaults. A missing file is created with defaults.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Int("servers", len(cfg.Servers)).Msg("configuration loaded")

	// Re-save so the file always carries the complete option set,
	// including defaults introduced after it was first written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServers returns a copy of the configured server list.
func (c *Config) GetServers() []ServerEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	servers := make([]ServerEntry, len(c.Servers))
	copy(servers, c.Servers)
	return servers
}

// FindServer looks a server up by name.
func (c *Config) FindServer(name string) (ServerEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerEntry{}, false
}

// DefaultServer returns the entry marked default, falling back to the
// first configured server.
func (c *Config) DefaultServer() (ServerEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, s := range c.Servers {
		if s.Default {
			return s, true
		}
	}
	if len(c.Servers) > 0 {
		return c.Servers[0], true
	}
	return ServerEntry{}, false
}

// AddServer appends a server entry; names must be unique.
func (c *Config) AddServer(entry ServerEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.Servers {
		if s.Name == entry.Name {
			return fmt.Errorf("server %q already configured", entry.Name)
		}
	}
	c.Servers = append(c.Servers, entry)
	return nil
}

// RemoveServer deletes a server entry by name, reporting whether it
// existed.
func (c *Config) RemoveServer(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.Servers {
		if s.Name == name {
			c.Servers = append(c.Servers[:i], c.Servers[i+1:]...)
			return true
		}
	}
	return false
}

// GetApplicationData returns a copy of the application configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// ConnectTimeout returns the whole-operation connect timeout.
func (c *Config) ConnectTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.ApplicationData.Timeouts.ConnectSeconds) * time.Second
}

// CommandTimeout returns the whole-operation command timeout.
func (c *Config) CommandTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.ApplicationData.Timeouts.CommandSeconds) * time.Second
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun reports whether the configuration still needs initial
// setup (no servers configured yet).
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Servers) == 0
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the application configuration
type Config struct {
	Strava  StravaConfig  `json:"strava"`
	Athlete AthleteConfig `json:"athlete"`
	Sync    SyncConfig    `json:"sync"`
	Server  ServerConfig  `json:"server"`
}

// StravaConfig holds Strava API credentials
type StravaConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// AthleteConfig holds athlete-specific settings used for zone analysis
type AthleteConfig struct {
	MaxHR float64 `json:"max_hr"`
	LTHR  float64 `json:"lthr"`
	FTP   float64 `json:"ftp"`
}

// SyncConfig holds activity sync settings
type SyncConfig struct {
	WindowDays int `json:"window_days"` // how far back a sync run looks
	MinDays    int `json:"min_days"`    // minimum cached history for analysis
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr string `json:"addr"`
}

// ErrNoConfig is returned when the config file doesn't exist
var ErrNoConfig = errors.New("config file not found")

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Athlete: AthleteConfig{
			MaxHR: 180,
			LTHR:  153,
		},
		Sync: SyncConfig{
			WindowDays: 30,
			MinDays:    14,
		},
		Server: ServerConfig{
			Addr: ":5000",
		},
	}
}

// Load reads the configuration from ~/.trainsync/config.json
func Load() (*Config, error) {
	path, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNoConfig
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults for missing values
	defaults := DefaultConfig()
	if cfg.Athlete.MaxHR == 0 {
		cfg.Athlete.MaxHR = defaults.Athlete.MaxHR
	}
	if cfg.Athlete.LTHR == 0 {
		cfg.Athlete.LTHR = defaults.Athlete.LTHR
	}
	if cfg.Sync.WindowDays == 0 {
		cfg.Sync.WindowDays = defaults.Sync.WindowDays
	}
	if cfg.Sync.MinDays == 0 {
		cfg.Sync.MinDays = defaults.Sync.MinDays
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaults.Server.Addr
	}

	return &cfg, nil
}

// Save writes the configuration to ~/.trainsync/config.json
func Save(cfg *Config) error {
	path, err := getConfigPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// CreateExample creates an example config file if none exists
func CreateExample() error {
	path, err := getConfigPath()
	if err != nil {
		return err
	}

	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		return nil // Config exists, don't overwrite
	}

	example := DefaultConfig()
	example.Strava = StravaConfig{
		ClientID:     "YOUR_CLIENT_ID",
		ClientSecret: "YOUR_CLIENT_SECRET",
	}

	return Save(&example)
}

// Validate checks if the config has required fields
func (c *Config) Validate() error {
	if c.Strava.ClientID == "" || c.Strava.ClientID == "YOUR_CLIENT_ID" {
		return errors.New("strava.client_id is required - get it from https://www.strava.com/settings/api")
	}
	if c.Strava.ClientSecret == "" || c.Strava.ClientSecret == "YOUR_CLIENT_SECRET" {
		return errors.New("strava.client_secret is required - get it from https://www.strava.com/settings/api")
	}

	if c.Athlete.LTHR > 0 && c.Athlete.MaxHR > 0 && c.Athlete.LTHR >= c.Athlete.MaxHR {
		return fmt.Errorf("athlete.lthr (%v) must be less than athlete.max_hr (%v)", c.Athlete.LTHR, c.Athlete.MaxHR)
	}

	if c.Sync.WindowDays < 0 {
		return fmt.Errorf("sync.window_days must be positive, got %d", c.Sync.WindowDays)
	}
	if c.Sync.MinDays < 0 {
		return fmt.Errorf("sync.min_days must be positive, got %d", c.Sync.MinDays)
	}

	return nil
}

// getConfigPath returns the path to the config file
func getConfigPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Dir returns the path to the application data directory
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".trainsync"), nil
}

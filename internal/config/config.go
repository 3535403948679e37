// Package config persists user settings between runs: identity, connection
// defaults, and UI preferences.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

// Config stores everything the app remembers between runs.
type Config struct {
	// Name is the identity shown to peers.
	Name string `json:"name"`
	// IP and Port are the last direct-connection target.
	IP   string `json:"ip"`
	Port int    `json:"port"`
	// RendezvousAddr is the matchmaking server for hole punching.
	RendezvousAddr string `json:"rendezvous_addr"`
	// ConnTimeout is the session join timeout in seconds.
	ConnTimeout int `json:"conn_timeout"`
	// UpdateRate is how many state updates per second go out while in
	// control.
	UpdateRate int `json:"update_rate"`
	// CheckForBetas opts into prerelease update offers.
	CheckForBetas bool `json:"check_for_betas"`
	// LastAircraft is the aircraft config selected last run.
	LastAircraft string `json:"last_aircraft"`
}

// Default returns the settings used on first run.
func Default() Config {
	return Config{
		Port:        7777,
		ConnTimeout: 10,
		UpdateRate:  30,
	}
}

// DefaultPath resolves the per-user config location.
func DefaultPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".skydeck", "config.json"), nil
}

// Load reads the config at path, returning defaults when the file does not
// exist yet.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to path, creating parent directories as needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

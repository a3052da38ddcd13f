// Package config persists the desktop agent's identity and pairing
// secrets between runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chellapp/portal/internal/pairing"
)

// Config is the agent's on-disk state. The pairing secrets survive
// restarts so already-linked mobiles keep working; Regenerate rotates
// them.
type Config struct {
	DeviceID          string `yaml:"deviceId"`
	DeviceName        string `yaml:"deviceName"`
	PairingCode       string `yaml:"pairingCode"`
	PairingPassphrase string `yaml:"pairingPassphrase"`
	RelayURL          string `yaml:"relayUrl"`
	Theme             string `yaml:"theme,omitempty"`
}

// DefaultPath returns the agent config location under the user's home.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".portal/agent.yaml"
	}
	return filepath.Join(home, ".portal", "agent.yaml")
}

// Load decodes the config file. Missing files return (nil, nil).
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config with owner-only permissions; the passphrase
// is a secret.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Ensure loads the config at path, minting any missing identity or
// pairing fields, and persists the result.
func Ensure(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &Config{}
	}
	changed := false
	if cfg.DeviceID == "" {
		cfg.DeviceID = pairing.NewDeviceID()
		changed = true
	}
	if cfg.DeviceName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "desktop"
		}
		cfg.DeviceName = host
		changed = true
	}
	if cfg.PairingCode == "" {
		cfg.PairingCode = pairing.NewCode()
		changed = true
	}
	if cfg.PairingPassphrase == "" {
		cfg.PairingPassphrase = pairing.NewPassphrase()
		changed = true
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL = "ws://127.0.0.1:8787/ws"
		changed = true
	}
	if changed {
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Regenerate rotates the pairing code and passphrase. Rotation cuts
// off previously paired mobiles: the relay revokes their sessions when
// the agent next registers with the new secret.
func Regenerate(path string) (*Config, error) {
	cfg, err := Ensure(path)
	if err != nil {
		return nil, err
	}
	cfg.PairingCode = pairing.NewCode()
	cfg.PairingPassphrase = pairing.NewPassphrase()
	if err := cfg.Save(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

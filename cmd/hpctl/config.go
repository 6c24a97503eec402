package main

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// KeyServiceConfig identifies one key-holding service.
type KeyServiceConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// CLIConfig is the persistent CLI configuration.
type CLIConfig struct {
	NodeAddress string             `yaml:"node_address"`
	KeyFile     string             `yaml:"key_file"`
	SessionTTL  time.Duration      `yaml:"session_ttl"`
	KeyServices []KeyServiceConfig `yaml:"key_services"`
}

var cfg CLIConfig

// configDir returns the CLI's state directory.
func configDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".healthpassport")
}

// configPath returns the path to the CLI config file.
func configPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// loadConfig loads the CLI config from disk.
func loadConfig() {
	cfg = CLIConfig{
		NodeAddress: "http://127.0.0.1:8300",
		KeyFile:     filepath.Join(configDir(), "identity.key"),
		SessionTTL:  15 * time.Minute,
	}
	data, err := os.ReadFile(configPath())
	if err != nil {
		return // Use defaults
	}
	yaml.Unmarshal(data, &cfg) //nolint:errcheck

	if v := os.Getenv("HP_NODE_ADDR"); v != "" {
		cfg.NodeAddress = v
	}
	if v := os.Getenv("HP_KEY_FILE"); v != "" {
		cfg.KeyFile = v
	}
}

// saveConfig persists the CLI config to disk.
func saveConfig() error {
	if err := os.MkdirAll(configDir(), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(configPath(), data, 0600)
}

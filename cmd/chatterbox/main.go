package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatterbox/config.toml.
type Config struct {
	Default     ConfigDefault     `toml:"default"`
	Session     ConfigSession     `toml:"session"`
	Preferences ConfigPreferences `toml:"preferences"`
}

// ConfigDefault holds the server endpoints.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url"`
	SocketURL string `toml:"socket_url"`
}

// ConfigSession controls where the signed-in session is kept.
type ConfigSession struct {
	Path        string `toml:"path"`
	IdleMinutes int    `toml:"idle_minutes"`
}

// ConfigPreferences holds display settings. DisplayMode is "full" (the
// default) or "compact", which drops timestamps from printed messages.
type ConfigPreferences struct {
	DisplayMode string `toml:"display_mode"`
}

// ============================================================================
// Config file
// ============================================================================

// configPath returns ~/.chatterbox/config.toml, creating the directory on
// first use.
func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatterbox")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig returns the saved configuration, or the zero Config when
// nothing has been saved yet.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// saveConfig replaces the config file atomically.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "socket_url":
			cfg.Default.SocketURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "session":
		switch field {
		case "path":
			cfg.Session.Path = value
		case "idle_minutes":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("idle_minutes must be a non-negative integer")
			}
			cfg.Session.IdleMinutes = n
		default:
			return fmt.Errorf("unknown field %q in section [session]", field)
		}
	case "preferences":
		if field != "display_mode" {
			return fmt.Errorf("unknown field %q in section [preferences]", field)
		}
		if value != "full" && value != "compact" {
			return fmt.Errorf("display_mode must be full or compact")
		}
		cfg.Preferences.DisplayMode = value
	default:
		return fmt.Errorf("unknown config section %q (valid: default, session, preferences)", section)
	}
	return nil
}

// getConfigValue reads a field addressed as section.field.
func getConfigValue(cfg *Config, key string) (string, error) {
	switch key {
	case "default.base_url":
		return cfg.Default.BaseURL, nil
	case "default.socket_url":
		return cfg.Default.SocketURL, nil
	case "session.path":
		return cfg.Session.Path, nil
	case "session.idle_minutes":
		return strconv.Itoa(cfg.Session.IdleMinutes), nil
	case "preferences.display_mode":
		return cfg.Preferences.DisplayMode, nil
	}
	return "", fmt.Errorf("unknown config key %q", key)
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "chatterbox",
	Short: "ChatterBox terminal client",
	Long:  "Command-line client for ChatterBox.\nSign in, manage who you follow, and exchange direct messages in real time.",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

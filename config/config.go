// Package config persists the local session configuration: backend
// endpoint, credential bundle, and initial pagination range.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"chatsync/session"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "chatsync"
	// DefaultRangeFrom is the initial pagination window start.
	DefaultRangeFrom = 0
	// DefaultRangeTo is the initial pagination window end (exclusive).
	DefaultRangeTo = 20
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ChatConfig contains persistent session settings. The credential fields
// mirror what the host application hands the chat screen at open time.
type ChatConfig struct {
	SenderID      string `json:"sender_id"`
	ReceiverID    string `json:"receiver_id"`
	ChatID        string `json:"chat_id"`
	BackendURL    string `json:"backend_url"`
	BackendKey    string `json:"backend_key"`
	AccessToken   string `json:"access_token"`
	RefreshToken  string `json:"refresh_token"`
	ChatRangeFrom int    `json:"chat_range_from"`
	ChatRangeTo   int    `json:"chat_range_to"`
}

// Credentials converts the persisted settings into the validated bundle the
// engine consumes.
func (c *ChatConfig) Credentials() session.Credentials {
	return session.Credentials{
		SenderID:      c.SenderID,
		ReceiverID:    c.ReceiverID,
		ChatID:        c.ChatID,
		BackendURL:    c.BackendURL,
		BackendKey:    c.BackendKey,
		AccessToken:   c.AccessToken,
		RefreshToken:  c.RefreshToken,
		ChatRangeFrom: c.ChatRangeFrom,
		ChatRangeTo:   c.ChatRangeTo,
	}
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CHATSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("CHATSYNC_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ChatConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ChatConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk. Permissions are 0600: the
// file holds the session's access token.
func Save(path string, cfg *ChatConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both. A
// freshly created config carries only range defaults; the credential fields
// must be filled in before a session can start.
func LoadOrCreate() (*ChatConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *ChatConfig {
	return &ChatConfig{
		ChatRangeFrom: DefaultRangeFrom,
		ChatRangeTo:   DefaultRangeTo,
	}
}

func normalizeDefaults(cfg *ChatConfig) bool {
	updated := false

	if cfg.ChatRangeFrom < 0 {
		cfg.ChatRangeFrom = DefaultRangeFrom
		updated = true
	}
	if cfg.ChatRangeTo <= cfg.ChatRangeFrom {
		cfg.ChatRangeTo = cfg.ChatRangeFrom + (DefaultRangeTo - DefaultRangeFrom)
		updated = true
	}

	return updated
}

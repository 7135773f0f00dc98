// Package config loads the user-editable preferences document (spec
// §6.3's user.toml, kept in the teacher's own JSON format) that seeds a
// workspace: identity, analytics opt-in, and the user-data, cache and
// documents root paths the engine is driven from.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/starbash/user.json"
	defaultParallel   = 1
)

// Config holds user-editable settings for a starbash workspace.
type Config struct {
	Identity  Identity  `json:"identity"`
	Analytics Analytics `json:"analytics"`
	Logging   Logging   `json:"logging"`
	Paths     Paths     `json:"paths"`
	Execution Execution `json:"execution"`
	Tools     Tools     `json:"tools"`
}

// Identity is the user identity recorded into audit records.
type Identity struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Analytics controls the opt-in analytics sink (out of scope; the engine
// only carries the preference through to the driver).
type Analytics struct {
	Enabled bool `json:"enabled"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // enable file logging
	LogDir     string `json:"log_dir"`     // directory for log files
	MaxAge     int    `json:"max_age"`     // log retention in days; not read by logging.Setup, which removes no log files
}

// Paths configures three of the four root paths from spec §6.3; the
// user-config root is the directory this document is loaded from.
type Paths struct {
	UserDataRoot string `json:"user_data_root"` // catalog.db, selection.json
	CacheRoot    string `json:"cache_root"`     // per-target workspaces, signature db
	DocumentsRoot string `json:"documents_root"` // masters/, processed/
}

// Execution captures engine-wide scheduling preferences.
type Execution struct {
	Workers       int `json:"workers"`          // size of the executor's worker pool
	CacheRootCap  int `json:"cache_root_cap_mb"` // LRU cap in MB for the cache root, 0 = unbounded
}

// Tools records per-stage-kind tool preferences consumed by the Tool
// Runtime's pre-flight check (spec §4.7).
type Tools struct {
	StackerBinary   string   `json:"stacker_binary"`    // e.g. "siril-cli"
	ImageToolBinary string   `json:"image_tool_binary"` // e.g. "graxpert"
	ToolTimeout     string   `json:"tool_timeout"`      // Go duration string, e.g. "30m"
	WarningAllow    []string `json:"warning_allowlist"` // substrings suppressed from user-facing logs
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("STARBASH_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	home, _ := os.UserHomeDir()
	root := filepath.Join(home, ".local", "share", "starbash")
	return &Config{
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     filepath.Join(root, "logs"),
			MaxAge:     30,
		},
		Paths: Paths{
			UserDataRoot:  root,
			CacheRoot:     filepath.Join(root, "cache"),
			DocumentsRoot: filepath.Join(home, "starbash-documents"),
		},
		Execution: Execution{
			Workers:      defaultParallel,
			CacheRootCap: 0,
		},
		Tools: Tools{
			StackerBinary:   "siril-cli",
			ImageToolBinary: "graxpert",
			ToolTimeout:     "30m",
			WarningAllow:    []string{"sequence not found"},
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}

// Package config loads and saves the monitor's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

const AppName = "claude-usage-monitor"

const (
	DisplayAll     = "all"
	DisplaySession = "session"
	DisplayWeekly  = "weekly"
)

const (
	minPollInterval = 10 * time.Second
)

type LogConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

type RemoteConfig struct {
	Source         string        `yaml:"source"`
	OrganizationID string        `yaml:"organization_id"`
	SessionKeyEnv  string        `yaml:"session_key_env"`
	PayloadFile    string        `yaml:"payload_file"`
	PayloadMaxAge  time.Duration `yaml:"payload_max_age"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

type Config struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	InitialDelay       time.Duration `yaml:"initial_delay"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`
	EstimatedWindowCap int64         `yaml:"estimated_window_cap"`
	ClaudeDir          string        `yaml:"claude_dir"`
	ExtraProjectDirs   []string      `yaml:"extra_project_dirs"`
	HistoryFile        string        `yaml:"history_file"`
	DisplayMode        string        `yaml:"display_mode"`
	Log                LogConfig     `yaml:"log"`
	Remote             RemoteConfig  `yaml:"remote"`
	Server             ServerConfig  `yaml:"server"`
}

func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		PollInterval:       60 * time.Second,
		InitialDelay:       5 * time.Second,
		FetchTimeout:       30 * time.Second,
		EstimatedWindowCap: 88_000,
		ClaudeDir:          filepath.Join(home, ".claude"),
		ExtraProjectDirs:   []string{filepath.Join(home, ".config", "claude", "projects")},
		HistoryFile:        filepath.Join(xdg.ConfigHome, AppName, "history.json"),
		DisplayMode:        DisplayAll,
		Log: LogConfig{
			File:  filepath.Join(xdg.StateHome, AppName, "monitor.log"),
			Level: "info",
		},
		Remote: RemoteConfig{
			Source:        "auto",
			SessionKeyEnv: "CLAUDE_SESSION_KEY",
			PayloadMaxAge: 10 * time.Minute,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:7319",
		},
	}
}

func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.yaml")
}

// Load reads path over the defaults. A missing file is not an error. A
// malformed file yields the defaults together with the parse error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// Save writes cfg to path atomically, creating parent directories.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) normalize() {
	def := Default()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	c.PollInterval = max(c.PollInterval, minPollInterval)
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.EstimatedWindowCap <= 0 {
		c.EstimatedWindowCap = def.EstimatedWindowCap
	}
	if strings.TrimSpace(c.ClaudeDir) == "" {
		c.ClaudeDir = def.ClaudeDir
	}
	c.ClaudeDir = ExpandHome(c.ClaudeDir)
	for i, dir := range c.ExtraProjectDirs {
		c.ExtraProjectDirs[i] = ExpandHome(dir)
	}
	if strings.TrimSpace(c.HistoryFile) == "" {
		c.HistoryFile = def.HistoryFile
	}
	c.HistoryFile = ExpandHome(c.HistoryFile)
	switch strings.ToLower(strings.TrimSpace(c.DisplayMode)) {
	case DisplaySession:
		c.DisplayMode = DisplaySession
	case DisplayWeekly:
		c.DisplayMode = DisplayWeekly
	default:
		c.DisplayMode = DisplayAll
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = def.Log.Level
	}
	c.Log.File = ExpandHome(c.Log.File)
	if strings.TrimSpace(c.Remote.Source) == "" {
		c.Remote.Source = def.Remote.Source
	}
	if strings.TrimSpace(c.Remote.SessionKeyEnv) == "" {
		c.Remote.SessionKeyEnv = def.Remote.SessionKeyEnv
	}
	c.Remote.PayloadFile = ExpandHome(c.Remote.PayloadFile)
	if c.Remote.PayloadMaxAge <= 0 {
		c.Remote.PayloadMaxAge = def.Remote.PayloadMaxAge
	}
	if strings.TrimSpace(c.Server.Listen) == "" {
		c.Server.Listen = def.Server.Listen
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

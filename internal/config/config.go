// Package config loads settings from ~/.config/minipy/config.yaml and
// command-line flags.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port           int           `yaml:"port"`
	Token          string        `yaml:"token"`
	Profile        string        `yaml:"profile"`
	ProfilesDir    string        `yaml:"profiles_dir"`
	DBPath         string        `yaml:"db_path"`
	StartTimeout   time.Duration `yaml:"start_timeout"`
	InterruptGrace time.Duration `yaml:"interrupt_grace"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	RelayCapacity  int           `yaml:"relay_capacity"`
	AutoRestart    bool          `yaml:"auto_restart"`
	RedisAddr      string        `yaml:"redis_addr"`
	RedisChannel   string        `yaml:"redis_channel"`
	TraceFile      string        `yaml:"trace_file"`
	LogLevel       string        `yaml:"log_level"`

	ConfigPath string `yaml:"-"`
	PrintToken bool   `yaml:"-"`
}

// Default returns the built-in settings rooted at the user's config dir.
func Default() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return DefaultIn(filepath.Join(homeDir, ".config", "minipy")), nil
}

// DefaultIn returns the built-in settings with every path under dir.
func DefaultIn(dir string) *Config {
	return &Config{
		Port:           8765,
		Profile:        "python3",
		ProfilesDir:    filepath.Join(dir, "interpreters"),
		DBPath:         filepath.Join(dir, "minipy.db"),
		StartTimeout:   10 * time.Second,
		InterruptGrace: 2 * time.Second,
		ShutdownGrace:  2 * time.Second,
		RelayCapacity:  4096,
		RedisChannel:   "minipy:output",
		LogLevel:       "info",
		ConfigPath:     filepath.Join(dir, "config.yaml"),
	}
}

// Load reads the config file over the defaults and applies flags that were
// set on fs. A missing file is not an error. When no token is configured
// one is generated and saved.
func Load(fs *pflag.FlagSet) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if fs != nil {
		if path, err := fs.GetString("config"); err == nil && path != "" {
			cfg.ConfigPath = path
		}
	}

	if err := cfg.LoadFile(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if fs != nil {
		if err := cfg.ApplyFlags(fs); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureToken(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes ConfigPath over the current values.
func (c *Config) LoadFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	path := c.ConfigPath
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	c.ConfigPath = path
	return nil
}

// RegisterFlags declares the config flags on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultIn(filepath.Join("~", ".config", "minipy"))
	fs.String("config", "", "config file (default ~/.config/minipy/config.yaml)")
	fs.Int("port", d.Port, "server port (1-65535)")
	fs.String("token", "", "authentication token (auto-generated if empty)")
	fs.Bool("print-token", false, "print token to stdout (for local debugging)")
	fs.String("profile", d.Profile, "interpreter profile id")
	fs.String("profiles-dir", "", "interpreter profile directory")
	fs.String("db", "", "history database path")
	fs.Duration("start-timeout", d.StartTimeout, "how long to wait for the interpreter to become ready")
	fs.Duration("interrupt-grace", d.InterruptGrace, "how long an interrupted program may take to stop before a restart")
	fs.Duration("shutdown-grace", d.ShutdownGrace, "how long the interpreter may take to exit before it is killed")
	fs.Int("relay-capacity", d.RelayCapacity, "queued display events kept when the display falls behind")
	fs.Bool("auto-restart", false, "restart the session automatically after a crash")
	fs.String("redis-addr", "", "mirror output to this Redis server")
	fs.String("redis-channel", d.RedisChannel, "Redis channel for mirrored output")
	fs.String("trace-file", "", "write execution traces to this file")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
}

// ApplyFlags copies every flag that was set on the command line.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var errs []error
	fs.Visit(func(f *pflag.Flag) {
		var err error
		switch f.Name {
		case "port":
			c.Port, err = fs.GetInt(f.Name)
		case "token":
			c.Token, err = fs.GetString(f.Name)
		case "print-token":
			c.PrintToken, err = fs.GetBool(f.Name)
		case "profile":
			c.Profile, err = fs.GetString(f.Name)
		case "profiles-dir":
			c.ProfilesDir, err = fs.GetString(f.Name)
		case "db":
			c.DBPath, err = fs.GetString(f.Name)
		case "start-timeout":
			c.StartTimeout, err = fs.GetDuration(f.Name)
		case "interrupt-grace":
			c.InterruptGrace, err = fs.GetDuration(f.Name)
		case "shutdown-grace":
			c.ShutdownGrace, err = fs.GetDuration(f.Name)
		case "relay-capacity":
			c.RelayCapacity, err = fs.GetInt(f.Name)
		case "auto-restart":
			c.AutoRestart, err = fs.GetBool(f.Name)
		case "redis-addr":
			c.RedisAddr, err = fs.GetString(f.Name)
		case "redis-channel":
			c.RedisChannel, err = fs.GetString(f.Name)
		case "trace-file":
			c.TraceFile, err = fs.GetString(f.Name)
		case "log-level":
			c.LogLevel, err = fs.GetString(f.Name)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("flag --%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if strings.TrimSpace(c.Profile) == "" {
		return errors.New("profile is required")
	}
	for name, d := range map[string]time.Duration{
		"start_timeout":   c.StartTimeout,
		"interrupt_grace": c.InterruptGrace,
		"shutdown_grace":  c.ShutdownGrace,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s %s: must be positive", name, d)
		}
	}
	if c.RelayCapacity < 16 {
		return fmt.Errorf("invalid relay_capacity %d: must be at least 16", c.RelayCapacity)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

// EnsureToken generates and persists a token when none is set.
func (c *Config) EnsureToken() error {
	if c.Token != "" {
		return nil
	}
	token, err := generateToken()
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	c.Token = token
	if err := c.Save(); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

// Save writes the config file with owner-only permissions.
func (c *Config) Save() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(c.ConfigPath, data, 0o600)
}

// fileConfig is the on-disk shape; durations are written as strings.
type fileConfig struct {
	Port           int    `yaml:"port"`
	Token          string `yaml:"token"`
	Profile        string `yaml:"profile"`
	ProfilesDir    string `yaml:"profiles_dir"`
	DBPath         string `yaml:"db_path"`
	StartTimeout   string `yaml:"start_timeout"`
	InterruptGrace string `yaml:"interrupt_grace"`
	ShutdownGrace  string `yaml:"shutdown_grace"`
	RelayCapacity  int    `yaml:"relay_capacity"`
	AutoRestart    bool   `yaml:"auto_restart"`
	RedisAddr      string `yaml:"redis_addr,omitempty"`
	RedisChannel   string `yaml:"redis_channel,omitempty"`
	TraceFile      string `yaml:"trace_file,omitempty"`
	LogLevel       string `yaml:"log_level"`
}

// MarshalYAML implements yaml.Marshaler.
func (c *Config) MarshalYAML() (interface{}, error) {
	return fileConfig{
		Port:           c.Port,
		Token:          c.Token,
		Profile:        c.Profile,
		ProfilesDir:    c.ProfilesDir,
		DBPath:         c.DBPath,
		StartTimeout:   c.StartTimeout.String(),
		InterruptGrace: c.InterruptGrace.String(),
		ShutdownGrace:  c.ShutdownGrace.String(),
		RelayCapacity:  c.RelayCapacity,
		AutoRestart:    c.AutoRestart,
		RedisAddr:      c.RedisAddr,
		RedisChannel:   c.RedisChannel,
		TraceFile:      c.TraceFile,
		LogLevel:       c.LogLevel,
	}, nil
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

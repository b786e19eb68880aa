package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.anytongue/config.toml.
type Config struct {
	Server ConfigServer `toml:"server"`
	Auth   ConfigAuth   `toml:"auth"`
	Sync   ConfigSync   `toml:"sync"`
}

// ConfigServer holds the backend location.
type ConfigServer struct {
	BaseURL string `toml:"base_url"`
}

// ConfigAuth holds the viewer identity.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
	Language string `toml:"language"`
}

// ConfigSync holds engine tuning.
type ConfigSync struct {
	PageSize             int    `toml:"page_size,omitempty"`
	PollInterval         string `toml:"poll_interval,omitempty"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts,omitempty"`
	CacheDir             string `toml:"cache_dir,omitempty"`
}

// pollInterval parses Sync.PollInterval, falling back to one second.
func (c *Config) pollInterval() time.Duration {
	if d, err := time.ParseDuration(c.Sync.PollInterval); err == nil && d > 0 {
		return d
	}
	return time.Second
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.anytongue, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".anytongue")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadRuntimeConfig is loadConfig plus .env and ANYTONGUE_* overrides.
// The result is never written back.
func loadRuntimeConfig() (*Config, error) {
	_ = godotenv.Load(".env")
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ANYTONGUE_BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("ANYTONGUE_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("ANYTONGUE_USER_ID"); v != "" {
		cfg.Auth.UserID = v
	}
	if v := os.Getenv("ANYTONGUE_LANGUAGE"); v != "" {
		cfg.Auth.Language = v
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// configKey binds a dotted key such as "auth.language" to a Config field.
type configKey struct {
	name   string
	secret bool
	get    func(*Config) string
	set    func(*Config, string) error
}

var configKeys = []configKey{
	{name: "server.base_url",
		get: func(c *Config) string { return c.Server.BaseURL },
		set: func(c *Config, v string) error { c.Server.BaseURL = v; return nil }},
	{name: "auth.token", secret: true,
		get: func(c *Config) string { return c.Auth.Token },
		set: func(c *Config, v string) error { c.Auth.Token = v; return nil }},
	{name: "auth.user_id",
		get: func(c *Config) string { return c.Auth.UserID },
		set: func(c *Config, v string) error { c.Auth.UserID = v; return nil }},
	{name: "auth.username",
		get: func(c *Config) string { return c.Auth.Username },
		set: func(c *Config, v string) error { c.Auth.Username = v; return nil }},
	{name: "auth.language",
		get: func(c *Config) string { return c.Auth.Language },
		set: func(c *Config, v string) error { c.Auth.Language = v; return nil }},
	{name: "sync.page_size",
		get: func(c *Config) string { return intOrEmpty(c.Sync.PageSize) },
		set: func(c *Config, v string) error { return positiveInt(&c.Sync.PageSize, "sync.page_size", v) }},
	{name: "sync.poll_interval",
		get: func(c *Config) string { return c.Sync.PollInterval },
		set: func(c *Config, v string) error {
			if d, err := time.ParseDuration(v); err != nil || d <= 0 {
				return fmt.Errorf("sync.poll_interval must be a positive duration (e.g. 1s)")
			}
			c.Sync.PollInterval = v
			return nil
		}},
	{name: "sync.max_reconnect_attempts",
		get: func(c *Config) string { return intOrEmpty(c.Sync.MaxReconnectAttempts) },
		set: func(c *Config, v string) error {
			return positiveInt(&c.Sync.MaxReconnectAttempts, "sync.max_reconnect_attempts", v)
		}},
	{name: "sync.cache_dir",
		get: func(c *Config) string { return c.Sync.CacheDir },
		set: func(c *Config, v string) error { c.Sync.CacheDir = v; return nil }},
}

func lookupConfigKey(key string) (configKey, error) {
	if !strings.Contains(key, ".") {
		return configKey{}, fmt.Errorf("key must use dot notation: section.field (e.g. auth.language)")
	}
	for _, k := range configKeys {
		if k.name == key {
			return k, nil
		}
	}
	return configKey{}, fmt.Errorf("unknown config key %q (run 'anytongue config list')", key)
}

// setConfigValue sets a config field using dot notation (e.g. "auth.language").
func setConfigValue(cfg *Config, key, value string) error {
	k, err := lookupConfigKey(key)
	if err != nil {
		return err
	}
	return k.set(cfg, value)
}

// getConfigValue reads a config field for display. Secrets come back masked.
func getConfigValue(cfg *Config, key string) (string, error) {
	k, err := lookupConfigKey(key)
	if err != nil {
		return "", err
	}
	v := k.get(cfg)
	if k.secret && v != "" {
		v = maskKey(v)
	}
	return v, nil
}

func positiveInt(dst *int, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fmt.Errorf("%s must be a positive integer", key)
	}
	*dst = n
	return nil
}

func intOrEmpty(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

// ============================================================================
// Root command
// ============================================================================

var logLevel string

var rootCmd = &cobra.Command{
	Use:           "anytongue",
	Short:         "AnyTongue chat sync CLI",
	Long:          "Command-line client for the AnyTongue chat backend.\nList conversations, read translated history, send messages and watch live.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
}

// newLogger builds a console logger on stderr at the --log-level.
func newLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	cfg := zap.NewDevelopmentConfig()
	if level.Level() > zap.DebugLevel {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "console"
	}
	cfg.Level = level
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

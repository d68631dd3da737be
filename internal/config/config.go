package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	appName    = "dill"
	envPrefix  = "DILL"
	configName = "dill"
)

type Config struct {
	Address           string        `mapstructure:"address"`
	DataDir           string        `mapstructure:"data_dir"`
	SavedTreeDir      string        `mapstructure:"saved_tree_dir"`
	DownloadsDir      string        `mapstructure:"downloads_dir"`
	DBPath            string        `mapstructure:"db_path"`
	InitialSessionID  int32         `mapstructure:"initial_session_id"`
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	EventBuffer       int           `mapstructure:"event_buffer"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	JournalRetention  time.Duration `mapstructure:"journal_retention"`
}

func DefaultConfig() Config {
	dataDir := defaultDataDir()
	return Config{
		Address:           "127.0.0.1:17484",
		DataDir:           dataDir,
		SavedTreeDir:      filepath.Join(dataDir, "saved_trees"),
		DownloadsDir:      defaultDownloadsDir(),
		DBPath:            filepath.Join(dataDir, "journal.db"),
		InitialSessionID:  0,
		LogLevel:          "info",
		LogFormat:         "auto",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		EventBuffer:       64,
		MaxBodyBytes:      64 << 20,
		JournalRetention:  30 * 24 * time.Hour,
	}
}

// Load reads dill.yaml from the user config dir, the home dir or the working
// directory, then applies DILL_* environment overrides. A missing file is
// not an error.
func Load() (Config, error) {
	v := newViper()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, appName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(v)
}

// LoadFromFile reads configuration from path, with environment overrides.
func LoadFromFile(path string) (Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	def := DefaultConfig()
	v.SetDefault("address", def.Address)
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("saved_tree_dir", "")
	v.SetDefault("downloads_dir", def.DownloadsDir)
	v.SetDefault("db_path", "")
	v.SetDefault("initial_session_id", def.InitialSessionID)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("read_header_timeout", def.ReadHeaderTimeout)
	v.SetDefault("event_buffer", def.EventBuffer)
	v.SetDefault("max_body_bytes", def.MaxBodyBytes)
	v.SetDefault("journal_retention", def.JournalRetention)
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalize derives the paths left empty from DataDir.
func (c *Config) Normalize() {
	if c.SavedTreeDir == "" {
		c.SavedTreeDir = filepath.Join(c.DataDir, "saved_trees")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "journal.db")
	}
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Address) == "":
		return fmt.Errorf("invalid config: address is empty")
	case strings.TrimSpace(c.DataDir) == "":
		return fmt.Errorf("invalid config: data_dir is empty")
	case c.InitialSessionID < 0:
		return fmt.Errorf("invalid config: initial_session_id must not be negative")
	case c.EventBuffer <= 0:
		return fmt.Errorf("invalid config: event_buffer must be positive")
	case c.MaxBodyBytes <= 0:
		return fmt.Errorf("invalid config: max_body_bytes must be positive")
	}
	switch c.LogFormat {
	case "auto", "json", "console":
	default:
		return fmt.Errorf("invalid config: log_format %q", c.LogFormat)
	}
	return nil
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dill"
	}
	return filepath.Join(home, ".local", "share", appName)
}

func defaultDownloadsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Downloads")
}

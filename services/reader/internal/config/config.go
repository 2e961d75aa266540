// Package config loads the readsync CLI configuration: a YAML file, then
// READSYNC_* environment variables, then flags bound by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/example/reading-sync/internal/progress"
)

// Conflict policies for non-interactive use.
const (
	OnConflictAsk       = "ask"
	OnConflictKeepLocal = "keep-local"
	OnConflictUseRemote = "use-remote"
)

type Config struct {
	ServerURL string
	Token     string
	UserID    string
	DeviceID  string
	DBPath    string

	Debounce     time.Duration
	PushTimeout  time.Duration
	CheckTimeout time.Duration
	OutboxPoll   time.Duration

	LogLevel   string
	LogFile    string
	OnConflict string

	// File is the config file in use, written back when DeviceID is minted.
	File string
}

// DefaultDir is where the config file, database and log live unless
// overridden.
func DefaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "readsync")
	}
	return ".readsync"
}

// New returns a viper instance with defaults and env binding applied.
func New() *viper.Viper {
	v := viper.New()
	dir := DefaultDir()
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("db_path", filepath.Join(dir, "progress.db"))
	v.SetDefault("debounce", progress.DefaultDebounce)
	v.SetDefault("push_timeout", progress.DefaultNetTimeout)
	v.SetDefault("check_timeout", progress.DefaultNetTimeout)
	v.SetDefault("outbox_poll", 30*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", filepath.Join(dir, "readsync.log"))
	v.SetDefault("on_conflict", OnConflictAsk)

	v.SetEnvPrefix("READSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (or the default location when empty) into v. A missing
// file is fine; every key has a default or comes from the environment.
func Load(v *viper.Viper, file string) (Config, error) {
	if file == "" {
		file = filepath.Join(DefaultDir(), "config.yaml")
	}
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := Config{
		ServerURL:    strings.TrimRight(v.GetString("server_url"), "/"),
		Token:        v.GetString("token"),
		UserID:       v.GetString("user_id"),
		DeviceID:     v.GetString("device_id"),
		DBPath:       v.GetString("db_path"),
		Debounce:     v.GetDuration("debounce"),
		PushTimeout:  v.GetDuration("push_timeout"),
		CheckTimeout: v.GetDuration("check_timeout"),
		OutboxPoll:   v.GetDuration("outbox_poll"),
		LogLevel:     v.GetString("log_level"),
		LogFile:      v.GetString("log_file"),
		OnConflict:   v.GetString("on_conflict"),
		File:         file,
	}
	switch cfg.OnConflict {
	case OnConflictAsk, OnConflictKeepLocal, OnConflictUseRemote:
	default:
		return Config{}, fmt.Errorf("on_conflict must be %s, %s or %s, got %q",
			OnConflictAsk, OnConflictKeepLocal, OnConflictUseRemote, cfg.OnConflict)
	}
	return cfg, nil
}

// EnsureDeviceID mints a device id on first use and persists it so every
// later run reports the same device.
func EnsureDeviceID(v *viper.Viper, cfg *Config) error {
	if cfg.DeviceID != "" {
		return nil
	}
	cfg.DeviceID = uuid.NewString()
	v.Set("device_id", cfg.DeviceID)
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return err
	}
	return v.WriteConfigAs(cfg.File)
}

// RequireAccount fails when the account settings needed for sync are
// missing.
func (c Config) RequireAccount() error {
	var missing []string
	if c.UserID == "" {
		missing = append(missing, "user_id")
	}
	if c.Token == "" {
		missing = append(missing, "token")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s (set in %s or READSYNC_* env)", strings.Join(missing, ", "), c.File)
	}
	return nil
}

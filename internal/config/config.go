// Package config loads the daemon configuration from a YAML file with
// ROUSE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DBPath     string `yaml:"db_path"`
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	Timezone   string `yaml:"timezone"`

	Remote    RemoteConfig    `yaml:"remote"`
	Sync      SyncConfig      `yaml:"sync"`
	Mission   MissionConfig   `yaml:"mission"`
	Sound     SoundConfig     `yaml:"sound"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Push      PushConfig      `yaml:"push"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type RemoteConfig struct {
	BaseURL   string        `yaml:"base_url"`
	TokenFile string        `yaml:"token_file"`
	Timeout   time.Duration `yaml:"timeout"`
}

type SyncConfig struct {
	PullInterval time.Duration `yaml:"pull_interval"`
	PullTimeout  time.Duration `yaml:"pull_timeout"`
	MergePolicy  string        `yaml:"merge_policy"`
}

type MissionConfig struct {
	Provider      string        `yaml:"provider"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	FeedbackDelay time.Duration `yaml:"feedback_delay"`
	BankFile      string        `yaml:"bank_file"`
}

type SoundConfig struct {
	Dir          string        `yaml:"dir"`
	DefaultName  string        `yaml:"default_name"`
	DefaultExt   string        `yaml:"default_ext"`
	PreviewLimit time.Duration `yaml:"preview_limit"`
	Backend      string        `yaml:"backend"`
}

type DeliveryConfig struct {
	DedupeWindow time.Duration `yaml:"dedupe_window"`
}

type PushConfig struct {
	VAPIDPublicKey  string `yaml:"vapid_public_key"`
	VAPIDPrivateKey string `yaml:"vapid_private_key"`
	Subscriber      string `yaml:"subscriber"`
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		DBPath:     "rouse.db",
		ListenAddr: "127.0.0.1:7420",
		LogLevel:   "info",
		LogFormat:  "auto",
		Timezone:   "Local",
		Remote: RemoteConfig{
			Timeout: 10 * time.Second,
		},
		Sync: SyncConfig{
			PullInterval: 15 * time.Minute,
			PullTimeout:  3 * time.Second,
			MergePolicy:  "keep_dirty",
		},
		Mission: MissionConfig{
			Provider:     "remote",
			FetchTimeout: 3 * time.Second,
		},
		Sound: SoundConfig{
			Dir:          "sounds",
			DefaultName:  "default",
			DefaultExt:   "wav",
			PreviewLimit: 5 * time.Second,
			Backend:      "oto",
		},
		Delivery: DeliveryConfig{
			DedupeWindow: 2 * time.Minute,
		},
	}
}

// Path returns $ROUSE_CONFIG or ~/.config/rouse/config.yaml.
func Path() string {
	if p := os.Getenv("ROUSE_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "rouse", "config.yaml")
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ROUSE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ROUSE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ROUSE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ROUSE_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("ROUSE_TOKEN_FILE"); v != "" {
		cfg.Remote.TokenFile = v
	}
}

// ValidationError lists every invalid key.
type ValidationError struct {
	Problems map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Problems))
	for k := range e.Problems {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Problems[k]
	}
	return "invalid config: " + strings.Join(parts, "; ")
}

func (c Config) Validate() error {
	problems := map[string]string{}

	if strings.TrimSpace(c.DBPath) == "" {
		problems["db_path"] = "must not be empty"
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		problems["listen_addr"] = "must not be empty"
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "auto", "text", "json":
	default:
		problems["log_format"] = fmt.Sprintf("unknown format %q", c.LogFormat)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		problems["timezone"] = err.Error()
	}
	if c.Remote.Timeout <= 0 {
		problems["remote.timeout"] = "must be positive"
	}
	if c.Sync.PullInterval < 0 {
		problems["sync.pull_interval"] = "must not be negative"
	}
	if c.Sync.PullTimeout <= 0 {
		problems["sync.pull_timeout"] = "must be positive"
	}
	switch c.Sync.MergePolicy {
	case "keep_dirty", "remote_wins":
	default:
		problems["sync.merge_policy"] = fmt.Sprintf("unknown policy %q", c.Sync.MergePolicy)
	}
	switch c.Mission.Provider {
	case "remote", "local":
	default:
		problems["mission.provider"] = fmt.Sprintf("unknown provider %q", c.Mission.Provider)
	}
	if c.Mission.MaxAttempts < 0 {
		problems["mission.max_attempts"] = "must not be negative"
	}
	if c.Mission.FeedbackDelay < 0 {
		problems["mission.feedback_delay"] = "must not be negative"
	}
	if c.Mission.FetchTimeout <= 0 {
		problems["mission.fetch_timeout"] = "must be positive"
	}
	switch c.Sound.Backend {
	case "oto", "none":
	default:
		problems["sound.backend"] = fmt.Sprintf("unknown backend %q", c.Sound.Backend)
	}
	if c.Delivery.DedupeWindow <= 0 {
		problems["delivery.dedupe_window"] = "must be positive"
	}
	if (c.Push.VAPIDPublicKey == "") != (c.Push.VAPIDPrivateKey == "") {
		problems["push"] = "vapid_public_key and vapid_private_key must be set together"
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Location returns the configured time zone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

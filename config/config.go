// Package config holds the strtrans run configuration.
//
// Values are layered, later layers winning:
//
//  1. DefaultConfig
//  2. config file (strtrans.yaml / strtrans.toml, or --config)
//  3. .env in the working directory (only fills variables not already set)
//  4. STRTRANS_* environment variables
//  5. command-line flags (applied by the CLI)
package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "STRTRANS_"

const (
	QuotaStoreFile  = "file"
	QuotaStoreRedis = "redis"
)

// Config is the full run configuration.
type Config struct {
	// Input is the source string table.
	Input string `yaml:"input,omitempty" toml:"input,omitempty" env:"INPUT"`
	// Output is the merged translated file.
	Output string `yaml:"output,omitempty" toml:"output,omitempty" env:"OUTPUT"`
	// WorkDir holds parts/, progress/ and stats/ of a run.
	WorkDir string `yaml:"work_dir" toml:"work_dir" env:"WORK_DIR"`
	// DataDir overrides the XDG data directory (quota, stored keys).
	DataDir string `yaml:"data_dir,omitempty" toml:"data_dir,omitempty" env:"DATA_DIR"`

	SourceLang string `yaml:"source_lang" toml:"source_lang" env:"SOURCE_LANG"`
	TargetLang string `yaml:"target_lang" toml:"target_lang" env:"TARGET_LANG"`

	// Provider is the translation service: google or openai.
	Provider string `yaml:"provider" toml:"provider" env:"PROVIDER"`
	Model    string `yaml:"model,omitempty" toml:"model,omitempty" env:"MODEL"`
	APIKey   string `yaml:"api_key,omitempty" toml:"api_key,omitempty" env:"API_KEY"`
	BaseURL  string `yaml:"base_url,omitempty" toml:"base_url,omitempty" env:"BASE_URL"`

	// Parts is the number of chunks the input is split into.
	Parts int `yaml:"parts" toml:"parts" env:"PARTS"`
	// Workers is the number of concurrent chunks; 0 sizes from the machine.
	Workers int `yaml:"workers" toml:"workers" env:"WORKERS"`
	// FlushEvery is the number of lines between checkpoint saves.
	FlushEvery int `yaml:"flush_every" toml:"flush_every" env:"FLUSH_EVERY"`

	// DailyLimit is the character budget per calendar day.
	DailyLimit int `yaml:"daily_limit" toml:"daily_limit" env:"DAILY_LIMIT"`
	// RateDelay is the minimum gap between provider requests ("1s", "500ms").
	RateDelay string `yaml:"rate_delay" toml:"rate_delay" env:"RATE_DELAY"`
	// MaxAttempts is the number of provider calls per string.
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts" env:"MAX_ATTEMPTS"`
	// QuotaStore is file or redis.
	QuotaStore string `yaml:"quota_store" toml:"quota_store" env:"QUOTA_STORE"`
	RedisURL   string `yaml:"redis_url,omitempty" toml:"redis_url,omitempty" env:"REDIS_URL"`

	// OutputEncoding overrides the detected input encoding for the output.
	OutputEncoding string `yaml:"output_encoding,omitempty" toml:"output_encoding,omitempty" env:"OUTPUT_ENCODING"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level" toml:"log_level" env:"LOG_LEVEL"`
	// Memo reuses translations of identical strings within a run.
	Memo bool `yaml:"memo" toml:"memo" env:"MEMO"`
	// StopOnQuota stops chunks at the first string over quota instead of
	// copying the rest untranslated.
	StopOnQuota bool `yaml:"stop_on_quota" toml:"stop_on_quota" env:"STOP_ON_QUOTA"`

	rateDelay time.Duration
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		WorkDir:     ".strtrans",
		SourceLang:  "de",
		TargetLang:  "tr",
		Provider:    "google",
		Parts:       100,
		FlushEvery:  10,
		DailyLimit:  200_000,
		RateDelay:   "1s",
		MaxAttempts: 3,
		QuotaStore:  QuotaStoreFile,
		LogLevel:    "info",
		rateDelay:   time.Second,
	}
}

// Load builds the configuration from defaults, the config file at path
// (or the first default file found in the working directory when path is
// empty), .env and the environment. The result is not validated yet, since
// flags still have to be applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = FindFile(".")
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	if err := cfg.LoadEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// LoadEnv applies STRTRANS_* variables on top of cfg.
func (c *Config) LoadEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	return nil
}

// Validate checks the configuration and resolves derived values.
func (c *Config) Validate() error {
	var errs []string

	if c.Parts <= 0 {
		errs = append(errs, fmt.Sprintf("parts must be positive, got %d", c.Parts))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Sprintf("workers must not be negative, got %d", c.Workers))
	}
	if c.FlushEvery <= 0 {
		errs = append(errs, fmt.Sprintf("flush_every must be positive, got %d", c.FlushEvery))
	}
	if c.DailyLimit <= 0 {
		errs = append(errs, fmt.Sprintf("daily_limit must be positive, got %d", c.DailyLimit))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, fmt.Sprintf("max_attempts must be positive, got %d", c.MaxAttempts))
	}
	if c.SourceLang == "" || c.TargetLang == "" {
		errs = append(errs, "source_lang and target_lang are required")
	}

	d, err := time.ParseDuration(c.RateDelay)
	switch {
	case err != nil:
		errs = append(errs, fmt.Sprintf("invalid rate_delay %q: %v", c.RateDelay, err))
	case d < 0:
		errs = append(errs, fmt.Sprintf("rate_delay must not be negative, got %s", c.RateDelay))
	default:
		c.rateDelay = d
	}

	switch c.QuotaStore {
	case QuotaStoreFile:
	case QuotaStoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, "quota_store redis needs redis_url")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown quota_store %q (want %s or %s)", c.QuotaStore, QuotaStoreFile, QuotaStoreRedis))
	}

	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// RateDelayDuration returns the parsed rate delay. Valid after Validate.
func (c *Config) RateDelayDuration() time.Duration {
	return c.rateDelay
}

// RetryDelay is the wait between attempts for one string: twice the rate
// delay.
func (c *Config) RetryDelay() time.Duration {
	return 2 * c.rateDelay
}

var logLevels = []string{"debug", "info", "warn", "error"}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	name := strings.ToLower(c.LogLevel)
	if !slices.Contains(logLevels, name) {
		return lvl, fmt.Errorf("unknown log_level %q (want one of %s)", c.LogLevel, strings.Join(logLevels, ", "))
	}
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return lvl, fmt.Errorf("unknown log_level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

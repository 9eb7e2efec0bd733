package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/camuig/spot-ledger/internal/storage"
)

const (
	FeeModeDeduct = "deduct"
	FeeModeAdd    = "add"

	ScopeAllTime = "all_time"
	ScopeToday   = "today"
)

type Config struct {
	Gate     GateConfig     `yaml:"gate"`
	Sync     SyncConfig     `yaml:"sync"`
	Report   ReportConfig   `yaml:"report"`
	Storage  StorageConfig  `yaml:"storage"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Telegram TelegramConfig `yaml:"telegram"`
	Web      WebConfig      `yaml:"web"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type GateConfig struct {
	APIKey            string  `yaml:"api_key"`
	APISecret         string  `yaml:"api_secret"`
	BaseURL           string  `yaml:"base_url"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type SyncConfig struct {
	Pairs          []string `yaml:"pairs"`
	MaxWindow      string   `yaml:"max_window"`
	MaxLookback    string   `yaml:"max_lookback"`
	MaxAttempts    int      `yaml:"max_attempts"`
	RetryBaseDelay string   `yaml:"retry_base_delay"`
}

type ReportConfig struct {
	Timezone       string `yaml:"timezone"`
	QuoteFeeMode   string `yaml:"quote_fee_mode"`
	Scope          string `yaml:"scope"`
	DailyStatsPath string `yaml:"daily_stats_path"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type ScheduleConfig struct {
	Interval string `yaml:"interval"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type WebConfig struct {
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads the YAML file at path. Credentials may instead come from the
// environment or a .env file next to the working directory.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	overrideFromEnv(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("GATE_API_KEY"); v != "" {
		cfg.Gate.APIKey = v
	}
	if v := os.Getenv("GATE_API_SECRET"); v != "" {
		cfg.Gate.APISecret = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Gate.BaseURL == "" {
		cfg.Gate.BaseURL = "https://api.gateio.ws/api/v4"
	}
	if cfg.Gate.TimeoutSeconds == 0 {
		cfg.Gate.TimeoutSeconds = 30
	}
	if cfg.Gate.RequestsPerSecond == 0 {
		cfg.Gate.RequestsPerSecond = 10
	}
	if cfg.Sync.MaxWindow == "" {
		cfg.Sync.MaxWindow = "720h"
	}
	if cfg.Sync.MaxLookback == "" {
		cfg.Sync.MaxLookback = "8760h"
	}
	if cfg.Sync.MaxAttempts == 0 {
		cfg.Sync.MaxAttempts = 3
	}
	if cfg.Sync.RetryBaseDelay == "" {
		cfg.Sync.RetryBaseDelay = "1s"
	}
	if cfg.Report.Timezone == "" {
		cfg.Report.Timezone = "Local"
	}
	if cfg.Report.QuoteFeeMode == "" {
		cfg.Report.QuoteFeeMode = FeeModeDeduct
	}
	if cfg.Report.Scope == "" {
		cfg.Report.Scope = ScopeAllTime
	}
	if cfg.Report.DailyStatsPath == "" {
		cfg.Report.DailyStatsPath = "data/daily_stats.csv"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "data/trades.db"
	}
	if cfg.Schedule.Interval == "" {
		cfg.Schedule.Interval = "24h"
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (c *Config) Validate() error {
	if c.Gate.APIKey == "" {
		return fmt.Errorf("gate.api_key is required")
	}
	if c.Gate.APISecret == "" {
		return fmt.Errorf("gate.api_secret is required")
	}
	if c.Gate.RequestsPerSecond < 0 {
		return fmt.Errorf("gate.requests_per_second must be positive")
	}
	for name, v := range map[string]string{
		"sync.max_window":       c.Sync.MaxWindow,
		"sync.max_lookback":     c.Sync.MaxLookback,
		"sync.retry_base_delay": c.Sync.RetryBaseDelay,
		"schedule.interval":     c.Schedule.Interval,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", name, v)
		}
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	for _, p := range c.Sync.Pairs {
		if _, err := storage.ParsePair(p); err != nil {
			return fmt.Errorf("invalid sync.pairs entry: %w", err)
		}
	}
	switch c.Report.QuoteFeeMode {
	case FeeModeDeduct, FeeModeAdd:
	default:
		return fmt.Errorf("report.quote_fee_mode must be %q or %q, got %q", FeeModeDeduct, FeeModeAdd, c.Report.QuoteFeeMode)
	}
	switch c.Report.Scope {
	case ScopeAllTime, ScopeToday:
	default:
		return fmt.Errorf("report.scope must be %q or %q, got %q", ScopeAllTime, ScopeToday, c.Report.Scope)
	}
	if _, err := time.LoadLocation(c.Report.Timezone); err != nil {
		return fmt.Errorf("invalid report.timezone %q: %w", c.Report.Timezone, err)
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

func (c *Config) GateTimeout() time.Duration {
	return time.Duration(c.Gate.TimeoutSeconds) * time.Second
}

func (c *Config) MaxWindow() time.Duration {
	d, _ := time.ParseDuration(c.Sync.MaxWindow)
	return d
}

func (c *Config) MaxLookback() time.Duration {
	d, _ := time.ParseDuration(c.Sync.MaxLookback)
	return d
}

func (c *Config) RetryBaseDelay() time.Duration {
	d, _ := time.ParseDuration(c.Sync.RetryBaseDelay)
	return d
}

func (c *Config) ScheduleInterval() time.Duration {
	d, _ := time.ParseDuration(c.Schedule.Interval)
	return d
}

// Pairs returns the configured pair universe. Validate has already checked each entry.
func (c *Config) Pairs() []storage.Pair {
	pairs := make([]storage.Pair, 0, len(c.Sync.Pairs))
	for _, p := range c.Sync.Pairs {
		if pair, err := storage.ParsePair(strings.TrimSpace(p)); err == nil {
			pairs = append(pairs, pair)
		}
	}
	return pairs
}

func (c *Config) ReportLocation() *time.Location {
	loc, err := time.LoadLocation(c.Report.Timezone)
	if err != nil {
		loc = time.Local
	}
	return loc
}

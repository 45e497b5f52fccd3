package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pricesync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Remote     RemoteConfig     `yaml:"remote"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	FieldsPath string           `yaml:"fields_path"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	Backup      BackupConfig  `yaml:"backup"`
}

// BackupConfig schedules online snapshots of the sqlite database. A zero interval disables them.
type BackupConfig struct {
	Dir           string        `yaml:"dir"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
}

type RedisConfig struct {
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	PoolSize      int    `yaml:"pool_size"`
	NotifyKey     string `yaml:"notify_key"`
	DeadLetterKey string `yaml:"dead_letter_key"`
	LockPrefix    string `yaml:"lock_prefix"`
}

// Enabled reports whether a redis address is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Address) != ""
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool `yaml:"enabled"`
	Port       int  `yaml:"port"`
	Reflection bool `yaml:"reflection"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type WebhookConfig struct {
	Secret              string   `yaml:"secret"`
	ProgrammaticSources []string `yaml:"programmatic_sources"`
	SkipFlagField       string   `yaml:"skip_flag_field"`
	MaxBodyBytes        int64    `yaml:"max_body_bytes"`
}

type RemoteConfig struct {
	BaseURL   string              `yaml:"base_url"`
	Timeout   time.Duration       `yaml:"timeout"`
	Token     string              `yaml:"token"`
	OAuth     RemoteOAuthConfig   `yaml:"oauth"`
	RateLimit APIRateLimitConfig  `yaml:"rate_limit"`
	Breaker   RemoteBreakerConfig `yaml:"breaker"`
}

type RemoteOAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

// Enabled reports whether client credentials are configured.
func (o RemoteOAuthConfig) Enabled() bool {
	return o.ClientID != "" && o.TokenURL != ""
}

type RemoteBreakerConfig struct {
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
}

type ProcessorConfig struct {
	Enabled        *bool         `yaml:"enabled"`
	Workers        int           `yaml:"workers"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	LockWait       time.Duration `yaml:"lock_wait"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
	ReleaseDelay   time.Duration `yaml:"release_delay"`
	StuckAfter     time.Duration `yaml:"stuck_after"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
}

// Active reports whether the queue processor should run in this process.
func (p ProcessorConfig) Active() bool {
	return p.Enabled == nil || *p.Enabled
}

type TelegramConfig struct {
	BotToken string  `yaml:"bot_token"`
	ChatIDs  []int64 `yaml:"chat_ids"`
	// Commands enables the operator command bot in the same chats.
	Commands bool `yaml:"commands"`
}

// Enabled reports whether failure alerts should be sent.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && len(t.ChatIDs) > 0
}

func Load(configPath string) (*Config, error) {
	// .env необязателен
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Подставляем переменные окружения до разбора YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Webhook.Secret == "" {
		return errors.New("webhook secret is required")
	}
	if c.Processor.Active() && c.Remote.BaseURL == "" {
		return errors.New("remote base_url is required when the processor is enabled")
	}
	if c.Processor.MaxRetries < 0 {
		return fmt.Errorf("processor.max_retries must be >= 0, got %d", c.Processor.MaxRetries)
	}
	if c.Processor.Workers < 1 {
		return fmt.Errorf("processor.workers must be >= 1, got %d", c.Processor.Workers)
	}
	if c.Remote.Breaker.FailureRatio < 0 || c.Remote.Breaker.FailureRatio > 1 {
		return fmt.Errorf("remote.breaker.failure_ratio must be within [0,1]")
	}
	seen := make(map[string]bool)
	for _, k := range c.API.Auth.APIKeys {
		if k.Key == "" {
			return fmt.Errorf("api key %q has empty key", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for %q", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "pricesync"
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = 5 * time.Second
	}
	if c.Database.Backup.Dir == "" {
		c.Database.Backup.Dir = filepath.Join(filepath.Dir(c.Database.Path), "backups")
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.Redis.NotifyKey == "" {
		c.Redis.NotifyKey = "pricesync:queue:notify"
	}
	if c.Redis.DeadLetterKey == "" {
		c.Redis.DeadLetterKey = "pricesync:queue:dead"
	}
	if c.Redis.LockPrefix == "" {
		c.Redis.LockPrefix = "pricesync:lock:"
	}

	if c.Webhook.SkipFlagField == "" {
		c.Webhook.SkipFlagField = "custitem_skip_sync"
	}
	if c.Webhook.MaxBodyBytes == 0 {
		c.Webhook.MaxBodyBytes = 1 << 20
	}

	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = models.DefaultRemoteTimeout
	}
	if c.Remote.Breaker.Timeout == 0 {
		c.Remote.Breaker.Timeout = 30 * time.Second
	}
	if c.Remote.Breaker.Interval == 0 {
		c.Remote.Breaker.Interval = time.Minute
	}
	if c.Remote.Breaker.MaxRequests == 0 {
		c.Remote.Breaker.MaxRequests = 1
	}
	if c.Remote.Breaker.MinRequests == 0 {
		c.Remote.Breaker.MinRequests = 10
	}
	if c.Remote.Breaker.FailureRatio == 0 {
		c.Remote.Breaker.FailureRatio = 0.6
	}

	p := &c.Processor
	if p.Workers == 0 {
		p.Workers = models.DefaultWorkers
	}
	if p.PollInterval == 0 {
		p.PollInterval = models.DefaultPollInterval
	}
	if p.LockWait == 0 {
		p.LockWait = 5 * time.Second
	}
	if p.LockTTL == 0 {
		p.LockTTL = 2 * c.Remote.Timeout
	}
	if p.ReleaseDelay == 0 {
		p.ReleaseDelay = time.Second
	}
	if p.StuckAfter == 0 {
		p.StuckAfter = models.DefaultStuckAfter
	}
	if p.SweepInterval == 0 {
		p.SweepInterval = time.Minute
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = models.DefaultMaxRetries
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = 5 * time.Second
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = 10 * time.Minute
	}
	if p.BackoffFactor == 0 {
		p.BackoffFactor = 2
	}
}

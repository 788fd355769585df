package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Broker     BrokerConfig     `yaml:"broker"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Automation AutomationConfig `yaml:"automation"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	Log        LogConfig        `yaml:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Security   SecurityConfig   `yaml:"security"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// BrokerConfig NATS 连接配置
type BrokerConfig struct {
	URL        string `yaml:"url"`
	QueueGroup string `yaml:"queue_group"` // competing-consumers group shared by all engine instances
}

// PipelineConfig is the pipeline/CRM collaborator service endpoint.
type PipelineConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// AutomationConfig tunes the action executor.
type AutomationConfig struct {
	MaxAttempts int           `yaml:"max_attempts"` // retry cap for the primary action
	RetryDelay  time.Duration `yaml:"retry_delay"`  // linear backoff unit: attempt * RetryDelay
	// ActorFallback controls the acting-user header when an event carries no
	// user id: "first-org-user" asks the collaborator for an arbitrary org
	// user, "system" uses SystemActorID. The first-org-user behavior is a
	// documented legacy fallback pending product confirmation.
	ActorFallback string `yaml:"actor_fallback"`
	SystemActorID uint   `yaml:"system_actor_id"`
}

// ScannerConfig tunes the SLA breach scanner.
type ScannerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`    // json, text
	Output     string `yaml:"output"`    // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxAge     int    `yaml:"max_age"`     // days
	MaxBackups int    `yaml:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress"`    // compress backup files
}

type MonitoringConfig struct {
	Enabled      bool               `yaml:"enabled"`
	MetricsPath  string             `yaml:"metrics_path"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

type HealthChecksConfig struct {
	Database bool `yaml:"database"`
	Broker   bool `yaml:"broker"`
	Pipeline bool `yaml:"pipeline"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP gRPC 端点
	Insecure    bool    `yaml:"insecure"`     // 明文（本地/开发）
	SampleRatio float64 `yaml:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `yaml:"service_name"`
}

type SecurityConfig struct {
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
}

type RateLimitingConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

func Load() *Config {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}
	applyDefaults(&config)
	return &config
}

// applyDefaults fills zero values so a partial config file still yields a
// runnable engine.
func applyDefaults(cfg *Config) {
	def := GetDefaultConfig()
	if cfg.Server.Port == 0 {
		cfg.Server = def.Server
	}
	if cfg.Broker.URL == "" {
		cfg.Broker.URL = def.Broker.URL
	}
	if cfg.Broker.QueueGroup == "" {
		cfg.Broker.QueueGroup = def.Broker.QueueGroup
	}
	if cfg.Pipeline.BaseURL == "" {
		cfg.Pipeline.BaseURL = def.Pipeline.BaseURL
	}
	if cfg.Pipeline.Timeout == 0 {
		cfg.Pipeline.Timeout = def.Pipeline.Timeout
	}
	if cfg.Automation.MaxAttempts == 0 {
		cfg.Automation.MaxAttempts = def.Automation.MaxAttempts
	}
	if cfg.Automation.RetryDelay == 0 {
		cfg.Automation.RetryDelay = def.Automation.RetryDelay
	}
	if cfg.Automation.ActorFallback == "" {
		cfg.Automation.ActorFallback = def.Automation.ActorFallback
	}
	if cfg.Scanner.Interval == 0 {
		cfg.Scanner.Interval = def.Scanner.Interval
	}
	if cfg.Log.Level == "" {
		cfg.Log = def.Log
	}
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "crmflow",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Broker: BrokerConfig{
			URL:        "nats://localhost:4222",
			QueueGroup: "automation-engine",
		},
		Pipeline: PipelineConfig{
			BaseURL: "http://localhost:8081",
			Timeout: 10 * time.Second,
		},
		Automation: AutomationConfig{
			MaxAttempts:   3,
			RetryDelay:    500 * time.Millisecond,
			ActorFallback: "first-org-user",
		},
		Scanner: ScannerConfig{
			Enabled:  true,
			Interval: time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "logs/crmflow.log",
			MaxSize:    100,
			MaxAge:     14,
			MaxBackups: 5,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			HealthChecks: HealthChecksConfig{
				Database: true,
				Broker:   true,
			},
			Tracing: TracingConfig{
				SampleRatio: 0.1,
			},
		},
		Security: SecurityConfig{
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             30,
			},
		},
	}
}

package main

import (
	"fmt"
	"os"
	"time"

	"tci/internal/common/cache"
	"tci/internal/common/mq"
	"tci/internal/common/storage"
	"tci/internal/governor"
	"tci/internal/pool"
	"tci/internal/reward"
	"tci/internal/runtime"
	"tci/internal/sandbox/engine"
	"tci/internal/session"
	"tci/internal/store"
	"tci/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8080"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultEventTopic      = "tci.events"
	defaultWorkspaceRoot   = "/var/lib/tci/workspaces"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// EventsConfig holds lifecycle event publishing settings. Kafka is
// optional; without brokers events are dropped.
type EventsConfig struct {
	Topic string `yaml:"topic"`
}

// GovernorConfig holds resource profile settings.
type GovernorConfig struct {
	Profiles       []governor.Profile `yaml:"profiles"`
	DefaultProfile string             `yaml:"defaultProfile"`
}

// SecurityConfig holds extra static scan patterns per language.
type SecurityConfig struct {
	ExtraPatterns map[string][]string `yaml:"extraPatterns"`
}

// AppConfig holds tci-service config.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Logger   logger.Config       `yaml:"logger"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Kafka    mq.KafkaConfig      `yaml:"kafka"`
	Events   EventsConfig        `yaml:"events"`
	Pool     pool.Config         `yaml:"pool"`
	Session  session.Config      `yaml:"session"`
	Governor GovernorConfig      `yaml:"governor"`
	Runtimes []runtime.Config    `yaml:"runtimes"`
	Sandbox  engine.Config       `yaml:"sandbox"`
	Store    store.Config        `yaml:"store"`
	Reward   reward.Config       `yaml:"reward"`
	Security SecurityConfig      `yaml:"security"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.MinIO.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	applyRedisDefaults(&cfg.Redis)
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = defaultEventTopic
	}
	if cfg.Pool.Capacity <= 0 {
		cfg.Pool.Capacity = 8
	}
	if cfg.Pool.WorkspaceRoot == "" {
		cfg.Pool.WorkspaceRoot = defaultWorkspaceRoot
	}
	return &cfg, nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
}

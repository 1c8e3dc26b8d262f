package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"querylab/internal/common/cache"
	"querylab/internal/common/db"
	"querylab/internal/common/mq"
	"querylab/internal/common/storage"
	"querylab/internal/grader/sandbox"
	"querylab/pkg/utils/logger"

	"github.com/google/shlex"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultAttemptTopic    = "querylab.attempts"
	defaultArchivePrefix   = "attempts"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// AuthConfig selects how callers are identified.
type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
	JWTIssuer string `yaml:"jwtIssuer"`
}

// DatabaseConfig holds the ledger store settings.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime time.Duration `yaml:"connMaxIdleTime"`
	// InitSchema creates missing tables on startup.
	InitSchema bool `yaml:"initSchema"`
}

// SandboxConfig holds shell process settings.
type SandboxConfig struct {
	Binary    string `yaml:"binary"`
	TargetURI string `yaml:"targetURI"`
	// ExtraArgs is split like a shell command line.
	ExtraArgs      string        `yaml:"extraArgs"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int           `yaml:"maxOutputBytes"`
	MaxTimeMS      int           `yaml:"maxTimeMS"`
	PoolSize       int           `yaml:"poolSize"`
	QueueWait      time.Duration `yaml:"queueWait"`
}

// GradingConfig holds request and diagnostics limits.
type GradingConfig struct {
	MaxCodeBytes     int           `yaml:"maxCodeBytes"`
	ProbeSampleSize  int           `yaml:"probeSampleSize"`
	SchemaSampleSize int           `yaml:"schemaSampleSize"`
	AssignmentTTL    time.Duration `yaml:"assignmentTTL"`
	AssignmentNilTTL time.Duration `yaml:"assignmentNilTTL"`
}

// KafkaConfig holds attempt event publishing settings. Empty brokers disable it.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	Topic        string        `yaml:"topic"`
	Compression  string        `yaml:"compression"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
}

// ArchiveConfig holds raw output archiving settings.
type ArchiveConfig struct {
	Enabled bool                `yaml:"enabled"`
	Prefix  string              `yaml:"prefix"`
	MinIO   storage.MinIOConfig `yaml:"minio"`
}

// AppConfig holds the grader-service configuration.
type AppConfig struct {
	Server   ServerConfig      `yaml:"server"`
	Logger   logger.Config     `yaml:"logger"`
	Auth     AuthConfig        `yaml:"auth"`
	Database DatabaseConfig    `yaml:"database"`
	Redis    cache.RedisConfig `yaml:"redis"`
	Kafka    KafkaConfig       `yaml:"kafka"`
	Archive  ArchiveConfig     `yaml:"archive"`
	Sandbox  SandboxConfig     `yaml:"sandbox"`
	Grading  GradingConfig     `yaml:"grading"`
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

// loadAppConfig reads path, then lets the environment (and an optional .env
// file in the working directory) override connection settings.
func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env failed: %w", err)
	}
	applyEnvOverrides(&cfg)

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Archive.Enabled && cfg.Archive.MinIO.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	if _, err := mq.ParseCompression(cfg.Kafka.Compression); err != nil {
		return nil, err
	}
	if _, err := cfg.sandboxConfig(); err != nil {
		return nil, err
	}

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
	if cfg.Redis.Addr != "" {
		applyRedisDefaults(&cfg.Redis)
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = defaultAttemptTopic
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = defaultArchivePrefix
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.Sandbox.TargetURI = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
}

// sandboxConfig validates and converts the sandbox section.
func (c *AppConfig) sandboxConfig() (sandbox.Config, error) {
	extra, err := shlex.Split(c.Sandbox.ExtraArgs)
	if err != nil {
		return sandbox.Config{}, fmt.Errorf("sandbox extra args: %w", err)
	}
	cfg := sandbox.Config{
		BinaryPath:     c.Sandbox.Binary,
		TargetURI:      c.Sandbox.TargetURI,
		ExtraArgs:      extra,
		Timeout:        c.Sandbox.Timeout,
		MaxOutputBytes: c.Sandbox.MaxOutputBytes,
		MaxTimeMS:      c.Sandbox.MaxTimeMS,
		PoolSize:       c.Sandbox.PoolSize,
		QueueWait:      c.Sandbox.QueueWait,
	}.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return sandbox.Config{}, err
	}
	return cfg, nil
}

func (c *AppConfig) postgresConfig() *db.PostgreSQLConfig {
	return &db.PostgreSQLConfig{
		DSN:                c.Database.DSN,
		MaxOpenConnections: c.Database.MaxOpenConns,
		MaxIdleConnections: c.Database.MaxIdleConns,
		ConnMaxLifetime:    c.Database.ConnMaxLifetime,
		ConnMaxIdleTime:    c.Database.ConnMaxIdleTime,
	}
}

func (c *AppConfig) kafkaConfig() (mq.KafkaConfig, error) {
	compression, err := mq.ParseCompression(c.Kafka.Compression)
	if err != nil {
		return mq.KafkaConfig{}, err
	}
	return mq.KafkaConfig{
		Brokers:      c.Kafka.Brokers,
		ClientID:     c.Kafka.ClientID,
		Compression:  compression,
		BatchTimeout: c.Kafka.BatchTimeout,
	}, nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
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
}

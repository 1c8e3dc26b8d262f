package sandbox

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBinaryPath     = "mongosh"
	defaultTimeout        = 5 * time.Second
	defaultMaxOutputBytes = 2_000_000
	defaultMaxTimeMS      = 3000
	defaultPoolSize       = 4
	defaultQueueWait      = 2 * time.Second
	defaultStderrMaxBytes = 64 << 10

	// outputSlack lets an oversize result be told apart from a truncated one.
	outputSlack = 64 << 10
)

// Config controls how shell processes are spawned.
type Config struct {
	BinaryPath     string
	TargetURI      string
	ExtraArgs      []string
	Timeout        time.Duration
	MaxOutputBytes int
	MaxTimeMS      int
	PoolSize       int
	QueueWait      time.Duration
	StderrMaxBytes int
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.BinaryPath == "" {
		c.BinaryPath = defaultBinaryPath
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = defaultMaxOutputBytes
	}
	if c.MaxTimeMS < 0 {
		c.MaxTimeMS = 0
	} else if c.MaxTimeMS == 0 {
		c.MaxTimeMS = defaultMaxTimeMS
	}
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.QueueWait <= 0 {
		c.QueueWait = defaultQueueWait
	}
	if c.StderrMaxBytes <= 0 {
		c.StderrMaxBytes = defaultStderrMaxBytes
	}
	return c
}

// Validate checks that the target names a database.
func (c Config) Validate() error {
	if strings.TrimSpace(c.TargetURI) == "" {
		return fmt.Errorf("sandbox target uri is required")
	}
	u, err := url.Parse(c.TargetURI)
	if err != nil {
		return fmt.Errorf("sandbox target uri: %w", err)
	}
	if u.Scheme != "mongodb" && u.Scheme != "mongodb+srv" {
		return fmt.Errorf("sandbox target uri: unsupported scheme %q", u.Scheme)
	}
	if strings.Trim(u.Path, "/") == "" {
		return fmt.Errorf("sandbox target uri must include a database name")
	}
	return nil
}

package cache

import (
	"context"
	"time"
)

// Cache is the key-value surface used by read-through repositories.
type Cache interface {
	// Get returns "" with a nil error when the key is absent.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value; a zero ttl keeps the key forever.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

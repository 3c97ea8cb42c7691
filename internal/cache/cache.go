package cache

import (
	"context"
	"time"
)

// Cache stores serialized pipeline artifacts keyed by request fingerprint.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

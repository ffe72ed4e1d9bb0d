// Package cache defines the byte-cache port the Engine Provider reads
// semantic manifests through, keeping the provider independent of the
// concrete cache implementation.
package cache

import (
	"context"
	"time"
)

// Cache is a key-value byte cache. The Engine Provider keys it by
// project, manifest path, and file mtime, so implementations never need
// invalidation logic of their own beyond TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

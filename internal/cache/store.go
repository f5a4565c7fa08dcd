/**
 * @description
 * This package provides the TTL key-value capability shared by the gateway
 * token cache and the provider catalog. It is injected explicitly instead of
 * living in a package-level global, so tests and processes can choose the
 * backing store (in-process ttlcache or Redis).
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: For the distributed implementation.
 * - github.com/jellydator/ttlcache/v3: For the in-process implementation.
 */

package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is a concurrency-safe key-value store with per-key expiry.
// A ttl <= 0 passed to Set means the value is not cached.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Package cache keeps resolved entitlement snapshots and the per-tenant
// override expiry index used by the reconcile sweep.
package cache

import (
	"context"
	"time"
)

// Store is the backing store contract. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// IndexAddMin records member with score at, keeping the smaller score when
	// the member is already present.
	IndexAddMin(ctx context.Context, index, member string, at time.Time) error
	// IndexRangeUpTo returns members whose score is <= max.
	IndexRangeUpTo(ctx context.Context, index string, max time.Time) ([]string, error)
	IndexRemove(ctx context.Context, index string, members ...string) error
}

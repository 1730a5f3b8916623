package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	"go.uber.org/zap"
)

const (
	keyPrefix = "entitlements:v1:"
	// OverrideExpiryIndex holds one member per tenant scored by its earliest
	// tracked override expiry.
	OverrideExpiryIndex = "entitlements:override_expiry"

	schemaVersion = 1

	generationStripes = 256
)

type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Snapshot      domain.Snapshot `json:"snapshot"`
}

// EntitlementCache stores snapshots in a Store and tracks override expiries.
// Every invalidation bumps an in-process generation for the tenant so a fill
// that started earlier cannot write its snapshot back.
type EntitlementCache struct {
	store Store
	log   *zap.Logger

	generations [generationStripes]atomic.Uint64
}

func NewEntitlementCache(store Store, log *zap.Logger) *EntitlementCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &EntitlementCache{store: store, log: log.Named("entitlement.cache")}
}

func Key(tenantID string) string {
	return keyPrefix + strings.TrimSpace(tenantID)
}

// Get returns the cached snapshot. Undecodable entries or entries written by
// another schema version are dropped and reported as a miss.
func (c *EntitlementCache) Get(ctx context.Context, tenantID string) (domain.Snapshot, bool, error) {
	key := Key(tenantID)
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return domain.Snapshot{}, false, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.SchemaVersion != schemaVersion {
		c.log.Warn("dropping unreadable cache entry",
			zap.String("tenant_id", tenantID),
			zap.Int("schema_version", env.SchemaVersion),
		)
		_ = c.store.Delete(ctx, key)
		return domain.Snapshot{}, false, nil
	}
	return env.Snapshot, true, nil
}

func (c *EntitlementCache) Set(ctx context.Context, snapshot domain.Snapshot, ttl time.Duration) error {
	raw, err := json.Marshal(envelope{SchemaVersion: schemaVersion, Snapshot: snapshot})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return c.store.SetWithTTL(ctx, Key(snapshot.TenantID), raw, ttl)
}

// Generation returns the tenant's invalidation counter. Tenants share
// stripes, so a collision only costs a skipped write.
func (c *EntitlementCache) Generation(tenantID string) uint64 {
	return c.stripe(tenantID).Load()
}

// SetIfCurrent stores snapshot only while the tenant's generation still equals
// gen. It reports whether the snapshot was kept.
func (c *EntitlementCache) SetIfCurrent(ctx context.Context, snapshot domain.Snapshot, ttl time.Duration, gen uint64) (bool, error) {
	g := c.stripe(snapshot.TenantID)
	if g.Load() != gen {
		return false, nil
	}
	if err := c.Set(ctx, snapshot, ttl); err != nil {
		return false, err
	}
	// An invalidation that raced the write may have deleted before it landed.
	if g.Load() != gen {
		return false, c.store.Delete(ctx, Key(snapshot.TenantID))
	}
	return true, nil
}

func (c *EntitlementCache) Invalidate(ctx context.Context, tenantID string) error {
	c.stripe(tenantID).Add(1)
	return c.store.Delete(ctx, Key(tenantID))
}

func (c *EntitlementCache) stripe(tenantID string) *atomic.Uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.TrimSpace(tenantID)))
	return &c.generations[h.Sum32()%generationStripes]
}

// TrackOverrideExpiry records expiresAt for tenantID unless an earlier expiry
// is already tracked.
func (c *EntitlementCache) TrackOverrideExpiry(ctx context.Context, tenantID string, expiresAt time.Time) error {
	return c.store.IndexAddMin(ctx, OverrideExpiryIndex, strings.TrimSpace(tenantID), expiresAt.UTC())
}

// InvalidateExpiredOverrides drops the cached snapshot of every tenant whose
// tracked expiry is <= now and returns those tenants. Snapshots are not
// recomputed here.
func (c *EntitlementCache) InvalidateExpiredOverrides(ctx context.Context, now time.Time) ([]string, error) {
	tenants, err := c.store.IndexRangeUpTo(ctx, OverrideExpiryIndex, now.UTC())
	if err != nil {
		return nil, err
	}
	if len(tenants) == 0 {
		return nil, nil
	}
	sort.Strings(tenants)

	keys := make([]string, len(tenants))
	for i, t := range tenants {
		c.stripe(t).Add(1)
		keys[i] = Key(t)
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		return nil, err
	}
	if err := c.store.IndexRemove(ctx, OverrideExpiryIndex, tenants...); err != nil {
		return nil, err
	}
	return tenants, nil
}

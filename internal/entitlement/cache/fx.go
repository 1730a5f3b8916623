package cache

import (
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type StoreParams struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Redis  redis.UniversalClient `optional:"true"`
}

// NewStore selects the backing store from configuration.
func NewStore(p StoreParams) (Store, error) {
	switch p.Config.Cache.Backend {
	case config.CacheBackendRedis:
		if p.Redis == nil {
			return nil, fmt.Errorf("entitlement cache backend %q requires REDIS_ADDR", config.CacheBackendRedis)
		}
		return NewRedisStore(p.Redis), nil
	default:
		p.Log.Info("entitlement cache is process-local", zap.Int("max_entries", p.Config.Cache.MaxEntries))
		return NewMemoryStore(p.Config.Cache.MaxEntries), nil
	}
}

var Module = fx.Module("entitlement.cache",
	fx.Provide(NewStore),
	fx.Provide(NewEntitlementCache),
)

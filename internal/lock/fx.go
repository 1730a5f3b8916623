package lock

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type RedisParams struct {
	fx.In

	Lc     fx.Lifecycle
	Config config.Config
	Log    *zap.Logger
}

// NewRedisClient returns nil when no Redis address is configured.
func NewRedisClient(p RedisParams) redis.UniversalClient {
	addr := p.Config.Redis.Addr
	if addr == "" {
		p.Log.Info("redis not configured; cache is process-local and sweeps are unlocked")
		return nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{addr},
		Password: p.Config.Redis.Password,
		DB:       p.Config.Redis.DB,
	})
	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

type LockerParams struct {
	fx.In

	Redis redis.UniversalClient `optional:"true"`
}

func provideLocker(p LockerParams) *Locker {
	return NewLocker(p.Redis)
}

var Module = fx.Module("lock",
	fx.Provide(NewRedisClient),
	fx.Provide(provideLocker),
)

package scheduler

import (
	"context"

	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/entitlement/cache"
	jobservice "github.com/smallbiznis/gatekeeper/internal/job/service"
	overridedomain "github.com/smallbiznis/gatekeeper/internal/override/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(
		func(c *cache.EntitlementCache) ExpiryInvalidator { return c },
		func(s overridedomain.Service) OverrideExpirer { return s },
		func(r *jobservice.RetryOnRecovery) BlockedJobRetrier { return r },
	),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

func NewScheduler(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if !cfg.Scheduler.Enabled {
		return
	}

	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}

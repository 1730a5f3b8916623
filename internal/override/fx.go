package override

import (
	"github.com/smallbiznis/gatekeeper/internal/entitlement/cache"
	entdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	"github.com/smallbiznis/gatekeeper/internal/override/domain"
	"github.com/smallbiznis/gatekeeper/internal/override/repository"
	"github.com/smallbiznis/gatekeeper/internal/override/service"
	"go.uber.org/fx"
)

var Module = fx.Module("override.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(c *cache.EntitlementCache) domain.CacheInvalidator { return c }),
	fx.Provide(service.NewService),
	fx.Provide(func(s domain.Service) entdomain.OverrideLister { return s }),
)

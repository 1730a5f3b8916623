package entitlement

import (
	"github.com/smallbiznis/gatekeeper/internal/entitlement/cache"
	"github.com/smallbiznis/gatekeeper/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	cache.Module,
	fx.Provide(service.NewService),
)

package subscription

import (
	entdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	"github.com/smallbiznis/gatekeeper/internal/subscription/domain"
	"github.com/smallbiznis/gatekeeper/internal/subscription/repository"
	"github.com/smallbiznis/gatekeeper/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s domain.Service) entdomain.PlanKeyResolver {
		return s
	}),
)

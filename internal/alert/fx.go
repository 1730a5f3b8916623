package alert

import (
	"github.com/smallbiznis/gatekeeper/internal/alert/service"
	"go.uber.org/fx"
)

var Module = fx.Module("alert.service",
	fx.Provide(service.NewSupportNotifier),
	fx.Provide(service.NewDenyMonitor),
)

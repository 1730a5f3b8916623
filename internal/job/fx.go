package job

import (
	alertservice "github.com/smallbiznis/gatekeeper/internal/alert/service"
	"github.com/smallbiznis/gatekeeper/internal/job/repository"
	"github.com/smallbiznis/gatekeeper/internal/job/service"
	"go.uber.org/fx"
)

var Module = fx.Module("job.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewGatingChecker),
	fx.Provide(func(m *alertservice.DenyMonitor) service.DenyRecorder { return m }),
	fx.Provide(service.NewService),
	fx.Provide(service.NewRetryOnRecovery),
)

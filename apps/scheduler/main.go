package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/alert"
	"github.com/smallbiznis/gatekeeper/internal/audit"
	"github.com/smallbiznis/gatekeeper/internal/authorization"
	"github.com/smallbiznis/gatekeeper/internal/billinggate"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/entitlement"
	"github.com/smallbiznis/gatekeeper/internal/job"
	"github.com/smallbiznis/gatekeeper/internal/lock"
	"github.com/smallbiznis/gatekeeper/internal/observability"
	"github.com/smallbiznis/gatekeeper/internal/override"
	"github.com/smallbiznis/gatekeeper/internal/plan"
	"github.com/smallbiznis/gatekeeper/internal/providers"
	"github.com/smallbiznis/gatekeeper/internal/scheduler"
	"github.com/smallbiznis/gatekeeper/internal/subscription"
	"github.com/smallbiznis/gatekeeper/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,
		plan.Module,

		// Domain services required by the sweeps
		authorization.Module,
		audit.Module,
		subscription.Module,
		providers.Module,
		alert.Module,
		entitlement.Module,
		override.Module,
		billinggate.Module,
		job.Module,

		scheduler.Module,
		fx.Invoke(func(cfg config.Config) error { return cfg.ValidateStandaloneScheduler() }),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}

package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/lock"
	"github.com/smallbiznis/gatekeeper/internal/migration"
	"github.com/smallbiznis/gatekeeper/internal/observability"
	"github.com/smallbiznis/gatekeeper/internal/plan"
	"github.com/smallbiznis/gatekeeper/internal/scheduler"
	"github.com/smallbiznis/gatekeeper/internal/server"
	"github.com/smallbiznis/gatekeeper/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,
		plan.Module,

		// HTTP API plus every domain service it depends on
		server.Module,

		// Sweeps run in-process unless SCHEDULER_ENABLED=false
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

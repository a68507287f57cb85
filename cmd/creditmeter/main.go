package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/internal/burnrate"
	"github.com/smallbiznis/creditmeter/internal/cache"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/smallbiznis/creditmeter/internal/dailylimit"
	"github.com/smallbiznis/creditmeter/internal/entitlement"
	"github.com/smallbiznis/creditmeter/internal/events"
	"github.com/smallbiznis/creditmeter/internal/ledger"
	"github.com/smallbiznis/creditmeter/internal/logger"
	"github.com/smallbiznis/creditmeter/internal/metering"
	"github.com/smallbiznis/creditmeter/internal/migration"
	"github.com/smallbiznis/creditmeter/internal/observability"
	"github.com/smallbiznis/creditmeter/internal/ratelimit"
	"github.com/smallbiznis/creditmeter/internal/scheduler"
	"github.com/smallbiznis/creditmeter/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		events.Module,
		ratelimit.Module,
		migration.Module,

		// Domain services
		ledger.Module,
		entitlement.Module,
		dailylimit.Module,
		metering.Module,
		burnrate.Module,

		// Periodic drivers
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

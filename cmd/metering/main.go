package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/agencyos/metering/internal/aggregation"
	"github.com/agencyos/metering/internal/clock"
	"github.com/agencyos/metering/internal/config"
	"github.com/agencyos/metering/internal/credit"
	"github.com/agencyos/metering/internal/entitlement"
	"github.com/agencyos/metering/internal/logger"
	"github.com/agencyos/metering/internal/migration"
	"github.com/agencyos/metering/internal/observability"
	"github.com/agencyos/metering/internal/ratelimit"
	"github.com/agencyos/metering/internal/server"
	"github.com/agencyos/metering/internal/usage"
	"github.com/agencyos/metering/pkg/db"
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
		migration.Module,

		// Functional domains
		usage.Module,
		entitlement.Module,
		credit.Module,
		aggregation.Module,
		ratelimit.Module,

		server.Module,
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

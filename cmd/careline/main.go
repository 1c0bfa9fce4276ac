package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careline/internal/appointment"
	"github.com/smallbiznis/careline/internal/clock"
	"github.com/smallbiznis/careline/internal/config"
	"github.com/smallbiznis/careline/internal/convmetrics"
	"github.com/smallbiznis/careline/internal/locks"
	"github.com/smallbiznis/careline/internal/logger"
	"github.com/smallbiznis/careline/internal/metering"
	"github.com/smallbiznis/careline/internal/migration"
	"github.com/smallbiznis/careline/internal/notification"
	obsmetrics "github.com/smallbiznis/careline/internal/observability/metrics"
	"github.com/smallbiznis/careline/internal/scheduler"
	"github.com/smallbiznis/careline/internal/server"
	"github.com/smallbiznis/careline/internal/session"
	"github.com/smallbiznis/careline/internal/sessionguard"
	"github.com/smallbiznis/careline/internal/settlement"
	"github.com/smallbiznis/careline/internal/subscription"
	"github.com/smallbiznis/careline/internal/wallet"
	"github.com/smallbiznis/careline/pkg/db"
	"go.uber.org/fx"
)

func newSnowflakeNode(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(int64(cfg.SnowflakeNodeID))
}

func initMetrics(cfg config.Config) {
	obsmetrics.EngineWithConfig(obsmetrics.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
	})
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
	})
}

func main() {
	fx.New(
		config.Module,
		logger.Module,
		clock.Module,
		db.Module,
		locks.Module,
		notification.Module,

		subscription.Module,
		wallet.Module,
		appointment.Module,
		session.Module,
		sessionguard.Module,
		metering.Module,
		settlement.Module,
		convmetrics.Module,

		migration.Module,
		scheduler.Module,
		server.Module,

		fx.Provide(newSnowflakeNode),
		fx.Invoke(initMetrics),
	).Run()
}

package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storeforge/internal/clock"
	"github.com/smallbiznis/storeforge/internal/config"
	"github.com/smallbiznis/storeforge/internal/migration"
	"github.com/smallbiznis/storeforge/internal/observability"
	"github.com/smallbiznis/storeforge/internal/scheduler"
	"github.com/smallbiznis/storeforge/internal/server"
	"github.com/smallbiznis/storeforge/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	fx.New(
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),

		config.Module,
		observability.Module,
		fx.Provide(newIDNode),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
		scheduler.Module,
	).Run()
}

// newIDNode returns the snowflake node for NODE_ID. Each replica needs its own.
func newIDNode(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

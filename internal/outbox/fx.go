package outbox

import (
	"context"

	"github.com/smallbiznis/storeforge/internal/outbox/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("outbox",
	fx.Provide(repository.Provide),
	fx.Provide(NewDispatcher),
	fx.Provide(NewWriter),
	fx.Invoke(registerDispatcher),
)

func registerDispatcher(lc fx.Lifecycle, d *Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			d.Start()
			d.Kick()
			return nil
		},
		OnStop: d.Stop,
	})
}

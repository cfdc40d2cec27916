package realtime

import "go.uber.org/fx"

var Module = fx.Module("realtime",
	fx.Provide(NewHub),
	fx.Provide(NewBroker),
	fx.Provide(func(b *Broker) Publisher { return b }),
	fx.Invoke(registerBroker),
)

func registerBroker(lc fx.Lifecycle, b *Broker) {
	lc.Append(fx.Hook{
		OnStart: b.Start,
		OnStop:  b.Stop,
	})
}

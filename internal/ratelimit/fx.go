package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(provideLocker),
	fx.Provide(NewTriggerLimiter),
)

type lockerParams struct {
	fx.In

	Client *redis.Client `optional:"true"`
}

func provideLocker(p lockerParams) *Locker {
	return NewLocker(p.Client)
}

package notification

import (
	"github.com/smallbiznis/storeforge/internal/notification/repository"
	"github.com/smallbiznis/storeforge/internal/notification/service"
	"go.uber.org/fx"
)

var Module = fx.Module("notification",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)

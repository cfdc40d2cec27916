package buildjob

import (
	"github.com/smallbiznis/storeforge/internal/buildjob/dispatch"
	"github.com/smallbiznis/storeforge/internal/buildjob/domain"
	"github.com/smallbiznis/storeforge/internal/buildjob/repository"
	"github.com/smallbiznis/storeforge/internal/buildjob/service"
	"go.uber.org/fx"
)

var Module = fx.Module("buildjob",
	fx.Provide(repository.Provide),
	fx.Provide(
		fx.Annotate(dispatch.New, fx.As(new(domain.Dispatcher))),
	),
	fx.Provide(service.New),
)

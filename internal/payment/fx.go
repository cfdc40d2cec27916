package payment

import (
	"github.com/smallbiznis/storeforge/internal/payment/adapters"
	"github.com/smallbiznis/storeforge/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/storeforge/internal/payment/domain"
	"github.com/smallbiznis/storeforge/internal/payment/repository"
	paymentservice "github.com/smallbiznis/storeforge/internal/payment/service"
	"github.com/smallbiznis/storeforge/internal/payment/webhook"
	"go.uber.org/fx"
)

// adapterGroup collects provider factories. A new provider registers by
// adding one annotated constructor here.
const adapterGroup = `group:"payment.adapters"`

var Module = fx.Module("payment",
	fx.Provide(
		repository.Provide,
		fx.Annotate(stripe.NewFactory,
			fx.As(new(paymentdomain.AdapterFactory)),
			fx.ResultTags(adapterGroup),
		),
		fx.Annotate(adapters.NewRegistry, fx.ParamTags(adapterGroup)),
		fx.Annotate(paymentservice.NewService, fx.As(new(paymentdomain.Service))),
		webhook.NewService,
	),
)

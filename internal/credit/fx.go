package credit

import (
	"github.com/agencyos/metering/internal/credit/service"
	"github.com/agencyos/metering/internal/credit/sweep"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.service",
	fx.Provide(service.NewService),
	fx.Invoke(sweep.Register),
)

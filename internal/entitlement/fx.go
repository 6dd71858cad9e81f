package entitlement

import (
	"github.com/agencyos/metering/internal/entitlement/repository"
	"github.com/agencyos/metering/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)

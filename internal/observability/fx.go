package observability

import (
	"github.com/agencyos/metering/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		metrics.NewProvider,
		metrics.New,
	),
)

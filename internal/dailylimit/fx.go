package dailylimit

import (
	"github.com/smallbiznis/creditmeter/internal/dailylimit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("dailylimit.service",
	fx.Provide(service.NewService),
)

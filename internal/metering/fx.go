package metering

import (
	"github.com/smallbiznis/creditmeter/internal/config"
	meteringdomain "github.com/smallbiznis/creditmeter/internal/metering/domain"
	"github.com/smallbiznis/creditmeter/internal/metering/reporter"
	"github.com/smallbiznis/creditmeter/internal/metering/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("metering.service",
	fx.Provide(provideReporter),
	fx.Provide(service.NewService),
)

// provideReporter picks the HTTP reporter when a processor endpoint is
// configured, the local logging reporter otherwise.
func provideReporter(cfg config.Config, log *zap.Logger) meteringdomain.Reporter {
	if cfg.Reporter.Endpoint == "" {
		return reporter.NewLogging(log)
	}
	return reporter.NewHTTP(cfg.Reporter, log)
}

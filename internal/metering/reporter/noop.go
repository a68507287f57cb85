package reporter

import (
	"context"
	"fmt"

	meteringdomain "github.com/smallbiznis/creditmeter/internal/metering/domain"
	"go.uber.org/zap"
)

// Logging acknowledges every report locally without calling out. Used when
// no processor endpoint is configured, so dev and test environments still
// exercise the full batch lifecycle.
type Logging struct {
	log *zap.Logger
}

func NewLogging(log *zap.Logger) *Logging {
	return &Logging{log: log.Named("metering.reporter")}
}

func (r *Logging) ReportUsage(ctx context.Context, req meteringdomain.ReportRequest) (*meteringdomain.ReportAck, error) {
	r.log.Info("usage report (local ack, no processor configured)",
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.Int64("quantity", req.Quantity),
		zap.Time("period_start", req.PeriodStart),
		zap.Time("period_end", req.PeriodEnd),
	)
	key := req.IdempotencyKey
	if len(key) > 16 {
		key = key[:16]
	}
	return &meteringdomain.ReportAck{
		ExternalEventID: fmt.Sprintf("local-%s", key),
	}, nil
}

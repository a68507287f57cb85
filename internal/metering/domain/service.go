package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/creditmeter/internal/owner"
)

var (
	ErrInvalidPeriod = errors.New("invalid_period")
	// ErrReportingFailure wraps transport errors from the external
	// processor. Retryable: the batch stays unreported and the next
	// scheduled run retries with the same idempotency key.
	ErrReportingFailure = errors.New("reporting_failure")
)

// ReportRequest is what the external usage-billing processor receives. The
// quantity is the rounded billing unit, never the raw decimal total.
type ReportRequest struct {
	IdempotencyKey string
	Quantity       int64
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

type ReportAck struct {
	ExternalEventID string
}

// Reporter delivers usage to the external processor. Calls are at-least-once
// on our side; the processor deduplicates on the idempotency key.
type Reporter interface {
	ReportUsage(ctx context.Context, req ReportRequest) (*ReportAck, error)
}

type Service interface {
	// Run aggregates the owner's unreported consumption for the period
	// into a batch and reports it. Safe to call repeatedly: an existing
	// reported batch is returned unchanged, an existing unreported batch
	// is re-reported without recomputing totals. On a reporting failure
	// the durable batch is returned alongside the error.
	Run(ctx context.Context, ref owner.Ref, period Period) (*MeteringBatch, error)

	// RetryPending re-reports batches whose external acknowledgment is
	// still missing. Returns the number of batches acknowledged.
	RetryPending(ctx context.Context, limit int) (int, error)

	Get(ctx context.Context, batchKey string) (*MeteringBatch, error)
}

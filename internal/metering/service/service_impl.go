package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/clock"
	meteringdomain "github.com/smallbiznis/creditmeter/internal/metering/domain"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"github.com/smallbiznis/creditmeter/internal/owner"
	"github.com/smallbiznis/creditmeter/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultReportTimeout = 10 * time.Second

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Reporter      meteringdomain.Reporter
	ReportTimeout time.Duration       `optional:"true" name:"metering_report_timeout"`
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	reporter      meteringdomain.Reporter
	reportTimeout time.Duration
	obsMetrics    *obsmetrics.Metrics
}

func NewService(p Params) meteringdomain.Service {
	timeout := p.ReportTimeout
	if timeout <= 0 {
		timeout = defaultReportTimeout
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("metering.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		reporter:      p.Reporter,
		reportTimeout: timeout,
		obsMetrics:    p.ObsMetrics,
	}
}

func (s *Service) Run(ctx context.Context, ref owner.Ref, period meteringdomain.Period) (*meteringdomain.MeteringBatch, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if !period.Valid() {
		return nil, meteringdomain.ErrInvalidPeriod
	}

	batchKey := meteringdomain.BatchKey(ref, period)
	now := s.clock.Now()
	batch := meteringdomain.MeteringBatch{
		ID:             s.genID.Generate(),
		BatchKey:       batchKey,
		IdempotencyKey: meteringdomain.IdempotencyKey(batchKey),
		OwnerType:      ref.Type,
		OwnerID:        ref.ID,
		PeriodStart:    period.Start.UTC(),
		PeriodEnd:      period.End.UTC(),
		TotalCredits:   decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// The unique batch key serializes concurrent runs for the same owner
	// and period: exactly one worker wins the insert and computes totals.
	// Insert and totals share one transaction so a failed or interrupted
	// aggregation rolls the batch row back instead of stranding a durable
	// zero-total batch that later runs would report as-is.
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "batch_key"}},
			DoNothing: true,
		}).Create(&batch)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		inserted = true
		return s.computeTotals(tx, &batch)
	})
	if err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return nil, err
		}
		inserted = false
	}

	if !inserted {
		existing, err := s.Get(ctx, batchKey)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("batch lookup failed for key %q", batchKey)
		}
		if existing.Reported() {
			s.obsMetrics.IncBatch(obsmetrics.BatchOutcomeExisting)
			return existing, nil
		}
		// Reporting failure or crash after commit on a previous run: retry
		// delivery only, totals are already durable.
		return s.report(ctx, s.db, existing)
	}

	return s.report(ctx, s.db, &batch)
}

// computeTotals claims the period's unmetered consumption rows for the batch
// and persists their sum, in the same transaction as the batch insert. Runs
// exactly once per batch, on the run that won the insert.
func (s *Service) computeTotals(tx *gorm.DB, batch *meteringdomain.MeteringBatch) error {
	err := tx.Exec(
		`UPDATE credit_consumptions
		 SET batch_id = ?
		 WHERE owner_type = ? AND owner_id = ?
		   AND metered = false AND batch_id IS NULL
		   AND occurred_at >= ? AND occurred_at < ?`,
		batch.ID,
		batch.OwnerType, batch.OwnerID,
		batch.PeriodStart, batch.PeriodEnd,
	).Error
	if err != nil {
		return err
	}

	var total decimal.Decimal
	err = tx.Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM credit_consumptions
		 WHERE batch_id = ?`,
		batch.ID,
	).Scan(&total).Error
	if err != nil {
		return err
	}

	batch.TotalCredits = total
	batch.RoundedQuantity = roundHalfUp(total)
	batch.UpdatedAt = s.clock.Now()
	return tx.Exec(
		`UPDATE metering_batches
		 SET total_credits = ?, rounded_quantity = ?, updated_at = ?
		 WHERE id = ?`,
		batch.TotalCredits, batch.RoundedQuantity, batch.UpdatedAt,
		batch.ID,
	).Error
}

// report delivers the batch to the external processor and records the
// acknowledgment. The processor deduplicates on the idempotency key, so a
// redelivery after a lost acknowledgment cannot double-bill.
func (s *Service) report(ctx context.Context, dbh *gorm.DB, batch *meteringdomain.MeteringBatch) (*meteringdomain.MeteringBatch, error) {
	reportCtx, cancel := context.WithTimeout(ctx, s.reportTimeout)
	defer cancel()

	start := s.clock.Now()
	ack, err := s.reporter.ReportUsage(reportCtx, meteringdomain.ReportRequest{
		IdempotencyKey: batch.IdempotencyKey,
		Quantity:       batch.RoundedQuantity,
		PeriodStart:    batch.PeriodStart,
		PeriodEnd:      batch.PeriodEnd,
	})
	s.obsMetrics.ObserveReportDuration(s.clock.Now().Sub(start))
	if err != nil {
		s.obsMetrics.IncBatch(obsmetrics.BatchOutcomeFailed)
		s.log.Warn("usage report failed",
			zap.String("batch_key", batch.BatchKey),
			zap.String("owner", batch.Owner().Key()),
			zap.Error(err),
		)
		return batch, fmt.Errorf("%w: %v", meteringdomain.ErrReportingFailure, err)
	}

	if err := s.acknowledge(ctx, dbh, batch, ack.ExternalEventID); err != nil {
		return nil, err
	}
	s.obsMetrics.IncBatch(obsmetrics.BatchOutcomeReported)
	s.log.Info("usage batch reported",
		zap.String("batch_key", batch.BatchKey),
		zap.String("owner", batch.Owner().Key()),
		zap.Int64("quantity", batch.RoundedQuantity),
		zap.String("external_event_id", ack.ExternalEventID),
	)
	return batch, nil
}

func (s *Service) acknowledge(ctx context.Context, dbh *gorm.DB, batch *meteringdomain.MeteringBatch, externalEventID string) error {
	now := s.clock.Now()
	return dbh.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(
			`UPDATE metering_batches
			 SET external_event_id = ?, reported_at = ?, updated_at = ?
			 WHERE id = ? AND external_event_id IS NULL`,
			externalEventID, now, now,
			batch.ID,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Another worker recorded the acknowledgment first.
			return nil
		}
		batch.ExternalEventID = &externalEventID
		batch.ReportedAt = &now
		batch.UpdatedAt = now
		return tx.Exec(
			`UPDATE credit_consumptions
			 SET metered = true
			 WHERE batch_id = ? AND metered = false`,
			batch.ID,
		).Error
	})
}

func (s *Service) RetryPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}

	// Rows are claimed and acknowledged inside one transaction so parallel
	// retry workers skip each other's claims instead of double-reporting.
	// The processor-side idempotency key covers the residual overlap.
	acked := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending []meteringdomain.MeteringBatch
		err := tx.Raw(
			`SELECT *
			 FROM metering_batches
			 WHERE external_event_id IS NULL
			 ORDER BY created_at ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			limit,
		).Scan(&pending).Error
		if err != nil {
			return err
		}

		for i := range pending {
			if _, err := s.report(ctx, tx, &pending[i]); err != nil {
				continue
			}
			acked++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return acked, nil
}

func (s *Service) Get(ctx context.Context, batchKey string) (*meteringdomain.MeteringBatch, error) {
	var batch meteringdomain.MeteringBatch
	err := s.db.WithContext(ctx).
		Where("batch_key = ?", batchKey).
		First(&batch).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &batch, nil
}

// roundHalfUp rounds a non-negative credit total to the nearest whole
// billing unit, halves up: 12.503 bills as 13, 12.494 as 12.
func roundHalfUp(total decimal.Decimal) int64 {
	return total.Round(0).IntPart()
}

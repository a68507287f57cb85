// Package scheduler drives the periodic work: metering runs for closed
// periods, report retries, and recurring entitlement grants. Many worker
// processes may run it; a redis lock keeps ticks single-flight and every
// job stays idempotent for the overlap the lock cannot rule out.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/internal/clock"
	entitlementdomain "github.com/smallbiznis/creditmeter/internal/entitlement/domain"
	meteringdomain "github.com/smallbiznis/creditmeter/internal/metering/domain"
	"github.com/smallbiznis/creditmeter/internal/owner"
	"github.com/smallbiznis/creditmeter/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const runLockKey = "creditmeter:scheduler:run"

var ErrInvalidConfig = errors.New("scheduler dependencies missing")

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	Clock          clock.Clock
	MeteringSvc    meteringdomain.Service
	EntitlementSvc entitlementdomain.Service
	RunGuard       *ratelimit.RunGuard `optional:"true"`
	Config         Config              `optional:"true"`
}

type Scheduler struct {
	db             *gorm.DB
	log            *zap.Logger
	cfg            Config
	clock          clock.Clock
	meteringSvc    meteringdomain.Service
	entitlementSvc entitlementdomain.Service
	runGuard       *ratelimit.RunGuard
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.MeteringSvc == nil || p.EntitlementSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:             p.DB,
		log:            p.Log.Named("scheduler"),
		cfg:            p.Config.withDefaults(),
		clock:          p.Clock,
		meteringSvc:    p.MeteringSvc,
		entitlementSvc: p.EntitlementSvc,
		runGuard:       p.RunGuard,
	}, nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes one guarded tick. When another worker holds the run lock
// the tick is skipped; its work will be picked up on a later tick, nothing
// is period-critical to the minute.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	ran, err := s.runGuard.WithLock(ctx, runLockKey, s.cfg.LockTTL, s.runJobs)
	if err != nil {
		return err
	}
	if !ran {
		s.log.Debug("scheduler tick skipped, another worker holds the run lock")
	}
	return nil
}

func (s *Scheduler) runJobs(parent context.Context) error {
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"metering", s.MeteringJob},
		{"retry_reports", s.RetryReportsJob},
		{"recurring_grants", s.RecurringGrantsJob},
	}

	var err error
	for _, job := range jobs {
		if !s.cfg.jobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
	}
	return err
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	start := s.clock.Now()
	err := fn(ctx)
	log := s.log.With(
		zap.String("job", name),
		zap.Duration("elapsed", s.clock.Now().Sub(start)),
	)
	if err != nil {
		log.Warn("scheduler job failed", zap.Error(err))
		return err
	}
	log.Debug("scheduler job finished")
	return nil
}

// MeteringJob batches every owner that consumed credits in the previous
// closed period. Owners already batched for the period hit the idempotent
// path inside the metering service and are returned unchanged.
func (s *Scheduler) MeteringJob(ctx context.Context) error {
	period := previousPeriod(s.clock.Now(), s.cfg.Granularity)

	owners, err := s.ownersWithUnmetered(ctx, period)
	if err != nil {
		return err
	}

	var errs error
	for _, ref := range owners {
		if _, err := s.meteringSvc.Run(ctx, ref, period); err != nil {
			// Reporting failures stay pending and are retried by the
			// next tick's retry job.
			if errors.Is(err, meteringdomain.ErrReportingFailure) {
				continue
			}
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func (s *Scheduler) RetryReportsJob(ctx context.Context) error {
	acked, err := s.meteringSvc.RetryPending(ctx, s.cfg.RetryBatchSize)
	if err != nil {
		return err
	}
	if acked > 0 {
		s.log.Info("pending usage batches reported", zap.Int("count", acked))
	}
	return nil
}

func (s *Scheduler) RecurringGrantsJob(ctx context.Context) error {
	granted, err := s.entitlementSvc.GrantDueCredits(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	if granted > 0 {
		s.log.Info("recurring entitlement grants issued", zap.Int("count", granted))
	}
	return nil
}

// previousPeriod is the most recent fully closed calendar window in UTC.
func previousPeriod(now time.Time, granularity PeriodGranularity) meteringdomain.Period {
	now = now.UTC()
	switch granularity {
	case PeriodDaily:
		end := now.Truncate(24 * time.Hour)
		return meteringdomain.Period{Start: end.AddDate(0, 0, -1), End: end}
	default:
		end := now.Truncate(time.Hour)
		return meteringdomain.Period{Start: end.Add(-time.Hour), End: end}
	}
}

type ownerRow struct {
	OwnerType owner.Type
	OwnerID   snowflake.ID
}

func (s *Scheduler) ownersWithUnmetered(ctx context.Context, period meteringdomain.Period) ([]owner.Ref, error) {
	var rows []ownerRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT DISTINCT owner_type, owner_id
		 FROM credit_consumptions
		 WHERE metered = false AND batch_id IS NULL
		   AND occurred_at >= ? AND occurred_at < ?`,
		period.Start, period.End,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	refs := make([]owner.Ref, 0, len(rows))
	for _, row := range rows {
		refs = append(refs, owner.Ref{Type: row.OwnerType, ID: row.OwnerID})
	}
	return refs, nil
}

package burnrate

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/internal/clock"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config controls the snapshot flush loop.
type Config struct {
	FlushInterval time.Duration
	RunTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		FlushInterval: time.Minute,
		RunTimeout:    10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaults.FlushInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	return c
}

type WorkerParams struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Tracker    *Tracker
	Config     Config              `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Worker persists burn-rate snapshots on an interval instead of on every
// event.
type Worker struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	tracker    *Tracker
	cfg        Config
	obsMetrics *obsmetrics.Metrics
}

func NewWorker(p WorkerParams) *Worker {
	return &Worker{
		db:         p.DB,
		log:        p.Log.Named("burnrate.snapshot"),
		genID:      p.GenID,
		clock:      p.Clock,
		tracker:    p.Tracker,
		cfg:        p.Config.withDefaults(),
		obsMetrics: p.ObsMetrics,
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Warn("burn rate snapshot flush failed", zap.Error(err))
		}
	}
}

// RunOnce writes one snapshot row per owner with in-window consumption.
func (w *Worker) RunOnce(parentCtx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.RunTimeout)
	defer cancel()

	now := w.clock.Now()
	rates := w.tracker.ActiveRates(now)
	if len(rates) == 0 {
		return 0, nil
	}

	rows := make([]BurnRateSnapshot, 0, len(rates))
	for _, rate := range rates {
		rows = append(rows, BurnRateSnapshot{
			ID:            w.genID.Generate(),
			OwnerType:     rate.Owner.Type,
			OwnerID:       rate.Owner.ID,
			WindowEnd:     now,
			WindowSeconds: WindowMinutes * 60,
			Consumed:      rate.Consumed,
			CreatedAt:     now,
		})
	}
	if err := w.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return 0, err
	}
	w.obsMetrics.IncSnapshotFlushed(len(rows))
	return len(rows), nil
}

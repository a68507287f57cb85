// Package metrics exposes Prometheus instruments for the credit engine.
package metrics

import (
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DebitOutcomeApplied      = "applied"
	DebitOutcomeInsufficient = "insufficient_credits"
	DebitOutcomeHardStop     = "hard_stop"
	DebitOutcomeError        = "error"

	BatchOutcomeReported = "reported"
	BatchOutcomeExisting = "existing"
	BatchOutcomeFailed   = "reporting_failed"
)

// Config carries constant labels for the engine metrics.
type Config struct {
	ServiceName string
	Environment string
}

// Metrics captures credit engine health signals.
type Metrics struct {
	debits           *prometheus.CounterVec
	grants           prometheus.Counter
	duplicateGrants  prometheus.Counter
	batches          *prometheus.CounterVec
	reportDuration   prometheus.Histogram
	softExceeded     prometheus.Counter
	snapshotsFlushed prometheus.Counter
	dbLockWait       *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// Engine returns the singleton engine metrics registry.
func Engine() *Metrics {
	return EngineWithConfig(Config{})
}

// EngineWithConfig returns the singleton engine metrics registry using config labels.
func EngineWithConfig(cfg Config) *Metrics {
	metricsOnce.Do(func() {
		metrics = newMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return metrics
}

// ResetForTest resets the metrics singleton for tests.
func ResetForTest() {
	metricsOnce = sync.Once{}
	metrics = nil
}

func newMetrics(registerer prometheus.Registerer, cfg Config) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "creditmeter"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	debits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditmeter_debits_total",
		Help:        "Ledger debit attempts by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	grants := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "creditmeter_grants_created_total",
		Help:        "Credit grants created.",
		ConstLabels: constLabels,
	})
	duplicateGrants := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "creditmeter_grants_deduplicated_total",
		Help:        "Grant creations short-circuited by an external invoice id.",
		ConstLabels: constLabels,
	})
	batches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditmeter_metering_batches_total",
		Help:        "Metering batch runs by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	reportDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "creditmeter_usage_report_duration_seconds",
		Help:        "Latency of calls to the external usage-billing processor.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		ConstLabels: constLabels,
	})
	softExceeded := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "creditmeter_soft_target_exceeded_total",
		Help:        "Day buckets that crossed their soft spend target.",
		ConstLabels: constLabels,
	})
	snapshotsFlushed := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "creditmeter_burnrate_snapshots_total",
		Help:        "Burn-rate snapshots persisted.",
		ConstLabels: constLabels,
	})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "creditmeter_db_lock_wait_seconds",
		Help:        "Time spent acquiring row locks on contested resources.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	}, []string{"resource"})

	for _, collector := range []prometheus.Collector{
		debits, grants, duplicateGrants, batches, reportDuration,
		softExceeded, snapshotsFlushed, dbLockWait,
	} {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			log.Printf("[metrics] collector registration failed: %v", err)
		}
	}

	return &Metrics{
		debits:           debits,
		grants:           grants,
		duplicateGrants:  duplicateGrants,
		batches:          batches,
		reportDuration:   reportDuration,
		softExceeded:     softExceeded,
		snapshotsFlushed: snapshotsFlushed,
		dbLockWait:       dbLockWait,
	}
}

func (m *Metrics) IncDebit(outcome string) {
	if m == nil {
		return
	}
	m.debits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncGrantCreated() {
	if m == nil {
		return
	}
	m.grants.Inc()
}

func (m *Metrics) IncGrantDeduplicated() {
	if m == nil {
		return
	}
	m.duplicateGrants.Inc()
}

func (m *Metrics) IncBatch(outcome string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveReportDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.reportDuration.Observe(d.Seconds())
}

func (m *Metrics) IncSoftTargetExceeded() {
	if m == nil {
		return
	}
	m.softExceeded.Inc()
}

func (m *Metrics) IncSnapshotFlushed(n int) {
	if m == nil {
		return
	}
	m.snapshotsFlushed.Add(float64(n))
}

func (m *Metrics) ObserveDBLockWait(resource string, d time.Duration) {
	if m == nil {
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(d.Seconds())
}

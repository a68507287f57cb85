package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/clock"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	meteringdomain "github.com/smallbiznis/creditmeter/internal/metering/domain"
	"github.com/smallbiznis/creditmeter/internal/owner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeReporter struct {
	mu    sync.Mutex
	calls []meteringdomain.ReportRequest
	fail  bool
}

func (r *fakeReporter) ReportUsage(ctx context.Context, req meteringdomain.ReportRequest) (*meteringdomain.ReportAck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.fail {
		return nil, errors.New("processor unavailable")
	}
	return &meteringdomain.ReportAck{
		ExternalEventID: fmt.Sprintf("evt-%d", len(r.calls)),
	}, nil
}

func (r *fakeReporter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fixture struct {
	svc      meteringdomain.Service
	reporter *fakeReporter
	clock    *clock.FakeClock
	db       *gorm.DB
	node     *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	// sqlite has no row locks; strip the locking clause so the claim SQL
	// still runs.
	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate))
	require.NoError(t, db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate))

	require.NoError(t, db.AutoMigrate(
		&ledgerdomain.CreditConsumption{},
		&meteringdomain.MeteringBatch{},
	))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2026, 5, 2, 0, 30, 0, 0, time.UTC))
	rep := &fakeReporter{}

	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fakeClock,
		Reporter: rep,
	})

	return &fixture{svc: svc, reporter: rep, clock: fakeClock, db: db, node: node}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// seedConsumption inserts one settled allocation row inside the given period.
func (f *fixture) seedConsumption(t *testing.T, ref owner.Ref, amount string, occurredAt time.Time) snowflake.ID {
	t.Helper()
	row := ledgerdomain.CreditConsumption{
		ID:         f.node.Generate(),
		OwnerType:  ref.Type,
		OwnerID:    ref.ID,
		AgentID:    1,
		DebitID:    f.node.Generate(),
		GrantID:    f.node.Generate(),
		Amount:     dec(amount),
		OccurredAt: occurredAt,
		CreatedAt:  occurredAt,
	}
	require.NoError(t, f.db.Create(&row).Error)
	return row.ID
}

func mayPeriod() meteringdomain.Period {
	return meteringdomain.Period{
		Start: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestRunAggregatesAndReports(t *testing.T) {
	f := newFixture(t)
	ref := owner.User(5001)
	period := mayPeriod()
	ctx := context.Background()

	f.seedConsumption(t, ref, "4.25", period.Start.Add(2*time.Hour))
	f.seedConsumption(t, ref, "8.253", period.Start.Add(5*time.Hour))
	// Outside the period and for another owner: not counted.
	f.seedConsumption(t, ref, "100", period.End.Add(time.Minute))
	f.seedConsumption(t, owner.User(5999), "100", period.Start.Add(time.Hour))

	batch, err := f.svc.Run(ctx, ref, period)
	require.NoError(t, err)

	assert.True(t, batch.TotalCredits.Equal(dec("12.503")), "got %s", batch.TotalCredits)
	assert.Equal(t, int64(13), batch.RoundedQuantity)
	assert.True(t, batch.Reported())
	assert.Equal(t, 1, f.reporter.callCount())

	req := f.reporter.calls[0]
	assert.Equal(t, batch.IdempotencyKey, req.IdempotencyKey)
	assert.Equal(t, int64(13), req.Quantity)

	// Claimed rows are flipped, the out-of-period row is untouched.
	var metered int64
	require.NoError(t, f.db.Model(&ledgerdomain.CreditConsumption{}).
		Where("metered = ?", true).Count(&metered).Error)
	assert.Equal(t, int64(2), metered)
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ref := owner.Organization(5002)
	period := mayPeriod()
	ctx := context.Background()

	f.seedConsumption(t, ref, "3", period.Start.Add(time.Hour))

	first, err := f.svc.Run(ctx, ref, period)
	require.NoError(t, err)

	// Consumption landing after the first run must not change the batch.
	f.seedConsumption(t, ref, "50", period.Start.Add(2*time.Hour))

	second, err := f.svc.Run(ctx, ref, period)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.TotalCredits.Equal(dec("3")), "got %s", second.TotalCredits)
	assert.Equal(t, 1, f.reporter.callCount())

	var rows int64
	require.NoError(t, f.db.Model(&meteringdomain.MeteringBatch{}).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)
}

func TestRunRetriesReportingNotTotals(t *testing.T) {
	f := newFixture(t)
	ref := owner.User(5003)
	period := mayPeriod()
	ctx := context.Background()

	f.seedConsumption(t, ref, "7.5", period.Start.Add(time.Hour))

	f.reporter.fail = true
	batch, err := f.svc.Run(ctx, ref, period)
	assert.ErrorIs(t, err, meteringdomain.ErrReportingFailure)
	require.NotNil(t, batch)
	assert.False(t, batch.Reported())
	assert.True(t, batch.TotalCredits.Equal(dec("7.5")))

	// Totals already computed; rows stay unmetered until the ack lands.
	var metered int64
	require.NoError(t, f.db.Model(&ledgerdomain.CreditConsumption{}).
		Where("metered = ?", true).Count(&metered).Error)
	assert.Equal(t, int64(0), metered)

	// More consumption arrives before the retry. It belongs to a later
	// batch, not this one.
	f.seedConsumption(t, ref, "2", period.Start.Add(3*time.Hour))

	f.reporter.fail = false
	retried, err := f.svc.Run(ctx, ref, period)
	require.NoError(t, err)
	assert.Equal(t, batch.ID, retried.ID)
	assert.True(t, retried.TotalCredits.Equal(dec("7.5")), "got %s", retried.TotalCredits)
	assert.True(t, retried.Reported())

	// Both attempts carried the same idempotency key.
	require.Equal(t, 2, f.reporter.callCount())
	assert.Equal(t, f.reporter.calls[0].IdempotencyKey, f.reporter.calls[1].IdempotencyKey)

	require.NoError(t, f.db.Model(&ledgerdomain.CreditConsumption{}).
		Where("metered = ?", true).Count(&metered).Error)
	assert.Equal(t, int64(1), metered)
}

func TestFailedAggregationLeavesNoBatch(t *testing.T) {
	f := newFixture(t)
	ref := owner.User(5009)
	period := mayPeriod()
	ctx := context.Background()

	f.seedConsumption(t, ref, "7.5", period.Start.Add(time.Hour))

	// Break the claim statement mid-run. The batch insert and the totals
	// share one transaction, so the batch row must roll back with it.
	require.NoError(t, f.db.Exec(`ALTER TABLE credit_consumptions RENAME TO credit_consumptions_hidden`).Error)
	_, err := f.svc.Run(ctx, ref, period)
	require.Error(t, err)
	require.NoError(t, f.db.Exec(`ALTER TABLE credit_consumptions_hidden RENAME TO credit_consumptions`).Error)

	assert.Equal(t, 0, f.reporter.callCount())

	stored, err := f.svc.Get(ctx, meteringdomain.BatchKey(ref, period))
	require.NoError(t, err)
	assert.Nil(t, stored, "failed aggregation must not leave a batch row")

	var unclaimed int64
	require.NoError(t, f.db.Model(&ledgerdomain.CreditConsumption{}).
		Where("metered = ? AND batch_id IS NULL", false).Count(&unclaimed).Error)
	assert.Equal(t, int64(1), unclaimed)

	// The next run starts clean and bills the full period.
	batch, err := f.svc.Run(ctx, ref, period)
	require.NoError(t, err)
	assert.True(t, batch.TotalCredits.Equal(dec("7.5")), "got %s", batch.TotalCredits)
	assert.Equal(t, int64(8), batch.RoundedQuantity)
	assert.True(t, batch.Reported())
	require.Equal(t, 1, f.reporter.callCount())
	assert.Equal(t, int64(8), f.reporter.calls[0].Quantity)

	var metered int64
	require.NoError(t, f.db.Model(&ledgerdomain.CreditConsumption{}).
		Where("metered = ?", true).Count(&metered).Error)
	assert.Equal(t, int64(1), metered)
}

func TestRetryPending(t *testing.T) {
	f := newFixture(t)
	period := mayPeriod()
	ctx := context.Background()

	f.reporter.fail = true
	for i, ref := range []owner.Ref{owner.User(5004), owner.User(5005)} {
		f.seedConsumption(t, ref, fmt.Sprintf("%d", i+1), period.Start.Add(time.Hour))
		_, err := f.svc.Run(ctx, ref, period)
		assert.ErrorIs(t, err, meteringdomain.ErrReportingFailure)
	}

	f.reporter.fail = false
	acked, err := f.svc.RetryPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, acked)

	var pending int64
	require.NoError(t, f.db.Model(&meteringdomain.MeteringBatch{}).
		Where("external_event_id IS NULL").Count(&pending).Error)
	assert.Equal(t, int64(0), pending)

	// Nothing left to retry.
	acked, err = f.svc.RetryPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, acked)
}

func TestRunValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Run(ctx, owner.Ref{}, mayPeriod())
	assert.ErrorIs(t, err, owner.ErrInvalidOwner)

	period := mayPeriod()
	_, err = f.svc.Run(ctx, owner.User(5006), meteringdomain.Period{Start: period.End, End: period.Start})
	assert.ErrorIs(t, err, meteringdomain.ErrInvalidPeriod)
}

func TestRoundHalfUp(t *testing.T) {
	cases := []struct {
		total string
		want  int64
	}{
		{"12.503", 13},
		{"12.494", 12},
		{"12.5", 13},
		{"0", 0},
		{"0.499", 0},
		{"0.5", 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, roundHalfUp(dec(tc.total)), "total %s", tc.total)
	}
}

func TestBatchKeysAreDeterministic(t *testing.T) {
	ref := owner.User(5007)
	period := mayPeriod()

	keyA := meteringdomain.BatchKey(ref, period)
	keyB := meteringdomain.BatchKey(ref, period)
	assert.Equal(t, keyA, keyB)
	assert.NotEqual(t, keyA, meteringdomain.BatchKey(owner.User(5008), period))
	assert.NotEqual(t, keyA, meteringdomain.IdempotencyKey(keyA))
	assert.Equal(t, meteringdomain.IdempotencyKey(keyA), meteringdomain.IdempotencyKey(keyB))
}

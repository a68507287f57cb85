package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	dailylimitdomain "github.com/smallbiznis/creditmeter/internal/dailylimit/domain"
	entitlementdomain "github.com/smallbiznis/creditmeter/internal/entitlement/domain"
	entitlementservice "github.com/smallbiznis/creditmeter/internal/entitlement/service"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/creditmeter/internal/ledger/service"
	"github.com/smallbiznis/creditmeter/internal/owner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type guardFixture struct {
	guard        dailylimitdomain.Service
	ledger       ledgerdomain.Service
	entitlements entitlementdomain.Service
	clock        *clock.FakeClock
	db           *gorm.DB
}

func newGuardFixture(t *testing.T) *guardFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&ledgerdomain.CreditGrant{},
		&ledgerdomain.CreditConsumption{},
		&dailylimitdomain.DailyUsageCounter{},
		&dailylimitdomain.SpendLimit{},
		&entitlementdomain.AddonEntitlement{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: fakeClock,
	})
	entitlementSvc := entitlementservice.NewService(entitlementservice.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     fakeClock,
		LedgerSvc: ledgerSvc,
	})

	holder, err := config.NewStaticLimitsHolder(config.DefaultLimitsConfig())
	require.NoError(t, err)

	guard := NewService(Params{
		DB:             db,
		Log:            log,
		GenID:          node,
		Clock:          fakeClock,
		Limits:         holder,
		LedgerSvc:      ledgerSvc,
		EntitlementSvc: entitlementSvc,
	})

	return &guardFixture{
		guard:        guard,
		ledger:       ledgerSvc,
		entitlements: entitlementSvc,
		clock:        fakeClock,
		db:           db,
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func (f *guardFixture) fund(t *testing.T, ref owner.Ref, amount string) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), ledgerdomain.CreditRequest{
		Owner:     ref,
		Amount:    dec(amount),
		ExpiresAt: f.clock.Now().Add(365 * 24 * time.Hour),
	})
	require.NoError(t, err)
}

func (f *guardFixture) setSoftTarget(t *testing.T, ref owner.Ref, target string) {
	t.Helper()
	_, err := f.guard.SetLimit(context.Background(), dailylimitdomain.SetLimitRequest{
		Owner:      ref,
		SoftTarget: decPtr(target),
	})
	require.NoError(t, err)
}

func TestHardStopSequence(t *testing.T) {
	f := newGuardFixture(t)
	ref := owner.User(3001)
	ctx := context.Background()

	f.fund(t, ref, "100")
	f.setSoftTarget(t, ref, "10") // hard stop 20

	// 8 + 8 + 4 = 20: allowed exactly up to the hard stop.
	for _, amount := range []string{"8", "8", "4"} {
		_, err := f.guard.AuthorizeAndDebit(ctx, dailylimitdomain.AuthorizeRequest{
			Owner:   ref,
			AgentID: 1,
			Amount:  dec(amount),
		})
		require.NoError(t, err, "debit of %s should pass", amount)
	}

	// Anything more in the same bucket is rejected before the ledger runs.
	_, err := f.guard.AuthorizeAndDebit(ctx, dailylimitdomain.AuthorizeRequest{
		Owner:   ref,
		AgentID: 1,
		Amount:  dec("5"),
	})
	assert.ErrorIs(t, err, dailylimitdomain.ErrHardStopReached)

	balance, err := f.ledger.AvailableBalance(ctx, ref, f.clock.Now())
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("80")), "got %s", balance)

	usage, err := f.guard.CurrentUsage(ctx, ref, 1, f.clock.Now())
	require.NoError(t, err)
	assert.True(t, usage.Consumed.Equal(dec("20")))
	assert.Equal(t, dailylimitdomain.BucketStateHardStopped, usage.State)
}

func TestSoftExceededIsObservational(t *testing.T) {
	f := newGuardFixture(t)
	ref := owner.User(3002)
	ctx := context.Background()

	f.fund(t, ref, "100")
	f.setSoftTarget(t, ref, "10")

	_, err := f.guard.AuthorizeAndDebit(ctx, dailylimitdomain.AuthorizeRequest{
		Owner: ref, AgentID: 1, Amount: dec("10.5"),
	})
	require.NoError(t, err)

	usage, err := f.guard.CurrentUsage(ctx, ref, 1, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, dailylimitdomain.BucketStateSoftExceeded, usage.State)

	// Still consumable past the soft target.
	_, err = f.guard.AuthorizeAndDebit(ctx, dailylimitdomain.AuthorizeRequest{
		Owner: ref, AgentID: 1, Amount: dec("5"),
	})
	require.NoError(t, err)
}

func TestNilSoftTargetBypassesGuard(t *testing.T) {
	f := newGuardFixture(t)
	ref := owner.User(3003)
	ctx := context.Background()

	f.fund(t, ref, "1000")

	// No spend limit configured at all.
	_, err := f.guard.AuthorizeAndDebit(ctx, dailylimitdomain.AuthorizeRequest{
		Owner: ref, AgentID: 1, Amount: dec("500"),
	})
	require.NoError(t, err)

	// Explicit nil soft target: also unlimited.
	_, err = f.guard.SetLimit(ctx, dailylimitdomain.SetLimitRequest{Owner: ref})
	require.NoError(t, err)
	_, err = f.guard.AuthorizeAndDebit(ctx, dailylimitdomain.AuthorizeRequest{
		Owner: ref, AgentID: 1, Amount: dec("400"),
	})
	require.NoError(t, err)
}

func TestInsufficientCreditsReleasesReservation(t *testing.T) {
	f := newGuardFixture(t)
	ref := owner.User(3004)
	ctx := context.Background()

	f.fund(t, ref, "3")
	f.setSoftTarget(t, ref, "10")

	_, err := f.guard.AuthorizeAndDebit(ctx, dailylimitdomain.AuthorizeRequest{
		Owner: ref, AgentID: 1, Amount: dec("5"),
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)

	// The failed debit must not count against the daily bucket.
	usage, err := f.guard.CurrentUsage(ctx, ref, 1, f.clock.Now())
	require.NoError(t, err)
	assert.True(t, usage.Consumed.IsZero(), "got %s", usage.Consumed)
}

func TestNewBucketResetsCap(t *testing.T) {
	f := newGuardFixture(t)
	ref := owner.User(3005)
	ctx := context.Background()

	f.fund(t, ref, "100")
	f.setSoftTarget(t, ref, "10")

	_, err := f.guard.AuthorizeAndDebit(ctx, dailylimitdomain.AuthorizeRequest{
		Owner: ref, AgentID: 1, Amount: dec("20"),
	})
	require.NoError(t, err)

	_, err = f.guard.AuthorizeAndDebit(ctx, dailylimitdomain.AuthorizeRequest{
		Owner: ref, AgentID: 1, Amount: dec("0.25"),
	})
	assert.ErrorIs(t, err, dailylimitdomain.ErrHardStopReached)

	// Crossing into the next anchored day opens a fresh bucket.
	f.clock.Advance(24 * time.Hour)
	_, err = f.guard.AuthorizeAndDebit(ctx, dailylimitdomain.AuthorizeRequest{
		Owner: ref, AgentID: 1, Amount: dec("20"),
	})
	require.NoError(t, err)
}

func TestEntitlementRaisesCap(t *testing.T) {
	f := newGuardFixture(t)
	ref := owner.Organization(3006)
	ctx := context.Background()

	f.fund(t, ref, "100")
	f.setSoftTarget(t, ref, "10")

	// +5 credits soft target via an add-on: hard stop becomes 30.
	_, err := f.entitlements.Create(ctx, entitlementdomain.CreateRequest{
		Owner:        ref,
		CreditsDelta: dec("5"),
		Quantity:     1,
	})
	require.NoError(t, err)

	_, err = f.guard.AuthorizeAndDebit(ctx, dailylimitdomain.AuthorizeRequest{
		Owner: ref, AgentID: 1, Amount: dec("25"),
	})
	require.NoError(t, err)

	_, err = f.guard.AuthorizeAndDebit(ctx, dailylimitdomain.AuthorizeRequest{
		Owner: ref, AgentID: 1, Amount: dec("6"),
	})
	assert.ErrorIs(t, err, dailylimitdomain.ErrHardStopReached)
}

func TestAgentSpecificLimitOverridesDefault(t *testing.T) {
	f := newGuardFixture(t)
	ref := owner.User(3007)
	ctx := context.Background()

	f.fund(t, ref, "100")
	f.setSoftTarget(t, ref, "1") // default: hard stop 2

	_, err := f.guard.SetLimit(ctx, dailylimitdomain.SetLimitRequest{
		Owner:      ref,
		AgentID:    9,
		SoftTarget: decPtr("10"),
	})
	require.NoError(t, err)

	// Agent 9 runs under its own cap.
	_, err = f.guard.AuthorizeAndDebit(ctx, dailylimitdomain.AuthorizeRequest{
		Owner: ref, AgentID: 9, Amount: dec("15"),
	})
	require.NoError(t, err)

	// Other agents stay on the owner-wide default.
	_, err = f.guard.AuthorizeAndDebit(ctx, dailylimitdomain.AuthorizeRequest{
		Owner: ref, AgentID: 8, Amount: dec("3"),
	})
	assert.ErrorIs(t, err, dailylimitdomain.ErrHardStopReached)
}

func TestValidateSoftTarget(t *testing.T) {
	policy := config.DefaultLimitsConfig()
	cases := []struct {
		name   string
		target string
		ok     bool
	}{
		{"on step", "12.25", true},
		{"zero", "0", true},
		{"max", "50", true},
		{"above max", "50.25", false},
		{"off step", "10.1", false},
		{"negative", "-0.25", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateSoftTarget(decPtr(tc.target), policy)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, dailylimitdomain.ErrInvalidSoftTarget)
			}
		})
	}

	assert.NoError(t, validateSoftTarget(nil, policy))
}

func TestBucketStartAnchors(t *testing.T) {
	loc := time.UTC

	// Anchor at hour 6: 05:00 belongs to yesterday's bucket, 07:00 to today's.
	early := time.Date(2026, 3, 10, 5, 0, 0, 0, loc)
	late := time.Date(2026, 3, 10, 7, 0, 0, 0, loc)

	assert.Equal(t,
		time.Date(2026, 3, 9, 6, 0, 0, 0, loc),
		dailylimitdomain.BucketStart(early, loc, 6),
	)
	assert.Equal(t,
		time.Date(2026, 3, 10, 6, 0, 0, 0, loc),
		dailylimitdomain.BucketStart(late, loc, 6),
	)
}

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
	entitlementdomain "github.com/smallbiznis/creditmeter/internal/entitlement/domain"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/creditmeter/internal/ledger/service"
	"github.com/smallbiznis/creditmeter/internal/owner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc    entitlementdomain.Service
	ledger ledgerdomain.Service
	clock  *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&entitlementdomain.AddonEntitlement{},
		&ledgerdomain.CreditGrant{},
		&ledgerdomain.CreditConsumption{},
	))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: fakeClock,
	})

	return &fixture{
		svc: NewService(Params{
			DB:        db,
			Log:       log,
			GenID:     node,
			Clock:     fakeClock,
			LedgerSvc: ledgerSvc,
		}),
		ledger: ledgerSvc,
		clock:  fakeClock,
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := owner.Organization(4001)
	past := f.clock.Now().Add(-time.Hour)

	cases := []struct {
		name string
		req  entitlementdomain.CreateRequest
		want error
	}{
		{
			name: "missing owner",
			req:  entitlementdomain.CreateRequest{CreditsDelta: dec("5"), Quantity: 1},
			want: entitlementdomain.ErrMissingOwner,
		},
		{
			name: "zero quantity",
			req:  entitlementdomain.CreateRequest{Owner: ref, CreditsDelta: dec("5")},
			want: entitlementdomain.ErrInvalidQuantity,
		},
		{
			name: "no deltas",
			req:  entitlementdomain.CreateRequest{Owner: ref, Quantity: 1},
			want: entitlementdomain.ErrEmptyDeltas,
		},
		{
			name: "window ends before it starts",
			req: entitlementdomain.CreateRequest{
				Owner:        ref,
				CreditsDelta: dec("5"),
				Quantity:     1,
				ExpiresAt:    &past,
			},
			want: entitlementdomain.ErrInvalidWindow,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := f.svc.Create(ctx, entitlementdomain.CreateRequest{
		Owner:        ref,
		CreditsDelta: dec("5"),
		Quantity:     2,
	})
	assert.NoError(t, err)
}

func TestEffectiveLimitsFold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := owner.User(4002)
	now := f.clock.Now()

	// Two active entitlements, one expired, one not yet started, one for
	// another owner. Only the first two count.
	expiry := now.Add(time.Hour)
	_, err := f.svc.Create(ctx, entitlementdomain.CreateRequest{
		Owner: ref, CreditsDelta: dec("2.5"), Quantity: 2,
	})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, entitlementdomain.CreateRequest{
		Owner: ref, ContactCapDelta: 100, Quantity: 3, ExpiresAt: &expiry,
	})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, entitlementdomain.CreateRequest{
		Owner: ref, CreditsDelta: dec("9"), Quantity: 1, StartsAt: now.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, entitlementdomain.CreateRequest{
		Owner: owner.User(4999), CreditsDelta: dec("7"), Quantity: 1,
	})
	require.NoError(t, err)

	limits, err := f.svc.EffectiveLimits(ctx, ref, now)
	require.NoError(t, err)
	assert.True(t, limits.CreditsDelta.Equal(dec("5")), "got %s", limits.CreditsDelta)
	assert.Equal(t, int64(300), limits.ContactCapDelta)

	// Past the second entitlement's expiry only the first remains.
	limits, err = f.svc.EffectiveLimits(ctx, ref, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, limits.CreditsDelta.Equal(dec("5")))
	assert.Equal(t, int64(0), limits.ContactCapDelta)
}

func TestEffectiveLimitsEmpty(t *testing.T) {
	f := newFixture(t)

	limits, err := f.svc.EffectiveLimits(context.Background(), owner.User(4003), f.clock.Now())
	require.NoError(t, err)
	assert.True(t, limits.CreditsDelta.IsZero())
	assert.Equal(t, int64(0), limits.ContactCapDelta)
}

func TestGrantDueCreditsIsIdempotentPerPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := owner.Organization(4004)

	_, err := f.svc.Create(ctx, entitlementdomain.CreateRequest{
		Owner:        ref,
		CreditsDelta: dec("50"),
		Quantity:     2,
		Recurring:    true,
	})
	require.NoError(t, err)

	granted, err := f.svc.GrantDueCredits(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, granted)

	balance, err := f.ledger.AvailableBalance(ctx, ref, f.clock.Now())
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("100")), "got %s", balance)

	// A rerun in the same month dedupes on the derived invoice id.
	granted, err = f.svc.GrantDueCredits(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, granted)

	balance, err = f.ledger.AvailableBalance(ctx, ref, f.clock.Now())
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("100")), "got %s", balance)

	// Next month mints a fresh grant, and the old one has expired.
	f.clock.Advance(31 * 24 * time.Hour)
	granted, err = f.svc.GrantDueCredits(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, granted)

	balance, err = f.ledger.AvailableBalance(ctx, ref, f.clock.Now())
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("100")), "got %s", balance)
}

func TestGrantDueCreditsSkipsNonRecurring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, entitlementdomain.CreateRequest{
		Owner:        owner.User(4005),
		CreditsDelta: dec("10"),
		Quantity:     1,
	})
	require.NoError(t, err)

	granted, err := f.svc.GrantDueCredits(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, granted)
}

func TestDeleteEntitlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := owner.User(4006)

	created, err := f.svc.Create(ctx, entitlementdomain.CreateRequest{
		Owner: ref, CreditsDelta: dec("5"), Quantity: 1,
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, created.ID))

	limits, err := f.svc.EffectiveLimits(ctx, ref, f.clock.Now())
	require.NoError(t, err)
	assert.True(t, limits.CreditsDelta.IsZero())

	assert.ErrorIs(t, f.svc.Delete(ctx, created.ID), entitlementdomain.ErrNotFound)
}

func TestValidAt(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(30 * 24 * time.Hour)

	e := entitlementdomain.AddonEntitlement{StartsAt: start, ExpiresAt: &end}
	assert.False(t, e.ValidAt(start.Add(-time.Second)))
	assert.True(t, e.ValidAt(start))
	assert.True(t, e.ValidAt(end))
	assert.False(t, e.ValidAt(end.Add(time.Second)))

	open := entitlementdomain.AddonEntitlement{StartsAt: start}
	assert.True(t, open.ValidAt(start.AddDate(10, 0, 0)))
}

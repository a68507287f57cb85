package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/owner"
)

// Entitlement misconfiguration is rejected at creation time, never at
// consumption time.
var (
	ErrInvalidEntitlement = errors.New("invalid_entitlement")
	ErrMissingOwner       = errors.New("invalid_entitlement: owner missing")
	ErrInvalidWindow      = errors.New("invalid_entitlement: window end before start")
	ErrInvalidQuantity    = errors.New("invalid_entitlement: quantity must be at least 1")
	ErrEmptyDeltas        = errors.New("invalid_entitlement: no adjustment")
	ErrNotFound           = errors.New("entitlement_not_found")
)

type CreateRequest struct {
	Owner           owner.Ref
	CreditsDelta    decimal.Decimal
	ContactCapDelta int64
	StartsAt        time.Time
	ExpiresAt       *time.Time
	Recurring       bool
	Quantity        int64
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*AddonEntitlement, error)

	// EffectiveLimits folds every entitlement valid at the given time into
	// one additive adjustment. Pure read, no side effects.
	EffectiveLimits(ctx context.Context, ref owner.Ref, at time.Time) (Limits, error)

	List(ctx context.Context, ref owner.Ref) ([]AddonEntitlement, error)
	Delete(ctx context.Context, id snowflake.ID) error

	// GrantDueCredits issues the current period's bonus grant for every
	// recurring entitlement valid at the given time. Idempotent per
	// entitlement and period.
	GrantDueCredits(ctx context.Context, at time.Time) (int, error)
}

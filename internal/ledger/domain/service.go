package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/owner"
	"github.com/smallbiznis/creditmeter/pkg/db/pagination"
)

var (
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidExpiry       = errors.New("invalid_expiry")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrGrantNotFound       = errors.New("grant_not_found")
	ErrDebitContention     = errors.New("debit_contention")
)

// CreditRequest creates a grant. ExternalInvoiceID, when set, is the
// idempotency key against duplicate delivery of the same billing event.
type CreditRequest struct {
	Owner             owner.Ref
	Amount            decimal.Decimal
	GrantedAt         time.Time
	ExpiresAt         time.Time
	FreeTrial         bool
	ExternalInvoiceID *string
	Metadata          map[string]any
}

type DebitRequest struct {
	Owner    owner.Ref
	AgentID  snowflake.ID
	Amount   decimal.Decimal
	At       time.Time
	Metadata map[string]any
}

// Allocation records how much of a debit one grant absorbed.
type Allocation struct {
	GrantID snowflake.ID
	Amount  decimal.Decimal
}

type DebitResult struct {
	DebitID     snowflake.ID
	Owner       owner.Ref
	AgentID     snowflake.ID
	Amount      decimal.Decimal
	OccurredAt  time.Time
	Allocations []Allocation
}

type ListGrantsRequest struct {
	Owner owner.Ref
	pagination.Pagination
	IncludeVoided  bool
	IncludeExpired bool
	At             time.Time
}

type ListGrantsResponse struct {
	pagination.PageInfo
	Grants []CreditGrant
}

type Service interface {
	// AvailableBalance sums Available over grants eligible at the given time.
	AvailableBalance(ctx context.Context, ref owner.Ref, at time.Time) (decimal.Decimal, error)

	// Debit consumes credits from eligible grants, soonest expiry first.
	// All-or-nothing: a failed debit leaves every grant untouched.
	Debit(ctx context.Context, req DebitRequest) (*DebitResult, error)

	// Credit creates a grant. A repeated ExternalInvoiceID returns the
	// existing grant unchanged.
	Credit(ctx context.Context, req CreditRequest) (*CreditGrant, error)

	// Void marks a grant unusable without altering its consumption history.
	Void(ctx context.Context, grantID snowflake.ID) error

	GetGrant(ctx context.Context, grantID snowflake.ID) (*CreditGrant, error)
	ListGrants(ctx context.Context, req ListGrantsRequest) (ListGrantsResponse, error)
}

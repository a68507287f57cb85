package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	"github.com/smallbiznis/creditmeter/internal/owner"
)

var (
	// ErrHardStopReached rejects consumption beyond twice the soft target.
	// The caller must wait for the next day bucket or a limit increase.
	ErrHardStopReached = errors.New("hard_stop_reached")

	ErrInvalidSoftTarget = errors.New("invalid_soft_target")
	ErrInvalidAnchor     = errors.New("invalid_anchor")
)

type AuthorizeRequest struct {
	Owner    owner.Ref
	AgentID  snowflake.ID
	Amount   decimal.Decimal
	At       time.Time
	Metadata map[string]any
}

type SetLimitRequest struct {
	Owner      owner.Ref
	AgentID    snowflake.ID // zero configures the owner-wide default
	SoftTarget *decimal.Decimal
	Timezone   string
	AnchorHour int
}

// Usage is the guard's view of one bucket.
type Usage struct {
	BucketStart time.Time
	Consumed    decimal.Decimal
	State       BucketState
	SoftTarget  *decimal.Decimal
	HardStop    *decimal.Decimal
}

type Service interface {
	// AuthorizeAndDebit enforces the daily cap, then debits the ledger and
	// accounts the spend into the current day bucket. The hard stop is
	// checked before the ledger is touched.
	AuthorizeAndDebit(ctx context.Context, req AuthorizeRequest) (*ledgerdomain.DebitResult, error)

	SetLimit(ctx context.Context, req SetLimitRequest) (*SpendLimit, error)
	GetLimit(ctx context.Context, ref owner.Ref, agentID snowflake.ID) (*SpendLimit, error)
	CurrentUsage(ctx context.Context, ref owner.Ref, agentID snowflake.ID, at time.Time) (*Usage, error)
}

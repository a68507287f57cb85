// Package domain contains the persistence models for the credit ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/owner"
	"gorm.io/datatypes"
)

// CreditGrant is a batch of prepaid credits issued to an owner with a
// validity window. Grants are never deleted; administrative removal voids
// them so the consumption history stays auditable.
type CreditGrant struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	OwnerType         owner.Type        `gorm:"type:text;not null;index:ix_credit_grants_owner,priority:1;uniqueIndex:ux_credit_grants_invoice,priority:1"`
	OwnerID           snowflake.ID      `gorm:"not null;index:ix_credit_grants_owner,priority:2;uniqueIndex:ux_credit_grants_invoice,priority:2"`
	Credits           decimal.Decimal   `gorm:"type:numeric(20,3);not null"`
	CreditsUsed       decimal.Decimal   `gorm:"type:numeric(20,3);not null"`
	GrantedAt         time.Time         `gorm:"not null"`
	ExpiresAt         time.Time         `gorm:"not null;index"`
	Voided            bool              `gorm:"not null;default:false"`
	ExternalInvoiceID *string           `gorm:"type:text;uniqueIndex:ux_credit_grants_invoice,priority:3"`
	FreeTrial         bool              `gorm:"not null;default:false"`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditGrant) TableName() string { return "credit_grants" }

func (g CreditGrant) Owner() owner.Ref {
	return owner.Ref{Type: g.OwnerType, ID: g.OwnerID}
}

// Available is the spendable remainder. Derived at read time, never stored.
func (g CreditGrant) Available() decimal.Decimal {
	if g.Voided {
		return decimal.Zero
	}
	return g.Credits.Sub(g.CreditsUsed)
}

// EligibleAt reports whether the grant can be consumed at the given time.
func (g CreditGrant) EligibleAt(at time.Time) bool {
	if g.Voided {
		return false
	}
	return !g.GrantedAt.After(at) && !g.ExpiresAt.Before(at)
}

// CreditConsumption is one (debit, grant) allocation. A single debit that
// spans multiple grants produces one row per grant, grouped by DebitID.
// The metering batcher is the only writer of Metered and BatchID.
type CreditConsumption struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	OwnerType  owner.Type        `gorm:"type:text;not null;index:ix_credit_consumptions_meter,priority:1"`
	OwnerID    snowflake.ID      `gorm:"not null;index:ix_credit_consumptions_meter,priority:2"`
	AgentID    snowflake.ID      `gorm:"not null;index"`
	DebitID    snowflake.ID      `gorm:"not null;index"`
	GrantID    snowflake.ID      `gorm:"not null;index"`
	Amount     decimal.Decimal   `gorm:"type:numeric(20,3);not null"`
	OccurredAt time.Time         `gorm:"not null;index:ix_credit_consumptions_meter,priority:4"`
	Metered    bool              `gorm:"not null;default:false;index:ix_credit_consumptions_meter,priority:3"`
	BatchID    *snowflake.ID     `gorm:"index"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditConsumption) TableName() string { return "credit_consumptions" }

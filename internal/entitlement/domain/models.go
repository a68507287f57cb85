// Package domain contains add-on entitlement models. An entitlement adjusts
// the caps and credits an owner is entitled to, bounded by a validity window.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/owner"
)

type AddonEntitlement struct {
	ID              snowflake.ID    `gorm:"primaryKey"`
	OwnerType       owner.Type      `gorm:"type:text;not null;index:ix_addon_entitlements_owner,priority:1"`
	OwnerID         snowflake.ID    `gorm:"not null;index:ix_addon_entitlements_owner,priority:2"`
	CreditsDelta    decimal.Decimal `gorm:"type:numeric(20,3);not null"`
	ContactCapDelta int64           `gorm:"not null"`
	StartsAt        time.Time       `gorm:"not null"`
	ExpiresAt       *time.Time      `gorm:"index"`
	Recurring       bool            `gorm:"not null;default:false"`
	Quantity        int64           `gorm:"not null;default:1"`
	CreatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AddonEntitlement) TableName() string { return "addon_entitlements" }

func (e AddonEntitlement) Owner() owner.Ref {
	return owner.Ref{Type: e.OwnerType, ID: e.OwnerID}
}

// ValidAt reports whether the entitlement applies at the given time.
func (e AddonEntitlement) ValidAt(at time.Time) bool {
	if at.Before(e.StartsAt) {
		return false
	}
	if e.ExpiresAt != nil && at.After(*e.ExpiresAt) {
		return false
	}
	return true
}

// Limits is the folded adjustment of every entitlement valid at a point in
// time: sum of delta times quantity.
type Limits struct {
	CreditsDelta    decimal.Decimal
	ContactCapDelta int64
}

// Apply folds one entitlement into the running limits.
func (l Limits) Apply(e AddonEntitlement) Limits {
	qty := decimal.NewFromInt(e.Quantity)
	return Limits{
		CreditsDelta:    l.CreditsDelta.Add(e.CreditsDelta.Mul(qty)),
		ContactCapDelta: l.ContactCapDelta + e.ContactCapDelta*e.Quantity,
	}
}

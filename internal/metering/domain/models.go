// Package domain contains the metering batch model and the reporting
// contract toward the external usage-billing processor.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/owner"
)

// MeteringBatch is one reported unit of aggregated consumption. The unique
// batch key is the serialization point: at most one batch exists per owner
// and period no matter how many workers race on the same schedule.
type MeteringBatch struct {
	ID              snowflake.ID    `gorm:"primaryKey"`
	BatchKey        string          `gorm:"type:text;not null;uniqueIndex:ux_metering_batches_key"`
	IdempotencyKey  string          `gorm:"type:text;not null;uniqueIndex:ux_metering_batches_idem"`
	OwnerType       owner.Type      `gorm:"type:text;not null;index:ix_metering_batches_owner,priority:1"`
	OwnerID         snowflake.ID    `gorm:"not null;index:ix_metering_batches_owner,priority:2"`
	PeriodStart     time.Time       `gorm:"not null"`
	PeriodEnd       time.Time       `gorm:"not null"`
	TotalCredits    decimal.Decimal `gorm:"type:numeric(20,3);not null"`
	RoundedQuantity int64           `gorm:"not null"`
	ExternalEventID *string         `gorm:"type:text"`
	ReportedAt      *time.Time
	CreatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (MeteringBatch) TableName() string { return "metering_batches" }

func (b MeteringBatch) Owner() owner.Ref {
	return owner.Ref{Type: b.OwnerType, ID: b.OwnerID}
}

// Reported is true once the external processor has acknowledged the batch.
func (b MeteringBatch) Reported() bool { return b.ExternalEventID != nil }

// Period is a half-open reporting window [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) Valid() bool {
	return !p.Start.IsZero() && p.End.After(p.Start)
}

// BatchKey derives the unique key identifying one owner's batch for one
// period. Deterministic: every worker computing the key for the same input
// lands on the same row.
func BatchKey(ref owner.Ref, period Period) string {
	payload := fmt.Sprintf("%s|%s|%s|%s",
		ref.Type,
		ref.ID,
		period.Start.UTC().Format(time.RFC3339Nano),
		period.End.UTC().Format(time.RFC3339Nano),
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// IdempotencyKey derives the key the external processor deduplicates on.
// Derived from the batch key alone, so a retried report after a crash
// carries the same key as the original attempt.
func IdempotencyKey(batchKey string) string {
	sum := sha256.Sum256([]byte(batchKey + "|report"))
	return hex.EncodeToString(sum[:])
}

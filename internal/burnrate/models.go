package burnrate

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/owner"
)

// BurnRateSnapshot is a periodically persisted reading of one owner's
// trailing-window consumption. Append-only; newer snapshots supersede older
// ones for downstream alerting and rate limiting.
type BurnRateSnapshot struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	OwnerType     owner.Type      `gorm:"type:text;not null;index:ix_burn_rate_snapshots_owner,priority:1"`
	OwnerID       snowflake.ID    `gorm:"not null;index:ix_burn_rate_snapshots_owner,priority:2"`
	WindowEnd     time.Time       `gorm:"not null;index:ix_burn_rate_snapshots_owner,priority:3"`
	WindowSeconds int             `gorm:"not null"`
	Consumed      decimal.Decimal `gorm:"type:numeric(20,3);not null"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BurnRateSnapshot) TableName() string { return "burn_rate_snapshots" }

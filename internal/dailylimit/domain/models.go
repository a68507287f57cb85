// Package domain contains the daily spend guard models. Spend is tracked
// per (owner, agent, day bucket); the bucket boundary follows the owner's
// configured anchor, not UTC midnight.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/owner"
)

// BucketState is the per-bucket spend state machine:
// normal -> soft_exceeded -> hard_stopped.
type BucketState string

const (
	BucketStateNormal       BucketState = "normal"
	BucketStateSoftExceeded BucketState = "soft_exceeded"
	BucketStateHardStopped  BucketState = "hard_stopped"
)

// DailyUsageCounter accumulates one bucket's consumption for an
// (owner, agent) pair.
type DailyUsageCounter struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	OwnerType      owner.Type      `gorm:"type:text;not null;uniqueIndex:ux_daily_usage_bucket,priority:1"`
	OwnerID        snowflake.ID    `gorm:"not null;uniqueIndex:ux_daily_usage_bucket,priority:2"`
	AgentID        snowflake.ID    `gorm:"not null;uniqueIndex:ux_daily_usage_bucket,priority:3"`
	BucketStart    time.Time       `gorm:"not null;uniqueIndex:ux_daily_usage_bucket,priority:4"`
	Consumed       decimal.Decimal `gorm:"type:numeric(20,3);not null"`
	State          BucketState     `gorm:"type:text;not null;default:normal"`
	SoftExceededAt *time.Time      `gorm:""`
	CreatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DailyUsageCounter) TableName() string { return "daily_usage_counters" }

// SpendLimit configures the soft target and day-bucket anchor for an
// (owner, agent) pair. AgentID zero is the owner-wide default; an
// agent-specific row overrides it. A nil SoftTarget means unlimited.
type SpendLimit struct {
	ID         snowflake.ID     `gorm:"primaryKey"`
	OwnerType  owner.Type       `gorm:"type:text;not null;uniqueIndex:ux_spend_limits_owner_agent,priority:1"`
	OwnerID    snowflake.ID     `gorm:"not null;uniqueIndex:ux_spend_limits_owner_agent,priority:2"`
	AgentID    snowflake.ID     `gorm:"not null;uniqueIndex:ux_spend_limits_owner_agent,priority:3"`
	SoftTarget *decimal.Decimal `gorm:"type:numeric(10,2)"`
	Timezone   string           `gorm:"type:text;not null;default:UTC"`
	AnchorHour int              `gorm:"not null;default:0"`
	CreatedAt  time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SpendLimit) TableName() string { return "spend_limits" }

// BucketStart returns the start of the day bucket containing at, anchored
// at anchorHour in loc. A bucket runs from one anchor boundary to the next.
func BucketStart(at time.Time, loc *time.Location, anchorHour int) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := at.In(loc)
	anchored := time.Date(local.Year(), local.Month(), local.Day(), anchorHour, 0, 0, 0, loc)
	if local.Before(anchored) {
		anchored = anchored.AddDate(0, 0, -1)
	}
	return anchored.UTC()
}

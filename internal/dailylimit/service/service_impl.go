package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/cache"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	dailylimitdomain "github.com/smallbiznis/creditmeter/internal/dailylimit/domain"
	entitlementdomain "github.com/smallbiznis/creditmeter/internal/entitlement/domain"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"github.com/smallbiznis/creditmeter/internal/owner"
	"github.com/smallbiznis/creditmeter/pkg/db/option"
	"github.com/smallbiznis/creditmeter/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	Limits         *config.LimitsConfigHolder
	LedgerSvc      ledgerdomain.Service
	EntitlementSvc entitlementdomain.Service `optional:"true"`
	LimitCache     cache.LimitResolverCache  `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics       `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	limits         *config.LimitsConfigHolder
	limitRepo      repository.Repository[dailylimitdomain.SpendLimit]
	ledgerSvc      ledgerdomain.Service
	entitlementSvc entitlementdomain.Service
	limitCache     cache.LimitResolverCache
	obsMetrics     *obsmetrics.Metrics
}

func NewService(p Params) dailylimitdomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("dailylimit.service"),
		genID:          p.GenID,
		clock:          p.Clock,
		limits:         p.Limits,
		limitRepo:      repository.ProvideStore[dailylimitdomain.SpendLimit](p.DB),
		ledgerSvc:      p.LedgerSvc,
		entitlementSvc: p.EntitlementSvc,
		limitCache:     p.LimitCache,
		obsMetrics:     p.ObsMetrics,
	}
}

func (s *Service) AuthorizeAndDebit(ctx context.Context, req dailylimitdomain.AuthorizeRequest) (*ledgerdomain.DebitResult, error) {
	if err := req.Owner.Validate(); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	if req.At.IsZero() {
		req.At = s.clock.Now()
	}

	limit, err := s.resolveLimit(ctx, req.Owner, req.AgentID)
	if err != nil {
		return nil, err
	}

	debitReq := ledgerdomain.DebitRequest{
		Owner:    req.Owner,
		AgentID:  req.AgentID,
		Amount:   req.Amount,
		At:       req.At,
		Metadata: req.Metadata,
	}

	// A nil soft target means unlimited: the guard steps aside entirely.
	if limit == nil || limit.SoftTarget == nil {
		return s.ledgerSvc.Debit(ctx, debitReq)
	}

	policy := s.limits.Get()
	softTarget, hardStop, err := s.effectiveCaps(ctx, req.Owner, req.At, *limit.SoftTarget, policy)
	if err != nil {
		return nil, err
	}

	bucketStart := s.bucketStart(req.At, limit, policy)

	// Reserve the spend against the hard stop before touching the ledger.
	// The guarded update is the serialization point: two workers racing on
	// the same bucket cannot jointly push consumed past the cap.
	reserved, err := s.reserve(ctx, req, bucketStart, hardStop, policy.EnforceHardStop)
	if err != nil {
		return nil, err
	}
	if !reserved {
		s.markHardStopped(ctx, req.Owner, req.AgentID, bucketStart)
		s.obsMetrics.IncDebit(obsmetrics.DebitOutcomeHardStop)
		return nil, dailylimitdomain.ErrHardStopReached
	}

	result, err := s.ledgerSvc.Debit(ctx, debitReq)
	if err != nil {
		s.release(ctx, req, bucketStart)
		return nil, err
	}

	s.observeSoftTarget(ctx, req.Owner, req.AgentID, bucketStart, softTarget)
	return result, nil
}

// effectiveCaps folds entitlement adjustments into the configured soft
// target. The soft target carries two decimal places; comparisons against
// three-place usage are exact decimal comparisons, no rounding happens at
// the boundary.
func (s *Service) effectiveCaps(ctx context.Context, ref owner.Ref, at time.Time, softTarget decimal.Decimal, policy config.LimitsConfig) (decimal.Decimal, decimal.Decimal, error) {
	if s.entitlementSvc != nil {
		adjust, err := s.entitlementSvc.EffectiveLimits(ctx, ref, at)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		softTarget = softTarget.Add(adjust.CreditsDelta)
	}
	if softTarget.IsNegative() {
		softTarget = decimal.Zero
	}
	hardStop := softTarget.Mul(decimal.NewFromInt(int64(policy.HardStopMultiplier)))
	return softTarget, hardStop, nil
}

func (s *Service) bucketStart(at time.Time, limit *dailylimitdomain.SpendLimit, policy config.LimitsConfig) time.Time {
	tz := limit.Timezone
	if tz == "" {
		tz = policy.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("unknown limit timezone, falling back to UTC", zap.String("timezone", tz))
		loc = time.UTC
	}
	return dailylimitdomain.BucketStart(at, loc, limit.AnchorHour)
}

func (s *Service) reserve(ctx context.Context, req dailylimitdomain.AuthorizeRequest, bucketStart time.Time, hardStop decimal.Decimal, enforce bool) (bool, error) {
	now := s.clock.Now()
	counter := dailylimitdomain.DailyUsageCounter{
		ID:          s.genID.Generate(),
		OwnerType:   req.Owner.Type,
		OwnerID:     req.Owner.ID,
		AgentID:     req.AgentID,
		BucketStart: bucketStart,
		Consumed:    decimal.Zero,
		State:       dailylimitdomain.BucketStateNormal,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "owner_type"},
			{Name: "owner_id"},
			{Name: "agent_id"},
			{Name: "bucket_start"},
		},
		DoNothing: true,
	}).Create(&counter).Error
	if err != nil {
		return false, err
	}

	if !enforce {
		return true, s.db.WithContext(ctx).Exec(
			`UPDATE daily_usage_counters
			 SET consumed = consumed + ?, updated_at = ?
			 WHERE owner_type = ? AND owner_id = ? AND agent_id = ? AND bucket_start = ?`,
			req.Amount, now,
			req.Owner.Type, req.Owner.ID, req.AgentID, bucketStart,
		).Error
	}

	res := s.db.WithContext(ctx).Exec(
		`UPDATE daily_usage_counters
		 SET consumed = consumed + ?, updated_at = ?
		 WHERE owner_type = ? AND owner_id = ? AND agent_id = ? AND bucket_start = ?
		   AND consumed + ? <= ?`,
		req.Amount, now,
		req.Owner.Type, req.Owner.ID, req.AgentID, bucketStart,
		req.Amount, hardStop,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// release undoes a reservation when the ledger refused the debit, so a
// rejected spend does not eat into the day's cap.
func (s *Service) release(ctx context.Context, req dailylimitdomain.AuthorizeRequest, bucketStart time.Time) {
	err := s.db.WithContext(ctx).Exec(
		`UPDATE daily_usage_counters
		 SET consumed = consumed - ?, updated_at = ?
		 WHERE owner_type = ? AND owner_id = ? AND agent_id = ? AND bucket_start = ?
		   AND consumed >= ?`,
		req.Amount, s.clock.Now(),
		req.Owner.Type, req.Owner.ID, req.AgentID, bucketStart,
		req.Amount,
	).Error
	if err != nil {
		s.log.Error("failed to release daily usage reservation",
			zap.String("owner", req.Owner.Key()),
			zap.Error(err),
		)
	}
}

func (s *Service) markHardStopped(ctx context.Context, ref owner.Ref, agentID snowflake.ID, bucketStart time.Time) {
	err := s.db.WithContext(ctx).Exec(
		`UPDATE daily_usage_counters
		 SET state = ?, updated_at = ?
		 WHERE owner_type = ? AND owner_id = ? AND agent_id = ? AND bucket_start = ?
		   AND state <> ?`,
		dailylimitdomain.BucketStateHardStopped, s.clock.Now(),
		ref.Type, ref.ID, agentID, bucketStart,
		dailylimitdomain.BucketStateHardStopped,
	).Error
	if err != nil {
		s.log.Warn("failed to mark bucket hard stopped", zap.Error(err))
	}
}

// observeSoftTarget flips the bucket to soft_exceeded the first time the
// day's spend crosses the soft target. Purely observational; consumption
// keeps going until the hard stop.
func (s *Service) observeSoftTarget(ctx context.Context, ref owner.Ref, agentID snowflake.ID, bucketStart time.Time, softTarget decimal.Decimal) {
	res := s.db.WithContext(ctx).Exec(
		`UPDATE daily_usage_counters
		 SET state = ?, soft_exceeded_at = ?, updated_at = ?
		 WHERE owner_type = ? AND owner_id = ? AND agent_id = ? AND bucket_start = ?
		   AND state = ?
		   AND consumed > ?`,
		dailylimitdomain.BucketStateSoftExceeded, s.clock.Now(), s.clock.Now(),
		ref.Type, ref.ID, agentID, bucketStart,
		dailylimitdomain.BucketStateNormal,
		softTarget,
	)
	if res.Error != nil {
		s.log.Warn("failed to record soft target crossing", zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		s.obsMetrics.IncSoftTargetExceeded()
		s.log.Info("soft spend target exceeded",
			zap.String("owner", ref.Key()),
			zap.String("agent_id", agentID.String()),
			zap.Time("bucket_start", bucketStart),
		)
	}
}

// resolveLimit prefers the agent-specific row over the owner-wide default.
// Resolutions sit on the debit hot path, so they are cached briefly; the
// cache TTL bounds how long a default-row change stays unseen by agents
// resolved under other keys.
func (s *Service) resolveLimit(ctx context.Context, ref owner.Ref, agentID snowflake.ID) (*dailylimitdomain.SpendLimit, error) {
	if s.limitCache != nil {
		if limit, ok := s.limitCache.Get(ref, agentID); ok {
			return limit, nil
		}
	}

	limit, err := s.lookupLimit(ctx, ref, agentID)
	if err != nil {
		return nil, err
	}
	if s.limitCache != nil {
		s.limitCache.Set(ref, agentID, limit)
	}
	return limit, nil
}

func (s *Service) lookupLimit(ctx context.Context, ref owner.Ref, agentID snowflake.ID) (*dailylimitdomain.SpendLimit, error) {
	if agentID != 0 {
		limit, err := s.limitRepo.FindOne(ctx, &dailylimitdomain.SpendLimit{
			OwnerType: ref.Type,
			OwnerID:   ref.ID,
			AgentID:   agentID,
		})
		if err != nil {
			return nil, err
		}
		if limit != nil {
			return limit, nil
		}
	}
	// Struct queries drop zero values, so the default row's agent id needs
	// an explicit condition.
	return s.limitRepo.FindOne(ctx, &dailylimitdomain.SpendLimit{
		OwnerType: ref.Type,
		OwnerID:   ref.ID,
	}, option.WithCondition("agent_id = 0"))
}

func (s *Service) SetLimit(ctx context.Context, req dailylimitdomain.SetLimitRequest) (*dailylimitdomain.SpendLimit, error) {
	if err := req.Owner.Validate(); err != nil {
		return nil, err
	}
	policy := s.limits.Get()
	if err := validateSoftTarget(req.SoftTarget, policy); err != nil {
		return nil, err
	}
	if req.AnchorHour < 0 || req.AnchorHour > 23 {
		return nil, dailylimitdomain.ErrInvalidAnchor
	}
	tz := req.Timezone
	if tz == "" {
		tz = policy.DefaultTimezone
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, dailylimitdomain.ErrInvalidAnchor
	}

	now := s.clock.Now()
	limit := dailylimitdomain.SpendLimit{
		ID:         s.genID.Generate(),
		OwnerType:  req.Owner.Type,
		OwnerID:    req.Owner.ID,
		AgentID:    req.AgentID,
		SoftTarget: req.SoftTarget,
		Timezone:   tz,
		AnchorHour: req.AnchorHour,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "owner_type"},
			{Name: "owner_id"},
			{Name: "agent_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"soft_target", "timezone", "anchor_hour", "updated_at"}),
	}).Create(&limit).Error
	if err != nil {
		return nil, err
	}
	if s.limitCache != nil {
		s.limitCache.Invalidate(req.Owner, req.AgentID)
	}
	return &limit, nil
}

func (s *Service) GetLimit(ctx context.Context, ref owner.Ref, agentID snowflake.ID) (*dailylimitdomain.SpendLimit, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return s.resolveLimit(ctx, ref, agentID)
}

func (s *Service) CurrentUsage(ctx context.Context, ref owner.Ref, agentID snowflake.ID, at time.Time) (*dailylimitdomain.Usage, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = s.clock.Now()
	}

	limit, err := s.resolveLimit(ctx, ref, agentID)
	if err != nil {
		return nil, err
	}

	policy := s.limits.Get()
	usage := &dailylimitdomain.Usage{
		Consumed: decimal.Zero,
		State:    dailylimitdomain.BucketStateNormal,
	}
	if limit == nil {
		usage.BucketStart = dailylimitdomain.BucketStart(at, time.UTC, policy.DefaultAnchorHour)
		return usage, nil
	}

	bucketStart := s.bucketStart(at, limit, policy)
	usage.BucketStart = bucketStart

	if limit.SoftTarget != nil {
		soft, hard, err := s.effectiveCaps(ctx, ref, at, *limit.SoftTarget, policy)
		if err != nil {
			return nil, err
		}
		usage.SoftTarget = &soft
		usage.HardStop = &hard
	}

	var counter dailylimitdomain.DailyUsageCounter
	err = s.db.WithContext(ctx).
		Where("owner_type = ? AND owner_id = ? AND agent_id = ? AND bucket_start = ?",
			ref.Type, ref.ID, agentID, bucketStart).
		First(&counter).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return usage, nil
		}
		return nil, err
	}
	usage.Consumed = counter.Consumed
	usage.State = counter.State
	return usage, nil
}

// validateSoftTarget enforces the configurable range and step: a decimal in
// [0, max] with at most two decimal places, on a step boundary.
func validateSoftTarget(target *decimal.Decimal, policy config.LimitsConfig) error {
	if target == nil {
		return nil
	}
	if target.IsNegative() {
		return dailylimitdomain.ErrInvalidSoftTarget
	}
	if target.Exponent() < -2 {
		return dailylimitdomain.ErrInvalidSoftTarget
	}
	max := decimal.NewFromFloat(policy.SoftTargetMax)
	if target.GreaterThan(max) {
		return dailylimitdomain.ErrInvalidSoftTarget
	}
	step := decimal.NewFromFloat(policy.SoftTargetStep)
	if !target.Mod(step).IsZero() {
		return dailylimitdomain.ErrInvalidSoftTarget
	}
	return nil
}

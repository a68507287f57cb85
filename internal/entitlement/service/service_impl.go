package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/clock"
	entitlementdomain "github.com/smallbiznis/creditmeter/internal/entitlement/domain"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	"github.com/smallbiznis/creditmeter/internal/owner"
	"github.com/smallbiznis/creditmeter/pkg/db/option"
	"github.com/smallbiznis/creditmeter/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	LedgerSvc ledgerdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      repository.Repository[entitlementdomain.AddonEntitlement]
	ledgerSvc ledgerdomain.Service
}

func NewService(p Params) entitlementdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("entitlement.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      repository.ProvideStore[entitlementdomain.AddonEntitlement](p.DB),
		ledgerSvc: p.LedgerSvc,
	}
}

func (s *Service) Create(ctx context.Context, req entitlementdomain.CreateRequest) (*entitlementdomain.AddonEntitlement, error) {
	if err := req.Owner.Validate(); err != nil {
		return nil, entitlementdomain.ErrMissingOwner
	}
	if req.Quantity < 1 {
		return nil, entitlementdomain.ErrInvalidQuantity
	}
	if req.CreditsDelta.IsZero() && req.ContactCapDelta == 0 {
		return nil, entitlementdomain.ErrEmptyDeltas
	}

	startsAt := req.StartsAt
	if startsAt.IsZero() {
		startsAt = s.clock.Now()
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(startsAt) {
		return nil, entitlementdomain.ErrInvalidWindow
	}

	entitlement := entitlementdomain.AddonEntitlement{
		ID:              s.genID.Generate(),
		OwnerType:       req.Owner.Type,
		OwnerID:         req.Owner.ID,
		CreditsDelta:    req.CreditsDelta,
		ContactCapDelta: req.ContactCapDelta,
		StartsAt:        startsAt.UTC(),
		ExpiresAt:       req.ExpiresAt,
		Recurring:       req.Recurring,
		Quantity:        req.Quantity,
		CreatedAt:       s.clock.Now(),
	}
	if err := s.repo.Create(ctx, &entitlement); err != nil {
		return nil, err
	}
	s.log.Info("entitlement created",
		zap.String("owner", req.Owner.Key()),
		zap.String("credits_delta", req.CreditsDelta.String()),
		zap.Int64("quantity", req.Quantity),
	)
	return &entitlement, nil
}

func (s *Service) EffectiveLimits(ctx context.Context, ref owner.Ref, at time.Time) (entitlementdomain.Limits, error) {
	limits := entitlementdomain.Limits{CreditsDelta: decimal.Zero}
	if err := ref.Validate(); err != nil {
		return limits, err
	}
	if at.IsZero() {
		at = s.clock.Now()
	}

	rows, err := s.repo.Find(ctx, &entitlementdomain.AddonEntitlement{
		OwnerType: ref.Type,
		OwnerID:   ref.ID,
	},
		option.WithCondition("starts_at <= ?", at.UTC()),
		option.WithCondition("expires_at IS NULL OR expires_at >= ?", at.UTC()),
	)
	if err != nil {
		return limits, err
	}

	for _, e := range rows {
		limits = limits.Apply(*e)
	}
	return limits, nil
}

func (s *Service) List(ctx context.Context, ref owner.Ref) ([]entitlementdomain.AddonEntitlement, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.repo.Find(ctx, &entitlementdomain.AddonEntitlement{
		OwnerType: ref.Type,
		OwnerID:   ref.ID,
	}, option.WithOrder("starts_at ASC, id ASC"))
	if err != nil {
		return nil, err
	}
	out := make([]entitlementdomain.AddonEntitlement, 0, len(rows))
	for _, e := range rows {
		out = append(out, *e)
	}
	return out, nil
}

func (s *Service) Delete(ctx context.Context, id snowflake.ID) error {
	existing, err := s.repo.FindOne(ctx, &entitlementdomain.AddonEntitlement{ID: id})
	if err != nil {
		return err
	}
	if existing == nil {
		return entitlementdomain.ErrNotFound
	}
	return s.repo.Delete(ctx, id.String())
}

// GrantDueCredits issues each recurring entitlement's bonus grant for the
// calendar month containing at. The grant's external invoice id is derived
// from the entitlement and period, so reruns land on the ledger's dedupe
// path instead of double-granting.
func (s *Service) GrantDueCredits(ctx context.Context, at time.Time) (int, error) {
	if at.IsZero() {
		at = s.clock.Now()
	}
	at = at.UTC()

	rows, err := s.repo.Find(ctx, &entitlementdomain.AddonEntitlement{},
		option.WithCondition("recurring = true"),
		option.WithCondition("starts_at <= ?", at),
		option.WithCondition("expires_at IS NULL OR expires_at >= ?", at),
	)
	if err != nil {
		return 0, err
	}

	periodStart := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	granted := 0
	for _, e := range rows {
		if e.CreditsDelta.IsZero() {
			continue
		}
		bonus := e.CreditsDelta.Mul(decimal.NewFromInt(e.Quantity))
		if !bonus.IsPositive() {
			continue
		}

		invoiceID := fmt.Sprintf("ent:%s:%s", e.ID, periodStart.Format("2006-01"))
		_, err := s.ledgerSvc.Credit(ctx, ledgerdomain.CreditRequest{
			Owner:             e.Owner(),
			Amount:            bonus,
			GrantedAt:         periodStart,
			ExpiresAt:         periodEnd,
			ExternalInvoiceID: &invoiceID,
			Metadata: map[string]any{
				"source":         "addon_entitlement",
				"entitlement_id": e.ID.String(),
			},
		})
		if err != nil {
			s.log.Warn("recurring entitlement grant failed",
				zap.String("entitlement_id", e.ID.String()),
				zap.Error(err),
			)
			continue
		}
		granted++
	}
	return granted, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/events"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"github.com/smallbiznis/creditmeter/internal/owner"
	"github.com/smallbiznis/creditmeter/pkg/db"
	"github.com/smallbiznis/creditmeter/pkg/db/option"
	"github.com/smallbiznis/creditmeter/pkg/db/pagination"
	"github.com/smallbiznis/creditmeter/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// debitMaxRetries bounds the compare-and-retry loop when concurrent workers
// race on the same owner's grants.
const debitMaxRetries = 5

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Hub        *events.Hub         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	grantRepo  repository.Repository[ledgerdomain.CreditGrant]
	hub        *events.Hub
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		grantRepo:  repository.ProvideStore[ledgerdomain.CreditGrant](p.DB),
		hub:        p.Hub,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) AvailableBalance(ctx context.Context, ref owner.Ref, at time.Time) (decimal.Decimal, error) {
	if err := ref.Validate(); err != nil {
		return decimal.Zero, err
	}
	if at.IsZero() {
		at = s.clock.Now()
	}

	var row struct {
		Total decimal.Decimal
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(credits - credits_used), 0) AS total
		 FROM credit_grants
		 WHERE owner_type = ? AND owner_id = ?
		   AND voided = false
		   AND granted_at <= ? AND expires_at >= ?`,
		ref.Type,
		ref.ID,
		at.UTC(),
		at.UTC(),
	).Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	return row.Total, nil
}

func (s *Service) Debit(ctx context.Context, req ledgerdomain.DebitRequest) (*ledgerdomain.DebitResult, error) {
	if err := req.Owner.Validate(); err != nil {
		return nil, err
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.At.IsZero() {
		req.At = s.clock.Now()
	}

	var result *ledgerdomain.DebitResult
	var err error
	start := s.clock.Now()
	contended := false
	for attempt := 0; attempt < debitMaxRetries; attempt++ {
		result, err = s.debitOnce(ctx, req)
		if errors.Is(err, ledgerdomain.ErrDebitContention) {
			contended = true
			s.log.Debug("debit retry after grant contention",
				zap.String("owner", req.Owner.Key()),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		break
	}
	if contended {
		s.obsMetrics.ObserveDBLockWait("credit_grants", s.clock.Now().Sub(start))
	}
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrInsufficientCredits) {
			s.obsMetrics.IncDebit(obsmetrics.DebitOutcomeInsufficient)
		} else {
			s.obsMetrics.IncDebit(obsmetrics.DebitOutcomeError)
		}
		return nil, err
	}

	s.obsMetrics.IncDebit(obsmetrics.DebitOutcomeApplied)
	if s.hub != nil {
		s.hub.Publish(events.DebitEvent{
			Owner:      result.Owner,
			AgentID:    result.AgentID,
			DebitID:    result.DebitID,
			Amount:     result.Amount,
			OccurredAt: result.OccurredAt,
		})
	}
	return result, nil
}

// debitOnce runs one all-or-nothing debit attempt. Each grant update is
// guarded on the remaining balance, so a concurrent debit that consumed the
// same grant first makes the guard miss and the whole transaction rolls
// back for a retry against the fresh grant state.
func (s *Service) debitOnce(ctx context.Context, req ledgerdomain.DebitRequest) (*ledgerdomain.DebitResult, error) {
	at := req.At.UTC()
	result := &ledgerdomain.DebitResult{
		Owner:      req.Owner,
		AgentID:    req.AgentID,
		Amount:     req.Amount,
		OccurredAt: at,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		grants, err := s.eligibleGrants(ctx, tx, req.Owner, at)
		if err != nil {
			return err
		}

		allocations, err := allocate(grants, req.Amount)
		if err != nil {
			return err
		}

		debitID := s.genID.Generate()
		now := s.clock.Now()
		consumptions := make([]ledgerdomain.CreditConsumption, 0, len(allocations))
		for _, alloc := range allocations {
			res := tx.WithContext(ctx).Exec(
				`UPDATE credit_grants
				 SET credits_used = credits_used + ?, updated_at = ?
				 WHERE id = ?
				   AND voided = false
				   AND credits - credits_used >= ?`,
				alloc.Amount,
				now,
				alloc.GrantID,
				alloc.Amount,
			)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ledgerdomain.ErrDebitContention
			}

			consumptions = append(consumptions, ledgerdomain.CreditConsumption{
				ID:         s.genID.Generate(),
				OwnerType:  req.Owner.Type,
				OwnerID:    req.Owner.ID,
				AgentID:    req.AgentID,
				DebitID:    debitID,
				GrantID:    alloc.GrantID,
				Amount:     alloc.Amount,
				OccurredAt: at,
				Metadata:   datatypes.JSONMap(req.Metadata),
				CreatedAt:  now,
			})
		}

		if err := tx.WithContext(ctx).Create(&consumptions).Error; err != nil {
			return err
		}

		result.DebitID = debitID
		result.Allocations = allocations
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// eligibleGrants fetches the spendable grants in consumption order:
// soonest expiry first so credits close to expiring are burned before
// longer-lived ones, ties broken by grant id for a stable order.
func (s *Service) eligibleGrants(ctx context.Context, tx *gorm.DB, ref owner.Ref, at time.Time) ([]ledgerdomain.CreditGrant, error) {
	var grants []ledgerdomain.CreditGrant
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM credit_grants
		 WHERE owner_type = ? AND owner_id = ?
		   AND voided = false
		   AND granted_at <= ? AND expires_at >= ?
		   AND credits_used < credits
		 ORDER BY expires_at ASC, id ASC`,
		ref.Type,
		ref.ID,
		at,
		at,
	).Scan(&grants).Error
	if err != nil {
		return nil, err
	}
	return grants, nil
}

// allocate spreads amount across grants in the given order. Fails before
// any mutation if the grants cannot cover the amount.
func allocate(grants []ledgerdomain.CreditGrant, amount decimal.Decimal) ([]ledgerdomain.Allocation, error) {
	available := decimal.Zero
	for _, g := range grants {
		available = available.Add(g.Available())
	}
	if available.LessThan(amount) {
		return nil, ledgerdomain.ErrInsufficientCredits
	}

	allocations := make([]ledgerdomain.Allocation, 0, len(grants))
	remaining := amount
	for _, g := range grants {
		if remaining.IsZero() {
			break
		}
		slice := decimal.Min(g.Available(), remaining)
		if slice.IsZero() {
			continue
		}
		allocations = append(allocations, ledgerdomain.Allocation{GrantID: g.ID, Amount: slice})
		remaining = remaining.Sub(slice)
	}
	if !remaining.IsZero() {
		return nil, ledgerdomain.ErrInsufficientCredits
	}
	return allocations, nil
}

func (s *Service) Credit(ctx context.Context, req ledgerdomain.CreditRequest) (*ledgerdomain.CreditGrant, error) {
	if err := req.Owner.Validate(); err != nil {
		return nil, err
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}

	grantedAt := req.GrantedAt
	if grantedAt.IsZero() {
		grantedAt = s.clock.Now()
	}
	if req.ExpiresAt.IsZero() || !req.ExpiresAt.After(grantedAt) {
		return nil, ledgerdomain.ErrInvalidExpiry
	}

	now := s.clock.Now()
	grant := ledgerdomain.CreditGrant{
		ID:                s.genID.Generate(),
		OwnerType:         req.Owner.Type,
		OwnerID:           req.Owner.ID,
		Credits:           req.Amount,
		CreditsUsed:       decimal.Zero,
		GrantedAt:         grantedAt.UTC(),
		ExpiresAt:         req.ExpiresAt.UTC(),
		ExternalInvoiceID: req.ExternalInvoiceID,
		FreeTrial:         req.FreeTrial,
		Metadata:          datatypes.JSONMap(req.Metadata),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if req.ExternalInvoiceID == nil {
		if err := s.grantRepo.Create(ctx, &grant); err != nil {
			return nil, err
		}
		s.obsMetrics.IncGrantCreated()
		return &grant, nil
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "owner_type"},
			{Name: "owner_id"},
			{Name: "external_invoice_id"},
		},
		DoNothing: true,
	}).Create(&grant)
	if res.Error != nil {
		if !db.IsDuplicateKeyErr(res.Error) {
			return nil, res.Error
		}
		res.RowsAffected = 0
	}
	if res.RowsAffected > 0 {
		s.obsMetrics.IncGrantCreated()
		return &grant, nil
	}

	// Duplicate delivery of the same billing event: return the original
	// grant untouched.
	existing, err := s.grantRepo.FindOne(ctx, &ledgerdomain.CreditGrant{
		OwnerType:         req.Owner.Type,
		OwnerID:           req.Owner.ID,
		ExternalInvoiceID: req.ExternalInvoiceID,
	})
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("grant dedupe lookup failed for invoice %q", *req.ExternalInvoiceID)
	}
	s.log.Info("duplicate grant ignored",
		zap.String("owner", req.Owner.Key()),
		zap.String("external_invoice_id", *req.ExternalInvoiceID),
	)
	s.obsMetrics.IncGrantDeduplicated()
	return existing, nil
}

func (s *Service) Void(ctx context.Context, grantID snowflake.ID) error {
	if grantID == 0 {
		return ledgerdomain.ErrGrantNotFound
	}

	res := s.db.WithContext(ctx).Exec(
		`UPDATE credit_grants
		 SET voided = true, updated_at = ?
		 WHERE id = ? AND voided = false`,
		s.clock.Now(),
		grantID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	grant, err := s.GetGrant(ctx, grantID)
	if err != nil {
		return err
	}
	if grant.Voided {
		// Voiding twice is a no-op.
		return nil
	}
	return ledgerdomain.ErrGrantNotFound
}

func (s *Service) GetGrant(ctx context.Context, grantID snowflake.ID) (*ledgerdomain.CreditGrant, error) {
	grant, err := s.grantRepo.FindOne(ctx, &ledgerdomain.CreditGrant{ID: grantID})
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, ledgerdomain.ErrGrantNotFound
	}
	return grant, nil
}

func (s *Service) ListGrants(ctx context.Context, req ledgerdomain.ListGrantsRequest) (ledgerdomain.ListGrantsResponse, error) {
	var resp ledgerdomain.ListGrantsResponse
	if err := req.Owner.Validate(); err != nil {
		return resp, err
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}

	opts := []option.QueryOption{
		option.WithOrder("id DESC"),
		option.WithLimit(pageSize + 1),
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return resp, err
		}
		lastID, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return resp, err
		}
		opts = append(opts, option.WithCondition("id < ?", lastID))
	}
	if !req.IncludeVoided {
		opts = append(opts, option.WithCondition("voided = false"))
	}
	if !req.IncludeExpired {
		at := req.At
		if at.IsZero() {
			at = s.clock.Now()
		}
		opts = append(opts, option.WithCondition("expires_at >= ?", at))
	}

	rows, err := s.grantRepo.Find(ctx, &ledgerdomain.CreditGrant{
		OwnerType: req.Owner.Type,
		OwnerID:   req.Owner.ID,
	}, opts...)
	if err != nil {
		return resp, err
	}

	pageInfo := pagination.BuildCursorPageInfo(rows, int32(pageSize), func(g *ledgerdomain.CreditGrant) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: g.ID.String()})
		return token
	})
	resp.PageInfo = *pageInfo

	if len(rows) > pageSize {
		rows = rows[:pageSize]
	}
	resp.Grants = make([]ledgerdomain.CreditGrant, 0, len(rows))
	for _, g := range rows {
		resp.Grants = append(resp.Grants, *g)
	}
	return resp, nil
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ledgerdomain.ErrInvalidAmount
	}
	// Credits carry three decimal places end to end.
	if amount.Exponent() < -3 {
		return ledgerdomain.ErrInvalidAmount
	}
	return nil
}

package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careline/internal/clock"
	"github.com/smallbiznis/careline/internal/config"
	"github.com/smallbiznis/careline/internal/notification"
	obsmetrics "github.com/smallbiznis/careline/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/careline/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       subscriptiondomain.Repository
	BillingCfg *config.BillingConfigHolder
	Notifier   notification.Notifier `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       subscriptiondomain.Repository
	billingCfg *config.BillingConfigHolder
	notifier   notification.Notifier
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("subscription.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		billingCfg: p.BillingCfg,
		notifier:   p.Notifier,
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (subscriptiondomain.Subscription, error) {
	if req.PatientID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidPatient
	}
	if req.PlanDays <= 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidPlanDays
	}

	now := s.clock.Now()
	start := req.StartDate
	if start.IsZero() {
		start = now
	}

	existing, err := s.repo.FindActiveByPatient(ctx, s.db, req.PatientID, now)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if existing != nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrDuplicateSubscription
	}

	metadata := map[string]any{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	subscription := subscriptiondomain.Subscription{
		ID:                     s.genID.Generate(),
		PatientID:              req.PatientID,
		Status:                 subscriptiondomain.SubscriptionStatusActive,
		IsActive:               true,
		TextSessionsRemaining:  req.TextSessionsRemaining,
		VoiceSessionsRemaining: req.VoiceSessionsRemaining,
		VideoSessionsRemaining: req.VideoSessionsRemaining,
		StartDate:              start.UTC(),
		EndDate:                start.UTC().AddDate(0, 0, req.PlanDays),
		Metadata:               metadata,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.repo.Insert(ctx, s.db, &subscription); err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	return subscription, nil
}

func (s *Service) GetActiveByPatient(ctx context.Context, patientID snowflake.ID) (subscriptiondomain.Subscription, error) {
	if patientID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidPatient
	}
	subscription, err := s.repo.FindActiveByPatient(ctx, s.db, patientID, s.clock.Now())
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if subscription == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *subscription, nil
}

// DeductQuotaTx implements domain.Service. It must run inside the caller's
// transaction: the FOR UPDATE re-read is what makes concurrent metering
// ticks serialize on the subscription row.
func (s *Service) DeductQuotaTx(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, kind subscriptiondomain.SessionKind, units int) (subscriptiondomain.DeductResult, error) {
	return s.deductLocked(ctx, tx, subscriptionID, kind, units, false)
}

// DeductQuotaCappedTx implements domain.Service.
func (s *Service) DeductQuotaCappedTx(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, kind subscriptiondomain.SessionKind, units int) (subscriptiondomain.DeductResult, error) {
	return s.deductLocked(ctx, tx, subscriptionID, kind, units, true)
}

func (s *Service) deductLocked(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, kind subscriptiondomain.SessionKind, units int, capped bool) (subscriptiondomain.DeductResult, error) {
	result := subscriptiondomain.DeductResult{
		SubscriptionID: subscriptionID,
		Kind:           kind,
		Requested:      units,
	}
	if units <= 0 {
		return result, subscriptiondomain.ErrInvalidUnits
	}
	if !validKind(kind) {
		return result, subscriptiondomain.ErrInvalidSessionKind
	}

	subscription, err := s.repo.FindByIDForUpdate(ctx, tx, subscriptionID)
	if err != nil {
		return result, err
	}
	if subscription == nil {
		return result, subscriptiondomain.ErrSubscriptionNotFound
	}
	if subscription.Status != subscriptiondomain.SubscriptionStatusActive || !subscription.IsActive {
		return result, subscriptiondomain.ErrSubscriptionNotActive
	}

	if subscription.Unlimited(kind) {
		result.Deducted = units
		result.Remaining = subscriptiondomain.UnlimitedSessions
		result.Unlimited = true
		return result, nil
	}

	remaining := subscription.Remaining(kind)
	deduct := units
	if remaining < units {
		if !capped {
			obsmetrics.Engine().IncInsufficientQuota(string(kind))
			result.Remaining = remaining
			return result, subscriptiondomain.ErrInsufficientQuota
		}
		deduct = remaining
	}

	if deduct > 0 {
		if err := s.repo.UpdateQuota(ctx, tx, subscriptionID, kind, remaining-deduct, s.clock.Now()); err != nil {
			return result, err
		}
	}
	result.Deducted = deduct
	result.Remaining = remaining - deduct
	return result, nil
}

func validKind(kind subscriptiondomain.SessionKind) bool {
	switch kind {
	case subscriptiondomain.SessionKindText, subscriptiondomain.SessionKindVoice, subscriptiondomain.SessionKindVideo:
		return true
	default:
		return false
	}
}

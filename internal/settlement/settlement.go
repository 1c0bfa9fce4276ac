// Package settlement closes out consultations and appointments. Session-end
// settlement is the one place deduction degrades instead of failing: ending
// a session must always succeed, so the final charge is capped at whatever
// quota remains and the shortfall is reported for reconciliation.
package settlement

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	appointmentdomain "github.com/smallbiznis/careline/internal/appointment/domain"
	"github.com/smallbiznis/careline/internal/clock"
	"github.com/smallbiznis/careline/internal/config"
	"github.com/smallbiznis/careline/internal/notification"
	obsmetrics "github.com/smallbiznis/careline/internal/observability/metrics"
	sessiondomain "github.com/smallbiznis/careline/internal/session/domain"
	"github.com/smallbiznis/careline/internal/sessionguard"
	subscriptiondomain "github.com/smallbiznis/careline/internal/subscription/domain"
	walletdomain "github.com/smallbiznis/careline/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SessionResult reports what one session settlement committed.
type SessionResult struct {
	Ref          sessiondomain.Ref
	EndType      sessiondomain.EndType
	UnitsOwed    int
	UnitsCharged int
	UnderSettled int
	AlreadyEnded bool
}

// AppointmentResult reports which one-shot markers this call actually fired.
type AppointmentResult struct {
	AppointmentID   snowflake.ID
	EarningsAwarded bool
	QuotaDeducted   bool
}

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	Clock           clock.Clock
	Guard           *sessionguard.Guard
	SessionRepo     sessiondomain.Repository
	AppointmentRepo appointmentdomain.Repository
	SubscriptionSvc subscriptiondomain.Service
	WalletSvc       walletdomain.Service
	BillingCfg      *config.BillingConfigHolder
	Notifier        notification.Notifier `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	clock           clock.Clock
	guard           *sessionguard.Guard
	sessionRepo     sessiondomain.Repository
	appointmentRepo appointmentdomain.Repository
	subscriptionSvc subscriptiondomain.Service
	walletSvc       walletdomain.Service
	billingCfg      *config.BillingConfigHolder
	notifier        notification.Notifier
}

func NewService(p Params) *Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("settlement.service"),
		clock:           p.Clock,
		guard:           p.Guard,
		sessionRepo:     p.SessionRepo,
		appointmentRepo: p.AppointmentRepo,
		subscriptionSvc: p.SubscriptionSvc,
		walletSvc:       p.WalletSvc,
		billingCfg:      p.BillingCfg,
		notifier:        p.Notifier,
	}
}

// SettleSession charges the final balance of a session and marks it
// terminal in the same transaction.
//
// A manual end bills the started unit in full (ceil); a timeout end bills
// only completed units (floor), since nobody chose to keep the partial unit
// running. The final deduction is capped at remaining quota instead of
// failing; a capped settlement is logged loudly and counted. Settling an
// already-terminal session is a success no-op.
func (s *Service) SettleSession(ctx context.Context, ref sessiondomain.Ref, endType sessiondomain.EndType) (SessionResult, error) {
	cfg := s.billingCfg.Get()
	now := s.clock.Now()

	var result SessionResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		result, txErr = s.settleLocked(ctx, tx, ref, endType, cfg, now)
		return txErr
	})
	if err != nil {
		return SessionResult{}, err
	}

	if !result.AlreadyEnded {
		obsmetrics.Engine().IncSettlement(string(endType))
		obsmetrics.Engine().AddUnitsDeducted(string(walletdomain.CategorySettlement), result.UnitsCharged)
		if result.UnderSettled > 0 {
			obsmetrics.Engine().IncUnderSettled()
		}
		s.notifySessionEnd(ctx, result)
	}
	return result, nil
}

func (s *Service) settleLocked(ctx context.Context, tx *gorm.DB, ref sessiondomain.Ref, endType sessiondomain.EndType, cfg config.BillingConfig, now time.Time) (SessionResult, error) {
	var (
		anchor     time.Time
		billable   bool
		processed  int
		used       int
		patientID  snowflake.ID
		providerID snowflake.ID
		kind       subscriptiondomain.SessionKind
		refType    walletdomain.ReferenceType
	)

	switch ref.Type {
	case sessiondomain.SessionTypeText:
		session, err := s.sessionRepo.FindTextByIDForUpdate(ctx, tx, ref.ID)
		if err != nil {
			return SessionResult{}, err
		}
		if session == nil {
			return SessionResult{}, sessiondomain.ErrSessionNotFound
		}
		if session.Status.Terminal() {
			return SessionResult{Ref: ref, EndType: endType, AlreadyEnded: true}, nil
		}
		anchor = session.StartedAt
		billable = session.Status == sessiondomain.TextStatusActive
		processed = session.AutoDeductionsProcessed
		used = session.SessionsUsed
		patientID = session.PatientID
		providerID = session.ProviderID
		kind = subscriptiondomain.SessionKindText
		refType = walletdomain.RefTypeTextSession

	case sessiondomain.SessionTypeCall:
		session, err := s.sessionRepo.FindCallByIDForUpdate(ctx, tx, ref.ID)
		if err != nil {
			return SessionResult{}, err
		}
		if session == nil {
			return SessionResult{}, sessiondomain.ErrSessionNotFound
		}
		if session.Status.Terminal() {
			return SessionResult{Ref: ref, EndType: endType, AlreadyEnded: true}, nil
		}
		if connectedAt, ok := session.BillingAnchor(); ok {
			anchor = connectedAt
			billable = true
		}
		processed = session.AutoDeductionsProcessed
		used = session.SessionsUsed
		patientID = session.PatientID
		providerID = session.ProviderID
		kind = session.Kind
		refType = walletdomain.RefTypeCallSession

	default:
		return SessionResult{}, sessiondomain.ErrSessionNotFound
	}

	owed := 0
	if billable {
		owed = owedUnits(anchor, now, cfg.UnitMinutes, endType)
	}
	remaining := owed - processed

	result := SessionResult{Ref: ref, EndType: endType, UnitsOwed: owed}
	if remaining > 0 {
		charged, err := s.chargeFinal(ctx, tx, ref, refType, patientID, providerID, kind, remaining, processed, cfg)
		if err != nil {
			return SessionResult{}, err
		}
		result.UnitsCharged = charged
		result.UnderSettled = remaining - charged
		if err := s.updateCounters(ctx, tx, ref, used+charged, processed+charged, now); err != nil {
			return SessionResult{}, err
		}
	}

	if err := s.markTerminal(ctx, tx, ref, endType, now); err != nil {
		return SessionResult{}, err
	}

	if result.UnderSettled > 0 {
		s.log.Warn("session under-settled, quota exhausted before owed units",
			zap.String("session", ref.Identifier()),
			zap.Int("units_owed", owed),
			zap.Int("units_charged", result.UnitsCharged),
			zap.Int("shortfall", result.UnderSettled),
		)
	}
	return result, nil
}

func (s *Service) chargeFinal(ctx context.Context, tx *gorm.DB, ref sessiondomain.Ref, refType walletdomain.ReferenceType, patientID, providerID snowflake.ID, kind subscriptiondomain.SessionKind, remaining, processed int, cfg config.BillingConfig) (int, error) {
	subscription, err := s.subscriptionSvc.GetActiveByPatient(ctx, patientID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			// No subscription left to charge: fully under-settled.
			return 0, nil
		}
		return 0, err
	}

	deduction, err := s.subscriptionSvc.DeductQuotaCappedTx(ctx, tx, subscription.ID, kind, remaining)
	if err != nil {
		return 0, err
	}
	if deduction.Deducted == 0 {
		return 0, nil
	}

	amount := cfg.ProviderRatePerUnit * int64(deduction.Deducted)
	_, err = s.walletSvc.CreditTx(ctx, tx, walletdomain.CreditRequest{
		ProviderID: providerID,
		Amount:     amount,
		Currency:   cfg.Currency,
		Category:   walletdomain.CategorySettlement,
		RefType:    refType,
		RefID:      ref.ID,
		Metadata: map[string]any{
			"units":           deduction.Deducted,
			"units_owed":      remaining,
			"prior_watermark": processed,
			"subscription_id": subscription.ID.String(),
		},
	})
	if err != nil && !errors.Is(err, walletdomain.ErrDuplicateTransaction) {
		return 0, err
	}
	return deduction.Deducted, nil
}

func (s *Service) updateCounters(ctx context.Context, tx *gorm.DB, ref sessiondomain.Ref, used, processed int, now time.Time) error {
	switch ref.Type {
	case sessiondomain.SessionTypeText:
		return s.sessionRepo.UpdateTextCounters(ctx, tx, ref.ID, used, processed, now)
	case sessiondomain.SessionTypeCall:
		return s.sessionRepo.UpdateCallCounters(ctx, tx, ref.ID, used, processed, now)
	}
	return nil
}

func (s *Service) markTerminal(ctx context.Context, tx *gorm.DB, ref sessiondomain.Ref, endType sessiondomain.EndType, now time.Time) error {
	switch ref.Type {
	case sessiondomain.SessionTypeText:
		to := sessiondomain.TextStatusEnded
		if endType == sessiondomain.EndTypeTimeout {
			to = sessiondomain.TextStatusExpired
		}
		updated, err := s.sessionRepo.UpdateTextStatus(ctx, tx, ref.ID,
			[]sessiondomain.TextSessionStatus{
				sessiondomain.TextStatusWaitingForProvider,
				sessiondomain.TextStatusActive,
			}, to, now)
		if err != nil {
			return err
		}
		if !updated {
			return sessiondomain.ErrSessionNotActive
		}
		return nil

	case sessiondomain.SessionTypeCall:
		updated, err := s.sessionRepo.UpdateCallStatus(ctx, tx, ref.ID,
			[]sessiondomain.CallSessionStatus{
				sessiondomain.CallStatusConnecting,
				sessiondomain.CallStatusWaitingForProvider,
				sessiondomain.CallStatusAnswered,
				sessiondomain.CallStatusActive,
			}, sessiondomain.CallStatusEnded, nil, now)
		if err != nil {
			return err
		}
		if !updated {
			return sessiondomain.ErrSessionNotActive
		}
		return nil
	}
	return sessiondomain.ErrSessionNotFound
}

func (s *Service) notifySessionEnd(ctx context.Context, result SessionResult) {
	if s.notifier == nil {
		return
	}
	eventType := notification.EventSessionSettled
	if result.EndType == sessiondomain.EndTypeTimeout {
		eventType = notification.EventSessionExpired
	}
	s.notifier.Notify(ctx, notification.Event{
		Type:     eventType,
		TargetID: result.Ref.Identifier(),
		Metadata: map[string]any{
			"units_owed":    result.UnitsOwed,
			"units_charged": result.UnitsCharged,
			"under_settled": result.UnderSettled,
		},
	})
}

// SettleAppointment runs the two one-shot appointment settlements: provider
// earning and patient quota deduction. Each is guarded by its own marker
// column, re-checked under lock, so re-running after a partial failure
// completes the missing half and a full replay is a success no-op.
func (s *Service) SettleAppointment(ctx context.Context, appointmentID snowflake.ID) (AppointmentResult, error) {
	if _, err := s.guard.InspectAppointmentBilling(ctx, appointmentID); err != nil {
		return AppointmentResult{}, err
	}
	cfg := s.billingCfg.Get()
	now := s.clock.Now()

	result := AppointmentResult{AppointmentID: appointmentID}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		appt, err := s.appointmentRepo.FindByIDForUpdate(ctx, tx, appointmentID)
		if err != nil {
			return err
		}
		if appt == nil {
			return sessionguard.ErrAppointmentNotFound
		}

		if appt.EarningsAwarded == 0 {
			amount := cfg.ProviderRatePerUnit
			marked, err := s.appointmentRepo.MarkEarningsAwarded(ctx, tx, appointmentID, amount, now)
			if err != nil {
				return err
			}
			if marked {
				_, err = s.walletSvc.CreditTx(ctx, tx, walletdomain.CreditRequest{
					ProviderID: appt.ProviderID,
					Amount:     amount,
					Currency:   cfg.Currency,
					Category:   walletdomain.CategoryAppointmentEarning,
					RefType:    walletdomain.RefTypeAppointment,
					RefID:      appointmentID,
				})
				if err != nil && !errors.Is(err, walletdomain.ErrDuplicateTransaction) {
					return err
				}
				result.EarningsAwarded = true
			}
		}

		if appt.SessionsDeducted == 0 {
			marked, err := s.appointmentRepo.MarkSessionsDeducted(ctx, tx, appointmentID, now)
			if err != nil {
				return err
			}
			if marked {
				if err := s.deductAppointmentQuota(ctx, tx, appt.PatientID, appt.SessionKind); err != nil {
					return err
				}
				result.QuotaDeducted = true
			}
		}
		return nil
	})
	if err != nil {
		return AppointmentResult{}, err
	}

	if result.EarningsAwarded {
		obsmetrics.Engine().IncWalletCredit(string(walletdomain.CategoryAppointmentEarning))
	}
	return result, nil
}

func (s *Service) deductAppointmentQuota(ctx context.Context, tx *gorm.DB, patientID snowflake.ID, kind string) error {
	subscription, err := s.subscriptionSvc.GetActiveByPatient(ctx, patientID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			s.log.Warn("appointment deduction skipped, no active subscription",
				zap.String("patient_id", patientID.String()),
			)
			return nil
		}
		return err
	}
	_, err = s.subscriptionSvc.DeductQuotaCappedTx(ctx, tx, subscription.ID, subscriptiondomain.SessionKind(kind), 1)
	return err
}

// owedUnits applies the end-type rounding rule.
func owedUnits(anchor, now time.Time, unitMinutes int, endType sessiondomain.EndType) int {
	if unitMinutes <= 0 {
		return 0
	}
	elapsed := now.Sub(anchor)
	if elapsed <= 0 {
		return 0
	}
	unit := time.Duration(unitMinutes) * time.Minute
	if endType == sessiondomain.EndTypeManual {
		return int(math.Ceil(float64(elapsed) / float64(unit)))
	}
	return int(elapsed / unit)
}

var Module = fx.Module("settlement",
	fx.Provide(NewService),
)

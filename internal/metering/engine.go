// Package metering implements periodic auto-deduction for running
// consultations. Elapsed connected time is converted into quota units;
// every tick charges only the units that became newly eligible since the
// last committed tick.
package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
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

// TickResult reports what one metering pass committed.
type TickResult struct {
	Ref            sessiondomain.Ref
	EligibleUnits  int
	UnitsCharged   int
	AmountCredited int64
}

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	Clock           clock.Clock
	Guard           *sessionguard.Guard
	SessionRepo     sessiondomain.Repository
	SubscriptionSvc subscriptiondomain.Service
	WalletSvc       walletdomain.Service
	BillingCfg      *config.BillingConfigHolder
	Notifier        notification.Notifier `optional:"true"`
}

type Engine struct {
	db              *gorm.DB
	log             *zap.Logger
	clock           clock.Clock
	guard           *sessionguard.Guard
	sessionRepo     sessiondomain.Repository
	subscriptionSvc subscriptiondomain.Service
	walletSvc       walletdomain.Service
	billingCfg      *config.BillingConfigHolder
	notifier        notification.Notifier
}

func NewEngine(p Params) *Engine {
	return &Engine{
		db:              p.DB,
		log:             p.Log.Named("metering.engine"),
		clock:           p.Clock,
		guard:           p.Guard,
		sessionRepo:     p.SessionRepo,
		subscriptionSvc: p.SubscriptionSvc,
		walletSvc:       p.WalletSvc,
		billingCfg:      p.BillingCfg,
		notifier:        p.Notifier,
	}
}

// Tick charges every unit that became eligible since the last committed
// tick for one session. Identifier goes through the billing guard first, so
// terminal sessions, unknown ids and never-connected calls are refused
// before any money is touched.
//
// The pre-lock read is only a fast path; the authoritative eligible/new
// split is recomputed from freshly locked rows inside the transaction. On
// insufficient quota the whole tick fails and nothing moves; the caller may
// then end the session. Contention is not retried here, the next trigger
// re-drives the tick.
func (e *Engine) Tick(ctx context.Context, identifier string) (TickResult, error) {
	classification, err := e.guard.RequireForBilling(ctx, identifier, "metering.tick")
	if err != nil {
		return TickResult{}, err
	}
	ref := classification.Ref
	cfg := e.billingCfg.Get()
	now := e.clock.Now()

	anchor, processed, ok := anchorAndWatermark(classification)
	if !ok {
		return TickResult{Ref: ref}, nil
	}
	if eligibleUnits(anchor, now, cfg.UnitMinutes)-processed <= 0 {
		return TickResult{Ref: ref}, nil
	}

	var result TickResult
	err = e.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		result, txErr = e.tickLocked(ctx, tx, ref, cfg, now)
		return txErr
	})
	if err != nil {
		return TickResult{}, err
	}

	if result.UnitsCharged > 0 {
		obsmetrics.Engine().IncAutoDeduction(string(ref.Type))
		obsmetrics.Engine().AddUnitsDeducted(string(walletdomain.CategoryAutoDeduction), result.UnitsCharged)
		e.notify(ctx, result)
	}
	return result, nil
}

func (e *Engine) tickLocked(ctx context.Context, tx *gorm.DB, ref sessiondomain.Ref, cfg config.BillingConfig, now time.Time) (TickResult, error) {
	var (
		anchor     time.Time
		processed  int
		used       int
		patientID  snowflake.ID
		providerID snowflake.ID
		kind       subscriptiondomain.SessionKind
		refType    walletdomain.ReferenceType
	)

	switch ref.Type {
	case sessiondomain.SessionTypeText:
		session, err := e.sessionRepo.FindTextByIDForUpdate(ctx, tx, ref.ID)
		if err != nil {
			return TickResult{}, err
		}
		if session == nil {
			return TickResult{}, sessiondomain.ErrSessionNotFound
		}
		if session.Status != sessiondomain.TextStatusActive {
			return TickResult{}, sessiondomain.ErrSessionNotActive
		}
		anchor = session.StartedAt
		processed = session.AutoDeductionsProcessed
		used = session.SessionsUsed
		patientID = session.PatientID
		providerID = session.ProviderID
		kind = subscriptiondomain.SessionKindText
		refType = walletdomain.RefTypeTextSession

	case sessiondomain.SessionTypeCall:
		session, err := e.sessionRepo.FindCallByIDForUpdate(ctx, tx, ref.ID)
		if err != nil {
			return TickResult{}, err
		}
		if session == nil {
			return TickResult{}, sessiondomain.ErrSessionNotFound
		}
		if session.Status != sessiondomain.CallStatusActive {
			return TickResult{}, sessiondomain.ErrSessionNotActive
		}
		billingAnchor, ok := session.BillingAnchor()
		if !ok {
			return TickResult{}, sessionguard.ErrCallNeverConnected
		}
		anchor = billingAnchor
		processed = session.AutoDeductionsProcessed
		used = session.SessionsUsed
		patientID = session.PatientID
		providerID = session.ProviderID
		kind = session.Kind
		refType = walletdomain.RefTypeCallSession

	default:
		return TickResult{}, sessiondomain.ErrSessionNotFound
	}

	eligible := eligibleUnits(anchor, now, cfg.UnitMinutes)
	newUnits := eligible - processed
	if newUnits <= 0 {
		return TickResult{Ref: ref, EligibleUnits: eligible}, nil
	}

	subscription, err := e.subscriptionSvc.GetActiveByPatient(ctx, patientID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			return TickResult{}, fmt.Errorf("%w: no active subscription", subscriptiondomain.ErrInsufficientQuota)
		}
		return TickResult{}, err
	}

	deduction, err := e.subscriptionSvc.DeductQuotaTx(ctx, tx, subscription.ID, kind, newUnits)
	if err != nil {
		return TickResult{}, err
	}

	amount := cfg.ProviderRatePerUnit * int64(newUnits)
	_, err = e.walletSvc.CreditTx(ctx, tx, walletdomain.CreditRequest{
		ProviderID: providerID,
		Amount:     amount,
		Currency:   cfg.Currency,
		Category:   walletdomain.CategoryAutoDeduction,
		RefType:    refType,
		RefID:      ref.ID,
		Sequence:   eligible,
		Metadata: map[string]any{
			"units":           newUnits,
			"unit_watermark":  eligible,
			"subscription_id": subscription.ID.String(),
		},
	})
	if err != nil && !errors.Is(err, walletdomain.ErrDuplicateTransaction) {
		return TickResult{}, err
	}

	switch ref.Type {
	case sessiondomain.SessionTypeText:
		err = e.sessionRepo.UpdateTextCounters(ctx, tx, ref.ID, used+newUnits, eligible, now)
	case sessiondomain.SessionTypeCall:
		err = e.sessionRepo.UpdateCallCounters(ctx, tx, ref.ID, used+newUnits, eligible, now)
	}
	if err != nil {
		return TickResult{}, err
	}

	e.log.Info("auto deduction committed",
		zap.String("session", ref.Identifier()),
		zap.Int("units", newUnits),
		zap.Int("watermark", eligible),
		zap.Int("quota_remaining", deduction.Remaining),
		zap.Int64("amount_credited", amount),
	)
	return TickResult{
		Ref:            ref,
		EligibleUnits:  eligible,
		UnitsCharged:   newUnits,
		AmountCredited: amount,
	}, nil
}

func (e *Engine) notify(ctx context.Context, result TickResult) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, notification.Event{
		Type:     notification.EventProviderPaid,
		TargetID: result.Ref.Identifier(),
		Metadata: map[string]any{
			"units":  result.UnitsCharged,
			"amount": result.AmountCredited,
		},
	})
}

func anchorAndWatermark(c sessionguard.Classification) (time.Time, int, bool) {
	switch {
	case c.Text != nil:
		if c.Text.Status != sessiondomain.TextStatusActive {
			return time.Time{}, 0, false
		}
		return c.Text.StartedAt, c.Text.AutoDeductionsProcessed, true
	case c.Call != nil:
		if c.Call.Status != sessiondomain.CallStatusActive {
			return time.Time{}, 0, false
		}
		anchor, ok := c.Call.BillingAnchor()
		if !ok {
			return time.Time{}, 0, false
		}
		return anchor, c.Call.AutoDeductionsProcessed, true
	default:
		return time.Time{}, 0, false
	}
}

// eligibleUnits is floor(elapsed / unit): a partial unit in progress is not
// yet billable.
func eligibleUnits(anchor, now time.Time, unitMinutes int) int {
	if unitMinutes <= 0 {
		return 0
	}
	elapsed := now.Sub(anchor)
	if elapsed <= 0 {
		return 0
	}
	return int(elapsed / (time.Duration(unitMinutes) * time.Minute))
}

var Module = fx.Module("metering",
	fx.Provide(NewEngine),
)

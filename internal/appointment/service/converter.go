package service

import (
	"context"
	"errors"

	appointmentdomain "github.com/smallbiznis/careline/internal/appointment/domain"
	"github.com/smallbiznis/careline/internal/clock"
	"github.com/smallbiznis/careline/internal/convmetrics"
	obsmetrics "github.com/smallbiznis/careline/internal/observability/metrics"
	sessiondomain "github.com/smallbiznis/careline/internal/session/domain"
	subscriptiondomain "github.com/smallbiznis/careline/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ConverterParams struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Repo       appointmentdomain.Repository
	SessionSvc sessiondomain.Service
	Tracker    *convmetrics.Tracker
}

// Converter turns due confirmed appointments into live sessions. Conversion
// is best effort per appointment: one failing row never stops the sweep.
type Converter struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	repo       appointmentdomain.Repository
	sessionSvc sessiondomain.Service
	tracker    *convmetrics.Tracker
}

func NewConverter(p ConverterParams) *Converter {
	return &Converter{
		db:         p.DB,
		log:        p.Log.Named("appointment.converter"),
		clock:      p.Clock,
		repo:       p.Repo,
		sessionSvc: p.SessionSvc,
		tracker:    p.Tracker,
	}
}

// ConvertDue sweeps appointments whose scheduled time has passed and starts
// a session for each. Returns how many converted; per-row failures are
// joined, recorded by reason, and left for the next sweep.
func (c *Converter) ConvertDue(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	due, err := c.repo.ListDueForConversion(ctx, c.db, c.clock.Now(), batchSize)
	if err != nil {
		return 0, err
	}

	converted := 0
	var errs []error
	for i := range due {
		if err := c.convertOne(ctx, &due[i]); err != nil {
			c.tracker.RecordFailure(ctx, failureReason(err))
			c.log.Warn("appointment conversion failed",
				zap.String("appointment_id", due[i].ID.String()),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		c.tracker.RecordSuccess(ctx)
		converted++
	}
	return converted, errors.Join(errs...)
}

func (c *Converter) convertOne(ctx context.Context, appt *appointmentdomain.Appointment) error {
	apptID := appt.ID
	var sessionRef sessiondomain.Ref

	switch subscriptiondomain.SessionKind(appt.SessionKind) {
	case subscriptiondomain.SessionKindText:
		session, err := c.sessionSvc.CreateText(ctx, sessiondomain.CreateTextSessionRequest{
			PatientID:     appt.PatientID,
			ProviderID:    appt.ProviderID,
			AppointmentID: &apptID,
		})
		if err != nil {
			return err
		}
		sessionRef = sessiondomain.Ref{Type: sessiondomain.SessionTypeText, ID: session.ID}

	case subscriptiondomain.SessionKindVoice, subscriptiondomain.SessionKindVideo:
		session, err := c.sessionSvc.CreateCall(ctx, sessiondomain.CreateCallSessionRequest{
			PatientID:     appt.PatientID,
			ProviderID:    appt.ProviderID,
			Kind:          subscriptiondomain.SessionKind(appt.SessionKind),
			AppointmentID: &apptID,
		})
		if err != nil {
			return err
		}
		sessionRef = sessiondomain.Ref{Type: sessiondomain.SessionTypeCall, ID: session.ID}

	default:
		return appointmentdomain.ErrInvalidAppointment
	}

	linked, err := c.repo.LinkSession(ctx, c.db, appt.ID, sessionRef.ID, c.clock.Now())
	if err != nil {
		return err
	}
	if !linked {
		// Another replica linked first; the session we just made is a
		// duplicate the registry already refused or will expire idle.
		c.log.Warn("appointment already linked to a session",
			zap.String("appointment_id", appt.ID.String()),
		)
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, sessiondomain.ErrNoActiveSubscription):
		return obsmetrics.ConversionFailureReasonNoSubscription
	case errors.Is(err, subscriptiondomain.ErrInsufficientQuota):
		return obsmetrics.ConversionFailureReasonNoQuota
	case errors.Is(err, sessiondomain.ErrDuplicateActiveSession):
		return obsmetrics.ConversionFailureReasonDuplicate
	default:
		return obsmetrics.ConversionFailureReasonStorage
	}
}

package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careline/internal/clock"
	sessiondomain "github.com/smallbiznis/careline/internal/session/domain"
	subscriptiondomain "github.com/smallbiznis/careline/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Repo            sessiondomain.Repository
	SubscriptionSvc subscriptiondomain.Service
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	repo            sessiondomain.Repository
	subscriptionSvc subscriptiondomain.Service
}

func NewService(p Params) sessiondomain.Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("session.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		repo:            p.Repo,
		subscriptionSvc: p.SubscriptionSvc,
	}
}

// CreateText implements domain.Service. The quota snapshot taken here is an
// audit value only; billing always re-reads live counters.
func (s *Service) CreateText(ctx context.Context, req sessiondomain.CreateTextSessionRequest) (sessiondomain.TextSession, error) {
	if req.PatientID == 0 || req.ProviderID == 0 {
		return sessiondomain.TextSession{}, sessiondomain.ErrInvalidParticipants
	}

	remaining, err := s.snapshotRemaining(ctx, req.PatientID, subscriptiondomain.SessionKindText)
	if err != nil {
		return sessiondomain.TextSession{}, err
	}

	existing, err := s.repo.FindActiveTextBetween(ctx, s.db, req.PatientID, req.ProviderID)
	if err != nil {
		return sessiondomain.TextSession{}, err
	}
	if existing != nil {
		return sessiondomain.TextSession{}, sessiondomain.ErrDuplicateActiveSession
	}

	now := s.clock.Now()
	session := sessiondomain.TextSession{
		ID:                           s.genID.Generate(),
		PatientID:                    req.PatientID,
		ProviderID:                   req.ProviderID,
		Status:                       sessiondomain.TextStatusWaitingForProvider,
		StartedAt:                    now,
		LastActivityAt:               now,
		SessionsRemainingBeforeStart: remaining,
		AppointmentID:                req.AppointmentID,
		Metadata:                     map[string]any{},
		CreatedAt:                    now,
		UpdatedAt:                    now,
	}
	if err := s.repo.InsertText(ctx, s.db, &session); err != nil {
		return sessiondomain.TextSession{}, err
	}
	s.log.Info("text session created",
		zap.String("session_id", session.ID.String()),
		zap.String("patient_id", req.PatientID.String()),
		zap.String("provider_id", req.ProviderID.String()),
	)
	return session, nil
}

func (s *Service) CreateCall(ctx context.Context, req sessiondomain.CreateCallSessionRequest) (sessiondomain.CallSession, error) {
	if req.PatientID == 0 || req.ProviderID == 0 {
		return sessiondomain.CallSession{}, sessiondomain.ErrInvalidParticipants
	}
	if req.Kind != subscriptiondomain.SessionKindVoice && req.Kind != subscriptiondomain.SessionKindVideo {
		return sessiondomain.CallSession{}, sessiondomain.ErrInvalidCallKind
	}

	remaining, err := s.snapshotRemaining(ctx, req.PatientID, req.Kind)
	if err != nil {
		return sessiondomain.CallSession{}, err
	}

	existing, err := s.repo.FindActiveCallBetween(ctx, s.db, req.PatientID, req.ProviderID)
	if err != nil {
		return sessiondomain.CallSession{}, err
	}
	if existing != nil {
		return sessiondomain.CallSession{}, sessiondomain.ErrDuplicateActiveSession
	}

	now := s.clock.Now()
	session := sessiondomain.CallSession{
		ID:                           s.genID.Generate(),
		PatientID:                    req.PatientID,
		ProviderID:                   req.ProviderID,
		Kind:                         req.Kind,
		Status:                       sessiondomain.CallStatusConnecting,
		StartedAt:                    now,
		LastActivityAt:               now,
		SessionsRemainingBeforeStart: remaining,
		AppointmentID:                req.AppointmentID,
		Metadata:                     map[string]any{},
		CreatedAt:                    now,
		UpdatedAt:                    now,
	}
	if err := s.repo.InsertCall(ctx, s.db, &session); err != nil {
		return sessiondomain.CallSession{}, err
	}
	s.log.Info("call session created",
		zap.String("session_id", session.ID.String()),
		zap.String("kind", string(req.Kind)),
	)
	return session, nil
}

// snapshotRemaining also gates session start: zero remaining quota refuses
// creation outright, the unlimited sentinel passes.
func (s *Service) snapshotRemaining(ctx context.Context, patientID snowflake.ID, kind subscriptiondomain.SessionKind) (int, error) {
	subscription, err := s.subscriptionSvc.GetActiveByPatient(ctx, patientID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			return 0, sessiondomain.ErrNoActiveSubscription
		}
		return 0, err
	}
	remaining := subscription.Remaining(kind)
	if remaining == 0 {
		return 0, subscriptiondomain.ErrInsufficientQuota
	}
	return remaining, nil
}

func (s *Service) AcceptText(ctx context.Context, id snowflake.ID) error {
	return s.transitionText(ctx, id,
		[]sessiondomain.TextSessionStatus{sessiondomain.TextStatusWaitingForProvider},
		sessiondomain.TextStatusActive,
	)
}

func (s *Service) MarkCallRinging(ctx context.Context, id snowflake.ID) error {
	return s.transitionCall(ctx, id,
		[]sessiondomain.CallSessionStatus{sessiondomain.CallStatusConnecting},
		sessiondomain.CallStatusWaitingForProvider,
		false,
	)
}

func (s *Service) MarkCallAnswered(ctx context.Context, id snowflake.ID) error {
	return s.transitionCall(ctx, id,
		[]sessiondomain.CallSessionStatus{
			sessiondomain.CallStatusConnecting,
			sessiondomain.CallStatusWaitingForProvider,
		},
		sessiondomain.CallStatusAnswered,
		true,
	)
}

func (s *Service) ActivateCall(ctx context.Context, id snowflake.ID) error {
	return s.transitionCall(ctx, id,
		[]sessiondomain.CallSessionStatus{sessiondomain.CallStatusAnswered},
		sessiondomain.CallStatusActive,
		true,
	)
}

func (s *Service) transitionText(ctx context.Context, id snowflake.ID, from []sessiondomain.TextSessionStatus, to sessiondomain.TextSessionStatus) error {
	session, err := s.repo.FindTextByID(ctx, s.db, id)
	if err != nil {
		return err
	}
	if session == nil {
		return sessiondomain.ErrSessionNotFound
	}
	updated, err := s.repo.UpdateTextStatus(ctx, s.db, id, from, to, s.clock.Now())
	if err != nil {
		return err
	}
	if !updated {
		return sessiondomain.ErrSessionNotActive
	}
	return nil
}

func (s *Service) transitionCall(ctx context.Context, id snowflake.ID, from []sessiondomain.CallSessionStatus, to sessiondomain.CallSessionStatus, stampConnected bool) error {
	session, err := s.repo.FindCallByID(ctx, s.db, id)
	if err != nil {
		return err
	}
	if session == nil {
		return sessiondomain.ErrSessionNotFound
	}
	now := s.clock.Now()
	var connectedAt *time.Time
	if stampConnected {
		connectedAt = &now
	}
	updated, err := s.repo.UpdateCallStatus(ctx, s.db, id, from, to, connectedAt, now)
	if err != nil {
		return err
	}
	if !updated {
		return sessiondomain.ErrSessionNotActive
	}
	return nil
}

func (s *Service) TouchActivity(ctx context.Context, ref sessiondomain.Ref) error {
	now := s.clock.Now()
	switch ref.Type {
	case sessiondomain.SessionTypeText:
		session, err := s.repo.FindTextByID(ctx, s.db, ref.ID)
		if err != nil {
			return err
		}
		if session == nil {
			return sessiondomain.ErrSessionNotFound
		}
		if session.Status.Terminal() {
			return sessiondomain.ErrSessionNotActive
		}
		return s.repo.TouchText(ctx, s.db, ref.ID, now)
	case sessiondomain.SessionTypeCall:
		session, err := s.repo.FindCallByID(ctx, s.db, ref.ID)
		if err != nil {
			return err
		}
		if session == nil {
			return sessiondomain.ErrSessionNotFound
		}
		if session.Status.Terminal() {
			return sessiondomain.ErrSessionNotActive
		}
		return s.repo.TouchCall(ctx, s.db, ref.ID, now)
	default:
		return sessiondomain.ErrSessionNotFound
	}
}

func (s *Service) GetText(ctx context.Context, id snowflake.ID) (sessiondomain.TextSession, error) {
	session, err := s.repo.FindTextByID(ctx, s.db, id)
	if err != nil {
		return sessiondomain.TextSession{}, err
	}
	if session == nil {
		return sessiondomain.TextSession{}, sessiondomain.ErrSessionNotFound
	}
	return *session, nil
}

func (s *Service) GetCall(ctx context.Context, id snowflake.ID) (sessiondomain.CallSession, error) {
	session, err := s.repo.FindCallByID(ctx, s.db, id)
	if err != nil {
		return sessiondomain.CallSession{}, err
	}
	if session == nil {
		return sessiondomain.CallSession{}, sessiondomain.ErrSessionNotFound
	}
	return *session, nil
}

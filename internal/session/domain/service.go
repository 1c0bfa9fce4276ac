package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/careline/internal/subscription/domain"
)

type CreateTextSessionRequest struct {
	PatientID     snowflake.ID
	ProviderID    snowflake.ID
	AppointmentID *snowflake.ID
}

type CreateCallSessionRequest struct {
	PatientID     snowflake.ID
	ProviderID    snowflake.ID
	Kind          subscriptiondomain.SessionKind // voice or video
	AppointmentID *snowflake.ID
}

type Service interface {
	CreateText(ctx context.Context, req CreateTextSessionRequest) (TextSession, error)
	CreateCall(ctx context.Context, req CreateCallSessionRequest) (CallSession, error)

	// AcceptText moves a waiting text session to ACTIVE (provider accept).
	AcceptText(ctx context.Context, id snowflake.ID) error

	// MarkCallRinging moves CONNECTING to WAITING_FOR_PROVIDER.
	MarkCallRinging(ctx context.Context, id snowflake.ID) error
	// MarkCallAnswered stamps ConnectedAt: only from here on is the call
	// billable.
	MarkCallAnswered(ctx context.Context, id snowflake.ID) error
	// ActivateCall moves ANSWERED to ACTIVE once media is flowing.
	ActivateCall(ctx context.Context, id snowflake.ID) error

	// TouchActivity refreshes the inactivity clock.
	TouchActivity(ctx context.Context, ref Ref) error

	GetText(ctx context.Context, id snowflake.ID) (TextSession, error)
	GetCall(ctx context.Context, id snowflake.ID) (CallSession, error)
}

var (
	ErrInvalidParticipants    = errors.New("invalid_participants")
	ErrInvalidCallKind        = errors.New("invalid_call_kind")
	ErrSessionNotFound        = errors.New("session_not_found")
	ErrSessionNotActive       = errors.New("session_not_active")
	ErrDuplicateActiveSession = errors.New("duplicate_active_session")
	ErrNoActiveSubscription   = errors.New("no_active_subscription")
)

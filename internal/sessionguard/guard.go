// Package sessionguard classifies opaque chat/billing identifiers into typed
// session references and refuses everything that is not a live consultation.
// Appointment identifiers are not session context and never pass.
package sessionguard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	appointmentdomain "github.com/smallbiznis/careline/internal/appointment/domain"
	sessiondomain "github.com/smallbiznis/careline/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrTextSessionNotFound  = errors.New("text_session_not_found")
	ErrTextSessionNotActive = errors.New("text_session_not_active")
	ErrCallSessionNotFound  = errors.New("call_session_not_found")
	ErrCallSessionNotActive = errors.New("call_session_not_active")
	// ErrNotSessionContext is returned for bare numeric identifiers that match
	// no session, including ones that happen to be appointment ids.
	ErrNotSessionContext   = errors.New("appointment_id_not_valid_session_context")
	ErrUnknownIdentifier   = errors.New("unknown_identifier_format")
	ErrCallNeverConnected  = errors.New("call_never_connected")
	ErrAppointmentNotFound = errors.New("appointment_not_found")
)

const (
	textPrefix = "text_"
	callPrefix = "call_"
)

// Classification is the guard's verdict: a typed reference plus the loaded
// session row for whichever variant matched.
type Classification struct {
	Ref  sessiondomain.Ref
	Text *sessiondomain.TextSession
	Call *sessiondomain.CallSession
}

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	SessionRepo     sessiondomain.Repository
	AppointmentRepo appointmentdomain.Repository
}

type Guard struct {
	db              *gorm.DB
	log             *zap.Logger
	sessionRepo     sessiondomain.Repository
	appointmentRepo appointmentdomain.Repository
}

func NewGuard(p Params) *Guard {
	return &Guard{
		db:              p.DB,
		log:             p.Log.Named("sessionguard"),
		sessionRepo:     p.SessionRepo,
		appointmentRepo: p.AppointmentRepo,
	}
}

// Classify resolves an opaque identifier into a session reference.
//
// Prefixed identifiers resolve directly. Bare numeric identifiers are tried
// as a call session first, then a text session; a numeric id matching
// neither is rejected as non-session context without consulting the
// appointment table, so appointment ids can never leak into chat or billing.
func (g *Guard) Classify(ctx context.Context, identifier string) (Classification, error) {
	switch {
	case strings.HasPrefix(identifier, textPrefix):
		id, err := parseID(strings.TrimPrefix(identifier, textPrefix))
		if err != nil {
			return Classification{}, ErrUnknownIdentifier
		}
		return g.classifyText(ctx, id)

	case strings.HasPrefix(identifier, callPrefix):
		id, err := parseID(strings.TrimPrefix(identifier, callPrefix))
		if err != nil {
			return Classification{}, ErrUnknownIdentifier
		}
		return g.classifyCall(ctx, id)

	default:
		id, err := parseID(identifier)
		if err != nil {
			return Classification{}, ErrUnknownIdentifier
		}
		return g.classifyBare(ctx, id)
	}
}

func (g *Guard) classifyText(ctx context.Context, id snowflake.ID) (Classification, error) {
	session, err := g.sessionRepo.FindTextByID(ctx, g.db, id)
	if err != nil {
		return Classification{}, err
	}
	if session == nil {
		return Classification{}, ErrTextSessionNotFound
	}
	if session.Status != sessiondomain.TextStatusWaitingForProvider &&
		session.Status != sessiondomain.TextStatusActive {
		return Classification{}, fmt.Errorf("%w: status %s", ErrTextSessionNotActive, session.Status)
	}
	return Classification{
		Ref:  sessiondomain.Ref{Type: sessiondomain.SessionTypeText, ID: id},
		Text: session,
	}, nil
}

func (g *Guard) classifyCall(ctx context.Context, id snowflake.ID) (Classification, error) {
	session, err := g.sessionRepo.FindCallByID(ctx, g.db, id)
	if err != nil {
		return Classification{}, err
	}
	if session == nil {
		return Classification{}, ErrCallSessionNotFound
	}
	if session.Status.Terminal() {
		return Classification{}, fmt.Errorf("%w: status %s", ErrCallSessionNotActive, session.Status)
	}
	return Classification{
		Ref:  sessiondomain.Ref{Type: sessiondomain.SessionTypeCall, ID: id},
		Call: session,
	}, nil
}

// classifyBare handles unprefixed numeric identifiers, which legacy callers
// still send. Call sessions win ties; a miss on both tables is rejected even
// when the number is a real appointment id.
func (g *Guard) classifyBare(ctx context.Context, id snowflake.ID) (Classification, error) {
	call, err := g.sessionRepo.FindCallByID(ctx, g.db, id)
	if err != nil {
		return Classification{}, err
	}
	if call != nil {
		if call.Status.Terminal() {
			return Classification{}, fmt.Errorf("%w: status %s", ErrCallSessionNotActive, call.Status)
		}
		return Classification{
			Ref:  sessiondomain.Ref{Type: sessiondomain.SessionTypeCall, ID: id},
			Call: call,
		}, nil
	}

	text, err := g.sessionRepo.FindTextByID(ctx, g.db, id)
	if err != nil {
		return Classification{}, err
	}
	if text != nil {
		if text.Status != sessiondomain.TextStatusWaitingForProvider &&
			text.Status != sessiondomain.TextStatusActive {
			return Classification{}, fmt.Errorf("%w: status %s", ErrTextSessionNotActive, text.Status)
		}
		return Classification{
			Ref:  sessiondomain.Ref{Type: sessiondomain.SessionTypeText, ID: id},
			Text: text,
		}, nil
	}

	return Classification{}, ErrNotSessionContext
}

// RequireForChat gates message-path operations on a live session context.
func (g *Guard) RequireForChat(ctx context.Context, identifier, operation string) (Classification, error) {
	c, err := g.Classify(ctx, identifier)
	if err != nil {
		g.log.Warn("chat operation denied",
			zap.String("operation", operation),
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		return Classification{}, err
	}
	return c, nil
}

// RequireForBilling gates money movement. On top of Classify it requires a
// call session to have connected: charging for a call nobody answered is the
// failure mode this exists to prevent.
func (g *Guard) RequireForBilling(ctx context.Context, identifier, operation string) (Classification, error) {
	c, err := g.Classify(ctx, identifier)
	if err != nil {
		g.log.Warn("billing operation denied",
			zap.String("operation", operation),
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		return Classification{}, err
	}
	if c.Ref.Type == sessiondomain.SessionTypeCall {
		if _, ok := c.Call.BillingAnchor(); !ok {
			g.log.Warn("billing operation denied",
				zap.String("operation", operation),
				zap.String("identifier", identifier),
				zap.Error(ErrCallNeverConnected),
			)
			return Classification{}, ErrCallNeverConnected
		}
	}
	return c, nil
}

// InspectAppointmentBilling vets an appointment before appointment-scoped
// money movement. Appointments linked to a session pass; legacy rows with no
// session link still pass but are logged, so the remaining unlinked traffic
// can be measured before the check is made strict.
func (g *Guard) InspectAppointmentBilling(ctx context.Context, appointmentID snowflake.ID) (*appointmentdomain.Appointment, error) {
	appt, err := g.appointmentRepo.FindByID(ctx, g.db, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt == nil {
		return nil, ErrAppointmentNotFound
	}
	if appt.SessionID == nil {
		g.log.Warn("appointment billing without session link",
			zap.String("appointment_id", appointmentID.String()),
			zap.String("status", string(appt.Status)),
		)
	}
	return appt, nil
}

func parseID(s string) (snowflake.ID, error) {
	if s == "" {
		return 0, errors.New("empty identifier")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, errors.New("malformed identifier")
	}
	return snowflake.ID(n), nil
}

var Module = fx.Module("sessionguard",
	fx.Provide(NewGuard),
)

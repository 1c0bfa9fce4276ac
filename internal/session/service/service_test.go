package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	sqlite "github.com/glebarez/sqlite"
	"github.com/smallbiznis/careline/internal/clock"
	"github.com/smallbiznis/careline/internal/config"
	"github.com/smallbiznis/careline/internal/migration"
	sessiondomain "github.com/smallbiznis/careline/internal/session/domain"
	"github.com/smallbiznis/careline/internal/session/repository"
	subscriptiondomain "github.com/smallbiznis/careline/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/careline/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/careline/internal/subscription/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type fixture struct {
	clock           *clock.FakeClock
	svc             sessiondomain.Service
	subscriptionSvc subscriptiondomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, migration.Migrate(conn))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	log := zaptest.NewLogger(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	subscriptionSvc := subscriptionservice.NewService(subscriptionservice.Params{
		DB: conn, Log: log, GenID: node, Clock: fake,
		Repo:       subscriptionrepo.Provide(),
		BillingCfg: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
	})
	svc := NewService(Params{
		DB: conn, Log: log, GenID: node, Clock: fake,
		Repo:            repository.Provide(),
		SubscriptionSvc: subscriptionSvc,
	})
	return &fixture{clock: fake, svc: svc, subscriptionSvc: subscriptionSvc}
}

func (f *fixture) seedSubscription(t *testing.T, patientID snowflake.ID) {
	t.Helper()
	_, err := f.subscriptionSvc.Create(context.Background(), subscriptiondomain.CreateSubscriptionRequest{
		PatientID:              patientID,
		TextSessionsRemaining:  5,
		VoiceSessionsRemaining: 5,
		PlanDays:               30,
	})
	require.NoError(t, err)
}

func TestCreateTextRequiresSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateText(ctx, sessiondomain.CreateTextSessionRequest{
		PatientID:  51,
		ProviderID: 61,
	})
	assert.ErrorIs(t, err, sessiondomain.ErrNoActiveSubscription)

	f.seedSubscription(t, 51)
	session, err := f.svc.CreateText(ctx, sessiondomain.CreateTextSessionRequest{
		PatientID:  51,
		ProviderID: 61,
	})
	require.NoError(t, err)
	assert.Equal(t, sessiondomain.TextStatusWaitingForProvider, session.Status)
	assert.Equal(t, 5, session.SessionsRemainingBeforeStart)
}

func TestCreateTextRejectsExhaustedQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.subscriptionSvc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		PatientID:              57,
		VoiceSessionsRemaining: 3,
		PlanDays:               30,
	})
	require.NoError(t, err)

	_, err = f.svc.CreateText(ctx, sessiondomain.CreateTextSessionRequest{
		PatientID:  57,
		ProviderID: 67,
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInsufficientQuota)

	// The voice counter is untouched by text exhaustion.
	_, err = f.svc.CreateCall(ctx, sessiondomain.CreateCallSessionRequest{
		PatientID:  57,
		ProviderID: 67,
		Kind:       subscriptiondomain.SessionKindVoice,
	})
	assert.NoError(t, err)
}

func TestCreateTextRejectsDuplicateActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubscription(t, 52)

	_, err := f.svc.CreateText(ctx, sessiondomain.CreateTextSessionRequest{
		PatientID:  52,
		ProviderID: 62,
	})
	require.NoError(t, err)

	_, err = f.svc.CreateText(ctx, sessiondomain.CreateTextSessionRequest{
		PatientID:  52,
		ProviderID: 62,
	})
	assert.ErrorIs(t, err, sessiondomain.ErrDuplicateActiveSession)

	// A different provider is a different pair, allowed.
	_, err = f.svc.CreateText(ctx, sessiondomain.CreateTextSessionRequest{
		PatientID:  52,
		ProviderID: 63,
	})
	assert.NoError(t, err)
}

func TestTextLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubscription(t, 53)

	session, err := f.svc.CreateText(ctx, sessiondomain.CreateTextSessionRequest{
		PatientID:  53,
		ProviderID: 63,
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.AcceptText(ctx, session.ID))
	got, err := f.svc.GetText(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, sessiondomain.TextStatusActive, got.Status)

	// Accepting twice hits the status guard.
	err = f.svc.AcceptText(ctx, session.ID)
	assert.ErrorIs(t, err, sessiondomain.ErrSessionNotActive)

	err = f.svc.AcceptText(ctx, 99999)
	assert.ErrorIs(t, err, sessiondomain.ErrSessionNotFound)
}

func TestCallLifecycleStampsConnectedAtOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubscription(t, 54)

	session, err := f.svc.CreateCall(ctx, sessiondomain.CreateCallSessionRequest{
		PatientID:  54,
		ProviderID: 64,
		Kind:       subscriptiondomain.SessionKindVoice,
	})
	require.NoError(t, err)
	assert.Equal(t, sessiondomain.CallStatusConnecting, session.Status)

	require.NoError(t, f.svc.MarkCallRinging(ctx, session.ID))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.svc.MarkCallAnswered(ctx, session.ID))

	answered, err := f.svc.GetCall(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, answered.ConnectedAt)
	connectedAt := *answered.ConnectedAt

	// Activation keeps the original billing anchor.
	f.clock.Advance(time.Minute)
	require.NoError(t, f.svc.ActivateCall(ctx, session.ID))
	active, err := f.svc.GetCall(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, sessiondomain.CallStatusActive, active.Status)
	require.NotNil(t, active.ConnectedAt)
	assert.Equal(t, connectedAt.Unix(), active.ConnectedAt.Unix())
}

func TestCreateCallValidatesKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubscription(t, 55)

	_, err := f.svc.CreateCall(ctx, sessiondomain.CreateCallSessionRequest{
		PatientID:  55,
		ProviderID: 65,
		Kind:       subscriptiondomain.SessionKindText,
	})
	assert.ErrorIs(t, err, sessiondomain.ErrInvalidCallKind)

	_, err = f.svc.CreateCall(ctx, sessiondomain.CreateCallSessionRequest{
		PatientID: 0,
	})
	assert.ErrorIs(t, err, sessiondomain.ErrInvalidParticipants)
}

func TestTouchActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubscription(t, 56)

	session, err := f.svc.CreateText(ctx, sessiondomain.CreateTextSessionRequest{
		PatientID:  56,
		ProviderID: 66,
	})
	require.NoError(t, err)
	ref := sessiondomain.Ref{Type: sessiondomain.SessionTypeText, ID: session.ID}

	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.svc.TouchActivity(ctx, ref))

	got, err := f.svc.GetText(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Unix(), got.LastActivityAt.Unix())
}

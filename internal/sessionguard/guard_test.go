package sessionguard

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	sqlite "github.com/glebarez/sqlite"
	appointmentdomain "github.com/smallbiznis/careline/internal/appointment/domain"
	appointmentrepo "github.com/smallbiznis/careline/internal/appointment/repository"
	"github.com/smallbiznis/careline/internal/migration"
	sessiondomain "github.com/smallbiznis/careline/internal/session/domain"
	sessionrepo "github.com/smallbiznis/careline/internal/session/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func sessionID(n int64) snowflake.ID { return snowflake.ID(n) }

func newTestGuard(t *testing.T) (*Guard, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, migration.Migrate(conn))

	guard := NewGuard(Params{
		DB:              conn,
		Log:             zaptest.NewLogger(t),
		SessionRepo:     sessionrepo.Provide(),
		AppointmentRepo: appointmentrepo.Provide(),
	})
	return guard, conn
}

func seedText(t *testing.T, conn *gorm.DB, id int64, status sessiondomain.TextSessionStatus) {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	session := sessiondomain.TextSession{
		ID:             sessionID(id),
		PatientID:      1,
		ProviderID:     2,
		Status:         status,
		StartedAt:      now,
		LastActivityAt: now,
		Metadata:       map[string]any{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, sessionrepo.Provide().InsertText(context.Background(), conn, &session))
}

func seedCall(t *testing.T, conn *gorm.DB, id int64, status sessiondomain.CallSessionStatus, connected bool) {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	session := sessiondomain.CallSession{
		ID:             sessionID(id),
		PatientID:      1,
		ProviderID:     2,
		Kind:           "voice",
		Status:         status,
		StartedAt:      now,
		LastActivityAt: now,
		Metadata:       map[string]any{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if connected {
		at := now.Add(30 * time.Second)
		session.ConnectedAt = &at
	}
	require.NoError(t, sessionrepo.Provide().InsertCall(context.Background(), conn, &session))
}

func TestClassify(t *testing.T) {
	guard, conn := newTestGuard(t)
	ctx := context.Background()

	seedText(t, conn, 100, sessiondomain.TextStatusActive)
	seedText(t, conn, 101, sessiondomain.TextStatusEnded)
	seedCall(t, conn, 200, sessiondomain.CallStatusActive, true)
	seedCall(t, conn, 201, sessiondomain.CallStatusEnded, true)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	appt := appointmentdomain.Appointment{
		ID: 300, PatientID: 1, ProviderID: 2,
		Status: appointmentdomain.AppointmentStatusConfirmed, SessionKind: "text",
		ScheduledAt: now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, appointmentrepo.Provide().Insert(ctx, conn, &appt))

	tests := []struct {
		name       string
		identifier string
		wantType   sessiondomain.SessionType
		wantErr    error
	}{
		{"prefixed text active", "text_100", sessiondomain.SessionTypeText, nil},
		{"prefixed text ended", "text_101", "", ErrTextSessionNotActive},
		{"prefixed text missing", "text_999", "", ErrTextSessionNotFound},
		{"prefixed call active", "call_200", sessiondomain.SessionTypeCall, nil},
		{"prefixed call ended", "call_201", "", ErrCallSessionNotActive},
		{"prefixed call missing", "call_999", "", ErrCallSessionNotFound},
		{"bare numeric call", "200", sessiondomain.SessionTypeCall, nil},
		{"bare numeric text", "100", sessiondomain.SessionTypeText, nil},
		{"bare numeric appointment id", "300", "", ErrNotSessionContext},
		{"bare numeric unknown", "888", "", ErrNotSessionContext},
		{"garbage", "appt-300", "", ErrUnknownIdentifier},
		{"empty", "", "", ErrUnknownIdentifier},
		{"negative", "-4", "", ErrUnknownIdentifier},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := guard.Classify(ctx, tc.identifier)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantType, c.Ref.Type)
		})
	}
}

func TestRequireForBillingRejectsNeverConnectedCall(t *testing.T) {
	guard, conn := newTestGuard(t)
	ctx := context.Background()

	seedCall(t, conn, 210, sessiondomain.CallStatusWaitingForProvider, false)
	seedCall(t, conn, 211, sessiondomain.CallStatusActive, true)

	_, err := guard.RequireForBilling(ctx, "call_210", "metering.tick")
	assert.ErrorIs(t, err, ErrCallNeverConnected)

	// Chat does not require a connected call.
	_, err = guard.RequireForChat(ctx, "call_210", "chat.send")
	assert.NoError(t, err)

	c, err := guard.RequireForBilling(ctx, "call_211", "metering.tick")
	require.NoError(t, err)
	assert.NotNil(t, c.Call)
}

func TestInspectAppointmentBilling(t *testing.T) {
	guard, conn := newTestGuard(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	linked := sessionID(400)
	appts := []appointmentdomain.Appointment{
		{ID: 301, PatientID: 1, ProviderID: 2, Status: appointmentdomain.AppointmentStatusConfirmed,
			SessionKind: "text", ScheduledAt: now, SessionID: &linked, CreatedAt: now, UpdatedAt: now},
		{ID: 302, PatientID: 1, ProviderID: 2, Status: appointmentdomain.AppointmentStatusConfirmed,
			SessionKind: "text", ScheduledAt: now, CreatedAt: now, UpdatedAt: now},
	}
	for i := range appts {
		require.NoError(t, appointmentrepo.Provide().Insert(ctx, conn, &appts[i]))
	}

	got, err := guard.InspectAppointmentBilling(ctx, 301)
	require.NoError(t, err)
	assert.NotNil(t, got.SessionID)

	// Legacy appointment with no session link still passes, with a warning.
	got, err = guard.InspectAppointmentBilling(ctx, 302)
	require.NoError(t, err)
	assert.Nil(t, got.SessionID)

	_, err = guard.InspectAppointmentBilling(ctx, 999)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

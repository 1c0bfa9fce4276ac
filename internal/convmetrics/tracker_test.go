package convmetrics

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	appointmentdomain "github.com/smallbiznis/careline/internal/appointment/domain"
	appointmentrepo "github.com/smallbiznis/careline/internal/appointment/repository"
	"github.com/smallbiznis/careline/internal/clock"
	"github.com/smallbiznis/careline/internal/migration"
	obsmetrics "github.com/smallbiznis/careline/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	os.Exit(m.Run())
}

func newTestTracker(t *testing.T, fake *clock.FakeClock) (*Tracker, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, migration.Migrate(conn))

	tracker := NewTracker(Params{
		DB:              conn,
		Log:             zaptest.NewLogger(t),
		Clock:           fake,
		AppointmentRepo: appointmentrepo.Provide(),
	})
	return tracker, conn
}

func TestMemoryBucketStore(t *testing.T) {
	store := NewMemoryBucketStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Incr(ctx, "conv:ok:1", time.Minute)
		require.NoError(t, err)
	}
	n, err := store.Get(ctx, "conv:ok:1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = store.Get(ctx, "conv:ok:missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestWindowAggregatesAcrossMinutes(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	tracker, _ := newTestTracker(t, fake)
	ctx := context.Background()

	tracker.RecordSuccess(ctx)
	tracker.RecordSuccess(ctx)
	tracker.RecordFailure(ctx, obsmetrics.ConversionFailureReasonNoQuota)

	fake.Advance(2 * time.Minute)
	tracker.RecordSuccess(ctx)
	tracker.RecordFailure(ctx, obsmetrics.ConversionFailureReasonStorage)

	successes, failures, err := tracker.Window(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), successes)
	assert.Equal(t, int64(2), failures)

	// A one-minute window only sees the newest bucket.
	successes, failures, err = tracker.Window(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), successes)
	assert.Equal(t, int64(1), failures)
}

func TestSnapshotCountsBacklog(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	tracker, conn := newTestTracker(t, fake)
	ctx := context.Background()

	now := fake.Now()
	linked := appointmentdomain.Appointment{
		ID: 601, PatientID: 1, ProviderID: 2,
		Status: appointmentdomain.AppointmentStatusConfirmed, SessionKind: "text",
		ScheduledAt: now.Add(-time.Hour), CreatedAt: now, UpdatedAt: now,
	}
	sessionID := linked.ID + 1000
	linked.SessionID = &sessionID
	overdue := appointmentdomain.Appointment{
		ID: 602, PatientID: 1, ProviderID: 2,
		Status: appointmentdomain.AppointmentStatusConfirmed, SessionKind: "text",
		ScheduledAt: now.Add(-time.Hour), CreatedAt: now, UpdatedAt: now,
	}
	future := appointmentdomain.Appointment{
		ID: 603, PatientID: 1, ProviderID: 2,
		Status: appointmentdomain.AppointmentStatusConfirmed, SessionKind: "text",
		ScheduledAt: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now,
	}
	for _, appt := range []appointmentdomain.Appointment{linked, overdue, future} {
		a := appt
		require.NoError(t, appointmentrepo.Provide().Insert(ctx, conn, &a))
	}

	snapshot, err := tracker.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snapshot.Backlog)
	assert.Equal(t, AlertNone, snapshot.Alert)
}

func TestFailureRate(t *testing.T) {
	assert.Equal(t, 0.0, FailureRate(0, 0))
	assert.Equal(t, 0.5, FailureRate(2, 2))
	assert.Equal(t, 1.0, FailureRate(0, 5))
}

func TestEvaluateAlerts(t *testing.T) {
	thresholds := DefaultThresholds()

	tests := []struct {
		name    string
		rate    float64
		backlog int64
		want    AlertLevel
	}{
		{"healthy", 0.01, 3, AlertNone},
		{"rate at warning", 0.10, 0, AlertWarning},
		{"rate at critical", 0.25, 0, AlertCritical},
		{"backlog at warning", 0, 25, AlertWarning},
		{"backlog at critical", 0, 100, AlertCritical},
		{"critical beats warning", 0.12, 150, AlertCritical},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EvaluateAlerts(tc.rate, tc.backlog, thresholds))
		})
	}
}

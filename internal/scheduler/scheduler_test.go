package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	appointmentdomain "github.com/smallbiznis/careline/internal/appointment/domain"
	appointmentrepo "github.com/smallbiznis/careline/internal/appointment/repository"
	appointmentservice "github.com/smallbiznis/careline/internal/appointment/service"
	"github.com/smallbiznis/careline/internal/clock"
	"github.com/smallbiznis/careline/internal/config"
	"github.com/smallbiznis/careline/internal/convmetrics"
	"github.com/smallbiznis/careline/internal/metering"
	"github.com/smallbiznis/careline/internal/migration"
	sessiondomain "github.com/smallbiznis/careline/internal/session/domain"
	sessionrepo "github.com/smallbiznis/careline/internal/session/repository"
	sessionservice "github.com/smallbiznis/careline/internal/session/service"
	"github.com/smallbiznis/careline/internal/sessionguard"
	"github.com/smallbiznis/careline/internal/settlement"
	subscriptiondomain "github.com/smallbiznis/careline/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/careline/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/careline/internal/subscription/service"
	walletdomain "github.com/smallbiznis/careline/internal/wallet/domain"
	walletrepo "github.com/smallbiznis/careline/internal/wallet/repository"
	walletservice "github.com/smallbiznis/careline/internal/wallet/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

var testRegistry = prometheus.NewRegistry()

func TestMain(m *testing.M) {
	prometheus.DefaultRegisterer = testRegistry
	prometheus.DefaultGatherer = testRegistry
	os.Exit(m.Run())
}

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := testRegistry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.Metric {
			if labelsMatch(metric, labels) && metric.Counter != nil {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}

type fixture struct {
	db              *gorm.DB
	clock           *clock.FakeClock
	scheduler       *Scheduler
	sessionSvc      sessiondomain.Service
	subscriptionSvc subscriptiondomain.Service
	walletSvc       walletdomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, migration.Migrate(conn))

	node, err := snowflake.NewNode(6)
	require.NoError(t, err)
	log := zaptest.NewLogger(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	billingCfg := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())

	sessionRepo := sessionrepo.Provide()
	apptRepo := appointmentrepo.Provide()

	subscriptionSvc := subscriptionservice.NewService(subscriptionservice.Params{
		DB: conn, Log: log, GenID: node, Clock: fake,
		Repo:       subscriptionrepo.Provide(),
		BillingCfg: billingCfg,
	})
	sessionSvc := sessionservice.NewService(sessionservice.Params{
		DB: conn, Log: log, GenID: node, Clock: fake,
		Repo:            sessionRepo,
		SubscriptionSvc: subscriptionSvc,
	})
	walletSvc := walletservice.NewService(walletservice.Params{
		DB: conn, Log: log, GenID: node, Clock: fake,
		Repo:       walletrepo.Provide(),
		BillingCfg: billingCfg,
	})
	guard := sessionguard.NewGuard(sessionguard.Params{
		DB: conn, Log: log,
		SessionRepo:     sessionRepo,
		AppointmentRepo: apptRepo,
	})
	engine := metering.NewEngine(metering.Params{
		DB: conn, Log: log, Clock: fake, Guard: guard,
		SessionRepo:     sessionRepo,
		SubscriptionSvc: subscriptionSvc,
		WalletSvc:       walletSvc,
		BillingCfg:      billingCfg,
	})
	settlementSvc := settlement.NewService(settlement.Params{
		DB: conn, Log: log, Clock: fake, Guard: guard,
		SessionRepo:     sessionRepo,
		AppointmentRepo: apptRepo,
		SubscriptionSvc: subscriptionSvc,
		WalletSvc:       walletSvc,
		BillingCfg:      billingCfg,
	})
	tracker := convmetrics.NewTracker(convmetrics.Params{
		DB: conn, Log: log, Clock: fake,
		AppointmentRepo: apptRepo,
	})
	converter := appointmentservice.NewConverter(appointmentservice.ConverterParams{
		DB: conn, Log: log, Clock: fake,
		Repo:       apptRepo,
		SessionSvc: sessionSvc,
		Tracker:    tracker,
	})
	scheduler := New(Params{
		DB: conn, Log: log, Clock: fake,
		Cfg:             config.Config{AppName: "careline", SchedulerIntervalSeconds: 60},
		BillingCfg:      billingCfg,
		SessionRepo:     sessionRepo,
		Metering:        engine,
		Settlement:      settlementSvc,
		SubscriptionSvc: subscriptionSvc,
		Converter:       converter,
		Tracker:         tracker,
	})
	return &fixture{
		db:              conn,
		clock:           fake,
		scheduler:       scheduler,
		sessionSvc:      sessionSvc,
		subscriptionSvc: subscriptionSvc,
		walletSvc:       walletSvc,
	}
}

func TestRunOnceMetersThenExpiresIdleSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.subscriptionSvc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		PatientID:             801,
		TextSessionsRemaining: 5,
		PlanDays:              30,
	})
	require.NoError(t, err)

	session, err := f.sessionSvc.CreateText(ctx, sessiondomain.CreateTextSessionRequest{
		PatientID:  801,
		ProviderID: 901,
	})
	require.NoError(t, err)
	require.NoError(t, f.sessionSvc.AcceptText(ctx, session.ID))

	// 25 idle minutes: two full units elapsed, and the inactivity window
	// (15m) has passed. One sweep both meters and times the session out.
	f.clock.Advance(25 * time.Minute)
	f.scheduler.RunOnce(ctx)

	got, err := f.sessionSvc.GetText(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, sessiondomain.TextStatusExpired, got.Status)
	assert.Equal(t, 2, got.SessionsUsed)
	assert.Equal(t, 2, got.AutoDeductionsProcessed)

	sub, err := f.subscriptionSvc.GetActiveByPatient(ctx, 801)
	require.NoError(t, err)
	assert.Equal(t, 3, sub.TextSessionsRemaining)

	rate := config.DefaultBillingConfig().ProviderRatePerUnit
	wallet, err := f.walletSvc.GetByProvider(ctx, 901)
	require.NoError(t, err)
	assert.Equal(t, 2*rate, wallet.Balance)

	runs := counterValue(t, "careline_scheduler_job_runs_total", map[string]string{
		"service": "careline", "env": "unknown", "job": JobMeteringTicks,
	})
	assert.GreaterOrEqual(t, runs, 1.0)

	// An expired session is terminal: the next sweep finds nothing to do.
	f.clock.Advance(20 * time.Minute)
	f.scheduler.RunOnce(ctx)
	wallet, err = f.walletSvc.GetByProvider(ctx, 901)
	require.NoError(t, err)
	assert.Equal(t, 2*rate, wallet.Balance)
}

func TestRunOnceConvertsDueAppointments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.subscriptionSvc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		PatientID:             802,
		TextSessionsRemaining: 2,
		PlanDays:              30,
	})
	require.NoError(t, err)

	now := f.clock.Now()
	appt := appointmentdomain.Appointment{
		ID: 820, PatientID: 802, ProviderID: 902,
		Status: appointmentdomain.AppointmentStatusConfirmed, SessionKind: "text",
		ScheduledAt: now.Add(-time.Minute), CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, appointmentrepo.Provide().Insert(ctx, f.db, &appt))

	f.scheduler.RunOnce(ctx)

	linked, err := appointmentrepo.Provide().FindByID(ctx, f.db, 820)
	require.NoError(t, err)
	require.NotNil(t, linked.SessionID)

	started, err := f.sessionSvc.GetText(ctx, *linked.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sessiondomain.TextStatusWaitingForProvider, started.Status)
	require.NotNil(t, started.AppointmentID)
	assert.Equal(t, appt.ID, *started.AppointmentID)
}

func TestRunOnceRollsOverLapsedSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.subscriptionSvc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		PatientID:             803,
		TextSessionsRemaining: 1,
		PlanDays:              30,
	})
	require.NoError(t, err)

	f.clock.Advance(33 * 24 * time.Hour)
	f.scheduler.RunOnce(ctx)

	sub, err := f.subscriptionSvc.GetActiveByPatient(ctx, 803)
	require.NoError(t, err)
	assert.Equal(t, created.EndDate.Add(7*24*time.Hour).Unix(), sub.EndDate.Unix())
	assert.Equal(t, true, sub.Metadata[subscriptiondomain.MetaRolloverApplied])
}

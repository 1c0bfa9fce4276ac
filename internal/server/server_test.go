package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	appointmentrepo "github.com/smallbiznis/careline/internal/appointment/repository"
	"github.com/smallbiznis/careline/internal/clock"
	"github.com/smallbiznis/careline/internal/config"
	"github.com/smallbiznis/careline/internal/convmetrics"
	"github.com/smallbiznis/careline/internal/migration"
	sessiondomain "github.com/smallbiznis/careline/internal/session/domain"
	sessionrepo "github.com/smallbiznis/careline/internal/session/repository"
	sessionservice "github.com/smallbiznis/careline/internal/session/service"
	"github.com/smallbiznis/careline/internal/sessionguard"
	"github.com/smallbiznis/careline/internal/settlement"
	subscriptiondomain "github.com/smallbiznis/careline/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/careline/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/careline/internal/subscription/service"
	walletrepo "github.com/smallbiznis/careline/internal/wallet/repository"
	walletservice "github.com/smallbiznis/careline/internal/wallet/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fixture struct {
	server     *Server
	clock      *clock.FakeClock
	logs       *observer.ObservedLogs
	sessionSvc sessiondomain.Service
	subSvc     subscriptiondomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, migration.Migrate(conn))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	billing := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())

	subSvc := subscriptionservice.NewService(subscriptionservice.Params{
		DB: conn, Log: log, GenID: node, Clock: fake,
		Repo: subscriptionrepo.Provide(), BillingCfg: billing,
	})
	walletSvc := walletservice.NewService(walletservice.Params{
		DB: conn, Log: log, GenID: node, Clock: fake,
		Repo: walletrepo.Provide(), BillingCfg: billing,
	})
	sessionSvc := sessionservice.NewService(sessionservice.Params{
		DB: conn, Log: log, GenID: node, Clock: fake,
		Repo: sessionrepo.Provide(), SubscriptionSvc: subSvc,
	})
	guard := sessionguard.NewGuard(sessionguard.Params{
		DB: conn, Log: log,
		SessionRepo: sessionrepo.Provide(), AppointmentRepo: appointmentrepo.Provide(),
	})
	settleSvc := settlement.NewService(settlement.Params{
		DB: conn, Log: log, Clock: fake, Guard: guard,
		SessionRepo:     sessionrepo.Provide(),
		AppointmentRepo: appointmentrepo.Provide(),
		SubscriptionSvc: subSvc,
		WalletSvc:       walletSvc,
		BillingCfg:      billing,
	})
	tracker := convmetrics.NewTracker(convmetrics.Params{
		DB: conn, Log: log, Clock: fake,
		AppointmentRepo: appointmentrepo.Provide(),
	})

	srv := New(Params{
		Cfg:             config.Config{AppName: "careline", Environment: "test", HTTPAddr: ":0"},
		Log:             log,
		Guard:           guard,
		SessionSvc:      sessionSvc,
		Settlement:      settleSvc,
		SubscriptionSvc: subSvc,
		WalletSvc:       walletSvc,
		Tracker:         tracker,
	})

	return &fixture{
		server:     srv,
		clock:      fake,
		logs:       logs,
		sessionSvc: sessionSvc,
		subSvc:     subSvc,
	}
}

func (f *fixture) do(method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	f.server.engine.ServeHTTP(w, req)
	return w
}

func (f *fixture) newActiveText(t *testing.T, patientID, providerID snowflake.ID, quota int) sessiondomain.TextSession {
	t.Helper()
	ctx := context.Background()
	_, err := f.subSvc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		PatientID:             patientID,
		TextSessionsRemaining: quota,
		PlanDays:              30,
	})
	require.NoError(t, err)

	session, err := f.sessionSvc.CreateText(ctx, sessiondomain.CreateTextSessionRequest{
		PatientID:  patientID,
		ProviderID: providerID,
	})
	require.NoError(t, err)
	require.NoError(t, f.sessionSvc.AcceptText(ctx, session.ID))
	return session
}

func TestEndSessionSettlesManually(t *testing.T) {
	f := newFixture(t)
	session := f.newActiveText(t, 61, 71, 10)
	f.clock.Advance(25 * time.Minute)

	w := f.do(http.MethodPost, "/v1/sessions/text_"+session.ID.String()+"/end")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(3), body["units_owed"])
	assert.Equal(t, float64(3), body["units_charged"])
	assert.Equal(t, false, body["already_ended"])

	got, err := f.sessionSvc.GetText(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, sessiondomain.TextStatusEnded, got.Status)

	sub, err := f.subSvc.GetActiveByPatient(context.Background(), 61)
	require.NoError(t, err)
	assert.Equal(t, 7, sub.TextSessionsRemaining)
}

func TestEndSessionDeniedAttemptIsLogged(t *testing.T) {
	f := newFixture(t)
	session := f.newActiveText(t, 62, 72, 10)
	identifier := "text_" + session.ID.String()

	w := f.do(http.MethodPost, "/v1/sessions/"+identifier+"/end")
	require.Equal(t, http.StatusOK, w.Code)

	// Re-ending a terminal session is refused at the guard, and the refusal
	// leaves an audit trail naming the operation.
	w = f.do(http.MethodPost, "/v1/sessions/"+identifier+"/end")
	assert.Equal(t, http.StatusConflict, w.Code)

	denied := f.logs.FilterMessage("chat operation denied").All()
	require.NotEmpty(t, denied)
	fields := denied[len(denied)-1].ContextMap()
	assert.Equal(t, "session.end", fields["operation"])
	assert.Equal(t, identifier, fields["identifier"])
}

func TestEndSessionRejectsMalformedIdentifier(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/sessions/text_abc/end")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

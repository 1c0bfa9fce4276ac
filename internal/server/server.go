// Package server is the operator and lifecycle HTTP surface. Authentication
// is handled upstream; this listener is not exposed publicly.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/careline/internal/config"
	"github.com/smallbiznis/careline/internal/convmetrics"
	sessiondomain "github.com/smallbiznis/careline/internal/session/domain"
	"github.com/smallbiznis/careline/internal/sessionguard"
	"github.com/smallbiznis/careline/internal/settlement"
	subscriptiondomain "github.com/smallbiznis/careline/internal/subscription/domain"
	walletdomain "github.com/smallbiznis/careline/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Cfg             config.Config
	Log             *zap.Logger
	Guard           *sessionguard.Guard
	SessionSvc      sessiondomain.Service
	Settlement      *settlement.Service
	SubscriptionSvc subscriptiondomain.Service
	WalletSvc       walletdomain.Service
	Tracker         *convmetrics.Tracker
}

type Server struct {
	cfg             config.Config
	log             *zap.Logger
	guard           *sessionguard.Guard
	sessionSvc      sessiondomain.Service
	settlement      *settlement.Service
	subscriptionSvc subscriptiondomain.Service
	walletSvc       walletdomain.Service
	tracker         *convmetrics.Tracker

	engine *gin.Engine
	http   *http.Server
}

func New(p Params) *Server {
	s := &Server{
		cfg:             p.Cfg,
		log:             p.Log.Named("server"),
		guard:           p.Guard,
		sessionSvc:      p.SessionSvc,
		settlement:      p.Settlement,
		subscriptionSvc: p.SubscriptionSvc,
		walletSvc:       p.WalletSvc,
		tracker:         p.Tracker,
	}
	s.engine = s.buildRouter()
	s.http = &http.Server{
		Addr:              p.Cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	if s.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": s.cfg.AppName})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.POST("/sessions/:identifier/activity", s.touchActivity)
		v1.POST("/sessions/:identifier/end", s.endSession)

		v1.POST("/appointments/:id/settle", s.settleAppointment)

		ops := v1.Group("/ops")
		ops.GET("/conversion-metrics", s.conversionMetrics)
		ops.POST("/sweeps/subscriptions", s.sweepSubscriptions)

		v1.GET("/providers/:id/wallet", s.providerWallet)
	}
	return r
}

func (s *Server) touchActivity(c *gin.Context) {
	classification, err := s.guard.RequireForChat(c.Request.Context(), c.Param("identifier"), "session.touch")
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.sessionSvc.TouchActivity(c.Request.Context(), classification.Ref); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// endSession is a manual end by a participant: the started unit is billed in
// full and the session is marked terminal.
func (s *Server) endSession(c *gin.Context) {
	classification, err := s.guard.RequireForChat(c.Request.Context(), c.Param("identifier"), "session.end")
	if err != nil {
		abortWithError(c, err)
		return
	}
	result, err := s.settlement.SettleSession(c.Request.Context(), classification.Ref, sessiondomain.EndTypeManual)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":       result.Ref.Identifier(),
		"units_owed":    result.UnitsOwed,
		"units_charged": result.UnitsCharged,
		"under_settled": result.UnderSettled,
		"already_ended": result.AlreadyEnded,
	})
}

// settleAppointment fires the appointment's one-shot earning and quota
// markers; replays report both as already done.
func (s *Server) settleAppointment(c *gin.Context) {
	appointmentID, err := parseSnowflake(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid appointment id"})
		return
	}
	result, err := s.settlement.SettleAppointment(c.Request.Context(), appointmentID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"appointment_id":   result.AppointmentID.String(),
		"earnings_awarded": result.EarningsAwarded,
		"quota_deducted":   result.QuotaDeducted,
	})
}

func (s *Server) conversionMetrics(c *gin.Context) {
	snapshot, err := s.tracker.Snapshot(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) sweepSubscriptions(c *gin.Context) {
	outcome, err := s.subscriptionSvc.ProcessExpirations(c.Request.Context(), 100)
	if err != nil {
		// Partial sweeps still report what they processed.
		s.log.Error("manual subscription sweep reported errors", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{
		"rolled_over": outcome.RolledOver,
		"expired":     outcome.Expired,
		"skipped":     outcome.Skipped,
	})
}

func (s *Server) providerWallet(c *gin.Context) {
	providerID, err := parseSnowflake(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid provider id"})
		return
	}
	wallet, err := s.walletSvc.GetByProvider(c.Request.Context(), providerID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"provider_id": wallet.ProviderID.String(),
		"balance":     wallet.Balance,
		"currency":    wallet.Currency,
	})
}

func parseSnowflake(s string) (snowflake.ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, errors.New("malformed id")
	}
	return snowflake.ID(n), nil
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sessiondomain.ErrSessionNotFound),
		errors.Is(err, sessionguard.ErrTextSessionNotFound),
		errors.Is(err, sessionguard.ErrCallSessionNotFound),
		errors.Is(err, sessionguard.ErrAppointmentNotFound),
		errors.Is(err, walletdomain.ErrWalletNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, sessionguard.ErrUnknownIdentifier),
		errors.Is(err, sessionguard.ErrNotSessionContext):
		return http.StatusBadRequest
	case errors.Is(err, sessiondomain.ErrSessionNotActive),
		errors.Is(err, sessionguard.ErrTextSessionNotActive),
		errors.Is(err, sessionguard.ErrCallSessionNotActive),
		errors.Is(err, sessionguard.ErrCallNeverConnected),
		errors.Is(err, subscriptiondomain.ErrInsufficientQuota):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func registerHooks(lc fx.Lifecycle, s *Server) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("http server stopped", zap.Error(err))
				}
			}()
			s.log.Info("http server listening", zap.String("addr", s.cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.http.Shutdown(ctx)
		},
	})
}

var Module = fx.Module("server",
	fx.Provide(New),
	fx.Invoke(registerHooks),
)

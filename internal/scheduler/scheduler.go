// Package scheduler drives the periodic sweeps: metering ticks, inactivity
// expiry, subscription expiration and appointment auto-start. Every job runs
// under a deadline and records run, duration, timeout and error metrics; a
// redis lease keeps sweeps from overlapping across replicas.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	appointmentservice "github.com/smallbiznis/careline/internal/appointment/service"
	"github.com/smallbiznis/careline/internal/clock"
	"github.com/smallbiznis/careline/internal/config"
	"github.com/smallbiznis/careline/internal/convmetrics"
	"github.com/smallbiznis/careline/internal/locks"
	"github.com/smallbiznis/careline/internal/metering"
	obsmetrics "github.com/smallbiznis/careline/internal/observability/metrics"
	sessiondomain "github.com/smallbiznis/careline/internal/session/domain"
	"github.com/smallbiznis/careline/internal/settlement"
	subscriptiondomain "github.com/smallbiznis/careline/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobMeteringTicks        = "metering_ticks"
	JobSessionExpiry        = "session_expiry"
	JobSubscriptionExpiry   = "subscription_expiry"
	JobAppointmentAutostart = "appointment_autostart"

	jobTimeout   = 2 * time.Minute
	sweepLockTTL = 3 * time.Minute
	sweepBatch   = 100
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	Cfg             config.Config
	BillingCfg      *config.BillingConfigHolder
	Clock           clock.Clock
	Locker          *locks.Locker `optional:"true"`
	SessionRepo     sessiondomain.Repository
	Metering        *metering.Engine
	Settlement      *settlement.Service
	SubscriptionSvc subscriptiondomain.Service
	Converter       *appointmentservice.Converter
	Tracker         *convmetrics.Tracker
}

type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             config.Config
	billingCfg      *config.BillingConfigHolder
	clock           clock.Clock
	locker          *locks.Locker
	sessionRepo     sessiondomain.Repository
	metering        *metering.Engine
	settlement      *settlement.Service
	subscriptionSvc subscriptiondomain.Service
	converter       *appointmentservice.Converter
	tracker         *convmetrics.Tracker

	lockWarnOnce sync.Once
	cancel       context.CancelFunc
	done         chan struct{}
}

func New(p Params) *Scheduler {
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler"),
		cfg:             p.Cfg,
		billingCfg:      p.BillingCfg,
		clock:           p.Clock,
		locker:          p.Locker,
		sessionRepo:     p.SessionRepo,
		metering:        p.Metering,
		settlement:      p.Settlement,
		subscriptionSvc: p.SubscriptionSvc,
		converter:       p.Converter,
		tracker:         p.Tracker,
	}
}

// RunOnce executes every sweep once. Jobs are independent; one failing
// sweep never blocks the others.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.runJob(ctx, JobMeteringTicks, s.runMeteringTicks)
	s.runJob(ctx, JobSessionExpiry, s.runSessionExpiry)
	s.runJob(ctx, JobSubscriptionExpiry, s.runSubscriptionExpiry)
	s.runJob(ctx, JobAppointmentAutostart, s.runAppointmentAutostart)
}

// RunForever ticks RunOnce at the configured interval until ctx ends.
func (s *Scheduler) RunForever(ctx context.Context) {
	interval := time.Duration(s.cfg.SchedulerIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case scheduled := <-ticker.C:
			obsmetrics.Scheduler().ObserveRunLoopLag(time.Since(scheduled))
			s.RunOnce(ctx)
		}
	}
}

// runJob is the envelope every sweep runs in: lease lock, deadline, metrics
// and structured logging.
func (s *Scheduler) runJob(ctx context.Context, name string, fn func(ctx context.Context) (int, error)) {
	token, acquired := s.acquireLease(ctx, name)
	if !acquired {
		return
	}
	defer s.releaseLease(ctx, name, token)

	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	metrics := obsmetrics.Scheduler()
	metrics.IncJobRun(name)
	start := time.Now()

	processed, err := fn(jobCtx)
	metrics.ObserveJobDuration(name, time.Since(start))
	metrics.AddBatchProcessed(name, processed)

	switch {
	case err == nil:
		s.log.Debug("job completed", zap.String("job", name), zap.Int("processed", processed))
	case errors.Is(err, context.DeadlineExceeded):
		metrics.IncJobTimeout(name)
		metrics.IncJobError(name, err)
		s.log.Error("job deadline exceeded", zap.String("job", name), zap.Int("processed", processed))
	default:
		metrics.IncJobError(name, err)
		s.log.Error("job failed", zap.String("job", name), zap.Int("processed", processed), zap.Error(err))
	}
}

func (s *Scheduler) acquireLease(ctx context.Context, job string) (string, bool) {
	if s.locker == nil {
		s.lockWarnOnce.Do(func() {
			s.log.Info("no lock backend configured, running sweeps in single-node mode")
		})
		return "", true
	}
	token, ok, err := s.locker.TryLock(ctx, "careline:sweep:"+job, sweepLockTTL)
	if err != nil {
		// Lock backend down: prefer running locally over skipping billing.
		s.log.Warn("sweep lease unavailable, running unlocked", zap.String("job", job), zap.Error(err))
		return "", true
	}
	if !ok {
		s.log.Debug("sweep held elsewhere, skipping", zap.String("job", job))
		return "", false
	}
	return token, true
}

func (s *Scheduler) releaseLease(ctx context.Context, job, token string) {
	if s.locker == nil || token == "" {
		return
	}
	if err := s.locker.Release(ctx, "careline:sweep:"+job, token); err != nil {
		s.log.Warn("sweep lease release failed", zap.String("job", job), zap.Error(err))
	}
}

// runMeteringTicks drives one auto-deduction tick for every billable
// session. Per-session errors are joined and reported; the batch never
// aborts early.
func (s *Scheduler) runMeteringTicks(ctx context.Context) (int, error) {
	var refs []sessiondomain.Ref

	texts, err := s.sessionRepo.ListBillableText(ctx, s.db, sweepBatch)
	if err != nil {
		return 0, err
	}
	for i := range texts {
		refs = append(refs, sessiondomain.Ref{Type: sessiondomain.SessionTypeText, ID: texts[i].ID})
	}
	calls, err := s.sessionRepo.ListBillableCalls(ctx, s.db, sweepBatch)
	if err != nil {
		return 0, err
	}
	for i := range calls {
		refs = append(refs, sessiondomain.Ref{Type: sessiondomain.SessionTypeCall, ID: calls[i].ID})
	}

	processed := 0
	var errs []error
	for _, ref := range refs {
		if _, err := s.metering.Tick(ctx, ref.Identifier()); err != nil {
			errs = append(errs, err)
			continue
		}
		processed++
	}
	return processed, errors.Join(errs...)
}

// runSessionExpiry times out sessions idle past the inactivity window and
// settles them with the timeout rounding rule.
func (s *Scheduler) runSessionExpiry(ctx context.Context) (int, error) {
	timeout := time.Duration(s.billingCfg.Get().InactivityTimeoutMinutes) * time.Minute
	cutoff := s.clock.Now().Add(-timeout)

	var refs []sessiondomain.Ref
	texts, err := s.sessionRepo.ListTextInactiveSince(ctx, s.db, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}
	for i := range texts {
		refs = append(refs, sessiondomain.Ref{Type: sessiondomain.SessionTypeText, ID: texts[i].ID})
	}
	calls, err := s.sessionRepo.ListCallInactiveSince(ctx, s.db, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}
	for i := range calls {
		refs = append(refs, sessiondomain.Ref{Type: sessiondomain.SessionTypeCall, ID: calls[i].ID})
	}

	processed := 0
	var errs []error
	for _, ref := range refs {
		if _, err := s.settlement.SettleSession(ctx, ref, sessiondomain.EndTypeTimeout); err != nil {
			errs = append(errs, err)
			continue
		}
		processed++
	}
	return processed, errors.Join(errs...)
}

func (s *Scheduler) runSubscriptionExpiry(ctx context.Context) (int, error) {
	outcome, err := s.subscriptionSvc.ProcessExpirations(ctx, sweepBatch)
	return outcome.RolledOver + outcome.Expired, err
}

func (s *Scheduler) runAppointmentAutostart(ctx context.Context) (int, error) {
	converted, err := s.converter.ConvertDue(ctx, sweepBatch)
	if _, refreshErr := s.tracker.RefreshBacklog(ctx); refreshErr != nil {
		err = errors.Join(err, refreshErr)
	}
	return converted, err
}

// Start launches RunForever on an fx lifecycle.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.RunForever(ctx)
	}()
}

func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func registerHooks(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			s.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			s.Stop()
			return nil
		},
	})
}

var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Invoke(registerHooks),
)
